package combine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/vazmin/combinecache/internal/logger"
	"github.com/vazmin/combinecache/pkg/combine/binlog"
	"github.com/vazmin/combinecache/pkg/combine/datathread"
	"github.com/vazmin/combinecache/pkg/combine/obid"
	"github.com/vazmin/combinecache/pkg/combine/otid"
	"github.com/vazmin/combinecache/pkg/combine/slab"
	"github.com/vazmin/combinecache/pkg/combine/storage"
	"github.com/vazmin/combinecache/pkg/combine/timerwheel"
)

// Metrics is the nil-safe instrumentation hook the cache reports
// through. A nil Metrics is valid everywhere a Cache accepts one - Cache
// itself always has a concrete (possibly noop) value. This interface
// lets pkg/metrics depend on pkg/combine's types without pkg/combine
// ever importing pkg/metrics back.
type Metrics interface {
	// CombineResult is reported once per Write, after the OTID insert
	// handler has decided whether the write joined an existing slice or
	// opened a new one.
	CombineResult(combined bool)
	// FlushReason is reported once per slice leaving MERGING, tagged
	// with the reason the combine handler flushed it (timeout,
	// oversized_write, merged_slices_limit, explicit_flush).
	FlushReason(reason string)
	// DispatchResult is reported once per slice handed to the
	// data-thread pool, after its storage RPC completes.
	DispatchResult(isMaster bool, err error)
	// QueueDepth is sampled after each Dispatch call.
	QueueDepth(pool string, depth int)
	// ResidentEntries reports the current OTID/OBID table occupancy.
	ResidentEntries(otidLen, obidLen int)
	// SlabInUse reports the slab allocator's outstanding buffer count.
	SlabInUse(inUse, capacity int64)
}

type noopMetrics struct{}

func (noopMetrics) CombineResult(bool)          {}
func (noopMetrics) FlushReason(string)          {}
func (noopMetrics) DispatchResult(bool, error)  {}
func (noopMetrics) QueueDepth(string, int)      {}
func (noopMetrics) ResidentEntries(int, int)    {}
func (noopMetrics) SlabInUse(int64, int64)      {}

// IsMasterFunc decides whether an object's writes route to the
// data-thread pool's master or slave sub-pool. The default routes
// everything to the master sub-pool.
type IsMasterFunc func(objectID uint64) bool

// Options controls Cache construction. Every field has a working zero
// value except Sink, which must be supplied by the caller (cmd/combinectl
// builds one from pkg/config's storage section).
type Options struct {
	// Sink is the storage tier flushed slices are dispatched to.
	Sink storage.Sink

	// Binlog, if non-nil, receives one record per dispatched slice for
	// replica catch-up. Nil disables replication logging.
	Binlog *binlog.Writer

	// Tunables resolves the combine policy for a given object. Nil
	// means every object uses DefaultTunables().
	Tunables func(objectID uint64) Tunables

	// IsMaster selects master vs slave data-thread routing per object.
	// Nil means every object routes to the master sub-pool.
	IsMaster IsMasterFunc

	// Metrics receives instrumentation callbacks. Nil installs noopMetrics.
	Metrics Metrics

	OTIDShardCount   int
	OTIDElementLimit int
	OTIDMinTTL       time.Duration

	OBIDShardCount   int
	OBIDElementLimit int

	SlabCapacity int64

	WheelSize      int
	WheelPrecision time.Duration

	MasterWorkers   int
	MasterQueueSize int
	SlaveWorkers    int
	SlaveQueueSize  int
}

func (o *Options) withDefaults() {
	if o.OTIDShardCount <= 0 {
		o.OTIDShardCount = 64
	}
	if o.OTIDElementLimit <= 0 {
		o.OTIDElementLimit = 65536
	}
	if o.OBIDShardCount <= 0 {
		o.OBIDShardCount = 64
	}
	if o.OBIDElementLimit <= 0 {
		o.OBIDElementLimit = 65536
	}
	if o.WheelSize <= 0 {
		o.WheelSize = 4096
	}
	if o.WheelPrecision <= 0 {
		o.WheelPrecision = time.Millisecond
	}
	if o.MasterWorkers <= 0 {
		o.MasterWorkers = 8
	}
	if o.MasterQueueSize <= 0 {
		o.MasterQueueSize = 256
	}
	if o.SlaveWorkers <= 0 {
		o.SlaveWorkers = o.MasterWorkers
	}
	if o.SlaveQueueSize <= 0 {
		o.SlaveQueueSize = o.MasterQueueSize
	}
	if o.Tunables == nil {
		d := DefaultTunables()
		o.Tunables = func(uint64) Tunables { return d }
	}
	if o.IsMaster == nil {
		o.IsMaster = func(uint64) bool { return true }
	}
	if o.Metrics == nil {
		o.Metrics = noopMetrics{}
	}
}

// Cache is the write-combining cache façade: it owns the OTID/OBID
// indexes, the slab allocator, the timer wheel and the data-thread
// pool, and is the only type application code constructs directly.
type Cache struct {
	otidIdx *otid.Index
	obidIdx *obid.Index
	wheel   *timerwheel.Wheel
	pool    *datathread.Pool
	slab    *slab.Slab

	sink    storage.Sink
	binlogW *binlog.Writer
	metrics Metrics

	isMaster    IsMasterFunc
	dataVersion atomic.Uint64

	closed atomic.Bool
}

// New constructs a Cache. The cache is not usable until Start is called.
func New(opts Options) (*Cache, error) {
	if opts.Sink == nil {
		return nil, fmt.Errorf("combine: Options.Sink is required")
	}
	opts.withDefaults()

	c := &Cache{
		wheel:    timerwheel.New(opts.WheelSize, opts.WheelPrecision),
		slab:     slab.New(BlockSize, opts.SlabCapacity),
		sink:     opts.Sink,
		binlogW:  opts.Binlog,
		metrics:  opts.Metrics,
		isMaster: opts.IsMaster,
	}

	c.obidIdx = obid.New(obid.Config{
		ShardCount:   opts.OBIDShardCount,
		ElementLimit: opts.OBIDElementLimit,
		Slab:         c.slab,
		Wheel:        c.wheel,
		OnFlush:      c.onFlush,
	})

	tunablesFn := opts.Tunables
	c.otidIdx = otid.New(otid.Config{
		ShardCount:   opts.OTIDShardCount,
		ElementLimit: opts.OTIDElementLimit,
		MinTTL:       opts.OTIDMinTTL,
		OBID:         c.obidIdx,
		Tunables: func(objectID uint64) otid.Tunables {
			t := tunablesFn(objectID)
			return otid.Tunables{
				MinWaitTimeMs:                 t.MinWaitTimeMs,
				MaxWaitTimeMs:                 t.MaxWaitTimeMs,
				SkipCombineOnSliceSize:        t.SkipCombineOnSliceSize,
				SkipCombineOnLastMergedSlices: t.SkipCombineOnLastMergedSlices,
				BlockSize:                     BlockSize,
			}
		},
	})

	c.pool = datathread.New(datathread.PoolConfig{
		Master: datathread.Config{
			Workers:   opts.MasterWorkers,
			QueueSize: opts.MasterQueueSize,
			Process:   c.dispatch,
		},
		Slave: datathread.Config{
			Workers:   opts.SlaveWorkers,
			QueueSize: opts.SlaveQueueSize,
			Process:   c.dispatch,
		},
	})

	return c, nil
}

// Start launches the timer wheel and data-thread pool background
// goroutines. ctx governs the data-thread workers' lifetime in addition
// to Stop; cancelling it is a harder shutdown than Stop (in-flight
// dispatches are abandoned rather than drained).
func (c *Cache) Start(ctx context.Context) {
	c.wheel.Start()
	c.pool.Start(ctx)
}

// Write applies one application write: it is folded into an existing
// OBID slice or starts a new one (combined=true), or it bypasses
// combining (combined=false) - for writes that can never combine
// (oversized, or no trailing room left in the block), a write that is
// not successive to the thread's open slice, a block already holding
// another thread's slice, or an exhausted slab. Write does not dispatch
// a non-combined write; the caller issues it to the storage tier itself.
func (c *Cache) Write(ctx context.Context, op OperationContext, data []byte) (combined bool, err error) {
	if c.closed.Load() {
		return false, ErrClosed
	}
	if op.Key.Slice.Length == 0 {
		return false, nil
	}
	if uint64(op.Key.Slice.Offset)+uint64(op.Key.Slice.Length) > BlockSize {
		return false, ErrOverflow
	}

	key := otid.Key{ObjectID: op.ObjectID, ThreadID: op.ThreadID}
	block := obid.BlockKey{ObjectID: op.Key.Block.ObjectID, Offset: op.Key.Block.Offset}
	slice := obid.SliceKey{Offset: op.Key.Slice.Offset, Length: op.Key.Slice.Length}

	combined, err = c.otidIdx.Write(key, block, slice, data)
	if err != nil {
		return false, err
	}
	c.metrics.CombineResult(combined)
	return combined, nil
}

// Flush drains every MERGING slice belonging to objectID, dispatching
// each to the storage tier without waiting for its timer.
func (c *Cache) Flush(objectID uint64) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.obidIdx.FlushObject(objectID)
	return nil
}

// Close flushes objectID (per Flush) and then evicts its OTID entries,
// so a subsequent Write for the same object starts from a clean slate
// rather than believing a since-flushed slice is still open.
//
// Close is per-object - it does not shut the Cache down. Use Stop for
// process-lifetime shutdown.
func (c *Cache) Close(objectID uint64) error {
	if err := c.Flush(objectID); err != nil {
		return err
	}
	c.otidIdx.EvictObject(objectID)
	return nil
}

// Stop flushes nothing by itself: callers that want every outstanding
// slice drained before shutdown should iterate their own object set and
// call Close first. Stop then halts the timer wheel and waits for the
// data-thread pool to finish whatever was already dispatched.
func (c *Cache) Stop() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.wheel.Stop()
	c.pool.Stop()
}

// Stats reports point-in-time occupancy, intended for a metrics scrape
// loop or a `combinectl status` call.
type Stats struct {
	OTIDEntries int
	OBIDEntries int
	SlabInUse   int64
	SlabCap     int64
}

// Stats returns a snapshot of the cache's current resident state.
func (c *Cache) Stats() Stats {
	s := Stats{
		OTIDEntries: c.otidIdx.Len(),
		OBIDEntries: c.obidIdx.Len(),
		SlabInUse:   c.slab.InUse(),
		SlabCap:     c.slab.Capacity(),
	}
	c.metrics.ResidentEntries(s.OTIDEntries, s.OBIDEntries)
	c.metrics.SlabInUse(s.SlabInUse, s.SlabCap)
	return s
}

// onFlush is obid.Config.OnFlush: it runs synchronously on whatever
// goroutine flushed the slice (a write's own goroutine for an inline
// flush, or the timer wheel's tick goroutine for an expiry), so it must
// never block beyond handing the slice to the data-thread ring.
func (c *Cache) onFlush(snap obid.Snapshot, reason string) {
	c.metrics.FlushReason(reason)

	isMaster := c.isMaster(snap.Key.ObjectID)
	op := datathread.Operation{
		ObjectID:    snap.Key.ObjectID,
		BlockOffset: snap.Key.Offset,
		SliceOffset: snap.Slice.Offset,
		SliceLength: snap.Slice.Length,
		Data:        snap.Data,
		OnComplete: func(err error) {
			c.obidIdx.ReleaseBuffer(snap.Buf)
			c.otidIdx.ClosedSlice(otid.Key{ObjectID: snap.Key.ObjectID, ThreadID: snap.OriginThreadID}, snap.Key)
			c.metrics.DispatchResult(isMaster, err)
			if err != nil {
				logger.Error("dispatch failed",
					logger.ObjectID(snap.Key.ObjectID),
					logger.BlockOffset(snap.Key.Offset),
					logger.FlushReason(reason),
					logger.Err(err),
				)
			}
		},
	}

	// A background context: Dispatch only blocks when a sub-pool's
	// per-worker queue is full, which Stop's drain (not cancellation)
	// is meant to resolve. Using context.Background keeps an overloaded
	// queue backpressuring the flush path instead of silently dropping
	// a slice whose bytes have no other durable home yet.
	if err := c.pool.Dispatch(context.Background(), op, isMaster); err != nil {
		c.obidIdx.ReleaseBuffer(snap.Buf)
		logger.Error("dispatch enqueue failed",
			logger.ObjectID(snap.Key.ObjectID),
			logger.BlockOffset(snap.Key.Offset),
			logger.Err(err),
		)
		return
	}

	masterDepth, slaveDepth := c.pool.Depth()
	c.metrics.QueueDepth("master", masterDepth)
	c.metrics.QueueDepth("slave", slaveDepth)
}

// dispatch is the data-thread pool's ProcessFunc: it writes the slice to
// the storage sink and, on success, appends a binlog record for replica
// catch-up.
func (c *Cache) dispatch(ctx context.Context, op datathread.Operation) error {
	addr := storage.SliceAddress{
		ObjectID:    op.ObjectID,
		BlockOffset: op.BlockOffset,
		SliceOffset: op.SliceOffset,
		SliceLength: op.SliceLength,
	}
	if err := c.sink.WriteSlice(ctx, addr, op.Data); err != nil {
		return fmt.Errorf("combine: write slice: %w", err)
	}

	if c.binlogW != nil {
		rec := binlog.Record{
			TimestampUnix: time.Now().Unix(),
			DataVersion:   c.dataVersion.Add(1),
			Op:            binlog.OpWriteSlice,
			ObjectID:      op.ObjectID,
			BlockOffset:   op.BlockOffset,
			SliceOffset:   op.SliceOffset,
			SliceLength:   op.SliceLength,
		}
		if err := c.binlogW.Append(rec); err != nil {
			// The slice is already durable in the sink; a binlog append
			// failure only delays replica catch-up, so it is logged,
			// not returned - returning it here would make onFlush
			// believe the write itself failed.
			logger.Error("binlog append failed",
				logger.ObjectID(op.ObjectID),
				logger.BlockOffset(op.BlockOffset),
				logger.Err(err),
			)
		}
	}
	return nil
}
