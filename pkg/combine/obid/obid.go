// Package obid implements the OBID index: the sharded table keyed by
// (object_id, block_offset) that owns the in-flight coalesced slice
// buffer for a block.
//
// A slice merges adjacent byte ranges into one buffer under a lock and
// later hands the merged result off for upload. Coalescing happens
// eagerly, one slice per block, the moment concurrent writers' writes
// would overlap or extend each other, rather than opportunistically
// across a whole object's pending slices at flush time.
package obid

import (
	"hash/maphash"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vazmin/combinecache/pkg/combine/shard"
	"github.com/vazmin/combinecache/pkg/combine/slab"
	"github.com/vazmin/combinecache/pkg/combine/timerwheel"
)

// Stage is the slice state machine.
type Stage int

const (
	// Merging: resident in the OBID shard, owned exclusively by it,
	// accepting further merges, timer always active.
	Merging Stage = iota
	// Queued: removed from OBID, handed to the data-thread ring.
	Queued
	// Dispatching: a data-thread has picked it up and is issuing the
	// storage RPC.
	Dispatching
	// Done: dispatch completed (success or local failure); the slice is
	// returned to the originator for completion.
	Done
)

func (s Stage) String() string {
	switch s {
	case Merging:
		return "MERGING"
	case Queued:
		return "QUEUED"
	case Dispatching:
		return "DISPATCHING"
	case Done:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// BlockKey identifies a block within an object.
type BlockKey struct {
	ObjectID uint64
	Offset   uint64
}

// SliceKey is the byte extent a slice currently covers within its block.
type SliceKey struct {
	Offset uint32
	Length uint32
}

// WouldFitTrailing reports whether placing a slice of sliceLen bytes
// starting at blockOffset within a block would leave at least 4096
// bytes of trailing space - the precondition checked before bothering
// to combine a write at all.
func WouldFitTrailing(blockSize, blockOffset, sliceLen uint32) bool {
	return blockSize-(blockOffset+sliceLen) >= 4096
}

// Entry is the coalesced-slice buffer.
type Entry struct {
	mu sync.Mutex

	id string

	stage   Stage
	key     BlockKey
	sliceAt SliceKey

	buf    *[]byte // borrowed from the slab for the entry's lifetime
	length uint32  // bytes currently valid in buf (== sliceAt.Length)

	mergedSlices uint32
	startTimeMs  int64

	// originThreadID is the OTID thread that opened this slice
	// (CreateSlice's caller). Later merges from other threads never
	// change it; it only exists so the combine handler can clear that
	// one originating OTID entry's hasSlice flag on flush (an
	// optimization - any other thread's stale reference still
	// self-heals lazily: Flush removes the entry, so that thread's next
	// MergeSlice finds none and it opens a fresh slice).
	originThreadID uint64

	timer *timerwheel.Node

	touched time.Time
}

// LastTouched implements shard.Entry.
func (e *Entry) LastTouched() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.touched
}

// Snapshot is a point-in-time, lock-free copy of the fields callers
// outside the OBID shard lock need (the combine handler's flush path,
// metrics, tests). Data aliases the entry's slab buffer and is only
// valid until the next mutation of that entry. The flush path hands it
// to the data-thread ring without copying: by then the entry has left
// the table, so nothing mutates the buffer until ReleaseBuffer.
type Snapshot struct {
	ID           string
	Stage        Stage
	Key          BlockKey
	Slice        SliceKey
	Data         []byte
	Buf          *[]byte // pass back to Index.ReleaseBuffer once dispatch completes
	MergedSlices   uint32
	StartTimeMs    int64
	OriginThreadID uint64
}

func (e *Entry) snapshotLocked() Snapshot {
	var data []byte
	if e.buf != nil {
		data = (*e.buf)[:e.length]
	}
	return Snapshot{
		ID:             e.id,
		Stage:          e.stage,
		Key:            e.key,
		Slice:          e.sliceAt,
		Data:           data,
		Buf:            e.buf,
		MergedSlices:   e.mergedSlices,
		StartTimeMs:    e.startTimeMs,
		OriginThreadID: e.originThreadID,
	}
}

func blockKeyer(seed maphash.Seed, k BlockKey) uint64 {
	var h maphash.Hash
	h.SetSeed(seed)
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(k.ObjectID >> (8 * i))
		buf[8+i] = byte(k.Offset >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

// FlushFunc is invoked once a slice leaves MERGING, with the OBID shard
// lock already released. reason documents why, for logging/metrics.
type FlushFunc func(snap Snapshot, reason string)

// Index is the OBID index: a sharded table of BlockKey -> *Entry, plus
// the slab and timer wheel every slice it creates draws from.
type Index struct {
	table *shard.Table[BlockKey, *Entry]
	slab  *slab.Slab
	wheel *timerwheel.Wheel
	flush FlushFunc
}

// Config controls Index construction.
type Config struct {
	ShardCount   int
	ElementLimit int
	Slab         *slab.Slab
	Wheel        *timerwheel.Wheel
	// OnFlush is called whenever a slice leaves MERGING (timer expiry or
	// an explicit Flush call), handing ownership to the caller - which
	// is expected to push the slice onto the data-thread ring.
	OnFlush FlushFunc
}

// New constructs an Index.
func New(cfg Config) *Index {
	idx := &Index{slab: cfg.Slab, wheel: cfg.Wheel, flush: cfg.OnFlush}
	idx.table = shard.NewTable(shard.Config[BlockKey, *Entry]{
		ShardCount:   cfg.ShardCount,
		ElementLimit: cfg.ElementLimit,
		Keyer:        blockKeyer,
		New: func(BlockKey) *Entry {
			return &Entry{touched: time.Now()}
		},
		// A backstop only: in steady state a non-MERGING entry has
		// already been (or is being) removed by the combine handler, so
		// capacity pressure should rarely find one to reclaim.
		AcceptReclaim: func(e *Entry) bool {
			e.mu.Lock()
			defer e.mu.Unlock()
			return e.stage != Merging
		},
	})
	return idx
}

// Find returns a snapshot of the resident slice for key, if any.
func (idx *Index) Find(key BlockKey) (Snapshot, bool) {
	e, ok := idx.table.Find(key)
	if !ok {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(), true
}

// timeoutFor computes min(successiveCount*minWaitMs, maxWaitMs - elapsed):
// every merge extends the deadline by another MinWaitTimeMs unit, but
// never past the slice's absolute MaxWaitTimeMs lifetime from creation.
func timeoutFor(successiveCount uint32, minWaitMs, maxWaitMs, nowMs, startMs int64) int64 {
	grown := int64(successiveCount) * minWaitMs
	remaining := maxWaitMs - (nowMs - startMs)
	if remaining < 0 {
		remaining = 0
	}
	if grown > remaining {
		return remaining
	}
	return grown
}

// CreateOpts carries everything CreateSlice needs to open a new
// coalescing slice.
type CreateOpts struct {
	Key             BlockKey
	Slice           SliceKey
	Data            []byte
	SuccessiveCount uint32
	MinWaitTimeMs   int64
	MaxWaitTimeMs   int64
	NowMs           int64
	OriginThreadID  uint64
}

// ErrAlreadyExists is returned by CreateSlice when a concurrent writer
// already opened a slice for the same block between the caller's lookup
// and this call; the caller treats the write as uncombined.
var ErrAlreadyExists = errString("obid: slice already resident for block")

type errString string

func (e errString) Error() string { return string(e) }

// CreateSlice allocates a buffer from the slab, copies data into it,
// registers the slice in the OBID table under key, and arms its timer.
func (idx *Index) CreateSlice(opts CreateOpts) (Snapshot, error) {
	buf, err := idx.slab.AllocBuffer()
	if err != nil {
		return Snapshot{}, err
	}
	copy((*buf)[:len(opts.Data)], opts.Data)

	node := &timerwheel.Node{}
	timeout := timeoutFor(opts.SuccessiveCount, opts.MinWaitTimeMs, opts.MaxWaitTimeMs, opts.NowMs, opts.NowMs)

	var snap Snapshot
	var insertErr error
	err = idx.table.Insert(opts.Key, func(e *Entry, newCreate bool, _ *shard.Control) error {
		if !newCreate {
			insertErr = ErrAlreadyExists
			return nil
		}
		e.mu.Lock()
		e.id = uuid.NewString()
		e.stage = Merging
		e.key = opts.Key
		e.sliceAt = opts.Slice
		e.buf = buf
		e.length = opts.Slice.Length
		e.mergedSlices = 1
		e.startTimeMs = opts.NowMs
		e.originThreadID = opts.OriginThreadID
		e.timer = node
		e.touched = time.Now()
		snap = e.snapshotLocked()
		e.mu.Unlock()
		return nil
	})
	if err != nil {
		idx.slab.ReleaseBuffer(buf)
		return Snapshot{}, err
	}
	if insertErr != nil {
		idx.slab.ReleaseBuffer(buf)
		return Snapshot{}, insertErr
	}

	idx.wheel.Add(node, timeout, idx.makeExpiry(opts.Key))
	return snap, nil
}

// MergeOpts describes a write that lands on an already-resident slice.
type MergeOpts struct {
	Key             BlockKey
	Slice           SliceKey // must be contiguous with the resident slice
	Data            []byte
	SuccessiveCount uint32
	MinWaitTimeMs   int64
	MaxWaitTimeMs   int64
	NowMs           int64
}

// MergeSlice extends the resident slice at key with opts.Data, appending
// at opts.Slice.Offset. The caller (the combine handler) is responsible
// for having already verified adjacency and remaining block capacity;
// MergeSlice itself only guards against the buffer's allocated capacity.
//
// Returns (snapshot, true, nil) on success, or (zero, false, nil) if no
// slice is resident at key (caller should fall back to CreateSlice).
func (idx *Index) MergeSlice(opts MergeOpts) (Snapshot, bool, error) {
	var snap Snapshot
	var mergeErr error
	found := idx.table.Update(opts.Key, func(e *Entry, _ bool, _ *shard.Control) error {
		e.mu.Lock()
		defer e.mu.Unlock()

		if e.stage != Merging {
			mergeErr = ErrNotMerging
			return nil
		}

		// Defensive guard: callers are expected to reject a write whose
		// tail wouldn't fit the block before ever reaching MergeSlice,
		// so in practice this never fires. Kept so a future caller that
		// skips that check fails loudly instead of corrupting the
		// buffer.
		newEnd := opts.Slice.Offset + opts.Slice.Length
		if int(newEnd) > len(*e.buf) {
			mergeErr = ErrOverflow
			return nil
		}

		copy((*e.buf)[opts.Slice.Offset:newEnd], opts.Data)
		if newEnd > e.sliceAt.Offset+e.length {
			e.length = newEnd - e.sliceAt.Offset
			e.sliceAt.Length = e.length
		}
		e.mergedSlices++
		e.touched = time.Now()
		snap = e.snapshotLocked()

		timeout := timeoutFor(opts.SuccessiveCount, opts.MinWaitTimeMs, opts.MaxWaitTimeMs, opts.NowMs, e.startTimeMs)
		idx.wheel.Modify(e.timer, timeout)
		return nil
	})
	if !found {
		return Snapshot{}, false, nil
	}
	if mergeErr != nil {
		return Snapshot{}, true, mergeErr
	}
	return snap, true, nil
}

// ErrNotMerging is returned by MergeSlice when the resident slice has
// already left the MERGING stage (a race with the timer/flush path);
// the caller should retry as a fresh CreateSlice.
var ErrNotMerging = errString("obid: slice is no longer in MERGING stage")

// ErrOverflow is returned when a merge would exceed the slab buffer's
// allocated capacity (which is sized to BlockSize).
var ErrOverflow = errString("obid: merge would overflow slab buffer")

// Flush removes key from the table (if still MERGING) and then invokes
// OnFlush with its snapshot, synchronously, after the OBID shard lock is
// released. Every flush trigger goes through it: timer expiry,
// FlushObject, and the OTID index's oversized-write and merge-count
// flushes (which call it while holding their own OTID entry's locks).
func (idx *Index) Flush(key BlockKey, reason string) {
	var snap Snapshot
	var did bool
	idx.table.Update(key, func(e *Entry, _ bool, ctl *shard.Control) error {
		e.mu.Lock()
		if e.stage != Merging {
			e.mu.Unlock()
			return nil
		}
		e.stage = Queued
		idx.wheel.Cancel(e.timer)
		snap = e.snapshotLocked()
		e.mu.Unlock()
		did = true
		ctl.Delete()
		return nil
	})
	if did && idx.flush != nil {
		idx.flush(snap, reason)
	}
}

// ReleaseBuffer returns a flushed slice's buffer to the slab. Called from
// the completion callback the combine cache attaches to each dispatched
// slice, once its storage write returns (success or failure).
func (idx *Index) ReleaseBuffer(buf *[]byte) {
	idx.slab.ReleaseBuffer(buf)
}

// FlushObject flushes every MERGING slice belonging to objectID,
// regardless of which block it occupies. Backs the flush and close
// operations, which drain an object's in-flight slices on demand
// instead of waiting for their timers.
func (idx *Index) FlushObject(objectID uint64) {
	keys := idx.table.MatchingKeys(func(k BlockKey) bool { return k.ObjectID == objectID })
	for _, k := range keys {
		idx.Flush(k, "explicit_flush")
	}
}

func (idx *Index) makeExpiry(key BlockKey) func() {
	return func() {
		idx.Flush(key, "timeout")
	}
}
