// Package datathread implements the worker pool that dispatches flushed
// OBID slices to the storage tier.
//
// A bounded channel plus a fixed worker count, with a graceful
// drain-on-shutdown loop, would be the obvious starting point, but two
// things differ here, both because dropping a flushed slice would lose
// an application's write rather than merely delay a redundant
// re-flush:
//
//   - Dispatch blocks (respecting ctx) instead of dropping on a full
//     queue, since there is no WAL to replay a dropped slice from.
//   - Dispatch is hash-partitioned across a fixed ring of per-worker
//     queues, one queue per worker, instead of one shared channel -
//     this is what preserves per-block ordering: two slices for the
//     same block always land on the same worker and so can never be
//     applied out of order relative to each other. The ring further
//     splits into a master and a slave sub-pool selected by a
//     per-target is_master flag - kept here as Pool.Master/Pool.Slave
//     so a caller talking to a replica can route to the sub-pool sized
//     and tuned for that role.
package datathread

import (
	"context"
	"hash/maphash"

	"golang.org/x/sync/errgroup"
)

// Operation is one unit of dispatch work: a flushed slice plus enough
// addressing information to hash-partition and to hand to the sink.
type Operation struct {
	ObjectID    uint64
	BlockOffset uint64
	SliceOffset uint32
	SliceLength uint32
	Data        []byte
	OnComplete  func(err error)
}

func (op Operation) hashKey(seed maphash.Seed) uint64 {
	var h maphash.Hash
	h.SetSeed(seed)
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(op.ObjectID >> (8 * i))
		buf[8+i] = byte(op.BlockOffset >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

// ProcessFunc applies one Operation to the storage tier. Implementations
// do not call op.OnComplete themselves: once ProcessFunc returns, the
// Pool calls op.OnComplete (when set) exactly once with the returned
// error.
type ProcessFunc func(ctx context.Context, op Operation) error

// Config controls a sub-pool's construction.
type Config struct {
	Workers   int // number of parallel, independently-ordered queues
	QueueSize int // per-worker bounded channel capacity
	Process   ProcessFunc
}

// subPool is a fixed ring of worker queues sharing one ProcessFunc.
type subPool struct {
	seed    maphash.Seed
	queues  []chan Operation
	process ProcessFunc

	group  *errgroup.Group
	stopCh chan struct{}
}

func newSubPool(cfg Config) *subPool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}
	sp := &subPool{
		seed:    maphash.MakeSeed(),
		queues:  make([]chan Operation, cfg.Workers),
		process: cfg.Process,
		stopCh:  make(chan struct{}),
	}
	for i := range sp.queues {
		sp.queues[i] = make(chan Operation, cfg.QueueSize)
	}
	return sp
}

func (sp *subPool) start(ctx context.Context) {
	sp.group, _ = errgroup.WithContext(ctx)
	for i := range sp.queues {
		q := sp.queues[i]
		sp.group.Go(func() error {
			sp.worker(ctx, q)
			return nil
		})
	}
}

func (sp *subPool) worker(ctx context.Context, q chan Operation) {
	for {
		select {
		case <-sp.stopCh:
			sp.drain(ctx, q)
			return
		case <-ctx.Done():
			return
		case op, ok := <-q:
			if !ok {
				return
			}
			sp.run(ctx, op)
		}
	}
}

// drain flushes whatever is already queued before a worker exits, so a
// graceful Stop never silently discards slices that were already
// dispatched to the ring (unlike TransferQueue.drainQueue, which is
// draining best-effort re-computable work, this drain is load-bearing).
func (sp *subPool) drain(ctx context.Context, q chan Operation) {
	for {
		select {
		case op, ok := <-q:
			if !ok {
				return
			}
			sp.run(ctx, op)
		default:
			return
		}
	}
}

func (sp *subPool) run(ctx context.Context, op Operation) {
	err := sp.process(ctx, op)
	if op.OnComplete != nil {
		op.OnComplete(err)
	}
}

// depth sums the number of operations currently buffered across every
// worker queue in the sub-pool. Intended for metrics sampling, not the
// hot path.
func (sp *subPool) depth() int {
	total := 0
	for _, q := range sp.queues {
		total += len(q)
	}
	return total
}

func (sp *subPool) stop() {
	close(sp.stopCh)
	_ = sp.group.Wait()
}

// dispatch routes op to the queue selected by hashing (ObjectID,
// BlockOffset), blocking until there is room or ctx is done.
func (sp *subPool) dispatch(ctx context.Context, op Operation) error {
	idx := op.hashKey(sp.seed) % uint64(len(sp.queues))
	select {
	case sp.queues[idx] <- op:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pool is the full data-thread pool: a master sub-pool (for the primary
// data server of a replication group) and a slave sub-pool (for
// replicas), each independently sized. Most deployments run with
// identical master/slave configs; the split exists so a client talking
// to a cluster with asymmetric read/write replica roles can size them
// differently, per fs_cluster_cfg.h's per-group master/slave thread
// counts.
type Pool struct {
	Master *subPool
	Slave  *subPool
}

// PoolConfig controls Pool construction.
type PoolConfig struct {
	Master Config
	Slave  Config
}

// New constructs a Pool. If cfg.Slave.Process is nil, the slave sub-pool
// reuses the master's ProcessFunc and Workers/QueueSize - the common
// case where there is no distinct replica dispatch path.
func New(cfg PoolConfig) *Pool {
	if cfg.Slave.Process == nil {
		cfg.Slave = cfg.Master
	}
	return &Pool{
		Master: newSubPool(cfg.Master),
		Slave:  newSubPool(cfg.Slave),
	}
}

// Start launches every worker in both sub-pools.
func (p *Pool) Start(ctx context.Context) {
	p.Master.start(ctx)
	p.Slave.start(ctx)
}

// Stop signals every worker to drain and exit, and waits for them to do
// so. Safe to call once; blocks until both sub-pools have fully drained.
func (p *Pool) Stop() {
	p.Master.stop()
	p.Slave.stop()
}

// Dispatch routes op to the master or slave sub-pool depending on
// isMaster, blocking until the op's partition has room or ctx is done.
func (p *Pool) Dispatch(ctx context.Context, op Operation, isMaster bool) error {
	if isMaster {
		return p.Master.dispatch(ctx, op)
	}
	return p.Slave.dispatch(ctx, op)
}

// Depth reports the total number of operations currently buffered in
// the master and slave sub-pools, for metrics sampling.
func (p *Pool) Depth() (master, slave int) {
	return p.Master.depth(), p.Slave.depth()
}
