// Package otid implements the OTID index: the sharded table keyed by
// (object_id, thread_id) that tracks whether a thread's writes to an
// object are landing in file-offset order, and if so, which OBID slice
// (if any) they should be folded into.
//
// The key idea is "does this write extend the most recent slice this
// specific thread opened for this object" - the extra thread dimension
// is what lets two threads writing to disjoint regions of the same
// object combine independently instead of serializing on one lock.
package otid

import (
	"hash/maphash"
	"sync"
	"time"

	"github.com/vazmin/combinecache/pkg/combine/obid"
	"github.com/vazmin/combinecache/pkg/combine/shard"
)

// Key identifies a (object, writer-thread) pair.
type Key struct {
	ObjectID uint64
	ThreadID uint64
}

func keyer(seed maphash.Seed, k Key) uint64 {
	var h maphash.Hash
	h.SetSeed(seed)
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(k.ObjectID >> (8 * i))
		buf[8+i] = byte(k.ThreadID >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

// Entry tracks one writer thread's recent write history against one
// object: whether its writes are landing successively, and which OBID
// block it currently has a MERGING slice open on, if any.
type Entry struct {
	mu sync.Mutex

	lastWriteOffset uint64
	successiveCount uint32

	hasSlice bool
	block    obid.BlockKey

	touched time.Time
}

// LastTouched implements shard.Entry. An OTID entry is only reclaimable
// once it has no open slice (Index wires AcceptReclaim to check this),
// so staleness here just reflects ordinary LRU pressure, not I6 itself.
func (e *Entry) LastTouched() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.touched
}

// Index is the OTID index proper.
type Index struct {
	table    *shard.Table[Key, *Entry]
	obidIdx  *obid.Index
	tunables TunablesFunc
	clock    Clock
}

// TunablesFunc resolves the combine tunables to use for a given object.
// Wired to the per-object-group config in a full deployment; tests and
// the default façade use a constant function.
type TunablesFunc func(objectID uint64) Tunables

// Tunables mirrors combine.Tunables without importing package combine,
// which would create an import cycle (combine is the façade that wires
// otid, obid and datathread together).
type Tunables struct {
	MinWaitTimeMs                 int64
	MaxWaitTimeMs                 int64
	SkipCombineOnSliceSize        uint32
	SkipCombineOnLastMergedSlices uint32
	BlockSize                     uint32
}

// Clock returns the current time in milliseconds since some fixed point;
// abstracted so tests can supply a deterministic clock. In production
// this is time.Now().UnixMilli.
type Clock func() int64

// Config controls Index construction.
type Config struct {
	ShardCount   int
	ElementLimit int
	MinTTL       time.Duration
	OBID         *obid.Index
	Tunables     TunablesFunc
	Now          Clock
}

// New constructs an Index.
func New(cfg Config) *Index {
	now := cfg.Now
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	table := shard.NewTable(shard.Config[Key, *Entry]{
		ShardCount:   cfg.ShardCount,
		ElementLimit: cfg.ElementLimit,
		MinTTL:       cfg.MinTTL,
		Keyer:        keyer,
		New: func(Key) *Entry {
			return &Entry{touched: time.Now()}
		},
		// An entry pinned to an open (MERGING) slice must never be
		// reclaimed out from under that slice.
		AcceptReclaim: func(e *Entry) bool {
			e.mu.Lock()
			defer e.mu.Unlock()
			return !e.hasSlice
		},
	})
	return &Index{
		table:    table,
		obidIdx:  cfg.OBID,
		tunables: cfg.Tunables,
		clock:    now,
	}
}

// Write is the OTID insert handler, called once per application write
// after the caller has computed which block and byte range it targets.
// combined reports whether the write was folded into an OBID slice
// (existing or newly created); when combined is false the caller must
// dispatch the write on the uncombined path.
func (idx *Index) Write(key Key, block obid.BlockKey, slice obid.SliceKey, data []byte) (combined bool, err error) {
	t := idx.tunables(block.ObjectID)
	nowMs := idx.clock()

	idx.table.Insert(key, func(e *Entry, _ bool, _ *shard.Control) error {
		e.mu.Lock()
		defer e.mu.Unlock()

		absoluteOffset := block.Offset + uint64(slice.Offset)
		successive := e.lastWriteOffset != 0 && absoluteOffset == e.lastWriteOffset
		if successive {
			e.successiveCount++
		} else {
			// A non-adjacent arrival starts a new run. The count is
			// seeded at 1 rather than 0 because it doubles as the
			// initial successive-write count a freshly opened slice is
			// timed against: a slice's own first write always counts
			// toward its own timeout math, even though nothing has
			// merged into it yet.
			e.successiveCount = 1
		}

		// Oversized writes and writes that would leave no trailing room
		// in the block never combine, regardless of successiveness.
		tooBigToCombine := slice.Length >= t.SkipCombineOnSliceSize ||
			!obid.WouldFitTrailing(t.BlockSize, slice.Offset, slice.Length)

		switch {
		case tooBigToCombine:
			if e.hasSlice && e.block == block {
				idx.obidIdx.Flush(e.block, "oversized_write")
				e.hasSlice = false
			}
			combined = false

		case e.hasSlice && e.block == block && successive:
			merged, found, mergeErr := idx.obidIdx.MergeSlice(obid.MergeOpts{
				Key: block, Slice: slice, Data: data,
				SuccessiveCount: e.successiveCount,
				MinWaitTimeMs:   t.MinWaitTimeMs,
				MaxWaitTimeMs:   t.MaxWaitTimeMs,
				NowMs:           nowMs,
			})
			switch {
			case mergeErr != nil:
				// Overflow or a races-with-flush miss: fall back to
				// treating this write as the start of a fresh slice.
				e.hasSlice = false
				combined = idx.createFresh(e, key.ThreadID, block, slice, data, t, nowMs)
			case !found:
				e.hasSlice = false
				combined = idx.createFresh(e, key.ThreadID, block, slice, data, t, nowMs)
			default:
				combined = true
				if merged.MergedSlices >= t.SkipCombineOnLastMergedSlices {
					idx.obidIdx.Flush(e.block, "merged_slices_limit")
					e.hasSlice = false
				}
			}

		default:
			if e.hasSlice {
				// This thread already has a slice open, but the
				// incoming write doesn't extend it (wrong block, or
				// not adjacent to the last write). Leave the open
				// slice exactly as it is - it still closes on its own
				// timer or an explicit flush - and pass this write
				// through uncombined rather than bumping it out early.
				combined = false
			} else {
				combined = idx.createFresh(e, key.ThreadID, block, slice, data, t, nowMs)
			}
		}

		// Unconditionally update last_write_offset, regardless of
		// which branch above was taken.
		e.lastWriteOffset = block.Offset + uint64(slice.Offset) + uint64(slice.Length)
		e.touched = time.Now()
		return nil
	})
	return combined, nil
}

// createFresh attempts to open a new OBID slice for block and records it
// against e on success. Must be called with e.mu held.
func (idx *Index) createFresh(e *Entry, threadID uint64, block obid.BlockKey, slice obid.SliceKey, data []byte, t Tunables, nowMs int64) bool {
	_, err := idx.obidIdx.CreateSlice(obid.CreateOpts{
		Key: block, Slice: slice, Data: data,
		SuccessiveCount: e.successiveCount,
		MinWaitTimeMs:   t.MinWaitTimeMs,
		MaxWaitTimeMs:   t.MaxWaitTimeMs,
		NowMs:           nowMs,
		OriginThreadID:  threadID,
	})
	if err != nil {
		// ErrAlreadyExists (another thread's slice already owns this
		// block) or ErrNoMemory (slab exhausted): either way this write
		// goes uncombined.
		e.hasSlice = false
		return false
	}
	e.hasSlice = true
	e.block = block
	return true
}

// ClosedSlice is called by the combine cache once a flushed slice's
// dispatch completes, so any OTID entry still pointing at it stops believing it can merge
// into a slice that's already gone. Looked up by (object, thread) key
// rather than by slice ID because the handler always knows the write's
// origin key at flush time.
func (idx *Index) ClosedSlice(key Key, block obid.BlockKey) {
	idx.table.Update(key, func(e *Entry, _ bool, _ *shard.Control) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.hasSlice && e.block == block {
			e.hasSlice = false
		}
		return nil
	})
}

// Len reports the number of resident OTID entries. Intended for metrics.
func (idx *Index) Len() int { return idx.table.Len() }

// EvictObject removes every resident OTID entry for objectID, across
// all of its writer threads. Callers must ensure any slice those
// entries pointed at has already been flushed (obid.FlushObject) so an
// entry still pinned to a live slice is never evicted out from under
// it; Close calls FlushObject before this.
func (idx *Index) EvictObject(objectID uint64) {
	keys := idx.table.MatchingKeys(func(k Key) bool { return k.ObjectID == objectID })
	for _, k := range keys {
		idx.table.Delete(k)
	}
}
