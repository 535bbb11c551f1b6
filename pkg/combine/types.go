// Package combine implements a client-side write-combining cache for a
// distributed block storage system. Small, adjacent slice writes from
// the same application thread targeting the same object are coalesced
// into larger slice writes before they are dispatched to the storage
// tier, bounded by size, adjacency, and latency thresholds.
//
// The package splits write, flush, and eviction concerns into separate
// files, with each concern additionally getting its own
// sharded-lock-domain subpackage (otid, obid, timerwheel, datathread)
// so the hot path can scale across many concurrent application threads
// writing to many objects at once, rather than serializing on one
// mutex per file.
package combine

import (
	"errors"
)

// Size constants.
const (
	// BlockSize is the fixed size of a storage block (4 MiB).
	BlockSize = 4 * 1024 * 1024

	// TrailingSpaceCutoff is the minimum trailing space (in bytes) a
	// slice must retain within its block to be worth another merge
	// round. Below one memory page, the combine handler pushes the
	// slice to flush instead of arming a timer for it.
	TrailingSpaceCutoff = 4096
)

// Errors returned across the cache's public API.
var (
	// ErrOverflow is returned when a slice would exceed BlockSize, or a
	// single write's length exceeds BlockSize outright. The write
	// bypasses combining; it is never split.
	ErrOverflow = errors.New("combine: slice would overflow block")

	// ErrNoMemory names slab exhaustion. Write does not return it: a
	// write that finds the slab exhausted bypasses combining and is
	// reported as combined=false with a nil error.
	ErrNoMemory = errors.New("combine: slab allocator exhausted")

	// ErrNotFound names an OBID/OTID lookup miss. Nothing in this
	// package returns it: the indexes report a miss with a boolean, and
	// the write path recovers locally by opening a fresh slice.
	ErrNotFound = errors.New("combine: entry not found")

	// ErrClosed is returned once the cache has been closed.
	ErrClosed = errors.New("combine: cache is closed")
)

// BlockKey identifies a block within an object.
type BlockKey struct {
	ObjectID uint64
	Offset   uint64 // block-aligned offset within the object
}

// SliceKey identifies a byte range within a block.
type SliceKey struct {
	Offset uint32 // offset within the block
	Length uint32
}

// BlockSliceKey is the full extent a slice currently covers: which
// block, and which bytes within it.
type BlockSliceKey struct {
	Block BlockKey
	Slice SliceKey
}

// AbsoluteOffset returns the byte offset of this key's slice within the
// object as a whole (Block.Offset + Slice.Offset).
func (k BlockSliceKey) AbsoluteOffset() uint64 {
	return k.Block.Offset + uint64(k.Slice.Offset)
}

// End returns the byte offset immediately following this key's slice,
// within the object.
func (k BlockSliceKey) End() uint64 {
	return k.AbsoluteOffset() + uint64(k.Slice.Length)
}

// OperationContext is the ephemeral, per-request value the API layer
// builds for every write. The write's bytes travel separately: Cache.Write
// borrows its data argument for the duration of the call and never
// retains it after it returns (any data it merges is copied into the
// coalescing buffer).
type OperationContext struct {
	ObjectID uint64
	ThreadID uint64
	Key      BlockSliceKey
}

// Tunables holds the per-API-context configuration recognized by the
// OTID insert handler and combine handler.
type Tunables struct {
	// MinWaitTimeMs is the unit of per-successive-write timeout
	// extension: a slice's timer is armed for
	// min(successiveCount*MinWaitTimeMs, remaining-until-deadline).
	MinWaitTimeMs int64

	// MaxWaitTimeMs is the absolute cap on a slice's lifetime from its
	// creation, regardless of how many writes merge into it.
	MaxWaitTimeMs int64

	// SkipCombineOnSliceSize: writes at or above this size bypass
	// coalescing entirely.
	SkipCombineOnSliceSize uint32

	// SkipCombineOnLastMergedSlices: once a slice holds this many
	// writes (counting the one that opened it), it is flushed right away
	// and the next write to the same writer starts a fresh slice instead
	// of waiting on the old one's timer.
	SkipCombineOnLastMergedSlices uint32
}

// DefaultTunables returns a reasonable baseline set of tunables.
func DefaultTunables() Tunables {
	return Tunables{
		MinWaitTimeMs:                 10,
		MaxWaitTimeMs:                 100,
		SkipCombineOnSliceSize:        64 * 1024,
		SkipCombineOnLastMergedSlices: 4,
	}
}
