// Package slab implements the slice and entry object allocators the OBID
// index draws from.
//
// A plain sync.Pool never fails an allocation - callers always get a
// buffer, eventually by allocating a new one. The write-combining core
// needs the opposite behavior: a bounded number of slice buffers may be
// outstanding at once, and exhausting that bound must return an error
// the caller downgrades to an uncombined write rather than block or
// grow unbounded. Slab therefore pairs a sync.Pool (for reuse once
// below the bound) with a counting semaphore (for the bound itself),
// and threads an explicit handle through the caller instead of relying
// on a package-level global.
package slab

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrNoMemory is returned by AllocBuffer when the slab is at its configured
// capacity. The caller downgrades the write to the uncombined path and
// never treats this as fatal.
var ErrNoMemory = errors.New("slab: allocator exhausted")

// Slab allocates fixed-size byte buffers (one per in-flight slice) plus
// pooled Entry headers, bounding the
// total number of buffers outstanding at once.
type Slab struct {
	bufSize  int
	capacity int64
	inUse    atomic.Int64

	buffers sync.Pool
	entries sync.Pool
}

// New creates a Slab that hands out bufSize-byte buffers, allowing at most
// capacity to be outstanding simultaneously. capacity <= 0 means
// unbounded (reuse-only, no bound enforced).
func New(bufSize int, capacity int64) *Slab {
	s := &Slab{bufSize: bufSize, capacity: capacity}
	s.buffers.New = func() any {
		buf := make([]byte, s.bufSize)
		return &buf
	}
	s.entries.New = func() any {
		return &Entry{}
	}
	return s
}

// Entry is a pooled header for a coalesced slice, handed out by
// AllocEntry. obid.Index does not use it: its own slice type holds the
// buffer pointer returned by AllocBuffer. Entry itself only carries the pool-management bookkeeping so it can be
// Reset and returned without leaking data across allocations.
type Entry struct {
	// Buf is the block-sized buffer backing this entry's data, borrowed
	// from the owning Slab for the entry's lifetime.
	Buf []byte
}

// AllocBuffer reserves one buffer slot, failing with ErrNoMemory once
// capacity outstanding buffers are already allocated. The returned slice
// is zero-length logically (callers track their own valid-length) but
// has cap == bufSize; ReleaseBuffer must be called exactly once when done.
func (s *Slab) AllocBuffer() (*[]byte, error) {
	if s.capacity > 0 {
		n := s.inUse.Add(1)
		if n > s.capacity {
			s.inUse.Add(-1)
			return nil, ErrNoMemory
		}
	}
	buf := s.buffers.Get().(*[]byte)
	return buf, nil
}

// ReleaseBuffer returns buf to the pool and frees its capacity slot.
func (s *Slab) ReleaseBuffer(buf *[]byte) {
	s.buffers.Put(buf)
	if s.capacity > 0 {
		s.inUse.Add(-1)
	}
}

// AllocEntry returns a pooled, zeroed Entry header. Unlike buffers,
// entries are not capacity-bounded - a SliceEntry header is cheap and its
// lifetime is already bounded by the buffer it wraps.
func (s *Slab) AllocEntry() *Entry {
	e := s.entries.Get().(*Entry)
	e.Buf = nil
	return e
}

// ReleaseEntry returns e to the pool.
func (s *Slab) ReleaseEntry(e *Entry) {
	e.Buf = nil
	s.entries.Put(e)
}

// InUse reports the number of buffers currently checked out. Intended for
// metrics and tests.
func (s *Slab) InUse() int64 {
	return s.inUse.Load()
}

// Capacity returns the configured maximum outstanding buffer count, or 0
// for unbounded.
func (s *Slab) Capacity() int64 {
	return s.capacity
}
