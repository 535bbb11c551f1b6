// Package storage defines the Sink interface the data-thread pool
// dispatches flushed slices to, plus an S3-backed implementation.
//
// The combine cache writes slices, not whole blocks, so Sink exposes a
// single WriteSlice rather than WriteBlock/ReadBlock/ReadBlockRange,
// alongside the Close/HealthCheck shape and a closed-sink error sentinel
// common to storage-tier clients.
package storage

import (
	"context"
	"errors"
)

// Errors returned by Sink implementations.
var (
	// ErrClosed is returned when an operation is attempted on a closed sink.
	ErrClosed = errors.New("storage: sink is closed")
)

// SliceAddress identifies where a flushed slice's bytes belong in the
// storage tier.
type SliceAddress struct {
	ObjectID    uint64
	BlockOffset uint64
	SliceOffset uint32
	SliceLength uint32
}

// Sink is the storage tier a flushed slice is dispatched to. One
// implementation exists per storage backend (S3, an in-memory test
// double, ...); the combine cache never depends on a concrete one
// directly.
type Sink interface {
	// WriteSlice persists data at addr. A data-thread worker calls it
	// once per flushed slice and does not retry: a returned error goes
	// to the slice's completion callback, which the combine cache logs
	// and counts; the error does not reach the write's originator.
	WriteSlice(ctx context.Context, addr SliceAddress, data []byte) error

	// Close releases any resources held by the sink.
	Close() error

	// HealthCheck verifies the sink is reachable and writable.
	HealthCheck(ctx context.Context) error
}

// Key formats a SliceAddress the way every Sink implementation in this
// package names objects: one key per slice, not per block, since slices
// dispatched out of the same block at different times may have
// non-overlapping byte ranges and must not collide in storage.
func Key(addr SliceAddress) string {
	return keyFor(addr)
}
