// Package memory provides an in-process storage.Sink used by tests and
// by combinectl when the configured storage backend is "memory" (the
// default).
package memory

import (
	"context"
	"sync"

	"github.com/vazmin/combinecache/pkg/combine/storage"
)

// Sink stores slice bytes in a plain map, keyed the same way every
// storage.Sink implementation keys slices.
type Sink struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// New constructs an empty Sink.
func New() *Sink {
	return &Sink{data: make(map[string][]byte)}
}

// WriteSlice stores a copy of data under addr's key.
func (s *Sink) WriteSlice(_ context.Context, addr storage.SliceAddress, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.data[storage.Key(addr)] = cp
	return nil
}

// Get returns the bytes written for addr, for test assertions.
func (s *Sink) Get(addr storage.SliceAddress) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[storage.Key(addr)]
	return b, ok
}

// Close marks the sink closed; subsequent writes fail.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// HealthCheck always succeeds unless the sink is closed.
func (s *Sink) HealthCheck(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

var _ storage.Sink = (*Sink)(nil)
