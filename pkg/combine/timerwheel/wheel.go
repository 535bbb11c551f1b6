// Package timerwheel implements the hashed timing wheel that bounds how
// long a slice may stay in the MERGING stage.
//
// A single ticker goroutine that wakes on an interval and sweeps state
// gone idle works fine for a coarse sweep over a handful of files. It
// does not work for a per-slice deadline that must fire within a
// millisecond of expiring across potentially millions of concurrent
// slices, which is why this package uses a proper wheel (bucket-per-tick,
// O(1) add/cancel) instead of a linear sweep.
package timerwheel

import (
	"container/list"
	"sync"
	"time"
)

// Node is a handle into the wheel. A Node field belongs to exactly one
// wheel bucket at a time; Add/Modify/Cancel move it between buckets.
// Callers create one per tracked item and keep the *Node in their own
// slice/entry type (obid does this for every slice).
type Node struct {
	mu      sync.Mutex
	bucket  int
	elem    *list.Element
	active  bool
	expires func()
}

// Wheel is a fixed-size ring of tick buckets. Each bucket is a
// doubly-linked list of Nodes whose deadline falls in that bucket's
// millisecond slot, modulo the wheel's size.
type Wheel struct {
	mu        sync.Mutex
	buckets   []*list.List
	size      int
	precision time.Duration
	current   int

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Wheel with size buckets, each representing precision of
// wall-clock time (typically 1ms). size should comfortably exceed
// max_wait_time_ms/precision so that a slice's absolute deadline never
// wraps around into an already-passed bucket.
func New(size int, precision time.Duration) *Wheel {
	if size < 1 {
		size = 1
	}
	if precision <= 0 {
		precision = time.Millisecond
	}
	w := &Wheel{
		buckets:   make([]*list.List, size),
		size:      size,
		precision: precision,
		stop:      make(chan struct{}),
	}
	for i := range w.buckets {
		w.buckets[i] = list.New()
	}
	return w
}

// Start begins the tick goroutine. Each tick advances the wheel by one
// bucket and fires the expiry callback of every node in it. Expiry
// callbacks run without the wheel lock held, so an expiry handler that
// needs to acquire the OBID shard lock does not invert the package's
// lock ordering.
func (w *Wheel) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.precision)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				w.tick()
			}
		}
	}()
}

// Stop halts the tick goroutine and waits for it to exit. Any nodes still
// resident in the wheel are left untouched - callers are responsible for
// their own shutdown/drain sequencing (the combine cache's Stop flushes
// nothing itself; its callers Close or flush objects first).
func (w *Wheel) Stop() {
	close(w.stop)
	w.wg.Wait()
}

func (w *Wheel) tick() {
	w.mu.Lock()
	bucket := w.buckets[w.current]
	w.current = (w.current + 1) % w.size

	var fire []func()
	for e := bucket.Front(); e != nil; {
		next := e.Next()
		n := e.Value.(*Node)
		bucket.Remove(e)

		n.mu.Lock()
		n.active = false
		cb := n.expires
		n.mu.Unlock()

		if cb != nil {
			fire = append(fire, cb)
		}
		e = next
	}
	w.mu.Unlock()

	for _, cb := range fire {
		cb()
	}
}

func (w *Wheel) bucketIndexLocked(timeoutMs int64) int {
	ticks := timeoutMs / int64(w.precision/time.Millisecond)
	if ticks < 0 {
		ticks = 0
	}
	return (w.current + int(ticks)) % w.size
}

// Add arms node with the given timeout, calling onExpire when it fires.
// O(1): appends to the target bucket's list.
func (w *Wheel) Add(n *Node, timeoutMs int64, onExpire func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	idx := w.bucketIndexLocked(timeoutMs)
	n.mu.Lock()
	n.bucket = idx
	n.active = true
	n.expires = onExpire
	n.mu.Unlock()

	n.elem = w.buckets[idx].PushBack(n)
}

// Modify re-arms an already-active node with a new timeout by
// detaching it from its current bucket and re-inserting it, in O(1).
// If n is not currently active, Modify is a no-op - the caller raced
// with an expiry and should treat the slice as already flushed.
func (w *Wheel) Modify(n *Node, newTimeoutMs int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n.mu.Lock()
	active := n.active
	n.mu.Unlock()
	if !active {
		return
	}

	w.buckets[n.bucket].Remove(n.elem)

	idx := w.bucketIndexLocked(newTimeoutMs)
	n.mu.Lock()
	n.bucket = idx
	n.mu.Unlock()
	n.elem = w.buckets[idx].PushBack(n)
}

// Cancel detaches node from the wheel without firing its callback.
// Returns false if the node had already expired (or was never added).
func (w *Wheel) Cancel(n *Node) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	n.mu.Lock()
	active := n.active
	n.active = false
	n.expires = nil
	n.mu.Unlock()
	if !active {
		return false
	}

	w.buckets[n.bucket].Remove(n.elem)
	return true
}

// Active reports whether node is still armed (I4: "the timer of a
// MERGING slice is always active").
func (n *Node) Active() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active
}
