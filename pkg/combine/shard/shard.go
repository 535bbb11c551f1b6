// Package shard implements the generic sharded hash table primitive that
// backs both the OTID and OBID indexes.
//
// Each table is split into a fixed number of shards, each with its own
// mutex, a plain Go map, and a doubly-linked reclamation list ordered by
// insertion/touch time. Callbacks run with the owning shard's lock held,
// which is what lets otid.Index and obid.Index compose atomic
// get-or-create-then-mutate semantics without a separate locking layer.
//
// Lock discipline: a callback running under a shard's lock may only take
// locks that come strictly later in the project-wide ordering (OTID shard
// lock, then OBID shard lock, then timer wheel bucket lock, then
// data-thread queue lock). Shard never acquires a lock belonging to its
// caller, so this file has no opinion on that ordering beyond documenting
// it for callers.
package shard

import (
	"container/list"
	"hash/maphash"
	"sync"
	"time"
)

// Entry is the minimum shape a value stored in a Table must satisfy so the
// reclamation scan can order and age it without knowing its concrete type.
type Entry interface {
	// LastTouched returns the last time this entry was created or refreshed.
	LastTouched() time.Time
}

// Keyer produces a stable hash for a key so Table can pick a shard.
// Callers provide this rather than relying on reflection, so locking
// granularity is picked explicitly instead of hashing arbitrary keys.
type Keyer[K comparable] func(seed maphash.Seed, key K) uint64

// Callback runs under the shard lock for the key it was dispatched to. It
// receives the resident entry (freshly allocated by New if newCreate is
// true), whether the entry was just created, and a Control (see
// below). A non-nil error is surfaced to the caller of Insert; per the
// sharded-hash contract, the entry itself is never rolled back on error -
// callers (otid/obid) are expected to leave only valid partial state
// behind.
//
// ctl lets the callback request removal of the entry before unlocking,
// which is the only safe way to delete under a lock the callback is
// already holding - calling Table.Delete from inside a callback would
// deadlock on the same shard mutex.
type Callback[V any] func(entry V, newCreate bool, ctl *Control) error

// Control is passed to a Callback so it can request the entry it was
// given be removed once the callback returns, still under the same lock
// acquisition (e.g. the combine handler deleting an OBID entry in the
// same critical section that transitions its slice to QUEUED).
type Control struct {
	del bool
}

// Delete marks the entry under callback for removal.
func (c *Control) Delete() {
	c.del = true
}

// New allocates a fresh zero-value entry for key during a get-or-create
// Insert. Table calls this only when no entry for key is resident yet.
type New[K comparable, V Entry] func(key K) V

// AcceptReclaim decides whether entry may be evicted by the capacity scan.
// Returning false (e.g. because the OTID entry still owns a MERGING slice)
// keeps the entry resident regardless of its age - this is what makes I6
// ("reclamation never frees a pinned entry") hold.
type AcceptReclaim[V any] func(entry V) bool

type node[K comparable, V any] struct {
	key   K
	value V
	elem  *list.Element // position in the shard's reclamation list
}

type shardBucket[K comparable, V Entry] struct {
	mu           sync.Mutex
	items        map[K]*node[K, V]
	lru          *list.List // front = most recently touched
	elementLimit int
	minTTL       time.Duration
}

// Table is a generic sharded hash table keyed by K, storing values V.
//
// Thread safety: concurrent operations on different shards never block
// each other. Within a shard, Insert/Find/Delete/reclaim all serialize on
// that shard's mutex.
type Table[K comparable, V Entry] struct {
	seed         maphash.Seed
	keyer        Keyer[K]
	shards       []*shardBucket[K, V]
	newEntry     New[K, V]
	acceptReclaim AcceptReclaim[V]
}

// Config controls how a Table is constructed.
type Config[K comparable, V Entry] struct {
	ShardCount   int           // number of independent lock domains
	ElementLimit int           // per-shard capacity before reclamation runs
	MinTTL       time.Duration // entries younger than this are never reclaimed
	Keyer        Keyer[K]
	New          New[K, V]
	AcceptReclaim AcceptReclaim[V]
}

// NewTable constructs a Table from cfg. ShardCount is clamped to at least 1.
func NewTable[K comparable, V Entry](cfg Config[K, V]) *Table[K, V] {
	n := cfg.ShardCount
	if n < 1 {
		n = 1
	}
	t := &Table[K, V]{
		seed:         maphash.MakeSeed(),
		keyer:        cfg.Keyer,
		newEntry:     cfg.New,
		acceptReclaim: cfg.AcceptReclaim,
		shards:       make([]*shardBucket[K, V], n),
	}
	for i := range t.shards {
		t.shards[i] = &shardBucket[K, V]{
			items:        make(map[K]*node[K, V]),
			lru:          list.New(),
			elementLimit: cfg.ElementLimit,
			minTTL:       cfg.MinTTL,
		}
	}
	return t
}

func (t *Table[K, V]) shardFor(key K) *shardBucket[K, V] {
	h := t.keyer(t.seed, key)
	return t.shards[h%uint64(len(t.shards))]
}

// Insert performs an atomic "get-or-create-then-callback" operation.
// The shard lock is held for the duration of fn, which is what lets
// otid.Write and obid.CreateSlice observe and mutate the entry without
// a lost-update race against a concurrent writer touching the same
// key.
func (t *Table[K, V]) Insert(key K, fn Callback[V]) error {
	sh := t.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	n, exists := sh.items[key]
	newCreate := !exists
	if newCreate {
		if sh.elementLimit > 0 && len(sh.items) >= sh.elementLimit {
			t.reclaimLocked(sh)
		}
		n = &node[K, V]{key: key, value: t.newEntry(key)}
		n.elem = sh.lru.PushFront(n)
		sh.items[key] = n
	} else {
		sh.lru.MoveToFront(n.elem)
	}

	var ctl Control
	err := fn(n.value, newCreate, &ctl)
	if ctl.del {
		t.deleteLocked(sh, key)
	}
	return err
}

// Update runs fn under the shard lock for key only if an entry already
// exists there; it never creates one. Returns false if there was
// nothing to update. This is what timer expiry handlers and MergeSlice
// use to observe/mutate a resident slice without racing the OTID/OBID
// insert path - the tick goroutine uses the same shard lock as the
// write path.
func (t *Table[K, V]) Update(key K, fn Callback[V]) bool {
	sh := t.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	n, exists := sh.items[key]
	if !exists {
		return false
	}
	sh.lru.MoveToFront(n.elem)

	var ctl Control
	_ = fn(n.value, false, &ctl)
	if ctl.del {
		t.deleteLocked(sh, key)
	}
	return true
}

// Find returns the resident entry for key, if any. The zero value and
// false are returned on a miss.
func (t *Table[K, V]) Find(key K) (V, bool) {
	sh := t.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	n, ok := sh.items[key]
	var zero V
	if !ok {
		return zero, false
	}
	sh.lru.MoveToFront(n.elem)
	return n.value, true
}

// Delete removes key unconditionally, returning true if it was present.
func (t *Table[K, V]) Delete(key K) bool {
	sh := t.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return t.deleteLocked(sh, key)
}

func (t *Table[K, V]) deleteLocked(sh *shardBucket[K, V], key K) bool {
	n, ok := sh.items[key]
	if !ok {
		return false
	}
	sh.lru.Remove(n.elem)
	delete(sh.items, key)
	return true
}

// reclaimLocked scans the shard's LRU tail for entries AcceptReclaim
// allows evicting. Called with sh.mu held, only when the shard is at
// or over its element limit.
func (t *Table[K, V]) reclaimLocked(sh *shardBucket[K, V]) {
	if t.acceptReclaim == nil {
		return
	}
	now := time.Now()
	for e := sh.lru.Back(); e != nil; {
		prev := e.Prev()
		n := e.Value.(*node[K, V])

		if sh.minTTL > 0 && now.Sub(n.value.LastTouched()) < sh.minTTL {
			e = prev
			continue
		}
		if t.acceptReclaim(n.value) {
			sh.lru.Remove(e)
			delete(sh.items, n.key)
		}
		e = prev
	}
}

// Len returns the total number of entries resident across all shards.
// Intended for metrics/tests, not the hot path.
func (t *Table[K, V]) Len() int {
	total := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		total += len(sh.items)
		sh.mu.Unlock()
	}
	return total
}

// ShardCount returns the number of shards the table was built with.
func (t *Table[K, V]) ShardCount() int {
	return len(t.shards)
}

// MatchingKeys scans every shard and returns the keys for which match
// returns true. Each shard is locked only long enough to copy its
// matching keys out, so this never holds two shard locks at once; used
// by Cache.Flush/Close to find every OBID/OTID entry belonging to one
// object without threading an object-keyed secondary index through the
// hot path.
func (t *Table[K, V]) MatchingKeys(match func(K) bool) []K {
	var keys []K
	for _, sh := range t.shards {
		sh.mu.Lock()
		for k := range sh.items {
			if match(k) {
				keys = append(keys, k)
			}
		}
		sh.mu.Unlock()
	}
	return keys
}
