// Package dedupe implements spec.md §4.D: a fast in-memory approximate
// membership set used as the first pass of duplicate detection, with the
// authoritative store lookup (done by the caller, spec.md §4.F) as the
// fallback on a positive hit.
//
// Grounded directly on the teacher's generic TTL cache
// (services/assessment/internal/cache/cache.go: Cache[T] with a
// sync.RWMutex-guarded map and per-entry expiry), generalized from a
// value cache into a membership set with a capacity bound so the filter
// itself cannot grow without limit -- it is explicitly allowed to be
// approximate (spec.md: "counting/cuckoo/bloom"); evicting older entries
// only produces safe false negatives, which the store-lookup fallback
// catches.
package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	id      string
	exp     time.Time
	element *list.Element
}

// Filter is a capacity-bounded, TTL-expiring approximate membership set.
type Filter struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	order    *list.List // front = most recently added
	byID     map[string]*entry
	disabled bool
}

// New constructs a Filter. A capacity <= 0 means unbounded; a ttl <= 0
// means entries never expire on their own (only eviction reclaims space).
func New(capacity int, ttl time.Duration) *Filter {
	return &Filter{
		ttl:      ttl,
		capacity: capacity,
		order:    list.New(),
		byID:     make(map[string]*entry),
	}
}

// Disabled returns a Filter whose Has always reports false and whose Add is
// a no-op, for spec.md §4.D's "bypassed when configured off".
func Disabled() *Filter {
	return &Filter{disabled: true}
}

// Has reports whether id was (probably) seen before. A false result means
// id is assumed novel by the engine; a true result triggers an
// authoritative store check (spec.md §4.D).
func (f *Filter) Has(id string) bool {
	if f == nil || f.disabled {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[id]
	if !ok {
		return false
	}
	if f.ttl > 0 && time.Now().After(e.exp) {
		f.removeLocked(e)
		return false
	}
	return true
}

// Add records id as seen.
func (f *Filter) Add(id string) {
	if f == nil || f.disabled {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.byID[id]; ok {
		f.order.MoveToFront(existing.element)
		if f.ttl > 0 {
			existing.exp = time.Now().Add(f.ttl)
		}
		return
	}
	e := &entry{id: id}
	if f.ttl > 0 {
		e.exp = time.Now().Add(f.ttl)
	}
	e.element = f.order.PushFront(e)
	f.byID[id] = e
	if f.capacity > 0 {
		for f.order.Len() > f.capacity {
			back := f.order.Back()
			if back == nil {
				break
			}
			f.removeLocked(back.Value.(*entry))
		}
	}
}

// removeLocked must be called with f.mu held.
func (f *Filter) removeLocked(e *entry) {
	f.order.Remove(e.element)
	delete(f.byID, e.id)
}

// Len reports the current number of tracked ids, for tests and metrics.
func (f *Filter) Len() int {
	if f == nil || f.disabled {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.order.Len()
}
