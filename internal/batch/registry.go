package batch

import (
	"sort"
	"sync"
	"time"
)

// Registry holds at most one PendingBatch per key. Callers mutate a key only
// while holding its key lock; the registry mutex guards the map and lets
// Snapshot read without taking any key lock.
type Registry struct {
	mu sync.RWMutex
	m  map[string]*PendingBatch
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]*PendingBatch)}
}

// add records one more message for key, creating the batch if needed.
func (r *Registry) add(key string, at time.Time) (PendingBatch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.m[key]
	created := b == nil
	if created {
		b = &PendingBatch{Key: key, FirstMessageAt: at}
		r.m[key] = b
	}
	b.MessageCount++
	b.LastMessageAt = at
	return *b, created
}

func (r *Registry) insert(b PendingBatch) {
	r.mu.Lock()
	r.m[b.Key] = &b
	r.mu.Unlock()
}

func (r *Registry) setScheduled(key string, at time.Time) {
	r.mu.Lock()
	if b := r.m[key]; b != nil {
		b.ScheduledFlushAt = at
	}
	r.mu.Unlock()
}

func (r *Registry) remove(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.m[key]
	delete(r.m, key)
	return ok
}

// Len returns the number of pending batches.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}

// Get returns a copy of the batch for key.
func (r *Registry) Get(key string) (PendingBatch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b := r.m[key]
	if b == nil {
		return PendingBatch{}, false
	}
	return *b, true
}

// Snapshot returns copies of every pending batch sorted by key.
func (r *Registry) Snapshot() []PendingBatch {
	r.mu.RLock()
	out := make([]PendingBatch, 0, len(r.m))
	for _, b := range r.m {
		out = append(out, *b)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (r *Registry) keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.m))
	for k := range r.m {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}
