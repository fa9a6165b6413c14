// Package keylock hands out one mutex per string key. Entries are reference
// counted and dropped when the last holder unlocks, so the map only grows
// with the number of keys in use.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map is safe for concurrent use. The zero value is ready.
type Map struct {
	mu sync.Mutex
	m  map[string]*entry
}

// Lock blocks until the lock for key is held and returns its unlock func.
// The returned func must be called exactly once.
func (l *Map) Lock(key string) (unlock func()) {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*entry)
	}
	e := l.m[key]
	if e == nil {
		e = &entry{}
		l.m[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.m, key)
			}
			l.mu.Unlock()
		})
	}
}

// Len reports how many keys are currently locked or waited on.
func (l *Map) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
