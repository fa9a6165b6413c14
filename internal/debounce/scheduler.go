// Package debounce keeps one resettable timer per key.
//
// The scheduler does not lock keys itself. Callers hold the key's lock in
// the shared keylock.Map while calling ScheduleOrReset, FireNow or Cancel,
// and a timer acquires the same lock before it fires. Every schedule bumps
// a per-key generation, so a timer created before the latest reset sees a
// newer generation and returns without firing.
package debounce

import (
	"sort"
	"sync"
	"time"

	"awaymail/internal/keylock"
)

// FireFunc runs with the key lock held. forced is true when the call came
// from FireNow rather than timer expiry.
type FireFunc func(key string, forced bool)

type entry struct {
	timer  *time.Timer
	gen    uint64
	at     time.Time
	onFire FireFunc
}

type Scheduler struct {
	locks *keylock.Map
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
	stopped bool
}

type Option func(*Scheduler)

// WithClock overrides time.Now for planned fire times.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func New(locks *keylock.Map, opts ...Option) *Scheduler {
	s := &Scheduler{
		locks:   locks,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ScheduleOrReset arms (or re-arms) the timer for key and returns the planned
// fire time. The previous timer, if any, is invalidated.
func (s *Scheduler) ScheduleOrReset(key string, delay time.Duration, onFire FireFunc) time.Time {
	if delay < 0 {
		delay = 0
	}
	at := s.now().Add(delay)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return time.Time{}
	}
	if old := s.entries[key]; old != nil {
		old.timer.Stop()
	}
	s.gen++
	gen := s.gen
	e := &entry{gen: gen, at: at, onFire: onFire}
	e.timer = time.AfterFunc(delay, func() { s.expire(key, gen) })
	s.entries[key] = e
	return at
}

// FireNow cancels the live timer for key and runs its callback synchronously.
// It reports false when no timer was armed, in which case nothing runs.
func (s *Scheduler) FireNow(key string) bool {
	e := s.take(key, 0)
	if e == nil {
		return false
	}
	if e.onFire != nil {
		e.onFire(key, true)
	}
	return true
}

// Cancel disarms the timer for key without firing it.
func (s *Scheduler) Cancel(key string) bool {
	return s.take(key, 0) != nil
}

// Pending returns planned fire times of every armed key.
func (s *Scheduler) Pending() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for k, e := range s.entries {
		out[k] = e.at
	}
	return out
}

// Keys returns armed keys, sorted.
func (s *Scheduler) Keys() []string {
	s.mu.Lock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Stop disarms every timer. Later schedules are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for k, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, k)
	}
}

func (s *Scheduler) expire(key string, gen uint64) {
	unlock := s.locks.Lock(key)
	defer unlock()

	e := s.take(key, gen)
	if e == nil || e.onFire == nil {
		return
	}
	e.onFire(key, false)
}

// take removes the entry for key. A non-zero gen must match the live entry.
func (s *Scheduler) take(key string, gen uint64) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[key]
	if e == nil {
		return nil
	}
	if gen != 0 && e.gen != gen {
		return nil
	}
	e.timer.Stop()
	delete(s.entries, key)
	return e
}
