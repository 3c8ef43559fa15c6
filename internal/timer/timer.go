// Package timer provides keyed one-shot timers. The engine keys them
// "recurring" for the cadence timer and "job:<id>" for explicit schedules.
package timer

import (
	"sync"
	"time"
)

type Service struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	fns    map[string]func()
	at     map[string]time.Time
	// ver guards against stale callbacks from timers that were replaced or
	// canceled after firing but before their callback ran.
	ver map[string]uint64
}

func New() *Service {
	return &Service{
		timers: map[string]*time.Timer{},
		fns:    map[string]func(){},
		at:     map[string]time.Time{},
		ver:    map[string]uint64{},
	}
}

// Schedule arms (or re-arms) the timer for id to fire fn at the given
// instant. A past instant fires immediately.
func (s *Service) Schedule(id string, at time.Time, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[id]; ok {
		_ = t.Stop()
	}
	v := s.ver[id] + 1
	s.ver[id] = v
	s.fns[id] = fn
	s.at[id] = at

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	s.timers[id] = time.AfterFunc(delay, func() {
		s.fire(id, v)
	})
}

// Cancel stops and removes the timer for id. It reports whether a live
// timer existed.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if ok {
		_ = t.Stop()
	}
	_, known := s.fns[id]
	delete(s.timers, id)
	delete(s.fns, id)
	delete(s.at, id)
	s.ver[id]++ // invalidate in-flight callbacks
	return ok || known
}

// Exists reports whether a live timer is armed for id.
func (s *Service) Exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.fns[id]
	return ok
}

// When returns the armed fire time for id.
func (s *Service) When(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.at[id]
	return at, ok
}

// FireNow runs the callback for id immediately, synchronously, as if the
// timer had elapsed. Intended for tests. It reports whether a timer was
// armed for id.
func (s *Service) FireNow(id string) bool {
	s.mu.Lock()
	_, armed := s.fns[id]
	v := s.ver[id]
	s.mu.Unlock()
	if !armed {
		return false
	}
	s.fire(id, v)
	return true
}

// StopAll cancels every armed timer.
func (s *Service) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		_ = t.Stop()
		s.ver[id]++
	}
	s.timers = map[string]*time.Timer{}
	s.fns = map[string]func(){}
	s.at = map[string]time.Time{}
}

func (s *Service) fire(id string, v uint64) {
	s.mu.Lock()
	if s.ver[id] != v {
		s.mu.Unlock()
		return
	}
	fn := s.fns[id]
	delete(s.timers, id)
	delete(s.fns, id)
	delete(s.at, id)
	s.ver[id]++
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
}
