package realtime

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

// Action is invoked each time the Scheduler fires for a key.
type Action func(key string, ev ChangeEvent)

// Scheduler throttles actions per key: at most one fire per window,
// always with the latest submitted event, and always a trailing fire after a burst.
type Scheduler struct {
	clock   clock.Clock
	window  time.Duration
	action  Action
	metrics *Metrics

	mu      sync.Mutex
	keys    map[string]*throttleState
	stopped bool
}

type throttleState struct {
	mu       sync.Mutex
	lastFire time.Time
	pending  *ChangeEvent
	timer    clock.Timer
}

func NewScheduler(clk clock.Clock, window time.Duration, action Action) *Scheduler {
	return &Scheduler{
		clock:  clk,
		window: window,
		action: action,
		keys:   make(map[string]*throttleState),
	}
}

// withMetrics makes the scheduler count superseded events.
func (s *Scheduler) withMetrics(m *Metrics) *Scheduler {
	s.metrics = m
	return s
}

func (s *Scheduler) state(key string) *throttleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	st, ok := s.keys[key]
	if !ok {
		st = new(throttleState)
		s.keys[key] = st
	}
	return st
}

// Submit fires immediately when the key is idle and its window has elapsed;
// otherwise ev replaces the pending event and a trailing fire is scheduled if none is.
func (s *Scheduler) Submit(key string, ev ChangeEvent) {
	st := s.state(key)
	if st == nil {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	now := s.clock.Now()
	elapsed := now.Sub(st.lastFire)
	if st.timer == nil && (st.lastFire.IsZero() || elapsed >= s.window) {
		st.lastFire = now
		s.action(key, ev)
		return
	}

	if st.pending != nil {
		s.metrics.coalesce(key)
	}
	st.pending = &ev

	if st.timer == nil {
		wait := s.window - elapsed
		if wait < 0 {
			wait = 0
		}
		st.timer = s.clock.AfterFunc(wait, func() { s.flush(key, st) })
	}
}

// flush runs when a key's timer expires and fires whatever is pending at that moment.
func (s *Scheduler) flush(key string, st *throttleState) {
	st.mu.Lock()
	defer st.mu.Unlock()

	ev := st.pending
	st.pending = nil
	st.timer = nil
	if ev == nil { // stopped
		return
	}
	st.lastFire = s.clock.Now()
	s.action(key, *ev)
}

// Pending reports whether key has an event waiting for its trailing fire.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	st, ok := s.keys[key]
	s.mu.Unlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.pending != nil
}

// Stop cancels outstanding timers and drops pending events. Later submits are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	states := make([]*throttleState, 0, len(s.keys))
	for _, st := range s.keys {
		states = append(states, st)
	}
	s.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		st.pending = nil
		st.mu.Unlock()
	}
}
