package delivery

import (
	"sync"
	"time"
)

// State holds the process-wide delivery health signals: a temporary
// cooldown deadline (rate limiting) and a permanent hard-block flag.
//
// It is owned by one Client and injected where needed, so tests never have
// to restart a process to clear it. The hard-block flag never auto-clears;
// only a process restart does.
type State struct {
	mu            sync.Mutex
	cooldownUntil time.Time
	hardBlocked   bool

	now func() time.Time
}

func NewState() *State {
	return &State{now: time.Now}
}

// newStateAt builds a State with an injected clock for tests.
func newStateAt(now func() time.Time) *State {
	if now == nil {
		now = time.Now
	}
	return &State{now: now}
}

func (s *State) HardBlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hardBlocked
}

func (s *State) MarkHardBlocked() {
	s.mu.Lock()
	s.hardBlocked = true
	s.mu.Unlock()
}

// StartCooldown pauses all delivery attempts for at least one second.
// A longer in-flight cooldown is never shortened.
func (s *State) StartCooldown(d time.Duration) {
	if d < time.Second {
		d = time.Second
	}
	s.mu.Lock()
	until := s.now().Add(d)
	if until.After(s.cooldownUntil) {
		s.cooldownUntil = until
	}
	s.mu.Unlock()
}

func (s *State) CooldownActive() bool {
	return s.CooldownRemaining() > 0
}

func (s *State) CooldownRemaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	rem := s.cooldownUntil.Sub(s.now())
	if rem < 0 {
		return 0
	}
	return rem
}
