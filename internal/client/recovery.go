package client

import (
	"math/rand/v2"
	"time"
)

// Action is what a host should do after being suspended.
type Action int

const (
	ActionNone Action = iota
	ActionSync
	ActionRefresh
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionSync:
		return "sync"
	case ActionRefresh:
		return "refresh"
	default:
		return "unknown"
	}
}

// Decision is a recommended Action and how long to wait before acting on it.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Strategy maps how long a client was hidden to a recovery Decision. Delays grow
// exponentially with the attempt number and carry jitter so clients returning from a
// shared outage do not all hit the server at once.
type Strategy struct {
	Quick       time.Duration
	Medium      time.Duration
	SyncBase    time.Duration
	RefreshBase time.Duration
	MaxDelay    time.Duration
	// Jitter returns a random duration in [0, n). Defaults to math/rand.
	Jitter func(n time.Duration) time.Duration
}

func DefaultStrategy() Strategy {
	return Strategy{
		Quick:       30 * time.Second,
		Medium:      300 * time.Second,
		SyncBase:    time.Second,
		RefreshBase: 3 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// AggressiveSuspendStrategy is for platforms that suspend background tabs quickly.
func AggressiveSuspendStrategy() Strategy {
	s := DefaultStrategy()
	s.Quick = 15 * time.Second
	s.Medium = 120 * time.Second
	return s
}

// Decide is DecideAttempt for the first attempt.
func (s Strategy) Decide(hidden time.Duration) Decision {
	return s.DecideAttempt(hidden, 0)
}

// DecideAttempt recommends an action for a client hidden for the given duration.
// attempt counts earlier recoveries that did not help.
func (s Strategy) DecideAttempt(hidden time.Duration, attempt int) Decision {
	switch {
	case hidden < s.Quick:
		return Decision{Action: ActionNone}
	case hidden < s.Medium:
		return Decision{Action: ActionSync, Delay: s.delay(s.SyncBase, attempt)}
	default:
		return Decision{Action: ActionRefresh, Delay: s.delay(s.RefreshBase, attempt)}
	}
}

func (s Strategy) delay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt && (s.MaxDelay <= 0 || d < s.MaxDelay); i++ {
		d *= 2
	}
	if s.MaxDelay > 0 && d > s.MaxDelay {
		d = s.MaxDelay
	}
	return d + s.jitter(base)
}

func (s Strategy) jitter(n time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	if s.Jitter != nil {
		return s.Jitter(n)
	}
	return rand.N(n)
}
