package client

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Reconnector is the part of Manager the Monitor drives.
type Reconnector interface {
	Reconnect(ctx context.Context) error
	LastActivity() time.Time
}

// MonitorConfig configures staleness detection.
type MonitorConfig struct {
	Interval  time.Duration
	Threshold time.Duration
	// Backoff is indexed by consecutive failures; the last entry is the ceiling.
	Backoff []time.Duration
	// OnAttempt, if set, observes every finished reconnect attempt.
	OnAttempt func(failures int, delay time.Duration, err error)
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:  3 * time.Second,
		Threshold: 6 * time.Second,
		Backoff:   []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second},
	}
}

// Monitor polls a connection's last activity and reconnects when it goes stale.
type Monitor struct {
	target Reconnector
	clock  clockwork.Clock
	cfg    MonitorConfig

	inFlight atomic.Bool

	mu          sync.Mutex
	failures    int
	lastAttempt time.Time
}

func NewMonitor(target Reconnector, clock clockwork.Clock, cfg MonitorConfig) *Monitor {
	def := DefaultMonitorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = def.Backoff
	}
	return &Monitor{target: target, clock: clock, cfg: cfg}
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.Check(ctx)
		}
	}
}

// Check runs one poll. A stale connection schedules a reconnect after NextDelay; while
// that attempt is pending or running further checks do nothing.
func (m *Monitor) Check(ctx context.Context) {
	now := m.clock.Now()
	last := m.target.LastActivity()

	if now.Sub(last) <= m.cfg.Threshold {
		m.mu.Lock()
		if m.failures > 0 && last.After(m.lastAttempt) {
			slog.Info("Connection activity resumed", "failures", m.failures)
			m.failures = 0
		}
		m.mu.Unlock()
		return
	}

	if !m.inFlight.CompareAndSwap(false, true) {
		return
	}

	delay := m.NextDelay()
	slog.Warn("Connection stale, scheduling reconnect", "idle", now.Sub(last), "delay", delay)
	m.clock.AfterFunc(delay, func() { m.attempt(ctx, delay) })
}

// NextDelay is the wait before the next reconnect attempt.
func (m *Monitor) NextDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Backoff[min(m.failures, len(m.cfg.Backoff)-1)]
}

// Failures returns the number of consecutive failed reconnect attempts.
func (m *Monitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

func (m *Monitor) attempt(ctx context.Context, delay time.Duration) {
	if ctx.Err() != nil {
		m.inFlight.Store(false)
		return
	}

	err := m.target.Reconnect(ctx)

	m.mu.Lock()
	m.lastAttempt = m.clock.Now()
	if err != nil {
		m.failures++
		slog.Warn("Reconnect failed", "failures", m.failures, "error", err)
	} else {
		m.failures = 0
		slog.Info("Reconnected")
	}
	failures := m.failures
	m.mu.Unlock()
	m.inFlight.Store(false)

	if m.cfg.OnAttempt != nil {
		m.cfg.OnAttempt(failures, delay, err)
	}
}
