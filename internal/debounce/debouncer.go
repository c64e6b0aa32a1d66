// Package debounce coalesces bursts of actions scheduled under the same key.
//
// A Debouncer is one coalescing scope: it owns a table of pending timers keyed by channel.
// Scheduling under a key that already has a pending action stops that timer and replaces the
// action, so only the most recent action of a burst runs. Two Debouncer instances never
// coordinate with each other.
package debounce

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

type slot struct {
	timer   clockwork.Timer
	action  func()
	gen     uint64
	running bool
	done    chan struct{}
	// after is closed when the previous action for the key finishes; nil if there was none
	after <-chan struct{}
}

// Debouncer implements domain.Debouncer.
type Debouncer struct {
	clock      clockwork.Clock
	superseded prometheus.Counter

	mu    sync.Mutex
	slots map[string]*slot
}

// New creates a debouncer. superseded may be nil.
func New(clock clockwork.Clock, superseded prometheus.Counter) *Debouncer {
	return &Debouncer{
		clock:      clock,
		superseded: superseded,
		slots:      make(map[string]*slot),
	}
}

// Schedule runs action after delay unless another Schedule for the same key arrives first,
// in which case the earlier action is dropped and never runs. Actions for one key never
// overlap: one scheduled while another is running waits for it to finish.
func (d *Debouncer) Schedule(key string, delay time.Duration, action func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.slots[key]
	if ok && !s.running {
		s.timer.Stop()
		s.gen++
		s.action = action
		s.timer = d.afterFunc(key, s, s.gen, delay)
		if d.superseded != nil {
			d.superseded.Inc()
		}
		return
	}

	// Either nothing is pending, or the previous action already started. A running action
	// cannot be cancelled, so the new one gets a fresh slot that runs only after it.
	next := &slot{action: action, done: make(chan struct{})}
	if ok {
		next.after = s.done
	}
	s = next
	s.timer = d.afterFunc(key, s, s.gen, delay)
	d.slots[key] = s
}

// Wait blocks until no action is pending or running for key.
func (d *Debouncer) Wait(key string) {
	for {
		d.mu.Lock()
		s, ok := d.slots[key]
		d.mu.Unlock()
		if !ok {
			return
		}
		<-s.done
	}
}

// WaitAll blocks until every pending action has run.
func (d *Debouncer) WaitAll() {
	for {
		d.mu.Lock()
		var s *slot
		for _, candidate := range d.slots {
			s = candidate
			break
		}
		d.mu.Unlock()
		if s == nil {
			return
		}
		<-s.done
	}
}

// Pending returns the number of keys with a pending or running action.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.slots)
}

func (d *Debouncer) afterFunc(key string, s *slot, gen uint64, delay time.Duration) clockwork.Timer {
	return d.clock.AfterFunc(delay, func() { d.fire(key, s, gen) })
}

func (d *Debouncer) fire(key string, s *slot, gen uint64) {
	if s.after != nil {
		<-s.after
	}

	d.mu.Lock()
	if d.slots[key] != s || s.gen != gen || s.running {
		// superseded between the timer firing and us taking the lock
		d.mu.Unlock()
		return
	}
	s.running = true
	action := s.action
	d.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Debounced action panicked", "key", key, "panic", r)
		}

		d.mu.Lock()
		if d.slots[key] == s {
			delete(d.slots, key)
		}
		d.mu.Unlock()
		close(s.done)
	}()

	action()
}
