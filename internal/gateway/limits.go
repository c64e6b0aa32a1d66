package gateway

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	limiterSweepInterval = 5 * time.Minute
	limiterIdleTimeout   = 10 * time.Minute
)

// LimitReason describes why an upgrade request was refused.
type LimitReason string

const (
	LimitReasonPerIP LimitReason = "per_ip_limit"
	LimitReasonRate  LimitReason = "rate_limit"
)

// IPConnectionLimiter caps concurrent connections per remote IP.
type IPConnectionLimiter struct {
	mu     sync.Mutex
	ips    map[string]int
	maxPer int
}

func NewIPConnectionLimiter(maxPer int) *IPConnectionLimiter {
	return &IPConnectionLimiter{ips: make(map[string]int), maxPer: maxPer}
}

// Acquire takes a slot for ip and reports whether one was free.
func (l *IPConnectionLimiter) Acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ips[ip] >= l.maxPer {
		return false
	}
	l.ips[ip]++
	return true
}

func (l *IPConnectionLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count := l.ips[ip]; count > 1 {
		l.ips[ip] = count - 1
	} else {
		delete(l.ips, ip)
	}
}

func (l *IPConnectionLimiter) Count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ips[ip]
}

// UniqueIPs returns the number of IPs holding at least one slot.
func (l *IPConnectionLimiter) UniqueIPs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ips)
}

// ConnectionRateLimiter is a token bucket per remote IP for new connections.
type ConnectionRateLimiter struct {
	clock clockwork.Clock
	rate  rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rateLimiterEntry
	sweepAt  time.Time
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewConnectionRateLimiter(clock clockwork.Clock, perSecond float64, burst int) *ConnectionRateLimiter {
	return &ConnectionRateLimiter{
		clock:    clock,
		rate:     rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rateLimiterEntry),
		sweepAt:  clock.Now().Add(limiterSweepInterval),
	}
}

func (l *ConnectionRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.sweepAt) {
		l.sweep(now)
		l.sweepAt = now.Add(limiterSweepInterval)
	}

	entry, ok := l.limiters[ip]
	if !ok {
		entry = &rateLimiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// ActiveLimiters returns the number of tracked IPs.
func (l *ConnectionRateLimiter) ActiveLimiters() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// sweep must be called with mu held.
func (l *ConnectionRateLimiter) sweep(now time.Time) {
	cutoff := now.Add(-limiterIdleTimeout)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}

// ConnectionLimits combines the per-IP concurrency cap with the per-IP connection rate.
// The instance-wide cap is enforced by the Hub.
type ConnectionLimits struct {
	perIP *IPConnectionLimiter
	rate  *ConnectionRateLimiter
}

func NewConnectionLimits(clock clockwork.Clock, perIPMax int, perSecond float64, burst int) *ConnectionLimits {
	return &ConnectionLimits{
		perIP: NewIPConnectionLimiter(perIPMax),
		rate:  NewConnectionRateLimiter(clock, perSecond, burst),
	}
}

// Acquire reports whether a new connection from ip may proceed and, if not, why.
// A successful Acquire must be paired with Release.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	if !l.rate.Allow(ip) {
		return false, LimitReasonRate
	}
	if !l.perIP.Acquire(ip) {
		return false, LimitReasonPerIP
	}
	return true, ""
}

func (l *ConnectionLimits) Release(ip string) {
	l.perIP.Release(ip)
}
