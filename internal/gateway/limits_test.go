package gateway

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPConnectionLimiter_AcquireRelease(t *testing.T) {
	limiter := NewIPConnectionLimiter(2)

	assert.True(t, limiter.Acquire("192.168.1.1"))
	assert.True(t, limiter.Acquire("192.168.1.1"))
	assert.Equal(t, 2, limiter.Count("192.168.1.1"))

	assert.False(t, limiter.Acquire("192.168.1.1"))

	assert.True(t, limiter.Acquire("192.168.1.2"))
	assert.Equal(t, 2, limiter.UniqueIPs())

	limiter.Release("192.168.1.1")
	assert.Equal(t, 1, limiter.Count("192.168.1.1"))
	assert.True(t, limiter.Acquire("192.168.1.1"))
}

func TestIPConnectionLimiter_ReleaseForgetsIdleIP(t *testing.T) {
	limiter := NewIPConnectionLimiter(5)

	assert.True(t, limiter.Acquire("192.168.1.1"))
	limiter.Release("192.168.1.1")

	assert.Equal(t, 0, limiter.UniqueIPs())
	assert.Equal(t, 0, limiter.Count("192.168.1.1"))

	// releasing an unknown IP is harmless
	limiter.Release("10.0.0.1")
	assert.Equal(t, 0, limiter.UniqueIPs())
}

func TestIPConnectionLimiter_Concurrent(t *testing.T) {
	limiter := NewIPConnectionLimiter(10)
	var success, fail atomic.Int64

	start := make(chan struct{})
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if limiter.Acquire("192.168.1.1") {
				success.Add(1)
			} else {
				fail.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(10), success.Load())
	assert.Equal(t, int64(10), fail.Load())
	assert.Equal(t, 10, limiter.Count("192.168.1.1"))
}

func TestConnectionRateLimiter_Allow(t *testing.T) {
	limiter := NewConnectionRateLimiter(clockwork.NewFakeClock(), 2, 2)

	assert.True(t, limiter.Allow("192.168.1.1"))
	assert.True(t, limiter.Allow("192.168.1.1"))
	assert.False(t, limiter.Allow("192.168.1.1"))

	assert.True(t, limiter.Allow("192.168.1.2"))
	assert.Equal(t, 2, limiter.ActiveLimiters())
}

func TestConnectionRateLimiter_TokenRefill(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewConnectionRateLimiter(clock, 10, 5)

	for range 5 {
		assert.True(t, limiter.Allow("192.168.1.1"))
	}
	assert.False(t, limiter.Allow("192.168.1.1"))

	clock.Advance(100 * time.Millisecond)
	assert.True(t, limiter.Allow("192.168.1.1"))
	assert.False(t, limiter.Allow("192.168.1.1"))
}

func TestConnectionRateLimiter_SweepsIdleIPs(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewConnectionRateLimiter(clock, 10, 5)

	limiter.Allow("192.168.1.1")
	clock.Advance(limiterIdleTimeout + time.Minute)
	limiter.Allow("192.168.1.2")

	assert.Equal(t, 1, limiter.ActiveLimiters())
}

func TestConnectionLimits_Acquire(t *testing.T) {
	limits := NewConnectionLimits(clockwork.NewFakeClock(), 1, 100, 100)

	ok, reason := limits.Acquire("192.168.1.1")
	assert.True(t, ok)
	assert.Empty(t, reason)

	ok, reason = limits.Acquire("192.168.1.1")
	assert.False(t, ok)
	assert.Equal(t, LimitReasonPerIP, reason)

	limits.Release("192.168.1.1")
	ok, _ = limits.Acquire("192.168.1.1")
	assert.True(t, ok)
}

func TestConnectionLimits_RateCheckedFirst(t *testing.T) {
	limits := NewConnectionLimits(clockwork.NewFakeClock(), 10, 1, 1)

	ok, _ := limits.Acquire("192.168.1.1")
	require.True(t, ok)
	limits.Release("192.168.1.1")

	ok, reason := limits.Acquire("192.168.1.1")
	assert.False(t, ok)
	assert.Equal(t, LimitReasonRate, reason)
	assert.Equal(t, 0, limits.perIP.Count("192.168.1.1"))
}

func TestGateway_PerIPLimitRefusesUpgrade(t *testing.T) {
	f := newFixture(t, 0, nil, func(h *Handler) {
		h.WithLimits(NewConnectionLimits(clockwork.NewRealClock(), 1, 100, 100))
	})

	first := f.dial(t)
	require.NotNil(t, first)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ConnectionsRefused.WithLabelValues(string(LimitReasonPerIP))))

	// the slot is returned once the first connection goes away
	require.NoError(t, first.Close())
	assert.Eventually(t, func() bool {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)
}
