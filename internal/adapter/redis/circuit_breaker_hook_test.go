package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/streamcast/internal/adapter/metrics"
	"github.com/pscheid92/streamcast/internal/domain"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func runCommands(hook *CircuitBreakerHook, n int, err error) []error {
	ctx := context.Background()
	process := hook.ProcessHook(func(context.Context, goredis.Cmder) error { return err })

	errs := make([]error, n)
	for i := range n {
		errs[i] = process(ctx, goredis.NewStringCmd(ctx, "publish", "ch", "msg"))
	}
	return errs
}

func TestCircuitBreakerHook_StaysClosedOnSuccess(t *testing.T) {
	hook := NewCircuitBreakerHook(nil)

	for _, err := range runCommands(hook, 10, nil) {
		assert.NoError(t, err)
	}
	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_NilReplyIsNotAFailure(t *testing.T) {
	hook := NewCircuitBreakerHook(nil)

	runCommands(hook, 10, goredis.Nil)
	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_OpensAndFailsFast(t *testing.T) {
	m := metrics.NewRedisMetrics(prometheus.NewRegistry())
	hook := NewCircuitBreakerHook(m)

	runCommands(hook, 5, errors.New("connection refused"))
	assert.Equal(t, circuitbreaker.OpenState, hook.State())
	assert.Equal(t, float64(2), testutil.ToFloat64(m.CircuitBreakerState))

	var called bool
	process := hook.ProcessHook(func(context.Context, goredis.Cmder) error {
		called = true
		return nil
	})
	ctx := context.Background()
	err := process(ctx, goredis.NewStringCmd(ctx, "publish", "ch", "msg"))

	assert.False(t, called)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.ErrorIs(t, err, domain.ErrTransportUnavailable)
}

func TestCircuitBreakerHook_PipelineFailuresCount(t *testing.T) {
	hook := NewCircuitBreakerHook(nil)
	pipeline := hook.ProcessPipelineHook(func(context.Context, []goredis.Cmder) error {
		return errors.New("broken pipe")
	})

	for range 5 {
		assert.Error(t, pipeline(context.Background(), nil))
	}
	assert.Equal(t, circuitbreaker.OpenState, hook.State())
}
