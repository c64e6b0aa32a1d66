package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope_StampsClockTime(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1700000000, 250_000_000))

	env, err := NewEnvelope(clock, EventCreated, map[string]any{"id": 1}, "req-1")
	require.NoError(t, err)

	assert.Equal(t, EventCreated, env.Event)
	assert.JSONEq(t, `{"id":1}`, string(env.Payload))
	assert.Equal(t, "req-1", env.CorrelationID())
	assert.InDelta(t, 1700000000.25, env.At, 1e-6)
}

func TestNewEnvelope_RefreshForcesEmptyPayload(t *testing.T) {
	clock := clockwork.NewFakeClock()

	env, err := NewEnvelope(clock, EventRefresh, map[string]any{"ignored": true}, "")
	require.NoError(t, err)

	assert.JSONEq(t, `{}`, string(env.Payload))
	assert.Nil(t, env.RequestID)
}

func TestNewEnvelope_RequiresKind(t *testing.T) {
	_, err := NewEnvelope(clockwork.NewFakeClock(), "", nil, "")
	assert.Error(t, err)
}

func TestNewEnvelope_UnmarshalablePayload(t *testing.T) {
	_, err := NewEnvelope(clockwork.NewFakeClock(), EventUpdated, map[string]any{"ch": make(chan int)}, "")
	assert.Error(t, err)
}

func TestEnvelope_EncodeWireShape(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(10, 500_000_000))

	env, err := NewEnvelope(clock, "moved", []int{1, 2}, "")
	require.NoError(t, err)

	data, err := env.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"moved","payload":[1,2],"requestId":null,"at":10.5}`, string(data))
}

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"event":"deleted","payload":{"id":7},"requestId":"abc","at":12.25}`))
	require.NoError(t, err)
	assert.Equal(t, EventDeleted, env.Event)
	assert.Equal(t, "abc", env.CorrelationID())
	assert.Equal(t, time.Unix(12, 250_000_000), env.Time())

	tests := []struct {
		name string
		data string
	}{
		{"not json", `hello`},
		{"missing event", `{"payload":{}}`},
		{"wrong type", `{"event":3}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(tt.data))
			assert.True(t, errors.Is(err, ErrMalformedMessage))
		})
	}
}
