package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/streamcast/internal/adapter/metrics"
	"github.com/pscheid92/streamcast/internal/broadcast"
	"github.com/pscheid92/streamcast/internal/domain"
	"github.com/pscheid92/streamcast/internal/gateway"
	"github.com/pscheid92/streamcast/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

type server struct {
	hub         *gateway.Hub
	signer      *stream.Signer
	broadcaster *broadcast.Broadcaster
	metrics     *metrics.WebSocketMetrics
	url         string
}

func newServer(t *testing.T) *server {
	t.Helper()
	clock := clockwork.NewRealClock()
	m := metrics.NewNoopWebSocketMetrics()
	signer, err := stream.NewSigner(testSigningKey, nil, 0, clock)
	require.NoError(t, err)

	hub := gateway.NewHub(clock, m, 0, time.Hour)
	authorizer := gateway.AuthorizerFunc(func(*http.Request) (string, error) { return "guest:test", nil })
	handler := gateway.NewHandler(hub, signer, authorizer, m, func(*http.Request) bool { return true })
	ts := httptest.NewServer(handler)
	t.Cleanup(func() {
		ts.Close()
		hub.Stop()
	})

	return &server{
		hub:         hub,
		signer:      signer,
		broadcaster: broadcast.New(hub, clock, metrics.NewNoopBroadcastMetrics(), broadcast.Options{}),
		metrics:     m,
		url:         "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

func (s *server) token(t *testing.T, streamables ...any) string {
	t.Helper()
	_, token, err := s.signer.SignStreamables(streamables...)
	require.NoError(t, err)
	return token
}

func (s *server) waitSubscribers(t *testing.T, channel domain.ChannelName, n int) {
	t.Helper()
	assert.Eventually(t, func() bool { return s.hub.Subscribers(channel) == n }, 2*time.Second, 10*time.Millisecond)
}

func newManager(t *testing.T, s *server, opts Options) *Manager {
	t.Helper()
	opts.URL = s.url
	m := NewManager(opts)
	t.Cleanup(m.Disconnect)
	return m
}

type inbox struct {
	mu   sync.Mutex
	envs []domain.Envelope
	ch   chan domain.Envelope
}

func newInbox() *inbox { return &inbox{ch: make(chan domain.Envelope, 16)} }

func (i *inbox) handle(env domain.Envelope) {
	i.mu.Lock()
	i.envs = append(i.envs, env)
	i.mu.Unlock()
	i.ch <- env
}

func (i *inbox) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.envs)
}

func (i *inbox) next(t *testing.T) domain.Envelope {
	t.Helper()
	select {
	case env := <-i.ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return domain.Envelope{}
	}
}

func TestManager_LazyDial(t *testing.T) {
	s := newServer(t)
	m := newManager(t, s, Options{})

	assert.False(t, m.Connected())

	_, err := m.Subscribe(context.Background(), s.token(t, "posts"), func(domain.Envelope) {})
	require.NoError(t, err)

	assert.True(t, m.Connected())
	assert.Eventually(t, func() bool { return m.Identity() == "guest:test" }, 2*time.Second, 10*time.Millisecond)
}

func TestManager_EndToEndChannelIsolation(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()

	postsInbox, commentsInbox := newInbox(), newInbox()
	postsClient := newManager(t, s, Options{})
	commentsClient := newManager(t, s, Options{})

	_, err := postsClient.Subscribe(ctx, s.token(t, "posts"), postsInbox.handle)
	require.NoError(t, err)
	_, err = commentsClient.Subscribe(ctx, s.token(t, "comments"), commentsInbox.handle)
	require.NoError(t, err)
	s.waitSubscribers(t, "posts", 1)
	s.waitSubscribers(t, "comments", 1)

	require.NoError(t, s.broadcaster.Created(ctx, []any{"posts"}, map[string]int{"id": 1}, "req-1"))

	env := postsInbox.next(t)
	assert.Equal(t, domain.EventCreated, env.Event)
	assert.JSONEq(t, `{"id":1}`, string(env.Payload))
	assert.Equal(t, "req-1", env.CorrelationID())

	// once the comments client sees a later marker, the posts event can no longer arrive
	require.NoError(t, s.broadcaster.Event(ctx, []any{"comments"}, "marker", nil, ""))
	assert.Equal(t, domain.EventKind("marker"), commentsInbox.next(t).Event)

	assert.Equal(t, 1, postsInbox.count())
	assert.Equal(t, 1, commentsInbox.count())
}

func TestManager_SharesOneConnection(t *testing.T) {
	s := newServer(t)
	m := newManager(t, s, Options{})
	ctx := context.Background()

	var tokens []string
	for _, name := range []string{"a", "b", "c", "d"} {
		tokens = append(tokens, s.token(t, name))
	}

	var wg sync.WaitGroup
	for _, token := range tokens {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Subscribe(ctx, token, func(domain.Envelope) {})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, name := range []domain.ChannelName{"a", "b", "c", "d"} {
		s.waitSubscribers(t, name, 1)
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.ActiveConnections))
}

func TestManager_ResubscribeReplacesCallback(t *testing.T) {
	s := newServer(t)
	m := newManager(t, s, Options{})
	ctx := context.Background()
	token := s.token(t, "posts")

	first, second := newInbox(), newInbox()
	_, err := m.Subscribe(ctx, token, first.handle)
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, token, second.handle)
	require.NoError(t, err)
	s.waitSubscribers(t, "posts", 1)

	require.NoError(t, s.broadcaster.Updated(ctx, []any{"posts"}, nil, ""))
	second.next(t)
	require.NoError(t, s.broadcaster.Updated(ctx, []any{"posts"}, nil, ""))
	second.next(t)

	assert.Equal(t, 0, first.count())
	assert.Equal(t, 2, second.count())
}

func TestManager_UnsubscribeStopsDispatch(t *testing.T) {
	s := newServer(t)
	m := newManager(t, s, Options{})
	ctx := context.Background()

	posts, comments := newInbox(), newInbox()
	sub, err := m.Subscribe(ctx, s.token(t, "posts"), posts.handle)
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, s.token(t, "comments"), comments.handle)
	require.NoError(t, err)
	s.waitSubscribers(t, "comments", 1)

	require.NoError(t, m.Unsubscribe(sub))
	s.waitSubscribers(t, "posts", 0)

	require.NoError(t, s.broadcaster.Created(ctx, []any{"posts"}, nil, ""))
	require.NoError(t, s.broadcaster.Created(ctx, []any{"comments"}, nil, ""))
	comments.next(t)

	assert.Equal(t, 0, posts.count())
}

func TestManager_StaleHandleUnsubscribeIsIgnored(t *testing.T) {
	s := newServer(t)
	m := newManager(t, s, Options{})
	ctx := context.Background()
	token := s.token(t, "posts")

	old, err := m.Subscribe(ctx, token, func(domain.Envelope) {})
	require.NoError(t, err)
	current := newInbox()
	_, err = m.Subscribe(ctx, token, current.handle)
	require.NoError(t, err)

	require.NoError(t, m.Unsubscribe(old))
	s.waitSubscribers(t, "posts", 1)

	require.NoError(t, s.broadcaster.Created(ctx, []any{"posts"}, nil, ""))
	current.next(t)
}

func TestManager_DisconnectThenSubscribeRedials(t *testing.T) {
	s := newServer(t)
	m := newManager(t, s, Options{})
	ctx := context.Background()

	_, err := m.Subscribe(ctx, s.token(t, "posts"), func(domain.Envelope) {})
	require.NoError(t, err)
	s.waitSubscribers(t, "posts", 1)

	m.Disconnect()
	assert.False(t, m.Connected())
	s.waitSubscribers(t, "posts", 0)

	in := newInbox()
	_, err = m.Subscribe(ctx, s.token(t, "comments"), in.handle)
	require.NoError(t, err)
	assert.True(t, m.Connected())
	s.waitSubscribers(t, "comments", 1)

	// the posts subscription was torn down by Disconnect and is not restored
	assert.Equal(t, 0, s.hub.Subscribers("posts"))
}

func TestManager_ReconnectRestoresSubscriptions(t *testing.T) {
	s := newServer(t)
	m := newManager(t, s, Options{})
	ctx := context.Background()

	in := newInbox()
	_, err := m.Subscribe(ctx, s.token(t, "posts"), in.handle)
	require.NoError(t, err)
	s.waitSubscribers(t, "posts", 1)

	require.NoError(t, m.Reconnect(ctx))
	assert.Eventually(t, func() bool { return testutil.ToFloat64(s.metrics.ActiveConnections) == 1 }, 2*time.Second, 10*time.Millisecond)
	s.waitSubscribers(t, "posts", 1)

	require.NoError(t, s.broadcaster.Created(ctx, []any{"posts"}, nil, ""))
	in.next(t)
}

func TestManager_RejectedSubscription(t *testing.T) {
	s := newServer(t)
	rejected := make(chan string, 1)
	m := newManager(t, s, Options{OnReject: func(_, reason string) { rejected <- reason }})

	_, err := m.Subscribe(context.Background(), "forged-token", func(domain.Envelope) {})
	require.NoError(t, err)

	select {
	case reason := <-rejected:
		assert.Equal(t, gateway.ReasonInvalidToken, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("rejection not reported")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.subs, "forged-token")
	assert.Empty(t, m.pending)
}

func TestManager_EmptyToken(t *testing.T) {
	m := NewManager(Options{URL: "ws://127.0.0.1:1"})
	_, err := m.Subscribe(context.Background(), "", func(domain.Envelope) {})
	assert.ErrorIs(t, err, domain.ErrMissingToken)
}

func TestManager_DialFailureKeepsSubscription(t *testing.T) {
	s := newServer(t)
	m := NewManager(Options{URL: "ws://127.0.0.1:1"})
	ctx := context.Background()
	token := s.token(t, "posts")

	_, err := m.Subscribe(ctx, token, func(domain.Envelope) {})
	require.Error(t, err)

	// point the manager at the live server and let a reconnect pick the subscription up
	m.url = s.url
	require.NoError(t, m.Reconnect(ctx))
	s.waitSubscribers(t, "posts", 1)
	m.Disconnect()
}

func TestManager_MalformedFramesAreDropped(t *testing.T) {
	m := NewManager(Options{URL: "ws://unused"})
	var calls atomic.Int32
	m.subs["tok"] = &Subscription{token: "tok", onMessage: func(domain.Envelope) { calls.Add(1) }}

	m.dispatch(nil, []byte(`not json`))
	m.dispatch(nil, []byte(`{"type":"message","signed-stream-name":"tok","message":{"payload":{}}}`))
	m.dispatch(nil, []byte(`{"type":"message","signed-stream-name":"tok","message":{"event":"created","payload":{},"requestId":null,"at":1}}`))

	assert.Equal(t, int32(1), calls.Load())
}

func TestManager_ActivityTracksEveryFrame(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1000, 0))
	m := NewManager(Options{URL: "ws://unused", Clock: clock})
	assert.Equal(t, time.Unix(1000, 0), m.LastActivity())

	clock.Advance(time.Minute)
	m.touch()
	assert.Equal(t, time.Unix(1060, 0), m.LastActivity())
}

func TestManager_ConcurrentUnsubscribeAndResubscribeStayInSync(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	token := s.token(t, "posts")
	marker := s.token(t, "marker")

	for i := range 25 {
		m := NewManager(Options{URL: s.url})

		old, err := m.Subscribe(ctx, token, func(domain.Envelope) {})
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Unsubscribe(old))
		}()
		go func() {
			defer wg.Done()
			_, err := m.Subscribe(ctx, token, func(domain.Envelope) {})
			assert.NoError(t, err)
		}()
		wg.Wait()

		m.mu.Lock()
		_, subscribed := m.subs[token]
		m.mu.Unlock()
		require.True(t, subscribed, "iteration %d", i)

		// commands on one connection are handled in order, so once the marker is attached
		// the server has seen both commands above
		_, err = m.Subscribe(ctx, marker, func(domain.Envelope) {})
		require.NoError(t, err)
		s.waitSubscribers(t, "marker", 1)
		require.Equal(t, 1, s.hub.Subscribers("posts"), "iteration %d", i)

		m.Disconnect()
		s.waitSubscribers(t, "posts", 0)
		s.waitSubscribers(t, "marker", 0)
	}
}

func TestManager_StaleRejectKeepsNewerSubscription(t *testing.T) {
	m := NewManager(Options{URL: "ws://unused"})
	first := &Subscription{token: "tok"}
	second := &Subscription{token: "tok"}
	m.subs["tok"] = second
	m.pending["tok"] = []*Subscription{first, second}

	reject := []byte(`{"type":"reject_subscription","signed-stream-name":"tok","reason":"rate_limited"}`)

	// answers the first attempt, which was already replaced
	m.dispatch(nil, reject)
	assert.Same(t, second, m.subs["tok"])

	// answers the second attempt
	m.dispatch(nil, reject)
	assert.NotContains(t, m.subs, "tok")
	assert.Empty(t, m.pending)
}

func TestManager_ConfirmSettlesPendingAttempt(t *testing.T) {
	m := NewManager(Options{URL: "ws://unused"})
	first := &Subscription{token: "tok"}
	second := &Subscription{token: "tok"}
	m.subs["tok"] = second
	m.pending["tok"] = []*Subscription{first, second}

	m.dispatch(nil, []byte(`{"type":"confirm_subscription","signed-stream-name":"tok"}`))
	m.dispatch(nil, []byte(`{"type":"reject_subscription","signed-stream-name":"tok","reason":"invalid_token"}`))

	assert.NotContains(t, m.subs, "tok")
}

func TestManager_DisconnectDuringDialLeavesNoConnection(t *testing.T) {
	s := newServer(t)
	arrived := make(chan struct{})
	release := make(chan struct{})

	hub := gateway.NewHub(clockwork.NewRealClock(), metrics.NewNoopWebSocketMetrics(), 0, time.Hour)
	t.Cleanup(hub.Stop)
	handler := gateway.NewHandler(hub, s.signer, gateway.AuthorizerFunc(func(*http.Request) (string, error) { return "guest", nil }),
		metrics.NewNoopWebSocketMetrics(), func(*http.Request) bool { return true })
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-release
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(slow.Close)

	m := NewManager(Options{URL: "ws" + strings.TrimPrefix(slow.URL, "http")})
	token := s.token(t, "posts")
	errs := make(chan error, 1)
	go func() {
		_, err := m.Subscribe(context.Background(), token, func(domain.Envelope) {})
		errs <- err
	}()

	<-arrived
	m.Disconnect()
	close(release)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe did not return")
	}
	assert.False(t, m.Connected())
	assert.Eventually(t, func() bool { return hub.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
}
