package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/pscheid92/streamcast/internal/broadcast"
	"github.com/pscheid92/streamcast/internal/domain"
	"github.com/pscheid92/streamcast/internal/platform/config"
	"github.com/pscheid92/streamcast/internal/stream"
	"github.com/stretchr/testify/assert"
)

const testAPIKey = "test-api-key"

type fakePublisher struct {
	mu        sync.Mutex
	now       []broadcast.Message
	later     []broadcast.Message
	debounced []broadcast.Message
	err       error
}

func (p *fakePublisher) PublishNow(_ context.Context, msg broadcast.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.now = append(p.now, msg)
	return nil
}

func (p *fakePublisher) PublishLater(_ context.Context, msg broadcast.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.later = append(p.later, msg)
	return nil
}

func (p *fakePublisher) PublishDebounced(_ context.Context, msg broadcast.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.debounced = append(p.debounced, msg)
}

type fakeSigner struct{}

func (fakeSigner) SignStreamables(streamables ...any) (domain.ChannelName, string, error) {
	channel := stream.Name(streamables...)
	if channel == "" {
		return "", "", domain.ErrMissingToken
	}
	return channel, "signed:" + string(channel), nil
}

type serverOption func(*Server)

func withHealthChecks(checks ...HealthCheck) serverOption {
	return func(s *Server) { s.healthChecks = checks }
}

func newTestServer(t *testing.T, pub *fakePublisher, opts ...serverOption) *Server {
	t.Helper()
	if pub == nil {
		pub = &fakePublisher{}
	}
	cfg := &config.Config{Port: "0", APIKey: testAPIKey}
	cable := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	srv := NewServer(cfg, pub, fakeSigner{}, cable, nil, nil, nil)
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

func doJSON(srv *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_CableRouteMounted(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(srv, http.MethodGet, "/cable", "", nil)

	assert.Equal(t, http.StatusTeapot, rec.Code)
}
