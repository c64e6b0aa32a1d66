package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pscheid92/streamcast/internal/adapter/metrics"
	"github.com/pscheid92/streamcast/internal/domain"
	"golang.org/x/time/rate"
)

const (
	// a subscribe with the longest accepted token plus the command envelope fits in one read
	maxMessageSize = 64 << 10
	maxTokenLength = 32 << 10

	// subscribe commands per second per connection, with a burst for page loads
	subscribeRate  = 10
	subscribeBurst = 20

	DefaultHeartbeat = 3 * time.Second
)

// Rejection reasons sent in reject_subscription frames.
const (
	ReasonMissingToken = "missing_token"
	ReasonInvalidToken = "invalid_token"
	ReasonTokenTooLong = "token_too_long"
	ReasonRateLimited  = "rate_limited"
	ReasonUnknown      = "unknown_command"
)

// SubscribeState is the state of one subscription attempt.
type SubscribeState int

const (
	StateReceived SubscribeState = iota
	StateVerifying
	StateAttached
	StateRejected
)

func (s SubscribeState) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateVerifying:
		return "verifying"
	case StateAttached:
		return "attached"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// TokenVerifier turns a signed stream token back into its channel name.
type TokenVerifier interface {
	Verify(token string) (domain.ChannelName, error)
}

// Handler upgrades HTTP requests and serves the subscribe/unsubscribe protocol.
type Handler struct {
	hub        *Hub
	verifier   TokenVerifier
	authorizer Authorizer
	metrics    *metrics.WebSocketMetrics
	limits     *ConnectionLimits
	upgrader   websocket.Upgrader
}

func NewHandler(hub *Hub, verifier TokenVerifier, authorizer Authorizer, m *metrics.WebSocketMetrics, checkOrigin func(*http.Request) bool) *Handler {
	return &Handler{
		hub:        hub,
		verifier:   verifier,
		authorizer: authorizer,
		metrics:    m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// WithLimits enables per-IP connection limits.
func (h *Handler) WithLimits(limits *ConnectionLimits) *Handler {
	h.limits = limits
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.limits != nil {
		ip := remoteIP(r)
		if ok, reason := h.limits.Acquire(ip); !ok {
			h.metrics.ConnectionsRefused.WithLabelValues(string(reason)).Inc()
			slog.WarnContext(r.Context(), "Connection refused", "remote_ip", ip, "reason", reason)
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
		defer h.limits.Release(ip)
	}

	identity, err := h.authorizer.Authorize(r)
	if err != nil {
		slog.WarnContext(r.Context(), "Connection refused by authorizer", "remote_addr", r.RemoteAddr, "error", err)
		h.metrics.ConnectionsRefused.WithLabelValues("unauthorized").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response
		slog.DebugContext(r.Context(), "WebSocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	s, err := h.hub.register(conn, identity)
	if err != nil {
		slog.WarnContext(r.Context(), "Connection not registered", "error", err)
		return
	}
	defer h.hub.unregister(s)

	s.writer.enqueue(encodeFrame(domain.Frame{Type: domain.FrameWelcome, Identity: identity}))
	h.readLoop(s, conn)
}

func (h *Handler) readLoop(s *session, conn *websocket.Conn) {
	limiter := rate.NewLimiter(rate.Limit(subscribeRate), subscribeBurst)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("WebSocket read failed", "connection_id", s.id, "error", err)
			}
			return
		}
		s.writer.updateReadDeadline()
		s.writer.recordActivity()

		var cmd domain.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			slog.Debug("Ignoring malformed command", "connection_id", s.id, "error", err)
			continue
		}

		switch cmd.Command {
		case domain.CommandSubscribe:
			if !limiter.Allow() {
				h.reject(s, cmd.Token, ReasonRateLimited)
				continue
			}
			h.attach(s, cmd.Token)
		case domain.CommandUnsubscribe:
			h.hub.unsubscribe(s, cmd.Token)
		default:
			h.reject(s, cmd.Token, ReasonUnknown)
		}
	}
}

// attach runs one subscription attempt to a terminal state. There is no retry here;
// a rejected client has to come back with a fresh token.
func (h *Handler) attach(s *session, token string) SubscribeState {
	state := StateReceived
	if token == "" {
		slog.Debug("Subscription rejected", "connection_id", s.id, "state", state, "reason", ReasonMissingToken)
		h.reject(s, token, ReasonMissingToken)
		return StateRejected
	}
	if len(token) > maxTokenLength {
		slog.Debug("Subscription rejected", "connection_id", s.id, "state", state, "reason", ReasonTokenTooLong, "length", len(token))
		h.reject(s, token, ReasonTokenTooLong)
		return StateRejected
	}

	state = StateVerifying
	channel, err := h.verifier.Verify(token)
	if err != nil {
		reason := ReasonInvalidToken
		if errors.Is(err, domain.ErrMissingToken) {
			reason = ReasonMissingToken
		}
		slog.Debug("Subscription rejected", "connection_id", s.id, "state", state, "reason", reason, "error", err)
		h.reject(s, token, reason)
		return StateRejected
	}

	h.hub.subscribe(s, channel, token)
	return StateAttached
}

func (h *Handler) reject(s *session, token, reason string) {
	outcome := metrics.SubscriptionRejected
	if reason == ReasonRateLimited {
		outcome = metrics.SubscriptionLimited
	}
	h.metrics.Subscriptions.WithLabelValues(outcome).Inc()
	s.writer.enqueue(encodeFrame(domain.Frame{Type: domain.FrameReject, Token: token, Reason: reason}))
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
