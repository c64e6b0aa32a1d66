package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/streamcast/internal/domain"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second

	// consecutive dial failures before further dials fail fast for breakerTimeout
	breakerTrips   = 5
	breakerTimeout = 30 * time.Second

	dialKey = "dial"
)

var ErrClosed = errors.New("client connection closed")

// MessageHandler receives every envelope delivered on a subscription.
type MessageHandler func(domain.Envelope)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	token     string
	onMessage MessageHandler
}

// Token returns the signed stream token the subscription was made with.
func (s *Subscription) Token() string { return s.token }

// Options configures a Manager.
type Options struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
	Clock  clockwork.Clock
	// OnReject is called when the server refuses a subscription.
	OnReject func(token, reason string)
}

// Manager multiplexes subscriptions over a single lazily dialled connection.
type Manager struct {
	url      string
	header   http.Header
	dialer   *websocket.Dialer
	clock    clockwork.Clock
	onReject func(token, reason string)
	breaker  *gobreaker.CircuitBreaker
	dials    singleflight.Group

	// mu guards the fields below and is held across every command write, so the order of
	// subscribe and unsubscribe on the wire always matches the order of changes to subs.
	mu       sync.Mutex
	conn     *websocket.Conn
	subs     map[string]*Subscription
	identity string
	// pending holds, per token, the handles whose subscribe still awaits a reply on conn.
	pending map[string][]*Subscription
	// generation is bumped by Disconnect so a dial already in flight does not revive the connection.
	generation uint64

	lastActivity atomic.Int64
}

func NewManager(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	m := &Manager{
		url:      opts.URL,
		header:   opts.Header,
		dialer:   opts.Dialer,
		clock:    opts.Clock,
		onReject: opts.OnReject,
		subs:     make(map[string]*Subscription),
		pending:  make(map[string][]*Subscription),
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "dial",
		Timeout: breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTrips
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Dial circuit breaker state changed", "url", m.url, "from", from.String(), "to", to.String())
		},
	})
	m.touch()
	return m
}

// Subscribe registers onMessage for token and makes sure the connection is up.
// Subscribing again with the same token replaces the previous callback. When the
// connection cannot be established the subscription stays registered and the next
// successful Reconnect restores it.
func (m *Manager) Subscribe(ctx context.Context, token string, onMessage MessageHandler) (*Subscription, error) {
	if token == "" {
		return nil, domain.ErrMissingToken
	}

	sub := &Subscription{token: token, onMessage: onMessage}
	m.mu.Lock()
	m.subs[token] = sub
	if m.conn != nil {
		err := m.subscribeLocked(m.conn, sub)
		m.mu.Unlock()
		return sub, err
	}
	m.mu.Unlock()

	// the dial subscribes every registered token, this one included
	if _, err := m.connect(ctx); err != nil {
		return sub, err
	}
	return sub, nil
}

// Unsubscribe stops dispatch to sub. A handle that was already replaced is ignored.
func (m *Manager) Unsubscribe(sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.subs[sub.token]
	if !ok || current != sub {
		return nil
	}
	delete(m.subs, sub.token)

	if m.conn == nil {
		return nil
	}
	return m.send(m.conn, domain.Command{Command: domain.CommandUnsubscribe, Token: sub.token})
}

// Disconnect drops every subscription and closes the connection. The next Subscribe dials again.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.generation++
	clear(m.subs)
	clear(m.pending)
	m.mu.Unlock()

	m.dials.Forget(dialKey)
	if conn != nil {
		_ = conn.Close()
	}
}

// Reconnect replaces the connection and restores every subscription on the new one.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	_, err := m.connect(ctx)
	return err
}

// LastActivity is the time the last frame of any kind arrived.
func (m *Manager) LastActivity() time.Time {
	return time.Unix(0, m.lastActivity.Load())
}

// Identity is the opaque identity the server assigned in its welcome frame.
func (m *Manager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Connected reports whether a connection is currently open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

func (m *Manager) connect(ctx context.Context) (*websocket.Conn, error) {
	v, err, _ := m.dials.Do(dialKey, func() (any, error) {
		m.mu.Lock()
		if m.conn != nil {
			conn := m.conn
			m.mu.Unlock()
			return conn, nil
		}
		generation := m.generation
		m.mu.Unlock()

		conn, err := m.dial(ctx)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.generation != generation {
			_ = conn.Close()
			return nil, ErrClosed
		}

		m.conn = conn
		clear(m.pending)
		m.touch()
		go m.readLoop(conn)

		for _, sub := range m.subs {
			if err := m.subscribeLocked(conn, sub); err != nil {
				return nil, err
			}
		}
		slog.Info("Connected", "url", m.url, "subscriptions", len(m.subs))
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*websocket.Conn), nil
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	v, err := m.breaker.Execute(func() (any, error) {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()

		conn, _, err := m.dialer.DialContext(dialCtx, m.url, m.header)
		return conn, err
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", m.url, err)
	}
	return v.(*websocket.Conn), nil
}

// subscribeLocked sends a subscribe for sub and remembers it as awaiting a reply.
// m.mu must be held.
func (m *Manager) subscribeLocked(conn *websocket.Conn, sub *Subscription) error {
	if err := m.send(conn, domain.Command{Command: domain.CommandSubscribe, Token: sub.token}); err != nil {
		return err
	}
	m.pending[sub.token] = append(m.pending[sub.token], sub)
	return nil
}

// send writes one command. m.mu must be held, which also makes it the only writer.
func (m *Manager) send(conn *websocket.Conn, cmd domain.Command) error {
	_ = conn.SetWriteDeadline(m.clock.Now().Add(writeTimeout))
	if err := conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Command, err)
	}
	return nil
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	defer m.dropConn(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			slog.Debug("Connection read ended", "error", err)
			return
		}
		m.touch()
		m.dispatch(conn, data)
	}
}

func (m *Manager) dispatch(conn *websocket.Conn, data []byte) {
	var frame domain.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		slog.Warn("Dropping malformed frame", "error", fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err))
		return
	}

	switch frame.Type {
	case domain.FrameMessage:
		env, err := domain.ParseEnvelope(frame.Message)
		if err != nil {
			slog.Warn("Dropping malformed message", "error", err)
			return
		}
		m.mu.Lock()
		sub := m.subs[frame.Token]
		m.mu.Unlock()
		if sub != nil && sub.onMessage != nil {
			sub.onMessage(env)
		}
	case domain.FrameReject:
		slog.Warn("Subscription rejected", "reason", frame.Reason)
		m.mu.Lock()
		// only the attempt this reply answers is dropped; a newer Subscribe for the
		// same token is still in flight and gets its own reply
		if sub := m.settleLocked(conn, frame.Token); sub != nil && m.subs[frame.Token] == sub {
			delete(m.subs, frame.Token)
		}
		m.mu.Unlock()
		if m.onReject != nil {
			m.onReject(frame.Token, frame.Reason)
		}
	case domain.FrameConfirm:
		m.mu.Lock()
		m.settleLocked(conn, frame.Token)
		m.mu.Unlock()
	case domain.FrameWelcome:
		m.mu.Lock()
		m.identity = frame.Identity
		m.mu.Unlock()
	case domain.FramePing:
	default:
		slog.Debug("Ignoring unknown frame", "type", frame.Type)
	}
}

// settleLocked pops the oldest handle awaiting a reply for token on conn. The server
// answers subscribes in order, so that is the one the reply belongs to. Replies from
// a connection that was already replaced settle nothing. m.mu must be held.
func (m *Manager) settleLocked(conn *websocket.Conn, token string) *Subscription {
	if conn != m.conn {
		return nil
	}
	queue := m.pending[token]
	if len(queue) == 0 {
		return nil
	}
	sub := queue[0]
	if len(queue) == 1 {
		delete(m.pending, token)
	} else {
		m.pending[token] = queue[1:]
	}
	return sub
}

// dropConn forgets conn if it is still the current connection. Subscriptions stay
// registered so a reconnect restores them.
func (m *Manager) dropConn(conn *websocket.Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	_ = conn.Close()
}

func (m *Manager) touch() {
	m.lastActivity.Store(m.clock.Now().UnixNano())
}
