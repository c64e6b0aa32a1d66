package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/streamcast/internal/adapter/metrics"
	"github.com/pscheid92/streamcast/internal/domain"
)

const (
	commandTimeout    = 5 * time.Second
	stopTimeout       = 10 * time.Second
	commandBufferSize = 256
)

var (
	ErrHubFull    = errors.New("connection limit reached")
	ErrHubStopped = errors.New("hub stopped")
)

// session is one upgraded connection. subs maps token to channel and is only touched by
// the hub goroutine.
type session struct {
	id       uuid.UUID
	identity string
	writer   *clientWriter
	subs     map[string]domain.ChannelName
}

type subscriber struct {
	session *session
	token   string
}

type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type registerCmd struct {
	baseHubCmd
	session *session
	errCh   chan error
}

type unregisterCmd struct {
	baseHubCmd
	session *session
}

type subscribeCmd struct {
	baseHubCmd
	session *session
	channel domain.ChannelName
	token   string
	done    chan struct{}
}

type unsubscribeCmd struct {
	baseHubCmd
	session *session
	token   string
	done    chan struct{}
}

type deliverCmd struct {
	baseHubCmd
	channel domain.ChannelName
	data    []byte
}

// countCmd counts the subscriptions of channel, or every session when all is set.
type countCmd struct {
	baseHubCmd
	channel domain.ChannelName
	all     bool
	reply   chan int
}

type stopCmd struct {
	baseHubCmd
}

// Hub keeps track of which connection is attached to which channel and fans published
// messages out to them. It implements domain.Transport for single-instance deployments.
type Hub struct {
	cmdCh          chan hubCmd
	clock          clockwork.Clock
	metrics        *metrics.WebSocketMetrics
	sessions       map[*session]struct{}
	channels       map[domain.ChannelName]map[subscriber]struct{}
	maxConnections int
	heartbeat      time.Duration
	done           chan struct{}
}

// NewHub starts the hub goroutine. maxConnections <= 0 means unlimited. heartbeat is the
// interval of application-level ping frames.
func NewHub(clock clockwork.Clock, m *metrics.WebSocketMetrics, maxConnections int, heartbeat time.Duration) *Hub {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	h := &Hub{
		cmdCh:          make(chan hubCmd, commandBufferSize),
		clock:          clock,
		metrics:        m,
		sessions:       make(map[*session]struct{}),
		channels:       make(map[domain.ChannelName]map[subscriber]struct{}),
		maxConnections: maxConnections,
		heartbeat:      heartbeat,
		done:           make(chan struct{}),
	}
	go h.run()
	return h
}

// register starts the writer for conn and adds it to the hub. On failure the
// connection is closed.
func (h *Hub) register(conn *websocket.Conn, identity string) (*session, error) {
	s := &session{
		id:       uuid.New(),
		identity: identity,
		writer:   newClientWriter(conn, h.clock, h.metrics, h.heartbeat),
		subs:     make(map[string]domain.ChannelName),
	}
	errCh := make(chan error, 1)
	if !h.send(registerCmd{session: s, errCh: errCh}) {
		s.writer.stop()
		return nil, ErrHubStopped
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		if err != nil {
			s.writer.stop()
			return nil, err
		}
		return s, nil
	case <-timer.Chan():
		s.writer.stop()
		return nil, fmt.Errorf("register command timed out after %v", commandTimeout)
	}
}

func (h *Hub) unregister(s *session) {
	h.send(unregisterCmd{session: s})
}

// subscribe attaches the session to channel. The confirmation frame is queued by the hub
// goroutine before the subscription becomes visible, so it always precedes the first message.
func (h *Hub) subscribe(s *session, channel domain.ChannelName, token string) {
	done := make(chan struct{})
	if h.send(subscribeCmd{session: s, channel: channel, token: token, done: done}) {
		h.await(done)
	}
}

func (h *Hub) unsubscribe(s *session, token string) {
	done := make(chan struct{})
	if h.send(unsubscribeCmd{session: s, token: token, done: done}) {
		h.await(done)
	}
}

// Deliver fans data out to every connection attached to channel.
func (h *Hub) Deliver(channel domain.ChannelName, data []byte) {
	h.send(deliverCmd{channel: channel, data: data})
}

// Publish implements domain.Transport by delivering to local connections only.
func (h *Hub) Publish(ctx context.Context, channel domain.ChannelName, data []byte) error {
	select {
	case h.cmdCh <- deliverCmd{channel: channel, data: data}:
		return nil
	case <-h.done:
		return &domain.PublishError{Channel: channel, Err: ErrHubStopped}
	case <-ctx.Done():
		return &domain.PublishError{Channel: channel, Err: ctx.Err()}
	}
}

// Subscribers returns the number of subscriptions attached to channel, or -1 on timeout.
func (h *Hub) Subscribers(channel domain.ChannelName) int {
	return h.count(countCmd{channel: channel})
}

// Connections returns the number of registered connections, or -1 on timeout.
func (h *Hub) Connections() int {
	return h.count(countCmd{all: true})
}

func (h *Hub) count(cmd countCmd) int {
	reply := make(chan int, 1)
	cmd.reply = reply
	if !h.send(cmd) {
		return -1
	}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case n := <-reply:
		return n
	case <-timer.Chan():
		slog.Warn("Hub count timed out", "timeout", commandTimeout)
		return -1
	}
}

// Stop closes every connection and waits for the hub goroutine to exit.
func (h *Hub) Stop() {
	if !h.send(stopCmd{}) {
		return
	}

	timeout := h.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-h.done:
		slog.Info("Hub stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Hub stop timeout exceeded", "timeout", stopTimeout, "sessions", len(h.sessions))
	}
}

func (h *Hub) send(cmd hubCmd) bool {
	select {
	case h.cmdCh <- cmd:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) await(done chan struct{}) {
	select {
	case <-done:
	case <-h.done:
	}
}

func (h *Hub) run() {
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Hub panic recovered", "panic", r)
			h.closeAll("hub panic")
		}
	}()

	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case registerCmd:
			h.handleRegister(c)
		case unregisterCmd:
			h.handleUnregister(c.session)
		case subscribeCmd:
			h.handleSubscribe(c)
			close(c.done)
		case unsubscribeCmd:
			h.detach(c.session, c.token)
			close(c.done)
		case deliverCmd:
			h.handleDeliver(c)
		case countCmd:
			if c.all {
				c.reply <- len(h.sessions)
			} else {
				c.reply <- len(h.channels[c.channel])
			}
		case stopCmd:
			h.handleStop()
			return
		default:
			slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

func (h *Hub) handleRegister(c registerCmd) {
	if h.maxConnections > 0 && len(h.sessions) >= h.maxConnections {
		slog.Warn("Rejecting connection: limit reached", "max_connections", h.maxConnections)
		c.errCh <- ErrHubFull
		return
	}

	h.sessions[c.session] = struct{}{}
	h.metrics.ActiveConnections.Inc()
	slog.Debug("Connection registered", "connection_id", c.session.id, "total_connections", len(h.sessions))
	c.errCh <- nil
}

func (h *Hub) handleUnregister(s *session) {
	if _, ok := h.sessions[s]; !ok {
		return
	}
	for token := range s.subs {
		h.detach(s, token)
	}
	delete(h.sessions, s)
	h.metrics.ActiveConnections.Dec()
	s.writer.stop()
	slog.Debug("Connection unregistered", "connection_id", s.id, "remaining_connections", len(h.sessions))
}

func (h *Hub) handleSubscribe(c subscribeCmd) {
	s := c.session
	if _, ok := h.sessions[s]; !ok {
		return
	}

	// resubscribing with the same token replaces the existing subscription
	if _, ok := s.subs[c.token]; ok {
		h.detach(s, c.token)
	}

	if !s.writer.enqueue(encodeFrame(domain.Frame{Type: domain.FrameConfirm, Token: c.token})) {
		h.evict(s)
		return
	}

	subs, ok := h.channels[c.channel]
	if !ok {
		subs = make(map[subscriber]struct{})
		h.channels[c.channel] = subs
		h.metrics.ActiveChannels.Set(float64(len(h.channels)))
	}
	subs[subscriber{session: s, token: c.token}] = struct{}{}
	s.subs[c.token] = c.channel
	h.metrics.Subscriptions.WithLabelValues(metrics.SubscriptionAttached).Inc()
	slog.Debug("Subscription attached", "connection_id", s.id, "channel", c.channel)
}

func (h *Hub) detach(s *session, token string) {
	channel, ok := s.subs[token]
	if !ok {
		return
	}
	delete(s.subs, token)

	subs := h.channels[channel]
	delete(subs, subscriber{session: s, token: token})
	if len(subs) == 0 {
		delete(h.channels, channel)
		h.metrics.ActiveChannels.Set(float64(len(h.channels)))
	}
}

func (h *Hub) handleDeliver(c deliverCmd) {
	subs := h.channels[c.channel]
	if len(subs) == 0 {
		return
	}
	if !json.Valid(c.data) {
		slog.Error("Dropping non-JSON message", "channel", c.channel, "bytes", len(c.data))
		return
	}

	var slow []*session
	for sub := range subs {
		frame := encodeFrame(domain.Frame{Type: domain.FrameMessage, Token: sub.token, Message: json.RawMessage(c.data)})
		if sub.session.writer.enqueue(frame) {
			h.metrics.MessagesDelivered.Inc()
			continue
		}
		slow = append(slow, sub.session)
	}

	for _, s := range slow {
		h.evict(s)
	}
}

func (h *Hub) evict(s *session) {
	if _, ok := h.sessions[s]; !ok {
		return
	}
	slog.Warn("Disconnecting slow client", "connection_id", s.id)
	h.metrics.SlowClientsEvicted.Inc()
	h.handleUnregister(s)
}

func (h *Hub) handleStop() {
	slog.Info("Hub shutting down", "connections", len(h.sessions), "channels", len(h.channels))
	h.closeAll("server shutting down")
}

func (h *Hub) closeAll(reason string) {
	for s := range h.sessions {
		s.writer.stopGraceful(reason)
		delete(h.sessions, s)
	}
	clear(h.channels)
	h.metrics.ActiveConnections.Set(0)
	h.metrics.ActiveChannels.Set(0)
}

func encodeFrame(f domain.Frame) []byte {
	data, err := json.Marshal(f)
	if err != nil {
		slog.Error("Failed to encode frame", "type", f.Type, "error", err)
		return nil
	}
	return data
}
