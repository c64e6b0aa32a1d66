package gateway

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/streamcast/internal/adapter/metrics"
	"github.com/pscheid92/streamcast/internal/domain"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	idleTimeout       = 5 * time.Minute
	messageBufferSize = 64
)

type clientWriter struct {
	connection    *websocket.Conn
	clock         clockwork.Clock
	metrics       *metrics.WebSocketMetrics
	heartbeat     time.Duration
	sendChannel   chan []byte
	doneChannel   chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	lastActivity  time.Time
	activityMutex sync.Mutex
}

func newClientWriter(connection *websocket.Conn, clock clockwork.Clock, m *metrics.WebSocketMetrics, heartbeat time.Duration) *clientWriter {
	cw := &clientWriter{
		connection:   connection,
		clock:        clock,
		metrics:      m,
		heartbeat:    heartbeat,
		sendChannel:  make(chan []byte, messageBufferSize),
		doneChannel:  make(chan struct{}),
		lastActivity: clock.Now(),
	}
	cw.configurePongHandler()
	cw.wg.Add(1)
	go cw.run()
	return cw
}

// enqueue hands a frame to the writer without blocking. It reports false when the
// buffer is full or the writer has stopped.
func (cw *clientWriter) enqueue(data []byte) bool {
	select {
	case <-cw.doneChannel:
		return false
	default:
	}
	select {
	case cw.sendChannel <- data:
		return true
	default:
		return false
	}
}

func (cw *clientWriter) run() {
	pings := cw.clock.NewTicker(pingInterval)
	defer pings.Stop()
	heartbeats := cw.clock.NewTicker(cw.heartbeat)
	defer heartbeats.Stop()
	defer cw.wg.Done()

	for {
		select {
		case msg := <-cw.sendChannel:
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-heartbeats.Chan():
			// application-level ping so clients can track liveness from data frames alone
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.TextMessage, cw.heartbeatFrame()); err != nil {
				cw.metrics.PingFailures.Inc()
				return
			}
		case <-pings.Chan():
			if cw.idle() {
				return
			}
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				cw.metrics.PingFailures.Inc()
				return
			}
		case <-cw.doneChannel:
			return
		}
	}
}

func (cw *clientWriter) heartbeatFrame() []byte {
	data, _ := json.Marshal(domain.Frame{
		Type:    domain.FramePing,
		Message: json.RawMessage(strconv.FormatInt(cw.clock.Now().Unix(), 10)),
	})
	return data
}

func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

// stopGraceful sends a close frame with reason before closing.
func (cw *clientWriter) stopGraceful(reason string) {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)

		// the run goroutine must be gone before we write, gorilla allows one writer
		cw.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		cw.updateWriteDeadline()
		_ = cw.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = cw.connection.Close()
	})
}

func (cw *clientWriter) configurePongHandler() {
	cw.updateReadDeadline()
	cw.connection.SetPongHandler(func(string) error {
		cw.updateReadDeadline()
		cw.recordActivity()
		return nil
	})
}

func (cw *clientWriter) updateWriteDeadline() {
	_ = cw.connection.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
}

func (cw *clientWriter) updateReadDeadline() {
	_ = cw.connection.SetReadDeadline(cw.clock.Now().Add(pongDeadline))
}

// recordActivity is called for pongs and for every inbound command.
func (cw *clientWriter) recordActivity() {
	cw.activityMutex.Lock()
	defer cw.activityMutex.Unlock()
	cw.lastActivity = cw.clock.Now()
}

func (cw *clientWriter) idle() bool {
	cw.activityMutex.Lock()
	defer cw.activityMutex.Unlock()
	return cw.clock.Since(cw.lastActivity) >= idleTimeout
}
