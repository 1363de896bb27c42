// Package transport owns the push channel: a single persistent duplex
// connection per identity, its lifecycle, and its reconnection policy.
package transport

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"heartline/internal/domain"
	"heartline/internal/metrics"
	"heartline/internal/wire"
)

const defaultReconnectDelay = 3 * time.Second

// Config configures the connection manager.
type Config struct {
	URL            string // push endpoint, e.g. ws://127.0.0.1:8080/ws
	ReconnectDelay time.Duration
	Logger         *slog.Logger
}

// FrameHandler receives every well-formed, known inbound frame.
type FrameHandler func(wire.Frame)

// Manager drives the push-channel state machine:
//
//	Disconnected --Connect--> Connecting --open--> Connected
//	Connected/Connecting --close/error--> Disconnected --timer--> Connecting
//
// At most one connection is live and at most one reconnection timer is
// pending at any time. Transport errors are logged and swallowed here;
// callers observe only state transitions and inbound frames.
type Manager struct {
	url    string
	delay  time.Duration
	logger *slog.Logger
	dialer *websocket.Dialer

	mu       sync.Mutex
	wmu      sync.Mutex
	state    domain.ConnState
	identity string
	conn     *websocket.Conn
	retry    *time.Timer
	gen      uint64

	handler FrameHandler
	stateFn func(domain.ConnState)
}

// New creates a Manager. Register handlers before calling Connect.
func New(cfg Config) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		url:    cfg.URL,
		delay:  cfg.ReconnectDelay,
		logger: cfg.Logger,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:  domain.StateDisconnected,
	}
}

// OnFrame registers the handler for decoded inbound frames.
func (m *Manager) OnFrame(h FrameHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// OnStateChange registers a callback invoked on every state transition.
func (m *Manager) OnStateChange(fn func(domain.ConnState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateFn = fn
}

// Status returns the current connection state.
func (m *Manager) Status() domain.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect establishes the push channel for the given identity. It is a
// no-op when identityID is empty, or when the same identity is already
// connected or connecting. A different identity forces teardown of the
// prior connection first; any pending reconnection timer is cancelled.
func (m *Manager) Connect(identityID string) {
	if identityID == "" {
		return
	}

	m.mu.Lock()
	if m.identity == identityID && (m.state == domain.StateConnected || m.state == domain.StateConnecting) {
		m.mu.Unlock()
		return
	}
	m.cancelRetryLocked()
	old := m.conn
	m.conn = nil
	m.identity = identityID
	m.gen++
	gen := m.gen
	m.state = domain.StateConnecting
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	m.notify(domain.StateConnecting)
	go m.dial(gen)
}

// Disconnect tears the channel down terminally: the live connection is
// closed, any pending reconnection timer is cancelled, and no further
// automatic reconnect happens until the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.cancelRetryLocked()
	conn := m.conn
	m.conn = nil
	m.identity = ""
	changed := m.state != domain.StateDisconnected
	if conn != nil {
		m.state = domain.StateClosing
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	m.mu.Lock()
	m.state = domain.StateDisconnected
	m.mu.Unlock()

	if changed {
		m.logger.Info("push channel disconnected")
		m.notify(domain.StateDisconnected)
	}
}

// Send encodes and writes one outbound frame. Best effort: a send on a
// down channel returns an error, but delivery reliability is the
// reliable channel's job, not this one's.
func (m *Manager) Send(f wire.Frame) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("push channel not connected")
	}

	data, err := wire.Encode(f)
	if err != nil {
		return err
	}

	m.wmu.Lock()
	defer m.wmu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (m *Manager) dial(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != domain.StateConnecting {
		m.mu.Unlock()
		return
	}
	target := m.endpointLocked()
	m.mu.Unlock()

	conn, resp, err := m.dialer.Dial(target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.logger.Warn("push channel dial failed", "url", target, "err", err)
		m.state = domain.StateDisconnected
		m.scheduleReconnectLocked(gen)
		m.mu.Unlock()
		m.notify(domain.StateDisconnected)
		return
	}
	m.conn = conn
	m.state = domain.StateConnected
	identity := m.identity
	m.mu.Unlock()

	m.logger.Info("push channel connected", "identity", identity)
	m.notify(domain.StateConnected)
	go m.readLoop(gen, conn)
}

func (m *Manager) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			if gen != m.gen {
				// Deliberate teardown, not a transport failure.
				m.mu.Unlock()
				return
			}
			m.logger.Warn("push channel closed", "err", err)
			m.conn = nil
			m.state = domain.StateDisconnected
			m.scheduleReconnectLocked(gen)
			m.mu.Unlock()
			m.notify(domain.StateDisconnected)
			return
		}

		frame, derr := wire.Decode(data)
		if derr != nil {
			metrics.FramesDropped.Inc()
			m.logger.Debug("discarded malformed frame", "err", derr)
			continue
		}
		if !wire.Known(frame.Type) {
			metrics.FramesDropped.Inc()
			m.logger.Debug("discarded unknown frame type", "type", frame.Type)
			continue
		}
		metrics.FramesDecoded.Inc()

		m.mu.Lock()
		h := m.handler
		m.mu.Unlock()
		if h != nil {
			h(frame)
		}
	}
}

// scheduleReconnectLocked arms the single reconnection timer. The timer
// is the only path back to Connecting after a failure; it never stacks.
func (m *Manager) scheduleReconnectLocked(gen uint64) {
	if m.retry != nil || m.identity == "" {
		return
	}
	m.logger.Info("reconnect scheduled", "delay", m.delay)
	m.retry = time.AfterFunc(m.delay, func() {
		m.mu.Lock()
		m.retry = nil
		if gen != m.gen || m.identity == "" || m.state != domain.StateDisconnected {
			m.mu.Unlock()
			return
		}
		m.state = domain.StateConnecting
		m.mu.Unlock()

		metrics.Reconnects.Inc()
		m.notify(domain.StateConnecting)
		m.dial(gen)
	})
}

func (m *Manager) cancelRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) endpointLocked() string {
	u, err := url.Parse(m.url)
	if err != nil {
		return m.url
	}
	q := u.Query()
	q.Set("user", m.identity)
	u.RawQuery = q.Encode()
	return u.String()
}

func (m *Manager) notify(s domain.ConnState) {
	m.mu.Lock()
	fn := m.stateFn
	m.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}
