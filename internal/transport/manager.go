// Package transport owns one long-lived delivery stream per client, with
// heartbeats and failure-driven cleanup.
package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/livegate/livegate/pkg/model"
)

// OverflowPolicy decides what happens when a connection's send buffer is
// full because the consumer is slow.
type OverflowPolicy string

const (
	// OverflowDisconnect tears the connection down. Default: a consumer
	// that cannot keep up is indistinguishable from a dead one.
	OverflowDisconnect OverflowPolicy = "disconnect"
	// OverflowDropOldest evicts the oldest buffered message to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
)

// Config configures the transport manager.
type Config struct {
	// HeartbeatInterval is the fixed keepalive period, independent of
	// traffic. Detects half-open connections and defeats intermediary idle
	// timeouts.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// SendBufferSize bounds each connection's outbound buffer.
	SendBufferSize int `yaml:"send_buffer_size"`

	// Overflow is the buffer-overflow policy.
	Overflow OverflowPolicy `yaml:"overflow"`
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 25 * time.Second,
		SendBufferSize:    256,
		Overflow:          OverflowDisconnect,
	}
}

// ApplyDefaults fills in zero values with defaults.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if c.SendBufferSize == 0 {
		c.SendBufferSize = defaults.SendBufferSize
	}
	if c.Overflow == "" {
		c.Overflow = defaults.Overflow
	}
}

// SubscriptionCascader is the registry hook invoked when a connection
// closes: all of the client's subscriptions are removed.
type SubscriptionCascader interface {
	UnsubscribeClient(clientID string) int
	Touch(clientID string)
}

// Manager owns all client connections.
type Manager struct {
	cfg      Config
	registry SubscriptionCascader

	mu    sync.RWMutex
	conns map[string]*Connection

	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewManager creates a transport manager. The cascader is mandatory: every
// disconnect path, explicit or implicit, cascades into it exactly once.
func NewManager(cfg Config, registry SubscriptionCascader, logger *slog.Logger) *Manager {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		registry: registry,
		conns:    make(map[string]*Connection),
		logger:   logger.With("component", "transport"),
	}
}

// CreateConnection registers a delivery stream for the client, sends the
// initial connected handshake and starts the heartbeat. An existing
// connection for the same client is closed first (reconnect).
func (m *Manager) CreateConnection(clientID string, stream StreamConn) (*Connection, error) {
	if clientID == "" || stream == nil {
		return nil, model.ErrConnectionClosed
	}

	if old := m.get(clientID); old != nil {
		m.logger.Info("Replacing existing connection", "clientID", clientID)
		m.closeConnection(old, "replaced")
	}

	conn := &Connection{
		clientID:   clientID,
		stream:     stream,
		send:       make(chan Message, m.cfg.SendBufferSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	conn.state.Store(int32(StateConnecting))

	m.mu.Lock()
	m.conns[clientID] = conn
	m.mu.Unlock()

	// Handshake goes through the same buffered path as everything else so
	// the writer goroutine remains the only stream writer.
	conn.send <- NewConnectedMessage(clientID)

	if !conn.transition(StateConnecting, StateOpen) {
		// A concurrent close won the race before the connection opened.
		return nil, model.ErrConnectionClosed
	}

	m.wg.Add(2)
	go m.writeLoop(conn)
	go m.heartbeatLoop(conn)

	m.logger.Debug("Connection created", "clientID", clientID)
	return conn, nil
}

// Send enqueues a message for the client, best-effort. A missing
// connection or a closed one is silent non-delivery; a full buffer invokes
// the overflow policy. Never returns an error into the fan-out loop.
func (m *Manager) Send(clientID string, msg Message) bool {
	conn := m.get(clientID)
	if conn == nil || conn.State() != StateOpen {
		return false
	}

	select {
	case conn.send <- msg:
		return true
	case <-conn.done:
		return false
	default:
	}

	// Buffer full: slow consumer.
	switch m.cfg.Overflow {
	case OverflowDropOldest:
		select {
		case <-conn.send:
		default:
		}
		select {
		case conn.send <- msg:
			return true
		case <-conn.done:
			return false
		default:
			return false
		}
	default:
		m.logger.Warn("Send buffer overflow, disconnecting slow consumer", "clientID", clientID)
		m.closeConnection(conn, "buffer overflow")
		return false
	}
}

// CloseConnection explicitly terminates the client's stream, sharing the
// cleanup path with implicit disconnects.
func (m *Manager) CloseConnection(clientID string) {
	if conn := m.get(clientID); conn != nil {
		m.closeConnection(conn, "closed by caller")
	}
}

// ConnectionCount returns the number of registered connections.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Get returns the client's connection, if any.
func (m *Manager) Get(clientID string) (*Connection, bool) {
	conn := m.get(clientID)
	return conn, conn != nil
}

// Stop closes every connection and waits for their goroutines.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		m.closeConnection(conn, "shutdown")
	}

	doneCh := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) get(clientID string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[clientID]
}

// writeLoop is the single writer for one connection. Any write failure is
// an implicit disconnect.
func (m *Manager) writeLoop(conn *Connection) {
	defer m.wg.Done()
	defer close(conn.writerDone)
	for {
		select {
		case msg := <-conn.send:
			if err := conn.stream.WriteMessage(msg); err != nil {
				m.logger.Debug("Stream write failed, disconnecting",
					"clientID", conn.clientID, "error", err)
				m.closeConnection(conn, "write failure")
				return
			}
		case <-conn.done:
			return
		}
	}
}

// heartbeatLoop sends keepalives at a fixed interval while the connection
// is open, and records client activity so the registry's cleanup sweep
// spares live clients.
func (m *Manager) heartbeatLoop(conn *Connection) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if conn.State() != StateOpen {
				return
			}
			conn.lastHeartbeat.Store(time.Now().UnixNano())
			m.registry.Touch(conn.clientID)
			select {
			case conn.send <- NewHeartbeatMessage():
			case <-conn.done:
				return
			default:
				// Buffer full of undelivered events; the write loop or the
				// overflow policy will resolve it. Skipping one heartbeat
				// is harmless.
			}
		case <-conn.done:
			return
		}
	}
}

// closeConnection is the single cleanup path. The Closing transition is an
// atomic CAS, so a heartbeat write failure racing a client-initiated close
// runs the cascade exactly once.
func (m *Manager) closeConnection(conn *Connection, reason string) {
	if !conn.transition(StateOpen, StateClosing) &&
		!conn.transition(StateConnecting, StateClosing) {
		return // already closing or closed
	}

	close(conn.done)
	_ = conn.stream.Close()

	m.mu.Lock()
	if m.conns[conn.clientID] == conn {
		delete(m.conns, conn.clientID)
	}
	m.mu.Unlock()

	removed := m.registry.UnsubscribeClient(conn.clientID)
	conn.transition(StateClosing, StateClosed)

	m.logger.Info("Connection closed",
		"clientID", conn.clientID, "reason", reason, "subscriptionsRemoved", removed)
}
