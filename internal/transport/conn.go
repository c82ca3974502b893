package transport

import (
	"sync/atomic"
	"time"
)

// StreamConn is the write primitive a caller supplies for one client's
// long-lived delivery stream. The websocket gateway and the SSE handler
// both adapt their sockets to this interface; tests supply in-memory fakes.
type StreamConn interface {
	// WriteMessage pushes one message to the peer. A returned error means
	// the stream is unusable and triggers disconnect cleanup.
	WriteMessage(msg Message) error

	// Close releases the underlying stream. Must be safe to call more than
	// once.
	Close() error
}

// State is the lifecycle state of a connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one client's registered delivery stream plus its bounded
// send buffer.
type Connection struct {
	clientID string
	stream   StreamConn

	// send is the bounded per-connection buffer decoupling CPU-bound
	// fan-out from I/O-bound writes.
	send chan Message

	// done is closed exactly once when the connection begins closing.
	done chan struct{}

	// writerDone is closed when the write loop has returned and the
	// stream will never be written again.
	writerDone chan struct{}

	state         atomic.Int32
	lastHeartbeat atomic.Int64
}

// ClientID returns the owning client's ID.
func (c *Connection) ClientID() string {
	return c.clientID
}

// WriterDone is closed once the connection's write loop has exited.
// Handlers whose stream must not outlive them (the SSE response writer)
// block on it before returning.
func (c *Connection) WriterDone() <-chan struct{} {
	return c.writerDone
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// LastHeartbeat returns the time of the last heartbeat write.
func (c *Connection) LastHeartbeat() time.Time {
	n := c.lastHeartbeat.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// transition moves the connection from one state to another atomically.
// Returns false if the connection was not in the expected state, which is
// how a racing heartbeat failure and client close resolve to one winner.
func (c *Connection) transition(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}
