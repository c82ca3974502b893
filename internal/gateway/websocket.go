package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/livegate/livegate/internal/transport"
	"github.com/livegate/livegate/pkg/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next message from the peer.
	readWait = 60 * time.Second

	// Maximum control message size allowed from peer. Generous enough
	// for JWT tokens in auth payloads.
	maxMessageSize = 64 * 1024
)

// wsStream adapts a websocket connection to transport.StreamConn. The
// write mutex also covers control messages written by the read side, so
// there is never more than one concurrent writer on the socket.
type wsStream struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsStream) WriteMessage(msg transport.Message) error {
	return s.writeJSON(msg)
}

func (s *wsStream) writeJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *wsStream) Close() error {
	s.mu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.mu.Unlock()
	return s.conn.Close()
}

// wsClient handles the control protocol for one websocket connection.
type wsClient struct {
	server   *Server
	clientID string
	conn     *websocket.Conn
	stream   *wsStream

	mu        sync.Mutex
	principal *model.Principal
}

// handleWebSocket upgrades the request and registers the connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return checkAllowedOrigin(r.Header.Get("Origin"), r.Host, s.cfg) == nil
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		server:   s,
		clientID: uuid.New().String(),
		conn:     conn,
		stream:   &wsStream{conn: conn},
	}

	if _, err := s.transport.CreateConnection(client.clientID, client.stream); err != nil {
		s.logger.Error("failed to register connection", "client_id", client.clientID, "error", err)
		conn.Close()
		return
	}

	s.logger.Info("websocket connected", "client_id", client.clientID)
	go client.readPump()
}

// readPump owns all reads on the connection. It exits on any read
// error, closing the connection and cascading subscription cleanup.
func (c *wsClient) readPump() {
	defer c.server.transport.CloseConnection(c.clientID)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
		c.server.registry.Touch(c.clientID)
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket closed unexpectedly", "client_id", c.clientID, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
		c.server.registry.Touch(c.clientID)

		var msg BaseMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.send(errorMessage("", "bad_message", "malformed message"))
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *wsClient) handleMessage(msg BaseMessage) {
	switch msg.Type {
	case TypeAuth:
		c.handleAuth(msg)
	case TypeSubscribe:
		c.handleSubscribe(msg)
	case TypeUnsubscribe:
		c.handleUnsubscribe(msg)
	default:
		c.send(errorMessage(msg.ID, "bad_message", "unknown message type: "+msg.Type))
	}
}

func (c *wsClient) handleAuth(msg BaseMessage) {
	var payload AuthPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.send(errorMessage(msg.ID, "invalid_auth", "invalid payload"))
		return
	}

	principal, err := c.server.auth.ValidateToken(payload.Token)
	if err != nil {
		c.send(errorMessage(msg.ID, "unauthorized", "invalid token"))
		return
	}

	c.mu.Lock()
	c.principal = principal
	c.mu.Unlock()

	c.send(BaseMessage{ID: msg.ID, Type: TypeAuthAck})
}

func (c *wsClient) handleSubscribe(msg BaseMessage) {
	auth := c.auth()
	if c.server.cfg.RequireAuth && auth == nil {
		c.send(errorMessage(msg.ID, "unauthorized", "auth required"))
		return
	}

	var payload SubscribePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.send(errorMessage(msg.ID, "invalid_subscription", "invalid payload"))
		return
	}

	sub, err := c.server.registry.Subscribe(c.clientID, payload.Collection, payload.RecordID, payload.Filter, auth)
	if err != nil {
		c.send(errorMessage(msg.ID, "invalid_subscription", err.Error()))
		return
	}

	c.send(BaseMessage{
		ID:      msg.ID,
		Type:    TypeSubscribeAck,
		Payload: mustMarshal(SubscribeAckPayload{SubscriptionID: sub.ID}),
	})
}

func (c *wsClient) handleUnsubscribe(msg BaseMessage) {
	var payload UnsubscribePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.send(errorMessage(msg.ID, "invalid_subscription", "invalid payload"))
		return
	}

	sub, ok := c.server.registry.Get(payload.SubscriptionID)
	if !ok || sub.ClientID != c.clientID {
		c.send(errorMessage(msg.ID, "not_found", "unknown subscription"))
		return
	}
	if err := c.server.registry.Unsubscribe(payload.SubscriptionID); err != nil && !errors.Is(err, model.ErrNotFound) {
		c.send(errorMessage(msg.ID, "internal", "unsubscribe failed"))
		return
	}

	c.send(BaseMessage{ID: msg.ID, Type: TypeUnsubscribeAck})
}

func (c *wsClient) auth() *model.Principal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal
}

func (c *wsClient) send(msg BaseMessage) {
	if err := c.stream.writeJSON(msg); err != nil {
		c.server.logger.Debug("control write failed", "client_id", c.clientID, "error", err)
	}
}
