package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/schema"

	"github.com/livegate/livegate/internal/transport"
	"github.com/livegate/livegate/pkg/model"
)

var queryDecoder = func() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	return d
}()

// sseRequest is the query-string form of a subscribe request. Token exists
// because EventSource cannot set an Authorization header.
type sseRequest struct {
	Collection string `schema:"collection"`
	RecordID   string `schema:"record"`
	Filter     string `schema:"filter"`
	Token      string `schema:"auth"`
}

// sseStream adapts an SSE response to transport.StreamConn. Writes come
// from the transport write loop; Close cancels the handler's context.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	cancel  context.CancelFunc

	mu sync.Mutex
}

func (s *sseStream) WriteMessage(msg transport.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.writeRaw(data)
}

func (s *sseStream) writeRaw(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseStream) Close() error {
	s.cancel()
	return nil
}

// handleSSE serves a one-shot subscription over Server-Sent Events: the
// subscription comes from the query string and lives until the client
// disconnects.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if err := checkAllowedOrigin(origin, r.Host, s.cfg); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var req sseRequest
	if err := queryDecoder.Decode(&req, r.URL.Query()); err != nil {
		http.Error(w, "invalid query parameters", http.StatusBadRequest)
		return
	}
	if req.Collection == "" {
		http.Error(w, "collection is required", http.StatusBadRequest)
		return
	}

	auth, err := s.bearerPrincipal(r)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	if auth == nil && req.Token != "" {
		auth, err = s.auth.ValidateToken(req.Token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}
	if s.cfg.RequireAuth && auth == nil {
		http.Error(w, "auth required", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
	w.Header().Add("Vary", "Origin")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	clientID := uuid.New().String()
	stream := &sseStream{w: w, flusher: flusher, cancel: cancel}

	conn, err := s.transport.CreateConnection(clientID, stream)
	if err != nil {
		http.Error(w, "failed to establish stream", http.StatusInternalServerError)
		return
	}
	// The response writer must not be touched once this handler returns,
	// so close the connection and then wait for the transport write loop
	// to finish with the stream. Defers run in reverse order.
	defer func() { <-conn.WriterDone() }()
	defer s.transport.CloseConnection(clientID)

	if _, err := s.registry.Subscribe(clientID, req.Collection, req.RecordID, req.Filter, auth); err != nil {
		s.logger.Warn("sse subscribe rejected", "client_id", clientID, "error", err)
		_ = stream.writeRaw(mustMarshal(errorMessage("", "invalid_subscription", err.Error())))
		return
	}

	s.logger.Info("sse connected", "client_id", clientID, "collection", req.Collection)
	<-ctx.Done()
	s.logger.Info("sse disconnected", "client_id", clientID)
}

// bearerPrincipal validates the Authorization header when present.
func (s *Server) bearerPrincipal(r *http.Request) (*model.Principal, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, nil
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		return nil, fmt.Errorf("malformed authorization header")
	}
	return s.auth.ValidateToken(token)
}
