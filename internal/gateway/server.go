// Package gateway exposes the realtime streams over HTTP: a websocket
// endpoint speaking the control protocol and a query-string driven SSE
// endpoint.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/livegate/livegate/internal/auth"
	"github.com/livegate/livegate/internal/registry"
	"github.com/livegate/livegate/internal/transport"
)

// Server serves the realtime endpoints.
type Server struct {
	cfg       Config
	auth      *auth.Service
	registry  *registry.Registry
	transport *transport.Manager

	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer wires the gateway's dependencies.
func NewServer(cfg Config, authSvc *auth.Service, reg *registry.Registry, tm *transport.Manager, logger *slog.Logger) *Server {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		auth:      authSvc,
		registry:  reg,
		transport: tm,
		logger:    logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/realtime/ws", s.handleWebSocket)
	mux.HandleFunc("/v1/realtime/sse", s.handleSSE)
	mux.HandleFunc("/healthz", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}
	return s
}

// Start listens and serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("gateway listening", "addr", s.cfg.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// checkAllowedOrigin accepts empty origins (non-browser clients),
// same-host origins, configured origins, and localhost in dev mode.
func checkAllowedOrigin(origin, reqHost string, cfg Config) error {
	if origin == "" {
		return nil
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return errors.New("origin not allowed")
	}

	originHost := strings.Split(parsed.Host, ":")[0]
	reqHostPart := strings.Split(reqHost, ":")[0]
	if strings.EqualFold(originHost, reqHostPart) {
		return nil
	}

	if cfg.AllowDevOrigin && (originHost == "localhost" || originHost == "127.0.0.1") {
		return nil
	}

	trimmedOrigin := strings.TrimRight(origin, "/")
	for _, allowed := range cfg.AllowedOrigins {
		if allowed == "" {
			continue
		}
		if strings.EqualFold(strings.TrimRight(allowed, "/"), trimmedOrigin) {
			return nil
		}
	}
	return errors.New("origin not allowed")
}
