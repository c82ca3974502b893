// Package app wires the livegate services together and manages their
// lifecycle.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/livegate/livegate/internal/auth"
	"github.com/livegate/livegate/internal/config"
	"github.com/livegate/livegate/internal/dispatcher"
	"github.com/livegate/livegate/internal/events"
	"github.com/livegate/livegate/internal/gateway"
	"github.com/livegate/livegate/internal/pubsub"
	"github.com/livegate/livegate/internal/pubsub/memory"
	"github.com/livegate/livegate/internal/pubsub/nats"
	"github.com/livegate/livegate/internal/registry"
	"github.com/livegate/livegate/internal/rules"
	"github.com/livegate/livegate/internal/transport"
)

// App holds the wired services.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	Engine     rules.Engine
	Registry   *registry.Registry
	Transport  *transport.Manager
	Dispatcher *dispatcher.Dispatcher
	Gateway    *gateway.Server

	provider pubsub.Provider
	consumer pubsub.Consumer

	bgWg sync.WaitGroup
}

// New builds the application from config.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	engine, err := rules.NewEngine(cfg.Rules, logger)
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}

	reg := registry.New(logger)
	tm := transport.NewManager(cfg.Transport, reg, logger)
	disp := dispatcher.New(cfg.Dispatcher, engine, reg, tm, logger)
	gw := gateway.NewServer(cfg.Gateway, authSvc, reg, tm, logger)

	return &App{
		cfg:        cfg,
		logger:     logger.With("component", "app"),
		Engine:     engine,
		Registry:   reg,
		Transport:  tm,
		Dispatcher: disp,
		Gateway:    gw,
	}, nil
}

// Init connects the event source.
func (a *App) Init(ctx context.Context) error {
	switch a.cfg.Events.Provider {
	case "nats":
		p := nats.NewProvider(a.cfg.Events.NATS.URL)
		if err := p.Connect(ctx); err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		a.provider = p
	default:
		a.provider = memory.New()
	}

	consumer, err := a.provider.NewConsumer(pubsub.ConsumerOptions{
		StreamName:    a.cfg.Events.Stream,
		ConsumerName:  a.cfg.Events.Consumer,
		FilterSubject: events.SubjectAll,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}
	a.consumer = consumer
	return nil
}

// Provider exposes the event source, e.g. for local producers.
func (a *App) Provider() pubsub.Provider {
	return a.provider
}

// Start launches all background loops. It returns once everything is
// running; errors from the HTTP listener are reported via errCh.
func (a *App) Start(ctx context.Context, errCh chan<- error) {
	a.Dispatcher.Start()

	a.bgWg.Add(1)
	go func() {
		defer a.bgWg.Done()
		if err := a.Dispatcher.Consume(ctx, a.consumer); err != nil && ctx.Err() == nil {
			a.logger.Error("event consumption stopped", "error", err)
		}
	}()

	a.bgWg.Add(1)
	go func() {
		defer a.bgWg.Done()
		a.Registry.RunCleanup(ctx, a.cfg.Registry)
	}()

	go func() {
		if err := a.Gateway.Start(); err != nil {
			errCh <- err
		}
	}()
}

// Shutdown stops services in dependency order.
func (a *App) Shutdown(ctx context.Context) {
	if err := a.Gateway.Shutdown(ctx); err != nil {
		a.logger.Warn("gateway shutdown", "error", err)
	}
	a.Dispatcher.Stop()
	if err := a.Transport.Stop(ctx); err != nil {
		a.logger.Warn("transport shutdown", "error", err)
	}
	a.bgWg.Wait()
	if a.provider != nil {
		if err := a.provider.Close(); err != nil {
			a.logger.Warn("event source close", "error", err)
		}
	}
}
