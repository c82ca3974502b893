// Package nats implements the pubsub provider on NATS JetStream.
package nats

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/livegate/livegate/internal/pubsub"
)

// Provider implements pubsub.Provider using NATS JetStream. It owns the
// NATS connection lifecycle.
type Provider struct {
	url string
	nc  *nats.Conn
	js  jetstream.JetStream
}

// Compile-time checks.
var (
	_ pubsub.Provider    = (*Provider)(nil)
	_ pubsub.Connectable = (*Provider)(nil)
)

// NewProvider creates a NATS-backed pubsub provider. Connect must be called
// before creating publishers or consumers.
func NewProvider(url string) *Provider {
	return &Provider{url: url}
}

// Connect establishes the NATS connection and initializes JetStream.
func (p *Provider) Connect(ctx context.Context) error {
	nc, err := nats.Connect(p.url)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", p.url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream: %w", err)
	}

	p.nc = nc
	p.js = js
	slog.Info("Connected to NATS", "url", p.url)
	return nil
}

// NewPublisher creates a Publisher backed by NATS JetStream.
func (p *Provider) NewPublisher(opts pubsub.PublisherOptions) (pubsub.Publisher, error) {
	if p.js == nil {
		return nil, fmt.Errorf("NATS not connected, call Connect first")
	}
	if opts.StreamName != "" {
		subjects := []string{opts.StreamName + ".>"}
		if opts.SubjectPrefix != "" && opts.SubjectPrefix != opts.StreamName {
			subjects = []string{opts.SubjectPrefix + ".>"}
		}
		_, err := p.js.CreateOrUpdateStream(context.Background(), jetstream.StreamConfig{
			Name:     opts.StreamName,
			Subjects: subjects,
			Storage:  jetstream.MemoryStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to ensure stream: %w", err)
		}
	}
	return &jetStreamPublisher{js: p.js, opts: opts}, nil
}

// NewConsumer creates a Consumer backed by NATS JetStream.
func (p *Provider) NewConsumer(opts pubsub.ConsumerOptions) (pubsub.Consumer, error) {
	if p.js == nil {
		return nil, fmt.Errorf("NATS not connected, call Connect first")
	}
	if opts.StreamName == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if opts.ChannelBufSize <= 0 {
		opts.ChannelBufSize = pubsub.DefaultConsumerOptions().ChannelBufSize
	}
	return &jetStreamConsumer{js: p.js, opts: opts}, nil
}

// Close closes the NATS connection.
func (p *Provider) Close() error {
	if p.nc != nil {
		slog.Info("Closing NATS connection")
		p.nc.Close()
		p.nc = nil
		p.js = nil
	}
	return nil
}
