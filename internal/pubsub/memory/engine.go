// Package memory provides an in-memory pubsub implementation for
// standalone mode and tests.
package memory

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/livegate/livegate/internal/pubsub"
)

var (
	// ErrEngineClosed is returned when operating on a closed engine.
	ErrEngineClosed = errors.New("engine is closed")

	// ErrPatternSubscribed is returned when a pattern already has a subscriber.
	ErrPatternSubscribed = errors.New("pattern already has a subscriber")
)

// Compile-time check that Engine implements pubsub.Provider.
var _ pubsub.Provider = (*Engine)(nil)

// Engine is the public API for in-memory pubsub. It mirrors the NATS
// provider so the two are interchangeable behind pubsub.Provider.
type Engine struct {
	broker *broker
}

// New creates a new in-memory pubsub engine.
func New() *Engine {
	e := &Engine{}
	e.broker = newBroker()
	return e
}

// NewPublisher creates a new in-memory Publisher.
func (e *Engine) NewPublisher(opts pubsub.PublisherOptions) (pubsub.Publisher, error) {
	if e.IsClosed() {
		return nil, ErrEngineClosed
	}
	return &memoryPublisher{broker: e.broker, opts: opts}, nil
}

// NewConsumer creates a new in-memory Consumer.
func (e *Engine) NewConsumer(opts pubsub.ConsumerOptions) (pubsub.Consumer, error) {
	if e.IsClosed() {
		return nil, ErrEngineClosed
	}
	return &memoryConsumer{broker: e.broker, opts: opts}, nil
}

// Close shuts down the engine and all subscriptions.
func (e *Engine) Close() error {
	return e.broker.close()
}

// IsClosed returns true if the engine is closed.
func (e *Engine) IsClosed() bool {
	return e.broker.isClosed()
}

// memoryPublisher implements pubsub.Publisher against the broker.
type memoryPublisher struct {
	broker *broker
	opts   pubsub.PublisherOptions
	closed atomic.Bool
}

func (p *memoryPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	if p.closed.Load() {
		return ErrEngineClosed
	}
	fullSubject := subject
	if p.opts.SubjectPrefix != "" {
		fullSubject = p.opts.SubjectPrefix + "." + subject
	}
	return p.broker.publish(ctx, fullSubject, data)
}

func (p *memoryPublisher) Close() error {
	p.closed.Store(true)
	return nil
}

// memoryConsumer implements pubsub.Consumer against the broker.
type memoryConsumer struct {
	broker *broker
	opts   pubsub.ConsumerOptions
}

func (c *memoryConsumer) Subscribe(ctx context.Context) (<-chan pubsub.Message, error) {
	pattern := c.opts.FilterSubject
	if pattern == "" {
		if c.opts.StreamName != "" {
			pattern = c.opts.StreamName + ".>"
		} else {
			pattern = ">"
		}
	}

	bufSize := c.opts.ChannelBufSize
	if bufSize <= 0 {
		bufSize = pubsub.DefaultConsumerOptions().ChannelBufSize
	}

	msgCh, unsubscribe, err := c.broker.subscribe(ctx, pattern, bufSize)
	if err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	return msgCh, nil
}

// memoryMessage implements pubsub.Message for in-memory delivery.
type memoryMessage struct {
	data         []byte
	subject      string
	timestamp    time.Time
	numDelivered uint64
	settled      atomic.Bool

	redeliveryCh chan pubsub.Message
	ctx          context.Context
}

func (m *memoryMessage) Data() []byte {
	return m.data
}

func (m *memoryMessage) Subject() string {
	return m.subject
}

// Ack is idempotent; acking a settled message is a no-op.
func (m *memoryMessage) Ack() error {
	m.settled.Store(true)
	return nil
}

// Nak requeues immediately, non-blocking; if the subscriber's channel is
// full or gone, the message is dropped.
func (m *memoryMessage) Nak() error {
	if m.settled.Swap(true) {
		return nil
	}
	m.numDelivered++
	m.settled.Store(false)

	defer func() {
		recover() // send on closed channel after unsubscribe
	}()
	select {
	case m.redeliveryCh <- m:
	case <-m.ctx.Done():
	default:
	}
	return nil
}

func (m *memoryMessage) Term() error {
	m.settled.Store(true)
	return nil
}

func (m *memoryMessage) Metadata() (pubsub.MessageMetadata, error) {
	return pubsub.MessageMetadata{
		NumDelivered: m.numDelivered,
		Timestamp:    m.timestamp,
		Subject:      m.subject,
	}, nil
}
