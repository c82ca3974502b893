package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/livegate/livegate/internal/pubsub"
)

// jetStreamPublisher implements pubsub.Publisher on a JetStream context.
type jetStreamPublisher struct {
	js   jetstream.JetStream
	opts pubsub.PublisherOptions
}

func (p *jetStreamPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	fullSubject := subject
	if p.opts.SubjectPrefix != "" {
		fullSubject = p.opts.SubjectPrefix + "." + subject
	}

	if _, err := p.js.Publish(ctx, fullSubject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", fullSubject, err)
	}
	return nil
}

func (p *jetStreamPublisher) Close() error {
	// The JetStream context is owned by the Provider.
	return nil
}

// jetStreamConsumer implements pubsub.Consumer on a durable JetStream
// consumer with explicit acks.
type jetStreamConsumer struct {
	js   jetstream.JetStream
	opts pubsub.ConsumerOptions
}

func (c *jetStreamConsumer) Subscribe(ctx context.Context) (<-chan pubsub.Message, error) {
	filterSubject := c.opts.FilterSubject
	if filterSubject == "" {
		filterSubject = c.opts.StreamName + ".>"
	}

	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     c.opts.StreamName,
		Subjects: []string{filterSubject},
		Storage:  jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	consumerName := c.opts.ConsumerName
	if consumerName == "" {
		consumerName = "consumer"
	}

	consumer, err := c.js.CreateOrUpdateConsumer(ctx, c.opts.StreamName, jetstream.ConsumerConfig{
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: filterSubject,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	msgCh := make(chan pubsub.Message, c.opts.ChannelBufSize)
	var closing atomic.Bool

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if closing.Load() {
			msg.Nak()
			return
		}
		select {
		case msgCh <- &natsMessage{msg: msg}:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		close(msgCh)
		return nil, fmt.Errorf("failed to start consumer: %w", err)
	}

	slog.Debug("JetStream consumer subscribed", "stream", c.opts.StreamName, "filter", filterSubject)

	go func() {
		<-ctx.Done()
		closing.Store(true)
		cc.Stop()
		close(msgCh)
	}()

	return msgCh, nil
}

// natsMessage wraps a jetstream.Msg to implement pubsub.Message.
type natsMessage struct {
	msg jetstream.Msg
}

func (m *natsMessage) Data() []byte {
	return m.msg.Data()
}

func (m *natsMessage) Subject() string {
	return m.msg.Subject()
}

func (m *natsMessage) Ack() error {
	return m.msg.Ack()
}

func (m *natsMessage) Nak() error {
	return m.msg.Nak()
}

func (m *natsMessage) Term() error {
	return m.msg.Term()
}

func (m *natsMessage) Metadata() (pubsub.MessageMetadata, error) {
	md, err := m.msg.Metadata()
	if err != nil {
		return pubsub.MessageMetadata{}, err
	}
	return pubsub.MessageMetadata{
		NumDelivered: md.NumDelivered,
		Timestamp:    md.Timestamp,
		Subject:      m.msg.Subject(),
	}, nil
}
