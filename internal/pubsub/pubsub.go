// Package pubsub abstracts the message transport carrying committed-write
// events from the storage layer into the dispatcher. Implementations exist
// for NATS JetStream and for an in-memory engine used in standalone mode
// and tests.
package pubsub

import (
	"context"
	"io"
	"time"
)

// Message is a received message with acknowledgment controls.
type Message interface {
	// Data returns the raw message payload.
	Data() []byte

	// Subject returns the message subject.
	Subject() string

	// Ack acknowledges successful processing.
	Ack() error

	// Nak signals processing failure, requesting redelivery.
	Nak() error

	// Term terminates the message (no redelivery).
	Term() error

	// Metadata returns delivery metadata.
	Metadata() (MessageMetadata, error)
}

// MessageMetadata contains delivery information about a message.
type MessageMetadata struct {
	NumDelivered uint64
	Timestamp    time.Time
	Subject      string
}

// Publisher publishes messages to a stream.
type Publisher interface {
	// Publish sends a message to the specified subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Close releases resources.
	Close() error
}

// Consumer consumes messages from a stream.
type Consumer interface {
	// Subscribe starts consuming and returns a channel that is closed when
	// the context is cancelled. The caller must Ack/Nak/Term each message.
	Subscribe(ctx context.Context) (<-chan Message, error)
}

// Provider creates publishers and consumers for one broker backend.
type Provider interface {
	io.Closer

	NewPublisher(opts PublisherOptions) (Publisher, error)
	NewConsumer(opts ConsumerOptions) (Consumer, error)
}

// Connectable is implemented by providers that need a connection before
// use. The in-memory engine does not implement it.
type Connectable interface {
	Connect(ctx context.Context) error
}

// PublisherOptions configures publisher behavior.
type PublisherOptions struct {
	// StreamName is the stream to publish to.
	StreamName string

	// SubjectPrefix is prepended to all subjects.
	SubjectPrefix string
}

// ConsumerOptions configures consumer behavior.
type ConsumerOptions struct {
	// StreamName is the stream to consume from.
	StreamName string

	// ConsumerName is the durable consumer name.
	ConsumerName string

	// FilterSubject filters messages by subject pattern.
	FilterSubject string

	// ChannelBufSize is the buffer size for the message channel.
	ChannelBufSize int
}

// DefaultConsumerOptions returns ConsumerOptions with sensible defaults.
func DefaultConsumerOptions() ConsumerOptions {
	return ConsumerOptions{
		ChannelBufSize: 128,
	}
}
