package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livegate/livegate/internal/pubsub"
)

func recvMessage(t *testing.T, ch <-chan pubsub.Message) pubsub.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "message channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestEngine_PublishSubscribe(t *testing.T) {
	engine := New()
	defer engine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer, err := engine.NewConsumer(pubsub.ConsumerOptions{
		FilterSubject: "events.>",
	})
	require.NoError(t, err)

	msgCh, err := consumer.Subscribe(ctx)
	require.NoError(t, err)

	publisher, err := engine.NewPublisher(pubsub.PublisherOptions{})
	require.NoError(t, err)

	require.NoError(t, publisher.Publish(ctx, "events.articles.update", []byte("payload")))

	msg := recvMessage(t, msgCh)
	assert.Equal(t, []byte("payload"), msg.Data())
	assert.Equal(t, "events.articles.update", msg.Subject())

	md, err := msg.Metadata()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), md.NumDelivered)
	assert.Equal(t, "events.articles.update", md.Subject)

	require.NoError(t, msg.Ack())
}

func TestEngine_SubjectPrefix(t *testing.T) {
	engine := New()
	defer engine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer, err := engine.NewConsumer(pubsub.ConsumerOptions{
		FilterSubject: "stream.orders.*",
	})
	require.NoError(t, err)

	msgCh, err := consumer.Subscribe(ctx)
	require.NoError(t, err)

	publisher, err := engine.NewPublisher(pubsub.PublisherOptions{
		SubjectPrefix: "stream",
	})
	require.NoError(t, err)

	require.NoError(t, publisher.Publish(ctx, "orders.create", []byte("x")))

	msg := recvMessage(t, msgCh)
	assert.Equal(t, "stream.orders.create", msg.Subject())
}

func TestEngine_NoMatchNoDelivery(t *testing.T) {
	engine := New()
	defer engine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer, err := engine.NewConsumer(pubsub.ConsumerOptions{
		FilterSubject: "events.articles.*",
	})
	require.NoError(t, err)

	msgCh, err := consumer.Subscribe(ctx)
	require.NoError(t, err)

	publisher, err := engine.NewPublisher(pubsub.PublisherOptions{})
	require.NoError(t, err)

	require.NoError(t, publisher.Publish(ctx, "events.users.update", []byte("x")))

	select {
	case msg := <-msgCh:
		t.Fatalf("unexpected delivery on subject %q", msg.Subject())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngine_OneSubscriberPerPattern(t *testing.T) {
	engine := New()
	defer engine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := engine.NewConsumer(pubsub.ConsumerOptions{FilterSubject: "events.>"})
	require.NoError(t, err)
	_, err = first.Subscribe(ctx)
	require.NoError(t, err)

	second, err := engine.NewConsumer(pubsub.ConsumerOptions{FilterSubject: "events.>"})
	require.NoError(t, err)
	_, err = second.Subscribe(ctx)
	assert.ErrorIs(t, err, ErrPatternSubscribed)
}

func TestEngine_UnsubscribeFreesPattern(t *testing.T) {
	engine := New()
	defer engine.Close()

	subCtx, subCancel := context.WithCancel(context.Background())
	consumer, err := engine.NewConsumer(pubsub.ConsumerOptions{FilterSubject: "events.>"})
	require.NoError(t, err)
	msgCh, err := consumer.Subscribe(subCtx)
	require.NoError(t, err)

	subCancel()
	select {
	case _, ok := <-msgCh:
		require.False(t, ok, "channel should close after cancel")
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	again, err := engine.NewConsumer(pubsub.ConsumerOptions{FilterSubject: "events.>"})
	require.NoError(t, err)
	_, err = again.Subscribe(ctx)
	assert.NoError(t, err)
}

func TestEngine_NakRedelivers(t *testing.T) {
	engine := New()
	defer engine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer, err := engine.NewConsumer(pubsub.ConsumerOptions{FilterSubject: "events.>"})
	require.NoError(t, err)
	msgCh, err := consumer.Subscribe(ctx)
	require.NoError(t, err)

	publisher, err := engine.NewPublisher(pubsub.PublisherOptions{})
	require.NoError(t, err)
	require.NoError(t, publisher.Publish(ctx, "events.a", []byte("retry-me")))

	msg := recvMessage(t, msgCh)
	require.NoError(t, msg.Nak())

	redelivered := recvMessage(t, msgCh)
	assert.Equal(t, []byte("retry-me"), redelivered.Data())

	md, err := redelivered.Metadata()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), md.NumDelivered)

	require.NoError(t, redelivered.Ack())
}

func TestEngine_TermStopsRedelivery(t *testing.T) {
	engine := New()
	defer engine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer, err := engine.NewConsumer(pubsub.ConsumerOptions{FilterSubject: "events.>"})
	require.NoError(t, err)
	msgCh, err := consumer.Subscribe(ctx)
	require.NoError(t, err)

	publisher, err := engine.NewPublisher(pubsub.PublisherOptions{})
	require.NoError(t, err)
	require.NoError(t, publisher.Publish(ctx, "events.a", []byte("poison")))

	msg := recvMessage(t, msgCh)
	require.NoError(t, msg.Term())

	select {
	case m := <-msgCh:
		t.Fatalf("unexpected redelivery after Term: %q", m.Data())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngine_Closed(t *testing.T) {
	engine := New()
	require.NoError(t, engine.Close())
	assert.True(t, engine.IsClosed())

	_, err := engine.NewPublisher(pubsub.PublisherOptions{})
	assert.ErrorIs(t, err, ErrEngineClosed)

	_, err = engine.NewConsumer(pubsub.ConsumerOptions{})
	assert.ErrorIs(t, err, ErrEngineClosed)

	// Close is idempotent.
	assert.NoError(t, engine.Close())
}

func TestEngine_PublisherClose(t *testing.T) {
	engine := New()
	defer engine.Close()

	publisher, err := engine.NewPublisher(pubsub.PublisherOptions{})
	require.NoError(t, err)
	require.NoError(t, publisher.Close())

	err = publisher.Publish(context.Background(), "events.a", []byte("x"))
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"events.articles.update", "events.articles.update", true},
		{"events.articles.update", "events.articles.create", false},
		{"events.*.update", "events.articles.update", true},
		{"events.*.update", "events.articles.create", false},
		{"events.*", "events.articles", true},
		{"events.*", "events.articles.update", false},
		{"events.>", "events.articles", true},
		{"events.>", "events.articles.update", true},
		{"events.>", "events", false},
		{">", "anything.at.all", true},
		{"events.articles", "events", false},
		{"events", "events.articles", false},
		{"", "events", false},
		{"events", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.subject, func(t *testing.T) {
			assert.Equal(t, tt.want, matchSubject(tt.pattern, tt.subject))
		})
	}
}
