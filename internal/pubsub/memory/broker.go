package memory

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livegate/livegate/internal/pubsub"
)

// broker routes published messages to matching subscriptions.
type broker struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	closed        atomic.Bool
}

// subscription is a single consumer's channel plus its cancel scope.
type subscription struct {
	pattern string
	msgCh   chan pubsub.Message
	ctx     context.Context
	cancel  context.CancelFunc
}

func newBroker() *broker {
	return &broker{
		subscriptions: make(map[string]*subscription),
	}
}

// publish sends data to every subscription whose pattern matches subject.
func (b *broker) publish(ctx context.Context, subject string, data []byte) error {
	if b.closed.Load() {
		return ErrEngineClosed
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for pattern, sub := range b.subscriptions {
		if !matchSubject(pattern, subject) {
			continue
		}
		msg := &memoryMessage{
			data:         data,
			subject:      subject,
			timestamp:    time.Now(),
			numDelivered: 1,
			redeliveryCh: sub.msgCh,
			ctx:          sub.ctx,
		}
		select {
		case sub.msgCh <- msg:
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.ctx.Done():
			// subscription cancelled, skip
		}
	}
	return nil
}

// subscribe registers a pattern. One subscriber per pattern.
func (b *broker) subscribe(ctx context.Context, pattern string, bufSize int) (<-chan pubsub.Message, func(), error) {
	if b.closed.Load() {
		return nil, nil, ErrEngineClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscriptions[pattern] != nil {
		return nil, nil, ErrPatternSubscribed
	}

	subCtx, cancel := context.WithCancel(ctx)
	msgCh := make(chan pubsub.Message, bufSize)
	sub := &subscription{
		pattern: pattern,
		msgCh:   msgCh,
		ctx:     subCtx,
		cancel:  cancel,
	}
	b.subscriptions[pattern] = sub

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.subscriptions[pattern] == sub {
			delete(b.subscriptions, pattern)
			cancel()
			close(msgCh)
		}
	}

	return msgCh, unsubscribe, nil
}

func (b *broker) close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscriptions {
		sub.cancel()
		close(sub.msgCh)
	}
	b.subscriptions = nil
	return nil
}

func (b *broker) isClosed() bool {
	return b.closed.Load()
}

// matchSubject checks a subject against a NATS-style pattern:
// "*" matches one token, ">" matches one or more trailing tokens.
func matchSubject(pattern, subject string) bool {
	if pattern == "" || subject == "" {
		return false
	}

	patternParts := strings.Split(pattern, ".")
	subjectParts := strings.Split(subject, ".")

	for i, p := range patternParts {
		if p == ">" {
			return i < len(subjectParts)
		}
		if i >= len(subjectParts) {
			return false
		}
		if p != "*" && p != subjectParts[i] {
			return false
		}
	}
	return len(patternParts) == len(subjectParts)
}
