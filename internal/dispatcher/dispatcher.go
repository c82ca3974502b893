package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/livegate/livegate/internal/events"
	"github.com/livegate/livegate/internal/pubsub"
	"github.com/livegate/livegate/internal/registry"
	"github.com/livegate/livegate/internal/rules"
	"github.com/livegate/livegate/internal/transport"
	"github.com/livegate/livegate/pkg/model"
)

// Sender delivers a message to a connected client. Delivery is best
// effort: a false return means the client is gone or its buffer policy
// rejected the message.
type Sender interface {
	Send(clientID string, msg transport.Message) bool
}

// SubscriptionSource yields the candidate subscriptions for an event.
type SubscriptionSource interface {
	ListByCollection(collection string) []*registry.Subscription
}

// AuthResolver returns the authorization context to evaluate access
// rules with at delivery time. The captured principal is the snapshot
// taken when the client subscribed; a resolver may return it unchanged,
// return a refreshed principal, or return nil to force deny.
type AuthResolver func(clientID string, captured *model.Principal) *model.Principal

// Config tunes the dispatcher worker pool.
type Config struct {
	// Workers is the number of dispatch goroutines. Events are sharded
	// onto workers by collection and record ID, so all events for one
	// record flow through the same worker in order.
	Workers int `yaml:"workers"`

	// QueueSize bounds each worker's event queue.
	QueueSize int `yaml:"queue_size"`
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Workers:   4,
		QueueSize: 256,
	}
}

// ApplyDefaults fills zero-valued fields with defaults.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
}

// Dispatcher fans record events out to matching subscriptions. Access
// rules are re-evaluated per candidate at delivery time; a subscription
// that was valid when created delivers nothing once the rules say no.
type Dispatcher struct {
	engine rules.Engine
	subs   SubscriptionSource
	sender Sender

	cfg      Config
	resolver AuthResolver

	queues []chan events.RecordEvent
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}

	logger *slog.Logger
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithAuthResolver overrides the delivery-time auth context policy. The
// default resolver returns the principal captured at subscribe time.
func WithAuthResolver(r AuthResolver) Option {
	return func(d *Dispatcher) {
		if r != nil {
			d.resolver = r
		}
	}
}

// New creates a Dispatcher. Call Start before emitting events.
func New(cfg Config, engine rules.Engine, subs SubscriptionSource, sender Sender, logger *slog.Logger, opts ...Option) *Dispatcher {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		engine: engine,
		subs:   subs,
		sender: sender,
		cfg:    cfg,
		resolver: func(_ string, captured *model.Principal) *model.Principal {
			return captured
		},
		done:   make(chan struct{}),
		logger: logger.With("component", "dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.queues = make([]chan events.RecordEvent, d.cfg.Workers)
	for i := range d.queues {
		d.queues[i] = make(chan events.RecordEvent, d.cfg.QueueSize)
	}
	return d
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for i, queue := range d.queues {
			d.wg.Add(1)
			go d.worker(i, queue)
		}
		d.logger.Info("dispatcher started", "workers", d.cfg.Workers)
	})
}

// Stop drains the workers and waits for in-flight dispatches to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.done)
		d.wg.Wait()
		d.logger.Info("dispatcher stopped")
	})
}

// EmitRecordEvent enqueues an event for fan-out. Events for the same
// record land on the same worker, preserving per-record order. Returns
// an error if the event is invalid or the dispatcher is stopped.
func (d *Dispatcher) EmitRecordEvent(evt events.RecordEvent) error {
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	// Checked on its own so a stopped dispatcher always rejects, even
	// when the target queue has room.
	select {
	case <-d.done:
		return model.ErrCanceled
	default:
	}
	queue := d.queues[d.shard(evt.Collection, evt.RecordID)]
	select {
	case <-d.done:
		return model.ErrCanceled
	case queue <- evt:
		return nil
	}
}

// Consume pulls record events from a pubsub consumer and feeds them to
// the worker pool. Malformed payloads are terminated rather than
// redelivered; shutdown mid-enqueue naks the message for redelivery.
func (d *Dispatcher) Consume(ctx context.Context, consumer pubsub.Consumer) error {
	msgs, err := consumer.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	d.logger.Info("consuming record events")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.done:
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			d.handleMessage(msg)
		}
	}
}

func (d *Dispatcher) handleMessage(msg pubsub.Message) {
	var evt events.RecordEvent
	if err := json.Unmarshal(msg.Data(), &evt); err != nil {
		d.logger.Error("malformed event payload", "subject", msg.Subject(), "error", err)
		_ = msg.Term()
		return
	}
	if err := d.EmitRecordEvent(evt); err != nil {
		if model.IsCanceled(err) {
			_ = msg.Nak()
			return
		}
		d.logger.Error("rejected event", "event_id", evt.EventID, "error", err)
		_ = msg.Term()
		return
	}
	_ = msg.Ack()
}

func (d *Dispatcher) shard(collection, recordID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(collection))
	_, _ = h.Write([]byte{'/'})
	_, _ = h.Write([]byte(recordID))
	return int(h.Sum32()) % len(d.queues)
}

func (d *Dispatcher) worker(id int, queue chan events.RecordEvent) {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			// Drain what was already enqueued before shutdown.
			for {
				select {
				case evt := <-queue:
					d.dispatch(evt)
				default:
					return
				}
			}
		case evt := <-queue:
			d.dispatch(evt)
		}
	}
}

// dispatch fans one event out to every matching, authorized
// subscription. A failure on one candidate never aborts the rest.
func (d *Dispatcher) dispatch(evt events.RecordEvent) {
	candidates := d.subs.ListByCollection(evt.Collection)
	if len(candidates) == 0 {
		return
	}

	msg := transport.NewEventMessage(evt.Collection, evt.Action, evt.Record, time.UnixMilli(evt.Timestamp))

	delivered := 0
	for _, sub := range candidates {
		if !sub.Matches(evt.Collection, evt.RecordID) {
			continue
		}
		if !d.authorize(sub, evt) {
			continue
		}
		if sub.FilterExpr != "" {
			ok, err := rules.MatchFilter(evt.Record, sub.FilterExpr)
			if err != nil {
				d.logger.Warn("filter evaluation failed, skipping delivery",
					"subscription_id", sub.ID, "client_id", sub.ClientID, "error", err)
				continue
			}
			if !ok {
				continue
			}
		}
		if d.sender.Send(sub.ClientID, msg) {
			delivered++
		}
	}

	d.logger.Debug("dispatched event",
		"event_id", evt.EventID,
		"collection", evt.Collection,
		"record_id", evt.RecordID,
		"action", evt.Action,
		"candidates", len(candidates),
		"delivered", delivered)
}

// authorize re-runs the view rule for one candidate at delivery time.
// Rule failures deny delivery; they never fail the event.
func (d *Dispatcher) authorize(sub *registry.Subscription, evt events.RecordEvent) bool {
	auth := d.resolver(sub.ClientID, sub.Auth)
	rctx := model.RuleContext{
		Auth:   auth,
		Record: evt.Record,
	}
	if auth != nil {
		rctx.Admin = auth.Admin
	}
	return d.engine.Check(evt.Collection, rules.OpView, rctx)
}
