package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livegate/livegate/internal/events"
	"github.com/livegate/livegate/internal/pubsub"
	"github.com/livegate/livegate/internal/pubsub/memory"
	"github.com/livegate/livegate/internal/registry"
	"github.com/livegate/livegate/internal/rules"
	"github.com/livegate/livegate/internal/transport"
	"github.com/livegate/livegate/pkg/model"
)

// fakeSender records deliveries per client.
type fakeSender struct {
	mu       sync.Mutex
	messages map[string][]transport.Message
}

func newFakeSender() *fakeSender {
	return &fakeSender{messages: make(map[string][]transport.Message)}
}

func (f *fakeSender) Send(clientID string, msg transport.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[clientID] = append(f.messages[clientID], msg)
	return true
}

func (f *fakeSender) delivered(clientID string) []transport.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Message(nil), f.messages[clientID]...)
}

func newTestEngine(t *testing.T, viewRule rules.Rule) rules.Engine {
	t.Helper()
	e, err := rules.NewEngine(rules.EngineConfig{}, nil)
	require.NoError(t, err)
	require.NoError(t, e.SetCollectionRules(rules.CollectionRules{
		Collection: "articles",
		Rules:      map[rules.Operation]*string{rules.OpView: viewRule},
	}))
	return e
}

func newEvent(recordID string, record model.Record) events.RecordEvent {
	record.SetID(recordID)
	return *events.NewRecordEvent("articles", events.ActionUpdate, record)
}

func TestDispatch_DeliversToMatchingSubscription(t *testing.T) {
	engine := newTestEngine(t, rules.AllowAll())
	reg := registry.New(nil)
	sender := newFakeSender()
	d := New(Config{}, engine, reg, sender, nil)

	_, err := reg.Subscribe("client-1", "articles", "", "", &model.Principal{ID: "u1"})
	require.NoError(t, err)

	d.dispatch(newEvent("a1", model.Record{"status": "published"}))

	msgs := sender.delivered("client-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "articles", msgs[0].Collection)
	assert.Equal(t, events.ActionUpdate, msgs[0].Action)
	assert.Equal(t, "published", msgs[0].Record["status"])
}

func TestDispatch_DenyAllNeverDelivers(t *testing.T) {
	// The subscription exists, but the view rule is deny-all: delivery
	// time authorization wins.
	engine := newTestEngine(t, rules.DenyAll())
	reg := registry.New(nil)
	sender := newFakeSender()
	d := New(Config{}, engine, reg, sender, nil)

	_, err := reg.Subscribe("client-1", "articles", "", "", &model.Principal{ID: "u1"})
	require.NoError(t, err)

	d.dispatch(newEvent("a1", model.Record{"status": "published"}))
	assert.Empty(t, sender.delivered("client-1"))
}

func TestDispatch_OwnerRule(t *testing.T) {
	engine := newTestEngine(t, rules.Conditional("auth.id = record.userId"))
	reg := registry.New(nil)
	sender := newFakeSender()
	d := New(Config{}, engine, reg, sender, nil)

	_, err := reg.Subscribe("owner", "articles", "", "", &model.Principal{ID: "u1"})
	require.NoError(t, err)
	_, err = reg.Subscribe("stranger", "articles", "", "", &model.Principal{ID: "u2"})
	require.NoError(t, err)
	_, err = reg.Subscribe("anon", "articles", "", "", nil)
	require.NoError(t, err)

	d.dispatch(newEvent("a1", model.Record{"userId": "u1"}))

	assert.Len(t, sender.delivered("owner"), 1)
	assert.Empty(t, sender.delivered("stranger"))
	assert.Empty(t, sender.delivered("anon"))
}

func TestDispatch_RecordScopedSubscription(t *testing.T) {
	engine := newTestEngine(t, rules.AllowAll())
	reg := registry.New(nil)
	sender := newFakeSender()
	d := New(Config{}, engine, reg, sender, nil)

	_, err := reg.Subscribe("client-1", "articles", "a1", "", nil)
	require.NoError(t, err)

	d.dispatch(newEvent("a2", model.Record{}))
	assert.Empty(t, sender.delivered("client-1"))

	d.dispatch(newEvent("a1", model.Record{}))
	assert.Len(t, sender.delivered("client-1"), 1)
}

func TestDispatch_FilterGatesDelivery(t *testing.T) {
	engine := newTestEngine(t, rules.AllowAll())
	reg := registry.New(nil)
	sender := newFakeSender()
	d := New(Config{}, engine, reg, sender, nil)

	_, err := reg.Subscribe("client-1", "articles", "", "status = 'published' && views > 10", nil)
	require.NoError(t, err)

	d.dispatch(newEvent("a1", model.Record{"status": "published", "views": float64(5)}))
	assert.Empty(t, sender.delivered("client-1"))

	d.dispatch(newEvent("a2", model.Record{"status": "published", "views": float64(42)}))
	assert.Len(t, sender.delivered("client-1"), 1)
}

func TestDispatch_RecordRootedFilterMatches(t *testing.T) {
	engine := newTestEngine(t, rules.AllowAll())
	reg := registry.New(nil)
	sender := newFakeSender()
	d := New(Config{}, engine, reg, sender, nil)

	// A filter written in the access-rule style resolves the record root
	// alias to the same field a bare name would.
	_, err := reg.Subscribe("client-1", "articles", "", "record.status = 'published'", nil)
	require.NoError(t, err)

	d.dispatch(newEvent("a1", model.Record{"status": "draft"}))
	assert.Empty(t, sender.delivered("client-1"))

	d.dispatch(newEvent("a2", model.Record{"status": "published"}))
	assert.Len(t, sender.delivered("client-1"), 1)
}

func TestDispatch_CandidateFailureIsIsolated(t *testing.T) {
	engine := newTestEngine(t, rules.AllowAll())
	reg := registry.New(nil)
	sender := newFakeSender()
	d := New(Config{}, engine, reg, sender, nil)

	// This filter is statically valid but errors at delivery time: the
	// record carries a string where the filter orders against a number.
	// That error skips this candidate only.
	_, err := reg.Subscribe("broken", "articles", "", "score > 10", nil)
	require.NoError(t, err)
	_, err = reg.Subscribe("healthy", "articles", "", "", nil)
	require.NoError(t, err)

	d.dispatch(newEvent("a1", model.Record{"score": "unranked"}))

	assert.Empty(t, sender.delivered("broken"))
	assert.Len(t, sender.delivered("healthy"), 1)
}

func TestDispatch_RuleChangeAppliesToExistingSubscriptions(t *testing.T) {
	engine := newTestEngine(t, rules.AllowAll())
	reg := registry.New(nil)
	sender := newFakeSender()
	d := New(Config{}, engine, reg, sender, nil)

	_, err := reg.Subscribe("client-1", "articles", "", "", nil)
	require.NoError(t, err)

	d.dispatch(newEvent("a1", model.Record{}))
	require.Len(t, sender.delivered("client-1"), 1)

	// Tighten rules after the subscription was accepted.
	require.NoError(t, engine.SetCollectionRules(rules.CollectionRules{
		Collection: "articles",
		Rules:      map[rules.Operation]*string{rules.OpView: rules.DenyAll()},
	}))

	d.dispatch(newEvent("a2", model.Record{}))
	assert.Len(t, sender.delivered("client-1"), 1)
}

func TestDispatch_AuthResolverOverride(t *testing.T) {
	engine := newTestEngine(t, rules.Conditional("auth.id = record.userId"))
	reg := registry.New(nil)
	sender := newFakeSender()

	// Resolver simulates a revoked session: principal gone by delivery.
	d := New(Config{}, engine, reg, sender, nil,
		WithAuthResolver(func(string, *model.Principal) *model.Principal {
			return nil
		}))

	_, err := reg.Subscribe("client-1", "articles", "", "", &model.Principal{ID: "u1"})
	require.NoError(t, err)

	d.dispatch(newEvent("a1", model.Record{"userId": "u1"}))
	assert.Empty(t, sender.delivered("client-1"))
}

func TestEmitRecordEvent(t *testing.T) {
	engine := newTestEngine(t, rules.AllowAll())
	reg := registry.New(nil)
	sender := newFakeSender()
	d := New(Config{Workers: 2}, engine, reg, sender, nil)
	d.Start()
	defer d.Stop()

	_, err := reg.Subscribe("client-1", "articles", "", "", nil)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, d.EmitRecordEvent(newEvent("a1", model.Record{"seq": i})))
	}

	require.Eventually(t, func() bool {
		return len(sender.delivered("client-1")) == 10
	}, 2*time.Second, 10*time.Millisecond)

	// Same record ID lands on one worker, so delivery order holds.
	msgs := sender.delivered("client-1")
	for i, msg := range msgs {
		assert.Equal(t, i, msg.Record["seq"])
	}
}

func TestEmitRecordEvent_InvalidEvent(t *testing.T) {
	engine := newTestEngine(t, rules.AllowAll())
	d := New(Config{}, engine, registry.New(nil), newFakeSender(), nil)

	err := d.EmitRecordEvent(events.RecordEvent{})
	assert.Error(t, err)
}

func TestConsume_DeliversPublishedEvents(t *testing.T) {
	engine := newTestEngine(t, rules.AllowAll())
	reg := registry.New(nil)
	sender := newFakeSender()
	d := New(Config{}, engine, reg, sender, nil)
	d.Start()
	defer d.Stop()

	_, err := reg.Subscribe("client-1", "articles", "", "", nil)
	require.NoError(t, err)

	provider := memory.New()
	defer provider.Close()

	consumer, err := provider.NewConsumer(pubsub.ConsumerOptions{FilterSubject: events.SubjectAll})
	require.NoError(t, err)
	publisher, err := provider.NewPublisher(pubsub.PublisherOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = d.Consume(ctx, consumer)
	}()

	evt := newEvent("a1", model.Record{"status": "published"})
	data, err := json.Marshal(evt)
	require.NoError(t, err)

	// The consume loop attaches its subscription asynchronously, and the
	// in-memory broker drops messages published before any subscriber
	// exists. Republish until a delivery proves the loop is attached.
	require.Eventually(t, func() bool {
		if err := publisher.Publish(ctx, evt.Subject(), data); err != nil {
			return false
		}
		return len(sender.delivered("client-1")) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	msgs := sender.delivered("client-1")
	assert.Equal(t, "published", msgs[0].Record["status"])
}

func TestEmitRecordEvent_AfterStop(t *testing.T) {
	engine := newTestEngine(t, rules.AllowAll())
	d := New(Config{}, engine, registry.New(nil), newFakeSender(), nil)
	d.Start()
	d.Stop()

	// Every emit after Stop is rejected, even with room in the queues.
	for i := 0; i < 25; i++ {
		err := d.EmitRecordEvent(newEvent("a1", model.Record{}))
		assert.ErrorIs(t, err, model.ErrCanceled)
	}
}

func TestDispatcher_ConcurrentChurn(t *testing.T) {
	engine := newTestEngine(t, rules.AllowAll())
	reg := registry.New(nil)
	sender := newFakeSender()

	// One worker keeps dispatch serial, so a sentinel delivery proves
	// every earlier dispatch has fully completed.
	d := New(Config{Workers: 1, QueueSize: 512}, engine, reg, sender, nil)
	d.Start()
	defer d.Stop()

	_, err := reg.Subscribe("steady", "articles", "", "", nil)
	require.NoError(t, err)

	const (
		churners = 8
		cycles   = 20
	)

	var wg sync.WaitGroup
	for g := 0; g < churners; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			clientID := fmt.Sprintf("churn-%d", g)
			for i := 0; i < cycles; i++ {
				sub, err := reg.Subscribe(clientID, "articles", "", "", nil)
				assert.NoError(t, err)
				assert.NoError(t, d.EmitRecordEvent(newEvent(fmt.Sprintf("rec-%d-%d", g, i), model.Record{"g": g})))
				assert.NoError(t, reg.Unsubscribe(sub.ID))
			}
		}(g)
	}
	wg.Wait()

	// The steady subscriber sees every churn event.
	total := churners * cycles
	require.Eventually(t, func() bool {
		return len(sender.delivered("steady")) == total
	}, 5*time.Second, 10*time.Millisecond)

	// Flush the worker with a sentinel, then freeze a snapshot of what
	// each unsubscribed client received.
	require.NoError(t, d.EmitRecordEvent(newEvent("sentinel", model.Record{})))
	require.Eventually(t, func() bool {
		return len(sender.delivered("steady")) == total+1
	}, 2*time.Second, 10*time.Millisecond)

	before := make(map[string]int, churners)
	for g := 0; g < churners; g++ {
		id := fmt.Sprintf("churn-%d", g)
		before[id] = len(sender.delivered(id))
	}

	// Nothing further may reach a client with no subscriptions left.
	const extra = 5
	for i := 0; i < extra; i++ {
		require.NoError(t, d.EmitRecordEvent(newEvent(fmt.Sprintf("post-%d", i), model.Record{})))
	}
	require.Eventually(t, func() bool {
		return len(sender.delivered("steady")) == total+1+extra
	}, 2*time.Second, 10*time.Millisecond)

	for id, n := range before {
		assert.Len(t, sender.delivered(id), n, id)
	}
}

// stuckStream blocks every write until released, standing in for a
// consumer that stopped reading.
type stuckStream struct {
	release     chan struct{}
	releaseOnce sync.Once
}

func (s *stuckStream) WriteMessage(transport.Message) error {
	<-s.release
	return nil
}

func (s *stuckStream) Close() error { return nil }

func (s *stuckStream) unblock() {
	s.releaseOnce.Do(func() { close(s.release) })
}

// memStream collects written messages.
type memStream struct {
	mu   sync.Mutex
	msgs []transport.Message
}

func (s *memStream) WriteMessage(msg transport.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *memStream) Close() error { return nil }

func (s *memStream) written() []transport.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Message(nil), s.msgs...)
}

func TestDispatch_SlowConsumerTeardownKeepsOthersDelivering(t *testing.T) {
	engine := newTestEngine(t, rules.AllowAll())
	reg := registry.New(nil)
	tm := transport.NewManager(transport.Config{
		HeartbeatInterval: time.Minute,
		SendBufferSize:    2,
	}, reg, nil)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, tm.Stop(ctx))
	}()

	d := New(Config{Workers: 1}, engine, reg, tm, nil)
	d.Start()
	defer d.Stop()

	slow := &stuckStream{release: make(chan struct{})}
	defer slow.unblock()
	_, err := tm.CreateConnection("slow", slow)
	require.NoError(t, err)

	healthy := &memStream{}
	_, err = tm.CreateConnection("healthy", healthy)
	require.NoError(t, err)

	_, err = reg.Subscribe("slow", "articles", "", "", nil)
	require.NoError(t, err)
	_, err = reg.Subscribe("healthy", "articles", "", "", nil)
	require.NoError(t, err)

	// The slow stream never drains, so its buffer overflows and the
	// overflow policy tears it down mid-traffic. The healthy stream is
	// drained between emits so only the slow buffer ever fills.
	for i := 0; i < 6; i++ {
		require.NoError(t, d.EmitRecordEvent(newEvent(fmt.Sprintf("r%d", i), model.Record{"seq": i})))
		require.Eventually(t, func() bool {
			return len(healthy.written()) >= i+2 // handshake plus each event
		}, 2*time.Second, 5*time.Millisecond)
	}
	require.Eventually(t, func() bool {
		_, ok := tm.Get("slow")
		return !ok && len(reg.ListByCollection("articles")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The healthy subscriber keeps receiving after the teardown.
	require.NoError(t, d.EmitRecordEvent(newEvent("after", model.Record{"final": true})))
	require.Eventually(t, func() bool {
		for _, msg := range healthy.written() {
			if msg.Action != "" && msg.Record != nil && msg.Record["final"] == true {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
