// Package registry is the single owned store of active subscriptions.
//
// All mutations and all fan-out reads pass through one RWMutex. Reads used
// for fan-out copy the candidate set out under the lock, so a concurrent
// unsubscribe can never expose a half-removed subscription to the
// dispatcher. No concurrency-related error escapes the public API.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livegate/livegate/internal/rules"
	"github.com/livegate/livegate/pkg/model"
)

// Subscription is one client's registered interest in a collection.
// Subscriptions are immutable once created; clients re-subscribe instead of
// mutating.
type Subscription struct {
	ID         string
	ClientID   string
	Collection string

	// RecordID narrows the subscription to a single record when set.
	RecordID string

	// FilterExpr is an optional live filter, statically validated at
	// subscribe time.
	FilterExpr string

	// Auth is the authorization context captured at subscribe time.
	Auth *model.Principal

	CreatedAt time.Time
}

// Matches reports whether the subscription is a candidate for an event on
// the given collection and record ID.
func (s *Subscription) Matches(collection, recordID string) bool {
	if s.Collection != collection {
		return false
	}
	return s.RecordID == "" || s.RecordID == recordID
}

// Registry holds all active subscriptions, indexed by ID, client and
// collection.
type Registry struct {
	mu sync.RWMutex

	// byID: subID -> *Subscription (O(1) unsubscribe)
	byID map[string]*Subscription

	// byClient: clientID -> subID -> *Subscription (cascade on disconnect)
	byClient map[string]map[string]*Subscription

	// byCollection: collection -> subID -> *Subscription (fan-out lookup)
	byCollection map[string]map[string]*Subscription

	// activity: clientID -> last heartbeat or subscribe time, consulted by
	// the cleanup sweep.
	activity map[string]time.Time

	logger *slog.Logger
}

// New creates an empty subscription registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byID:         make(map[string]*Subscription),
		byClient:     make(map[string]map[string]*Subscription),
		byCollection: make(map[string]map[string]*Subscription),
		activity:     make(map[string]time.Time),
		logger:       logger.With("component", "registry"),
	}
}

// Subscribe registers a new subscription. The filter expression, when
// present, is statically validated against the live filter grammar the
// dispatcher evaluates at delivery time; a malformed filter is rejected
// here and nothing is stored.
func (r *Registry) Subscribe(clientID, collection, recordID, filterExpr string, auth *model.Principal) (*Subscription, error) {
	if clientID == "" {
		return nil, fmt.Errorf("%w: client ID is empty", model.ErrSubscriptionInvalid)
	}
	if collection == "" {
		return nil, fmt.Errorf("%w: collection is empty", model.ErrSubscriptionInvalid)
	}
	if filterExpr != "" {
		if err := rules.ValidateFilter(filterExpr); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrSubscriptionInvalid, err)
		}
	}

	sub := &Subscription{
		ID:         uuid.New().String(),
		ClientID:   clientID,
		Collection: collection,
		RecordID:   recordID,
		FilterExpr: filterExpr,
		Auth:       auth,
		CreatedAt:  time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID[sub.ID] = sub

	clientSubs, ok := r.byClient[clientID]
	if !ok {
		clientSubs = make(map[string]*Subscription)
		r.byClient[clientID] = clientSubs
	}
	clientSubs[sub.ID] = sub

	collSubs, ok := r.byCollection[collection]
	if !ok {
		collSubs = make(map[string]*Subscription)
		r.byCollection[collection] = collSubs
	}
	collSubs[sub.ID] = sub

	r.activity[clientID] = sub.CreatedAt

	return sub, nil
}

// Unsubscribe removes a subscription by ID.
func (r *Registry) Unsubscribe(subscriptionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[subscriptionID]
	if !ok {
		return fmt.Errorf("subscription %s: %w", subscriptionID, model.ErrNotFound)
	}
	r.removeLocked(sub)
	return nil
}

// UnsubscribeClient removes every subscription owned by the client,
// returning how many were removed. Missing clients are a no-op.
func (r *Registry) UnsubscribeClient(clientID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	clientSubs := r.byClient[clientID]
	n := len(clientSubs)
	for _, sub := range clientSubs {
		r.removeLocked(sub)
	}
	delete(r.activity, clientID)
	return n
}

// ListByClient returns a snapshot of the client's subscriptions.
func (r *Registry) ListByClient(clientID string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.byClient[clientID]
	result := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		result = append(result, sub)
	}
	return result
}

// ListByCollection returns a snapshot of the collection's subscriptions.
// The dispatcher iterates this copy outside the lock, so rule evaluation
// and transport writes never hold the registry's boundary.
func (r *Registry) ListByCollection(collection string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.byCollection[collection]
	result := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		result = append(result, sub)
	}
	return result
}

// Get returns a subscription by ID.
func (r *Registry) Get(subscriptionID string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byID[subscriptionID]
	return sub, ok
}

// Touch records client activity. The transport's heartbeat loop calls this
// so the cleanup sweep spares live clients.
func (r *Registry) Touch(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byClient[clientID]; ok {
		r.activity[clientID] = time.Now()
	}
}

// Cleanup removes subscriptions of clients with no activity within maxAge.
// This is leak prevention for the case where a disconnect signal was
// missed; the normal path is the disconnect cascade.
func (r *Registry) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for clientID, last := range r.activity {
		if last.After(cutoff) {
			continue
		}
		for _, sub := range r.byClient[clientID] {
			r.removeLocked(sub)
			removed++
		}
		delete(r.activity, clientID)
	}

	if removed > 0 {
		r.logger.Info("Cleanup swept stale subscriptions", "removed", removed, "maxAge", maxAge)
	}
	return removed
}

// Stats returns subscription counts.
func (r *Registry) Stats() (total, clients, collections int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID), len(r.byClient), len(r.byCollection)
}

// removeLocked deletes a subscription from every index. Caller holds mu.
func (r *Registry) removeLocked(sub *Subscription) {
	delete(r.byID, sub.ID)

	if clientSubs := r.byClient[sub.ClientID]; clientSubs != nil {
		delete(clientSubs, sub.ID)
		if len(clientSubs) == 0 {
			delete(r.byClient, sub.ClientID)
		}
	}
	if collSubs := r.byCollection[sub.Collection]; collSubs != nil {
		delete(collSubs, sub.ID)
		if len(collSubs) == 0 {
			delete(r.byCollection, sub.Collection)
		}
	}
}
