package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup by ID finds nothing.
var ErrNotFound = errors.New("store: not found")

// Store defines the durable persistence and change-notification contract
// used by the rest of the broker. BoltStore is the only implementation;
// every other component holds Subscription/Event/QueuedEvent values, never
// a reference back into the Store.
type Store interface {
	CreateSubscription(s *Subscription) (*Subscription, error)
	GetSubscription(id string) (*Subscription, error)
	ListSubscriptions() ([]*Subscription, error)
	ListSubscriptionsBySession(sessionID string) ([]*Subscription, error)
	UpdateSubscription(s *Subscription) error
	DeleteSubscription(id string) error
	SetStatus(id string, status SubscriptionStatus) error
	IncrementEventCount(id string) error

	LogEvent(subscriptionID, payload string, result VerificationResult, injected bool) (*Event, error)
	MarkEventInjected(id string) error
	GetEvent(id string) (*Event, error)
	ListEvents(subscriptionID string, limit int) ([]*Event, error)
	ListUninjectedEvents(subscriptionID string) ([]*Event, error)
	PruneEventsOlderThan(cutoff time.Time) (int, error)

	Enqueue(subscriptionID, sessionID string, framedPayload []byte) (*QueuedEvent, error)
	ListQueuedForSession(sessionID string) ([]*QueuedEvent, error)
	Dequeue(id string) error

	// DrainOne removes a QueuedEvent and increments its subscription's
	// event_count as a single logical operation.
	DrainOne(ctx context.Context, queuedID string) error

	SubscribeToChanges() (ch <-chan struct{}, cancel func())

	Close() error
}
