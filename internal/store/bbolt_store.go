package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketSubscriptions = []byte("subscriptions")
	bucketEvents        = []byte("events")
	bucketQueuedEvents  = []byte("queued_events")
)

// BoltStore is the bbolt-backed Store implementation.
type BoltStore struct {
	db *bolt.DB

	mu   sync.Mutex
	subs []chan struct{}
}

// Open opens (creating if absent) the bbolt file at path and applies any
// outstanding migrations.
func Open(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// notify wakes every subscriber without blocking on a slow or dead reader.
func (s *BoltStore) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// SubscribeToChanges registers a receive handle for the coarse
// "something changed" signal. cancel unregisters it; callers should defer
// cancel() to avoid leaking the channel in the subscriber slice.
func (s *BoltStore) SubscribeToChanges() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, c := range s.subs {
			if c == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

// --- Subscriptions ---

func (s *BoltStore) CreateSubscription(in *Subscription) (*Subscription, error) {
	out := *in
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	out.Status = StatusActive
	out.EventCount = 0
	out.CreatedAt = time.Now().UTC()

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)
		data, err := json.Marshal(&out)
		if err != nil {
			return err
		}
		return b.Put([]byte(out.ID), data)
	})
	if err != nil {
		return nil, err
	}
	s.notify()
	return &out, nil
}

func (s *BoltStore) GetSubscription(id string) (*Subscription, error) {
	var sub Subscription
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSubscriptions).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &sub)
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *BoltStore) ListSubscriptions() ([]*Subscription, error) {
	var out []*Subscription
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).ForEach(func(k, v []byte) error {
			var sub Subscription
			if err := json.Unmarshal(v, &sub); err != nil {
				return err
			}
			out = append(out, &sub)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (s *BoltStore) ListSubscriptionsBySession(sessionID string) ([]*Subscription, error) {
	all, err := s.ListSubscriptions()
	if err != nil {
		return nil, err
	}
	var out []*Subscription
	for _, sub := range all {
		if sub.SessionID == sessionID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *BoltStore) UpdateSubscription(in *Subscription) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)
		if b.Get([]byte(in.ID)) == nil {
			return ErrNotFound
		}
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		return b.Put([]byte(in.ID), data)
	})
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *BoltStore) SetStatus(id string, status SubscriptionStatus) error {
	err := s.mutateSubscription(id, func(sub *Subscription) { sub.Status = status })
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *BoltStore) IncrementEventCount(id string) error {
	return s.mutateSubscription(id, func(sub *Subscription) { sub.EventCount++ })
}

func (s *BoltStore) mutateSubscription(id string, fn func(*Subscription)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var sub Subscription
		if err := json.Unmarshal(data, &sub); err != nil {
			return err
		}
		fn(&sub)
		out, err := json.Marshal(&sub)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

// DeleteSubscription is idempotent and cascades Events and QueuedEvents for
// the subscription in the same transaction.
func (s *BoltStore) DeleteSubscription(id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSubscriptions).Delete([]byte(id)); err != nil {
			return err
		}
		if err := deleteWhereSubscription(tx.Bucket(bucketEvents), id); err != nil {
			return err
		}
		return deleteWhereSubscription(tx.Bucket(bucketQueuedEvents), id)
	})
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

// deleteWhereSubscription removes every value in b whose subscription_id
// field matches id. Used for the two cascade-delete relationships.
func deleteWhereSubscription(b *bolt.Bucket, subscriptionID string) error {
	var dead [][]byte
	err := b.ForEach(func(k, v []byte) error {
		var row struct {
			SubscriptionID string `json:"subscription_id"`
		}
		if err := json.Unmarshal(v, &row); err != nil {
			return err
		}
		if row.SubscriptionID == subscriptionID {
			dead = append(dead, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range dead {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// --- Events ---

func (s *BoltStore) LogEvent(subscriptionID, payload string, result VerificationResult, injected bool) (*Event, error) {
	ev := &Event{
		ID:                 uuid.NewString(),
		SubscriptionID:     subscriptionID,
		ReceivedAt:         time.Now().UTC(),
		Payload:            payload,
		VerificationResult: result,
		Injected:           injected,
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketEvents).Put([]byte(ev.ID), data)
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *BoltStore) MarkEventInjected(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		if ev.Injected {
			return nil // idempotent: already marked
		}
		ev.Injected = true
		out, err := json.Marshal(&ev)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

func (s *BoltStore) GetEvent(id string) (*Event, error) {
	var ev Event
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEvents).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &ev)
	})
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *BoltStore) ListEvents(subscriptionID string, limit int) ([]*Event, error) {
	var out []*Event
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(k, v []byte) error {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if ev.SubscriptionID == subscriptionID {
				out = append(out, &ev)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *BoltStore) ListUninjectedEvents(subscriptionID string) ([]*Event, error) {
	all, err := s.ListEvents(subscriptionID, 0)
	if err != nil {
		return nil, err
	}
	var out []*Event
	for _, ev := range all {
		if !ev.Injected {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *BoltStore) PruneEventsOlderThan(cutoff time.Time) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		var dead [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if ev.ReceivedAt.Before(cutoff) {
				dead = append(dead, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range dead {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// --- Queued events ---

func (s *BoltStore) Enqueue(subscriptionID, sessionID string, framedPayload []byte) (*QueuedEvent, error) {
	qe := &QueuedEvent{
		ID:             uuid.NewString(),
		SubscriptionID: subscriptionID,
		SessionID:      sessionID,
		FramedPayload:  framedPayload,
		EnqueuedAt:     time.Now().UTC(),
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(qe)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketQueuedEvents).Put([]byte(qe.ID), data)
	})
	if err != nil {
		return nil, err
	}
	return qe, nil
}

func (s *BoltStore) ListQueuedForSession(sessionID string) ([]*QueuedEvent, error) {
	var out []*QueuedEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueuedEvents).ForEach(func(k, v []byte) error {
			var qe QueuedEvent
			if err := json.Unmarshal(v, &qe); err != nil {
				return err
			}
			if qe.SessionID == sessionID {
				out = append(out, &qe)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out, nil
}

func (s *BoltStore) Dequeue(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueuedEvents).Delete([]byte(id))
	})
}

// DrainOne removes the queued entry and bumps its subscription's
// event_count atomically.
func (s *BoltStore) DrainOne(_ context.Context, queuedID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		qb := tx.Bucket(bucketQueuedEvents)
		data := qb.Get([]byte(queuedID))
		if data == nil {
			return ErrNotFound
		}
		var qe QueuedEvent
		if err := json.Unmarshal(data, &qe); err != nil {
			return err
		}
		if err := qb.Delete([]byte(queuedID)); err != nil {
			return err
		}

		sb := tx.Bucket(bucketSubscriptions)
		subData := sb.Get([]byte(qe.SubscriptionID))
		if subData == nil {
			// Subscription was deleted concurrently; the cascade already
			// removed this queued row's siblings, nothing left to bump.
			return nil
		}
		var sub Subscription
		if err := json.Unmarshal(subData, &sub); err != nil {
			return err
		}
		sub.EventCount++
		out, err := json.Marshal(&sub)
		if err != nil {
			return err
		}
		return sb.Put([]byte(sub.ID), out)
	})
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

var _ Store = (*BoltStore)(nil)
