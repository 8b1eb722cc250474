package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "broker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateGetSubscriptionRoundTrip(t *testing.T) {
	s := openTestStore(t)

	created, err := s.CreateSubscription(&Subscription{SessionID: "sess-1", WebhookURL: "https://x/webhook/1"})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.Equal(t, StatusActive, created.Status)

	got, err := s.GetSubscription(created.ID)
	require.NoError(t, err)
	require.Equal(t, created, got)
}

func TestUpdateSubscriptionFullReplace(t *testing.T) {
	s := openTestStore(t)
	created, err := s.CreateSubscription(&Subscription{SessionID: "sess-1"})
	require.NoError(t, err)

	created.DisplayName = "renamed"
	require.NoError(t, s.UpdateSubscription(created))

	got, err := s.GetSubscription(created.ID)
	require.NoError(t, err)
	require.Equal(t, "renamed", got.DisplayName)
}

func TestUpdateSubscriptionMissingFails(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateSubscription(&Subscription{ID: "does-not-exist"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSubscriptionIsIdempotentAndCascades(t *testing.T) {
	s := openTestStore(t)
	sub, err := s.CreateSubscription(&Subscription{SessionID: "sess-1"})
	require.NoError(t, err)

	_, err = s.LogEvent(sub.ID, "{}", VerificationAccepted, false)
	require.NoError(t, err)
	_, err = s.Enqueue(sub.ID, "sess-1", []byte("framed"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteSubscription(sub.ID))
	require.NoError(t, s.DeleteSubscription(sub.ID)) // second delete succeeds too

	events, err := s.ListEvents(sub.ID, 0)
	require.NoError(t, err)
	require.Empty(t, events)

	queued, err := s.ListQueuedForSession("sess-1")
	require.NoError(t, err)
	require.Empty(t, queued)
}

func TestMarkEventInjectedIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	sub, err := s.CreateSubscription(&Subscription{SessionID: "sess-1"})
	require.NoError(t, err)
	ev, err := s.LogEvent(sub.ID, "{}", VerificationAccepted, false)
	require.NoError(t, err)

	require.NoError(t, s.MarkEventInjected(ev.ID))
	require.NoError(t, s.MarkEventInjected(ev.ID))

	got, err := s.GetEvent(ev.ID)
	require.NoError(t, err)
	require.True(t, got.Injected)
}

func TestDrainOneRemovesQueueAndBumpsEventCount(t *testing.T) {
	s := openTestStore(t)
	sub, err := s.CreateSubscription(&Subscription{SessionID: "sess-1"})
	require.NoError(t, err)
	qe, err := s.Enqueue(sub.ID, "sess-1", []byte("framed"))
	require.NoError(t, err)

	require.NoError(t, s.DrainOne(context.Background(), qe.ID))

	remaining, err := s.ListQueuedForSession("sess-1")
	require.NoError(t, err)
	require.Empty(t, remaining)

	got, err := s.GetSubscription(sub.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, got.EventCount)
}

func TestListQueuedForSessionIsOldestFirst(t *testing.T) {
	s := openTestStore(t)
	sub, err := s.CreateSubscription(&Subscription{SessionID: "sess-1"})
	require.NoError(t, err)

	first, err := s.Enqueue(sub.ID, "sess-1", []byte("first"))
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	second, err := s.Enqueue(sub.ID, "sess-1", []byte("second"))
	require.NoError(t, err)

	got, err := s.ListQueuedForSession("sess-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, first.ID, got[0].ID)
	require.Equal(t, second.ID, got[1].ID)
}

func TestPruneEventsOlderThan(t *testing.T) {
	s := openTestStore(t)
	sub, err := s.CreateSubscription(&Subscription{SessionID: "sess-1"})
	require.NoError(t, err)
	_, err = s.LogEvent(sub.ID, "{}", VerificationAccepted, false)
	require.NoError(t, err)

	n, err := s.PruneEventsOlderThan(time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	events, err := s.ListEvents(sub.ID, 0)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestSubscribeToChangesReceivesOnMutation(t *testing.T) {
	s := openTestStore(t)
	ch, cancel := s.SubscribeToChanges()
	defer cancel()

	_, err := s.CreateSubscription(&Subscription{SessionID: "sess-1"})
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a change notification")
	}
}
