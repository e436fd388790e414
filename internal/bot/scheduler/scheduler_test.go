package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botplatform/internal/bot/botlib"
)

type fakeSubStore struct {
	subs       []botlib.Subscription
	statuses   map[int64]botlib.SubscriptionStatus
	prunedCall bool
}

func (f *fakeSubStore) DueSubscriptions(ctx context.Context, now time.Time) ([]botlib.Subscription, error) {
	return f.subs, nil
}

func (f *fakeSubStore) SweepableSubscriptions(ctx context.Context) ([]botlib.Subscription, error) {
	return f.subs, nil
}

func (f *fakeSubStore) SetSubscriptionStatus(ctx context.Context, id int64, status botlib.SubscriptionStatus) error {
	if f.statuses == nil {
		f.statuses = make(map[int64]botlib.SubscriptionStatus)
	}
	f.statuses[id] = status
	return nil
}

func (f *fakeSubStore) PruneActionLogs(ctx context.Context, retention time.Duration) (int64, error) {
	f.prunedCall = true
	return 5, nil
}

type fakeQueue struct {
	enqueued []int64
}

func (f *fakeQueue) Enqueue(ctx context.Context, subscriptionID int64, delay time.Duration) error {
	f.enqueued = append(f.enqueued, subscriptionID)
	return nil
}

func TestRunSweep_EnqueuesDueActiveSubscriptions(t *testing.T) {
	store := &fakeSubStore{subs: []botlib.Subscription{
		{ID: 1, Status: botlib.SubscriptionActive, NextRunAt: nil},
		{ID: 2, Status: botlib.SubscriptionActive, NextRunAt: timePtr(time.Now().Add(time.Hour))},
	}}
	queue := &fakeQueue{}
	s := New(store, queue, botlib.NopLogger{}, 30*24*time.Hour)

	s.runSweep(context.Background())
	assert.Equal(t, []int64{1}, queue.enqueued)
}

func TestRunSweep_SkipsPausedSubscriptions(t *testing.T) {
	store := &fakeSubStore{subs: []botlib.Subscription{
		{ID: 1, Status: botlib.SubscriptionPaused, NextRunAt: nil},
	}}
	queue := &fakeQueue{}
	s := New(store, queue, botlib.NopLogger{}, 30*24*time.Hour)

	s.runSweep(context.Background())
	assert.Empty(t, queue.enqueued)
}

func TestRunSweep_ExpiresTrialPastWindow(t *testing.T) {
	store := &fakeSubStore{subs: []botlib.Subscription{
		{ID: 1, Status: botlib.SubscriptionActive, IsTrial: true, TrialExpiresAt: timePtr(time.Now().Add(-time.Minute))},
	}}
	queue := &fakeQueue{}
	s := New(store, queue, botlib.NopLogger{}, 30*24*time.Hour)

	s.runSweep(context.Background())
	assert.Empty(t, queue.enqueued)
	assert.Equal(t, botlib.SubscriptionExpired, store.statuses[1])
}

func TestRunSweep_CancelsPaidPastExpiry(t *testing.T) {
	store := &fakeSubStore{subs: []botlib.Subscription{
		{ID: 1, Status: botlib.SubscriptionActive, ExpiresAt: timePtr(time.Now().Add(-time.Minute))},
	}}
	queue := &fakeQueue{}
	s := New(store, queue, botlib.NopLogger{}, 30*24*time.Hour)

	s.runSweep(context.Background())
	assert.Equal(t, botlib.SubscriptionCancelled, store.statuses[1])
}

func TestRunMaintenance_PrunesActionLogs(t *testing.T) {
	store := &fakeSubStore{}
	s := New(store, &fakeQueue{}, botlib.NopLogger{}, 30*24*time.Hour)

	s.runMaintenance(context.Background())
	require.True(t, store.prunedCall)
}

func timePtr(t time.Time) *time.Time { return &t }
