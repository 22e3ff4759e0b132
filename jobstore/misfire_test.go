package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	tempotest "github.com/teranos/tempo/internal/testing"
)

func TestAcquireNextTrigger_RepairsMisfiredTrigger(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreJob(ctx, testJob("daily-summary"), false))
	trigger := testSimpleTrigger("hourly", "daily-summary", clock.Now())
	trigger.MisfireInstruction = MisfireRescheduleNext
	require.NoError(t, store.StoreTrigger(ctx, trigger, false))

	// Sleep far past the fire time and the misfire threshold
	clock.Advance(3 * time.Hour)

	acquired, err := store.AcquireNextTrigger(ctx, clock.Now())
	require.NoError(t, err)
	assert.Nil(t, acquired)

	loaded, err := store.RetrieveTrigger(ctx, trigger.Key)
	require.NoError(t, err)
	require.NotNil(t, loaded.NextFireTime)
	assert.True(t, loaded.NextFireTime.After(clock.Now()))
	assert.Equal(t, StateWaiting, loaded.State)
}

func TestAcquireNextTrigger_IgnorePolicyFiresLate(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreJob(ctx, testJob("daily-summary"), false))
	trigger := testSimpleTrigger("hourly", "daily-summary", clock.Now())
	trigger.MisfireInstruction = MisfireIgnore
	require.NoError(t, store.StoreTrigger(ctx, trigger, false))

	clock.Advance(3 * time.Hour)

	acquired, err := store.AcquireNextTrigger(ctx, clock.Now())
	require.NoError(t, err)
	require.NotNil(t, acquired)
	assert.Equal(t, trigger.Key, acquired.Key)
}

func TestRecoverMisfiredJobs(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreJob(ctx, testJob("daily-summary"), false))
	for _, name := range []string{"first", "second", "third"} {
		trigger := testSimpleTrigger(name, "daily-summary", clock.Now())
		trigger.MisfireInstruction = MisfireRescheduleNext
		require.NoError(t, store.StoreTrigger(ctx, trigger, false))
	}

	clock.Advance(3 * time.Hour)

	more, err := store.RecoverMisfiredJobs(ctx)
	require.NoError(t, err)
	assert.False(t, more)

	for _, name := range []string{"first", "second", "third"} {
		loaded, err := store.RetrieveTrigger(ctx, Key{Group: "reports", Name: name})
		require.NoError(t, err)
		require.NotNil(t, loaded.NextFireTime)
		assert.True(t, loaded.NextFireTime.After(clock.Now()), "trigger %s still stale", name)
	}
}

func TestRecoverMisfiredJobs_CompletesExhaustedTrigger(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreJob(ctx, testJob("daily-summary"), false))
	trigger := testSimpleTrigger("once", "daily-summary", clock.Now())
	trigger.Simple.RepeatCount = 0
	trigger.Simple.RepeatInterval = 0
	trigger.MisfireInstruction = MisfireRescheduleNext
	require.NoError(t, store.StoreTrigger(ctx, trigger, false))

	clock.Advance(3 * time.Hour)

	_, err := store.RecoverMisfiredJobs(ctx)
	require.NoError(t, err)

	state, err := store.GetTriggerState(ctx, trigger.Key)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, state)
}

func TestRecoverMisfiredJobs_ReportsMoreBeyondBatch(t *testing.T) {
	database := tempotest.CreateTestDB(t)
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	cfg := testConfig()
	cfg.MaxMisfiresToHandleAtATime = 2
	store, err := New(database, cfg, zap.NewNop().Sugar(), WithClock(clock))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.StoreJob(ctx, testJob("daily-summary"), false))
	for _, name := range []string{"first", "second", "third"} {
		trigger := testSimpleTrigger(name, "daily-summary", clock.Now())
		trigger.MisfireInstruction = MisfireRescheduleNext
		require.NoError(t, store.StoreTrigger(ctx, trigger, false))
	}

	clock.Advance(3 * time.Hour)

	more, err := store.RecoverMisfiredJobs(ctx)
	require.NoError(t, err)
	assert.True(t, more)

	more, err = store.RecoverMisfiredJobs(ctx)
	require.NoError(t, err)
	assert.False(t, more)
}
