package jobstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPauseAndResumeTrigger(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreJob(ctx, testJob("daily-summary"), false))
	trigger := testSimpleTrigger("hourly", "daily-summary", clock.Now().Add(time.Hour))
	require.NoError(t, store.StoreTrigger(ctx, trigger, false))

	require.NoError(t, store.PauseTrigger(ctx, trigger.Key))
	state, err := store.GetTriggerState(ctx, trigger.Key)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, state)

	require.NoError(t, store.ResumeTrigger(ctx, trigger.Key))
	state, err = store.GetTriggerState(ctx, trigger.Key)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, state)
}

func TestPauseTrigger_IgnoresCompletedTrigger(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreJob(ctx, testJob("daily-summary"), false))
	trigger := testSimpleTrigger("hourly", "daily-summary", clock.Now().Add(time.Hour))
	require.NoError(t, store.StoreTrigger(ctx, trigger, false))

	require.NoError(t, store.withTx(ctx, func(tx *sql.Tx) error {
		return updateTriggerState(tx, trigger.Key, StateComplete)
	}))

	require.NoError(t, store.PauseTrigger(ctx, trigger.Key))
	state, err := store.GetTriggerState(ctx, trigger.Key)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, state)
}

func TestResumeTrigger_AppliesMisfirePolicy(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreJob(ctx, testJob("daily-summary"), false))
	trigger := testSimpleTrigger("hourly", "daily-summary", clock.Now())
	trigger.MisfireInstruction = MisfireRescheduleNext
	require.NoError(t, store.StoreTrigger(ctx, trigger, false))
	require.NoError(t, store.PauseTrigger(ctx, trigger.Key))

	// Stay paused far past the misfire threshold
	clock.Advance(3 * time.Hour)
	require.NoError(t, store.ResumeTrigger(ctx, trigger.Key))

	loaded, err := store.RetrieveTrigger(ctx, trigger.Key)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, loaded.State)
	require.NotNil(t, loaded.NextFireTime)
	assert.True(t, loaded.NextFireTime.After(clock.Now()))
}

func TestPauseTriggerGroup(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreJob(ctx, testJob("daily-summary"), false))
	first := testSimpleTrigger("hourly", "daily-summary", clock.Now().Add(time.Hour))
	second := testSimpleTrigger("nightly", "daily-summary", clock.Now().Add(time.Hour))
	require.NoError(t, store.StoreTrigger(ctx, first, false))
	require.NoError(t, store.StoreTrigger(ctx, second, false))

	require.NoError(t, store.PauseTriggerGroup(ctx, "reports"))

	for _, key := range []Key{first.Key, second.Key} {
		state, err := store.GetTriggerState(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, StatePaused, state)
	}

	paused, err := store.GetPausedTriggerGroups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"reports"}, paused)

	require.NoError(t, store.ResumeTriggerGroup(ctx, "reports"))

	for _, key := range []Key{first.Key, second.Key} {
		state, err := store.GetTriggerState(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, StateWaiting, state)
	}

	paused, err = store.GetPausedTriggerGroups(ctx)
	require.NoError(t, err)
	assert.Empty(t, paused)
}

func TestPauseAndResumeJob(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreJob(ctx, testJob("daily-summary"), false))
	trigger := testSimpleTrigger("hourly", "daily-summary", clock.Now().Add(time.Hour))
	require.NoError(t, store.StoreTrigger(ctx, trigger, false))

	require.NoError(t, store.PauseJob(ctx, Key{Group: "reports", Name: "daily-summary"}))
	state, err := store.GetTriggerState(ctx, trigger.Key)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, state)

	require.NoError(t, store.ResumeJob(ctx, Key{Group: "reports", Name: "daily-summary"}))
	state, err = store.GetTriggerState(ctx, trigger.Key)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, state)
}

func TestPauseAllAndResumeAll(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreJob(ctx, testJob("daily-summary"), false))
	require.NoError(t, store.StoreJob(ctx, &JobDetail{Key: Key{Group: "billing", Name: "invoice"}, Durable: true}, false))

	reports := testSimpleTrigger("hourly", "daily-summary", clock.Now().Add(time.Hour))
	billing := &Trigger{
		Key:       Key{Group: "billing", Name: "monthly"},
		JobKey:    Key{Group: "billing", Name: "invoice"},
		StartTime: clock.Now().Add(time.Hour),
		Type:      TriggerTypeSimple,
		Simple:    &SimpleTrigger{RepeatInterval: time.Hour, RepeatCount: RepeatIndefinitely},
	}
	require.NoError(t, store.StoreTrigger(ctx, reports, false))
	require.NoError(t, store.StoreTrigger(ctx, billing, false))

	require.NoError(t, store.PauseAll(ctx))

	paused, err := store.GetPausedTriggerGroups(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"reports", "billing"}, paused)

	require.NoError(t, store.ResumeAll(ctx))

	paused, err = store.GetPausedTriggerGroups(ctx)
	require.NoError(t, err)
	assert.Empty(t, paused)

	for _, key := range []Key{reports.Key, billing.Key} {
		state, err := store.GetTriggerState(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, StateWaiting, state)
	}
}
