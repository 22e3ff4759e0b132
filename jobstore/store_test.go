package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/tempo/config"
	"github.com/teranos/tempo/errors"
	tempotest "github.com/teranos/tempo/internal/testing"
)

func testConfig() *config.Config {
	return &config.Config{
		InstanceName:               "TestScheduler",
		InstanceID:                 "test-instance",
		ClusterCheckinInterval:     config.DefaultClusterCheckinIntervalMS,
		MisfireThreshold:           config.DefaultMisfireThresholdMS,
		MaxMisfiresToHandleAtATime: config.DefaultMaxMisfiresToHandleAtATime,
	}
}

func newTestStore(t *testing.T, opts ...Option) (*Store, clockwork.FakeClock) {
	t.Helper()

	database := tempotest.CreateTestDB(t)
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	store, err := New(database, testConfig(), zap.NewNop().Sugar(),
		append([]Option{WithClock(clock)}, opts...)...)
	require.NoError(t, err)
	return store, clock
}

func testJob(name string) *JobDetail {
	return &JobDetail{
		Key:         Key{Group: "reports", Name: name},
		Description: "nightly report",
		Durable:     true,
	}
}

func testSimpleTrigger(name, jobName string, start time.Time) *Trigger {
	return &Trigger{
		Key:       Key{Group: "reports", Name: name},
		JobKey:    Key{Group: "reports", Name: jobName},
		StartTime: start,
		Type:      TriggerTypeSimple,
		Simple: &SimpleTrigger{
			RepeatInterval: time.Hour,
			RepeatCount:    RepeatIndefinitely,
		},
	}
}

func TestStoreJob_RoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	job := testJob("daily-summary")
	job.Stateful = true
	job.RequestsRecovery = true
	job.Data = JobDataMap{"recipient": "ops@example.com"}
	require.NoError(t, store.StoreJob(ctx, job, false))

	loaded, err := store.RetrieveJob(ctx, job.Key)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, job.Key, loaded.Key)
	assert.Equal(t, "nightly report", loaded.Description)
	assert.True(t, loaded.Durable)
	assert.True(t, loaded.Stateful)
	assert.True(t, loaded.RequestsRecovery)
	assert.Equal(t, "ops@example.com", loaded.Data["recipient"])
}

func TestStoreJob_DuplicateWithoutReplace(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreJob(ctx, testJob("daily-summary"), false))

	err := store.StoreJob(ctx, testJob("daily-summary"), false)
	require.Error(t, err)
	assert.True(t, errors.IsObjectAlreadyExists(err))
}

func TestStoreJob_Replace(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreJob(ctx, testJob("daily-summary"), false))

	updated := testJob("daily-summary")
	updated.Description = "hourly report"
	require.NoError(t, store.StoreJob(ctx, updated, true))

	loaded, err := store.RetrieveJob(ctx, updated.Key)
	require.NoError(t, err)
	assert.Equal(t, "hourly report", loaded.Description)
}

func TestStoreJob_EmptyGroupDefaults(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	job := &JobDetail{Key: Key{Name: "ungrouped"}, Durable: true}
	require.NoError(t, store.StoreJob(ctx, job, false))

	loaded, err := store.RetrieveJob(ctx, Key{Group: DefaultGroup, Name: "ungrouped"})
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, DefaultGroup, loaded.Key.Group)
}

func TestStoreTrigger_RoundTrip(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreJob(ctx, testJob("daily-summary"), false))

	trigger := testSimpleTrigger("hourly", "daily-summary", clock.Now())
	require.NoError(t, store.StoreTrigger(ctx, trigger, false))

	loaded, err := store.RetrieveTrigger(ctx, trigger.Key)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, trigger.Key, loaded.Key)
	assert.Equal(t, trigger.JobKey, loaded.JobKey)
	assert.Equal(t, TriggerTypeSimple, loaded.Type)
	require.NotNil(t, loaded.Simple)
	assert.Equal(t, time.Hour, loaded.Simple.RepeatInterval)
	assert.Equal(t, RepeatIndefinitely, loaded.Simple.RepeatCount)
	assert.Equal(t, StateWaiting, loaded.State)
	assert.Equal(t, DefaultPriority, loaded.Priority)
	require.NotNil(t, loaded.NextFireTime)
	assert.True(t, loaded.NextFireTime.Equal(clock.Now()))
}

func TestStoreTrigger_MissingJob(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	trigger := testSimpleTrigger("hourly", "no-such-job", clock.Now())
	err := store.StoreTrigger(ctx, trigger, false)
	require.Error(t, err)
	assert.True(t, errors.IsJobDoesNotExist(err))
}

func TestStoreTrigger_UnknownCalendar(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreJob(ctx, testJob("daily-summary"), false))

	trigger := testSimpleTrigger("hourly", "daily-summary", clock.Now())
	trigger.CalendarName = "no-such-calendar"
	err := store.StoreTrigger(ctx, trigger, false)
	require.Error(t, err)
	assert.True(t, errors.IsClientError(err))
}

func TestStoreTrigger_NeverFires(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreJob(ctx, testJob("daily-summary"), false))

	// The end time precedes the start time, so not even the first slot fires
	end := clock.Now().Add(-2 * time.Hour)
	trigger := testSimpleTrigger("expired", "daily-summary", clock.Now().Add(-time.Hour))
	trigger.EndTime = &end
	trigger.Simple.RepeatCount = 0

	err := store.StoreTrigger(ctx, trigger, false)
	require.Error(t, err)
	assert.True(t, errors.IsClientError(err))
}

func TestStoreTrigger_VolatileJobRejectsDurableTrigger(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	job := testJob("transient")
	job.Volatile = true
	require.NoError(t, store.StoreJob(ctx, job, false))

	trigger := testSimpleTrigger("hourly", "transient", clock.Now())
	err := store.StoreTrigger(ctx, trigger, false)
	require.Error(t, err)
	assert.True(t, errors.IsClientError(err))

	trigger.Volatile = true
	require.NoError(t, store.StoreTrigger(ctx, trigger, false))
}

func TestStoreTrigger_IntoPausedGroupStartsPaused(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreJob(ctx, testJob("daily-summary"), false))
	require.NoError(t, store.PauseTriggerGroup(ctx, "reports"))

	trigger := testSimpleTrigger("hourly", "daily-summary", clock.Now())
	require.NoError(t, store.StoreTrigger(ctx, trigger, false))

	state, err := store.GetTriggerState(ctx, trigger.Key)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, state)
}

func TestStoreJobAndTrigger_Atomic(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	job := testJob("daily-summary")
	trigger := testSimpleTrigger("hourly", "daily-summary", clock.Now())
	require.NoError(t, store.StoreJobAndTrigger(ctx, job, trigger))

	loadedJob, err := store.RetrieveJob(ctx, job.Key)
	require.NoError(t, err)
	require.NotNil(t, loadedJob)

	loadedTrigger, err := store.RetrieveTrigger(ctx, trigger.Key)
	require.NoError(t, err)
	require.NotNil(t, loadedTrigger)
}

func TestRemoveJob_CascadesTriggers(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreJob(ctx, testJob("daily-summary"), false))
	require.NoError(t, store.StoreTrigger(ctx, testSimpleTrigger("hourly", "daily-summary", clock.Now()), false))

	removed, err := store.RemoveJob(ctx, Key{Group: "reports", Name: "daily-summary"})
	require.NoError(t, err)
	assert.True(t, removed)

	trigger, err := store.RetrieveTrigger(ctx, Key{Group: "reports", Name: "hourly"})
	require.NoError(t, err)
	assert.Nil(t, trigger)
}

func TestRemoveTrigger_CascadesNonDurableOrphanJob(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	job := testJob("daily-summary")
	job.Durable = false
	require.NoError(t, store.StoreJob(ctx, job, false))
	require.NoError(t, store.StoreTrigger(ctx, testSimpleTrigger("hourly", "daily-summary", clock.Now()), false))

	removed, err := store.RemoveTrigger(ctx, Key{Group: "reports", Name: "hourly"})
	require.NoError(t, err)
	assert.True(t, removed)

	orphan, err := store.RetrieveJob(ctx, job.Key)
	require.NoError(t, err)
	assert.Nil(t, orphan)
}

func TestRemoveTrigger_KeepsDurableJob(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreJob(ctx, testJob("daily-summary"), false))
	require.NoError(t, store.StoreTrigger(ctx, testSimpleTrigger("hourly", "daily-summary", clock.Now()), false))

	removed, err := store.RemoveTrigger(ctx, Key{Group: "reports", Name: "hourly"})
	require.NoError(t, err)
	assert.True(t, removed)

	job, err := store.RetrieveJob(ctx, Key{Group: "reports", Name: "daily-summary"})
	require.NoError(t, err)
	assert.NotNil(t, job)
}

func TestReplaceTrigger_DifferentJobRejected(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreJob(ctx, testJob("daily-summary"), false))
	require.NoError(t, store.StoreJob(ctx, testJob("other-job"), false))
	require.NoError(t, store.StoreTrigger(ctx, testSimpleTrigger("hourly", "daily-summary", clock.Now()), false))

	replacement := testSimpleTrigger("half-hourly", "other-job", clock.Now())
	_, err := store.ReplaceTrigger(ctx, Key{Group: "reports", Name: "hourly"}, replacement)
	require.Error(t, err)
	assert.True(t, errors.IsClientError(err))
}

func TestReplaceTrigger_SameJob(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreJob(ctx, testJob("daily-summary"), false))
	require.NoError(t, store.StoreTrigger(ctx, testSimpleTrigger("hourly", "daily-summary", clock.Now()), false))

	replacement := testSimpleTrigger("half-hourly", "daily-summary", clock.Now())
	replacement.Simple.RepeatInterval = 30 * time.Minute
	replaced, err := store.ReplaceTrigger(ctx, Key{Group: "reports", Name: "hourly"}, replacement)
	require.NoError(t, err)
	assert.True(t, replaced)

	old, err := store.RetrieveTrigger(ctx, Key{Group: "reports", Name: "hourly"})
	require.NoError(t, err)
	assert.Nil(t, old)

	loaded, err := store.RetrieveTrigger(ctx, replacement.Key)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 30*time.Minute, loaded.Simple.RepeatInterval)
}

func TestGetTriggerState_Deleted(t *testing.T) {
	store, _ := newTestStore(t)

	state, err := store.GetTriggerState(context.Background(), Key{Group: "reports", Name: "gone"})
	require.NoError(t, err)
	assert.Equal(t, StateDeleted, state)
}

func TestStoreCalendar_RoundTripAndRemoval(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	cal := &Calendar{
		Description:      "weekends off",
		ExcludedWeekdays: []time.Weekday{time.Saturday, time.Sunday},
	}
	require.NoError(t, store.StoreCalendar(ctx, "weekends", cal, false, false))

	loaded, err := store.RetrieveCalendar(ctx, "weekends")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "weekends off", loaded.Description)

	removed, err := store.RemoveCalendar(ctx, "weekends")
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestRemoveCalendar_InUse(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreCalendar(ctx, "weekends", &Calendar{}, false, false))
	require.NoError(t, store.StoreJob(ctx, testJob("daily-summary"), false))

	trigger := testSimpleTrigger("hourly", "daily-summary", clock.Now())
	trigger.CalendarName = "weekends"
	require.NoError(t, store.StoreTrigger(ctx, trigger, false))

	_, err := store.RemoveCalendar(ctx, "weekends")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCalendarInUse))
}

func TestStoreCalendar_UpdateTriggersReevaluatesFireTimes(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreCalendar(ctx, "maintenance", &Calendar{}, false, false))
	require.NoError(t, store.StoreJob(ctx, testJob("daily-summary"), false))

	trigger := testSimpleTrigger("hourly", "daily-summary", clock.Now())
	trigger.CalendarName = "maintenance"
	require.NoError(t, store.StoreTrigger(ctx, trigger, false))

	before, err := store.RetrieveTrigger(ctx, trigger.Key)
	require.NoError(t, err)
	firstFire := *before.NextFireTime

	// Exclude the day of the first fire; the trigger must move past it
	updated := &Calendar{ExcludedDates: []string{firstFire.Format("2006-01-02")}}
	require.NoError(t, store.StoreCalendar(ctx, "maintenance", updated, true, true))

	after, err := store.RetrieveTrigger(ctx, trigger.Key)
	require.NoError(t, err)
	require.NotNil(t, after.NextFireTime)
	assert.NotEqual(t, firstFire.Format("2006-01-02"), after.NextFireTime.Format("2006-01-02"))
}

func TestIntrospection(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreJob(ctx, testJob("daily-summary"), false))
	require.NoError(t, store.StoreJob(ctx, &JobDetail{Key: Key{Group: "billing", Name: "invoice"}, Durable: true}, false))
	require.NoError(t, store.StoreTrigger(ctx, testSimpleTrigger("hourly", "daily-summary", clock.Now()), false))

	jobCount, err := store.GetJobCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, jobCount)

	triggerCount, err := store.GetTriggerCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, triggerCount)

	groups, err := store.GetJobGroupNames(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"reports", "billing"}, groups)

	keys, err := store.GetJobKeys(ctx, "reports")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, "daily-summary", keys[0].Name)

	triggers, err := store.GetTriggersForJob(ctx, Key{Group: "reports", Name: "daily-summary"})
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.Equal(t, "hourly", triggers[0].Key.Name)
}
