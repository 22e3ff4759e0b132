// Package jobstore is a persistent, clustered job scheduler store backed by
// a relational database. It translates scheduler calls into ACID-safe
// transactions over a fixed set of tables, staying correct under concurrent
// access by peer scheduler instances and under the crash of any peer.
package jobstore

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/teranos/tempo/config"
	"github.com/teranos/tempo/errors"
)

// Store is the durable backing for a scheduler. All public operations are
// safe for concurrent use by multiple goroutines and multiple processes
// sharing one database.
type Store struct {
	db    *sql.DB
	locks LockHandler
	log   *zap.SugaredLogger
	clock clockwork.Clock

	instanceID   string
	instanceName string

	clustered        bool
	lockOnInsert     bool
	misfireThreshold time.Duration
	maxMisfires      int
	checkinInterval  time.Duration

	// signaler is poked after commits that change what fires next, so the
	// scheduler's timing loop can re-plan.
	signaler func()

	mu           sync.Mutex
	started      bool
	firstCheckin bool
	stopCheckin  context.CancelFunc
	checkinDone  chan struct{}
}

// Option customizes a Store at construction.
type Option func(*Store)

// WithClock substitutes the wall clock, letting tests drive the check-in
// loop deterministically.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// WithSignaler registers a callback fired after commits that change the
// scheduling picture.
func WithSignaler(fn func()) Option {
	return func(s *Store) { s.signaler = fn }
}

// WithLockHandler overrides the lock handler chosen from configuration.
func WithLockHandler(h LockHandler) Option {
	return func(s *Store) { s.locks = h }
}

// New builds a store over an open database. The schema must already be
// migrated.
func New(database *sql.DB, cfg *config.Config, log *zap.SugaredLogger, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	instanceID := cfg.InstanceID
	if instanceID == "" || instanceID == "AUTO" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown-host"
		}
		instanceID = hostname + "-" + uuid.NewString()
	}

	s := &Store{
		db:               database,
		log:              log,
		clock:            clockwork.NewRealClock(),
		instanceID:       instanceID,
		instanceName:     cfg.InstanceName,
		clustered:        cfg.IsClustered,
		lockOnInsert:     cfg.LockOnInsert,
		misfireThreshold: time.Duration(cfg.MisfireThreshold) * time.Millisecond,
		maxMisfires:      cfg.MaxMisfiresToHandleAtATime,
		checkinInterval:  time.Duration(cfg.ClusterCheckinInterval) * time.Millisecond,
		firstCheckin:     true,
	}

	if cfg.UseDBLocks {
		s.locks = NewRowLockHandler(cfg.SelectWithLockSQL, log)
	} else {
		s.locks = NewMutexLockHandler()
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// InstanceID returns this store's resolved cluster instance id.
func (s *Store) InstanceID() string {
	return s.instanceID
}

// Clustered reports whether cluster check-in is enabled.
func (s *Store) Clustered() bool {
	return s.clustered
}

func (s *Store) signalSchedulingChange() {
	if s.signaler != nil {
		s.signaler()
	}
}

// withLockedTx is the transaction envelope: begin, obtain the named locks
// in order, run the work, commit on success or roll back on failure, and
// always release owned locks.
func (s *Store) withLockedTx(ctx context.Context, lockNames []string, work func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	owned := make([]bool, len(lockNames))
	defer func() {
		for i := len(lockNames) - 1; i >= 0; i-- {
			if releaseErr := s.locks.Release(tx, lockNames[i], owned[i]); releaseErr != nil && err == nil {
				err = releaseErr
			}
		}
	}()

	for i, name := range lockNames {
		if lockErr := s.locks.Obtain(ctx, tx, name); lockErr != nil {
			tx.Rollback()
			return lockErr
		}
		owned[i] = true
	}

	if workErr := work(tx); workErr != nil {
		tx.Rollback()
		return workErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return errors.Wrap(commitErr, "failed to commit transaction")
	}
	return nil
}

// withTx runs read-only work in a transaction without any locking.
func (s *Store) withTx(ctx context.Context, work func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := work(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

// insertLocks returns the locks for a store operation: none on the
// lock-on-insert fast path, TRIGGER_ACCESS otherwise.
func (s *Store) insertLocks(replace bool) []string {
	if s.lockOnInsert || replace {
		return []string{LockTriggerAccess}
	}
	return nil
}

// --- jobs and triggers ---

// StoreJob persists a job. With replace unset, storing an existing key
// fails with ErrObjectAlreadyExists.
func (s *Store) StoreJob(ctx context.Context, job *JobDetail, replace bool) error {
	if err := job.Validate(); err != nil {
		return err
	}
	job.Key = NewKey(job.Key.Group, job.Key.Name)

	return s.withLockedTx(ctx, s.insertLocks(replace), func(tx *sql.Tx) error {
		return s.storeJob(tx, job, replace)
	})
}

func (s *Store) storeJob(tx *sql.Tx, job *JobDetail, replace bool) error {
	exists, err := jobExists(tx, job.Key)
	if err != nil {
		return err
	}
	if exists && !replace {
		return errors.Wrapf(errors.ErrObjectAlreadyExists, "job %s", job.Key)
	}
	if exists {
		return updateJob(tx, job)
	}
	return insertJob(tx, job)
}

// StoreTrigger persists a trigger. The referenced job must exist, a
// volatile job only takes volatile triggers, and a referenced calendar
// must exist.
func (s *Store) StoreTrigger(ctx context.Context, trigger *Trigger, replace bool) error {
	if err := trigger.Validate(); err != nil {
		return err
	}
	trigger.Key = NewKey(trigger.Key.Group, trigger.Key.Name)
	trigger.JobKey = NewKey(trigger.JobKey.Group, trigger.JobKey.Name)

	err := s.withLockedTx(ctx, s.insertLocks(replace), func(tx *sql.Tx) error {
		return s.storeTrigger(tx, trigger, replace)
	})
	if err != nil {
		return err
	}
	s.signalSchedulingChange()
	return nil
}

func (s *Store) storeTrigger(tx *sql.Tx, trigger *Trigger, replace bool) error {
	exists, err := triggerExists(tx, trigger.Key)
	if err != nil {
		return err
	}
	if exists && !replace {
		return errors.Wrapf(errors.ErrObjectAlreadyExists, "trigger %s", trigger.Key)
	}

	job, err := selectJob(tx, trigger.JobKey)
	if err != nil {
		return err
	}
	if job == nil {
		return errors.Wrapf(errors.ErrJobDoesNotExist, "trigger %s references job %s", trigger.Key, trigger.JobKey)
	}
	if job.Volatile && !trigger.Volatile {
		return errors.NewClientError("volatile job %s cannot have durable trigger %s", job.Key, trigger.Key)
	}

	var cal *Calendar
	if trigger.CalendarName != "" {
		cal, err = selectCalendar(tx, trigger.CalendarName)
		if err != nil {
			return err
		}
		if cal == nil {
			return errors.NewClientError("trigger %s references unknown calendar %q", trigger.Key, trigger.CalendarName)
		}
	}

	if trigger.Priority == 0 {
		trigger.Priority = DefaultPriority
	}

	if trigger.NextFireTime == nil {
		trigger.ComputeFirstFireTime(cal)
		if trigger.NextFireTime == nil {
			return errors.NewClientError("trigger %s will never fire", trigger.Key)
		}
	}

	if exists {
		// Replacement keeps the row's current state
		state, err := selectTriggerState(tx, trigger.Key)
		if err != nil {
			return err
		}
		trigger.State = state
		return updateTrigger(tx, trigger)
	}

	trigger.State, err = s.stateForNewTrigger(tx, trigger.Key.Group, job)
	if err != nil {
		return err
	}
	return insertTrigger(tx, trigger)
}

// stateForNewTrigger picks the initial state: PAUSED when the group is
// paused, BLOCKED when the stateful job is mid-execution, both combined
// as PAUSED_BLOCKED.
func (s *Store) stateForNewTrigger(tx *sql.Tx, group string, job *JobDetail) (TriggerState, error) {
	paused, err := isTriggerGroupPaused(tx, group)
	if err != nil {
		return "", err
	}

	blocked := false
	if job.Stateful {
		states, err := selectTriggerStatesForJob(tx, job.Key)
		if err != nil {
			return "", err
		}
		// A stateful job's triggers stay BLOCKED (PAUSED_BLOCKED when
		// paused) from TriggerFired until TriggeredJobComplete
		for _, state := range states {
			if state == StateBlocked || state == StatePausedBlocked {
				blocked = true
				break
			}
		}
	}

	switch {
	case paused && blocked:
		return StatePausedBlocked, nil
	case paused:
		return StatePaused, nil
	case blocked:
		return StateBlocked, nil
	default:
		return StateWaiting, nil
	}
}

// StoreJobAndTrigger persists a job and its first trigger in one
// transaction. Nothing is written when either half is invalid.
func (s *Store) StoreJobAndTrigger(ctx context.Context, job *JobDetail, trigger *Trigger) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if err := trigger.Validate(); err != nil {
		return err
	}
	job.Key = NewKey(job.Key.Group, job.Key.Name)
	trigger.Key = NewKey(trigger.Key.Group, trigger.Key.Name)
	trigger.JobKey = job.Key

	err := s.withLockedTx(ctx, s.insertLocks(false), func(tx *sql.Tx) error {
		if err := s.storeJob(tx, job, false); err != nil {
			return err
		}
		return s.storeTrigger(tx, trigger, false)
	})
	if err != nil {
		return err
	}
	s.signalSchedulingChange()
	return nil
}

// RemoveJob deletes a job and every trigger pointing at it. Returns whether
// the job existed.
func (s *Store) RemoveJob(ctx context.Context, key Key) (bool, error) {
	key = NewKey(key.Group, key.Name)

	var removed bool
	err := s.withLockedTx(ctx, []string{LockTriggerAccess}, func(tx *sql.Tx) error {
		triggerKeys, err := selectTriggerKeysForJob(tx, key)
		if err != nil {
			return err
		}
		for _, triggerKey := range triggerKeys {
			if _, err := deleteTrigger(tx, triggerKey); err != nil {
				return err
			}
			if err := deleteFiredTriggerForInstance(tx, s.instanceID, triggerKey); err != nil {
				return err
			}
		}
		removed, err = deleteJob(tx, key)
		return err
	})
	return removed, err
}

// RemoveTrigger deletes a trigger. A non-durable job left with no triggers
// is cascade-deleted. Returns whether the trigger existed.
func (s *Store) RemoveTrigger(ctx context.Context, key Key) (bool, error) {
	key = NewKey(key.Group, key.Name)

	var removed bool
	err := s.withLockedTx(ctx, []string{LockTriggerAccess}, func(tx *sql.Tx) error {
		var err error
		removed, err = s.removeTrigger(tx, key)
		return err
	})
	return removed, err
}

func (s *Store) removeTrigger(tx *sql.Tx, key Key) (bool, error) {
	trigger, err := selectTrigger(tx, key)
	if err != nil {
		return false, err
	}
	if trigger == nil {
		return false, nil
	}

	if _, err := deleteTrigger(tx, key); err != nil {
		return false, err
	}

	job, err := selectJob(tx, trigger.JobKey)
	if err != nil {
		return false, err
	}
	if job != nil && !job.Durable {
		remaining, err := selectNumTriggersForJob(tx, job.Key)
		if err != nil {
			return false, err
		}
		if remaining == 0 {
			if _, err := deleteJob(tx, job.Key); err != nil {
				return false, err
			}
		}
	}
	return true, nil
}

// ReplaceTrigger swaps a trigger for a new one attached to the same job.
// Returns whether the old trigger existed.
func (s *Store) ReplaceTrigger(ctx context.Context, key Key, newTrigger *Trigger) (bool, error) {
	if err := newTrigger.Validate(); err != nil {
		return false, err
	}
	key = NewKey(key.Group, key.Name)
	newTrigger.Key = NewKey(newTrigger.Key.Group, newTrigger.Key.Name)
	newTrigger.JobKey = NewKey(newTrigger.JobKey.Group, newTrigger.JobKey.Name)

	var replaced bool
	err := s.withLockedTx(ctx, []string{LockTriggerAccess}, func(tx *sql.Tx) error {
		old, err := selectTrigger(tx, key)
		if err != nil {
			return err
		}
		if old == nil {
			return nil
		}
		if old.JobKey != newTrigger.JobKey {
			return errors.NewClientError("new trigger %s must reference job %s, not %s",
				newTrigger.Key, old.JobKey, newTrigger.JobKey)
		}

		if _, err := deleteTrigger(tx, key); err != nil {
			return err
		}
		if err := s.storeTrigger(tx, newTrigger, false); err != nil {
			return err
		}
		replaced = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if replaced {
		s.signalSchedulingChange()
	}
	return replaced, nil
}

// RetrieveJob loads a job, or nil when absent.
func (s *Store) RetrieveJob(ctx context.Context, key Key) (*JobDetail, error) {
	key = NewKey(key.Group, key.Name)

	var job *JobDetail
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		job, err = selectJob(tx, key)
		return err
	})
	return job, err
}

// RetrieveTrigger loads a trigger, or nil when absent.
func (s *Store) RetrieveTrigger(ctx context.Context, key Key) (*Trigger, error) {
	key = NewKey(key.Group, key.Name)

	var trigger *Trigger
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		trigger, err = selectTrigger(tx, key)
		return err
	})
	return trigger, err
}

// GetTriggerState reports a trigger's state, or StateDeleted for a missing
// row.
func (s *Store) GetTriggerState(ctx context.Context, key Key) (TriggerState, error) {
	key = NewKey(key.Group, key.Name)

	var state TriggerState
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		state, err = selectTriggerState(tx, key)
		return err
	})
	return state, err
}

// --- calendars ---

// StoreCalendar persists a calendar. With updateTriggers set, triggers
// referencing the calendar get their next fire times re-evaluated against
// the new exclusions.
func (s *Store) StoreCalendar(ctx context.Context, name string, cal *Calendar, replace, updateTriggers bool) error {
	if name == "" {
		return errors.NewClientError("calendar name must not be empty")
	}
	if err := cal.Validate(); err != nil {
		return err
	}

	locks := s.insertLocks(replace)
	if updateTriggers {
		locks = []string{LockTriggerAccess}
	}

	return s.withLockedTx(ctx, locks, func(tx *sql.Tx) error {
		exists, err := calendarExists(tx, name)
		if err != nil {
			return err
		}
		if exists && !replace {
			return errors.Wrapf(errors.ErrObjectAlreadyExists, "calendar %s", name)
		}

		if exists {
			if err := updateCalendar(tx, name, cal); err != nil {
				return err
			}
		} else if err := insertCalendar(tx, name, cal); err != nil {
			return err
		}

		if !updateTriggers {
			return nil
		}

		keys, err := selectTriggerKeysWithCalendar(tx, name)
		if err != nil {
			return err
		}
		for _, key := range keys {
			trigger, err := selectTrigger(tx, key)
			if err != nil {
				return err
			}
			if trigger == nil || trigger.NextFireTime == nil {
				continue
			}
			trigger.NextFireTime = trigger.nextIncluded(trigger.NextFireTime, cal)
			if err := updateTrigger(tx, trigger); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveCalendar deletes a calendar. Fails with ErrCalendarInUse while any
// trigger still references it. Returns whether the calendar existed.
func (s *Store) RemoveCalendar(ctx context.Context, name string) (bool, error) {
	var removed bool
	err := s.withLockedTx(ctx, []string{LockCalendarAccess}, func(tx *sql.Tx) error {
		count, err := countTriggersWithCalendar(tx, name)
		if err != nil {
			return err
		}
		if count > 0 {
			return errors.Wrapf(errors.ErrCalendarInUse, "calendar %s is referenced by %d triggers", name, count)
		}
		removed, err = deleteCalendar(tx, name)
		return err
	})
	return removed, err
}

// RetrieveCalendar loads a calendar, or nil when absent.
func (s *Store) RetrieveCalendar(ctx context.Context, name string) (*Calendar, error) {
	var cal *Calendar
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		cal, err = selectCalendar(tx, name)
		return err
	})
	return cal, err
}

// --- introspection (pure reads, no locking) ---

// GetJobCount returns the number of stored jobs.
func (s *Store) GetJobCount(ctx context.Context) (int, error) {
	var count int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		count, err = selectJobCount(tx)
		return err
	})
	return count, err
}

// GetTriggerCount returns the number of stored triggers.
func (s *Store) GetTriggerCount(ctx context.Context) (int, error) {
	var count int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		count, err = selectTriggerCount(tx)
		return err
	})
	return count, err
}

// GetCalendarCount returns the number of stored calendars.
func (s *Store) GetCalendarCount(ctx context.Context) (int, error) {
	var count int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		count, err = selectCalendarCount(tx)
		return err
	})
	return count, err
}

// GetJobGroupNames lists the distinct job groups.
func (s *Store) GetJobGroupNames(ctx context.Context) ([]string, error) {
	var groups []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		groups, err = selectJobGroups(tx)
		return err
	})
	return groups, err
}

// GetTriggerGroupNames lists the distinct trigger groups.
func (s *Store) GetTriggerGroupNames(ctx context.Context) ([]string, error) {
	var groups []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		groups, err = selectTriggerGroups(tx)
		return err
	})
	return groups, err
}

// GetJobKeys lists the jobs in one group.
func (s *Store) GetJobKeys(ctx context.Context, group string) ([]Key, error) {
	var keys []Key
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		keys, err = selectJobKeysInGroup(tx, group)
		return err
	})
	return keys, err
}

// GetTriggerKeys lists the triggers in one group.
func (s *Store) GetTriggerKeys(ctx context.Context, group string) ([]Key, error) {
	var keys []Key
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		keys, err = selectTriggerKeysInGroup(tx, group)
		return err
	})
	return keys, err
}

// GetTriggersForJob loads every trigger referencing a job.
func (s *Store) GetTriggersForJob(ctx context.Context, jobKey Key) ([]*Trigger, error) {
	jobKey = NewKey(jobKey.Group, jobKey.Name)

	var triggers []*Trigger
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		keys, err := selectTriggerKeysForJob(tx, jobKey)
		if err != nil {
			return err
		}
		for _, key := range keys {
			trigger, err := selectTrigger(tx, key)
			if err != nil {
				return err
			}
			if trigger != nil {
				triggers = append(triggers, trigger)
			}
		}
		return nil
	})
	return triggers, err
}

// GetCalendarNames lists the stored calendar names.
func (s *Store) GetCalendarNames(ctx context.Context) ([]string, error) {
	var names []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		names, err = selectCalendarNames(tx)
		return err
	})
	return names, err
}

// GetPausedTriggerGroups lists the currently paused trigger groups.
func (s *Store) GetPausedTriggerGroups(ctx context.Context) ([]string, error) {
	var groups []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		groups, err = selectPausedTriggerGroups(tx)
		return err
	})
	return groups, err
}

// GetSchedulerStates lists every instance's heartbeat row.
func (s *Store) GetSchedulerStates(ctx context.Context) ([]*SchedulerState, error) {
	var states []*SchedulerState
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		states, err = selectSchedulerStates(tx)
		return err
	})
	return states, err
}
