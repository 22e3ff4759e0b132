package jobstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/tempo/errors"
)

// FiredBundle is everything an executor needs to run one firing.
type FiredBundle struct {
	Job      *JobDetail
	Trigger  *Trigger
	Calendar *Calendar

	// Recovering marks a firing synthesized to re-run work a crashed
	// instance left behind.
	Recovering bool

	FireTime          time.Time
	ScheduledFireTime time.Time
	PrevFireTime      *time.Time
	NextFireTime      *time.Time
}

// AcquireNextTrigger claims the next trigger due to fire no later than
// noLaterThan. The winning trigger moves WAITING to ACQUIRED and gets a
// fired record pinned to this instance; peers racing for the same trigger
// lose the state update and the next candidate is tried. Returns nil when
// nothing is due.
func (s *Store) AcquireNextTrigger(ctx context.Context, noLaterThan time.Time) (*Trigger, error) {
	var acquired *Trigger
	err := s.withLockedTx(ctx, []string{LockTriggerAccess}, func(tx *sql.Tx) error {
		keys, err := selectNextTriggerKeys(tx, noLaterThan, s.maxMisfires)
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

			// A trigger that sat past the misfire threshold is repaired
			// first; its recomputed fire time may fall outside the window.
			if trigger.MisfireInstruction != MisfireIgnore && s.misfireTime().After(*trigger.NextFireTime) {
				if err := s.applyMisfire(tx, key); err != nil {
					return err
				}
				continue
			}

			won, err := updateTriggerStateFrom(tx, key, StateAcquired, StateWaiting)
			if err != nil {
				return err
			}
			if !won {
				continue
			}

			trigger.State = StateAcquired
			record := &FiredTriggerRecord{
				EntryID:      uuid.NewString(),
				TriggerKey:   trigger.Key,
				JobKey:       trigger.JobKey,
				Volatile:     trigger.Volatile,
				InstanceName: s.instanceID,
				FiredTime:    s.clock.Now(),
				State:        StateAcquired,
			}
			if err := insertFiredTrigger(tx, record); err != nil {
				return err
			}
			trigger.FiredEntryID = record.EntryID
			acquired = trigger
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acquired, nil
}

// ReleaseAcquiredTrigger hands a claimed trigger back without firing it,
// undoing AcquireNextTrigger.
func (s *Store) ReleaseAcquiredTrigger(ctx context.Context, trigger *Trigger) error {
	return s.withLockedTx(ctx, []string{LockTriggerAccess}, func(tx *sql.Tx) error {
		if _, err := updateTriggerStateFrom(tx, trigger.Key, StateWaiting, StateAcquired); err != nil {
			return err
		}
		return deleteFiredTriggerForInstance(tx, s.instanceID, trigger.Key)
	})
}

// TriggerFired commits the transition of an acquired trigger into execution:
// the trigger advances to its next fire time, its fired record flips to
// EXECUTING, and other triggers of a stateful job are blocked. Returns nil
// without error when the trigger was deleted or repositioned since
// acquisition.
//
// When the trigger's job has been deleted out from under it, the firing
// bookkeeping still commits and ErrJobDoesNotExist is returned afterwards,
// so the orphaned trigger cannot be re-acquired forever.
func (s *Store) TriggerFired(ctx context.Context, trigger *Trigger) (*FiredBundle, error) {
	var bundle *FiredBundle
	var missingJob error

	err := s.withLockedTx(ctx, []string{LockTriggerAccess}, func(tx *sql.Tx) error {
		state, err := selectTriggerState(tx, trigger.Key)
		if err != nil {
			return err
		}
		if state != StateAcquired {
			return nil
		}

		current, err := selectTrigger(tx, trigger.Key)
		if err != nil {
			return err
		}
		if current == nil {
			return nil
		}
		current.FiredEntryID = trigger.FiredEntryID

		job, err := selectJob(tx, current.JobKey)
		if err != nil {
			return err
		}
		if job == nil {
			missingJob = errors.Wrapf(errors.ErrJobDoesNotExist,
				"trigger %s fired for missing job %s", current.Key, current.JobKey)
			if _, err := updateTriggerStateFrom(tx, current.Key, StateError, StateAcquired); err != nil {
				return err
			}
			return deleteFiredTriggerForInstance(tx, s.instanceID, current.Key)
		}

		var cal *Calendar
		if current.CalendarName != "" {
			cal, err = selectCalendar(tx, current.CalendarName)
			if err != nil {
				return err
			}
		}

		fireTime := s.clock.Now()
		scheduled := *current.NextFireTime
		current.Triggered(cal)

		nextState := StateWaiting
		if job.Stateful {
			nextState = StateBlocked
			if err := updateTriggerStatesForJobFrom(tx, job.Key, StateBlocked, StateWaiting, StateAcquired); err != nil {
				return err
			}
			if err := updateTriggerStatesForJobFrom(tx, job.Key, StatePausedBlocked, StatePaused); err != nil {
				return err
			}
		}
		if current.NextFireTime == nil {
			nextState = StateComplete
		}
		current.State = nextState
		if err := updateTrigger(tx, current); err != nil {
			return err
		}

		record := &FiredTriggerRecord{
			EntryID:          trigger.FiredEntryID,
			TriggerKey:       current.Key,
			JobKey:           job.Key,
			Volatile:         current.Volatile,
			InstanceName:     s.instanceID,
			FiredTime:        fireTime,
			State:            StateExecuting,
			Stateful:         job.Stateful,
			RequestsRecovery: job.RequestsRecovery,
		}
		if err := updateFiredTrigger(tx, record); err != nil {
			return err
		}

		bundle = &FiredBundle{
			Job:               job,
			Trigger:           current,
			Calendar:          cal,
			Recovering:        current.Key.Group == RecoveringJobsGroup,
			FireTime:          fireTime,
			ScheduledFireTime: scheduled,
			PrevFireTime:      current.PrevFireTime,
			NextFireTime:      current.NextFireTime,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if missingJob != nil {
		return nil, missingJob
	}
	return bundle, nil
}

// TriggeredJobComplete finalizes a firing after the job ran, applying the
// executor's verdict and unblocking any triggers held by a stateful job.
func (s *Store) TriggeredJobComplete(ctx context.Context, trigger *Trigger, job *JobDetail, code CompletedExecutionInstruction) error {
	err := s.withLockedTx(ctx, []string{LockTriggerAccess}, func(tx *sql.Tx) error {
		switch code {
		case InstructionDeleteTrigger:
			// Re-read before deleting: a peer may have rescheduled the
			// trigger while the job ran.
			current, err := selectTrigger(tx, trigger.Key)
			if err != nil {
				return err
			}
			if current != nil {
				sameNext := current.NextFireTime == nil && trigger.NextFireTime == nil ||
					current.NextFireTime != nil && trigger.NextFireTime != nil &&
						current.NextFireTime.Equal(*trigger.NextFireTime)
				if sameNext {
					if _, err := s.removeTrigger(tx, trigger.Key); err != nil {
						return err
					}
				}
			}

		case InstructionSetTriggerComplete:
			if err := updateTriggerState(tx, trigger.Key, StateComplete); err != nil {
				return err
			}

		case InstructionSetTriggerError:
			s.log.Warnw("Trigger execution reported error", "trigger", trigger.Key.String())
			if err := updateTriggerState(tx, trigger.Key, StateError); err != nil {
				return err
			}

		case InstructionSetAllJobTriggersComplete:
			if err := updateTriggerStatesForJob(tx, trigger.JobKey, StateComplete); err != nil {
				return err
			}

		case InstructionSetAllJobTriggersError:
			s.log.Warnw("Job execution reported error for all triggers", "job", trigger.JobKey.String())
			if err := updateTriggerStatesForJob(tx, trigger.JobKey, StateError); err != nil {
				return err
			}
		}

		if job.Stateful {
			if err := updateTriggerStatesForJobFrom(tx, job.Key, StateWaiting, StateBlocked); err != nil {
				return err
			}
			if err := updateTriggerStatesForJobFrom(tx, job.Key, StatePaused, StatePausedBlocked); err != nil {
				return err
			}
			if err := updateJobData(tx, job.Key, job.Data); err != nil {
				return err
			}
		}

		return deleteFiredTrigger(tx, trigger.FiredEntryID)
	})
	if err != nil {
		return err
	}
	s.signalSchedulingChange()
	return nil
}
