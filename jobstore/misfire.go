package jobstore

import (
	"context"
	"database/sql"
	"time"
)

// misfireTime is the cutoff: a waiting trigger whose next fire time lies
// before it has misfired.
func (s *Store) misfireTime() time.Time {
	return s.clock.Now().Add(-s.misfireThreshold)
}

// isMisfired reports whether a trigger's stored next fire time has slipped
// past the misfire threshold.
func (s *Store) isMisfired(tx *sql.Tx, key Key) (bool, error) {
	trigger, err := selectTrigger(tx, key)
	if err != nil {
		return false, err
	}
	if trigger == nil || trigger.NextFireTime == nil {
		return false, nil
	}
	if trigger.MisfireInstruction == MisfireIgnore {
		return false, nil
	}
	return s.misfireTime().After(*trigger.NextFireTime), nil
}

// applyMisfire repairs one misfired trigger per its misfire policy. A
// trigger left with no future fire time goes to COMPLETE.
func (s *Store) applyMisfire(tx *sql.Tx, key Key) error {
	trigger, err := selectTrigger(tx, key)
	if err != nil {
		return err
	}
	if trigger == nil || trigger.NextFireTime == nil {
		return nil
	}
	if trigger.MisfireInstruction == MisfireIgnore {
		return nil
	}

	var cal *Calendar
	if trigger.CalendarName != "" {
		cal, err = selectCalendar(tx, trigger.CalendarName)
		if err != nil {
			return err
		}
	}

	missed := *trigger.NextFireTime
	trigger.UpdateAfterMisfire(cal, s.clock.Now())
	if trigger.NextFireTime == nil {
		trigger.State = StateComplete
	}
	if err := updateTrigger(tx, trigger); err != nil {
		return err
	}

	s.log.Infow("Handled misfired trigger",
		"trigger", trigger.Key.String(),
		"missed", missed,
		"next", trigger.NextFireTime,
	)
	return nil
}

// RecoverMisfiredJobs repairs up to the configured batch of misfired
// triggers in one transaction. Returns whether more misfires remain, so the
// caller can loop without starving other work of the trigger lock.
func (s *Store) RecoverMisfiredJobs(ctx context.Context) (bool, error) {
	var more bool
	err := s.withLockedTx(ctx, []string{LockTriggerAccess}, func(tx *sql.Tx) error {
		keys, err := selectMisfiredTriggerKeys(tx, s.misfireTime(), s.maxMisfires+1)
		if err != nil {
			return err
		}
		if len(keys) > s.maxMisfires {
			more = true
			keys = keys[:s.maxMisfires]
		}

		for _, key := range keys {
			if err := s.applyMisfire(tx, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	s.signalSchedulingChange()
	return more, nil
}
