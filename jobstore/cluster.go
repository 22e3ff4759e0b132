package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/teranos/tempo/db"
	"github.com/teranos/tempo/errors"
)

// RecoveringJobsGroup holds the triggers synthesized to re-run work lost to
// a crashed instance.
const RecoveringJobsGroup = "RECOVERING_JOBS"

// Data keys stamped onto recovery triggers so executors can tell a re-run
// from a normal firing.
const (
	DataKeyRecoveringTrigger = "recovering_trigger_key"
	DataKeyScheduledFireTime = "scheduled_fire_time"
)

// checkinFailureFactor scales the check-in interval into the window after
// which a silent peer is presumed dead.
const checkinFailureFactor = 7

// checkinGrace pads the failure window to absorb clock skew between
// instances sharing the database.
const checkinGrace = 7500 * time.Millisecond

// SchedulerStarted brings the store online. Clustered stores register their
// heartbeat row and start the check-in loop; standalone stores recover their
// own leftover work immediately.
func (s *Store) SchedulerStarted(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if !s.clustered {
		if err := s.withLockedTx(ctx, []string{LockTriggerAccess}, func(tx *sql.Tx) error {
			if err := s.recoverInstance(tx, s.instanceID); err != nil {
				return err
			}
			if err := s.removeCompleteTriggers(tx); err != nil {
				return err
			}
			return cleanVolatileTriggersAndJobs(tx)
		}); err != nil {
			return err
		}
		_, err := s.RecoverMisfiredJobs(ctx)
		return err
	}

	if err := s.doCheckin(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.stopCheckin = cancel
	s.checkinDone = make(chan struct{})
	done := s.checkinDone
	s.mu.Unlock()

	go s.checkinLoop(loopCtx, done)

	s.log.Infow("Cluster check-in started",
		"instance", s.instanceID,
		"interval", s.checkinInterval,
	)
	return nil
}

// SchedulerStopped takes the store offline, stopping the check-in loop and
// retiring this instance's heartbeat row.
func (s *Store) SchedulerStopped(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.stopCheckin
	done := s.checkinDone
	s.stopCheckin = nil
	s.checkinDone = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	if !s.clustered {
		return nil
	}
	return s.withLockedTx(ctx, []string{LockStateAccess}, func(tx *sql.Tx) error {
		return deleteSchedulerState(tx, s.instanceID)
	})
}

// checkinLoop re-runs the check-in on the configured interval until the
// store stops.
func (s *Store) checkinLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := s.clock.NewTicker(s.checkinInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := s.doCheckin(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				// A closed database means the process is shutting down and
				// the connection went away before this loop did.
				if db.IsDatabaseClosed(err) {
					s.log.Debugw("Check-in loop stopping, database closed", "instance", s.instanceID)
					return
				}
				s.log.Errorw("Cluster check-in failed", "instance", s.instanceID, "error", err)
			}
		}
	}
}

// doCheckin refreshes this instance's heartbeat, detects failed peers, and
// recovers their in-flight work. Peer recovery runs under both the state and
// trigger locks; a plain heartbeat refresh only takes the state lock.
func (s *Store) doCheckin(ctx context.Context) error {
	var failed []*SchedulerState
	err := s.withLockedTx(ctx, []string{LockStateAccess}, func(tx *sql.Tx) error {
		now := s.clock.Now()

		updated, err := updateSchedulerStateCheckin(tx, s.instanceID, now)
		if err != nil {
			return err
		}
		if !updated {
			if err := insertSchedulerState(tx, &SchedulerState{
				InstanceName:    s.instanceID,
				LastCheckin:     now,
				CheckinInterval: s.checkinInterval,
			}); err != nil {
				return err
			}
		}

		failed, err = s.findFailedInstances(tx, now)
		return err
	})
	if err != nil {
		return err
	}
	if len(failed) == 0 {
		return nil
	}

	return s.withLockedTx(ctx, []string{LockStateAccess, LockTriggerAccess}, func(tx *sql.Tx) error {
		now := s.clock.Now()
		for _, peer := range failed {
			// Re-check under both locks: another survivor may have already
			// recovered this peer.
			current, err := selectSchedulerState(tx, peer.InstanceName)
			if err != nil {
				return err
			}
			if peer.InstanceName != s.instanceID {
				if current == nil || !s.instanceFailed(current, now) {
					continue
				}
			}

			s.log.Warnw("Recovering failed cluster instance",
				"instance", peer.InstanceName,
				"lastCheckin", peer.LastCheckin,
			)
			if err := s.recoverInstance(tx, peer.InstanceName); err != nil {
				return err
			}
			if peer.InstanceName != s.instanceID {
				if err := deleteSchedulerState(tx, peer.InstanceName); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// findFailedInstances lists peers whose heartbeat has gone silent for longer
// than the failure window. On the first check-in this instance's own stale
// row counts too, covering work orphaned by its previous crash.
func (s *Store) findFailedInstances(tx *sql.Tx, now time.Time) ([]*SchedulerState, error) {
	states, err := selectSchedulerStates(tx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	first := s.firstCheckin
	s.firstCheckin = false
	s.mu.Unlock()

	var failed []*SchedulerState
	for _, state := range states {
		if state.InstanceName == s.instanceID {
			if first {
				failed = append(failed, state)
			}
			continue
		}
		if s.instanceFailed(state, now) {
			failed = append(failed, state)
		}
	}
	return failed, nil
}

// instanceFailed reports whether a peer's heartbeat is stale enough to
// presume the peer dead.
func (s *Store) instanceFailed(state *SchedulerState, now time.Time) bool {
	interval := state.CheckinInterval
	if interval <= 0 {
		interval = s.checkinInterval
	}
	deadline := state.LastCheckin.Add(interval*checkinFailureFactor + checkinGrace)
	return now.After(deadline)
}

// recoverInstance reclaims the work a dead instance left behind: acquired
// triggers return to the pool, executing firings of recoverable jobs get
// one-shot recovery triggers, blocked triggers unblock, and the dead
// instance's fired records are purged.
func (s *Store) recoverInstance(tx *sql.Tx, instanceName string) error {
	records, err := selectFiredTriggersForInstance(tx, instanceName)
	if err != nil {
		return err
	}

	recovered := 0
	for _, record := range records {
		switch record.State {
		case StateAcquired:
			if _, err := updateTriggerStateFrom(tx, record.TriggerKey, StateWaiting, StateAcquired); err != nil {
				return err
			}

		case StateExecuting:
			if record.RequestsRecovery {
				if err := s.storeRecoveryTrigger(tx, record); err != nil {
					return err
				}
				recovered++
			}
			if record.Stateful && !record.JobKey.IsZero() {
				if err := updateTriggerStatesForJobFrom(tx, record.JobKey, StateWaiting, StateBlocked); err != nil {
					return err
				}
				if err := updateTriggerStatesForJobFrom(tx, record.JobKey, StatePaused, StatePausedBlocked); err != nil {
					return err
				}
			}
			if record.Volatile {
				if _, err := s.removeTrigger(tx, record.TriggerKey); err != nil {
					return err
				}
			}
		}
	}

	if err := deleteFiredTriggersForInstance(tx, instanceName); err != nil {
		return err
	}

	if len(records) > 0 {
		s.log.Infow("Recovered in-flight work",
			"instance", instanceName,
			"firedRecords", len(records),
			"recoveryTriggers", recovered,
		)
	}
	return nil
}

// storeRecoveryTrigger synthesizes a one-shot trigger that re-runs the job a
// dead instance was executing. The original trigger identity and scheduled
// time ride along in the data map.
func (s *Store) storeRecoveryTrigger(tx *sql.Tx, record *FiredTriggerRecord) error {
	job, err := selectJob(tx, record.JobKey)
	if err != nil {
		return err
	}
	if job == nil {
		// The job vanished with its instance; nothing left to re-run
		return nil
	}

	// Fire at the recorded fire time. It is in the past, and with the
	// ignore policy the trigger is handed out on the next acquisition scan.
	fireAt := record.FiredTime
	trigger := &Trigger{
		Key: Key{
			Group: RecoveringJobsGroup,
			Name:  fmt.Sprintf("recover_%s_%s", record.InstanceName, record.EntryID),
		},
		JobKey:             record.JobKey,
		Description:        fmt.Sprintf("recovery for firing %s", record.EntryID),
		Volatile:           record.Volatile,
		Priority:           DefaultPriority,
		MisfireInstruction: MisfireIgnore,
		StartTime:          record.FiredTime,
		NextFireTime:       &fireAt,
		State:              StateWaiting,
		Data: JobDataMap{
			DataKeyRecoveringTrigger: record.TriggerKey.String(),
			DataKeyScheduledFireTime: record.FiredTime.UTC().Format(time.RFC3339Nano),
		},
		Type: TriggerTypeSimple,
		Simple: &SimpleTrigger{
			RepeatCount: 0,
		},
	}
	return insertTrigger(tx, trigger)
}

// removeCompleteTriggers drops triggers that finished their last firing in a
// previous run. Their completion instruction was already applied, only the
// row removal was lost with the process.
func (s *Store) removeCompleteTriggers(tx *sql.Tx) error {
	keys, err := selectTriggerKeysInState(tx, StateComplete)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if _, err := s.removeTrigger(tx, key); err != nil {
			return err
		}
	}
	return nil
}

// cleanVolatileTriggersAndJobs removes volatile triggers and jobs left over
// from the previous run of a standalone scheduler.
func cleanVolatileTriggersAndJobs(tx *sql.Tx) error {
	triggerKeys, err := selectVolatileTriggerKeys(tx)
	if err != nil {
		return err
	}
	for _, key := range triggerKeys {
		if _, err := deleteTrigger(tx, key); err != nil {
			return err
		}
	}

	jobKeys, err := selectVolatileJobKeys(tx)
	if err != nil {
		return err
	}
	for _, key := range jobKeys {
		count, err := selectNumTriggersForJob(tx, key)
		if err != nil {
			return err
		}
		if count == 0 {
			if _, err := deleteJob(tx, key); err != nil {
				return err
			}
		}
	}
	return nil
}
