package jobstore

import (
	"context"
	"database/sql"
)

// PauseTrigger moves a waiting or acquired trigger to PAUSED. A blocked
// trigger becomes PAUSED_BLOCKED so that both conditions clear
// independently. Triggers in any other state are untouched.
func (s *Store) PauseTrigger(ctx context.Context, key Key) error {
	key = NewKey(key.Group, key.Name)

	return s.withLockedTx(ctx, []string{LockTriggerAccess}, func(tx *sql.Tx) error {
		return s.pauseTrigger(tx, key)
	})
}

func (s *Store) pauseTrigger(tx *sql.Tx, key Key) error {
	if _, err := updateTriggerStateFrom(tx, key, StatePaused, StateWaiting, StateAcquired); err != nil {
		return err
	}
	if _, err := updateTriggerStateFrom(tx, key, StatePausedBlocked, StateBlocked); err != nil {
		return err
	}
	return nil
}

// ResumeTrigger moves a paused trigger back to WAITING, or to BLOCKED when
// its stateful job is still mid-execution. A trigger whose fire time slipped
// past the misfire threshold while paused goes through misfire handling
// before it becomes eligible again.
func (s *Store) ResumeTrigger(ctx context.Context, key Key) error {
	key = NewKey(key.Group, key.Name)

	err := s.withLockedTx(ctx, []string{LockTriggerAccess}, func(tx *sql.Tx) error {
		return s.resumeTrigger(tx, key)
	})
	if err != nil {
		return err
	}
	s.signalSchedulingChange()
	return nil
}

func (s *Store) resumeTrigger(tx *sql.Tx, key Key) error {
	state, err := selectTriggerState(tx, key)
	if err != nil {
		return err
	}
	if state != StatePaused && state != StatePausedBlocked {
		return nil
	}

	target := StateWaiting
	if state == StatePausedBlocked {
		target = StateBlocked
	}
	if _, err := updateTriggerStateFrom(tx, key, target, state); err != nil {
		return err
	}

	misfired, err := s.isMisfired(tx, key)
	if err != nil {
		return err
	}
	if misfired {
		return s.applyMisfire(tx, key)
	}
	return nil
}

// PauseTriggerGroup pauses every trigger in a group and records the group as
// paused so that triggers stored into it later start out paused too.
func (s *Store) PauseTriggerGroup(ctx context.Context, group string) error {
	return s.withLockedTx(ctx, []string{LockTriggerAccess}, func(tx *sql.Tx) error {
		if err := updateTriggerGroupStateFrom(tx, group, StatePaused, StateWaiting, StateAcquired); err != nil {
			return err
		}
		if err := updateTriggerGroupStateFrom(tx, group, StatePausedBlocked, StateBlocked); err != nil {
			return err
		}
		return insertPausedTriggerGroup(tx, group)
	})
}

// ResumeTriggerGroup clears a group's paused flag and resumes each trigger
// in it, applying misfire handling where needed.
func (s *Store) ResumeTriggerGroup(ctx context.Context, group string) error {
	err := s.withLockedTx(ctx, []string{LockTriggerAccess}, func(tx *sql.Tx) error {
		if err := deletePausedTriggerGroup(tx, group); err != nil {
			return err
		}
		keys, err := selectTriggerKeysInGroup(tx, group)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := s.resumeTrigger(tx, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.signalSchedulingChange()
	return nil
}

// PauseJob pauses every trigger of one job.
func (s *Store) PauseJob(ctx context.Context, jobKey Key) error {
	jobKey = NewKey(jobKey.Group, jobKey.Name)

	return s.withLockedTx(ctx, []string{LockTriggerAccess}, func(tx *sql.Tx) error {
		keys, err := selectTriggerKeysForJob(tx, jobKey)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := s.pauseTrigger(tx, key); err != nil {
				return err
			}
		}
		return nil
	})
}

// PauseJobGroup pauses the triggers of every job in a group.
func (s *Store) PauseJobGroup(ctx context.Context, group string) error {
	return s.withLockedTx(ctx, []string{LockTriggerAccess}, func(tx *sql.Tx) error {
		jobKeys, err := selectJobKeysInGroup(tx, group)
		if err != nil {
			return err
		}
		for _, jobKey := range jobKeys {
			keys, err := selectTriggerKeysForJob(tx, jobKey)
			if err != nil {
				return err
			}
			for _, key := range keys {
				if err := s.pauseTrigger(tx, key); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// ResumeJob resumes every trigger of one job.
func (s *Store) ResumeJob(ctx context.Context, jobKey Key) error {
	jobKey = NewKey(jobKey.Group, jobKey.Name)

	err := s.withLockedTx(ctx, []string{LockTriggerAccess}, func(tx *sql.Tx) error {
		keys, err := selectTriggerKeysForJob(tx, jobKey)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := s.resumeTrigger(tx, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.signalSchedulingChange()
	return nil
}

// ResumeJobGroup resumes the triggers of every job in a group.
func (s *Store) ResumeJobGroup(ctx context.Context, group string) error {
	err := s.withLockedTx(ctx, []string{LockTriggerAccess}, func(tx *sql.Tx) error {
		jobKeys, err := selectJobKeysInGroup(tx, group)
		if err != nil {
			return err
		}
		for _, jobKey := range jobKeys {
			keys, err := selectTriggerKeysForJob(tx, jobKey)
			if err != nil {
				return err
			}
			for _, key := range keys {
				if err := s.resumeTrigger(tx, key); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.signalSchedulingChange()
	return nil
}

// PauseAll pauses every trigger group that exists at call time and records
// each as paused; groups first created afterwards are not paused. Groups
// paused here stay paused until ResumeAll or a per-group resume.
func (s *Store) PauseAll(ctx context.Context) error {
	return s.withLockedTx(ctx, []string{LockTriggerAccess}, func(tx *sql.Tx) error {
		groups, err := selectTriggerGroups(tx)
		if err != nil {
			return err
		}
		for _, group := range groups {
			if err := updateTriggerGroupStateFrom(tx, group, StatePaused, StateWaiting, StateAcquired); err != nil {
				return err
			}
			if err := updateTriggerGroupStateFrom(tx, group, StatePausedBlocked, StateBlocked); err != nil {
				return err
			}
			if err := insertPausedTriggerGroup(tx, group); err != nil {
				return err
			}
		}
		return nil
	})
}

// ResumeAll resumes every paused trigger group and clears all paused-group
// records.
func (s *Store) ResumeAll(ctx context.Context) error {
	err := s.withLockedTx(ctx, []string{LockTriggerAccess}, func(tx *sql.Tx) error {
		groups, err := selectPausedTriggerGroups(tx)
		if err != nil {
			return err
		}
		for _, group := range groups {
			keys, err := selectTriggerKeysInGroup(tx, group)
			if err != nil {
				return err
			}
			for _, key := range keys {
				if err := s.resumeTrigger(tx, key); err != nil {
					return err
				}
			}
		}
		return deleteAllPausedTriggerGroups(tx)
	})
	if err != nil {
		return err
	}
	s.signalSchedulingChange()
	return nil
}
