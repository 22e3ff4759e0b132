package jobstore

import (
	"database/sql"
	"time"

	"github.com/teranos/tempo/errors"
)

// FiredTriggerRecord is the durable evidence that one scheduler instance
// has in-flight work for a trigger.
type FiredTriggerRecord struct {
	EntryID          string
	TriggerKey       Key
	JobKey           Key
	Volatile         bool
	InstanceName     string
	FiredTime        time.Time
	State            TriggerState
	Stateful         bool
	RequestsRecovery bool
}

// SchedulerState is one instance's heartbeat row.
type SchedulerState struct {
	InstanceName    string
	LastCheckin     time.Time
	CheckinInterval time.Duration
}

// --- fired triggers ---

func insertFiredTrigger(tx *sql.Tx, record *FiredTriggerRecord) error {
	query := `
		INSERT INTO sched_fired_triggers (
			entry_id, trigger_name, trigger_group, is_volatile,
			instance_name, fired_time, state,
			job_name, job_group, is_stateful, requests_recovery
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	jobName := sql.NullString{String: record.JobKey.Name, Valid: record.JobKey.Name != ""}
	jobGroup := sql.NullString{String: record.JobKey.Group, Valid: record.JobKey.Group != ""}

	_, err := tx.Exec(query,
		record.EntryID,
		record.TriggerKey.Name,
		record.TriggerKey.Group,
		record.Volatile,
		record.InstanceName,
		timeToText(record.FiredTime),
		string(record.State),
		jobName,
		jobGroup,
		record.Stateful,
		record.RequestsRecovery,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert fired record for trigger %s", record.TriggerKey)
	}
	return nil
}

// updateFiredTrigger rewrites a fired record when the firing moves from
// acquisition to execution.
func updateFiredTrigger(tx *sql.Tx, record *FiredTriggerRecord) error {
	query := `
		UPDATE sched_fired_triggers
		SET state = ?,
		    job_name = ?,
		    job_group = ?,
		    is_stateful = ?,
		    requests_recovery = ?
		WHERE entry_id = ?
	`

	jobName := sql.NullString{String: record.JobKey.Name, Valid: record.JobKey.Name != ""}
	jobGroup := sql.NullString{String: record.JobKey.Group, Valid: record.JobKey.Group != ""}

	result, err := tx.Exec(query,
		string(record.State),
		jobName,
		jobGroup,
		record.Stateful,
		record.RequestsRecovery,
		record.EntryID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update fired record %s", record.EntryID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("fired record %s", record.EntryID)
	}
	return nil
}

func deleteFiredTrigger(tx *sql.Tx, entryID string) error {
	if _, err := tx.Exec(
		`DELETE FROM sched_fired_triggers WHERE entry_id = ?`,
		entryID,
	); err != nil {
		return errors.Wrapf(err, "failed to delete fired record %s", entryID)
	}
	return nil
}

// deleteFiredTriggerForInstance removes the fired record one instance
// holds for one trigger.
func deleteFiredTriggerForInstance(tx *sql.Tx, instanceName string, triggerKey Key) error {
	if _, err := tx.Exec(
		`DELETE FROM sched_fired_triggers WHERE instance_name = ? AND trigger_name = ? AND trigger_group = ?`,
		instanceName, triggerKey.Name, triggerKey.Group,
	); err != nil {
		return errors.Wrapf(err, "failed to delete fired record for trigger %s", triggerKey)
	}
	return nil
}

func deleteFiredTriggersForInstance(tx *sql.Tx, instanceName string) error {
	if _, err := tx.Exec(
		`DELETE FROM sched_fired_triggers WHERE instance_name = ?`,
		instanceName,
	); err != nil {
		return errors.Wrapf(err, "failed to delete fired records of instance %s", instanceName)
	}
	return nil
}

func selectFiredTriggersForInstance(tx *sql.Tx, instanceName string) ([]*FiredTriggerRecord, error) {
	query := `
		SELECT entry_id, trigger_name, trigger_group, is_volatile,
		       instance_name, fired_time, state,
		       job_name, job_group, is_stateful, requests_recovery
		FROM sched_fired_triggers
		WHERE instance_name = ?
		ORDER BY fired_time ASC
	`

	rows, err := tx.Query(query, instanceName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to select fired records of instance %s", instanceName)
	}
	defer rows.Close()

	var records []*FiredTriggerRecord
	for rows.Next() {
		var record FiredTriggerRecord
		var firedTime, state string
		var jobName, jobGroup sql.NullString

		if err := rows.Scan(
			&record.EntryID,
			&record.TriggerKey.Name,
			&record.TriggerKey.Group,
			&record.Volatile,
			&record.InstanceName,
			&firedTime,
			&state,
			&jobName,
			&jobGroup,
			&record.Stateful,
			&record.RequestsRecovery,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan fired record")
		}

		record.State = TriggerState(state)
		record.JobKey = Key{Name: jobName.String, Group: jobGroup.String}
		if record.FiredTime, err = textToTime(firedTime); err != nil {
			return nil, err
		}
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating fired records")
	}
	return records, nil
}

// --- scheduler state ---

func insertSchedulerState(tx *sql.Tx, state *SchedulerState) error {
	if _, err := tx.Exec(
		`INSERT INTO sched_scheduler_state (instance_name, last_checkin_time, checkin_interval_ms) VALUES (?, ?, ?)`,
		state.InstanceName,
		timeToText(state.LastCheckin),
		state.CheckinInterval.Milliseconds(),
	); err != nil {
		return errors.Wrapf(err, "failed to insert scheduler state for %s", state.InstanceName)
	}
	return nil
}

// updateSchedulerStateCheckin refreshes the heartbeat. Returns whether a
// row was there to refresh.
func updateSchedulerStateCheckin(tx *sql.Tx, instanceName string, checkin time.Time) (bool, error) {
	result, err := tx.Exec(
		`UPDATE sched_scheduler_state SET last_checkin_time = ? WHERE instance_name = ?`,
		timeToText(checkin), instanceName,
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to update check-in for %s", instanceName)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows > 0, nil
}

func deleteSchedulerState(tx *sql.Tx, instanceName string) error {
	if _, err := tx.Exec(
		`DELETE FROM sched_scheduler_state WHERE instance_name = ?`,
		instanceName,
	); err != nil {
		return errors.Wrapf(err, "failed to delete scheduler state for %s", instanceName)
	}
	return nil
}

func selectSchedulerStates(tx *sql.Tx) ([]*SchedulerState, error) {
	rows, err := tx.Query(
		`SELECT instance_name, last_checkin_time, checkin_interval_ms FROM sched_scheduler_state ORDER BY instance_name`,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to select scheduler states")
	}
	defer rows.Close()

	var states []*SchedulerState
	for rows.Next() {
		var state SchedulerState
		var lastCheckin string
		var intervalMS int64

		if err := rows.Scan(&state.InstanceName, &lastCheckin, &intervalMS); err != nil {
			return nil, errors.Wrap(err, "failed to scan scheduler state")
		}
		if state.LastCheckin, err = textToTime(lastCheckin); err != nil {
			return nil, err
		}
		state.CheckinInterval = time.Duration(intervalMS) * time.Millisecond
		states = append(states, &state)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating scheduler states")
	}
	return states, nil
}

func selectSchedulerState(tx *sql.Tx, instanceName string) (*SchedulerState, error) {
	var state SchedulerState
	var lastCheckin string
	var intervalMS int64

	err := tx.QueryRow(
		`SELECT instance_name, last_checkin_time, checkin_interval_ms FROM sched_scheduler_state WHERE instance_name = ?`,
		instanceName,
	).Scan(&state.InstanceName, &lastCheckin, &intervalMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to select scheduler state for %s", instanceName)
	}

	if state.LastCheckin, err = textToTime(lastCheckin); err != nil {
		return nil, err
	}
	state.CheckinInterval = time.Duration(intervalMS) * time.Millisecond
	return &state, nil
}
