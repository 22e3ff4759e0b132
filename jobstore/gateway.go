package jobstore

import (
	"database/sql"
	"time"

	"github.com/teranos/tempo/errors"
)

// The gateway functions are CRUD primitives over the scheduler tables.
// They run inside the caller's transaction and do no locking of their own.

// timeFormat keeps a fixed-width fraction so that UTC timestamps sort
// lexicographically in chronological order. Variable-width fractions would
// break the next_fire_time range scans.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func timeToText(ts time.Time) string {
	return ts.UTC().Format(timeFormat)
}

func nullableTimeToText(ts *time.Time) sql.NullString {
	if ts == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: timeToText(*ts), Valid: true}
}

func textToTime(raw string) (time.Time, error) {
	ts, err := time.Parse(timeFormat, raw)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid stored timestamp %q", raw)
	}
	return ts, nil
}

func nullableTextToTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid {
		return nil, nil
	}
	ts, err := textToTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

// --- jobs ---

func insertJob(tx *sql.Tx, job *JobDetail) error {
	data, err := MarshalJobData(job.Data)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sched_job_details (
			job_name, job_group, description,
			is_durable, is_volatile, is_stateful, requests_recovery,
			job_data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	description := sql.NullString{String: job.Description, Valid: job.Description != ""}

	_, err = tx.Exec(query,
		job.Key.Name,
		job.Key.Group,
		description,
		job.Durable,
		job.Volatile,
		job.Stateful,
		job.RequestsRecovery,
		data,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert job %s", job.Key)
	}
	return nil
}

func updateJob(tx *sql.Tx, job *JobDetail) error {
	data, err := MarshalJobData(job.Data)
	if err != nil {
		return err
	}

	query := `
		UPDATE sched_job_details
		SET description = ?,
		    is_durable = ?,
		    is_volatile = ?,
		    is_stateful = ?,
		    requests_recovery = ?,
		    job_data = ?
		WHERE job_name = ? AND job_group = ?
	`

	description := sql.NullString{String: job.Description, Valid: job.Description != ""}

	result, err := tx.Exec(query,
		description,
		job.Durable,
		job.Volatile,
		job.Stateful,
		job.RequestsRecovery,
		data,
		job.Key.Name,
		job.Key.Group,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update job %s", job.Key)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("job %s", job.Key)
	}
	return nil
}

// updateJobData re-persists only the payload, used after a stateful job
// finishes executing.
func updateJobData(tx *sql.Tx, key Key, data JobDataMap) error {
	raw, err := MarshalJobData(data)
	if err != nil {
		return err
	}

	result, err := tx.Exec(
		`UPDATE sched_job_details SET job_data = ? WHERE job_name = ? AND job_group = ?`,
		raw, key.Name, key.Group,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update job data for %s", key)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("job %s", key)
	}
	return nil
}

func selectJob(tx *sql.Tx, key Key) (*JobDetail, error) {
	query := `
		SELECT job_name, job_group, description,
		       is_durable, is_volatile, is_stateful, requests_recovery,
		       job_data
		FROM sched_job_details
		WHERE job_name = ? AND job_group = ?
	`

	var job JobDetail
	var description sql.NullString
	var data []byte

	err := tx.QueryRow(query, key.Name, key.Group).Scan(
		&job.Key.Name,
		&job.Key.Group,
		&description,
		&job.Durable,
		&job.Volatile,
		&job.Stateful,
		&job.RequestsRecovery,
		&data,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to select job %s", key)
	}

	job.Description = description.String
	job.Data, err = UnmarshalJobData(data)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func jobExists(tx *sql.Tx, key Key) (bool, error) {
	var exists bool
	err := tx.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM sched_job_details WHERE job_name = ? AND job_group = ?)`,
		key.Name, key.Group,
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check job %s", key)
	}
	return exists, nil
}

func deleteJob(tx *sql.Tx, key Key) (bool, error) {
	result, err := tx.Exec(
		`DELETE FROM sched_job_details WHERE job_name = ? AND job_group = ?`,
		key.Name, key.Group,
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to delete job %s", key)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows > 0, nil
}

func selectJobCount(tx *sql.Tx) (int, error) {
	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM sched_job_details`).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count jobs")
	}
	return count, nil
}

func selectJobGroups(tx *sql.Tx) ([]string, error) {
	return selectStrings(tx, `SELECT DISTINCT job_group FROM sched_job_details ORDER BY job_group`, "job groups")
}

func selectJobKeysInGroup(tx *sql.Tx, group string) ([]Key, error) {
	return selectKeys(tx,
		`SELECT job_name, job_group FROM sched_job_details WHERE job_group = ? ORDER BY job_name`,
		"jobs in group", group)
}

func selectVolatileJobKeys(tx *sql.Tx) ([]Key, error) {
	return selectKeys(tx,
		`SELECT job_name, job_group FROM sched_job_details WHERE is_volatile = ?`,
		"volatile jobs", true)
}

// --- triggers ---

func insertTrigger(tx *sql.Tx, trigger *Trigger) error {
	data, err := MarshalJobData(trigger.Data)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sched_triggers (
			trigger_name, trigger_group, job_name, job_group,
			description, is_volatile,
			next_fire_time, prev_fire_time, priority,
			trigger_state, trigger_type,
			start_time, end_time,
			calendar_name, misfire_instr, job_data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	description := sql.NullString{String: trigger.Description, Valid: trigger.Description != ""}
	calendarName := sql.NullString{String: trigger.CalendarName, Valid: trigger.CalendarName != ""}

	_, err = tx.Exec(query,
		trigger.Key.Name,
		trigger.Key.Group,
		trigger.JobKey.Name,
		trigger.JobKey.Group,
		description,
		trigger.Volatile,
		nullableTimeToText(trigger.NextFireTime),
		nullableTimeToText(trigger.PrevFireTime),
		trigger.Priority,
		string(trigger.State),
		string(trigger.Type),
		timeToText(trigger.StartTime),
		nullableTimeToText(trigger.EndTime),
		calendarName,
		int(trigger.MisfireInstruction),
		data,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert trigger %s", trigger.Key)
	}

	return insertTriggerVariant(tx, trigger)
}

func insertTriggerVariant(tx *sql.Tx, trigger *Trigger) error {
	switch trigger.Type {
	case TriggerTypeSimple:
		_, err := tx.Exec(
			`INSERT INTO sched_simple_triggers (trigger_name, trigger_group, repeat_count, repeat_interval_ms, times_triggered)
			 VALUES (?, ?, ?, ?, ?)`,
			trigger.Key.Name, trigger.Key.Group,
			trigger.Simple.RepeatCount,
			trigger.Simple.RepeatInterval.Milliseconds(),
			trigger.Simple.TimesTriggered,
		)
		if err != nil {
			return errors.Wrapf(err, "failed to insert simple trigger %s", trigger.Key)
		}
	case TriggerTypeCron:
		timeZone := sql.NullString{String: trigger.Cron.TimeZone, Valid: trigger.Cron.TimeZone != ""}
		_, err := tx.Exec(
			`INSERT INTO sched_cron_triggers (trigger_name, trigger_group, cron_expression, time_zone_id)
			 VALUES (?, ?, ?, ?)`,
			trigger.Key.Name, trigger.Key.Group,
			trigger.Cron.Expression,
			timeZone,
		)
		if err != nil {
			return errors.Wrapf(err, "failed to insert cron trigger %s", trigger.Key)
		}
	case TriggerTypeBlob:
		_, err := tx.Exec(
			`INSERT INTO sched_blob_triggers (trigger_name, trigger_group, blob_data) VALUES (?, ?, ?)`,
			trigger.Key.Name, trigger.Key.Group, trigger.Blob,
		)
		if err != nil {
			return errors.Wrapf(err, "failed to insert blob trigger %s", trigger.Key)
		}
	}
	return nil
}

// updateTrigger rewrites the trigger row and its variant row. The state
// column is written as given.
func updateTrigger(tx *sql.Tx, trigger *Trigger) error {
	data, err := MarshalJobData(trigger.Data)
	if err != nil {
		return err
	}

	query := `
		UPDATE sched_triggers
		SET job_name = ?,
		    job_group = ?,
		    description = ?,
		    is_volatile = ?,
		    next_fire_time = ?,
		    prev_fire_time = ?,
		    priority = ?,
		    trigger_state = ?,
		    trigger_type = ?,
		    start_time = ?,
		    end_time = ?,
		    calendar_name = ?,
		    misfire_instr = ?,
		    job_data = ?
		WHERE trigger_name = ? AND trigger_group = ?
	`

	description := sql.NullString{String: trigger.Description, Valid: trigger.Description != ""}
	calendarName := sql.NullString{String: trigger.CalendarName, Valid: trigger.CalendarName != ""}

	result, err := tx.Exec(query,
		trigger.JobKey.Name,
		trigger.JobKey.Group,
		description,
		trigger.Volatile,
		nullableTimeToText(trigger.NextFireTime),
		nullableTimeToText(trigger.PrevFireTime),
		trigger.Priority,
		string(trigger.State),
		string(trigger.Type),
		timeToText(trigger.StartTime),
		nullableTimeToText(trigger.EndTime),
		calendarName,
		int(trigger.MisfireInstruction),
		data,
		trigger.Key.Name,
		trigger.Key.Group,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update trigger %s", trigger.Key)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("trigger %s", trigger.Key)
	}

	// Variant rows are replaced wholesale; the type may have changed
	if err := deleteTriggerVariants(tx, trigger.Key); err != nil {
		return err
	}
	return insertTriggerVariant(tx, trigger)
}

func deleteTriggerVariants(tx *sql.Tx, key Key) error {
	for _, table := range []string{"sched_simple_triggers", "sched_cron_triggers", "sched_blob_triggers"} {
		if _, err := tx.Exec(
			`DELETE FROM `+table+` WHERE trigger_name = ? AND trigger_group = ?`,
			key.Name, key.Group,
		); err != nil {
			return errors.Wrapf(err, "failed to delete %s row for %s", table, key)
		}
	}
	return nil
}

func selectTrigger(tx *sql.Tx, key Key) (*Trigger, error) {
	query := `
		SELECT trigger_name, trigger_group, job_name, job_group,
		       description, is_volatile,
		       next_fire_time, prev_fire_time, priority,
		       trigger_state, trigger_type,
		       start_time, end_time,
		       calendar_name, misfire_instr, job_data
		FROM sched_triggers
		WHERE trigger_name = ? AND trigger_group = ?
	`

	var trigger Trigger
	var description, calendarName sql.NullString
	var nextFire, prevFire, endTime sql.NullString
	var state, triggerType, startTime string
	var misfireInstr int
	var data []byte

	err := tx.QueryRow(query, key.Name, key.Group).Scan(
		&trigger.Key.Name,
		&trigger.Key.Group,
		&trigger.JobKey.Name,
		&trigger.JobKey.Group,
		&description,
		&trigger.Volatile,
		&nextFire,
		&prevFire,
		&trigger.Priority,
		&state,
		&triggerType,
		&startTime,
		&endTime,
		&calendarName,
		&misfireInstr,
		&data,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to select trigger %s", key)
	}

	trigger.Description = description.String
	trigger.CalendarName = calendarName.String
	trigger.State = TriggerState(state)
	trigger.Type = TriggerType(triggerType)
	trigger.MisfireInstruction = MisfireInstruction(misfireInstr)

	if trigger.StartTime, err = textToTime(startTime); err != nil {
		return nil, err
	}
	if trigger.NextFireTime, err = nullableTextToTime(nextFire); err != nil {
		return nil, err
	}
	if trigger.PrevFireTime, err = nullableTextToTime(prevFire); err != nil {
		return nil, err
	}
	if trigger.EndTime, err = nullableTextToTime(endTime); err != nil {
		return nil, err
	}
	if trigger.Data, err = UnmarshalJobData(data); err != nil {
		return nil, err
	}

	if err := selectTriggerVariant(tx, &trigger); err != nil {
		return nil, err
	}
	return &trigger, nil
}

func selectTriggerVariant(tx *sql.Tx, trigger *Trigger) error {
	switch trigger.Type {
	case TriggerTypeSimple:
		var intervalMS int64
		simple := &SimpleTrigger{}
		err := tx.QueryRow(
			`SELECT repeat_count, repeat_interval_ms, times_triggered
			 FROM sched_simple_triggers WHERE trigger_name = ? AND trigger_group = ?`,
			trigger.Key.Name, trigger.Key.Group,
		).Scan(&simple.RepeatCount, &intervalMS, &simple.TimesTriggered)
		if err != nil {
			return errors.Wrapf(err, "failed to select simple trigger %s", trigger.Key)
		}
		simple.RepeatInterval = time.Duration(intervalMS) * time.Millisecond
		trigger.Simple = simple
	case TriggerTypeCron:
		var timeZone sql.NullString
		cronTrigger := &CronTrigger{}
		err := tx.QueryRow(
			`SELECT cron_expression, time_zone_id
			 FROM sched_cron_triggers WHERE trigger_name = ? AND trigger_group = ?`,
			trigger.Key.Name, trigger.Key.Group,
		).Scan(&cronTrigger.Expression, &timeZone)
		if err != nil {
			return errors.Wrapf(err, "failed to select cron trigger %s", trigger.Key)
		}
		cronTrigger.TimeZone = timeZone.String
		trigger.Cron = cronTrigger
	case TriggerTypeBlob:
		err := tx.QueryRow(
			`SELECT blob_data FROM sched_blob_triggers WHERE trigger_name = ? AND trigger_group = ?`,
			trigger.Key.Name, trigger.Key.Group,
		).Scan(&trigger.Blob)
		if err != nil {
			return errors.Wrapf(err, "failed to select blob trigger %s", trigger.Key)
		}
	}
	return nil
}

func triggerExists(tx *sql.Tx, key Key) (bool, error) {
	var exists bool
	err := tx.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM sched_triggers WHERE trigger_name = ? AND trigger_group = ?)`,
		key.Name, key.Group,
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check trigger %s", key)
	}
	return exists, nil
}

func deleteTrigger(tx *sql.Tx, key Key) (bool, error) {
	if err := deleteTriggerVariants(tx, key); err != nil {
		return false, err
	}
	result, err := tx.Exec(
		`DELETE FROM sched_triggers WHERE trigger_name = ? AND trigger_group = ?`,
		key.Name, key.Group,
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to delete trigger %s", key)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows > 0, nil
}

func selectTriggerState(tx *sql.Tx, key Key) (TriggerState, error) {
	var state string
	err := tx.QueryRow(
		`SELECT trigger_state FROM sched_triggers WHERE trigger_name = ? AND trigger_group = ?`,
		key.Name, key.Group,
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return StateDeleted, nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to select state of trigger %s", key)
	}
	return TriggerState(state), nil
}

func updateTriggerState(tx *sql.Tx, key Key, state TriggerState) error {
	result, err := tx.Exec(
		`UPDATE sched_triggers SET trigger_state = ? WHERE trigger_name = ? AND trigger_group = ?`,
		string(state), key.Name, key.Group,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to set trigger %s to %s", key, state)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("trigger %s", key)
	}
	return nil
}

// updateTriggerStateFrom is the single-row CAS: the write lands only when
// the row is still in one of the expected states. Returns whether it did.
func updateTriggerStateFrom(tx *sql.Tx, key Key, newState TriggerState, oldStates ...TriggerState) (bool, error) {
	query := `UPDATE sched_triggers SET trigger_state = ? WHERE trigger_name = ? AND trigger_group = ? AND trigger_state IN (` + statePlaceholders(len(oldStates)) + `)`

	args := []interface{}{string(newState), key.Name, key.Group}
	for _, old := range oldStates {
		args = append(args, string(old))
	}

	result, err := tx.Exec(query, args...)
	if err != nil {
		return false, errors.Wrapf(err, "failed to move trigger %s to %s", key, newState)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows > 0, nil
}

func updateTriggerStatesForJobFrom(tx *sql.Tx, jobKey Key, newState TriggerState, oldStates ...TriggerState) error {
	query := `UPDATE sched_triggers SET trigger_state = ? WHERE job_name = ? AND job_group = ? AND trigger_state IN (` + statePlaceholders(len(oldStates)) + `)`

	args := []interface{}{string(newState), jobKey.Name, jobKey.Group}
	for _, old := range oldStates {
		args = append(args, string(old))
	}

	if _, err := tx.Exec(query, args...); err != nil {
		return errors.Wrapf(err, "failed to move triggers of job %s to %s", jobKey, newState)
	}
	return nil
}

func updateTriggerStatesForJob(tx *sql.Tx, jobKey Key, newState TriggerState) error {
	_, err := tx.Exec(
		`UPDATE sched_triggers SET trigger_state = ? WHERE job_name = ? AND job_group = ?`,
		string(newState), jobKey.Name, jobKey.Group,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to move triggers of job %s to %s", jobKey, newState)
	}
	return nil
}

func updateTriggerGroupStateFrom(tx *sql.Tx, group string, newState TriggerState, oldStates ...TriggerState) error {
	query := `UPDATE sched_triggers SET trigger_state = ? WHERE trigger_group = ? AND trigger_state IN (` + statePlaceholders(len(oldStates)) + `)`

	args := []interface{}{string(newState), group}
	for _, old := range oldStates {
		args = append(args, string(old))
	}

	if _, err := tx.Exec(query, args...); err != nil {
		return errors.Wrapf(err, "failed to move trigger group %s to %s", group, newState)
	}
	return nil
}

func statePlaceholders(n int) string {
	if n == 0 {
		return "''"
	}
	placeholders := "?"
	for i := 1; i < n; i++ {
		placeholders += ", ?"
	}
	return placeholders
}

func selectTriggerKeysForJob(tx *sql.Tx, jobKey Key) ([]Key, error) {
	return selectKeys(tx,
		`SELECT trigger_name, trigger_group FROM sched_triggers WHERE job_name = ? AND job_group = ? ORDER BY trigger_name`,
		"triggers for job", jobKey.Name, jobKey.Group)
}

func selectTriggerStatesForJob(tx *sql.Tx, jobKey Key) (map[Key]TriggerState, error) {
	rows, err := tx.Query(
		`SELECT trigger_name, trigger_group, trigger_state FROM sched_triggers WHERE job_name = ? AND job_group = ?`,
		jobKey.Name, jobKey.Group,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to select trigger states for job %s", jobKey)
	}
	defer rows.Close()

	states := make(map[Key]TriggerState)
	for rows.Next() {
		var key Key
		var state string
		if err := rows.Scan(&key.Name, &key.Group, &state); err != nil {
			return nil, errors.Wrap(err, "failed to scan trigger state")
		}
		states[key] = TriggerState(state)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating trigger states")
	}
	return states, nil
}

func selectNumTriggersForJob(tx *sql.Tx, jobKey Key) (int, error) {
	var count int
	err := tx.QueryRow(
		`SELECT COUNT(*) FROM sched_triggers WHERE job_name = ? AND job_group = ?`,
		jobKey.Name, jobKey.Group,
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count triggers for job %s", jobKey)
	}
	return count, nil
}

func selectTriggerCount(tx *sql.Tx) (int, error) {
	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM sched_triggers`).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count triggers")
	}
	return count, nil
}

func selectTriggerGroups(tx *sql.Tx) ([]string, error) {
	return selectStrings(tx, `SELECT DISTINCT trigger_group FROM sched_triggers ORDER BY trigger_group`, "trigger groups")
}

func selectTriggerKeysInGroup(tx *sql.Tx, group string) ([]Key, error) {
	return selectKeys(tx,
		`SELECT trigger_name, trigger_group FROM sched_triggers WHERE trigger_group = ? ORDER BY trigger_name`,
		"triggers in group", group)
}

func selectTriggerKeysInState(tx *sql.Tx, state TriggerState) ([]Key, error) {
	return selectKeys(tx,
		`SELECT trigger_name, trigger_group FROM sched_triggers WHERE trigger_state = ?`,
		"triggers in state", string(state))
}

func selectVolatileTriggerKeys(tx *sql.Tx) ([]Key, error) {
	return selectKeys(tx,
		`SELECT trigger_name, trigger_group FROM sched_triggers WHERE is_volatile = ?`,
		"volatile triggers", true)
}

// selectNextTriggerKeys returns WAITING triggers due no later than the
// window bound, soonest first, priority breaking ties.
func selectNextTriggerKeys(tx *sql.Tx, noLaterThan time.Time, limit int) ([]Key, error) {
	rows, err := tx.Query(
		`SELECT trigger_name, trigger_group
		 FROM sched_triggers
		 WHERE trigger_state = ? AND next_fire_time IS NOT NULL AND next_fire_time <= ?
		 ORDER BY next_fire_time ASC, priority DESC
		 LIMIT ?`,
		string(StateWaiting), timeToText(noLaterThan), limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to select next triggers")
	}
	defer rows.Close()
	return scanKeys(rows, "next triggers")
}

// selectMisfiredTriggerKeys returns WAITING triggers whose next fire time
// slid before the cutoff, oldest first, capped at limit. Callers ask for one
// more than their batch size to tell whether more remain.
func selectMisfiredTriggerKeys(tx *sql.Tx, before time.Time, limit int) ([]Key, error) {
	rows, err := tx.Query(
		`SELECT trigger_name, trigger_group
		 FROM sched_triggers
		 WHERE trigger_state = ? AND misfire_instr <> ? AND next_fire_time IS NOT NULL AND next_fire_time < ?
		 ORDER BY next_fire_time ASC
		 LIMIT ?`,
		string(StateWaiting), int(MisfireIgnore), timeToText(before), limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to select misfired triggers")
	}
	defer rows.Close()
	return scanKeys(rows, "misfired triggers")
}

// --- calendars ---

func insertCalendar(tx *sql.Tx, name string, cal *Calendar) error {
	raw, err := MarshalCalendar(cal)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO sched_calendars (calendar_name, calendar) VALUES (?, ?)`,
		name, raw,
	); err != nil {
		return errors.Wrapf(err, "failed to insert calendar %s", name)
	}
	return nil
}

func updateCalendar(tx *sql.Tx, name string, cal *Calendar) error {
	raw, err := MarshalCalendar(cal)
	if err != nil {
		return err
	}
	result, err := tx.Exec(
		`UPDATE sched_calendars SET calendar = ? WHERE calendar_name = ?`,
		raw, name,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update calendar %s", name)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("calendar %s", name)
	}
	return nil
}

func selectCalendar(tx *sql.Tx, name string) (*Calendar, error) {
	var raw []byte
	err := tx.QueryRow(
		`SELECT calendar FROM sched_calendars WHERE calendar_name = ?`,
		name,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to select calendar %s", name)
	}
	return UnmarshalCalendar(raw)
}

func calendarExists(tx *sql.Tx, name string) (bool, error) {
	var exists bool
	err := tx.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM sched_calendars WHERE calendar_name = ?)`,
		name,
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check calendar %s", name)
	}
	return exists, nil
}

func deleteCalendar(tx *sql.Tx, name string) (bool, error) {
	result, err := tx.Exec(`DELETE FROM sched_calendars WHERE calendar_name = ?`, name)
	if err != nil {
		return false, errors.Wrapf(err, "failed to delete calendar %s", name)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows > 0, nil
}

func selectCalendarNames(tx *sql.Tx) ([]string, error) {
	return selectStrings(tx, `SELECT calendar_name FROM sched_calendars ORDER BY calendar_name`, "calendar names")
}

func selectCalendarCount(tx *sql.Tx) (int, error) {
	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM sched_calendars`).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count calendars")
	}
	return count, nil
}

func countTriggersWithCalendar(tx *sql.Tx, name string) (int, error) {
	var count int
	err := tx.QueryRow(
		`SELECT COUNT(*) FROM sched_triggers WHERE calendar_name = ?`,
		name,
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count triggers on calendar %s", name)
	}
	return count, nil
}

func selectTriggerKeysWithCalendar(tx *sql.Tx, name string) ([]Key, error) {
	return selectKeys(tx,
		`SELECT trigger_name, trigger_group FROM sched_triggers WHERE calendar_name = ?`,
		"triggers on calendar", name)
}

// --- paused trigger groups ---

func insertPausedTriggerGroup(tx *sql.Tx, group string) error {
	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO sched_paused_trigger_grps (trigger_group) VALUES (?)`,
		group,
	); err != nil {
		return errors.Wrapf(err, "failed to mark group %s paused", group)
	}
	return nil
}

func deletePausedTriggerGroup(tx *sql.Tx, group string) error {
	if _, err := tx.Exec(
		`DELETE FROM sched_paused_trigger_grps WHERE trigger_group = ?`,
		group,
	); err != nil {
		return errors.Wrapf(err, "failed to unmark paused group %s", group)
	}
	return nil
}

func deleteAllPausedTriggerGroups(tx *sql.Tx) error {
	if _, err := tx.Exec(`DELETE FROM sched_paused_trigger_grps`); err != nil {
		return errors.Wrap(err, "failed to clear paused groups")
	}
	return nil
}

func isTriggerGroupPaused(tx *sql.Tx, group string) (bool, error) {
	var paused bool
	err := tx.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM sched_paused_trigger_grps WHERE trigger_group = ?)`,
		group,
	).Scan(&paused)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check paused group %s", group)
	}
	return paused, nil
}

func selectPausedTriggerGroups(tx *sql.Tx) ([]string, error) {
	return selectStrings(tx, `SELECT trigger_group FROM sched_paused_trigger_grps ORDER BY trigger_group`, "paused groups")
}

// --- scan helpers ---

func selectStrings(tx *sql.Tx, query, context string, args ...interface{}) ([]string, error) {
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to select %s", context)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, errors.Wrapf(err, "failed to scan %s", context)
		}
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}
	return values, nil
}

func selectKeys(tx *sql.Tx, query, context string, args ...interface{}) ([]Key, error) {
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to select %s", context)
	}
	defer rows.Close()
	return scanKeys(rows, context)
}

func scanKeys(rows *sql.Rows, context string) ([]Key, error) {
	var keys []Key
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.Name, &key.Group); err != nil {
			return nil, errors.Wrapf(err, "failed to scan %s", context)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}
	return keys, nil
}
