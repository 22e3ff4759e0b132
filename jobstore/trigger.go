package jobstore

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/tempo/errors"
)

// TriggerType tags the variant-specific payload of a trigger.
type TriggerType string

const (
	TriggerTypeSimple TriggerType = "SIMPLE"
	TriggerTypeCron   TriggerType = "CRON"
	TriggerTypeBlob   TriggerType = "BLOB"
)

// RepeatIndefinitely makes a simple trigger repeat until its end time.
const RepeatIndefinitely = -1

// DefaultPriority is the priority of triggers that do not set one.
const DefaultPriority = 5

// MisfireInstruction selects the policy applied when a trigger misses its
// fire time by more than the misfire threshold.
type MisfireInstruction int

const (
	// MisfireIgnore leaves the trigger untouched; it fires as soon as a
	// scheduler gets to it.
	MisfireIgnore MisfireInstruction = -1
	// MisfireSmartPolicy lets the variant choose its own default.
	MisfireSmartPolicy MisfireInstruction = 0
	// MisfireFireNow moves the next fire time to now.
	MisfireFireNow MisfireInstruction = 1
	// MisfireRescheduleNext moves the next fire time to the first slot
	// after now.
	MisfireRescheduleNext MisfireInstruction = 2
)

// cronParser accepts both five-field and six-field (leading seconds)
// expressions.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// SimpleTrigger is a fixed-interval repeating schedule.
type SimpleTrigger struct {
	// RepeatInterval is the time between firings.
	RepeatInterval time.Duration
	// RepeatCount is how many times the trigger repeats after its first
	// firing. RepeatIndefinitely means no limit.
	RepeatCount int
	// TimesTriggered counts completed firings.
	TimesTriggered int
}

// CronTrigger fires on a cron expression in a named time zone.
type CronTrigger struct {
	Expression string
	// TimeZone is an IANA zone name. Empty means local time.
	TimeZone string
}

// location resolves the trigger's time zone.
func (c *CronTrigger) location() (*time.Location, error) {
	if c.TimeZone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid time zone %q", c.TimeZone)
	}
	return loc, nil
}

// schedule parses the cron expression.
func (c *CronTrigger) schedule() (cron.Schedule, error) {
	sched, err := cronParser.Parse(c.Expression)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid cron expression %q", c.Expression)
	}
	return sched, nil
}

// Trigger is a fireable schedule attached to one job.
type Trigger struct {
	Key         Key
	JobKey      Key
	Description string

	// Volatile triggers are discarded on scheduler restart.
	Volatile bool

	// CalendarName references an exclusion calendar, or empty.
	CalendarName string

	Priority           int
	MisfireInstruction MisfireInstruction

	StartTime time.Time
	EndTime   *time.Time

	NextFireTime *time.Time
	PrevFireTime *time.Time

	// State reflects the stored row when the trigger was loaded.
	State TriggerState

	// FiredEntryID carries the fired record id between acquisition and
	// execution. Not persisted on the trigger row.
	FiredEntryID string

	// Data is the trigger-level payload, merged into the job payload by
	// the scheduler at execution time.
	Data JobDataMap

	Type   TriggerType
	Simple *SimpleTrigger
	Cron   *CronTrigger
	Blob   []byte
}

// Validate rejects triggers the store cannot persist.
func (t *Trigger) Validate() error {
	if t.Key.Name == "" {
		return errors.NewClientError("trigger name must not be empty")
	}
	if t.JobKey.Name == "" {
		return errors.NewClientError("trigger %s references no job", t.Key)
	}
	switch t.Type {
	case TriggerTypeSimple:
		if t.Simple == nil {
			return errors.NewClientError("trigger %s is typed SIMPLE but has no simple payload", t.Key)
		}
		if t.Simple.RepeatCount != 0 && t.Simple.RepeatInterval <= 0 {
			return errors.NewClientError("trigger %s repeats but has no positive interval", t.Key)
		}
	case TriggerTypeCron:
		if t.Cron == nil {
			return errors.NewClientError("trigger %s is typed CRON but has no cron payload", t.Key)
		}
		if _, err := t.Cron.schedule(); err != nil {
			return errors.Mark(err, errors.ErrClientError)
		}
		if _, err := t.Cron.location(); err != nil {
			return errors.Mark(err, errors.ErrClientError)
		}
	case TriggerTypeBlob:
		// Opaque payloads carry no constraints
	default:
		return errors.NewClientError("trigger %s has unknown type %q", t.Key, t.Type)
	}
	return nil
}

// afterEnd reports whether ts falls past the trigger's end time.
func (t *Trigger) afterEnd(ts time.Time) bool {
	return t.EndTime != nil && ts.After(*t.EndTime)
}

// fireTimeAfter computes the first fire time strictly after the given
// instant, ignoring calendars. Returns nil when the trigger will never
// fire again.
func (t *Trigger) fireTimeAfter(after time.Time) *time.Time {
	switch t.Type {
	case TriggerTypeSimple:
		return t.simpleFireTimeAfter(after)
	case TriggerTypeCron:
		sched, err := t.Cron.schedule()
		if err != nil {
			return nil
		}
		loc, err := t.Cron.location()
		if err != nil {
			return nil
		}
		if after.Before(t.StartTime) {
			after = t.StartTime.Add(-time.Second)
		}
		next := sched.Next(after.In(loc))
		if next.IsZero() || t.afterEnd(next) {
			return nil
		}
		return &next
	default:
		// Opaque triggers fire once at their start time
		if after.Before(t.StartTime) && !t.afterEnd(t.StartTime) {
			ts := t.StartTime
			return &ts
		}
		return nil
	}
}

func (t *Trigger) simpleFireTimeAfter(after time.Time) *time.Time {
	s := t.Simple
	if s.RepeatCount != RepeatIndefinitely && s.TimesTriggered > s.RepeatCount {
		return nil
	}
	if after.Before(t.StartTime) {
		if t.afterEnd(t.StartTime) {
			return nil
		}
		ts := t.StartTime
		return &ts
	}
	if s.RepeatInterval <= 0 {
		return nil
	}

	elapsed := after.Sub(t.StartTime)
	periods := elapsed/s.RepeatInterval + 1
	if s.RepeatCount != RepeatIndefinitely && int(periods) > s.RepeatCount {
		return nil
	}

	next := t.StartTime.Add(periods * s.RepeatInterval)
	if t.afterEnd(next) {
		return nil
	}
	return &next
}

// nextIncluded advances a candidate fire time past calendar-excluded
// slots. A nil calendar includes everything.
func (t *Trigger) nextIncluded(candidate *time.Time, cal *Calendar) *time.Time {
	for candidate != nil && cal != nil && !cal.IsTimeIncluded(*candidate) {
		candidate = t.fireTimeAfter(*candidate)
	}
	return candidate
}

// ComputeFirstFireTime sets the initial next fire time when the trigger is
// stored, skipping calendar-excluded slots.
func (t *Trigger) ComputeFirstFireTime(cal *Calendar) {
	first := t.fireTimeAfter(t.StartTime.Add(-time.Second))
	t.NextFireTime = t.nextIncluded(first, cal)
}

// Triggered advances the trigger after a firing: the fired time becomes the
// previous fire time, the variant computes the next one, and simple
// triggers count the firing.
func (t *Trigger) Triggered(cal *Calendar) {
	t.PrevFireTime = t.NextFireTime
	if t.Type == TriggerTypeSimple {
		t.Simple.TimesTriggered++
	}

	if t.NextFireTime == nil {
		return
	}
	next := t.fireTimeAfter(*t.NextFireTime)
	t.NextFireTime = t.nextIncluded(next, cal)
}

// UpdateAfterMisfire applies the trigger's misfire policy at the given
// instant. The caller has already determined that the trigger misfired.
func (t *Trigger) UpdateAfterMisfire(cal *Calendar, now time.Time) {
	instr := t.MisfireInstruction
	if instr == MisfireSmartPolicy {
		switch t.Type {
		case TriggerTypeSimple:
			instr = MisfireFireNow
		case TriggerTypeCron:
			instr = MisfireFireNow
		default:
			instr = MisfireIgnore
		}
	}

	switch instr {
	case MisfireFireNow:
		ts := now
		t.NextFireTime = t.nextIncluded(&ts, cal)
	case MisfireRescheduleNext:
		next := t.fireTimeAfter(now)
		t.NextFireTime = t.nextIncluded(next, cal)
	}
}
