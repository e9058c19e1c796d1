package chrono

import (
	"errors"
	"time"
)

// CoalescePolicy decides how many jobs a schedule emits when several fire
// times have accumulated while no scheduler was processing it.
type CoalescePolicy string

const (
	// CoalesceLatest emits one job for the most recent accumulated
	// occurrence and skips the rest. This is the default.
	CoalesceLatest CoalescePolicy = "latest"

	// CoalesceEarliest emits one job for the oldest accumulated occurrence.
	CoalesceEarliest CoalescePolicy = "earliest"

	// CoalesceAll emits one job per accumulated occurrence, bounded by the
	// scheduler's MaxCatchUp setting.
	CoalesceAll CoalescePolicy = "all"
)

// ConflictPolicy decides what AddSchedule does when the identifier is
// already present.
type ConflictPolicy string

const (
	// ConflictFail rejects the add with a ConflictError.
	ConflictFail ConflictPolicy = "fail"

	// ConflictReplace overwrites the existing schedule (upsert).
	ConflictReplace ConflictPolicy = "replace"

	// ConflictSkip keeps the existing schedule and discards the new one.
	ConflictSkip ConflictPolicy = "skip"
)

// Schedule binds a task to a trigger and tracks its firing progress. It is
// persisted in the shared datastore and mutated only by the scheduler
// instance currently holding its lease.
type Schedule struct {
	ID      string
	TaskID  string
	Trigger Trigger

	// Args is the opaque encoded payload passed to every job this schedule
	// creates.
	Args []byte

	Coalesce CoalescePolicy

	// MisfireGraceTime overrides the task's grace time when non-nil.
	MisfireGraceTime *time.Duration

	// Paused schedules keep their state but are never acquired.
	Paused bool

	// NextFireTime is the next occurrence to surface. Nil means the trigger
	// is exhausted and the schedule is due for deletion.
	NextFireTime *time.Time
	LastFireTime *time.Time

	// AcquiredBy and AcquiredUntil form the lease. AcquiredBy is
	// authoritative only while AcquiredUntil is in the future; an expired
	// lease makes the schedule eligible for takeover by any instance.
	AcquiredBy    string
	AcquiredUntil *time.Time
}

func (s *Schedule) validate() error {
	if s.ID == "" {
		return errors.New("schedule ID is required")
	}
	if s.TaskID == "" {
		return errors.New("schedule TaskID is required")
	}
	if s.Trigger == nil {
		return errors.New("schedule Trigger is required")
	}
	switch s.Coalesce {
	case CoalesceLatest, CoalesceEarliest, CoalesceAll:
	case "":
		s.Coalesce = CoalesceLatest
	default:
		return errors.New("unknown coalesce policy: " + string(s.Coalesce))
	}
	return nil
}

// graceTime resolves the effective misfire grace time, preferring the
// schedule's override.
func (s *Schedule) graceTime(task *Task) *time.Duration {
	if s.MisfireGraceTime != nil {
		return s.MisfireGraceTime
	}
	if task != nil {
		return task.MisfireGraceTime
	}
	return nil
}

// leaseExpired reports whether the schedule is claimable at the given
// instant.
func (s *Schedule) leaseExpired(now time.Time) bool {
	return s.AcquiredBy == "" || s.AcquiredUntil == nil || s.AcquiredUntil.Before(now)
}
