package chrono

import "time"

// JobStatus tracks a job through its lifecycle. Terminal statuses (success,
// failure, missed) are immutable once recorded.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailure JobStatus = "failure"
	JobMissed  JobStatus = "missed"
)

// Job is one concrete queued or running occurrence of a task. The scheduler
// loop creates jobs when schedules fire; exactly one worker claims each job
// and owns it for its running lifetime.
type Job struct {
	ID         string
	TaskID     string
	ScheduleID string // empty for one-shot jobs submitted via AddJob

	// Args is the opaque encoded argument payload decoded by the callable.
	Args []byte

	// ScheduledFireTime is the occurrence this job realizes. Nil for
	// one-shot jobs, which are due immediately.
	ScheduledFireTime *time.Time

	// StartDeadline is the latest instant the job may still start; a job
	// claimed after it is recorded as missed. Nil means no deadline.
	StartDeadline *time.Time

	Status    JobStatus
	CreatedAt time.Time

	// AcquiredBy and AcquiredUntil form the worker lease, with the same
	// expiry-is-the-failure-detector semantics as schedule leases.
	AcquiredBy    string
	AcquiredUntil *time.Time
}

// leaseExpired reports whether a running job's worker lease has lapsed,
// making the job claimable again.
func (j *Job) leaseExpired(now time.Time) bool {
	return j.AcquiredBy == "" || j.AcquiredUntil == nil || j.AcquiredUntil.Before(now)
}

// JobResult records the outcome of one job. Results are retained for the
// datastore's retention window and then garbage-collected by CleanUp.
type JobResult struct {
	JobID  string
	Status JobStatus

	// ReturnValue holds the encoded return value on success.
	ReturnValue []byte

	// Error carries the captured error description on failure or the
	// missed-deadline note on a misfire. Never silently dropped.
	Error string

	StartedAt  time.Time
	FinishedAt time.Time
	ExpiresAt  time.Time
}
