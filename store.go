package chrono

import (
	"context"
	"time"
)

// DataStore is the single source of truth shared by every scheduler and
// worker process. Implementations must make each operation atomic relative
// to concurrent callers on the same backend; AcquireSchedules and
// AcquireJobs in particular must be single atomic read-modify-writes
// (conditional update, SELECT ... FOR UPDATE, or equivalent) so that two
// concurrent callers can never claim the same row. No client-side locking
// is assumed beyond what the backend's atomic operation provides.
//
// Lease comparisons use the backend's own authoritative clock (or one
// injected clock shared by all instances on that backend); lease expiry is
// the crash detector — there is no other failure detection.
type DataStore interface {
	// AddTask registers or replaces a task definition.
	AddTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, taskID string) (*Task, error)
	GetTasks(ctx context.Context) ([]*Task, error)
	RemoveTask(ctx context.Context, taskID string) error

	// AddSchedule persists a schedule, applying the conflict policy when
	// the identifier already exists. ConflictFail yields a ConflictError.
	AddSchedule(ctx context.Context, schedule *Schedule, conflict ConflictPolicy) error

	// GetSchedules returns the named schedules, or every schedule when no
	// IDs are given. Unknown IDs are skipped, not errors.
	GetSchedules(ctx context.Context, ids ...string) ([]*Schedule, error)
	RemoveSchedules(ctx context.Context, ids ...string) error

	// AcquireSchedules atomically claims up to limit schedules that are due
	// (next fire time at or before now), unpaused, and either unclaimed or
	// holding an expired lease. Each claimed schedule gets
	// acquired_by=schedulerID and acquired_until=now+lease.
	AcquireSchedules(ctx context.Context, schedulerID string, limit int, lease time.Duration) ([]*Schedule, error)

	// ReleaseSchedules writes back the new next/last fire times of leased
	// schedules and clears their leases. Exhausted schedules (nil next fire
	// time) are deleted. Rows whose lease was stolen in the interim are
	// skipped and reported via LeaseExpiredError.
	ReleaseSchedules(ctx context.Context, schedulerID string, schedules []*Schedule) error

	// ExtendScheduleLeases is the heartbeat: it pushes acquired_until
	// forward for schedules the instance still owns. The write is
	// conditioned on ownership at write time; stolen leases are reported
	// via LeaseExpiredError and must not be considered held.
	ExtendScheduleLeases(ctx context.Context, schedulerID string, ids []string, lease time.Duration) error

	// AddJob enqueues a job. A job arriving with a terminal status (the
	// scheduler marks misfires JobMissed) is recorded together with its
	// JobResult and is never claimable.
	AddJob(ctx context.Context, job *Job) error

	// GetJobs returns the named jobs, or every job when no IDs are given.
	GetJobs(ctx context.Context, ids ...string) ([]*Job, error)

	// AcquireJobs atomically claims up to limit due pending jobs (or
	// running jobs with expired leases) for the worker, honoring each
	// task's MaxRunningJobs ceiling across the whole datastore. Jobs whose
	// start deadline has passed are finalized as missed instead of
	// returned.
	AcquireJobs(ctx context.Context, workerID string, limit int, lease time.Duration) ([]*Job, error)

	// ReleaseJob finalizes a claimed job with its result. Fails with
	// LeaseExpiredError when the worker no longer holds the job.
	ReleaseJob(ctx context.Context, workerID string, job *Job, result *JobResult) error

	// ExtendJobLeases is the worker-side heartbeat for long-running jobs,
	// with the same conditioned-on-ownership semantics as schedules.
	ExtendJobLeases(ctx context.Context, workerID string, ids []string, lease time.Duration) error

	// GetJobResult returns the outcome of a finished job, or
	// ErrResultNotFound if it never finished or the result was cleaned up.
	GetJobResult(ctx context.Context, jobID string) (*JobResult, error)

	// CleanUp purges job results past their retention window and any other
	// expired bookkeeping. Called periodically by the scheduler loop.
	CleanUp(ctx context.Context) error
}
