package chrono

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RetryingDataStore wraps another DataStore and retries transient backend
// failures with exponential backoff. Stable outcomes — conflicts, lost
// leases, codec failures, lookup misses — pass through untouched. When the
// backoff gives up, the last backend error surfaces to the caller; a
// persistently unreachable backend is fatal for the deployment since no
// progress is possible without the shared store.
type RetryingDataStore struct {
	store      DataStore
	logger     *zap.Logger
	newBackOff func() backoff.BackOff
}

// NewRetryingDataStore wraps store. A nil logger disables retry logging.
func NewRetryingDataStore(store DataStore, logger *zap.Logger) *RetryingDataStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingDataStore{
		store:  store,
		logger: logger,
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.MaxElapsedTime = time.Minute
			return bo
		},
	}
}

func (r *RetryingDataStore) retry(ctx context.Context, op string, fn func() error) error {
	bo := backoff.WithContext(r.newBackOff(), ctx)
	notify := func(err error, next time.Duration) {
		r.logger.Warn("datastore operation failed, retrying",
			zap.String("operation", op),
			zap.Duration("backoff", next),
			zap.Error(err))
	}
	return backoff.RetryNotify(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo, notify)
}

func (r *RetryingDataStore) AddTask(ctx context.Context, task *Task) error {
	return r.retry(ctx, "add_task", func() error { return r.store.AddTask(ctx, task) })
}

func (r *RetryingDataStore) GetTask(ctx context.Context, taskID string) (task *Task, err error) {
	err = r.retry(ctx, "get_task", func() (inner error) {
		task, inner = r.store.GetTask(ctx, taskID)
		return inner
	})
	return task, err
}

func (r *RetryingDataStore) GetTasks(ctx context.Context) (tasks []*Task, err error) {
	err = r.retry(ctx, "get_tasks", func() (inner error) {
		tasks, inner = r.store.GetTasks(ctx)
		return inner
	})
	return tasks, err
}

func (r *RetryingDataStore) RemoveTask(ctx context.Context, taskID string) error {
	return r.retry(ctx, "remove_task", func() error { return r.store.RemoveTask(ctx, taskID) })
}

func (r *RetryingDataStore) AddSchedule(ctx context.Context, schedule *Schedule, conflict ConflictPolicy) error {
	return r.retry(ctx, "add_schedule", func() error {
		return r.store.AddSchedule(ctx, schedule, conflict)
	})
}

func (r *RetryingDataStore) GetSchedules(ctx context.Context, ids ...string) (schedules []*Schedule, err error) {
	err = r.retry(ctx, "get_schedules", func() (inner error) {
		schedules, inner = r.store.GetSchedules(ctx, ids...)
		return inner
	})
	return schedules, err
}

func (r *RetryingDataStore) RemoveSchedules(ctx context.Context, ids ...string) error {
	return r.retry(ctx, "remove_schedules", func() error {
		return r.store.RemoveSchedules(ctx, ids...)
	})
}

func (r *RetryingDataStore) AcquireSchedules(ctx context.Context, schedulerID string, limit int, lease time.Duration) (schedules []*Schedule, err error) {
	err = r.retry(ctx, "acquire_schedules", func() (inner error) {
		schedules, inner = r.store.AcquireSchedules(ctx, schedulerID, limit, lease)
		return inner
	})
	return schedules, err
}

func (r *RetryingDataStore) ReleaseSchedules(ctx context.Context, schedulerID string, schedules []*Schedule) error {
	return r.retry(ctx, "release_schedules", func() error {
		return r.store.ReleaseSchedules(ctx, schedulerID, schedules)
	})
}

func (r *RetryingDataStore) ExtendScheduleLeases(ctx context.Context, schedulerID string, ids []string, lease time.Duration) error {
	return r.retry(ctx, "extend_schedule_leases", func() error {
		return r.store.ExtendScheduleLeases(ctx, schedulerID, ids, lease)
	})
}

func (r *RetryingDataStore) AddJob(ctx context.Context, job *Job) error {
	return r.retry(ctx, "add_job", func() error { return r.store.AddJob(ctx, job) })
}

func (r *RetryingDataStore) GetJobs(ctx context.Context, ids ...string) (jobs []*Job, err error) {
	err = r.retry(ctx, "get_jobs", func() (inner error) {
		jobs, inner = r.store.GetJobs(ctx, ids...)
		return inner
	})
	return jobs, err
}

func (r *RetryingDataStore) AcquireJobs(ctx context.Context, workerID string, limit int, lease time.Duration) (jobs []*Job, err error) {
	err = r.retry(ctx, "acquire_jobs", func() (inner error) {
		jobs, inner = r.store.AcquireJobs(ctx, workerID, limit, lease)
		return inner
	})
	return jobs, err
}

func (r *RetryingDataStore) ReleaseJob(ctx context.Context, workerID string, job *Job, result *JobResult) error {
	return r.retry(ctx, "release_job", func() error {
		return r.store.ReleaseJob(ctx, workerID, job, result)
	})
}

func (r *RetryingDataStore) ExtendJobLeases(ctx context.Context, workerID string, ids []string, lease time.Duration) error {
	return r.retry(ctx, "extend_job_leases", func() error {
		return r.store.ExtendJobLeases(ctx, workerID, ids, lease)
	})
}

func (r *RetryingDataStore) GetJobResult(ctx context.Context, jobID string) (result *JobResult, err error) {
	err = r.retry(ctx, "get_job_result", func() (inner error) {
		result, inner = r.store.GetJobResult(ctx, jobID)
		return inner
	})
	return result, err
}

func (r *RetryingDataStore) CleanUp(ctx context.Context) error {
	return r.retry(ctx, "clean_up", func() error { return r.store.CleanUp(ctx) })
}
