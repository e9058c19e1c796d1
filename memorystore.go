package chrono

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultResultRetention is how long job results are kept before CleanUp
// discards them, unless configured otherwise.
const DefaultResultRetention = 10 * time.Minute

// MemoryStoreConfig configures the in-memory reference backend.
type MemoryStoreConfig struct {
	// Clock overrides the store's authoritative clock. Defaults to
	// time.Now. Tests inject a fake clock to simulate lease expiry.
	Clock func() time.Time

	// ResultRetention is how long job results survive before CleanUp
	// removes them. Defaults to DefaultResultRetention.
	ResultRetention time.Duration
}

// MemoryStore is the reference DataStore: a single-process in-memory backend
// guarded by one mutex per logical table, exposing the same atomic-acquire
// contract as the networked backends so tests and single-process deployments
// need no external database.
type MemoryStore struct {
	now       func() time.Time
	retention time.Duration

	tasksMu sync.Mutex
	tasks   map[string]*Task

	schedulesMu sync.Mutex
	schedules   map[string]*Schedule

	jobsMu  sync.Mutex
	jobs    map[string]*Job
	results map[string]*JobResult
}

// NewMemoryStore creates an empty in-memory datastore.
func NewMemoryStore(config MemoryStoreConfig) *MemoryStore {
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.ResultRetention <= 0 {
		config.ResultRetention = DefaultResultRetention
	}
	return &MemoryStore{
		now:       config.Clock,
		retention: config.ResultRetention,
		tasks:     make(map[string]*Task),
		schedules: make(map[string]*Schedule),
		jobs:      make(map[string]*Job),
		results:   make(map[string]*JobResult),
	}
}

// Tasks

func (s *MemoryStore) AddTask(_ context.Context, task *Task) error {
	if err := task.validate(); err != nil {
		return err
	}
	clone := *task
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	s.tasks[task.ID] = &clone
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (*Task, error) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	clone := *task
	return &clone, nil
}

func (s *MemoryStore) GetTasks(_ context.Context) ([]*Task, error) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		clone := *task
		tasks = append(tasks, &clone)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (s *MemoryStore) RemoveTask(_ context.Context, taskID string) error {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return ErrTaskNotFound
	}
	delete(s.tasks, taskID)
	return nil
}

// Schedules

func (s *MemoryStore) AddSchedule(_ context.Context, schedule *Schedule, conflict ConflictPolicy) error {
	if err := schedule.validate(); err != nil {
		return err
	}
	s.schedulesMu.Lock()
	defer s.schedulesMu.Unlock()

	if _, exists := s.schedules[schedule.ID]; exists {
		switch conflict {
		case ConflictFail, "":
			return &ConflictError{ID: schedule.ID}
		case ConflictSkip:
			return nil
		case ConflictReplace:
		}
	}
	clone := *schedule
	s.schedules[schedule.ID] = &clone
	return nil
}

func (s *MemoryStore) GetSchedules(_ context.Context, ids ...string) ([]*Schedule, error) {
	s.schedulesMu.Lock()
	defer s.schedulesMu.Unlock()

	var schedules []*Schedule
	if len(ids) == 0 {
		for _, schedule := range s.schedules {
			clone := *schedule
			schedules = append(schedules, &clone)
		}
	} else {
		for _, id := range ids {
			if schedule, ok := s.schedules[id]; ok {
				clone := *schedule
				schedules = append(schedules, &clone)
			}
		}
	}
	sort.Slice(schedules, func(i, j int) bool { return schedules[i].ID < schedules[j].ID })
	return schedules, nil
}

func (s *MemoryStore) RemoveSchedules(_ context.Context, ids ...string) error {
	s.schedulesMu.Lock()
	defer s.schedulesMu.Unlock()
	for _, id := range ids {
		delete(s.schedules, id)
	}
	return nil
}

func (s *MemoryStore) AcquireSchedules(_ context.Context, schedulerID string, limit int, lease time.Duration) ([]*Schedule, error) {
	now := s.now()
	until := now.Add(lease)

	s.schedulesMu.Lock()
	defer s.schedulesMu.Unlock()

	var due []*Schedule
	for _, schedule := range s.schedules {
		if schedule.Paused || schedule.NextFireTime == nil || schedule.NextFireTime.After(now) {
			continue
		}
		if !schedule.leaseExpired(now) {
			continue
		}
		due = append(due, schedule)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextFireTime.Before(*due[j].NextFireTime) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	acquired := make([]*Schedule, 0, len(due))
	for _, schedule := range due {
		schedule.AcquiredBy = schedulerID
		u := until
		schedule.AcquiredUntil = &u
		clone := *schedule
		acquired = append(acquired, &clone)
	}
	return acquired, nil
}

func (s *MemoryStore) ReleaseSchedules(_ context.Context, schedulerID string, schedules []*Schedule) error {
	now := s.now()

	s.schedulesMu.Lock()
	defer s.schedulesMu.Unlock()

	var stolen []string
	for _, updated := range schedules {
		current, ok := s.schedules[updated.ID]
		if !ok || current.AcquiredBy != schedulerID || current.leaseExpired(now) {
			stolen = append(stolen, updated.ID)
			continue
		}
		if updated.NextFireTime == nil {
			// Trigger exhausted.
			delete(s.schedules, updated.ID)
			continue
		}
		clone := *updated
		clone.AcquiredBy = ""
		clone.AcquiredUntil = nil
		s.schedules[updated.ID] = &clone
	}
	if len(stolen) > 0 {
		return &LeaseExpiredError{OwnerID: schedulerID, IDs: stolen}
	}
	return nil
}

func (s *MemoryStore) ExtendScheduleLeases(_ context.Context, schedulerID string, ids []string, lease time.Duration) error {
	now := s.now()
	until := now.Add(lease)

	s.schedulesMu.Lock()
	defer s.schedulesMu.Unlock()

	var stolen []string
	for _, id := range ids {
		schedule, ok := s.schedules[id]
		if !ok || schedule.AcquiredBy != schedulerID || schedule.leaseExpired(now) {
			stolen = append(stolen, id)
			continue
		}
		u := until
		schedule.AcquiredUntil = &u
	}
	if len(stolen) > 0 {
		return &LeaseExpiredError{OwnerID: schedulerID, IDs: stolen}
	}
	return nil
}

// Jobs

func (s *MemoryStore) AddJob(_ context.Context, job *Job) error {
	now := s.now()
	clone := *job
	if clone.Status == "" {
		clone.Status = JobPending
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return &ConflictError{ID: job.ID}
	}
	if clone.Status == JobMissed {
		s.results[clone.ID] = missedResult(&clone, now, s.retention)
		return nil
	}
	s.jobs[clone.ID] = &clone
	return nil
}

func (s *MemoryStore) GetJobs(_ context.Context, ids ...string) ([]*Job, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	var jobs []*Job
	if len(ids) == 0 {
		for _, job := range s.jobs {
			clone := *job
			jobs = append(jobs, &clone)
		}
	} else {
		for _, id := range ids {
			if job, ok := s.jobs[id]; ok {
				clone := *job
				jobs = append(jobs, &clone)
			}
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

func (s *MemoryStore) AcquireJobs(_ context.Context, workerID string, limit int, lease time.Duration) ([]*Job, error) {
	limits := s.taskLimits()
	now := s.now()
	until := now.Add(lease)

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	// Current running-per-task occupancy, counting only live leases.
	running := make(map[string]int)
	for _, job := range s.jobs {
		if job.Status == JobRunning && !job.leaseExpired(now) {
			running[job.TaskID]++
		}
	}

	var claimable []*Job
	for _, job := range s.jobs {
		switch job.Status {
		case JobPending:
		case JobRunning:
			if !job.leaseExpired(now) {
				continue
			}
		default:
			continue
		}
		claimable = append(claimable, job)
	}
	sort.Slice(claimable, func(i, j int) bool { return claimable[i].CreatedAt.Before(claimable[j].CreatedAt) })

	var acquired []*Job
	for _, job := range claimable {
		if limit > 0 && len(acquired) >= limit {
			break
		}
		if job.StartDeadline != nil && now.After(*job.StartDeadline) {
			s.results[job.ID] = missedResult(job, now, s.retention)
			delete(s.jobs, job.ID)
			continue
		}
		if max, ok := limits[job.TaskID]; ok && max > 0 && running[job.TaskID] >= max {
			continue
		}
		job.Status = JobRunning
		job.AcquiredBy = workerID
		u := until
		job.AcquiredUntil = &u
		running[job.TaskID]++
		clone := *job
		acquired = append(acquired, &clone)
	}
	return acquired, nil
}

func (s *MemoryStore) ReleaseJob(_ context.Context, workerID string, job *Job, result *JobResult) error {
	now := s.now()

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	current, ok := s.jobs[job.ID]
	if !ok || current.AcquiredBy != workerID || current.leaseExpired(now) {
		return &LeaseExpiredError{OwnerID: workerID, IDs: []string{job.ID}}
	}
	clone := *result
	if clone.ExpiresAt.IsZero() {
		clone.ExpiresAt = now.Add(s.retention)
	}
	s.results[job.ID] = &clone
	delete(s.jobs, job.ID)
	return nil
}

func (s *MemoryStore) ExtendJobLeases(_ context.Context, workerID string, ids []string, lease time.Duration) error {
	now := s.now()
	until := now.Add(lease)

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	var stolen []string
	for _, id := range ids {
		job, ok := s.jobs[id]
		if !ok || job.AcquiredBy != workerID || job.leaseExpired(now) {
			stolen = append(stolen, id)
			continue
		}
		u := until
		job.AcquiredUntil = &u
	}
	if len(stolen) > 0 {
		return &LeaseExpiredError{OwnerID: workerID, IDs: stolen}
	}
	return nil
}

func (s *MemoryStore) GetJobResult(_ context.Context, jobID string) (*JobResult, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	result, ok := s.results[jobID]
	if !ok {
		return nil, ErrResultNotFound
	}
	clone := *result
	return &clone, nil
}

func (s *MemoryStore) CleanUp(_ context.Context) error {
	now := s.now()
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	for id, result := range s.results {
		if result.ExpiresAt.Before(now) {
			delete(s.results, id)
		}
	}
	return nil
}

// taskLimits snapshots MaxRunningJobs per task without holding the jobs
// lock, keeping a single lock order per table.
func (s *MemoryStore) taskLimits() map[string]int {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	limits := make(map[string]int, len(s.tasks))
	for id, task := range s.tasks {
		limits[id] = task.MaxRunningJobs
	}
	return limits
}

func missedResult(job *Job, now time.Time, retention time.Duration) *JobResult {
	started := now
	if job.ScheduledFireTime != nil {
		started = *job.ScheduledFireTime
	}
	return &JobResult{
		JobID:      job.ID,
		Status:     JobMissed,
		Error:      "job missed its start deadline",
		StartedAt:  started,
		FinishedAt: now,
		ExpiresAt:  now.Add(retention),
	}
}
