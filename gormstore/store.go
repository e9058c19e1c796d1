// Package gormstore implements the chrono DataStore on a relational
// database through GORM. Claim operations run in a transaction with
// SELECT ... FOR UPDATE row locks, so concurrent scheduler and worker
// processes can never acquire the same row.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chronoworks/chrono"
)

// Config holds the configuration for the relational datastore.
type Config struct {
	// DB is the GORM handle. Required.
	DB *gorm.DB

	// Clock overrides the clock used for lease comparison. All instances
	// sharing the database must use consistent clocks. Default: time.Now.
	Clock func() time.Time

	// ResultRetention is how long job results are kept before CleanUp
	// removes them. Default: chrono.DefaultResultRetention.
	ResultRetention time.Duration
}

// Store implements chrono.DataStore on a SQL database.
type Store struct {
	db        *gorm.DB
	now       func() time.Time
	retention time.Duration
}

// NewStore creates a new relational datastore with the given configuration.
func NewStore(config Config) (*Store, error) {
	if config.DB == nil {
		return nil, fmt.Errorf("db is required")
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.ResultRetention <= 0 {
		config.ResultRetention = chrono.DefaultResultRetention
	}
	return &Store{db: config.DB, now: config.Clock, retention: config.ResultRetention}, nil
}

// Migrate creates or updates the schema. Call it once at deployment time.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&taskRecord{}, &scheduleRecord{}, &jobRecord{}, &resultRecord{})
}

// Records. Durations are stored as nanosecond integers and triggers as
// their portable envelope encoding.

type taskRecord struct {
	ID               string `gorm:"primaryKey;size:191"`
	FuncRef          string `gorm:"size:512;not null"`
	MaxRunningJobs   int
	MisfireGraceTime *int64
}

func (taskRecord) TableName() string { return "chrono_tasks" }

type scheduleRecord struct {
	ID               string `gorm:"primaryKey;size:191"`
	TaskID           string `gorm:"size:191;index;not null"`
	Trigger          []byte `gorm:"type:blob;not null"`
	Args             []byte `gorm:"type:blob"`
	Coalesce         string `gorm:"size:16"`
	MisfireGraceTime *int64
	Paused           bool `gorm:"index"`
	NextFireTime     *time.Time `gorm:"index"`
	LastFireTime     *time.Time
	AcquiredBy       string `gorm:"size:191"`
	AcquiredUntil    *time.Time
}

func (scheduleRecord) TableName() string { return "chrono_schedules" }

type jobRecord struct {
	ID                string `gorm:"primaryKey;size:191"`
	TaskID            string `gorm:"size:191;index;not null"`
	ScheduleID        string `gorm:"size:191"`
	Args              []byte `gorm:"type:blob"`
	ScheduledFireTime *time.Time
	StartDeadline     *time.Time
	Status            string    `gorm:"size:16;index"`
	CreatedAt         time.Time `gorm:"index"`
	AcquiredBy        string    `gorm:"size:191"`
	AcquiredUntil     *time.Time
}

func (jobRecord) TableName() string { return "chrono_jobs" }

type resultRecord struct {
	JobID       string `gorm:"primaryKey;size:191"`
	Status      string `gorm:"size:16"`
	ReturnValue []byte `gorm:"type:blob"`
	Error       string `gorm:"type:text"`
	StartedAt   time.Time
	FinishedAt  time.Time
	ExpiresAt   time.Time `gorm:"index"`
}

func (resultRecord) TableName() string { return "chrono_results" }

// Tasks

func (s *Store) AddTask(ctx context.Context, task *chrono.Task) error {
	rec := taskToRecord(task)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(rec).Error
	if err != nil {
		return fmt.Errorf("upserting task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*chrono.Task, error) {
	var rec taskRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, chrono.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching task: %w", err)
	}
	return recordToTask(&rec), nil
}

func (s *Store) GetTasks(ctx context.Context) ([]*chrono.Task, error) {
	var recs []taskRecord
	if err := s.db.WithContext(ctx).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	tasks := make([]*chrono.Task, 0, len(recs))
	for i := range recs {
		tasks = append(tasks, recordToTask(&recs[i]))
	}
	return tasks, nil
}

func (s *Store) RemoveTask(ctx context.Context, taskID string) error {
	result := s.db.WithContext(ctx).Delete(&taskRecord{}, "id = ?", taskID)
	if result.Error != nil {
		return fmt.Errorf("deleting task: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return chrono.ErrTaskNotFound
	}
	return nil
}

// Schedules

func (s *Store) AddSchedule(ctx context.Context, schedule *chrono.Schedule, conflict chrono.ConflictPolicy) error {
	rec, err := scheduleToRecord(schedule)
	if err != nil {
		return err
	}

	tx := s.db.WithContext(ctx)
	switch conflict {
	case chrono.ConflictReplace:
		err = tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error
	case chrono.ConflictSkip:
		err = tx.Clauses(clause.OnConflict{DoNothing: true}).Create(rec).Error
	default: // chrono.ConflictFail
		err = tx.Create(rec).Error
		if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
			return &chrono.ConflictError{ID: schedule.ID}
		}
	}
	if err != nil {
		return fmt.Errorf("persisting schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedules(ctx context.Context, ids ...string) ([]*chrono.Schedule, error) {
	query := s.db.WithContext(ctx).Order("id")
	if len(ids) > 0 {
		query = query.Where("id IN ?", ids)
	}
	var recs []scheduleRecord
	if err := query.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing schedules: %w", err)
	}
	schedules := make([]*chrono.Schedule, 0, len(recs))
	for i := range recs {
		schedule, err := recordToSchedule(&recs[i])
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}
	return schedules, nil
}

func (s *Store) RemoveSchedules(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Delete(&scheduleRecord{}, "id IN ?", ids).Error; err != nil {
		return fmt.Errorf("deleting schedules: %w", err)
	}
	return nil
}

func (s *Store) AcquireSchedules(ctx context.Context, schedulerID string, limit int, lease time.Duration) ([]*chrono.Schedule, error) {
	now := s.now()
	until := now.Add(lease)

	var acquired []*chrono.Schedule
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var recs []scheduleRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("paused = ? AND next_fire_time IS NOT NULL AND next_fire_time <= ?", false, now).
			Where("acquired_by = '' OR acquired_by IS NULL OR acquired_until < ?", now).
			Order("next_fire_time").
			Limit(limit).
			Find(&recs).Error
		if err != nil {
			return fmt.Errorf("selecting due schedules: %w", err)
		}
		if len(recs) == 0 {
			return nil
		}

		ids := make([]string, 0, len(recs))
		for i := range recs {
			ids = append(ids, recs[i].ID)
		}
		err = tx.Model(&scheduleRecord{}).
			Where("id IN ?", ids).
			Updates(map[string]any{"acquired_by": schedulerID, "acquired_until": until}).Error
		if err != nil {
			return fmt.Errorf("claiming schedules: %w", err)
		}

		for i := range recs {
			recs[i].AcquiredBy = schedulerID
			u := until
			recs[i].AcquiredUntil = &u
			schedule, err := recordToSchedule(&recs[i])
			if err != nil {
				return err
			}
			acquired = append(acquired, schedule)
		}
		return nil
	})
	return acquired, err
}

func (s *Store) ReleaseSchedules(ctx context.Context, schedulerID string, schedules []*chrono.Schedule) error {
	now := s.now()
	var stolen []string

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, schedule := range schedules {
			owned := tx.Where("id = ? AND acquired_by = ? AND acquired_until >= ?",
				schedule.ID, schedulerID, now)

			if schedule.NextFireTime == nil {
				result := owned.Delete(&scheduleRecord{})
				if result.Error != nil {
					return fmt.Errorf("deleting exhausted schedule: %w", result.Error)
				}
				if result.RowsAffected == 0 {
					stolen = append(stolen, schedule.ID)
				}
				continue
			}

			result := owned.Model(&scheduleRecord{}).Updates(map[string]any{
				"next_fire_time": schedule.NextFireTime,
				"last_fire_time": schedule.LastFireTime,
				"paused":         schedule.Paused,
				"acquired_by":    "",
				"acquired_until": nil,
			})
			if result.Error != nil {
				return fmt.Errorf("releasing schedule: %w", result.Error)
			}
			if result.RowsAffected == 0 {
				stolen = append(stolen, schedule.ID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(stolen) > 0 {
		return &chrono.LeaseExpiredError{OwnerID: schedulerID, IDs: stolen}
	}
	return nil
}

func (s *Store) ExtendScheduleLeases(ctx context.Context, schedulerID string, ids []string, lease time.Duration) error {
	now := s.now()
	result := s.db.WithContext(ctx).Model(&scheduleRecord{}).
		Where("id IN ? AND acquired_by = ? AND acquired_until >= ?", ids, schedulerID, now).
		Update("acquired_until", now.Add(lease))
	if result.Error != nil {
		return fmt.Errorf("extending schedule leases: %w", result.Error)
	}
	if int(result.RowsAffected) == len(ids) {
		return nil
	}
	return s.reportLostLeases(ctx, &scheduleRecord{}, schedulerID, ids)
}

// Jobs

func (s *Store) AddJob(ctx context.Context, job *chrono.Job) error {
	now := s.now()
	rec := jobToRecord(job)
	if rec.Status == "" {
		rec.Status = string(chrono.JobPending)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	if rec.Status == string(chrono.JobMissed) {
		err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(missedResultRecord(job, now, s.retention)).Error
		if err != nil {
			return fmt.Errorf("recording missed job: %w", err)
		}
		return nil
	}

	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return &chrono.ConflictError{ID: job.ID}
		}
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

func (s *Store) GetJobs(ctx context.Context, ids ...string) ([]*chrono.Job, error) {
	query := s.db.WithContext(ctx).Order("created_at")
	if len(ids) > 0 {
		query = query.Where("id IN ?", ids)
	}
	var recs []jobRecord
	if err := query.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	jobs := make([]*chrono.Job, 0, len(recs))
	for i := range recs {
		jobs = append(jobs, recordToJob(&recs[i]))
	}
	return jobs, nil
}

func (s *Store) AcquireJobs(ctx context.Context, workerID string, limit int, lease time.Duration) ([]*chrono.Job, error) {
	now := s.now()
	until := now.Add(lease)

	var acquired []*chrono.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		limits, running, err := taskOccupancy(tx, now)
		if err != nil {
			return err
		}

		var recs []jobRecord
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("status = ? OR (status = ? AND acquired_until < ?)",
				string(chrono.JobPending), string(chrono.JobRunning), now).
			Order("created_at").
			Limit(limit * 2). // headroom for rows skipped by ceilings and deadlines
			Find(&recs).Error
		if err != nil {
			return fmt.Errorf("selecting claimable jobs: %w", err)
		}

		for i := range recs {
			if len(acquired) >= limit {
				break
			}
			rec := &recs[i]

			if rec.StartDeadline != nil && now.After(*rec.StartDeadline) {
				if err := tx.Delete(&jobRecord{}, "id = ?", rec.ID).Error; err != nil {
					return fmt.Errorf("removing missed job: %w", err)
				}
				err := tx.Clauses(clause.OnConflict{DoNothing: true}).
					Create(missedResultRecord(recordToJob(rec), now, s.retention)).Error
				if err != nil {
					return fmt.Errorf("recording missed job: %w", err)
				}
				continue
			}
			if max, ok := limits[rec.TaskID]; ok && max > 0 && running[rec.TaskID] >= max {
				continue
			}

			err := tx.Model(&jobRecord{}).Where("id = ?", rec.ID).Updates(map[string]any{
				"status":         string(chrono.JobRunning),
				"acquired_by":    workerID,
				"acquired_until": until,
			}).Error
			if err != nil {
				return fmt.Errorf("claiming job: %w", err)
			}
			rec.Status = string(chrono.JobRunning)
			rec.AcquiredBy = workerID
			u := until
			rec.AcquiredUntil = &u
			running[rec.TaskID]++
			acquired = append(acquired, recordToJob(rec))
		}
		return nil
	})
	return acquired, err
}

func (s *Store) ReleaseJob(ctx context.Context, workerID string, job *chrono.Job, result *chrono.JobResult) error {
	rec := resultToRecord(result)
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = s.now().Add(s.retention)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		deleted := tx.Delete(&jobRecord{}, "id = ? AND acquired_by = ?", job.ID, workerID)
		if deleted.Error != nil {
			return fmt.Errorf("finalizing job: %w", deleted.Error)
		}
		if deleted.RowsAffected == 0 {
			return &chrono.LeaseExpiredError{OwnerID: workerID, IDs: []string{job.ID}}
		}
		err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(rec).Error
		if err != nil {
			return fmt.Errorf("storing job result: %w", err)
		}
		return nil
	})
}

func (s *Store) ExtendJobLeases(ctx context.Context, workerID string, ids []string, lease time.Duration) error {
	now := s.now()
	result := s.db.WithContext(ctx).Model(&jobRecord{}).
		Where("id IN ? AND acquired_by = ? AND acquired_until >= ?", ids, workerID, now).
		Update("acquired_until", now.Add(lease))
	if result.Error != nil {
		return fmt.Errorf("extending job leases: %w", result.Error)
	}
	if int(result.RowsAffected) == len(ids) {
		return nil
	}
	return s.reportLostLeases(ctx, &jobRecord{}, workerID, ids)
}

func (s *Store) GetJobResult(ctx context.Context, jobID string) (*chrono.JobResult, error) {
	var rec resultRecord
	err := s.db.WithContext(ctx).First(&rec, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, chrono.ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching job result: %w", err)
	}
	return recordToResult(&rec), nil
}

func (s *Store) CleanUp(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Delete(&resultRecord{}, "expires_at < ?", s.now()).Error; err != nil {
		return fmt.Errorf("purging expired results: %w", err)
	}
	return nil
}

// Helpers

// reportLostLeases resolves which of ids are no longer owned after a partial
// lease extension, so the error names only the leases that were actually
// lost. The survivors carry a fresh acquired_until from the extension, so
// ownership alone identifies them. A nil return means every lease survived
// (the update touched fewer rows only because their values were unchanged).
func (s *Store) reportLostLeases(ctx context.Context, model any, ownerID string, ids []string) error {
	var surviving []string
	err := s.db.WithContext(ctx).Model(model).
		Where("id IN ? AND acquired_by = ?", ids, ownerID).
		Pluck("id", &surviving).Error
	if err != nil {
		return fmt.Errorf("checking surviving leases: %w", err)
	}
	owned := make(map[string]bool, len(surviving))
	for _, id := range surviving {
		owned[id] = true
	}
	var lost []string
	for _, id := range ids {
		if !owned[id] {
			lost = append(lost, id)
		}
	}
	if len(lost) == 0 {
		return nil
	}
	return &chrono.LeaseExpiredError{OwnerID: ownerID, IDs: lost}
}

func taskOccupancy(tx *gorm.DB, now time.Time) (limits map[string]int, running map[string]int, err error) {
	// Locking the capacity-limited task rows serializes concurrent claimers,
	// so the running count below cannot go stale between this read and the
	// claim later in the same transaction.
	var tasks []taskRecord
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("max_running_jobs > 0").
		Find(&tasks).Error
	if err != nil {
		return nil, nil, fmt.Errorf("fetching task limits: %w", err)
	}
	limits = make(map[string]int, len(tasks))
	for i := range tasks {
		limits[tasks[i].ID] = tasks[i].MaxRunningJobs
	}

	var rows []struct {
		TaskID string
		N      int
	}
	err = tx.Model(&jobRecord{}).
		Select("task_id, COUNT(*) AS n").
		Where("status = ? AND acquired_until >= ?", string(chrono.JobRunning), now).
		Group("task_id").
		Scan(&rows).Error
	if err != nil {
		return nil, nil, fmt.Errorf("counting running jobs: %w", err)
	}
	running = make(map[string]int, len(rows))
	for _, row := range rows {
		running[row.TaskID] = row.N
	}
	return limits, running, nil
}

// Conversions

func durationPtr(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	ns := int64(*d)
	return &ns
}

func ptrDuration(ns *int64) *time.Duration {
	if ns == nil {
		return nil
	}
	d := time.Duration(*ns)
	return &d
}

func taskToRecord(task *chrono.Task) *taskRecord {
	return &taskRecord{
		ID:               task.ID,
		FuncRef:          task.FuncRef,
		MaxRunningJobs:   task.MaxRunningJobs,
		MisfireGraceTime: durationPtr(task.MisfireGraceTime),
	}
}

func recordToTask(rec *taskRecord) *chrono.Task {
	return &chrono.Task{
		ID:               rec.ID,
		FuncRef:          rec.FuncRef,
		MaxRunningJobs:   rec.MaxRunningJobs,
		MisfireGraceTime: ptrDuration(rec.MisfireGraceTime),
	}
}

func scheduleToRecord(schedule *chrono.Schedule) (*scheduleRecord, error) {
	trigger, err := chrono.MarshalTrigger(schedule.Trigger)
	if err != nil {
		return nil, err
	}
	return &scheduleRecord{
		ID:               schedule.ID,
		TaskID:           schedule.TaskID,
		Trigger:          trigger,
		Args:             schedule.Args,
		Coalesce:         string(schedule.Coalesce),
		MisfireGraceTime: durationPtr(schedule.MisfireGraceTime),
		Paused:           schedule.Paused,
		NextFireTime:     schedule.NextFireTime,
		LastFireTime:     schedule.LastFireTime,
		AcquiredBy:       schedule.AcquiredBy,
		AcquiredUntil:    schedule.AcquiredUntil,
	}, nil
}

func recordToSchedule(rec *scheduleRecord) (*chrono.Schedule, error) {
	trigger, err := chrono.UnmarshalTrigger(rec.Trigger)
	if err != nil {
		return nil, err
	}
	return &chrono.Schedule{
		ID:               rec.ID,
		TaskID:           rec.TaskID,
		Trigger:          trigger,
		Args:             rec.Args,
		Coalesce:         chrono.CoalescePolicy(rec.Coalesce),
		MisfireGraceTime: ptrDuration(rec.MisfireGraceTime),
		Paused:           rec.Paused,
		NextFireTime:     rec.NextFireTime,
		LastFireTime:     rec.LastFireTime,
		AcquiredBy:       rec.AcquiredBy,
		AcquiredUntil:    rec.AcquiredUntil,
	}, nil
}

func jobToRecord(job *chrono.Job) *jobRecord {
	return &jobRecord{
		ID:                job.ID,
		TaskID:            job.TaskID,
		ScheduleID:        job.ScheduleID,
		Args:              job.Args,
		ScheduledFireTime: job.ScheduledFireTime,
		StartDeadline:     job.StartDeadline,
		Status:            string(job.Status),
		CreatedAt:         job.CreatedAt,
		AcquiredBy:        job.AcquiredBy,
		AcquiredUntil:     job.AcquiredUntil,
	}
}

func recordToJob(rec *jobRecord) *chrono.Job {
	return &chrono.Job{
		ID:                rec.ID,
		TaskID:            rec.TaskID,
		ScheduleID:        rec.ScheduleID,
		Args:              rec.Args,
		ScheduledFireTime: rec.ScheduledFireTime,
		StartDeadline:     rec.StartDeadline,
		Status:            chrono.JobStatus(rec.Status),
		CreatedAt:         rec.CreatedAt,
		AcquiredBy:        rec.AcquiredBy,
		AcquiredUntil:     rec.AcquiredUntil,
	}
}

func resultToRecord(result *chrono.JobResult) *resultRecord {
	return &resultRecord{
		JobID:       result.JobID,
		Status:      string(result.Status),
		ReturnValue: result.ReturnValue,
		Error:       result.Error,
		StartedAt:   result.StartedAt,
		FinishedAt:  result.FinishedAt,
		ExpiresAt:   result.ExpiresAt,
	}
}

func recordToResult(rec *resultRecord) *chrono.JobResult {
	return &chrono.JobResult{
		JobID:       rec.JobID,
		Status:      chrono.JobStatus(rec.Status),
		ReturnValue: rec.ReturnValue,
		Error:       rec.Error,
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
		ExpiresAt:   rec.ExpiresAt,
	}
}

func missedResultRecord(job *chrono.Job, now time.Time, retention time.Duration) *resultRecord {
	started := now
	if job.ScheduledFireTime != nil {
		started = *job.ScheduledFireTime
	}
	return &resultRecord{
		JobID:      job.ID,
		Status:     string(chrono.JobMissed),
		Error:      "job missed its start deadline",
		StartedAt:  started,
		FinishedAt: now,
		ExpiresAt:  now.Add(retention),
	}
}
