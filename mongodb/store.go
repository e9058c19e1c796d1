// Package mongodb implements the chrono DataStore on a MongoDB database.
// All claim operations use findOneAndUpdate, so acquisition is a single
// atomic read-modify-write on the server and two concurrent scheduler or
// worker processes can never claim the same document.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/chronoworks/chrono"
)

// Config holds the configuration for the MongoDB datastore.
type Config struct {
	// Database is the MongoDB database holding the scheduler collections.
	// Required.
	Database *mongo.Database

	// CollectionPrefix is prepended to the collection names so several
	// deployments can share a database. Default: "chrono_".
	CollectionPrefix string

	// Clock overrides the clock used for lease comparison. All instances
	// sharing the database must use consistent clocks. Default: time.Now.
	Clock func() time.Time

	// ResultRetention is how long job results are kept before CleanUp
	// removes them. Default: chrono.DefaultResultRetention.
	ResultRetention time.Duration
}

// Store implements chrono.DataStore for MongoDB.
type Store struct {
	tasks     *mongo.Collection
	schedules *mongo.Collection
	jobs      *mongo.Collection
	results   *mongo.Collection
	now       func() time.Time
	retention time.Duration
}

// NewStore creates a new MongoDB datastore with the given configuration.
func NewStore(config Config) (*Store, error) {
	if config.Database == nil {
		return nil, fmt.Errorf("database is required")
	}
	if config.CollectionPrefix == "" {
		config.CollectionPrefix = "chrono_"
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.ResultRetention <= 0 {
		config.ResultRetention = chrono.DefaultResultRetention
	}

	return &Store{
		tasks:     config.Database.Collection(config.CollectionPrefix + "tasks"),
		schedules: config.Database.Collection(config.CollectionPrefix + "schedules"),
		jobs:      config.Database.Collection(config.CollectionPrefix + "jobs"),
		results:   config.Database.Collection(config.CollectionPrefix + "results"),
		now:       config.Clock,
		retention: config.ResultRetention,
	}, nil
}

// CreateIndexes builds the indexes the acquisition queries rely on. Call it
// once at deployment time.
func (s *Store) CreateIndexes(ctx context.Context) error {
	_, err := s.schedules.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "next_fire_time", Value: 1}}},
		{Keys: bson.D{{Key: "acquired_until", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating schedule indexes: %w", err)
	}
	_, err = s.jobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "task_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating job indexes: %w", err)
	}
	_, err = s.results.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "expires_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("creating result indexes: %w", err)
	}
	return nil
}

// Document shapes. Durations are stored as nanosecond integers and triggers
// as their portable envelope encoding, so every chrono backend persists the
// same representation.

type taskDoc struct {
	ID               string `bson:"_id"`
	FuncRef          string `bson:"func_ref"`
	MaxRunningJobs   int    `bson:"max_running_jobs"`
	MisfireGraceTime *int64 `bson:"misfire_grace_time,omitempty"`

	// Running counts the task's jobs currently claimed by workers. The
	// MaxRunningJobs ceiling is enforced with a conditional $inc on this
	// field, so concurrent claimers cannot oversubscribe a task.
	Running int `bson:"running"`
}

type scheduleDoc struct {
	ID               string     `bson:"_id"`
	TaskID           string     `bson:"task_id"`
	Trigger          []byte     `bson:"trigger"`
	Args             []byte     `bson:"args,omitempty"`
	Coalesce         string     `bson:"coalesce"`
	MisfireGraceTime *int64     `bson:"misfire_grace_time,omitempty"`
	Paused           bool       `bson:"paused"`
	NextFireTime     *time.Time `bson:"next_fire_time"`
	LastFireTime     *time.Time `bson:"last_fire_time,omitempty"`
	AcquiredBy       string     `bson:"acquired_by,omitempty"`
	AcquiredUntil    *time.Time `bson:"acquired_until,omitempty"`
}

type jobDoc struct {
	ID                string     `bson:"_id"`
	TaskID            string     `bson:"task_id"`
	ScheduleID        string     `bson:"schedule_id,omitempty"`
	Args              []byte     `bson:"args,omitempty"`
	ScheduledFireTime *time.Time `bson:"scheduled_fire_time,omitempty"`
	StartDeadline     *time.Time `bson:"start_deadline,omitempty"`
	Status            string     `bson:"status"`
	CreatedAt         time.Time  `bson:"created_at"`
	AcquiredBy        string     `bson:"acquired_by,omitempty"`
	AcquiredUntil     *time.Time `bson:"acquired_until,omitempty"`
}

type resultDoc struct {
	JobID       string    `bson:"_id"`
	Status      string    `bson:"status"`
	ReturnValue []byte    `bson:"return_value,omitempty"`
	Error       string    `bson:"error,omitempty"`
	StartedAt   time.Time `bson:"started_at"`
	FinishedAt  time.Time `bson:"finished_at"`
	ExpiresAt   time.Time `bson:"expires_at"`
}

// Tasks

func (s *Store) AddTask(ctx context.Context, task *chrono.Task) error {
	// Re-registering a task must not clobber its running counter, so the
	// definition fields are $set individually.
	update := bson.M{
		"$set": bson.M{
			"func_ref":           task.FuncRef,
			"max_running_jobs":   task.MaxRunningJobs,
			"misfire_grace_time": durationPtr(task.MisfireGraceTime),
		},
		"$setOnInsert": bson.M{"running": 0},
	}
	opts := options.Update().SetUpsert(true)
	if _, err := s.tasks.UpdateOne(ctx, bson.M{"_id": task.ID}, update, opts); err != nil {
		return fmt.Errorf("upserting task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*chrono.Task, error) {
	var doc taskDoc
	err := s.tasks.FindOne(ctx, bson.M{"_id": taskID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, chrono.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching task: %w", err)
	}
	return docToTask(&doc), nil
}

func (s *Store) GetTasks(ctx context.Context) ([]*chrono.Task, error) {
	cursor, err := s.tasks.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer cursor.Close(ctx)

	var tasks []*chrono.Task
	for cursor.Next(ctx) {
		var doc taskDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding task: %w", err)
		}
		tasks = append(tasks, docToTask(&doc))
	}
	return tasks, cursor.Err()
}

func (s *Store) RemoveTask(ctx context.Context, taskID string) error {
	result, err := s.tasks.DeleteOne(ctx, bson.M{"_id": taskID})
	if err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}
	if result.DeletedCount == 0 {
		return chrono.ErrTaskNotFound
	}
	return nil
}

// Schedules

func (s *Store) AddSchedule(ctx context.Context, schedule *chrono.Schedule, conflict chrono.ConflictPolicy) error {
	doc, err := scheduleToDoc(schedule)
	if err != nil {
		return err
	}

	switch conflict {
	case chrono.ConflictReplace:
		opts := options.Replace().SetUpsert(true)
		if _, err := s.schedules.ReplaceOne(ctx, bson.M{"_id": schedule.ID}, doc, opts); err != nil {
			return fmt.Errorf("upserting schedule: %w", err)
		}
		return nil
	case chrono.ConflictSkip:
		opts := options.Update().SetUpsert(true)
		// $setOnInsert leaves an existing document untouched.
		update := bson.M{"$setOnInsert": doc}
		if _, err := s.schedules.UpdateOne(ctx, bson.M{"_id": schedule.ID}, update, opts); err != nil {
			return fmt.Errorf("inserting schedule: %w", err)
		}
		return nil
	default: // chrono.ConflictFail
		if _, err := s.schedules.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return &chrono.ConflictError{ID: schedule.ID}
			}
			return fmt.Errorf("inserting schedule: %w", err)
		}
		return nil
	}
}

func (s *Store) GetSchedules(ctx context.Context, ids ...string) ([]*chrono.Schedule, error) {
	filter := bson.M{}
	if len(ids) > 0 {
		filter["_id"] = bson.M{"$in": ids}
	}
	cursor, err := s.schedules.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("listing schedules: %w", err)
	}
	defer cursor.Close(ctx)

	var schedules []*chrono.Schedule
	for cursor.Next(ctx) {
		var doc scheduleDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding schedule: %w", err)
		}
		schedule, err := docToSchedule(&doc)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}
	return schedules, cursor.Err()
}

func (s *Store) RemoveSchedules(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.schedules.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
		return fmt.Errorf("deleting schedules: %w", err)
	}
	return nil
}

func (s *Store) AcquireSchedules(ctx context.Context, schedulerID string, limit int, lease time.Duration) ([]*chrono.Schedule, error) {
	now := s.now()
	until := now.Add(lease)

	filter := bson.M{
		"paused":         false,
		"next_fire_time": bson.M{"$ne": nil, "$lte": now},
		"$or": []bson.M{
			{"acquired_by": bson.M{"$in": bson.A{nil, ""}}},
			{"acquired_until": bson.M{"$lt": now}},
		},
	}
	update := bson.M{"$set": bson.M{
		"acquired_by":    schedulerID,
		"acquired_until": until,
	}}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(bson.D{{Key: "next_fire_time", Value: 1}})

	var acquired []*chrono.Schedule
	for i := 0; i < limit; i++ {
		var doc scheduleDoc
		err := s.schedules.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if err == mongo.ErrNoDocuments {
			break
		}
		if err != nil {
			return acquired, fmt.Errorf("acquiring schedule: %w", err)
		}
		schedule, err := docToSchedule(&doc)
		if err != nil {
			return acquired, err
		}
		acquired = append(acquired, schedule)
	}
	return acquired, nil
}

func (s *Store) ReleaseSchedules(ctx context.Context, schedulerID string, schedules []*chrono.Schedule) error {
	var stolen []string
	for _, schedule := range schedules {
		// Every write is conditioned on still owning the lease.
		filter := bson.M{"_id": schedule.ID, "acquired_by": schedulerID}

		if schedule.NextFireTime == nil {
			result, err := s.schedules.DeleteOne(ctx, filter)
			if err != nil {
				return fmt.Errorf("deleting exhausted schedule: %w", err)
			}
			if result.DeletedCount == 0 {
				stolen = append(stolen, schedule.ID)
			}
			continue
		}

		update := bson.M{"$set": bson.M{
			"next_fire_time": schedule.NextFireTime,
			"last_fire_time": schedule.LastFireTime,
			"paused":         schedule.Paused,
			"acquired_by":    nil,
			"acquired_until": nil,
		}}
		result, err := s.schedules.UpdateOne(ctx, filter, update)
		if err != nil {
			return fmt.Errorf("releasing schedule: %w", err)
		}
		if result.MatchedCount == 0 {
			stolen = append(stolen, schedule.ID)
		}
	}
	if len(stolen) > 0 {
		return &chrono.LeaseExpiredError{OwnerID: schedulerID, IDs: stolen}
	}
	return nil
}

func (s *Store) ExtendScheduleLeases(ctx context.Context, schedulerID string, ids []string, lease time.Duration) error {
	return s.extendLeases(ctx, s.schedules, schedulerID, ids, lease)
}

// Jobs

func (s *Store) AddJob(ctx context.Context, job *chrono.Job) error {
	now := s.now()
	doc := jobToDoc(job)
	if doc.Status == "" {
		doc.Status = string(chrono.JobPending)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}

	if doc.Status == string(chrono.JobMissed) {
		_, err := s.results.InsertOne(ctx, missedResultDoc(job, now, s.retention))
		if err != nil && !mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("recording missed job: %w", err)
		}
		return nil
	}

	if _, err := s.jobs.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &chrono.ConflictError{ID: job.ID}
		}
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

func (s *Store) GetJobs(ctx context.Context, ids ...string) ([]*chrono.Job, error) {
	filter := bson.M{}
	if len(ids) > 0 {
		filter["_id"] = bson.M{"$in": ids}
	}
	cursor, err := s.jobs.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer cursor.Close(ctx)

	var jobs []*chrono.Job
	for cursor.Next(ctx) {
		var doc jobDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding job: %w", err)
		}
		jobs = append(jobs, docToJob(&doc))
	}
	return jobs, cursor.Err()
}

func (s *Store) AcquireJobs(ctx context.Context, workerID string, limit int, lease time.Duration) ([]*chrono.Job, error) {
	now := s.now()
	until := now.Add(lease)

	limits, saturated, err := s.taskLimits(ctx)
	if err != nil {
		return nil, err
	}

	claimable := bson.M{
		"$or": []bson.M{
			{"status": string(chrono.JobPending)},
			{"status": string(chrono.JobRunning), "acquired_until": bson.M{"$lt": now}},
		},
	}
	update := bson.M{"$set": bson.M{
		"status":         string(chrono.JobRunning),
		"acquired_by":    workerID,
		"acquired_until": until,
	}}
	// The pre-claim document tells whether the job was pending or an expired
	// running claim; only the former takes a fresh capacity slot.
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.Before).
		SetSort(bson.D{{Key: "created_at", Value: 1}})

	var acquired []*chrono.Job
	for len(acquired) < limit {
		filter := bson.M{"$and": []bson.M{claimable}}
		if len(saturated) > 0 {
			filter["$and"] = append(filter["$and"].([]bson.M), bson.M{"task_id": bson.M{"$nin": saturated}})
		}

		var doc jobDoc
		err := s.jobs.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if err == mongo.ErrNoDocuments {
			break
		}
		if err != nil {
			return acquired, fmt.Errorf("acquiring job: %w", err)
		}
		wasPending := doc.Status == string(chrono.JobPending)
		job := docToJob(&doc)
		job.Status = chrono.JobRunning
		job.AcquiredBy = workerID
		job.AcquiredUntil = &until

		if job.StartDeadline != nil && now.After(*job.StartDeadline) {
			// Claimed too late: finalize as missed instead of handing out.
			if !wasPending {
				if err := s.releaseSlot(ctx, job.TaskID); err != nil {
					return acquired, err
				}
			}
			if err := s.finalizeMissed(ctx, job, now); err != nil {
				return acquired, err
			}
			continue
		}

		if max, limited := limits[job.TaskID]; limited && wasPending {
			reserved, err := s.reserveSlot(ctx, job.TaskID, max)
			if err != nil {
				return acquired, err
			}
			if !reserved {
				// Ceiling reached between the counter read and the claim:
				// hand the job back and stop claiming for this task.
				if err := s.unclaimJob(ctx, job.ID, workerID); err != nil {
					return acquired, err
				}
				saturated = append(saturated, job.TaskID)
				continue
			}
		}

		acquired = append(acquired, job)
	}
	return acquired, nil
}

func (s *Store) ReleaseJob(ctx context.Context, workerID string, job *chrono.Job, result *chrono.JobResult) error {
	deleted, err := s.jobs.DeleteOne(ctx, bson.M{"_id": job.ID, "acquired_by": workerID})
	if err != nil {
		return fmt.Errorf("finalizing job: %w", err)
	}
	if deleted.DeletedCount == 0 {
		return &chrono.LeaseExpiredError{OwnerID: workerID, IDs: []string{job.ID}}
	}
	if err := s.releaseSlot(ctx, job.TaskID); err != nil {
		return err
	}

	doc := resultToDoc(result)
	if doc.ExpiresAt.IsZero() {
		doc.ExpiresAt = s.now().Add(s.retention)
	}
	if _, err := s.results.InsertOne(ctx, doc); err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("storing job result: %w", err)
	}
	return nil
}

func (s *Store) ExtendJobLeases(ctx context.Context, workerID string, ids []string, lease time.Duration) error {
	return s.extendLeases(ctx, s.jobs, workerID, ids, lease)
}

func (s *Store) GetJobResult(ctx context.Context, jobID string) (*chrono.JobResult, error) {
	var doc resultDoc
	err := s.results.FindOne(ctx, bson.M{"_id": jobID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, chrono.ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching job result: %w", err)
	}
	return docToResult(&doc), nil
}

func (s *Store) CleanUp(ctx context.Context) error {
	if _, err := s.results.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": s.now()}}); err != nil {
		return fmt.Errorf("purging expired results: %w", err)
	}

	// Reconcile the per-task running counters with the jobs actually in
	// running state; a crash between a job claim and its slot reservation
	// leaves them out of step.
	counts, err := s.runningCounts(ctx)
	if err != nil {
		return err
	}
	limits, _, err := s.taskLimits(ctx)
	if err != nil {
		return err
	}
	for taskID := range limits {
		update := bson.M{"$set": bson.M{"running": counts[taskID]}}
		if _, err := s.tasks.UpdateOne(ctx, bson.M{"_id": taskID}, update); err != nil {
			return fmt.Errorf("reconciling running counter: %w", err)
		}
	}
	return nil
}

// Helpers

func (s *Store) extendLeases(ctx context.Context, coll *mongo.Collection, ownerID string, ids []string, lease time.Duration) error {
	now := s.now()
	filter := bson.M{
		"_id":            bson.M{"$in": ids},
		"acquired_by":    ownerID,
		"acquired_until": bson.M{"$gte": now},
	}
	update := bson.M{"$set": bson.M{"acquired_until": now.Add(lease)}}
	result, err := coll.UpdateMany(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("extending leases: %w", err)
	}
	if int(result.MatchedCount) == len(ids) {
		return nil
	}

	// Report only the leases that were actually lost; the rest were
	// extended and remain valid.
	cursor, err := coll.Find(ctx, bson.M{"_id": bson.M{"$in": ids}, "acquired_by": ownerID},
		options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return fmt.Errorf("checking surviving leases: %w", err)
	}
	defer cursor.Close(ctx)

	extended := make(map[string]bool, len(ids))
	for cursor.Next(ctx) {
		var row struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&row); err != nil {
			return fmt.Errorf("decoding surviving lease: %w", err)
		}
		extended[row.ID] = true
	}
	if err := cursor.Err(); err != nil {
		return fmt.Errorf("checking surviving leases: %w", err)
	}

	var lost []string
	for _, id := range ids {
		if !extended[id] {
			lost = append(lost, id)
		}
	}
	return &chrono.LeaseExpiredError{OwnerID: ownerID, IDs: lost}
}

// reserveSlot takes one unit of a task's running capacity. The conditional
// increment is what holds the MaxRunningJobs ceiling across concurrent
// claimers.
func (s *Store) reserveSlot(ctx context.Context, taskID string, max int) (bool, error) {
	result, err := s.tasks.UpdateOne(ctx,
		bson.M{"_id": taskID, "running": bson.M{"$lt": max}},
		bson.M{"$inc": bson.M{"running": 1}})
	if err != nil {
		return false, fmt.Errorf("reserving job slot: %w", err)
	}
	return result.ModifiedCount == 1, nil
}

func (s *Store) releaseSlot(ctx context.Context, taskID string) error {
	_, err := s.tasks.UpdateOne(ctx,
		bson.M{"_id": taskID, "running": bson.M{"$gt": 0}},
		bson.M{"$inc": bson.M{"running": -1}})
	if err != nil {
		return fmt.Errorf("releasing job slot: %w", err)
	}
	return nil
}

// unclaimJob hands an over-claimed job back to the pending queue.
func (s *Store) unclaimJob(ctx context.Context, jobID, workerID string) error {
	update := bson.M{"$set": bson.M{
		"status":         string(chrono.JobPending),
		"acquired_by":    nil,
		"acquired_until": nil,
	}}
	if _, err := s.jobs.UpdateOne(ctx, bson.M{"_id": jobID, "acquired_by": workerID}, update); err != nil {
		return fmt.Errorf("returning job to the queue: %w", err)
	}
	return nil
}

func (s *Store) finalizeMissed(ctx context.Context, job *chrono.Job, now time.Time) error {
	if _, err := s.jobs.DeleteOne(ctx, bson.M{"_id": job.ID}); err != nil {
		return fmt.Errorf("removing missed job: %w", err)
	}
	_, err := s.results.InsertOne(ctx, missedResultDoc(job, now, s.retention))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("recording missed job: %w", err)
	}
	return nil
}

// taskLimits fetches the capacity-limited tasks: their ceilings and which of
// them are already saturated according to the running counter.
func (s *Store) taskLimits(ctx context.Context) (map[string]int, []string, error) {
	cursor, err := s.tasks.Find(ctx, bson.M{"max_running_jobs": bson.M{"$gt": 0}})
	if err != nil {
		return nil, nil, fmt.Errorf("fetching task limits: %w", err)
	}
	defer cursor.Close(ctx)

	limits := make(map[string]int)
	var saturated []string
	for cursor.Next(ctx) {
		var doc taskDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, nil, fmt.Errorf("decoding task: %w", err)
		}
		limits[doc.ID] = doc.MaxRunningJobs
		if doc.Running >= doc.MaxRunningJobs {
			saturated = append(saturated, doc.ID)
		}
	}
	return limits, saturated, cursor.Err()
}

// runningCounts tallies the jobs in running state per task, lease state
// included: an expired claim still holds its slot until it is reclaimed or
// finalized.
func (s *Store) runningCounts(ctx context.Context) (map[string]int, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"status": string(chrono.JobRunning)}}},
		{{Key: "$group", Value: bson.M{"_id": "$task_id", "n": bson.M{"$sum": 1}}}},
	}
	cursor, err := s.jobs.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("counting running jobs: %w", err)
	}
	defer cursor.Close(ctx)

	counts := make(map[string]int)
	for cursor.Next(ctx) {
		var row struct {
			TaskID string `bson:"_id"`
			N      int    `bson:"n"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("decoding running count: %w", err)
		}
		counts[row.TaskID] = row.N
	}
	return counts, cursor.Err()
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

func docToTask(doc *taskDoc) *chrono.Task {
	return &chrono.Task{
		ID:               doc.ID,
		FuncRef:          doc.FuncRef,
		MaxRunningJobs:   doc.MaxRunningJobs,
		MisfireGraceTime: ptrDuration(doc.MisfireGraceTime),
	}
}

func scheduleToDoc(schedule *chrono.Schedule) (*scheduleDoc, error) {
	trigger, err := chrono.MarshalTrigger(schedule.Trigger)
	if err != nil {
		return nil, err
	}
	return &scheduleDoc{
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

func docToSchedule(doc *scheduleDoc) (*chrono.Schedule, error) {
	trigger, err := chrono.UnmarshalTrigger(doc.Trigger)
	if err != nil {
		return nil, err
	}
	return &chrono.Schedule{
		ID:               doc.ID,
		TaskID:           doc.TaskID,
		Trigger:          trigger,
		Args:             doc.Args,
		Coalesce:         chrono.CoalescePolicy(doc.Coalesce),
		MisfireGraceTime: ptrDuration(doc.MisfireGraceTime),
		Paused:           doc.Paused,
		NextFireTime:     doc.NextFireTime,
		LastFireTime:     doc.LastFireTime,
		AcquiredBy:       doc.AcquiredBy,
		AcquiredUntil:    doc.AcquiredUntil,
	}, nil
}

func jobToDoc(job *chrono.Job) *jobDoc {
	return &jobDoc{
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

func docToJob(doc *jobDoc) *chrono.Job {
	return &chrono.Job{
		ID:                doc.ID,
		TaskID:            doc.TaskID,
		ScheduleID:        doc.ScheduleID,
		Args:              doc.Args,
		ScheduledFireTime: doc.ScheduledFireTime,
		StartDeadline:     doc.StartDeadline,
		Status:            chrono.JobStatus(doc.Status),
		CreatedAt:         doc.CreatedAt,
		AcquiredBy:        doc.AcquiredBy,
		AcquiredUntil:     doc.AcquiredUntil,
	}
}

func resultToDoc(result *chrono.JobResult) *resultDoc {
	return &resultDoc{
		JobID:       result.JobID,
		Status:      string(result.Status),
		ReturnValue: result.ReturnValue,
		Error:       result.Error,
		StartedAt:   result.StartedAt,
		FinishedAt:  result.FinishedAt,
		ExpiresAt:   result.ExpiresAt,
	}
}

func docToResult(doc *resultDoc) *chrono.JobResult {
	return &chrono.JobResult{
		JobID:       doc.JobID,
		Status:      chrono.JobStatus(doc.Status),
		ReturnValue: doc.ReturnValue,
		Error:       doc.Error,
		StartedAt:   doc.StartedAt,
		FinishedAt:  doc.FinishedAt,
		ExpiresAt:   doc.ExpiresAt,
	}
}

func missedResultDoc(job *chrono.Job, now time.Time, retention time.Duration) *resultDoc {
	started := now
	if job.ScheduledFireTime != nil {
		started = *job.ScheduledFireTime
	}
	return &resultDoc{
		JobID:      job.ID,
		Status:     string(chrono.JobMissed),
		Error:      "job missed its start deadline",
		StartedAt:  started,
		FinishedAt: now,
		ExpiresAt:  now.Add(retention),
	}
}
