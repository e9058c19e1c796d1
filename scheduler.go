package chrono

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RunState is the lifecycle state of a Scheduler or Worker.
type RunState int32

const (
	StateStopped RunState = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s RunState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// SchedulerConfig configures a Scheduler instance.
type SchedulerConfig struct {
	// Store is the required shared datastore.
	Store DataStore

	// Broker distributes lifecycle events. Defaults to a process-local
	// broker.
	Broker EventBroker

	// Serializer encodes one-shot job arguments. Defaults to JSON.
	Serializer Serializer

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// Identity distinguishes this instance in the shared datastore's lease
	// columns. Defaults to a random UUID.
	Identity string

	// PollInterval is the longest the loop sleeps between acquisition
	// passes when no event wakes it earlier. Default: 1 second.
	PollInterval time.Duration

	// LeaseDuration is how long acquired schedules stay owned before the
	// lease expires and another instance may take over. The heartbeat
	// extends it at half this period. Default: 30 seconds.
	LeaseDuration time.Duration

	// AcquireLimit caps how many due schedules one pass claims.
	// Default: 100.
	AcquireLimit int

	// MaxCatchUp bounds how many accumulated occurrences a schedule may
	// surface in one pass when coalescing with CoalesceAll. Default: 10.
	MaxCatchUp int

	// CleanupInterval is how often expired job results are purged.
	// Default: 5 minutes.
	CleanupInterval time.Duration
}

// Scheduler is one scheduler instance. Any number of instances may share a
// datastore: the lease protocol guarantees each due schedule occurrence is
// claimed by exactly one of them. All in-memory state is disposable; the
// datastore is the single source of truth.
type Scheduler struct {
	store      DataStore
	broker     EventBroker
	serializer Serializer
	logger     *zap.Logger
	identity   string

	pollInterval    time.Duration
	leaseDuration   time.Duration
	acquireLimit    int
	maxCatchUp      int
	cleanupInterval time.Duration

	state  atomic.Int32
	wakeCh chan struct{}
	stopCh chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	heldMu sync.Mutex
	held   map[string]struct{}
}

// NewScheduler creates a scheduler instance with the given configuration.
// Returns an error if the configuration is invalid.
func NewScheduler(config SchedulerConfig) (*Scheduler, error) {
	if config.Store == nil {
		return nil, errors.New("store is required")
	}
	if config.Broker == nil {
		config.Broker = NewLocalBroker(config.Logger)
	}
	if config.Serializer == nil {
		config.Serializer = JSONSerializer{}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Identity == "" {
		config.Identity = "scheduler-" + uuid.NewString()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = 30 * time.Second
	}
	if config.AcquireLimit <= 0 {
		config.AcquireLimit = 100
	}
	if config.MaxCatchUp <= 0 {
		config.MaxCatchUp = 10
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}

	return &Scheduler{
		store:           config.Store,
		broker:          config.Broker,
		serializer:      config.Serializer,
		logger:          config.Logger.With(zap.String("scheduler_id", config.Identity)),
		identity:        config.Identity,
		pollInterval:    config.PollInterval,
		leaseDuration:   config.LeaseDuration,
		acquireLimit:    config.AcquireLimit,
		maxCatchUp:      config.MaxCatchUp,
		cleanupInterval: config.CleanupInterval,
		wakeCh:          make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
		held:            make(map[string]struct{}),
	}, nil
}

// Identity returns the scheduler-instance identifier used in lease columns.
func (s *Scheduler) Identity() string { return s.identity }

// State returns the current lifecycle state.
func (s *Scheduler) State() RunState { return RunState(s.state.Load()) }

// Start transitions the scheduler to running and begins processing due
// schedules. Calling Start on a non-stopped scheduler is a no-op; a stopped
// scheduler may be started again.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return nil
	}
	// The stop plumbing is per-run so a stopped scheduler can be started
	// again.
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.stopCh = make(chan struct{})
	s.stopOnce = sync.Once{}

	if err := s.broker.Publish(s.ctx, Event{
		Topic:       TopicSchedulerStarted,
		At:          time.Now(),
		SchedulerID: s.identity,
	}); err != nil {
		s.logger.Warn("failed to publish scheduler_started", zap.Error(err))
	}

	// Wake immediately when a schedule is added or updated anywhere,
	// instead of waiting out the poll interval.
	wakeSub := s.broker.Subscribe(TopicScheduleAdded, TopicScheduleUpdated)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer wakeSub.Unsubscribe()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-s.stopCh:
				return
			case _, ok := <-wakeSub.Events():
				if !ok {
					return
				}
				select {
				case s.wakeCh <- struct{}{}:
				default:
				}
			}
		}
	}()

	s.wg.Add(3)
	go s.run()
	go s.heartbeat()
	go s.cleanup()

	s.state.Store(int32(StateRunning))
	s.logger.Info("scheduler started")
	return nil
}

// Stop shuts the scheduler down. It waits for the in-flight processing pass
// to drain and release its leases; if ctx expires first the pass is
// abandoned and its leases are left to expire on their own, which is the
// forced-shutdown path. Safe to call more than once.
func (s *Scheduler) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.state.Store(int32(StateStopping))
		close(s.stopCh)

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			// Forced: abandon the in-flight pass, leases expire on their own.
			if s.cancel != nil {
				s.cancel()
			}
			<-done
			err = ctx.Err()
		}
		if s.cancel != nil {
			s.cancel()
		}

		if pubErr := s.broker.Publish(context.Background(), Event{
			Topic:       TopicSchedulerStopped,
			At:          time.Now(),
			SchedulerID: s.identity,
		}); pubErr != nil {
			s.logger.Warn("failed to publish scheduler_stopped", zap.Error(pubErr))
		}

		s.state.Store(int32(StateStopped))
		s.logger.Info("scheduler stopped")
	})
	return err
}

// run is the main processing loop: acquire due schedules, surface their
// occurrences as jobs, release, then sleep until the poll interval elapses
// or an event wakes it.
func (s *Scheduler) run() {
	defer s.wg.Done()

	for {
		s.processDueSchedules()

		timer := time.NewTimer(s.pollInterval)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		case <-s.wakeCh:
			timer.Stop()
		}
	}
}

func (s *Scheduler) processDueSchedules() {
	schedules, err := s.store.AcquireSchedules(s.ctx, s.identity, s.acquireLimit, s.leaseDuration)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Error("failed to acquire schedules", zap.Error(err))
		}
		return
	}
	if len(schedules) == 0 {
		return
	}

	s.heldMu.Lock()
	for _, schedule := range schedules {
		s.held[schedule.ID] = struct{}{}
	}
	s.heldMu.Unlock()
	defer func() {
		s.heldMu.Lock()
		for _, schedule := range schedules {
			delete(s.held, schedule.ID)
		}
		s.heldMu.Unlock()
	}()

	now := time.Now()
	for _, schedule := range schedules {
		// Failures are isolated per schedule; one bad trigger or payload
		// never stops the loop.
		s.processSchedule(schedule, now)
	}

	if err := s.store.ReleaseSchedules(s.ctx, s.identity, schedules); err != nil {
		var lease *LeaseExpiredError
		if errors.As(err, &lease) {
			s.logger.Warn("some schedule leases were taken over before release",
				zap.Strings("schedule_ids", lease.IDs))
		} else if !errors.Is(err, context.Canceled) {
			s.logger.Error("failed to release schedules", zap.Error(err))
		}
	}
}

// processSchedule surfaces every occurrence of one acquired schedule that is
// due at now, applies the coalesce and misfire policies, creates jobs, and
// advances the schedule's fire-time bookkeeping in place for release.
func (s *Scheduler) processSchedule(schedule *Schedule, now time.Time) {
	task, err := s.store.GetTask(s.ctx, schedule.TaskID)
	if err != nil {
		s.logger.Error("schedule references unknown task, pausing it",
			zap.String("schedule_id", schedule.ID),
			zap.String("task_id", schedule.TaskID),
			zap.Error(err))
		schedule.Paused = true
		return
	}

	// Walk the accumulated due occurrences. Only coalesce=all materializes
	// every occurrence, bounded by MaxCatchUp so a long outage cannot flood
	// the queue; latest and earliest advance past the whole backlog but emit
	// a single job no matter how long it is.
	var (
		firstDue, lastDue time.Time
		dueCount          int
		all               []time.Time
	)
	next := schedule.NextFireTime
	for next != nil && !next.After(now) {
		if schedule.Coalesce == CoalesceAll && dueCount >= s.maxCatchUp {
			break
		}
		if dueCount == 0 {
			firstDue = *next
		}
		lastDue = *next
		dueCount++
		if schedule.Coalesce == CoalesceAll {
			all = append(all, *next)
		}
		next, err = schedule.Trigger.Next(next, now)
		if err != nil {
			s.logger.Error("trigger failed to advance, exhausting schedule",
				zap.String("schedule_id", schedule.ID), zap.Error(err))
			next = nil
			break
		}
	}
	if dueCount == 0 {
		schedule.NextFireTime = next
		return
	}

	// Coalesce accumulated occurrences. Occurrences dropped here are
	// skipped silently; they are a policy outcome, not misfires.
	var surfaced []time.Time
	switch schedule.Coalesce {
	case CoalesceEarliest:
		surfaced = []time.Time{firstDue}
	case CoalesceAll:
		surfaced = all
	default:
		surfaced = []time.Time{lastDue}
	}

	grace := schedule.graceTime(task)
	for _, fireTime := range surfaced {
		s.emitJob(schedule, fireTime, grace, now)
	}

	last := lastDue
	schedule.LastFireTime = &last
	schedule.NextFireTime = next
}

func (s *Scheduler) emitJob(schedule *Schedule, fireTime time.Time, grace *time.Duration, now time.Time) {
	ft := fireTime
	job := &Job{
		ID:                uuid.NewString(),
		TaskID:            schedule.TaskID,
		ScheduleID:        schedule.ID,
		Args:              schedule.Args,
		ScheduledFireTime: &ft,
		Status:            JobPending,
		CreatedAt:         now,
	}
	if grace != nil {
		deadline := fireTime.Add(*grace)
		job.StartDeadline = &deadline
		if now.After(deadline) {
			// Misfire: the occurrence became due longer ago than the grace
			// period allows. Record it as missed and never execute it.
			job.Status = JobMissed
		}
	}

	if err := s.store.AddJob(s.ctx, job); err != nil {
		s.logger.Error("failed to enqueue job",
			zap.String("schedule_id", schedule.ID),
			zap.String("job_id", job.ID),
			zap.Error(err))
		return
	}

	if job.Status == JobMissed {
		s.logger.Warn("occurrence missed its grace period",
			zap.String("schedule_id", schedule.ID),
			zap.Time("fire_time", fireTime))
		return
	}
	if err := s.broker.Publish(s.ctx, Event{
		Topic:      TopicJobAdded,
		At:         now,
		TaskID:     job.TaskID,
		ScheduleID: schedule.ID,
		JobID:      job.ID,
	}); err != nil {
		s.logger.Warn("failed to publish job_added", zap.Error(err))
	}
}

// heartbeat extends the leases of schedules currently being processed so a
// slow pass does not lose ownership mid-flight. Extension is conditioned on
// still owning the lease; a stolen lease is logged and dropped.
func (s *Scheduler) heartbeat() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.leaseDuration / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		}

		s.heldMu.Lock()
		ids := make([]string, 0, len(s.held))
		for id := range s.held {
			ids = append(ids, id)
		}
		s.heldMu.Unlock()
		if len(ids) == 0 {
			continue
		}

		if err := s.store.ExtendScheduleLeases(s.ctx, s.identity, ids, s.leaseDuration); err != nil {
			var lease *LeaseExpiredError
			if errors.As(err, &lease) {
				s.logger.Warn("schedule leases lost during heartbeat",
					zap.Strings("schedule_ids", lease.IDs))
			} else if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to extend schedule leases", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) cleanup() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
		if err := s.store.CleanUp(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("datastore cleanup failed", zap.Error(err))
		}
	}
}

// API surface. Every method below is safe to call concurrently from
// multiple processes against the same datastore.

// AddTask registers or replaces a task definition.
func (s *Scheduler) AddTask(ctx context.Context, task *Task) error {
	if err := task.validate(); err != nil {
		return err
	}
	if err := s.store.AddTask(ctx, task); err != nil {
		return err
	}
	return s.broker.Publish(ctx, Event{Topic: TopicTaskAdded, At: time.Now(), TaskID: task.ID})
}

// RemoveTask deletes a task definition. Schedules referencing it are paused
// the next time they are processed.
func (s *Scheduler) RemoveTask(ctx context.Context, taskID string) error {
	if err := s.store.RemoveTask(ctx, taskID); err != nil {
		return err
	}
	return s.broker.Publish(ctx, Event{Topic: TopicTaskRemoved, At: time.Now(), TaskID: taskID})
}

// AddSchedule persists a schedule and computes its first fire time. An
// empty ID gets a generated one; the assigned ID is returned.
func (s *Scheduler) AddSchedule(ctx context.Context, schedule *Schedule, conflict ConflictPolicy) (string, error) {
	if schedule.ID == "" {
		schedule.ID = "schedule-" + uuid.NewString()
	}
	if err := schedule.validate(); err != nil {
		return "", err
	}
	if _, err := s.store.GetTask(ctx, schedule.TaskID); err != nil {
		return "", fmt.Errorf("schedule %q: %w", schedule.ID, err)
	}

	now := time.Now()
	if schedule.NextFireTime == nil {
		next, err := schedule.Trigger.Next(nil, now)
		if err != nil {
			return "", fmt.Errorf("schedule %q: computing first fire time: %w", schedule.ID, err)
		}
		if next == nil {
			return "", fmt.Errorf("schedule %q: trigger yields no fire times", schedule.ID)
		}
		schedule.NextFireTime = next
	}

	if err := s.store.AddSchedule(ctx, schedule, conflict); err != nil {
		return "", err
	}
	if err := s.broker.Publish(ctx, Event{
		Topic:        TopicScheduleAdded,
		At:           now,
		TaskID:       schedule.TaskID,
		ScheduleID:   schedule.ID,
		NextFireTime: schedule.NextFireTime,
	}); err != nil {
		s.logger.Warn("failed to publish schedule_added", zap.Error(err))
	}
	return schedule.ID, nil
}

// GetSchedule fetches a single schedule.
func (s *Scheduler) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	schedules, err := s.store.GetSchedules(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(schedules) == 0 {
		return nil, ErrScheduleNotFound
	}
	return schedules[0], nil
}

// GetSchedules fetches the named schedules, or all of them when no IDs are
// given.
func (s *Scheduler) GetSchedules(ctx context.Context, ids ...string) ([]*Schedule, error) {
	return s.store.GetSchedules(ctx, ids...)
}

// RemoveSchedule deletes a schedule. It takes effect for all future
// acquisitions but does not recall jobs the schedule already created.
func (s *Scheduler) RemoveSchedule(ctx context.Context, id string) error {
	if err := s.store.RemoveSchedules(ctx, id); err != nil {
		return err
	}
	return s.broker.Publish(ctx, Event{Topic: TopicScheduleRemoved, At: time.Now(), ScheduleID: id})
}

// PauseSchedule keeps the schedule but makes it ineligible for acquisition
// until resumed.
func (s *Scheduler) PauseSchedule(ctx context.Context, id string) error {
	schedule, err := s.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if schedule.Paused {
		return nil
	}
	schedule.Paused = true
	if err := s.store.AddSchedule(ctx, schedule, ConflictReplace); err != nil {
		return err
	}
	return s.broker.Publish(ctx, Event{Topic: TopicScheduleUpdated, At: time.Now(), ScheduleID: id})
}

// ResumeSchedule reactivates a paused schedule, recomputing its next fire
// time from where it left off.
func (s *Scheduler) ResumeSchedule(ctx context.Context, id string) error {
	schedule, err := s.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if !schedule.Paused {
		return nil
	}
	now := time.Now()
	next, err := schedule.Trigger.Next(schedule.LastFireTime, now)
	if err != nil {
		return fmt.Errorf("schedule %q: recomputing fire time: %w", id, err)
	}
	schedule.Paused = false
	schedule.NextFireTime = next
	if err := s.store.AddSchedule(ctx, schedule, ConflictReplace); err != nil {
		return err
	}
	return s.broker.Publish(ctx, Event{
		Topic:        TopicScheduleUpdated,
		At:           now,
		ScheduleID:   id,
		NextFireTime: next,
	})
}

// AddJob submits a one-shot, schedule-less job for immediate execution and
// returns its ID. The result is retrievable with GetJobResult once a worker
// finishes it.
func (s *Scheduler) AddJob(ctx context.Context, taskID string, args any) (string, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return "", err
	}
	encoded, err := s.serializer.Marshal(args)
	if err != nil {
		return "", err
	}
	job := &Job{
		ID:        "job-" + uuid.NewString(),
		TaskID:    taskID,
		Args:      encoded,
		Status:    JobPending,
		CreatedAt: time.Now(),
	}
	if err := s.store.AddJob(ctx, job); err != nil {
		return "", err
	}
	if err := s.broker.Publish(ctx, Event{
		Topic:  TopicJobAdded,
		At:     job.CreatedAt,
		TaskID: taskID,
		JobID:  job.ID,
	}); err != nil {
		s.logger.Warn("failed to publish job_added", zap.Error(err))
	}
	return job.ID, nil
}

// GetJobResult fetches the outcome of a finished job.
func (s *Scheduler) GetJobResult(ctx context.Context, jobID string) (*JobResult, error) {
	return s.store.GetJobResult(ctx, jobID)
}

// RunJob submits a one-shot job and blocks until its result arrives or ctx
// expires.
func (s *Scheduler) RunJob(ctx context.Context, taskID string, args any) (*JobResult, error) {
	sub := s.broker.Subscribe(TopicJobReleased)
	defer sub.Unsubscribe()

	jobID, err := s.AddJob(ctx, taskID, args)
	if err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case event, ok := <-sub.Events():
			if !ok {
				return nil, errors.New("event subscription closed while waiting for job result")
			}
			if event.JobID != jobID {
				continue
			}
			return s.store.GetJobResult(ctx, jobID)
		}
	}
}

// Subscribe exposes the broker's event stream for the given topics.
func (s *Scheduler) Subscribe(topics ...Topic) *Subscription {
	return s.broker.Subscribe(topics...)
}
