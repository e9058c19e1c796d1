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

// WorkerConfig configures a Worker instance.
type WorkerConfig struct {
	// Store is the required shared datastore.
	Store DataStore

	// Registry resolves task function references to callables. Required.
	Registry *Registry

	// Broker distributes lifecycle events. Defaults to a process-local
	// broker.
	Broker EventBroker

	// Serializer encodes job return values. Defaults to JSON.
	Serializer Serializer

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// Identity distinguishes this worker in job lease columns. Defaults to
	// a random UUID.
	Identity string

	// Concurrency is the maximum number of jobs running at once in this
	// worker. Default: 16.
	Concurrency int

	// PollInterval is the longest the claim loop sleeps when idle.
	// Default: 1 second.
	PollInterval time.Duration

	// LeaseDuration is the job lease length; the heartbeat extends leases
	// of still-running jobs at half this period. Default: 30 seconds.
	LeaseDuration time.Duration

	// JobTimeout is the hard deadline for one job execution. A job
	// exceeding it is recorded as failure with a timeout indication and its
	// goroutine is abandoned, not killed. Zero means no deadline.
	JobTimeout time.Duration
}

// Worker claims queued jobs from the shared datastore and executes them.
// Multiple workers may share one datastore; the atomic claim discipline and
// per-task MaxRunningJobs ceiling are enforced by the store.
type Worker struct {
	store      DataStore
	registry   *Registry
	broker     EventBroker
	serializer Serializer
	logger     *zap.Logger
	identity   string

	concurrency   int
	pollInterval  time.Duration
	leaseDuration time.Duration
	jobTimeout    time.Duration

	state  atomic.Int32
	wakeCh chan struct{}
	stopCh chan struct{}
	slots  chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewWorker creates a worker with the given configuration. Returns an error
// if the configuration is invalid.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Store == nil {
		return nil, errors.New("store is required")
	}
	if config.Registry == nil {
		return nil, errors.New("registry is required")
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
		config.Identity = "worker-" + uuid.NewString()
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 16
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = 30 * time.Second
	}

	return &Worker{
		store:         config.Store,
		registry:      config.Registry,
		broker:        config.Broker,
		serializer:    config.Serializer,
		logger:        config.Logger.With(zap.String("worker_id", config.Identity)),
		identity:      config.Identity,
		concurrency:   config.Concurrency,
		pollInterval:  config.PollInterval,
		leaseDuration: config.LeaseDuration,
		jobTimeout:    config.JobTimeout,
		wakeCh:        make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		slots:         make(chan struct{}, config.Concurrency),
		inflight:      make(map[string]struct{}),
	}, nil
}

// Identity returns the worker identifier used in job lease columns.
func (w *Worker) Identity() string { return w.identity }

// State returns the current lifecycle state.
func (w *Worker) State() RunState { return RunState(w.state.Load()) }

// Start begins claiming and executing jobs. Calling Start on a non-stopped
// worker is a no-op; a stopped worker may be started again.
func (w *Worker) Start(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return nil
	}
	// The stop plumbing is per-run so a stopped worker can be started again.
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.stopCh = make(chan struct{})
	w.stopOnce = sync.Once{}

	if err := w.broker.Publish(w.ctx, Event{
		Topic:    TopicWorkerStarted,
		At:       time.Now(),
		WorkerID: w.identity,
	}); err != nil {
		w.logger.Warn("failed to publish worker_started", zap.Error(err))
	}

	// Wake as soon as new work is enqueued anywhere.
	wakeSub := w.broker.Subscribe(TopicJobAdded)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer wakeSub.Unsubscribe()
		for {
			select {
			case <-w.ctx.Done():
				return
			case <-w.stopCh:
				return
			case _, ok := <-wakeSub.Events():
				if !ok {
					return
				}
				select {
				case w.wakeCh <- struct{}{}:
				default:
				}
			}
		}
	}()

	w.wg.Add(2)
	go w.run()
	go w.heartbeat()

	w.state.Store(int32(StateRunning))
	w.logger.Info("worker started")
	return nil
}

// Stop shuts the worker down, waiting for running jobs to finish. If ctx
// expires first, remaining jobs are abandoned and their leases expire,
// making them claimable by other workers.
func (w *Worker) Stop(ctx context.Context) error {
	var err error
	w.stopOnce.Do(func() {
		w.state.Store(int32(StateStopping))
		close(w.stopCh)

		done := make(chan struct{})
		go func() {
			w.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			if w.cancel != nil {
				w.cancel()
			}
			<-done
			err = ctx.Err()
		}
		if w.cancel != nil {
			w.cancel()
		}

		if pubErr := w.broker.Publish(context.Background(), Event{
			Topic:    TopicWorkerStopped,
			At:       time.Now(),
			WorkerID: w.identity,
		}); pubErr != nil {
			w.logger.Warn("failed to publish worker_stopped", zap.Error(pubErr))
		}

		w.state.Store(int32(StateStopped))
		w.logger.Info("worker stopped")
	})
	return err
}

// run is the claim loop: acquire as many due jobs as free slots allow,
// dispatch each on its own goroutine, then sleep until the poll interval
// elapses or a job_added event wakes it.
func (w *Worker) run() {
	defer w.wg.Done()

	for {
		free := w.concurrency - len(w.slots)
		if free > 0 {
			jobs, err := w.store.AcquireJobs(w.ctx, w.identity, free, w.leaseDuration)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					w.logger.Error("failed to acquire jobs", zap.Error(err))
				}
			} else {
				for _, job := range jobs {
					w.dispatch(job)
				}
				if len(jobs) == free {
					// The queue may hold more due jobs than we had slots
					// for; claim again without sleeping.
					select {
					case w.wakeCh <- struct{}{}:
					default:
					}
				}
			}
		}

		timer := time.NewTimer(w.pollInterval)
		select {
		case <-w.ctx.Done():
			timer.Stop()
			return
		case <-w.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		case <-w.wakeCh:
			timer.Stop()
		}
	}
}

func (w *Worker) dispatch(job *Job) {
	w.slots <- struct{}{}

	w.inflightMu.Lock()
	w.inflight[job.ID] = struct{}{}
	w.inflightMu.Unlock()

	if err := w.broker.Publish(w.ctx, Event{
		Topic:    TopicJobAcquired,
		At:       time.Now(),
		WorkerID: w.identity,
		TaskID:   job.TaskID,
		JobID:    job.ID,
	}); err != nil {
		w.logger.Warn("failed to publish job_acquired", zap.Error(err))
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.inflightMu.Lock()
			delete(w.inflight, job.ID)
			w.inflightMu.Unlock()
			<-w.slots
		}()
		w.runJob(job)
	}()
}

// runJob executes one claimed job and records its result. Execution faults
// are captured into the JobResult, never propagated; retry is a scheduling
// decision, not the worker's.
func (w *Worker) runJob(job *Job) {
	started := time.Now()
	result := &JobResult{
		JobID:     job.ID,
		StartedAt: started,
	}

	value, execErr := w.execute(job)
	result.FinishedAt = time.Now()

	// Forced shutdown cancels w.ctx mid-execution. The job did not fail on
	// its own merits, so no result is recorded: the lease expires and
	// another worker claims the job.
	if execErr != nil && w.ctx.Err() != nil && errors.Is(execErr, context.Canceled) {
		w.logger.Warn("abandoning job on forced shutdown", zap.String("job_id", job.ID))
		return
	}

	switch {
	case execErr != nil:
		result.Status = JobFailure
		result.Error = execErr.Error()
	default:
		result.Status = JobSuccess
		if value != nil {
			encoded, err := w.serializer.Marshal(value)
			if err != nil {
				result.Status = JobFailure
				result.Error = fmt.Sprintf("encoding return value: %v", err)
			} else {
				result.ReturnValue = encoded
			}
		}
	}

	// Release must survive shutdown of the claim loop, otherwise a finished
	// job would be re-executed by whoever claims it after lease expiry.
	releaseCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.store.ReleaseJob(releaseCtx, w.identity, job, result); err != nil {
		var lease *LeaseExpiredError
		if errors.As(err, &lease) {
			w.logger.Warn("job lease was taken over before release",
				zap.String("job_id", job.ID))
		} else {
			w.logger.Error("failed to release job",
				zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}

	w.logger.Debug("job finished",
		zap.String("job_id", job.ID),
		zap.String("task_id", job.TaskID),
		zap.String("status", string(result.Status)),
		zap.Duration("elapsed", result.FinishedAt.Sub(started)))

	if err := w.broker.Publish(releaseCtx, Event{
		Topic:     TopicJobReleased,
		At:        result.FinishedAt,
		WorkerID:  w.identity,
		TaskID:    job.TaskID,
		JobID:     job.ID,
		JobStatus: result.Status,
	}); err != nil {
		w.logger.Warn("failed to publish job_released", zap.Error(err))
	}
}

// execute resolves and runs the job's callable under the configured
// deadline. On timeout the execution goroutine is abandoned; the work unit
// is opaque, so there is no forced kill.
func (w *Worker) execute(job *Job) (any, error) {
	task, err := w.store.GetTask(w.ctx, job.TaskID)
	if err != nil {
		return nil, fmt.Errorf("resolving task %q: %w", job.TaskID, err)
	}
	fn, err := w.registry.Lookup(task.FuncRef)
	if err != nil {
		return nil, err
	}

	jobCtx := w.ctx
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(w.ctx, w.jobTimeout)
		defer cancel()
	}

	type outcome struct {
		value any
		err   error
	}
	outcomeCh := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				outcomeCh <- outcome{err: fmt.Errorf("job panicked: %v", r)}
			}
		}()
		value, err := fn(jobCtx, job.Args)
		outcomeCh <- outcome{value: value, err: err}
	}()

	select {
	case out := <-outcomeCh:
		return out.value, out.err
	case <-jobCtx.Done():
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("job exceeded its %v deadline and was abandoned", w.jobTimeout)
		}
		return nil, jobCtx.Err()
	}
}

// heartbeat extends the leases of jobs still running in this worker so long
// executions are not stolen mid-flight.
func (w *Worker) heartbeat() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.leaseDuration / 2)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
		}

		w.inflightMu.Lock()
		ids := make([]string, 0, len(w.inflight))
		for id := range w.inflight {
			ids = append(ids, id)
		}
		w.inflightMu.Unlock()
		if len(ids) == 0 {
			continue
		}

		if err := w.store.ExtendJobLeases(w.ctx, w.identity, ids, w.leaseDuration); err != nil {
			var lease *LeaseExpiredError
			if errors.As(err, &lease) {
				w.logger.Warn("job leases lost during heartbeat",
					zap.Strings("job_ids", lease.IDs))
			} else if !errors.Is(err, context.Canceled) {
				w.logger.Error("failed to extend job leases", zap.Error(err))
			}
		}
	}
}
