package chrono

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

// claimJob enqueues a job through the store and claims it as the given
// worker, the same path the run loop takes.
func claimJob(t *testing.T, store *MemoryStore, w *Worker, taskID string, args []byte) *Job {
	t.Helper()
	ctx := context.Background()
	if err := store.AddJob(ctx, &Job{
		ID:     "job-under-test",
		TaskID: taskID,
		Args:   args,
	}); err != nil {
		t.Fatalf("add job failed: %v", err)
	}
	jobs, err := store.AcquireJobs(ctx, w.Identity(), 1, time.Minute)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("acquire: %v %v", jobs, err)
	}
	return jobs[0]
}

func newTestWorker(t *testing.T, store DataStore, registry *Registry, timeout time.Duration) *Worker {
	t.Helper()
	w, err := NewWorker(WorkerConfig{
		Store:      store,
		Registry:   registry,
		Identity:   "worker-test",
		JobTimeout: timeout,
	})
	if err != nil {
		t.Fatalf("failed to build worker: %v", err)
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	t.Cleanup(w.cancel)
	return w
}

func TestWorkerRunJob(t *testing.T) {
	ctx := context.Background()

	t.Run("decodes args and records the return value", func(t *testing.T) {
		store := NewMemoryStore(MemoryStoreConfig{})
		registry := NewRegistry()
		registry.MustRegister("sum", func(ctx context.Context, args []byte) (any, error) {
			var numbers []int
			if err := json.Unmarshal(args, &numbers); err != nil {
				return nil, err
			}
			total := 0
			for _, n := range numbers {
				total += n
			}
			return total, nil
		})
		if err := store.AddTask(ctx, &Task{ID: "sum", FuncRef: "sum"}); err != nil {
			t.Fatalf("add task failed: %v", err)
		}

		w := newTestWorker(t, store, registry, 0)
		job := claimJob(t, store, w, "sum", []byte(`[1,2,3]`))
		w.runJob(job)

		result, err := store.GetJobResult(ctx, job.ID)
		if err != nil {
			t.Fatalf("get result failed: %v", err)
		}
		if result.Status != JobSuccess {
			t.Fatalf("expected success, got %s (%s)", result.Status, result.Error)
		}
		var total int
		if err := json.Unmarshal(result.ReturnValue, &total); err != nil {
			t.Fatalf("decoding return value: %v", err)
		}
		if total != 6 {
			t.Fatalf("expected 6, got %d", total)
		}
	})

	t.Run("captures returned errors as failure", func(t *testing.T) {
		store := NewMemoryStore(MemoryStoreConfig{})
		registry := NewRegistry()
		registry.MustRegister("boom", func(ctx context.Context, args []byte) (any, error) {
			return nil, errors.New("database unreachable")
		})
		if err := store.AddTask(ctx, &Task{ID: "boom", FuncRef: "boom"}); err != nil {
			t.Fatalf("add task failed: %v", err)
		}

		w := newTestWorker(t, store, registry, 0)
		job := claimJob(t, store, w, "boom", nil)
		w.runJob(job)

		result, err := store.GetJobResult(ctx, job.ID)
		if err != nil {
			t.Fatalf("get result failed: %v", err)
		}
		if result.Status != JobFailure || result.Error != "database unreachable" {
			t.Fatalf("expected failure with the original message, got %+v", result)
		}
	})

	t.Run("recovers panics into failure", func(t *testing.T) {
		store := NewMemoryStore(MemoryStoreConfig{})
		registry := NewRegistry()
		registry.MustRegister("panic", func(ctx context.Context, args []byte) (any, error) {
			panic("nil map write")
		})
		if err := store.AddTask(ctx, &Task{ID: "panic", FuncRef: "panic"}); err != nil {
			t.Fatalf("add task failed: %v", err)
		}

		w := newTestWorker(t, store, registry, 0)
		job := claimJob(t, store, w, "panic", nil)
		w.runJob(job)

		result, err := store.GetJobResult(ctx, job.ID)
		if err != nil {
			t.Fatalf("get result failed: %v", err)
		}
		if result.Status != JobFailure || !strings.Contains(result.Error, "job panicked") {
			t.Fatalf("expected recovered panic, got %+v", result)
		}
	})

	t.Run("enforces the job timeout", func(t *testing.T) {
		store := NewMemoryStore(MemoryStoreConfig{})
		registry := NewRegistry()
		registry.MustRegister("slow", func(ctx context.Context, args []byte) (any, error) {
			select {
			case <-time.After(5 * time.Second):
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
		if err := store.AddTask(ctx, &Task{ID: "slow", FuncRef: "slow"}); err != nil {
			t.Fatalf("add task failed: %v", err)
		}

		w := newTestWorker(t, store, registry, 50*time.Millisecond)
		job := claimJob(t, store, w, "slow", nil)

		started := time.Now()
		w.runJob(job)
		if elapsed := time.Since(started); elapsed > 2*time.Second {
			t.Fatalf("timeout did not cut execution short, took %v", elapsed)
		}

		result, err := store.GetJobResult(ctx, job.ID)
		if err != nil {
			t.Fatalf("get result failed: %v", err)
		}
		if result.Status != JobFailure || !strings.Contains(result.Error, "deadline") {
			t.Fatalf("expected timeout failure, got %+v", result)
		}
	})

	t.Run("abandons the job when shut down mid-execution", func(t *testing.T) {
		store := NewMemoryStore(MemoryStoreConfig{})
		registry := NewRegistry()
		registry.MustRegister("wait", func(ctx context.Context, args []byte) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		if err := store.AddTask(ctx, &Task{ID: "wait", FuncRef: "wait"}); err != nil {
			t.Fatalf("add task failed: %v", err)
		}

		w := newTestWorker(t, store, registry, 0)
		job := claimJob(t, store, w, "wait", nil)

		done := make(chan struct{})
		go func() {
			w.runJob(job)
			close(done)
		}()
		time.Sleep(20 * time.Millisecond)
		w.cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("runJob did not return after cancellation")
		}

		// No failure result: the claim stays in place so the lease expires
		// and another worker picks the job up.
		if _, err := store.GetJobResult(ctx, job.ID); !errors.Is(err, ErrResultNotFound) {
			t.Fatalf("expected no recorded result, got %v", err)
		}
		jobs, err := store.GetJobs(ctx, job.ID)
		if err != nil || len(jobs) != 1 {
			t.Fatalf("expected the job to remain claimed: %v %v", jobs, err)
		}
		if jobs[0].Status != JobRunning {
			t.Fatalf("expected job still in running state, got %s", jobs[0].Status)
		}
	})

	t.Run("unknown function reference fails the job", func(t *testing.T) {
		store := NewMemoryStore(MemoryStoreConfig{})
		registry := NewRegistry()
		if err := store.AddTask(ctx, &Task{ID: "ghost", FuncRef: "not.registered"}); err != nil {
			t.Fatalf("add task failed: %v", err)
		}

		w := newTestWorker(t, store, registry, 0)
		job := claimJob(t, store, w, "ghost", nil)
		w.runJob(job)

		result, err := store.GetJobResult(ctx, job.ID)
		if err != nil {
			t.Fatalf("get result failed: %v", err)
		}
		if result.Status != JobFailure || !strings.Contains(result.Error, "no function registered") {
			t.Fatalf("expected lookup failure, got %+v", result)
		}
	})
}

func TestWorkerConcurrencyCeiling(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(MemoryStoreConfig{})
	broker := NewLocalBroker(nil)
	registry := NewRegistry()

	// Track the peak number of simultaneously running jobs.
	running := make(chan struct{}, 64)
	peak := make(chan int, 1)
	peak <- 0
	registry.MustRegister("hold", func(ctx context.Context, args []byte) (any, error) {
		running <- struct{}{}
		defer func() { <-running }()
		n := len(running)
		p := <-peak
		if n > p {
			p = n
		}
		peak <- p
		time.Sleep(50 * time.Millisecond)
		return nil, nil
	})

	if err := store.AddTask(ctx, &Task{ID: "hold", FuncRef: "hold"}); err != nil {
		t.Fatalf("add task failed: %v", err)
	}
	for i := 0; i < 12; i++ {
		if err := store.AddJob(ctx, &Job{ID: jobID(i), TaskID: "hold"}); err != nil {
			t.Fatalf("add job failed: %v", err)
		}
	}

	w, err := NewWorker(WorkerConfig{
		Store:        store,
		Registry:     registry,
		Broker:       broker,
		Concurrency:  3,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build worker: %v", err)
	}
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		jobs, err := store.GetJobs(ctx)
		if err != nil {
			t.Fatalf("get jobs failed: %v", err)
		}
		if len(jobs) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d jobs still queued at deadline", len(jobs))
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := w.Stop(stopCtx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	if p := <-peak; p > 3 {
		t.Fatalf("concurrency ceiling exceeded: %d jobs ran at once", p)
	}
}

func TestWorkerLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("stop before start is a no-op", func(t *testing.T) {
		w, err := NewWorker(WorkerConfig{
			Store:    NewMemoryStore(MemoryStoreConfig{}),
			Registry: NewRegistry(),
		})
		if err != nil {
			t.Fatalf("failed to build worker: %v", err)
		}
		if err := w.Stop(ctx); err != nil {
			t.Fatalf("stop on a never-started worker failed: %v", err)
		}
		if w.State() != StateStopped {
			t.Fatalf("expected stopped state, got %v", w.State())
		}
	})

	t.Run("restarts after stop", func(t *testing.T) {
		store := NewMemoryStore(MemoryStoreConfig{})
		registry := NewRegistry()
		registry.MustRegister("noop", func(ctx context.Context, args []byte) (any, error) {
			return nil, nil
		})
		if err := store.AddTask(ctx, &Task{ID: "noop", FuncRef: "noop"}); err != nil {
			t.Fatalf("add task failed: %v", err)
		}

		w, err := NewWorker(WorkerConfig{
			Store:        store,
			Registry:     registry,
			PollInterval: 10 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("failed to build worker: %v", err)
		}
		if err := w.Start(ctx); err != nil {
			t.Fatalf("first start failed: %v", err)
		}
		if err := w.Stop(ctx); err != nil {
			t.Fatalf("first stop failed: %v", err)
		}
		if err := w.Start(ctx); err != nil {
			t.Fatalf("second start failed: %v", err)
		}
		if w.State() != StateRunning {
			t.Fatalf("expected running state after restart, got %v", w.State())
		}

		if err := store.AddJob(ctx, &Job{ID: "job-restart", TaskID: "noop"}); err != nil {
			t.Fatalf("add job failed: %v", err)
		}

		deadline := time.Now().Add(5 * time.Second)
		for {
			if _, err := store.GetJobResult(ctx, "job-restart"); err == nil {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("restarted worker never executed the job")
			}
			time.Sleep(10 * time.Millisecond)
		}

		if err := w.Stop(ctx); err != nil {
			t.Fatalf("second stop failed: %v", err)
		}
		if w.State() != StateStopped {
			t.Fatalf("expected stopped state, got %v", w.State())
		}
	})
}
