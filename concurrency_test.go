package chrono

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

// executionTracker counts executions per payload so exactly-once claiming is
// observable across many scheduler and worker instances.
type executionTracker struct {
	mu     sync.Mutex
	counts map[string]int
}

func newExecutionTracker() *executionTracker {
	return &executionTracker{counts: make(map[string]int)}
}

func (e *executionTracker) record(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts[key]++
}

func (e *executionTracker) snapshot() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.counts))
	for k, v := range e.counts {
		out[k] = v
	}
	return out
}

// runCluster races several scheduler and worker instances against one shared
// store and asserts every one-shot schedule executes exactly once.
func runCluster(t *testing.T, schedulers, workers, scheduleCount int) {
	t.Helper()
	ctx := context.Background()
	store := NewMemoryStore(MemoryStoreConfig{})
	broker := NewLocalBroker(nil)
	tracker := newExecutionTracker()

	registry := NewRegistry()
	registry.MustRegister("once", func(ctx context.Context, args []byte) (any, error) {
		var key string
		if err := json.Unmarshal(args, &key); err != nil {
			return nil, err
		}
		tracker.record(key)
		return nil, nil
	})

	if err := store.AddTask(ctx, &Task{ID: "once", FuncRef: "once"}); err != nil {
		t.Fatalf("add task failed: %v", err)
	}

	var instances []interface {
		Stop(ctx context.Context) error
	}
	for i := 0; i < schedulers; i++ {
		s, err := NewScheduler(SchedulerConfig{
			Store:        store,
			Broker:       broker,
			Identity:     fmt.Sprintf("scheduler-%d", i),
			PollInterval: 10 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("failed to build scheduler %d: %v", i, err)
		}
		if err := s.Start(ctx); err != nil {
			t.Fatalf("scheduler %d start failed: %v", i, err)
		}
		instances = append(instances, s)
	}
	for i := 0; i < workers; i++ {
		w, err := NewWorker(WorkerConfig{
			Store:        store,
			Registry:     registry,
			Broker:       broker,
			Identity:     fmt.Sprintf("worker-%d", i),
			PollInterval: 10 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("failed to build worker %d: %v", i, err)
		}
		if err := w.Start(ctx); err != nil {
			t.Fatalf("worker %d start failed: %v", i, err)
		}
		instances = append(instances, w)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, instance := range instances {
			if err := instance.Stop(stopCtx); err != nil {
				t.Errorf("stop failed: %v", err)
			}
		}
	}()

	now := time.Now()
	for i := 0; i < scheduleCount; i++ {
		key := fmt.Sprintf("s-%d", i)
		args, err := json.Marshal(key)
		if err != nil {
			t.Fatalf("encoding args: %v", err)
		}
		if err := store.AddSchedule(ctx, &Schedule{
			ID:           key,
			TaskID:       "once",
			Trigger:      &DateTrigger{RunTime: now},
			Args:         args,
			NextFireTime: &now,
		}, ConflictFail); err != nil {
			t.Fatalf("add schedule failed: %v", err)
		}
	}

	// Every one-shot schedule is deleted after firing and its job drained by
	// a worker; wait for the whole pipeline to empty out.
	deadline := time.Now().Add(30 * time.Second)
	for {
		schedules, err := store.GetSchedules(ctx)
		if err != nil {
			t.Fatalf("get schedules failed: %v", err)
		}
		jobs, err := store.GetJobs(ctx)
		if err != nil {
			t.Fatalf("get jobs failed: %v", err)
		}
		if len(schedules) == 0 && len(jobs) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pipeline not drained: %d schedules, %d jobs left", len(schedules), len(jobs))
		}
		time.Sleep(20 * time.Millisecond)
	}

	counts := tracker.snapshot()
	if len(counts) != scheduleCount {
		t.Fatalf("expected %d distinct executions, got %d", scheduleCount, len(counts))
	}
	for key, n := range counts {
		if n != 1 {
			t.Fatalf("schedule %s executed %d times", key, n)
		}
	}
}

func TestClusterExactlyOnce(t *testing.T) {
	runCluster(t, 3, 3, 50)
}

func TestClusterExactlyOnceLarge(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping large cluster test in short mode")
	}
	runCluster(t, 5, 8, 500)
}
