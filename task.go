package chrono

import (
	"errors"
	"time"
)

// Task is the immutable definition of a unit of work. It is registered once
// and referenced by schedules and jobs; re-registering with the same ID
// replaces the definition.
type Task struct {
	// ID uniquely identifies the task across the shared datastore.
	ID string

	// FuncRef names the callable that executes this task. Workers resolve
	// it through their Registry at claim time; the core never inspects it.
	FuncRef string

	// MaxRunningJobs caps how many jobs of this task may run at once across
	// all workers sharing the datastore. Zero or negative means unbounded.
	MaxRunningJobs int

	// MisfireGraceTime is how far past its scheduled fire time a job may
	// still start. Nil means occurrences never expire. Schedules may
	// override it per schedule.
	MisfireGraceTime *time.Duration
}

func (t *Task) validate() error {
	if t.ID == "" {
		return errors.New("task ID is required")
	}
	if t.FuncRef == "" {
		return errors.New("task FuncRef is required")
	}
	return nil
}
