package chrono

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrFuncNotFound means a job referenced a callable the worker's
	// registry does not know.
	ErrFuncNotFound = errors.New("no function registered for reference")

	// ErrFuncExists means Register was called twice for the same reference.
	ErrFuncExists = errors.New("function already registered for reference")
)

// JobFunc is the executable behind a task. Args is the job's opaque encoded
// payload; the function decodes it however it likes. The returned value, if
// any, is encoded into the JobResult.
type JobFunc func(ctx context.Context, args []byte) (any, error)

// Registry resolves Task.FuncRef values to callables on the worker side.
// The core never inspects the callable; the registry is the executor
// substrate's lookup table.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]JobFunc
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]JobFunc)}
}

func (r *Registry) Register(ref string, fn JobFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.funcs[ref]; exists {
		return fmt.Errorf("%w: %s", ErrFuncExists, ref)
	}
	r.funcs[ref] = fn
	return nil
}

// MustRegister panics on a duplicate registration; intended for program
// initialization.
func (r *Registry) MustRegister(ref string, fn JobFunc) {
	if err := r.Register(ref, fn); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(ref string) (JobFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, exists := r.funcs[ref]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrFuncNotFound, ref)
	}
	return fn, nil
}
