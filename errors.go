package chrono

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by DataStore lookups.
var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrJobNotFound      = errors.New("job not found")
	ErrResultNotFound   = errors.New("job result not found")
)

// ErrMaxIterations is returned by AndTrigger when its sub-triggers fail to
// converge on a common fire time within the configured iteration bound.
var ErrMaxIterations = errors.New("maximum trigger iterations reached without convergence")

// ConflictError is returned when adding an entity whose identifier already
// exists and the conflict policy forbids replacing it.
type ConflictError struct {
	ID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("identifier %q already exists", e.ID)
}

// LeaseExpiredError is returned when a caller tries to release or extend a
// lease it no longer holds. It is always recoverable: the resource has been
// (or can be) re-acquired by another instance, and the caller must not apply
// side effects that assumed exclusivity.
type LeaseExpiredError struct {
	OwnerID string
	IDs     []string
}

func (e *LeaseExpiredError) Error() string {
	return fmt.Sprintf("lease held by %q expired or was taken over for: %s",
		e.OwnerID, strings.Join(e.IDs, ", "))
}

// SerializationError wraps an encode or decode failure at the DataStore
// boundary. It is fatal for the specific schedule or job involved but must
// never halt the scheduler.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization failed: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// isRetryable reports whether a datastore error is worth retrying with
// backoff. Identifier conflicts, lost leases, codec failures and lookup
// misses are stable outcomes; everything else is assumed transient
// (backend unavailable, network fault).
func isRetryable(err error) bool {
	var conflict *ConflictError
	var lease *LeaseExpiredError
	var ser *SerializationError
	if errors.As(err, &conflict) || errors.As(err, &lease) || errors.As(err, &ser) {
		return false
	}
	switch {
	case errors.Is(err, ErrTaskNotFound),
		errors.Is(err, ErrScheduleNotFound),
		errors.Is(err, ErrJobNotFound),
		errors.Is(err, ErrResultNotFound),
		errors.Is(err, ErrMaxIterations):
		return false
	}
	return true
}
