package orchestrator

import (
	"errors"
	"fmt"

	"github.com/kiranshivaraju/exorun/internal/store"
)

var (
	ErrValidation     = errors.New("validation failed")
	ErrCapacity       = errors.New("capacity exceeded")
	ErrInfrastructure = errors.New("infrastructure unavailable")
	ErrNotCancellable = errors.New("job is not cancellable")
	ErrNotFound       = store.ErrNotFound
)

// ValidationError reports a submission that was refused before any record was created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// CapacityError reports that admission control refused a submission.
type CapacityError struct {
	Active int
	Limit  int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exceeded: %d active jobs, limit %d", e.Active, e.Limit)
}

func (e *CapacityError) Is(target error) bool { return target == ErrCapacity }

// EngineFailure is the classified reason a job ended FAILED. Kind is one of
// the models.ErrorKind* values.
type EngineFailure struct {
	Kind   string
	Detail string
}

func (e *EngineFailure) Error() string {
	if e.Detail == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Detail
}

// InfrastructureError wraps a repository or filesystem failure.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

func (e *InfrastructureError) Is(target error) bool { return target == ErrInfrastructure }
