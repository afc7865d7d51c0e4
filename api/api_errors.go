package api

import (
	"errors"

	"golang.org/x/xerrors"
)

var (
	// ErrNotFound is returned for unknown jobs, tasks, tenants and analysts.
	ErrNotFound = errors.New("not found")
	// ErrInvalidEvent marks a malformed analyst event. State is left untouched.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrInvalidArgument marks a malformed admin request.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotAssigned is returned when an analyst reports on a task it does not hold.
	ErrNotAssigned = errors.New("task not assigned to analyst")
	// ErrConflict is returned when an entity is not in a state the operation accepts.
	ErrConflict = errors.New("conflicting state")

	_ error = (*ErrTransient)(nil)
)

// ErrTransient wraps a store failure the caller may retry later.
type ErrTransient struct {
	Err error
}

func (e *ErrTransient) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *ErrTransient) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable. nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &ErrTransient{Err: err}
}

func IsTransient(err error) bool {
	var te *ErrTransient
	return xerrors.As(err, &te)
}
