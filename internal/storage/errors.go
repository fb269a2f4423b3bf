package storage

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates that the requested entity or root was not found.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates a rejected input: dimension mismatch, a dangling
	// parent reference, an entity claiming itself as its own ancestor.
	ErrValidation = errors.New("validation error")

	// ErrInvalidInput is kept as an alias of ErrValidation for call sites that
	// reject malformed arguments rather than malformed entities.
	ErrInvalidInput = ErrValidation

	// ErrConsistency indicates a violated root-id invariant that was not
	// repaired in-line.
	ErrConsistency = errors.New("consistency error")

	// ErrBackend indicates the storage layer failed, timed out or returned
	// malformed data.
	ErrBackend = errors.New("backend error")

	// ErrPartialResult marks a search that ran out of its time budget and
	// returned the best results gathered so far.
	ErrPartialResult = errors.New("partial result")
)

// BackendError wraps a failure from the storage layer with the operation that
// produced it. It matches ErrBackend via errors.Is.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func (e *BackendError) Is(target error) bool { return target == ErrBackend }

// WrapBackend wraps err as a BackendError unless it is nil or already a
// NotFound/Validation/Backend error, which pass through unchanged.
func WrapBackend(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) || errors.Is(err, ErrBackend) {
		return err
	}
	return &BackendError{Op: op, Err: err}
}

// Validationf builds an error wrapping ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf builds an error wrapping ErrNotFound.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// ConsistencyError lists the entities whose stored hierarchy fields disagree
// with their ancestry. It matches ErrConsistency via errors.Is.
type ConsistencyError struct {
	RootID string
	IDs    []string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("root %s: %d inconsistent entities: %s",
		e.RootID, len(e.IDs), strings.Join(e.IDs, ", "))
}

func (e *ConsistencyError) Is(target error) bool { return target == ErrConsistency }
