package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinels matched with errors.Is by the typed errors below.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	// ErrNotFilled is returned by a live executor whose order expired
	// without trading. It is not a failure of the crew.
	ErrNotFilled = errors.New("order not filled")
)

// Disposition says who deals with a failure.
type Disposition int

const (
	// CallerVisible failures are returned to the caller and never retried.
	CallerVisible Disposition = iota
	// Retryable failures are retried with backoff, then surfaced.
	Retryable
	// FatalToCrew failures move the crew to FAILED.
	FatalToCrew
)

func (d Disposition) String() string {
	switch d {
	case Retryable:
		return "retryable"
	case FatalToCrew:
		return "fatal_to_crew"
	default:
		return "caller_visible"
	}
}

// Classify maps err to exactly one Disposition.
func Classify(err error) Disposition {
	var (
		persistErr *PersistenceError
		execErr    *ExecutionError
		gapErr     *DataGapError
		srcErr     *SourceError
	)
	switch {
	case err == nil:
		return CallerVisible
	case errors.As(err, &persistErr):
		return FatalToCrew
	case errors.As(err, &execErr):
		if execErr.Retryable() {
			return Retryable
		}
		return FatalToCrew
	case errors.As(err, &gapErr):
		return Retryable
	case errors.As(err, &srcErr):
		if srcErr.Retryable() {
			return Retryable
		}
		return CallerVisible
	case errors.Is(err, context.DeadlineExceeded):
		return Retryable
	default:
		return CallerVisible
	}
}

type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// InvalidIntervalError is raised before any data access.
type InvalidIntervalError struct {
	Interval string
}

func (e *InvalidIntervalError) Error() string {
	return fmt.Sprintf("invalid interval %q", e.Interval)
}

func (e *InvalidIntervalError) Is(target error) bool { return target == ErrValidation }

// DataGapError carries the manifest of missing ranges.
type DataGapError struct {
	Symbol   string
	Interval Interval
	Gaps     []TimeRange
	// Err is the source failure that left the gaps open, if any.
	Err error
}

func (e *DataGapError) Error() string {
	parts := make([]string, 0, len(e.Gaps))
	for _, g := range e.Gaps {
		parts = append(parts, g.Start.UTC().Format(time.RFC3339)+"/"+g.End.UTC().Format(time.RFC3339))
	}
	msg := fmt.Sprintf("missing candles for %s %s: %s", e.Symbol, e.Interval, strings.Join(parts, ", "))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DataGapError) Unwrap() error { return e.Err }

type SourceErrorKind string

const (
	SourceTransient SourceErrorKind = "transient"
	SourceNotFound  SourceErrorKind = "not_found"
	SourceRejected  SourceErrorKind = "rejected"
)

// SourceError is returned by market data sources.
type SourceError struct {
	Kind   SourceErrorKind
	Symbol string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("market data source %s for %s: %v", e.Kind, e.Symbol, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

func (e *SourceError) Retryable() bool { return e.Kind == SourceTransient }

type InvalidTransitionError struct {
	CrewID string
	From   CrewStatus
	Op     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("crew %s: cannot %s from %s", e.CrewID, e.Op, e.From)
}

type DuplicateRunError struct {
	CrewID string
}

func (e *DuplicateRunError) Error() string {
	return fmt.Sprintf("crew %s already has an active run", e.CrewID)
}

type CrewActiveError struct {
	CrewID string
	Status CrewStatus
}

func (e *CrewActiveError) Error() string {
	return fmt.Sprintf("crew %s is %s; stop it first", e.CrewID, e.Status)
}

type ExecutionKind string

const (
	ExecInsufficientBalance ExecutionKind = "insufficient_balance"
	ExecRejectedByVenue     ExecutionKind = "rejected_by_venue"
	ExecTimeout             ExecutionKind = "timeout"
	ExecOverfill            ExecutionKind = "overfill"
)

type ExecutionError struct {
	Kind     ExecutionKind
	IntentID string
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("execution of intent %s failed: %s", e.IntentID, e.Kind)
	}
	return fmt.Sprintf("execution of intent %s failed: %s: %v", e.IntentID, e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func (e *ExecutionError) Retryable() bool { return e.Kind == ExecTimeout }

// PersistenceError is fatal for the in-flight step.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

type PermissionError struct {
	Principal string
	Resource  string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("principal %s may not access %s", e.Principal, e.Resource)
}
