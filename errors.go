package pollster

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownStatus is returned when a status outside pending, completed and
	// error is recorded.
	ErrUnknownStatus = errors.New("pollster: unknown job status")

	// ErrNonTerminalStatus is returned when a pending status is recorded as a
	// job outcome.
	ErrNonTerminalStatus = errors.New("pollster: job status is not terminal")
)

// ValidationError reports configuration that violates an invariant. It is
// raised before any job is created and never retried.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// TransportError reports a backend call that failed at the network or
// protocol level, including non-success HTTP responses.
type TransportError struct {
	Op         string // "create" or "status"
	StatusCode int    // zero when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s request failed with status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s request failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// JobError carries the message of a job the backend reported as failed.
type JobError struct {
	JobID   JobHandle
	Message string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Message)
}

// TimeoutError reports that the wait deadline passed while the job was still
// pending.
type TimeoutError struct {
	JobID   JobHandle
	Timeout time.Duration
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s processing timed out after %s (timeout %s)", e.JobID, e.Elapsed, e.Timeout)
}

// AbortedError reports that status requests failed more times than allowed.
// The job's outcome on the backend is unknown.
type AbortedError struct {
	JobID   JobHandle
	Retries int
	Err     error // last transport failure
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("job %s aborted after %d failed status requests: %v", e.JobID, e.Retries, e.Err)
}

func (e *AbortedError) Unwrap() error { return e.Err }

// CancellationError reports that the caller's context ended the operation.
type CancellationError struct {
	JobID JobHandle
	Err   error
}

func (e *CancellationError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("cancelled: %v", e.Err)
	}
	return fmt.Sprintf("wait for job %s cancelled: %v", e.JobID, e.Err)
}

func (e *CancellationError) Unwrap() error { return e.Err }
