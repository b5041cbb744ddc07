package importer

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
)

var (
	// ErrInvalidTransition is returned when a job operation is not allowed from the current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInterrupted is the cancellation cause a runner uses to suspend a job. The job saves
	// its checkpoint and queues itself again.
	ErrInterrupted = errors.New("import interrupted")

	// ErrShutdown is the cancellation cause used when the process is going away. Running
	// jobs are marked stopped.
	ErrShutdown = errors.New("process shutting down")

	// ErrStopRequested is the cancellation cause used when a user stops a running import.
	ErrStopRequested = errors.New("stop requested")
)

// RowError is a row-level failure: the row is skipped and counted, the run continues.
type RowError struct {
	Reason string
	Err    error
}

func (e *RowError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *RowError) Unwrap() error { return e.Err }

func rowErrorf(format string, args ...any) error {
	return &RowError{Reason: fmt.Sprintf(format, args...)}
}

func rowError(err error, format string, args ...any) error {
	return &RowError{Reason: fmt.Sprintf(format, args...), Err: err}
}

// IsRowError reports whether err only affects a single row.
func IsRowError(err error) bool {
	var re *RowError
	return errors.As(err, &re)
}

// cancelCause returns the reason ctx was cancelled, or nil while it is live.
func cancelCause(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}
