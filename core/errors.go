package core

import (
	"errors"
	"fmt"
)

var (
	// ErrRunNotFound is returned when a run id is unknown to the tracker.
	ErrRunNotFound = errors.New("run not found")
	// ErrAlreadyHandled is returned by transports when the producer reports
	// the run as already done or already being processed elsewhere.
	ErrAlreadyHandled = errors.New("run already handled")
	// ErrNoSink is returned when no sink is registered for a selected kind.
	ErrNoSink = errors.New("no sink registered")
	// ErrEmptyResponse marks a completed stream that produced no usable text.
	ErrEmptyResponse = errors.New("empty response")
	// ErrTooManyRuns is returned when the concurrent run limit is reached.
	ErrTooManyRuns = errors.New("too many runs in flight")
)

// ConflictError is returned when a run is started for a conversation that
// already has a non-terminal run.
type ConflictError struct {
	ConversationID string
	ActiveRunID    string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("conversation %s already has an active run %s", e.ConversationID, e.ActiveRunID)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// AlreadyHandledError wraps ErrAlreadyHandled with the producer's status.
func AlreadyHandledError(status string) error {
	return fmt.Errorf("%w: %s", ErrAlreadyHandled, status)
}
