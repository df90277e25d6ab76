package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record id does not exist in the requested tier.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyRunning is returned when a consolidation procedure's lock is held.
	ErrAlreadyRunning = errors.New("consolidation already running")

	// ErrLockLost is returned when a running procedure finds that its lock
	// lease expired and was taken over.
	ErrLockLost = errors.New("consolidation lock lost")
)

// ValidationError reports malformed input to ingestion or recall.
// It is never retried automatically.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// InvalidQueryError is a ValidationError raised by the recall API.
type InvalidQueryError struct {
	Cause *ValidationError
}

func (e *InvalidQueryError) Error() string {
	return "invalid query: " + e.Cause.Error()
}

func (e *InvalidQueryError) Unwrap() error { return e.Cause }

// StoreUnavailableError reports that the persistent store could not be reached.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// PartialConsolidationError describes one group or pair that failed inside a batch.
// It is collected into run statistics and never aborts the run.
type PartialConsolidationError struct {
	Stage string `json:"stage"`
	Key   string `json:"key"`
	Err   error  `json:"-"`
}

func (e *PartialConsolidationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Key, e.Err)
}

func (e *PartialConsolidationError) Unwrap() error { return e.Err }

// MarshalText lets the error travel inside JSON statistics.
func (e *PartialConsolidationError) MarshalText() ([]byte, error) {
	return []byte(e.Error()), nil
}

// IsValidation reports whether err is a ValidationError or InvalidQueryError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsUnavailable reports whether err is a StoreUnavailableError.
func IsUnavailable(err error) bool {
	var ue *StoreUnavailableError
	return errors.As(err, &ue)
}
