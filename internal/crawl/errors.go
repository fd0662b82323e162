package crawl

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrTerminalState is returned when a transition is requested on a job whose
// status is terminal.
var ErrTerminalState = errors.New("job is in a terminal state")

// TransientError wraps a fetch/network failure worth retrying with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }

// Unwrap exposes the underlying cause.
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is a retryable fetch/network failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// StructuralError wraps an extractor failure that retrying cannot fix
// (the source page no longer matches the expected shape).
type StructuralError struct {
	Err error
}

func (e *StructuralError) Error() string { return fmt.Sprintf("structural: %v", e.Err) }

// Unwrap exposes the underlying cause.
func (e *StructuralError) Unwrap() error { return e.Err }

// Structural wraps err as unretryable.
func Structural(err error) error {
	if err == nil {
		return nil
	}
	return &StructuralError{Err: err}
}

// IsStructural reports whether err is an unretryable parse failure.
func IsStructural(err error) bool {
	var se *StructuralError
	return errors.As(err, &se)
}

// ControlKind distinguishes the two cooperative control requests.
type ControlKind string

// Control kinds.
const (
	ControlPause  ControlKind = "pause"
	ControlCancel ControlKind = "cancel"
)

// ControlUnwind is not a failure: it unwinds a handler loop when a pause or
// cancel request is observed, carrying the last successfully completed index
// so the checkpoint can be written at the boundary.
type ControlUnwind struct {
	Kind      ControlKind
	LastIndex int
}

func (e *ControlUnwind) Error() string {
	return fmt.Sprintf("%s requested at index %d", e.Kind, e.LastIndex)
}

// AsControl extracts a ControlUnwind from err, if present.
func AsControl(err error) (*ControlUnwind, bool) {
	var cu *ControlUnwind
	if errors.As(err, &cu) {
		return cu, true
	}
	return nil, false
}
