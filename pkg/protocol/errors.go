package protocol

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrAborted       = errors.New("operation aborted")
	ErrTimedOut      = errors.New("operation timed out")
	ErrInvalidData   = errors.New("invalid data")
	ErrWrongPassword = errors.New("wrong password")
)

// InvalidCallError is returned when an operation is issued in the wrong
// state.
type InvalidCallError struct {
	Op       string
	State    State
	Required []State
}

func (e *InvalidCallError) Error() string {
	return fmt.Sprintf("%s: invalid in state %v, requires %v", e.Op, e.State, e.Required)
}
