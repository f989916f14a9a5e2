package tuningreq

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the request service.
var (
	ErrUnknownRequest       = errors.New("unknown tuning request")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrInvalidState         = errors.New("invalid request state")
	ErrInvalidStatus        = errors.New("invalid status")
	ErrInvalidPriority      = errors.New("invalid priority")
	ErrInvalidVehicle       = errors.New("invalid vehicle")
	ErrDuplicateSubmission  = errors.New("duplicate submission")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// InvalidTransitionError reports a rejected transition and the state the
// record was actually in.
type InvalidTransitionError struct {
	From   Status
	To     Status
	Reason string
}

// Error states the current state so callers can report it.
func (transitionError *InvalidTransitionError) Error() string {
	if transitionError.Reason != "" {
		return fmt.Sprintf("invalid transition %s -> %s: %s", transitionError.From, transitionError.To, transitionError.Reason)
	}
	return fmt.Sprintf("invalid transition %s -> %s", transitionError.From, transitionError.To)
}

// Unwrap ties the struct to the ErrInvalidTransition sentinel.
func (transitionError *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}
