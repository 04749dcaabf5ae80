package agent

import "errors"

var (
	// ErrRegistrationFailed is returned when the master never acknowledges
	// the agent within the configured retry budget
	ErrRegistrationFailed = errors.New("registration failed")

	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("agent already started")

	// ErrHandlerNotFound is returned when a task type has no registered
	// handler
	ErrHandlerNotFound = errors.New("no handler for task type")

	// ErrBusy is returned when an assignment arrives while a task is
	// already in flight
	ErrBusy = errors.New("agent is busy")
)
