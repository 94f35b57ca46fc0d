package radar

import "errors"

var (
	// ErrBusy is returned by Submit while another command awaits its acknowledgment.
	ErrBusy = errors.New("radar: command in flight")
	// ErrSessionNotOpen is returned when a configuration write is submitted outside OpenConfig/CloseConfig.
	ErrSessionNotOpen = errors.New("radar: configuration session not open")
	// ErrTimeout completes a command that was never acknowledged after all retries.
	ErrTimeout = errors.New("radar: command timed out")
	// ErrAborted completes work cancelled by shutdown or restart.
	ErrAborted = errors.New("radar: aborted")
	// ErrRejected completes a command the module acknowledged with a failure status.
	ErrRejected = errors.New("radar: command rejected")
	// ErrNotReady is returned when a command depends on configuration not read yet.
	ErrNotReady = errors.New("radar: configuration not read yet")
	// ErrUnknownEntity is returned for entity IDs outside the catalog or beyond the enabled gates.
	ErrUnknownEntity = errors.New("radar: unknown entity")
	// ErrReadOnly is returned when a command targets a sensor entity.
	ErrReadOnly = errors.New("radar: entity is read-only")
)
