package esl

import (
	"errors"
	"fmt"
)

// Sentinel errors covering the connection/auth/protocol failure modes.
var (
	// ErrConnectionLost is returned to every pending Job and waiter when
	// the socket drops or a disconnect-notice arrives.
	ErrConnectionLost = errors.New("esl: connection lost")

	// ErrNotConnected reports an operation attempted before Connect. No
	// function in this package returns it.
	ErrNotConnected = errors.New("esl: not connected")

	// ErrTimeout is returned when a bounded wait (api/bgapi deadline)
	// expires before a reply arrives.
	ErrTimeout = errors.New("esl: timeout")

	// ErrJobCancelled is returned to a caller that cancels its own Job
	// wait; the bgapi itself cannot be cancelled on the engine side.
	ErrJobCancelled = errors.New("esl: job cancelled locally")
)

// AuthError reports a rejected auth handshake. It is fatal at startup.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "esl: auth failed: " + e.Reason
}

// APIError reports a synchronous command that the engine answered with
// "-ERR". It surfaces to the caller of Client.API/Client.Command and is
// not fatal to the Connection.
type APIError struct {
	Command string
	Cause   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("esl: api %q failed: %s", e.Command, e.Cause)
}

// JobFailed reports a background job that resolved with "-ERR". It is
// attached to the Job; the originating caller observes it via Job.Wait.
type JobFailed struct {
	JobUUID string
	Cause   string
}

func (e *JobFailed) Error() string {
	return fmt.Sprintf("esl: job %s failed: %s", e.JobUUID, e.Cause)
}

// ConfigurationError reports invalid state found at Originator.Start. It
// is non-fatal to the process; it just prevents the state transition.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "esl: configuration error: " + e.Reason
}
