// ABOUTME: Error taxonomy for the Nexus agent client.
// ABOUTME: Auth failures carry the HTTP status; validation errors carry the event kind.

package oblivion

import (
	"errors"
	"fmt"
)

// Client errors
var (
	// ErrNotConnected indicates an action was attempted while no transport
	// connection is established.
	ErrNotConnected = errors.New("not connected to nexus")

	// ErrAlreadyStarted indicates Connect was called on a session that is
	// already running.
	ErrAlreadyStarted = errors.New("client already started")

	// errSessionStopped aborts an in-flight connection attempt after
	// Disconnect has been called.
	errSessionStopped = errors.New("session stopped")
)

// AuthError reports a failed credential exchange with the Nexus auth
// endpoint. It is fatal on the initial Connect and retried silently during
// reconnection.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: nexus returned status %d", e.StatusCode)
}

// ValidationError reports an inbound frame whose payload did not match the
// schema for its kind. The frame is dropped; the connection continues.
type ValidationError struct {
	Kind Kind
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %v", e.Kind, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }
