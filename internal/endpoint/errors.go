package endpoint

import (
	"fmt"
	"time"
)

// CredentialError means no usable access token or identity could be
// obtained. Fatal to that initialize attempt, retryable.
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string { return fmt.Sprintf("credential: %v", e.Err) }
func (e *CredentialError) Unwrap() error { return e.Err }

// RegistrationConflictError is an unregistration shortly after a
// successful registration: another client holds the identity or the token
// is stale. It is never retried automatically.
type RegistrationConflictError struct {
	Identity string
	Elapsed  time.Duration
}

func (e *RegistrationConflictError) Error() string {
	return fmt.Sprintf("identity %q unregistered %v after registering", e.Identity, e.Elapsed)
}

// DisconnectError is an unregistration after a stable period; the operator
// may simply retry.
type DisconnectError struct {
	Elapsed time.Duration
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("unregistered after %v", e.Elapsed)
}

// RegistrationError wraps a failure to construct or register the device.
type RegistrationError struct {
	Err error
}

func (e *RegistrationError) Error() string { return fmt.Sprintf("registration: %v", e.Err) }
func (e *RegistrationError) Unwrap() error { return e.Err }

// DestroyedError is set when the device was destroyed outside the manager.
type DestroyedError struct{}

func (e *DestroyedError) Error() string { return "device destroyed unexpectedly" }
