package machine

import (
	"errors"
	"fmt"
)

// ErrAttemptInFlight is returned by Attempt while an earlier attempt has not
// resolved.
var ErrAttemptInFlight = errors.New("authentication attempt already in flight")

// ErrRunning is returned by Run if another Run is active.
var ErrRunning = errors.New("machine already running")

// Kind classifies a CallbackError.
type Kind string

const (
	KindAuthorization   Kind = "authorization_error"
	KindUnrecoverable   Kind = "unrecoverable_error"
	KindAuthInfoMissing Kind = "auth_info_missing"
	KindTokenExpired    Kind = "token_expired"
	KindNoCallback      Kind = "no_callback"
	KindNotInitialized  Kind = "not_initialized"
)

// CallbackError reports why the redirect round trip could not be completed.
type CallbackError struct {
	Kind Kind
	// Event is the widget event that produced the error, if any.
	Event string
	Cause error
}

func (e *CallbackError) Error() string {
	msg := "auth callback: " + string(e.Kind)
	if e.Event != "" {
		msg += fmt.Sprintf(" (on %q)", e.Event)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CallbackError) Unwrap() error {
	return e.Cause
}

// IsKind reports whether err is a CallbackError of kind k.
func IsKind(err error, k Kind) bool {
	var ce *CallbackError
	return errors.As(err, &ce) && ce.Kind == k
}
