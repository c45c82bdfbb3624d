package manager

import "errors"

// tooBusyError signals that the session table is full (429 mapping).
type tooBusyError struct{ limit int }

func (e tooBusyError) Error() string { return "too busy: session limit reached" }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	var tb tooBusyError
	return errors.As(err, &tb)
}

type sessionNotFoundError struct{ id string }

func (e sessionNotFoundError) Error() string { return "session not found: " + e.id }

// ErrSessionNotFound returns an error for an unknown session id.
func ErrSessionNotFound(id string) error { return sessionNotFoundError{id: id} }

// IsSessionNotFound reports whether the error indicates a missing session id.
func IsSessionNotFound(err error) bool {
	var nf sessionNotFoundError
	return errors.As(err, &nf)
}

// invalidRequestError rejects malformed create requests (400 mapping).
type invalidRequestError struct{ msg string }

func (e invalidRequestError) Error() string { return e.msg }

// IsInvalidRequest reports whether err is a request validation failure.
func IsInvalidRequest(err error) bool {
	var ir invalidRequestError
	return errors.As(err, &ir)
}

// dependencyUnavailableError signals that the manager cannot serve right
// now (draining, missing archive) so the HTTP layer returns 503.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates an unavailable dependency.
func IsDependencyUnavailable(err error) bool {
	var du dependencyUnavailableError
	return errors.As(err, &du)
}
