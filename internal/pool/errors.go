package pool

import "errors"

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("pool closed")

var errEmptyKey = errors.New("pool: empty key")

// setupFailedError wraps a negotiation failure or timeout for one key.
type setupFailedError struct {
	key string
	err error
}

func (e setupFailedError) Error() string { return "stream unavailable: " + e.key + ": " + e.err.Error() }

func (e setupFailedError) Unwrap() error { return e.err }

// IsSetupFailed reports whether err is a handle negotiation failure (including timeout).
func IsSetupFailed(err error) bool {
	var sf setupFailedError
	return errors.As(err, &sf)
}
