package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"viewd/internal/manager"
	"viewd/internal/pool"
	"viewd/internal/session"
	"viewd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps well-known service errors to HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case manager.IsSessionNotFound(err):
		return http.StatusNotFound, ""
	case manager.IsInvalidRequest(err):
		return http.StatusBadRequest, ""
	case session.IsAdmissionDenied(err):
		return http.StatusTooManyRequests, "admission"
	case manager.IsTooBusy(err):
		return http.StatusTooManyRequests, "session_limit"
	case pool.IsSetupFailed(err), manager.IsDependencyUnavailable(err):
		return http.StatusServiceUnavailable, ""
	case errors.Is(err, session.ErrDestroyed):
		return http.StatusGone, ""
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ""
	}
	var he HTTPError
	if errors.As(err, &he) {
		return he.StatusCode(), ""
	}
	return http.StatusInternalServerError, ""
}

// writeServiceError writes err with its mapped status. Backpressure
// responses carry a Retry-After hint.
func writeServiceError(w http.ResponseWriter, err error) int {
	status, reason := statusFor(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure(reason)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	writeJSONError(w, status, err.Error())
	return status
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger().Warn().Err(err).Msg("event=encode_failed")
	}
}
