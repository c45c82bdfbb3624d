package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/httprate"
)

// createLimiter returns the per-IP session creation limiter, or nil when
// disabled.
func createLimiter() func(http.Handler) http.Handler {
	if createRateLimit <= 0 {
		return nil
	}
	window := createRateWindow
	return httprate.Limit(
		createRateLimit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			IncrementBackpressure("rate_limit")
			w.Header().Set("Retry-After", strconv.Itoa(max(1, int(window.Seconds()))))
			writeJSONError(w, http.StatusTooManyRequests, "session creation rate limit exceeded")
		}),
	)
}
