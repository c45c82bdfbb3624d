package httpapi

import "time"

// maxBodyBytes controls the maximum allowed request body size for JSON endpoints.
var maxBodyBytes int64 = 1 << 20

// SetMaxBodyBytes allows configuring the maximum request body size.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = 1 << 20
		return
	}
	maxBodyBytes = n
}

// requestTimeout bounds play/seek requests, which may wait for admission
// retries or handle negotiation. Zero means no additional timeout.
var requestTimeout time.Duration

// SetRequestTimeout sets the play/seek timeout (0 disables).
func SetRequestTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	requestTimeout = d
}

// retryAfterSeconds is advertised on 429 responses.
var retryAfterSeconds = 1

// SetRetryAfterSeconds sets the Retry-After hint for backpressure responses.
func SetRetryAfterSeconds(sec int) {
	if sec <= 0 {
		sec = 1
	}
	retryAfterSeconds = sec
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}

func corsDefaults() (origins, methods, headers []string) {
	origins = corsAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	methods = corsAllowedMethods
	if len(methods) == 0 {
		methods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	}
	headers = corsAllowedHeaders
	if len(headers) == 0 {
		headers = []string{"Accept", "Content-Type", "X-Request-Id", "X-Log-Level"}
	}
	return origins, methods, headers
}

// Per-IP limit on session creation (opt-in). Zero disables it.
var (
	createRateLimit  int
	createRateWindow = time.Minute
)

// SetCreateRateLimit allows n session creations per window per client IP.
func SetCreateRateLimit(n int, window time.Duration) {
	if n < 0 {
		n = 0
	}
	if window <= 0 {
		window = time.Minute
	}
	createRateLimit = n
	createRateWindow = window
}
