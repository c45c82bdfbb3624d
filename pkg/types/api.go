package types

// CreateSessionRequest is the payload of POST /sessions.
type CreateSessionRequest struct {
	// Session kind: live_grid, live_full or playback.
	// example: live_grid
	Kind SessionKind `json:"kind" example:"live_grid"`
	// Camera identifier as known to the segment index.
	// example: camA
	CameraID string `json:"camera_id" example:"camA"`
	// Optional stream quality; defaults to "sub" for grid tiles, "main" otherwise.
	// example: sub
	Quality string `json:"quality,omitempty" example:"sub"`
	// Optional initial position for playback sessions (unix milliseconds).
	// example: 1700000000000
	StartEpochMs *int64 `json:"start_epoch_ms,omitempty" example:"1700000000000"`
}

// PlayRequest is the optional payload of POST /sessions/{id}/play.
type PlayRequest struct {
	// When set, play delegates to seek at this position.
	// example: 1700000000000
	EpochMs *int64 `json:"epoch_ms,omitempty" example:"1700000000000"`
}

// SeekRequest is the payload of POST /sessions/{id}/seek.
type SeekRequest struct {
	// Target position (unix milliseconds).
	// example: 1700000000000
	EpochMs int64 `json:"epoch_ms" example:"1700000000000"`
}

// SessionStatus is the public view of one session.
type SessionStatus struct {
	// example: 2f1c0d9e-7d4f-4b8e-9d4a-3e1f2b6c8a10
	ID string `json:"id" example:"2f1c0d9e-7d4f-4b8e-9d4a-3e1f2b6c8a10"`
	// example: live_grid
	Kind SessionKind `json:"kind" example:"live_grid"`
	// example: camA
	CameraID string `json:"camera_id" example:"camA"`
	// example: sub
	Quality string `json:"quality,omitempty" example:"sub"`
	// Lifecycle state (init, loading, ready, playing, seeking, stopped).
	// example: playing
	State string `json:"state" example:"playing"`
	// Whether the session currently holds an admission slot.
	// example: true
	Admitted bool `json:"admitted" example:"true"`
	// Monotonic attempt counter, bumped by every seek and stop.
	// example: 3
	Generation uint64 `json:"generation" example:"3"`
	// Last requested position (unix milliseconds).
	// example: 1700000000000
	TargetEpochMs int64 `json:"target_epoch_ms" example:"1700000000000"`
	// Anchor of the current generation; 0 until the first append.
	// example: 1699999998000
	BaseEpochMs int64 `json:"base_epoch_ms" example:"1699999998000"`
	// Current absolute playback position (unix milliseconds).
	// example: 1700000003000
	CurrentEpochMs int64 `json:"current_epoch_ms" example:"1700000003000"`
	// Last fatal error, if the session was stopped by one.
	Error string `json:"error,omitempty"`
	// Creation time (unix seconds).
	// example: 1700000000
	CreatedUnix int64 `json:"created_unix" example:"1700000000"`
}

// SessionsResponse wraps GET /sessions.
type SessionsResponse struct {
	Sessions []SessionStatus `json:"sessions"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// AdmissionStatus summarizes admission usage for one session kind.
type AdmissionStatus struct {
	// example: live_grid
	Kind SessionKind `json:"kind" example:"live_grid"`
	// Currently registered sessions of this kind.
	// example: 3
	Active int `json:"active" example:"3"`
	// Configured ceiling for this kind.
	// example: 16
	Ceiling int `json:"ceiling" example:"16"`
}

// PoolSlotStatus summarizes one cached transport handle.
type PoolSlotStatus struct {
	// example: camA/sub
	Key string `json:"key" example:"camA/sub"`
	// Number of sessions holding the handle.
	// example: 2
	Refs int `json:"refs" example:"2"`
	// True while the handle waits out its idle grace period.
	// example: false
	Idle bool `json:"idle" example:"false"`
	// Last time the refcount reached zero (unix seconds, 0 if never).
	// example: 1700000000
	LastReleasedUnix int64 `json:"last_released_unix,omitempty" example:"1700000000"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Per-kind admission usage.
	Admission []AdmissionStatus `json:"admission"`
	// Cached transport handles.
	Pool []PoolSlotStatus `json:"pool"`
	// Number of acquisition operations currently holding a concurrency slot.
	// example: 1
	InflightSetups int `json:"inflight_setups" example:"1"`
	// Number of sessions known to the server.
	// example: 4
	Sessions int `json:"sessions" example:"4"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}

// EventMessage is one lifecycle notification streamed on GET /events.
type EventMessage struct {
	// example: registered
	Name string `json:"name" example:"registered"`
	// example: 2f1c0d9e-7d4f-4b8e-9d4a-3e1f2b6c8a10
	SessionID string `json:"session_id,omitempty" example:"2f1c0d9e-7d4f-4b8e-9d4a-3e1f2b6c8a10"`
	// Optional key/value details.
	Fields map[string]any `json:"fields,omitempty"`
	// example: 1700000000000
	TimeUnixMs int64 `json:"time_unix_ms" example:"1700000000000"`
}

// SegmentWindowResponse is the body served by a remote segment index for
// GET /cameras/{id}/segments?from=&to=.
type SegmentWindowResponse struct {
	Segments []Segment `json:"segments"`
}
