package timeline

import (
	"context"
	"errors"

	"viewd/internal/pool"
	"viewd/pkg/types"
)

// State is the lifecycle state of an Assembler.
type State string

const (
	StateInit    State = "init"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StatePlaying State = "playing"
	StateSeeking State = "seeking"
	StateStopped State = "stopped"
)

var (
	// ErrCapacityExceeded is returned by Sink.Append when the sink is full.
	ErrCapacityExceeded = errors.New("sink capacity exceeded")
	// ErrOverflowUnrecoverable reports that pruning could not make room for
	// a rejected append within the configured retries.
	ErrOverflowUnrecoverable = errors.New("sink overflow not recoverable")
	// ErrClosed is returned by operations on a closed Assembler.
	ErrClosed = errors.New("assembler closed")

	errStale = errors.New("stale generation")
)

// Sink is the append target of a playback buffer. Offsets and durations are
// seconds relative to the base epoch of the current generation.
type Sink interface {
	Append(data []byte, offsetSeconds, durationSeconds float64) error
	Remove(startSeconds, endSeconds float64) error
	PositionSeconds() float64
}

// Player is implemented by sinks whose position advances while playing.
type Player interface {
	Play()
	Pause()
}

// Seeker is implemented by sinks that can start playback at an offset
// inside the first appended segment.
type Seeker interface {
	SetPositionSeconds(p float64)
}

// Sizer is implemented by sinks that report how many bytes they hold.
type Sizer interface {
	Buffered() int
}

// SegmentSource lists and retrieves segments (see segments.Fetcher).
type SegmentSource interface {
	ListWindow(ctx context.Context, cameraID string, fromMs, toMs int64) ([]types.Segment, error)
	FetchPayload(ctx context.Context, seg types.Segment) ([]byte, error)
}

// HandlePool lends transport handles for live sessions (see pool.Pool).
type HandlePool interface {
	Acquire(ctx context.Context, key string) (pool.Handle, error)
	Release(key string)
}

// Snapshot is a consistent read-only view of an Assembler.
type Snapshot struct {
	State          State
	Generation     uint64
	TargetEpochMs  int64
	BaseEpochMs    int64
	CurrentEpochMs int64
	Anchored       bool
	PendingBytes   int
	Err            error
}
