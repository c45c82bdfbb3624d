package types

// SessionKind classifies a viewing session for admission purposes.
// Each kind has its own ceiling; a denial for one kind never blocks another.
type SessionKind string

const (
	// KindLiveGrid is a small live tile in a camera grid.
	KindLiveGrid SessionKind = "live_grid"
	// KindLiveFull is a single full-size live view.
	KindLiveFull SessionKind = "live_full"
	// KindPlayback is an archive playback session.
	KindPlayback SessionKind = "playback"
)

// Kinds lists every known session kind.
var Kinds = []SessionKind{KindLiveGrid, KindLiveFull, KindPlayback}

// Valid reports whether k is a known session kind.
func (k SessionKind) Valid() bool {
	switch k {
	case KindLiveGrid, KindLiveFull, KindPlayback:
		return true
	}
	return false
}

// Live reports whether sessions of this kind follow the live edge and borrow
// a pooled transport handle.
func (k SessionKind) Live() bool { return k == KindLiveGrid || k == KindLiveFull }

// DefaultQuality returns the stream quality a session of this kind uses
// when the caller does not ask for one.
func (k SessionKind) DefaultQuality() string {
	if k == KindLiveGrid {
		return "sub"
	}
	return "main"
}

// Segment describes one independently retrievable unit of media covering
// [StartEpochMs, EndEpochMs). Segments are immutable once returned by an index.
type Segment struct {
	// Stable identity of the media unit; used for de-duplication.
	// example: camA/1700000000000-1700000002000.ts
	SourceKey string `json:"source_key" example:"camA/1700000000000-1700000002000.ts"`
	// Inclusive start (unix milliseconds).
	// example: 1700000000000
	StartEpochMs int64 `json:"start_epoch_ms" example:"1700000000000"`
	// Exclusive end (unix milliseconds).
	// example: 1700000002000
	EndEpochMs int64 `json:"end_epoch_ms" example:"1700000002000"`
	// Opaque reference used to retrieve the payload (URL or path).
	// example: /segments/camA/1700000000000-1700000002000.ts
	RetrievalRef string `json:"retrieval_ref" example:"/segments/camA/1700000000000-1700000002000.ts"`
}

// Valid reports whether the descriptor is usable.
func (s Segment) Valid() bool { return s.SourceKey != "" && s.StartEpochMs < s.EndEpochMs }

// DurationMs returns the covered duration in milliseconds.
func (s Segment) DurationMs() int64 { return s.EndEpochMs - s.StartEpochMs }

// Overlaps reports whether the segment intersects [fromMs, toMs).
func (s Segment) Overlaps(fromMs, toMs int64) bool {
	return s.StartEpochMs < toMs && s.EndEpochMs > fromMs
}
