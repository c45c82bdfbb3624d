// Package segments retrieves segment descriptors and payloads from a segment
// index. It is a pure retrieval layer: nothing is cached and nothing is
// de-duplicated here.
package segments

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"viewd/pkg/types"
)

// Index answers window queries for one camera. Results should be ordered
// ascending by StartEpochMs but may overlap or contain duplicates.
type Index interface {
	Window(ctx context.Context, cameraID string, fromMs, toMs int64) ([]types.Segment, error)
}

// PayloadSource retrieves the bytes behind a segment descriptor.
type PayloadSource interface {
	Fetch(ctx context.Context, seg types.Segment) ([]byte, error)
}

// Fetcher combines an Index and a PayloadSource.
type Fetcher struct {
	index  Index
	source PayloadSource
	log    zerolog.Logger
}

// NewFetcher returns a Fetcher over the given collaborators.
func NewFetcher(index Index, source PayloadSource, logger zerolog.Logger) *Fetcher {
	return &Fetcher{index: index, source: source, log: logger.With().Str("component", "fetcher").Logger()}
}

// ListWindow returns the valid segments of cameraID intersecting
// [fromMs, toMs), ordered by start time.
func (f *Fetcher) ListWindow(ctx context.Context, cameraID string, fromMs, toMs int64) ([]types.Segment, error) {
	if toMs <= fromMs {
		return nil, nil
	}
	segs, err := f.index.Window(ctx, cameraID, fromMs, toMs)
	if err != nil {
		return nil, fmt.Errorf("list window %s [%d,%d): %w", cameraID, fromMs, toMs, err)
	}
	out := make([]types.Segment, 0, len(segs))
	for _, s := range segs {
		if !s.Valid() {
			f.log.Debug().Str("camera_id", cameraID).Str("source_key", s.SourceKey).
				Int64("start", s.StartEpochMs).Int64("end", s.EndEpochMs).Msg("event=segment_invalid")
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartEpochMs < out[j].StartEpochMs })
	return out, nil
}

// FetchPayload retrieves the payload of seg. ctx is the cancel token: once
// it is done the call returns ctx.Err() and never a partial payload.
func (f *Fetcher) FetchPayload(ctx context.Context, seg types.Segment) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := f.source.Fetch(ctx, seg)
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", seg.SourceKey, err)
	}
	return b, nil
}
