package segments

import (
	"context"
	"errors"
	"sort"
	"sync"

	"viewd/pkg/types"
)

// ErrPayloadNotFound is returned when a payload is unknown to the source.
var ErrPayloadNotFound = errors.New("segment payload not found")

// MemoryIndex is an in-process Index and PayloadSource.
type MemoryIndex struct {
	mu       sync.RWMutex
	segs     map[string][]types.Segment
	payloads map[string][]byte
}

// NewMemoryIndex returns an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{segs: make(map[string][]types.Segment), payloads: make(map[string][]byte)}
}

// Add records seg for cameraID with its payload. Adding the same SourceKey
// twice keeps both descriptors, the way a live index may report duplicates.
func (m *MemoryIndex) Add(cameraID string, seg types.Segment, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.segs[cameraID], seg)
	sort.SliceStable(list, func(i, j int) bool { return list[i].StartEpochMs < list[j].StartEpochMs })
	m.segs[cameraID] = list
	m.payloads[seg.SourceKey] = append([]byte(nil), payload...)
}

// Window implements Index.
func (m *MemoryIndex) Window(ctx context.Context, cameraID string, fromMs, toMs int64) ([]types.Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Segment
	for _, s := range m.segs[cameraID] {
		if s.Overlaps(fromMs, toMs) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Fetch implements PayloadSource.
func (m *MemoryIndex) Fetch(ctx context.Context, seg types.Segment) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.payloads[seg.SourceKey]
	if !ok {
		return nil, ErrPayloadNotFound
	}
	return append([]byte(nil), b...), nil
}
