// Package sink provides playback sinks for the timeline assembler.
package sink

import (
	"errors"
	"sort"
	"sync"
	"time"

	"viewd/internal/timeline"
)

// ErrClosed is returned by a discarded sink.
var ErrClosed = errors.New("sink closed")

type rangeEntry struct {
	start, end float64
	size       int
}

// Memory is an in-process sink with a byte capacity. Its position advances
// with the clock while playing and never runs past the end of the
// contiguous range that contains it.
type Memory struct {
	mu       sync.Mutex
	capacity int
	used     int
	ranges   []rangeEntry
	playing  bool
	pos      float64
	since    time.Time
	now      func() time.Time
	closed   bool
}

// NewMemory returns a paused sink holding at most capacity bytes
// (unbounded when capacity <= 0).
func NewMemory(capacity int) *Memory {
	return NewMemoryWithClock(capacity, time.Now)
}

// NewMemoryWithClock is NewMemory with an injected clock.
func NewMemoryWithClock(capacity int, now func() time.Time) *Memory {
	return &Memory{capacity: capacity, now: now}
}

// Append stores data covering [offset, offset+duration).
func (m *Memory) Append(data []byte, offsetSeconds, durationSeconds float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.capacity > 0 && m.used+len(data) > m.capacity {
		return timeline.ErrCapacityExceeded
	}
	m.advanceLocked()
	m.used += len(data)
	m.ranges = append(m.ranges, rangeEntry{start: offsetSeconds, end: offsetSeconds + durationSeconds, size: len(data)})
	sort.SliceStable(m.ranges, func(i, j int) bool { return m.ranges[i].start < m.ranges[j].start })
	if len(m.ranges) == 1 && m.pos < offsetSeconds {
		m.pos = offsetSeconds
	}
	return nil
}

// Remove drops every stored range that lies entirely within [start, end).
// Ranges that straddle a boundary are kept whole.
func (m *Memory) Remove(startSeconds, endSeconds float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.advanceLocked()
	kept := m.ranges[:0]
	for _, r := range m.ranges {
		if r.start >= startSeconds && r.end <= endSeconds {
			m.used -= r.size
			continue
		}
		kept = append(kept, r)
	}
	m.ranges = kept
	return nil
}

// PositionSeconds returns the playback position.
func (m *Memory) PositionSeconds() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanceLocked()
	return m.pos
}

// SetPositionSeconds moves the position to p, clamped to buffered data.
func (m *Memory) SetPositionSeconds(p float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanceLocked()
	if p < m.pos {
		m.pos = p
		return
	}
	m.pos = m.clampLocked(p)
}

// Play starts advancing the position.
func (m *Memory) Play() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.playing {
		return
	}
	m.playing = true
	m.since = m.now()
}

// Pause freezes the position.
func (m *Memory) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanceLocked()
	m.playing = false
}

// Buffered returns the number of bytes currently held.
func (m *Memory) Buffered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Close discards the sink.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.ranges = nil
	m.used = 0
	return nil
}

func (m *Memory) advanceLocked() {
	if !m.playing {
		return
	}
	now := m.now()
	elapsed := now.Sub(m.since).Seconds()
	m.since = now
	if elapsed <= 0 {
		return
	}
	m.pos = m.clampLocked(m.pos + elapsed)
}

// clampLocked limits p to the end of buffered data reachable from the
// current position. Holes between ranges are skipped.
func (m *Memory) clampLocked(p float64) float64 {
	cur := m.pos
	for _, r := range m.ranges {
		if r.end <= cur {
			continue
		}
		if r.start > cur {
			p += r.start - cur
			cur = r.start
		}
		if p <= r.end {
			return p
		}
		cur = r.end
	}
	return min(p, cur)
}

var (
	_ timeline.Sink   = (*Memory)(nil)
	_ timeline.Player = (*Memory)(nil)
	_ timeline.Seeker = (*Memory)(nil)
	_ timeline.Sizer  = (*Memory)(nil)
)
