package timeline

import "viewd/pkg/types"

type span struct{ start, end float64 }

type queued struct {
	seg     types.Segment
	payload []byte
}

// playbackBuffer is the state of one generation. It is only touched with
// the assembler mutex held.
type playbackBuffer struct {
	gen         uint64
	sink        Sink
	pending     []queued
	spans       []span
	appendedEnd float64
	loaded      map[string]struct{}
	anchored    bool
	base        int64
}

func newBuffer(gen uint64, sink Sink) *playbackBuffer {
	return &playbackBuffer{gen: gen, sink: sink, loaded: make(map[string]struct{})}
}

func (b *playbackBuffer) push(q queued) { b.pending = append(b.pending, q) }

// requeue puts a rejected payload back at the head of the queue.
func (b *playbackBuffer) requeue(q queued) {
	b.pending = append([]queued{q}, b.pending...)
}

func (b *playbackBuffer) pop() (queued, bool) {
	if len(b.pending) == 0 {
		return queued{}, false
	}
	q := b.pending[0]
	b.pending = b.pending[1:]
	return q, true
}

func (b *playbackBuffer) pendingBytes() int {
	n := 0
	for _, q := range b.pending {
		n += len(q.payload)
	}
	return n
}

func (b *playbackBuffer) record(start, end float64) {
	b.spans = append(b.spans, span{start: start, end: end})
	if end > b.appendedEnd {
		b.appendedEnd = end
	}
}

// hasBefore reports whether any appended content lies before cut.
func (b *playbackBuffer) hasBefore(cut float64) bool {
	for _, s := range b.spans {
		if s.start < cut {
			return true
		}
	}
	return false
}

// trim forgets content before cut.
func (b *playbackBuffer) trim(cut float64) {
	kept := b.spans[:0]
	for _, s := range b.spans {
		if s.end <= cut {
			continue
		}
		if s.start < cut {
			s.start = cut
		}
		kept = append(kept, s)
	}
	b.spans = kept
}
