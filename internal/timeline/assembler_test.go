package timeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"viewd/internal/pool"
	"viewd/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const t0 = int64(1_700_000_000_000)

type chunk struct {
	size     int
	offset   float64
	duration float64
}

type fakeSink struct {
	mu       sync.Mutex
	pos      float64
	capacity int
	used     int
	chunks   []chunk
	removes  [][2]float64
	reject   map[float64]int
	closed   bool
}

func newFakeSink() *fakeSink { return &fakeSink{reject: map[float64]int{}} }

func (s *fakeSink) Append(data []byte, offset, duration float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sink closed")
	}
	if n := s.reject[offset]; n > 0 {
		s.reject[offset] = n - 1
		return ErrCapacityExceeded
	}
	if s.capacity > 0 && s.used+len(data) > s.capacity {
		return ErrCapacityExceeded
	}
	s.used += len(data)
	s.chunks = append(s.chunks, chunk{size: len(data), offset: offset, duration: duration})
	return nil
}

func (s *fakeSink) Remove(start, end float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removes = append(s.removes, [2]float64{start, end})
	kept := s.chunks[:0]
	for _, c := range s.chunks {
		if c.offset >= start && c.offset+c.duration <= end {
			s.used -= c.size
			continue
		}
		kept = append(kept, c)
	}
	s.chunks = kept
	return nil
}

func (s *fakeSink) PositionSeconds() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func (s *fakeSink) SetPositionSeconds(p float64) { s.setPos(p) }

func (s *fakeSink) setPos(p float64) {
	s.mu.Lock()
	s.pos = p
	s.mu.Unlock()
}

func (s *fakeSink) offsets() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, 0, len(s.chunks))
	for _, c := range s.chunks {
		out = append(out, c.offset)
	}
	return out
}

func (s *fakeSink) removed() [][2]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]float64(nil), s.removes...)
}

// sinkFactory records every sink handed to the assembler.
type sinkFactory struct {
	mu    sync.Mutex
	sinks []*fakeSink
	init  func(*fakeSink)
}

func (f *sinkFactory) New() Sink {
	s := newFakeSink()
	if f.init != nil {
		f.init(s)
	}
	f.mu.Lock()
	f.sinks = append(f.sinks, s)
	f.mu.Unlock()
	return s
}

func (f *sinkFactory) get(i int) *fakeSink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.sinks) {
		return nil
	}
	return f.sinks[i]
}

func (f *sinkFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sinks)
}

type fakeSource struct {
	mu      sync.Mutex
	segs    []types.Segment
	fail    map[string]bool
	gates   map[string]chan struct{}
	fetched map[string]int
}

func newFakeSource(segs ...types.Segment) *fakeSource {
	return &fakeSource{segs: segs, fail: map[string]bool{}, gates: map[string]chan struct{}{}, fetched: map[string]int{}}
}

func (f *fakeSource) ListWindow(ctx context.Context, cameraID string, fromMs, toMs int64) ([]types.Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Segment
	for _, s := range f.segs {
		if s.Overlaps(fromMs, toMs) {
			out = append(out, s)
		}
	}
	return out, nil
}

// FetchPayload ignores ctx while gated so a completion can land after a
// newer generation has started.
func (f *fakeSource) FetchPayload(ctx context.Context, seg types.Segment) ([]byte, error) {
	f.mu.Lock()
	gate := f.gates[seg.SourceKey]
	failing := f.fail[seg.SourceKey]
	f.fetched[seg.SourceKey]++
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if failing {
		return nil, errors.New("upstream 502")
	}
	return make([]byte, 10), nil
}

func (f *fakeSource) fetchCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetched[key]
}

func mkSeg(key string, startMs, endMs int64) types.Segment {
	return types.Segment{SourceKey: key, StartEpochMs: startMs, EndEpochMs: endMs, RetrievalRef: key}
}

func testConfig() Config {
	return Config{
		LookBehind:         2 * time.Second,
		LookAhead:          30 * time.Second,
		LiveWindow:         2 * time.Second,
		PruneLookBehind:    time.Second,
		MaxOverflowRetries: 3,
		OverflowRetryDelay: 5 * time.Millisecond,
		PollInterval:       5 * time.Millisecond,
		Now:                func() time.Time { return time.UnixMilli(t0 + 60_000) },
		Logger:             zerolog.Nop(),
	}
}

func newAssembler(t *testing.T, src SegmentSource, f *sinkFactory, mut func(*Options)) *Assembler {
	t.Helper()
	opts := Options{SessionID: "s1", CameraID: "camA", Source: src, NewSink: f.New}
	if mut != nil {
		mut(&opts)
	}
	a := New(testConfig(), opts)
	t.Cleanup(a.Close)
	return a
}

func TestSeek_AnchorsBaseAndMapsPosition(t *testing.T) {
	src := newFakeSource(mkSeg("a", t0, t0+2000), mkSeg("b", t0+2000, t0+5000))
	f := &sinkFactory{}
	a := newAssembler(t, src, f, nil)

	_, err := a.Seek(context.Background(), t0)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.get(0).offsets()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []float64{0, 2}, f.get(0).offsets())

	f.get(0).setPos(3.0)
	assert.Equal(t, t0+3000, a.CurrentEpochMs())
	snap := a.Snapshot()
	assert.Equal(t, t0, snap.BaseEpochMs)
	assert.Equal(t, StatePlaying, snap.State)
}

func TestCurrentEpochMs_BeforeAnchorReportsTarget(t *testing.T) {
	gate := make(chan struct{})
	src := newFakeSource(mkSeg("a", t0, t0+2000))
	src.gates["a"] = gate
	f := &sinkFactory{}
	a := newAssembler(t, src, f, nil)

	_, err := a.Seek(context.Background(), t0+500)
	require.NoError(t, err)
	assert.Equal(t, t0+500, a.CurrentEpochMs())
	assert.Equal(t, StateLoading, a.State())
	close(gate)
}

func TestSeek_StaleCompletionIsDiscarded(t *testing.T) {
	gate := make(chan struct{})
	src := newFakeSource(
		mkSeg("old", t0, t0+2000),
		mkSeg("new", t0+50_000, t0+52_000),
	)
	src.gates["old"] = gate
	f := &sinkFactory{}
	a := newAssembler(t, src, f, nil)

	g1, err := a.Seek(context.Background(), t0)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return src.fetchCount("old") == 1 }, time.Second, time.Millisecond)

	g2, err := a.Seek(context.Background(), t0+50_000)
	require.NoError(t, err)
	assert.Greater(t, g2, g1)

	close(gate)
	require.Eventually(t, func() bool { return len(f.get(1).offsets()) == 1 }, time.Second, time.Millisecond)

	assert.Empty(t, f.get(0).offsets(), "superseded generation must not append")
	assert.Equal(t, t0+50_000, a.Snapshot().BaseEpochMs)
}

func TestAppend_OverflowPrunesBehindAndRetries(t *testing.T) {
	src := newFakeSource(
		mkSeg("s0", t0, t0+2000),
		mkSeg("s1", t0+2000, t0+4000),
		mkSeg("s2", t0+4000, t0+6000),
		mkSeg("s3", t0+6000, t0+8000),
	)
	f := &sinkFactory{init: func(s *fakeSink) {
		s.pos = 5.0
		s.reject[6.0] = 1
	}}
	a := newAssembler(t, src, f, nil)

	_, err := a.Seek(context.Background(), t0)
	require.NoError(t, err)

	sink := func() *fakeSink { return f.get(0) }
	require.Eventually(t, func() bool {
		offs := sink().offsets()
		return len(offs) > 0 && offs[len(offs)-1] == 6.0
	}, time.Second, time.Millisecond)

	assert.Equal(t, [][2]float64{{0, 4}}, sink().removed())
	assert.Equal(t, []float64{4, 6}, sink().offsets())
	for _, r := range sink().removed() {
		assert.LessOrEqual(t, r[1], 5.0, "never remove ahead of the position")
	}
	assert.NotEqual(t, StateStopped, a.State())
}

func TestAppend_OverflowWaitsForPlaybackInsteadOfFailing(t *testing.T) {
	src := newFakeSource(
		mkSeg("s0", t0, t0+2000),
		mkSeg("s1", t0+2000, t0+4000),
		mkSeg("s2", t0+4000, t0+6000),
	)
	f := &sinkFactory{init: func(s *fakeSink) { s.capacity = 20 }}
	a := newAssembler(t, src, f, nil)

	_, err := a.Seek(context.Background(), t0)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.get(0).offsets()) == 2 }, time.Second, time.Millisecond)

	// Keep the position moving for longer than the stall budget.
	for i := 1; i <= 20; i++ {
		f.get(0).setPos(float64(i) * 0.05)
		time.Sleep(2 * time.Millisecond)
	}
	assert.NotEqual(t, StateStopped, a.State())
	require.NoError(t, a.Err())

	f.get(0).setPos(3.0)
	require.Eventually(t, func() bool {
		offs := f.get(0).offsets()
		return len(offs) > 0 && offs[len(offs)-1] == 4.0
	}, time.Second, time.Millisecond)
	assert.Equal(t, []float64{2, 4}, f.get(0).offsets())
}

func TestAppend_OverflowWhilePausedIsNotCounted(t *testing.T) {
	src := newFakeSource(mkSeg("s0", t0, t0+2000), mkSeg("s1", t0+2000, t0+4000))
	f := &sinkFactory{init: func(s *fakeSink) { s.capacity = 10 }}
	a := newAssembler(t, src, f, nil)

	a.Pause()
	_, err := a.Seek(context.Background(), t0)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.get(0).offsets()) == 1 }, time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateReady, a.State())
	require.NoError(t, a.Err())

	f.get(0).setPos(2.0)
	require.NoError(t, a.Play(context.Background()))
	require.Eventually(t, func() bool {
		offs := f.get(0).offsets()
		return len(offs) == 1 && offs[0] == 2.0
	}, time.Second, time.Millisecond)
}

func TestPrune_StraddlingRangeIsNotFreed(t *testing.T) {
	f := &sinkFactory{}
	a := newAssembler(t, newFakeSource(), f, nil)
	s := newFakeSink()
	require.NoError(t, s.Append(make([]byte, 10), 0, 4))
	s.setPos(3.0)

	a.mu.Lock()
	buf := newBuffer(a.gen, s)
	buf.record(0, 4)
	a.mu.Unlock()

	freed, pos, err := a.prune(buf, time.Second, "overflow")
	require.NoError(t, err)
	assert.False(t, freed, "a range crossing the cut stays in the sink")
	assert.Equal(t, 3.0, pos)
	assert.Equal(t, 10, s.Buffered())
}

func TestAppend_OverflowExhaustionIsFatal(t *testing.T) {
	src := newFakeSource(mkSeg("s0", t0, t0+2000), mkSeg("s1", t0+2000, t0+4000))
	f := &sinkFactory{init: func(s *fakeSink) { s.capacity = 10 }}
	var fatal atomic.Value
	a := newAssembler(t, src, f, func(o *Options) {
		o.OnError = func(err error) { fatal.Store(err) }
	})

	_, err := a.Seek(context.Background(), t0)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fatal.Load() != nil }, time.Second, time.Millisecond)
	require.ErrorIs(t, fatal.Load().(error), ErrOverflowUnrecoverable)
	require.ErrorIs(t, a.Err(), ErrOverflowUnrecoverable)
	assert.Equal(t, StateStopped, a.State())
}

func TestLoader_DedupesBySourceKey(t *testing.T) {
	src := newFakeSource(mkSeg("a", t0, t0+2000), mkSeg("a", t0, t0+2000), mkSeg("b", t0+2000, t0+4000))
	f := &sinkFactory{}
	a := newAssembler(t, src, f, nil)

	_, err := a.Seek(context.Background(), t0)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.get(0).offsets()) == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []float64{0, 2}, f.get(0).offsets())
}

func TestLoader_SkipsFailedFetch(t *testing.T) {
	src := newFakeSource(mkSeg("a", t0, t0+2000), mkSeg("b", t0+2000, t0+4000), mkSeg("c", t0+4000, t0+6000))
	src.fail["b"] = true
	f := &sinkFactory{}
	a := newAssembler(t, src, f, nil)

	_, err := a.Seek(context.Background(), t0)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.get(0).offsets()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []float64{0, 4}, f.get(0).offsets())
	assert.Equal(t, 1, src.fetchCount("b"))
}

func TestLoader_CrossesIndexGaps(t *testing.T) {
	src := newFakeSource(mkSeg("a", t0, t0+2000), mkSeg("late", t0+45_000, t0+47_000))
	f := &sinkFactory{}
	a := newAssembler(t, src, f, nil)

	_, err := a.Seek(context.Background(), t0)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.get(0).offsets()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []float64{0, 45}, f.get(0).offsets())
}

func TestLoader_SkipsSegmentsEndingBeforeTarget(t *testing.T) {
	src := newFakeSource(mkSeg("a", t0, t0+2000), mkSeg("b", t0+2000, t0+4000))
	f := &sinkFactory{}
	a := newAssembler(t, src, f, nil)

	_, err := a.Seek(context.Background(), t0+2500)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.get(0).offsets()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, t0+2000, a.Snapshot().BaseEpochMs)
	assert.Equal(t, 0, src.fetchCount("a"))
}

func TestPauseAndPlay_ToggleStateWithoutNewGeneration(t *testing.T) {
	src := newFakeSource(mkSeg("a", t0, t0+2000))
	f := &sinkFactory{}
	a := newAssembler(t, src, f, func(o *Options) { o.InitialTargetMs = t0 })

	require.NoError(t, a.Play(context.Background()))
	require.Eventually(t, func() bool { return a.State() == StatePlaying }, time.Second, time.Millisecond)
	gen := a.Generation()

	a.Pause()
	assert.Equal(t, StateReady, a.State())
	require.NoError(t, a.Play(context.Background()))
	assert.Equal(t, StatePlaying, a.State())
	assert.Equal(t, gen, a.Generation())
	assert.Equal(t, 1, f.count())
}

func TestStop_BumpsGenerationAndDiscardsSink(t *testing.T) {
	src := newFakeSource(mkSeg("a", t0, t0+2000))
	f := &sinkFactory{}
	a := newAssembler(t, src, f, nil)

	g1, err := a.Seek(context.Background(), t0)
	require.NoError(t, err)
	a.Stop()

	assert.Greater(t, a.Generation(), g1)
	assert.Equal(t, StateStopped, a.State())
	f.get(0).mu.Lock()
	closed := f.get(0).closed
	f.get(0).mu.Unlock()
	assert.True(t, closed)

	require.NoError(t, a.Play(context.Background()))
	assert.Equal(t, 2, f.count())
}

func TestStop_KeepsPositionAsTarget(t *testing.T) {
	src := newFakeSource(mkSeg("a", t0, t0+2000), mkSeg("b", t0+2000, t0+4000))
	f := &sinkFactory{}
	a := newAssembler(t, src, f, nil)

	_, err := a.Seek(context.Background(), t0)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Snapshot().Anchored }, time.Second, time.Millisecond)
	f.get(0).setPos(1.5)
	a.Stop()

	assert.Equal(t, t0+1500, a.CurrentEpochMs())
	require.NoError(t, a.Play(context.Background()))
	assert.Equal(t, t0+1500, a.Snapshot().TargetEpochMs)
}

func TestSeek_MidSegmentStartsAtTarget(t *testing.T) {
	src := newFakeSource(mkSeg("a", t0, t0+10_000))
	f := &sinkFactory{}
	a := newAssembler(t, src, f, nil)

	_, err := a.Seek(context.Background(), t0+5000)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Snapshot().Anchored }, time.Second, time.Millisecond)

	assert.Equal(t, t0, a.Snapshot().BaseEpochMs)
	assert.GreaterOrEqual(t, a.CurrentEpochMs(), t0+5000)
	assert.Equal(t, 5.0, f.get(0).PositionSeconds())
}

func TestClose_RejectsFurtherSeeks(t *testing.T) {
	a := New(testConfig(), Options{CameraID: "camA", Source: newFakeSource(), NewSink: (&sinkFactory{}).New})
	a.Close()
	_, err := a.Seek(context.Background(), t0)
	require.ErrorIs(t, err, ErrClosed)
}

type fakePool struct {
	mu       sync.Mutex
	acquired int
	released int
	err      error
	gate     chan struct{}
}

func (p *fakePool) Acquire(ctx context.Context, key string) (pool.Handle, error) {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.acquired++
	return key, nil
}

func (p *fakePool) Release(key string) {
	p.mu.Lock()
	p.released++
	p.mu.Unlock()
}

func (p *fakePool) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired, p.released
}

func TestLive_HoldsHandleUntilStop(t *testing.T) {
	now := t0 + 60_000
	src := newFakeSource(mkSeg("l1", now-1000, now+1000))
	f := &sinkFactory{}
	fp := &fakePool{}
	a := newAssembler(t, src, f, func(o *Options) {
		o.Live = true
		o.Pool = fp
		o.PoolKey = "camA/sub"
	})

	require.NoError(t, a.Play(context.Background()))
	_, err := a.Seek(context.Background(), now)
	require.NoError(t, err)
	acq, rel := fp.counts()
	assert.Equal(t, 1, acq, "handle is acquired once per play/stop cycle")
	assert.Equal(t, 0, rel)

	a.Stop()
	acq, rel = fp.counts()
	assert.Equal(t, 1, acq)
	assert.Equal(t, 1, rel)
}

func TestLive_AcquireFailureStopsAttempt(t *testing.T) {
	fp := &fakePool{err: errors.New("stream unavailable")}
	f := &sinkFactory{}
	a := newAssembler(t, newFakeSource(), f, func(o *Options) {
		o.Live = true
		o.Pool = fp
		o.PoolKey = "camA/main"
	})

	err := a.Play(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateStopped, a.State())
	assert.Equal(t, 0, f.count())
}

func TestLive_PrunesRollingWindow(t *testing.T) {
	now := t0 + 60_000
	src := newFakeSource(
		mkSeg("l1", now, now+2000),
		mkSeg("l2", now+2000, now+4000),
		mkSeg("l3", now+4000, now+6000),
	)
	f := &sinkFactory{init: func(s *fakeSink) { s.pos = 5.0 }}
	a := newAssembler(t, src, f, func(o *Options) {
		o.Live = true
		o.Pool = &fakePool{}
		o.PoolKey = "camA/sub"
	})

	require.NoError(t, a.Play(context.Background()))
	require.Eventually(t, func() bool {
		offs := f.get(0).offsets()
		return len(offs) > 0 && offs[len(offs)-1] == 4.0
	}, time.Second, time.Millisecond)

	removed := f.get(0).removed()
	require.NotEmpty(t, removed)
	for _, r := range removed {
		assert.Equal(t, 3.0, r[1], "live prune keeps LiveWindow behind the position")
	}
	assert.Equal(t, []float64{2, 4}, f.get(0).offsets(), "partially covered segment stays buffered")
}

func TestLive_FollowsLiveEdgeAfterOutage(t *testing.T) {
	live := t0 + 60_000
	var nowMs atomic.Int64
	nowMs.Store(live)
	src := newFakeSource(mkSeg("l1", live, live+2000), mkSeg("l2", live+41_000, live+43_000))
	f := &sinkFactory{}
	cfg := testConfig()
	cfg.Now = func() time.Time { return time.UnixMilli(nowMs.Load()) }
	a := New(cfg, Options{
		SessionID: "s1", CameraID: "camA", Source: src, NewSink: f.New,
		Live: true, Pool: &fakePool{}, PoolKey: "camA/sub",
	})
	t.Cleanup(a.Close)

	require.NoError(t, a.Play(context.Background()))
	require.Eventually(t, func() bool { return len(f.get(0).offsets()) == 1 }, time.Second, time.Millisecond)

	nowMs.Store(live + 42_000)
	require.Eventually(t, func() bool { return src.fetchCount("l2") == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(f.get(0).offsets()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []float64{0, 41}, f.get(0).offsets())
}

func TestLive_StopDuringAcquireLeavesNoGenerationRunning(t *testing.T) {
	fp := &fakePool{gate: make(chan struct{})}
	f := &sinkFactory{}
	a := newAssembler(t, newFakeSource(), f, func(o *Options) {
		o.Live = true
		o.Pool = fp
		o.PoolKey = "camA/sub"
	})

	seekDone := make(chan error, 1)
	go func() {
		_, err := a.Seek(context.Background(), t0+60_000)
		seekDone <- err
	}()
	time.Sleep(10 * time.Millisecond)
	stopDone := make(chan struct{})
	go func() {
		a.Stop()
		close(stopDone)
	}()
	time.Sleep(10 * time.Millisecond)
	close(fp.gate)
	require.NoError(t, <-seekDone)
	<-stopDone

	acq, rel := fp.counts()
	assert.Equal(t, StateStopped, a.State())
	assert.Equal(t, 1, acq)
	assert.Equal(t, 1, rel)
}
