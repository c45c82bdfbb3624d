package timeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"viewd/pkg/types"
)

// Options describe the session an Assembler serves.
type Options struct {
	SessionID string
	CameraID  string
	// Live switches to rolling-window pruning and requires Pool.
	Live bool
	// PoolKey identifies the pooled transport handle of a live session.
	PoolKey string
	Source  SegmentSource
	Pool    HandlePool
	// NewSink creates the append target of a fresh generation.
	NewSink func() Sink
	// InitialTargetMs is used by Play before any seek.
	InitialTargetMs int64
	// OnError is called once per generation stopped by a fatal error.
	OnError func(err error)
}

// Assembler drives one session's playback buffer.
type Assembler struct {
	cfg  Config
	opts Options
	log  zerolog.Logger

	mu     sync.Mutex
	state  State
	gen    uint64
	cancel context.CancelFunc
	buf    *playbackBuffer
	target int64
	paused bool
	err    error
	closed bool

	handleMu sync.Mutex
	holding  bool

	wg sync.WaitGroup
}

// New returns an idle assembler in StateInit.
func New(cfg Config, opts Options) *Assembler {
	cfg = cfg.withDefaults()
	return &Assembler{
		cfg:    cfg,
		opts:   opts,
		log:    cfg.Logger.With().Str("session_id", opts.SessionID).Str("camera_id", opts.CameraID).Logger(),
		state:  StateInit,
		target: opts.InitialTargetMs,
	}
}

// Seek starts a new generation positioned at epochMs and returns its
// number. It does not wait for data; the loader runs in the background.
func (a *Assembler) Seek(ctx context.Context, epochMs int64) (uint64, error) {
	if a.isClosed() {
		return 0, ErrClosed
	}
	if a.opts.Live {
		// handleMu stays held until the generation runs so a concurrent Stop
		// cannot release the handle in between.
		a.handleMu.Lock()
		defer a.handleMu.Unlock()
		if err := a.ensureHandleLocked(ctx); err != nil {
			a.mu.Lock()
			a.advanceLocked()
			a.target = epochMs
			a.state = StateStopped
			a.err = err
			a.mu.Unlock()
			return 0, err
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, ErrClosed
	}
	return a.startGenerationLocked(epochMs), nil
}

// Play resumes the current generation. Without one it seeks to the last
// target, or to now for live sessions.
func (a *Assembler) Play(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.paused = false
	if a.buf != nil && a.state != StateStopped {
		if p, ok := a.buf.sink.(Player); ok {
			p.Play()
		}
		if a.state == StateReady {
			a.state = StatePlaying
		}
		a.mu.Unlock()
		return nil
	}
	target := a.target
	if a.opts.Live {
		target = a.cfg.Now().UnixMilli()
	}
	a.mu.Unlock()
	_, err := a.Seek(ctx, target)
	return err
}

// Pause halts position advance without touching the buffer.
func (a *Assembler) Pause() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paused = true
	if a.buf != nil {
		if p, ok := a.buf.sink.(Player); ok {
			p.Pause()
		}
	}
	if a.state == StatePlaying {
		a.state = StateReady
	}
}

// Stop invalidates the current generation and releases the pooled handle.
// The last position becomes the target of the next Play. It returns without
// waiting for the loader to observe cancellation.
func (a *Assembler) Stop() {
	a.handleMu.Lock()
	defer a.handleMu.Unlock()
	a.mu.Lock()
	a.target = a.currentLocked()
	a.advanceLocked()
	a.state = StateStopped
	a.mu.Unlock()
	a.releaseHandleLocked()
}

// Close stops the assembler for good and waits for its loaders to exit.
func (a *Assembler) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.Stop()
	a.wg.Wait()
}

// CurrentEpochMs maps the sink position back onto absolute time. Before the
// first append of a generation it reports the requested target.
func (a *Assembler) CurrentEpochMs() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentLocked()
}

// Generation returns the current generation number.
func (a *Assembler) Generation() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen
}

// State returns the lifecycle state.
func (a *Assembler) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Err returns the error that stopped the latest generation, if any.
func (a *Assembler) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Snapshot returns a consistent view of the assembler.
func (a *Assembler) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Snapshot{
		State:          a.state,
		Generation:     a.gen,
		TargetEpochMs:  a.target,
		CurrentEpochMs: a.currentLocked(),
		Err:            a.err,
	}
	if a.buf != nil {
		s.Anchored = a.buf.anchored
		if a.buf.anchored {
			s.BaseEpochMs = a.buf.base
		}
		s.PendingBytes = a.buf.pendingBytes()
	}
	return s
}

func (a *Assembler) currentLocked() int64 {
	if a.buf == nil || !a.buf.anchored {
		return a.target
	}
	pos := a.buf.sink.PositionSeconds()
	return a.buf.base + int64(math.Round(pos*1000))
}

func (a *Assembler) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Assembler) startGenerationLocked(target int64) uint64 {
	resumed := a.state == StateReady || a.state == StatePlaying || a.state == StateSeeking
	a.advanceLocked()
	a.target = target
	a.err = nil
	sink := a.opts.NewSink()
	if p, ok := sink.(Player); ok && !a.paused {
		p.Play()
	}
	buf := newBuffer(a.gen, sink)
	a.buf = buf
	if resumed {
		a.state = StateSeeking
	} else {
		a.state = StateLoading
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go a.run(ctx, buf, target)
	a.log.Debug().Uint64("generation", buf.gen).Int64("target_epoch_ms", target).Msg("event=generation_started")
	return buf.gen
}

// advanceLocked bumps the generation, cancels the running loader and
// discards its sink.
func (a *Assembler) advanceLocked() {
	a.gen++
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.buf != nil {
		if c, ok := a.buf.sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				a.log.Debug().Err(err).Msg("event=sink_close_failed")
			}
		}
		a.buf = nil
	}
}

// ensureHandleLocked acquires the pooled handle once per play/stop cycle.
// handleMu must be held.
func (a *Assembler) ensureHandleLocked(ctx context.Context) error {
	if a.holding {
		return nil
	}
	if a.opts.Pool == nil {
		return errors.New("live session without handle pool")
	}
	if _, err := a.opts.Pool.Acquire(ctx, a.opts.PoolKey); err != nil {
		return err
	}
	if a.isClosed() {
		a.opts.Pool.Release(a.opts.PoolKey)
		return ErrClosed
	}
	a.holding = true
	return nil
}

// releaseHandleLocked returns the pooled handle. handleMu must be held.
func (a *Assembler) releaseHandleLocked() {
	if !a.holding {
		return
	}
	a.holding = false
	a.opts.Pool.Release(a.opts.PoolKey)
}

// run is the loader of one generation.
func (a *Assembler) run(ctx context.Context, buf *playbackBuffer, target int64) {
	defer a.wg.Done()
	log := a.log.With().Uint64("generation", buf.gen).Logger()

	lookBehind := a.cfg.LookBehind.Milliseconds()
	lookAhead := a.cfg.LookAhead.Milliseconds()
	step := lookAhead
	cursor := target
	skipped := make(map[string]struct{})

	for ctx.Err() == nil {
		need, ok := a.needsData(buf)
		if !ok {
			return
		}
		if !need {
			if !sleepCtx(ctx, a.cfg.PollInterval) {
				return
			}
			continue
		}

		from, to := cursor-lookBehind, cursor+step
		segs, err := a.opts.Source.ListWindow(ctx, a.opts.CameraID, from, to)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Int64("from", from).Int64("to", to).Msg("event=window_failed")
			if !sleepCtx(ctx, a.cfg.PollInterval) {
				return
			}
			continue
		}

		progressed := false
		for _, seg := range segs {
			if seg.EndEpochMs <= cursor {
				continue
			}
			if _, bad := skipped[seg.SourceKey]; bad {
				continue
			}
			loaded, ok := a.isLoaded(buf, seg.SourceKey)
			if !ok {
				return
			}
			if loaded {
				continue
			}
			payload, err := a.opts.Source.FetchPayload(ctx, seg)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				fetchFailuresTotal.Inc()
				log.Warn().Err(err).Str("source_key", seg.SourceKey).Msg("event=segment_skipped")
				skipped[seg.SourceKey] = struct{}{}
				cursor = max(cursor, seg.EndEpochMs)
				progressed = true
				continue
			}
			if !a.enqueue(buf, seg, payload) {
				staleDiscardsTotal.Inc()
				return
			}
			if err := a.drain(ctx, buf); err != nil {
				if errors.Is(err, errStale) || ctx.Err() != nil {
					staleDiscardsTotal.Inc()
					return
				}
				a.fail(buf, err)
				return
			}
			cursor = max(cursor, seg.EndEpochMs)
			progressed = true
			if need, ok := a.needsData(buf); !ok || !need {
				break
			}
		}

		if progressed {
			step = lookAhead
			continue
		}
		now := a.cfg.Now().UnixMilli()
		if a.opts.Live {
			// After an outage longer than LookAhead the window would never
			// reach the live edge again.
			cursor = max(cursor, now-lookBehind)
		} else if cursor < now {
			cursor = min(to, now)
			step = min(step*2, maxGapStep.Milliseconds())
			continue
		}
		if !sleepCtx(ctx, a.cfg.PollInterval) {
			return
		}
	}
}

// needsData reports whether less than LookAhead is buffered ahead of the
// position. ok is false once buf is no longer current.
func (a *Assembler) needsData(buf *playbackBuffer) (need, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if buf.gen != a.gen {
		return false, false
	}
	if !buf.anchored {
		return true, true
	}
	ahead := buf.appendedEnd - buf.sink.PositionSeconds()
	return ahead < a.cfg.LookAhead.Seconds(), true
}

func (a *Assembler) isLoaded(buf *playbackBuffer, key string) (loaded, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if buf.gen != a.gen {
		return false, false
	}
	_, loaded = buf.loaded[key]
	return loaded, true
}

// enqueue queues a fetched payload. It returns false if buf is stale.
func (a *Assembler) enqueue(buf *playbackBuffer, seg types.Segment, payload []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if buf.gen != a.gen {
		return false
	}
	if buf.anchored && seg.StartEpochMs < buf.base {
		a.log.Debug().Str("source_key", seg.SourceKey).Int64("base_epoch_ms", buf.base).Msg("event=segment_before_base")
		return true
	}
	buf.push(queued{seg: seg, payload: payload})
	return true
}

// drain appends queued payloads one at a time.
func (a *Assembler) drain(ctx context.Context, buf *playbackBuffer) error {
	for {
		a.mu.Lock()
		if buf.gen != a.gen {
			a.mu.Unlock()
			return errStale
		}
		q, ok := buf.pop()
		a.mu.Unlock()
		if !ok {
			return nil
		}
		if err := a.appendOne(ctx, buf, q); err != nil {
			return err
		}
	}
}

func (a *Assembler) appendOne(ctx context.Context, buf *playbackBuffer, q queued) error {
	key := q.seg.SourceKey
	rejected := false
	stalls := 0
	lastPos := math.Inf(-1)
	for {
		a.mu.Lock()
		if buf.gen != a.gen {
			a.mu.Unlock()
			return errStale
		}
		base := q.seg.StartEpochMs
		if buf.anchored {
			base = buf.base
		}
		a.mu.Unlock()

		offset := float64(q.seg.StartEpochMs-base) / 1000
		duration := float64(q.seg.DurationMs()) / 1000
		err := buf.sink.Append(q.payload, offset, duration)

		a.mu.Lock()
		if buf.gen != a.gen {
			a.mu.Unlock()
			return errStale
		}
		if err == nil {
			if !buf.anchored {
				a.anchorLocked(buf, q.seg.StartEpochMs)
			}
			buf.record(offset, offset+duration)
			buf.loaded[key] = struct{}{}
			if a.state == StateLoading || a.state == StateSeeking {
				if a.paused {
					a.state = StateReady
				} else {
					a.state = StatePlaying
				}
			}
			a.mu.Unlock()
			appendsTotal.Inc()
			if a.opts.Live {
				if _, _, err := a.prune(buf, a.cfg.LiveWindow, "live_window"); err != nil {
					return err
				}
			}
			return nil
		}
		if !errors.Is(err, ErrCapacityExceeded) {
			a.mu.Unlock()
			return fmt.Errorf("append %s: %w", key, err)
		}
		buf.requeue(q)
		paused := a.paused
		a.mu.Unlock()
		if !rejected {
			rejected = true
			overflowsTotal.Inc()
		}

		freed, pos, err := a.prune(buf, a.cfg.PruneLookBehind, "overflow")
		if err != nil {
			return err
		}
		if !freed && pos <= lastPos {
			// The position is not moving, so nothing new will fall behind
			// the margin. Give up the margin before giving up the segment.
			if freed, _, err = a.prune(buf, 0, "overflow_stalled"); err != nil {
				return err
			}
		}
		switch {
		case freed || pos > lastPos:
			stalls = 0
		case paused:
			// Waiting for Play is not a failed retry.
		default:
			stalls++
			if stalls > a.cfg.MaxOverflowRetries {
				return fmt.Errorf("%w: %s rejected after %d retries without progress", ErrOverflowUnrecoverable, key, stalls-1)
			}
		}
		lastPos = pos
		if !freed && !sleepCtx(ctx, a.cfg.OverflowRetryDelay) {
			return ctx.Err()
		}

		a.mu.Lock()
		if buf.gen != a.gen {
			a.mu.Unlock()
			return errStale
		}
		q, _ = buf.pop()
		a.mu.Unlock()
	}
}

// anchorLocked fixes the base epoch of buf and starts the sink at the
// requested target when it lies inside the first segment.
func (a *Assembler) anchorLocked(buf *playbackBuffer, base int64) {
	buf.anchored = true
	buf.base = base
	if lead := a.target - base; lead > 0 {
		if s, ok := buf.sink.(Seeker); ok {
			s.SetPositionSeconds(float64(lead) / 1000)
		}
	}
	a.log.Debug().Uint64("generation", buf.gen).Int64("base_epoch_ms", base).Msg("event=base_anchored")
}

// prune removes content more than margin behind the position. It never
// touches data at or ahead of the position. freed reports whether the sink
// released anything; pos is the position the cut was computed from.
func (a *Assembler) prune(buf *playbackBuffer, margin time.Duration, reason string) (freed bool, pos float64, err error) {
	a.mu.Lock()
	if buf.gen != a.gen {
		a.mu.Unlock()
		return false, 0, errStale
	}
	pos = buf.sink.PositionSeconds()
	cut := pos - margin.Seconds()
	if cut <= 0 || !buf.hasBefore(cut) {
		a.mu.Unlock()
		return false, pos, nil
	}
	a.mu.Unlock()

	sizer, sized := buf.sink.(Sizer)
	before := 0
	if sized {
		before = sizer.Buffered()
	}
	err = buf.sink.Remove(0, cut)

	a.mu.Lock()
	defer a.mu.Unlock()
	if buf.gen != a.gen {
		return false, pos, errStale
	}
	if err != nil {
		a.log.Warn().Err(err).Float64("cut_seconds", cut).Str("reason", reason).Msg("event=prune_failed")
		return false, pos, nil
	}
	buf.trim(cut)
	freed = !sized || sizer.Buffered() < before
	if freed {
		prunesTotal.WithLabelValues(reason).Inc()
	}
	return freed, pos, nil
}

// fail stops the generation of buf after a fatal error.
func (a *Assembler) fail(buf *playbackBuffer, err error) {
	a.handleMu.Lock()
	a.mu.Lock()
	if buf.gen != a.gen {
		a.mu.Unlock()
		a.handleMu.Unlock()
		return
	}
	a.target = a.currentLocked()
	a.advanceLocked()
	a.state = StateStopped
	a.err = err
	a.mu.Unlock()
	a.releaseHandleLocked()
	a.handleMu.Unlock()

	fatalTotal.Inc()
	a.log.Error().Err(err).Uint64("generation", buf.gen).Msg("event=generation_failed")
	if a.opts.OnError != nil {
		a.opts.OnError(err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
