// Package pool shares expensive transport/decode handles across sessions.
//
// A handle is negotiated once per key and reference counted. When the last
// holder releases it the handle is kept for an idle grace period so that
// rapid churn (grid scrolling, tile reflow, quality switches) re-acquires it
// without renegotiating. Independently, a FIFO semaphore bounds how many
// setups may run at the same time.
package pool

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultIdleGrace           = 10 * time.Second
	defaultMaxConcurrentSetups = 4
	defaultSetupTimeout        = 15 * time.Second
)

// Handle is an opaque negotiated resource.
type Handle any

// Opener establishes and tears down the resource behind a key. Open must
// honor ctx; the pool gives every setup its own timeout.
type Opener interface {
	Open(ctx context.Context, key string) (Handle, error)
	Close(key string, h Handle) error
}

// Config holds pool tunables.
type Config struct {
	Opener              Opener
	IdleGrace           time.Duration
	MaxConcurrentSetups int
	SetupTimeout        time.Duration
	Logger              zerolog.Logger
}

type slot struct {
	key          string
	handle       Handle
	refs         int
	lastReleased time.Time
	evict        *time.Timer
	evictSeq     uint64
}

// Pool is a reference-counted cache of handles keyed by string.
type Pool struct {
	mu      sync.Mutex
	slots   map[string]*slot
	closing map[string]chan struct{}
	closed  bool

	sf       singleflight.Group
	sem      *semaphore.Weighted
	maxSlots int
	inflight atomic.Int64

	opener       Opener
	idleGrace    time.Duration
	setupTimeout time.Duration
	log          zerolog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New constructs a Pool, applying defaults for unset fields.
func New(cfg Config) *Pool {
	if cfg.IdleGrace <= 0 {
		cfg.IdleGrace = defaultIdleGrace
	}
	if cfg.MaxConcurrentSetups <= 0 {
		cfg.MaxConcurrentSetups = defaultMaxConcurrentSetups
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = defaultSetupTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		slots:        make(map[string]*slot),
		closing:      make(map[string]chan struct{}),
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrentSetups)),
		maxSlots:     cfg.MaxConcurrentSetups,
		opener:       cfg.Opener,
		idleGrace:    cfg.IdleGrace,
		setupTimeout: cfg.SetupTimeout,
		log:          cfg.Logger.With().Str("component", "pool").Logger(),
		baseCtx:      ctx,
		cancel:       cancel,
	}
}

// Acquire returns the handle for key, negotiating it if needed. Concurrent
// callers for the same key share one setup; each successful call adds one
// reference that must be returned with Release. A caller whose ctx ends
// while waiting gets ctx.Err() and the shared setup keeps running for the
// other waiters.
func (p *Pool) Acquire(ctx context.Context, key string) (Handle, error) {
	if key == "" {
		return nil, errEmptyKey
	}
	for {
		if h, ok, err := p.claim(key); err != nil {
			return nil, err
		} else if ok {
			return h, nil
		}
		ch := p.sf.DoChan(key, func() (any, error) { return p.setup(key) })
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
		}
		// The setup parked the slot at refcount 0; claim it on the next pass.
	}
}

// claim takes a reference on an existing slot.
func (p *Pool) claim(key string) (Handle, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, ErrPoolClosed
	}
	s, ok := p.slots[key]
	if !ok {
		return nil, false, nil
	}
	if s.refs == 0 && s.evict != nil {
		s.evict.Stop()
		s.evict = nil
		s.evictSeq++
		p.log.Debug().Str("key", key).Msg("event=evict_cancelled")
	}
	s.refs++
	poolRefs.Inc()
	return s.handle, true, nil
}

// setup negotiates the handle for key. It runs at most once at a time per
// key (singleflight) and waits for a pending teardown of the same key.
func (p *Pool) setup(key string) (any, error) {
	ctx, cancel := context.WithTimeout(p.baseCtx, p.setupTimeout)
	defer cancel()

	p.mu.Lock()
	// A caller that missed the slot in claim can start a new flight after
	// the previous one stored it. Hand that slot back instead of renegotiating.
	if s, ok := p.slots[key]; ok {
		p.mu.Unlock()
		return s.handle, nil
	}
	wait := p.closing[key]
	p.mu.Unlock()
	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			setupsTotal.WithLabelValues("timeout").Inc()
			return nil, setupFailedError{key: key, err: ctx.Err()}
		}
	}

	if err := p.AcquireSlot(ctx); err != nil {
		setupsTotal.WithLabelValues("timeout").Inc()
		return nil, setupFailedError{key: key, err: err}
	}
	defer p.ReleaseSlot()

	start := time.Now()
	p.log.Debug().Str("key", key).Msg("event=setup_start")
	h, err := p.opener.Open(ctx, key)
	if err == nil && ctx.Err() != nil {
		// Opened after the deadline; do not hand out a handle nobody waited for.
		_ = p.opener.Close(key, h)
		err = ctx.Err()
	}
	if err != nil {
		setupsTotal.WithLabelValues("error").Inc()
		p.log.Warn().Str("key", key).Err(err).Msg("event=setup_failed")
		return nil, setupFailedError{key: key, err: err}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = p.opener.Close(key, h)
		return nil, ErrPoolClosed
	}
	if cur, ok := p.slots[key]; ok {
		p.mu.Unlock()
		_ = p.opener.Close(key, h)
		return cur.handle, nil
	}
	s := &slot{key: key, handle: h}
	p.slots[key] = s
	p.scheduleEvictLocked(s)
	p.mu.Unlock()
	poolSlots.Inc()
	setupsTotal.WithLabelValues("ok").Inc()
	p.log.Info().Str("key", key).Dur("dur", time.Since(start)).Msg("event=setup_ready")
	return h, nil
}

// Release returns one reference on key. When the count reaches zero the
// handle is torn down after the idle grace period unless re-acquired.
func (p *Pool) Release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[key]
	if !ok || s.refs == 0 {
		p.log.Warn().Str("key", key).Msg("event=release_unheld")
		return
	}
	s.refs--
	poolRefs.Dec()
	if s.refs == 0 {
		s.lastReleased = time.Now()
		p.scheduleEvictLocked(s)
	}
}

func (p *Pool) scheduleEvictLocked(s *slot) {
	if s.evict != nil {
		s.evict.Stop()
	}
	s.evictSeq++
	seq := s.evictSeq
	s.evict = time.AfterFunc(p.idleGrace, func() { p.evictIdle(s, seq) })
}

func (p *Pool) evictIdle(s *slot, seq uint64) {
	p.mu.Lock()
	if cur := p.slots[s.key]; cur != s || s.refs != 0 || s.evictSeq != seq {
		p.mu.Unlock()
		return
	}
	delete(p.slots, s.key)
	s.evict = nil
	done := make(chan struct{})
	p.closing[s.key] = done
	p.mu.Unlock()

	if err := p.opener.Close(s.key, s.handle); err != nil {
		p.log.Warn().Str("key", s.key).Err(err).Msg("event=teardown_failed")
	}
	p.mu.Lock()
	delete(p.closing, s.key)
	p.mu.Unlock()
	close(done)
	poolSlots.Dec()
	evictionsTotal.Inc()
	p.log.Debug().Str("key", s.key).Msg("event=evicted")
}

// AcquireSlot blocks until one of the bounded setup slots is free. Waiters
// are served in request order.
func (p *Pool) AcquireSlot(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.inflight.Add(1)
	inflightSetups.Inc()
	return nil
}

// ReleaseSlot frees a slot taken with AcquireSlot.
func (p *Pool) ReleaseSlot() {
	if p.inflight.Add(-1) < 0 {
		p.inflight.Add(1)
		p.log.Warn().Msg("event=release_slot_unheld")
		return
	}
	inflightSetups.Dec()
	p.sem.Release(1)
}

// InflightSetups returns the number of slots currently held.
func (p *Pool) InflightSetups() int { return int(p.inflight.Load()) }

// Refs returns the reference count of key, or 0 if it is not cached.
func (p *Pool) Refs(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.slots[key]; ok {
		return s.refs
	}
	return 0
}

// SlotStats is a read-only view of one cached handle.
type SlotStats struct {
	Key            string
	Refs           int
	Idle           bool
	LastReleasedAt time.Time
}

// Stats returns the cached slots ordered by key.
func (p *Pool) Stats() []SlotStats {
	p.mu.Lock()
	out := make([]SlotStats, 0, len(p.slots))
	for _, s := range p.slots {
		out = append(out, SlotStats{Key: s.key, Refs: s.refs, Idle: s.refs == 0, LastReleasedAt: s.lastReleased})
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Close tears down every cached handle immediately, aborts running setups
// and rejects further acquisitions.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	slots := make([]*slot, 0, len(p.slots))
	for _, s := range p.slots {
		if s.evict != nil {
			s.evict.Stop()
			s.evict = nil
		}
		s.evictSeq++
		slots = append(slots, s)
	}
	p.slots = make(map[string]*slot)
	p.mu.Unlock()
	p.cancel()

	for _, s := range slots {
		if err := p.opener.Close(s.key, s.handle); err != nil {
			p.log.Warn().Str("key", s.key).Err(err).Msg("event=teardown_failed")
		}
		poolSlots.Dec()
		poolRefs.Sub(float64(s.refs))
	}
}
