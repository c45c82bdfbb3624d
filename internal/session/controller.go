// Package session ties a timeline assembler to an admission slot and
// exposes the per-camera play/pause/seek/stop lifecycle.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"viewd/internal/authority"
	"viewd/internal/timeline"
	"viewd/pkg/types"
)

// Admitter grants and revokes admission slots (see authority.Authority).
type Admitter interface {
	Register(r authority.Registration) bool
	Unregister(sessionID string)
}

// Spec identifies the session to create.
type Spec struct {
	ID       string
	Kind     types.SessionKind
	CameraID string
	// Quality selects the live stream variant; empty picks the kind default.
	Quality string
	// StartEpochMs is the initial target of playback sessions.
	StartEpochMs int64
}

// Deps are the shared collaborators of every controller.
type Deps struct {
	Authority Admitter
	Source    timeline.SegmentSource
	Pool      timeline.HandlePool
	NewSink   func() timeline.Sink
	Timeline  timeline.Config
}

// Config holds controller tunables.
type Config struct {
	// AdmissionRetries is how many extra Register attempts are made after
	// a denial before reporting it.
	AdmissionRetries    int
	AdmissionRetryDelay time.Duration
	// OnFatal is called after a fatal assembler error stopped the session.
	OnFatal func(id string, err error)
	Logger  zerolog.Logger
}

// Session is a read-only view of a controller.
type Session struct {
	ID             string
	Kind           types.SessionKind
	CameraID       string
	Quality        string
	State          timeline.State
	Admitted       bool
	Generation     uint64
	TargetEpochMs  int64
	BaseEpochMs    int64
	CurrentEpochMs int64
	Err            error
	CreatedAt      time.Time
}

// Controller is the public state machine of one viewing session.
type Controller struct {
	spec    Spec
	auth    Admitter
	tl      *timeline.Assembler
	cfg     Config
	log     zerolog.Logger
	created time.Time

	mu        sync.Mutex
	admitted  bool
	destroyed bool
	disposers []func()
}

// New validates spec and builds an idle controller.
func New(spec Spec, deps Deps, cfg Config) (*Controller, error) {
	if spec.ID == "" {
		return nil, errors.New("session id is required")
	}
	if !spec.Kind.Valid() {
		return nil, errors.New("unknown session kind: " + string(spec.Kind))
	}
	if spec.CameraID == "" {
		return nil, errors.New("camera id is required")
	}
	if deps.Authority == nil || deps.Source == nil || deps.NewSink == nil {
		return nil, errors.New("session dependencies are incomplete")
	}
	if spec.Kind.Live() && deps.Pool == nil {
		return nil, errors.New("live sessions require a handle pool")
	}
	if spec.Quality == "" {
		spec.Quality = spec.Kind.DefaultQuality()
	}
	if cfg.AdmissionRetryDelay <= 0 {
		cfg.AdmissionRetryDelay = 500 * time.Millisecond
	}

	c := &Controller{
		spec:    spec,
		auth:    deps.Authority,
		cfg:     cfg,
		created: time.Now(),
		log: cfg.Logger.With().
			Str("session_id", spec.ID).
			Str("kind", string(spec.Kind)).
			Str("camera_id", spec.CameraID).
			Logger(),
	}
	tcfg := deps.Timeline
	tcfg.Logger = cfg.Logger
	c.tl = timeline.New(tcfg, timeline.Options{
		SessionID:       spec.ID,
		CameraID:        spec.CameraID,
		Live:            spec.Kind.Live(),
		PoolKey:         PoolKey(spec.CameraID, spec.Quality),
		Source:          deps.Source,
		Pool:            deps.Pool,
		NewSink:         deps.NewSink,
		InitialTargetMs: spec.StartEpochMs,
		OnError:         c.handleFatal,
	})
	return c, nil
}

// PoolKey is the handle pool key of a camera stream variant.
func PoolKey(cameraID, quality string) string { return cameraID + "/" + quality }

// ID returns the session id.
func (c *Controller) ID() string { return c.spec.ID }

// Play registers with the authority on first use, then resumes the current
// generation. With a target it delegates to Seek.
func (c *Controller) Play(ctx context.Context, target *int64) error {
	if target != nil {
		_, err := c.Seek(ctx, *target)
		return err
	}
	if err := c.admit(ctx); err != nil {
		return err
	}
	if err := c.tl.Play(ctx); err != nil {
		c.abort(err)
		return err
	}
	c.log.Debug().Msg("event=play")
	return nil
}

// Seek starts a new generation at epochMs. Rapid calls are safe: only the
// newest generation may append.
func (c *Controller) Seek(ctx context.Context, epochMs int64) (uint64, error) {
	if err := c.admit(ctx); err != nil {
		return 0, err
	}
	gen, err := c.tl.Seek(ctx, epochMs)
	if err != nil {
		c.abort(err)
		return 0, err
	}
	c.log.Debug().Uint64("generation", gen).Int64("target_epoch_ms", epochMs).Msg("event=seek")
	return gen, nil
}

// Pause freezes playback without dropping the buffer or the admission slot.
func (c *Controller) Pause() error {
	if c.isDestroyed() {
		return ErrDestroyed
	}
	c.tl.Pause()
	return nil
}

// Stop ends the current generation, releases the pooled handle and gives
// back the admission slot. A later Play starts over.
func (c *Controller) Stop() error {
	if c.isDestroyed() {
		return ErrDestroyed
	}
	c.tl.Stop()
	c.unregister()
	c.log.Debug().Msg("event=stop")
	return nil
}

// CurrentEpochMs returns the absolute playback position. It keeps reporting
// the last known value after Destroy.
func (c *Controller) CurrentEpochMs() int64 { return c.tl.CurrentEpochMs() }

// OnDestroy registers fn to run once when the session is destroyed.
func (c *Controller) OnDestroy(fn func()) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		fn()
		return
	}
	c.disposers = append(c.disposers, fn)
	c.mu.Unlock()
}

// Destroy stops the session, waits for its loader and runs every disposer.
func (c *Controller) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	c.destroyed = true
	disposers := c.disposers
	c.disposers = nil
	c.mu.Unlock()

	c.tl.Close()
	c.unregister()
	for i := len(disposers) - 1; i >= 0; i-- {
		disposers[i]()
	}
	c.log.Info().Msg("event=session_destroyed")
	return nil
}

// Snapshot returns the session data model.
func (c *Controller) Snapshot() Session {
	ts := c.tl.Snapshot()
	c.mu.Lock()
	admitted := c.admitted
	c.mu.Unlock()
	return Session{
		ID:             c.spec.ID,
		Kind:           c.spec.Kind,
		CameraID:       c.spec.CameraID,
		Quality:        c.spec.Quality,
		State:          ts.State,
		Admitted:       admitted,
		Generation:     ts.Generation,
		TargetEpochMs:  ts.TargetEpochMs,
		BaseEpochMs:    ts.BaseEpochMs,
		CurrentEpochMs: ts.CurrentEpochMs,
		Err:            ts.Err,
		CreatedAt:      c.created,
	}
}

func (c *Controller) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

func (c *Controller) admit(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.admitted {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	reg := authority.Registration{SessionID: c.spec.ID, Kind: c.spec.Kind, CameraID: c.spec.CameraID}
	for attempt := 0; ; attempt++ {
		if c.auth.Register(reg) {
			c.mu.Lock()
			if c.destroyed {
				c.mu.Unlock()
				c.auth.Unregister(c.spec.ID)
				return ErrDestroyed
			}
			c.admitted = true
			c.mu.Unlock()
			return nil
		}
		if attempt >= c.cfg.AdmissionRetries {
			c.log.Info().Int("attempts", attempt+1).Msg("event=admission_denied")
			return admissionDeniedError{kind: c.spec.Kind, cameraID: c.spec.CameraID}
		}
		t := time.NewTimer(c.cfg.AdmissionRetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Controller) unregister() {
	c.mu.Lock()
	was := c.admitted
	c.admitted = false
	c.mu.Unlock()
	if was {
		c.auth.Unregister(c.spec.ID)
	}
}

// abort gives back the admission slot after a failed attempt.
func (c *Controller) abort(err error) {
	if errors.Is(err, timeline.ErrClosed) {
		return
	}
	c.log.Warn().Err(err).Msg("event=attempt_failed")
	c.unregister()
}

// handleFatal runs on the loader goroutine; it must not wait for it.
func (c *Controller) handleFatal(err error) {
	c.unregister()
	c.log.Error().Err(err).Msg("event=session_failed")
	if c.cfg.OnFatal != nil {
		c.cfg.OnFatal(c.spec.ID, err)
	}
}
