package manager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"viewd/internal/authority"
	"viewd/internal/pool"
	"viewd/internal/session"
	"viewd/internal/timeline"
	"viewd/pkg/types"
)

type entry struct {
	ctl     *session.Controller
	created time.Time
}

// Manager owns every session of the process.
type Manager struct {
	mu          sync.RWMutex
	state       State
	err         string
	sessions    map[string]*entry
	maxSessions int

	auth    *authority.Authority
	pool    *pool.Pool
	source  timeline.SegmentSource
	newSink func() timeline.Sink
	tlCfg   timeline.Config
	sessCfg session.Config

	archiveDir    string
	positionsPath string
	positions     map[string]positionRecord
	saveMu        sync.Mutex
	drainTimeout  time.Duration

	publisher EventPublisher
	bus       *Broadcaster
	unsubAuth func()
	log       zerolog.Logger
	startTime time.Time
}

func sessionConfig(cfg ManagerConfig) session.Config {
	return session.Config{
		AdmissionRetries:    cfg.AdmissionRetries,
		AdmissionRetryDelay: cfg.AdmissionRetryDelay,
		Logger:              cfg.Logger,
	}
}

// SetEventPublisher installs an additional event sink besides the
// subscriber fan-out.
func (m *Manager) SetEventPublisher(p EventPublisher) {
	if p == nil {
		p = noopPublisher{}
	}
	m.mu.Lock()
	m.publisher = p
	m.mu.Unlock()
}

// Subscribe streams future events; call the disposer to stop.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	return m.bus.Subscribe(buffer)
}

func (m *Manager) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	m.mu.RLock()
	p := m.publisher
	m.mu.RUnlock()
	p.Publish(e)
	m.bus.Publish(e)
}

func (m *Manager) onAdmission(e authority.Event) {
	m.publish(Event{
		Name:      "admission_" + string(e.Name),
		SessionID: e.SessionID,
		Fields:    map[string]any{"kind": string(e.Kind), "camera_id": e.CameraID},
	})
}

func (m *Manager) onFatal(id string, err error) {
	m.publish(Event{Name: "session_failed", SessionID: id, Fields: map[string]any{"error": err.Error()}})
}

// Ready reports whether new sessions can be served.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	state := m.state
	m.mu.RUnlock()
	if state != StateReady {
		return false
	}
	return m.SanityCheck().OK()
}

// CreateSession validates req and registers an idle session. Admission is
// requested on the first play or seek.
func (m *Manager) CreateSession(ctx context.Context, req types.CreateSessionRequest) (types.SessionStatus, error) {
	if !req.Kind.Valid() {
		return types.SessionStatus{}, invalidRequestError{msg: "invalid kind: " + string(req.Kind)}
	}
	if req.CameraID == "" {
		return types.SessionStatus{}, invalidRequestError{msg: "camera_id is required"}
	}
	if req.StartEpochMs != nil && req.Kind.Live() {
		return types.SessionStatus{}, invalidRequestError{msg: "start_epoch_ms only applies to playback sessions"}
	}
	spec := session.Spec{
		ID:       uuid.NewString(),
		Kind:     req.Kind,
		CameraID: req.CameraID,
		Quality:  req.Quality,
	}
	if req.Kind == types.KindPlayback {
		spec.StartEpochMs = m.playbackStart(req.CameraID, req.StartEpochMs)
	}

	m.mu.Lock()
	if m.state != StateReady {
		m.mu.Unlock()
		return types.SessionStatus{}, ErrDependencyUnavailable("manager is " + string(m.state))
	}
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		m.log.Warn().Int("limit", m.maxSessions).Msg("event=session_limit_reached")
		return types.SessionStatus{}, tooBusyError{limit: m.maxSessions}
	}
	cfg := m.sessCfg
	cfg.OnFatal = m.onFatal
	ctl, err := session.New(spec, session.Deps{
		Authority: m.auth,
		Source:    m.source,
		Pool:      m.pool,
		NewSink:   m.newSink,
		Timeline:  m.tlCfg,
	}, cfg)
	if err != nil {
		m.mu.Unlock()
		return types.SessionStatus{}, invalidRequestError{msg: err.Error()}
	}
	e := &entry{ctl: ctl, created: time.Now()}
	m.sessions[spec.ID] = e
	sessionsGauge.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	m.log.Info().Str("session_id", spec.ID).Str("kind", string(spec.Kind)).Str("camera_id", spec.CameraID).Msg("event=session_created")
	m.publish(Event{Name: "session_created", SessionID: spec.ID, Fields: map[string]any{"kind": string(spec.Kind), "camera_id": spec.CameraID}})
	return m.status(e), nil
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound(id)
	}
	return e, nil
}

// GetSession returns the status of one session.
func (m *Manager) GetSession(id string) (types.SessionStatus, error) {
	e, err := m.lookup(id)
	if err != nil {
		return types.SessionStatus{}, err
	}
	return m.status(e), nil
}

// ListSessions returns every session ordered by creation time.
func (m *Manager) ListSessions() []types.SessionStatus {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].created.Equal(entries[j].created) {
			return entries[i].ctl.ID() < entries[j].ctl.ID()
		}
		return entries[i].created.Before(entries[j].created)
	})
	out := make([]types.SessionStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, m.status(e))
	}
	return out
}

// Play resumes a session, or seeks it when epochMs is set.
func (m *Manager) Play(ctx context.Context, id string, epochMs *int64) (types.SessionStatus, error) {
	e, err := m.lookup(id)
	if err != nil {
		return types.SessionStatus{}, err
	}
	err = e.ctl.Play(ctx, epochMs)
	observeOp("play", err)
	if err != nil {
		m.publishDenied(id, err)
		return m.status(e), err
	}
	return m.status(e), nil
}

// Pause freezes a session.
func (m *Manager) Pause(id string) (types.SessionStatus, error) {
	e, err := m.lookup(id)
	if err != nil {
		return types.SessionStatus{}, err
	}
	err = e.ctl.Pause()
	observeOp("pause", err)
	return m.status(e), err
}

// Seek moves a session to epochMs.
func (m *Manager) Seek(ctx context.Context, id string, epochMs int64) (types.SessionStatus, error) {
	e, err := m.lookup(id)
	if err != nil {
		return types.SessionStatus{}, err
	}
	_, err = e.ctl.Seek(ctx, epochMs)
	observeOp("seek", err)
	if err != nil {
		m.publishDenied(id, err)
	}
	return m.status(e), err
}

// Stop ends a session's playback and frees its admission slot.
func (m *Manager) Stop(id string) (types.SessionStatus, error) {
	e, err := m.lookup(id)
	if err != nil {
		return types.SessionStatus{}, err
	}
	m.rememberPosition(e)
	err = e.ctl.Stop()
	observeOp("stop", err)
	return m.status(e), err
}

// DestroySession tears a session down and forgets it.
func (m *Manager) DestroySession(id string) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		sessionsGauge.Set(float64(len(m.sessions)))
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound(id)
	}
	m.rememberPosition(e)
	err := e.ctl.Destroy()
	observeOp("destroy", err)
	m.publish(Event{Name: "session_destroyed", SessionID: id})
	return err
}

func (m *Manager) publishDenied(id string, err error) {
	if session.IsAdmissionDenied(err) {
		m.publish(Event{Name: "session_denied", SessionID: id, Fields: map[string]any{"error": err.Error()}})
	}
}

func (m *Manager) status(e *entry) types.SessionStatus {
	s := e.ctl.Snapshot()
	st := types.SessionStatus{
		ID:             s.ID,
		Kind:           s.Kind,
		CameraID:       s.CameraID,
		Quality:        s.Quality,
		State:          string(s.State),
		Admitted:       s.Admitted,
		Generation:     s.Generation,
		TargetEpochMs:  s.TargetEpochMs,
		BaseEpochMs:    s.BaseEpochMs,
		CurrentEpochMs: s.CurrentEpochMs,
		CreatedUnix:    e.created.Unix(),
	}
	if s.Err != nil {
		st.Error = s.Err.Error()
	}
	return st
}
