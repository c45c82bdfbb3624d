// Package authority implements admission control for viewing sessions.
//
// Each session kind has its own ceiling. Reaching a ceiling is not an error:
// Register simply returns false and the caller retries later or degrades.
package authority

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"viewd/pkg/types"
)

// Defaults used when a kind has no configured ceiling.
const (
	defaultLiveGridCeiling = 16
	defaultLiveFullCeiling = 2
	defaultPlaybackCeiling = 4
)

// DefaultCeilings returns the built-in per-kind ceilings.
func DefaultCeilings() map[types.SessionKind]int {
	return map[types.SessionKind]int{
		types.KindLiveGrid: defaultLiveGridCeiling,
		types.KindLiveFull: defaultLiveFullCeiling,
		types.KindPlayback: defaultPlaybackCeiling,
	}
}

// Registration is the admission record of one live session.
type Registration struct {
	SessionID    string
	Kind         types.SessionKind
	CameraID     string
	RegisteredAt time.Time
}

// Config configures an Authority. A kind missing from Ceilings falls back to
// its default; an explicit 0 disables the kind.
type Config struct {
	Ceilings map[types.SessionKind]int
	Logger   zerolog.Logger
}

// Authority tracks admitted sessions and enforces per-kind ceilings.
type Authority struct {
	mu       sync.Mutex
	ceilings map[types.SessionKind]int
	sessions map[string]Registration
	subs     map[uint64]func(Event)
	nextSub  uint64
	log      zerolog.Logger
}

// New constructs an Authority.
func New(cfg Config) *Authority {
	ceilings := DefaultCeilings()
	for k, v := range cfg.Ceilings {
		if v < 0 {
			v = 0
		}
		ceilings[k] = v
	}
	return &Authority{
		ceilings: ceilings,
		sessions: make(map[string]Registration),
		subs:     make(map[uint64]func(Event)),
		log:      cfg.Logger.With().Str("component", "authority").Logger(),
	}
}

// Register admits the session if its kind is below its ceiling. Registering
// an id that is already admitted returns true without counting it twice.
func (a *Authority) Register(r Registration) bool {
	if r.RegisteredAt.IsZero() {
		r.RegisteredAt = time.Now()
	}
	a.mu.Lock()
	if _, ok := a.sessions[r.SessionID]; ok {
		a.mu.Unlock()
		return true
	}
	active := a.countLocked(r.Kind)
	ceiling := a.ceilings[r.Kind]
	if active >= ceiling {
		subs := a.subscribersLocked()
		a.mu.Unlock()
		admissionDecisions.WithLabelValues(string(r.Kind), "denied").Inc()
		a.log.Debug().Str("session_id", r.SessionID).Str("kind", string(r.Kind)).
			Int("active", active).Int("ceiling", ceiling).Msg("event=admission_denied")
		notify(subs, Event{Name: EventDenied, Registration: r})
		return false
	}
	a.sessions[r.SessionID] = r
	subs := a.subscribersLocked()
	a.mu.Unlock()
	admissionDecisions.WithLabelValues(string(r.Kind), "granted").Inc()
	activeSessions.WithLabelValues(string(r.Kind)).Inc()
	a.log.Debug().Str("session_id", r.SessionID).Str("kind", string(r.Kind)).
		Str("camera_id", r.CameraID).Msg("event=registered")
	notify(subs, Event{Name: EventRegistered, Registration: r})
	return true
}

// Unregister removes the session if present. Unknown ids are ignored.
func (a *Authority) Unregister(sessionID string) {
	a.mu.Lock()
	r, ok := a.sessions[sessionID]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.sessions, sessionID)
	subs := a.subscribersLocked()
	a.mu.Unlock()
	activeSessions.WithLabelValues(string(r.Kind)).Dec()
	a.log.Debug().Str("session_id", sessionID).Str("kind", string(r.Kind)).Msg("event=unregistered")
	notify(subs, Event{Name: EventUnregistered, Registration: r})
}

// Active returns the number of admitted sessions of the given kind.
func (a *Authority) Active(kind types.SessionKind) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.countLocked(kind)
}

// Ceiling returns the configured ceiling for kind.
func (a *Authority) Ceiling(kind types.SessionKind) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ceilings[kind]
}

// IsRegistered reports whether the session currently holds an admission slot.
func (a *Authority) IsRegistered(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.sessions[sessionID]
	return ok
}

// Sessions returns the admitted sessions ordered by registration time.
func (a *Authority) Sessions() []Registration {
	a.mu.Lock()
	out := make([]Registration, 0, len(a.sessions))
	for _, r := range a.sessions {
		out = append(out, r)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out
}

func (a *Authority) countLocked(kind types.SessionKind) int {
	n := 0
	for _, r := range a.sessions {
		if r.Kind == kind {
			n++
		}
	}
	return n
}
