package manager

import (
	"time"

	"github.com/rs/zerolog"

	"viewd/internal/authority"
	"viewd/internal/pool"
	"viewd/internal/segments"
	"viewd/internal/sink"
	"viewd/internal/timeline"
	"viewd/internal/transport"
	"viewd/pkg/types"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultMaxSessions       = 256
	defaultSinkCapacityBytes = 64 << 20
	defaultDrainTimeout      = 5 * time.Second
	defaultPlaybackRewind    = time.Minute
)

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	// Ceilings overrides per-kind admission ceilings.
	Ceilings map[types.SessionKind]int
	// MaxSessions bounds the number of sessions known at once.
	MaxSessions int

	// Source lists and fetches segments. Defaults to an empty in-memory index.
	Source timeline.SegmentSource
	// Opener negotiates live handles. Defaults to transport.StaticOpener.
	Opener              pool.Opener
	IdleGrace           time.Duration
	MaxConcurrentSetups int
	SetupTimeout        time.Duration

	Timeline timeline.Config
	// NewSink overrides the sink factory; by default every generation gets
	// a sink.Memory of SinkCapacityBytes.
	NewSink           func() timeline.Sink
	SinkCapacityBytes int

	AdmissionRetries    int
	AdmissionRetryDelay time.Duration

	// ArchiveDir is checked by SanityCheck when set.
	ArchiveDir string
	// PositionsPath persists the last playback position per camera.
	PositionsPath string
	DrainTimeout  time.Duration

	Logger zerolog.Logger
}

// NewWithConfig constructs a Manager from ManagerConfig.
func NewWithConfig(cfg ManagerConfig) *Manager {
	log := cfg.Logger.With().Str("component", "manager").Logger()
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.SinkCapacityBytes <= 0 {
		cfg.SinkCapacityBytes = defaultSinkCapacityBytes
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.Source == nil {
		idx := segments.NewMemoryIndex()
		cfg.Source = segments.NewFetcher(idx, idx, cfg.Logger)
	}
	if cfg.Opener == nil {
		cfg.Opener = &transport.StaticOpener{}
	}
	if cfg.NewSink == nil {
		capacity := cfg.SinkCapacityBytes
		cfg.NewSink = func() timeline.Sink { return sink.NewMemory(capacity) }
	}
	if cfg.Timeline.Now == nil {
		cfg.Timeline.Now = time.Now
	}

	m := &Manager{
		state:       StateReady,
		sessions:    make(map[string]*entry),
		maxSessions: cfg.MaxSessions,
		auth:        authority.New(authority.Config{Ceilings: cfg.Ceilings, Logger: cfg.Logger}),
		pool: pool.New(pool.Config{
			Opener:              cfg.Opener,
			IdleGrace:           cfg.IdleGrace,
			MaxConcurrentSetups: cfg.MaxConcurrentSetups,
			SetupTimeout:        cfg.SetupTimeout,
			Logger:              cfg.Logger,
		}),
		source:        cfg.Source,
		newSink:       cfg.NewSink,
		tlCfg:         cfg.Timeline,
		sessCfg:       sessionConfig(cfg),
		archiveDir:    cfg.ArchiveDir,
		positionsPath: cfg.PositionsPath,
		drainTimeout:  cfg.DrainTimeout,
		publisher:     noopPublisher{},
		bus:           NewBroadcaster(),
		log:           log,
		startTime:     time.Now(),
	}
	m.loadPositions()
	m.unsubAuth = m.auth.Subscribe(m.onAdmission)
	return m
}
