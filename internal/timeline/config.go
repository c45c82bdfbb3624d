package timeline

import (
	"time"

	"github.com/rs/zerolog"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultLookBehind         = 2 * time.Second
	defaultLookAhead          = 30 * time.Second
	defaultLiveWindow         = 10 * time.Second
	defaultPruneLookBehind    = 5 * time.Second
	defaultMaxOverflowRetries = 20
	defaultOverflowRetryDelay = 250 * time.Millisecond
	defaultPollInterval       = time.Second
	maxGapStep                = 24 * time.Hour
)

// Config holds assembler tunables shared by every session.
type Config struct {
	// LookBehind widens each window query before the cursor so the segment
	// containing the target is found.
	LookBehind time.Duration
	// LookAhead bounds both the window query and how much data may be
	// buffered ahead of the playback position.
	LookAhead time.Duration
	// LiveWindow is the rolling window kept behind the position in live mode.
	LiveWindow time.Duration
	// PruneLookBehind is the margin kept behind the position when recovering
	// from a capacity overflow.
	PruneLookBehind time.Duration
	// MaxOverflowRetries bounds consecutive append retries for one segment
	// during which playback did not advance and nothing could be pruned.
	// Retries while paused are not counted.
	MaxOverflowRetries int
	// OverflowRetryDelay is waited between retries when pruning freed nothing.
	OverflowRetryDelay time.Duration
	// PollInterval paces index polling at the live edge and while the
	// look-ahead budget is full.
	PollInterval time.Duration

	Now    func() time.Time
	Logger zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.LookBehind <= 0 {
		c.LookBehind = defaultLookBehind
	}
	if c.LookAhead <= 0 {
		c.LookAhead = defaultLookAhead
	}
	if c.LiveWindow <= 0 {
		c.LiveWindow = defaultLiveWindow
	}
	if c.PruneLookBehind < 0 {
		c.PruneLookBehind = 0
	} else if c.PruneLookBehind == 0 {
		c.PruneLookBehind = defaultPruneLookBehind
	}
	if c.MaxOverflowRetries <= 0 {
		c.MaxOverflowRetries = defaultMaxOverflowRetries
	}
	if c.OverflowRetryDelay <= 0 {
		c.OverflowRetryDelay = defaultOverflowRetryDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
