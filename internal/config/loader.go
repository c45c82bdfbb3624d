package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"viewd/pkg/types"
)

// Duration is a time.Duration written as a string such as "250ms" or "10s".
type Duration time.Duration

// UnmarshalText parses s with time.ParseDuration.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders d in time.Duration notation.
func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Pool configures the shared handle pool.
type Pool struct {
	IdleGrace           Duration `json:"idle_grace" yaml:"idle_grace" toml:"idle_grace"`
	MaxConcurrentSetups int      `json:"max_concurrent_setups" yaml:"max_concurrent_setups" toml:"max_concurrent_setups"`
	SetupTimeout        Duration `json:"setup_timeout" yaml:"setup_timeout" toml:"setup_timeout"`
}

// Timeline configures segment assembly.
type Timeline struct {
	LookBehind         Duration `json:"look_behind" yaml:"look_behind" toml:"look_behind"`
	LookAhead          Duration `json:"look_ahead" yaml:"look_ahead" toml:"look_ahead"`
	LiveWindow         Duration `json:"live_window" yaml:"live_window" toml:"live_window"`
	PruneLookBehind    Duration `json:"prune_look_behind" yaml:"prune_look_behind" toml:"prune_look_behind"`
	MaxOverflowRetries int      `json:"max_overflow_retries" yaml:"max_overflow_retries" toml:"max_overflow_retries"`
	OverflowRetryDelay Duration `json:"overflow_retry_delay" yaml:"overflow_retry_delay" toml:"overflow_retry_delay"`
	PollInterval       Duration `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
	SinkCapacityBytes  int      `json:"sink_capacity_bytes" yaml:"sink_capacity_bytes" toml:"sink_capacity_bytes"`
}

// Index selects the segment index. ArchiveDir wins over URL.
type Index struct {
	ArchiveDir string  `json:"archive_dir" yaml:"archive_dir" toml:"archive_dir"`
	URL        string  `json:"url" yaml:"url" toml:"url"`
	RateLimit  float64 `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
}

// Transport configures live handle negotiation.
type Transport struct {
	SignalURL string `json:"signal_url" yaml:"signal_url" toml:"signal_url"`
}

// CORS configures cross-origin access to the HTTP API.
type CORS struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
	Methods []string `json:"methods" yaml:"methods" toml:"methods"`
	Headers []string `json:"headers" yaml:"headers" toml:"headers"`
}

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr     string `json:"addr" yaml:"addr" toml:"addr"`
	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`

	// Ceilings maps session kind to its admission ceiling. Missing kinds
	// keep their built-in default; 0 disables a kind.
	Ceilings    map[string]int `json:"ceilings" yaml:"ceilings" toml:"ceilings"`
	MaxSessions int            `json:"max_sessions" yaml:"max_sessions" toml:"max_sessions"`

	Pool      Pool      `json:"pool" yaml:"pool" toml:"pool"`
	Timeline  Timeline  `json:"timeline" yaml:"timeline" toml:"timeline"`
	Index     Index     `json:"index" yaml:"index" toml:"index"`
	Transport Transport `json:"transport" yaml:"transport" toml:"transport"`
	CORS      CORS      `json:"cors" yaml:"cors" toml:"cors"`

	PositionsPath  string   `json:"positions_path" yaml:"positions_path" toml:"positions_path"`
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout" toml:"request_timeout"`
	MaxBodyBytes   int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`

	// CreateRateLimit caps session creations per minute per client IP.
	CreateRateLimit int `json:"create_rate_limit" yaml:"create_rate_limit" toml:"create_rate_limit"`
}

// Defaults returns the values used for anything a file and flags leave unset.
func Defaults() Config {
	return Config{
		Addr:           ":8080",
		LogLevel:       "info",
		PositionsPath:  "~/.viewd/positions.json",
		RequestTimeout: Duration(30 * time.Second),
	}
}

// WithDefaults fills zero top-level fields from Defaults. Nested sections
// keep their zero values; the components apply their own defaults.
func (c Config) WithDefaults() Config {
	d := Defaults()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.PositionsPath == "" {
		c.PositionsPath = d.PositionsPath
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	return c
}

// KindCeilings converts Ceilings to typed kinds, rejecting unknown names and
// negative values.
func (c Config) KindCeilings() (map[types.SessionKind]int, error) {
	if len(c.Ceilings) == 0 {
		return nil, nil
	}
	out := make(map[types.SessionKind]int, len(c.Ceilings))
	for name, n := range c.Ceilings {
		k := types.SessionKind(name)
		if !k.Valid() {
			return nil, fmt.Errorf("ceilings: unknown session kind %q", name)
		}
		if n < 0 {
			return nil, fmt.Errorf("ceilings: negative ceiling for %s", name)
		}
		out[k] = n
	}
	return out, nil
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
