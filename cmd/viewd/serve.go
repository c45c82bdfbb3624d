package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"viewd/internal/common/fsutil"
	"viewd/internal/config"
	"viewd/internal/httpapi"
	"viewd/internal/manager"
	"viewd/internal/pool"
	"viewd/internal/registry"
	"viewd/internal/segments"
	"viewd/internal/timeline"
	"viewd/internal/transport"
)

const shutdownTimeout = 10 * time.Second

type serveFlags struct {
	configPath    string
	addr          string
	logLevel      string
	logFormat     string
	archiveDir    string
	indexURL      string
	signalURL     string
	positionsPath string
	corsOrigins   string
	maxSessions   int
}

func newServeCmd() *cobra.Command {
	var f serveFlags
	defaultAddr := ""
	if v := os.Getenv("VIEWD_ADDR"); v != "" {
		defaultAddr = v
	}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg.LogLevel, f.logFormat)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.configPath, "config", "", "Config file (.yaml, .yml, .json or .toml)")
	fl.StringVar(&f.addr, "addr", defaultAddr, "HTTP listen address, e.g. :8080 (defaults VIEWD_ADDR)")
	fl.StringVar(&f.logLevel, "log-level", "", "Log level: debug|info|warn|error")
	fl.StringVar(&f.logFormat, "log-format", "json", "Log format: json|console")
	fl.StringVar(&f.archiveDir, "archive-dir", "", "Segment archive directory (<camera>/<startMs>-<endMs>.<ext>)")
	fl.StringVar(&f.indexURL, "index-url", "", "Remote segment index base URL")
	fl.StringVar(&f.signalURL, "signal-url", "", "Websocket signaling endpoint for live streams")
	fl.StringVar(&f.positionsPath, "positions-path", "", "File remembering playback positions per camera")
	fl.StringVar(&f.corsOrigins, "cors-origins", "", "Comma-separated allowed origins; enables CORS")
	fl.IntVar(&f.maxSessions, "max-sessions", 0, "Maximum number of sessions (0=default)")
	return cmd
}

// loadConfig reads the optional config file and lets explicitly set flags
// override it.
func loadConfig(cmd *cobra.Command, f serveFlags) (config.Config, error) {
	var cfg config.Config
	if f.configPath != "" {
		c, err := config.Load(f.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		cfg = c
	}
	changed := func(name string) bool { return cmd.Flags().Changed(name) }
	if changed("addr") || (cfg.Addr == "" && f.addr != "") {
		cfg.Addr = f.addr
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if changed("archive-dir") {
		cfg.Index.ArchiveDir = f.archiveDir
	}
	if changed("index-url") {
		cfg.Index.URL = f.indexURL
	}
	if changed("signal-url") {
		cfg.Transport.SignalURL = f.signalURL
	}
	if changed("positions-path") {
		cfg.PositionsPath = f.positionsPath
	}
	if changed("cors-origins") {
		cfg.CORS.Origins = splitCSV(f.corsOrigins)
		cfg.CORS.Enabled = len(cfg.CORS.Origins) > 0
	}
	if changed("max-sessions") {
		cfg.MaxSessions = f.maxSessions
	}
	return cfg.WithDefaults(), nil
}

func newLogger(level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}
	switch format {
	case "", "json":
		return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger(), nil
	case "console":
		w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", format)
	}
}

// buildSource picks the segment index: archive directory, remote index or
// an empty in-memory index.
func buildSource(cfg config.Config, log zerolog.Logger) (timeline.SegmentSource, error) {
	switch {
	case cfg.Index.ArchiveDir != "":
		idx, err := registry.NewDirIndex(cfg.Index.ArchiveDir)
		if err != nil {
			return nil, err
		}
		log.Info().Str("archive_dir", idx.Root()).Msg("event=index_archive")
		return segments.NewFetcher(idx, idx, log), nil
	case cfg.Index.URL != "":
		idx, err := segments.NewHTTPIndex(segments.HTTPIndexConfig{BaseURL: cfg.Index.URL, RateLimit: cfg.Index.RateLimit})
		if err != nil {
			return nil, err
		}
		log.Info().Str("url", cfg.Index.URL).Msg("event=index_remote")
		return segments.NewFetcher(idx, idx, log), nil
	default:
		log.Warn().Msg("event=index_empty no archive_dir or url configured")
		idx := segments.NewMemoryIndex()
		return segments.NewFetcher(idx, idx, log), nil
	}
}

func buildOpener(cfg config.Config, log zerolog.Logger) (pool.Opener, error) {
	if cfg.Transport.SignalURL == "" {
		return &transport.StaticOpener{}, nil
	}
	return transport.NewWSOpener(transport.WSConfig{SignalURL: cfg.Transport.SignalURL, Logger: log})
}

func managerConfig(cfg config.Config, log zerolog.Logger) (manager.ManagerConfig, error) {
	ceilings, err := cfg.KindCeilings()
	if err != nil {
		return manager.ManagerConfig{}, err
	}
	source, err := buildSource(cfg, log)
	if err != nil {
		return manager.ManagerConfig{}, err
	}
	opener, err := buildOpener(cfg, log)
	if err != nil {
		return manager.ManagerConfig{}, err
	}
	positions := cfg.PositionsPath
	if positions != "" {
		if positions, err = fsutil.ExpandHome(positions); err != nil {
			return manager.ManagerConfig{}, err
		}
	}
	tl := cfg.Timeline
	return manager.ManagerConfig{
		Ceilings:            ceilings,
		MaxSessions:         cfg.MaxSessions,
		Source:              source,
		Opener:              opener,
		IdleGrace:           cfg.Pool.IdleGrace.D(),
		MaxConcurrentSetups: cfg.Pool.MaxConcurrentSetups,
		SetupTimeout:        cfg.Pool.SetupTimeout.D(),
		Timeline: timeline.Config{
			LookBehind:         tl.LookBehind.D(),
			LookAhead:          tl.LookAhead.D(),
			LiveWindow:         tl.LiveWindow.D(),
			PruneLookBehind:    tl.PruneLookBehind.D(),
			MaxOverflowRetries: tl.MaxOverflowRetries,
			OverflowRetryDelay: tl.OverflowRetryDelay.D(),
			PollInterval:       tl.PollInterval.D(),
			Logger:             log,
		},
		SinkCapacityBytes: tl.SinkCapacityBytes,
		ArchiveDir:        cfg.Index.ArchiveDir,
		PositionsPath:     positions,
		Logger:            log,
	}, nil
}

func serve(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	mcfg, err := managerConfig(cfg, log)
	if err != nil {
		return err
	}
	mgr := manager.NewWithConfig(mcfg)

	httpapi.SetLogger(log)
	httpapi.SetRequestTimeout(cfg.RequestTimeout.D())
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetCreateRateLimit(cfg.CreateRateLimit, time.Minute)
	httpapi.SetCORSOptions(cfg.CORS.Enabled, cfg.CORS.Origins, cfg.CORS.Methods, cfg.CORS.Headers)
	// Canceled before srv.Shutdown so event streams end and do not hold it open.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	httpapi.SetBaseContext(baseCtx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(mgr),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("version", version).Msg("viewd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("event=shutdown_signal")
	case serveErr = <-errc:
		log.Error().Err(serveErr).Msg("server error")
	}

	cancelBase()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	if err := mgr.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("manager shutdown error")
	}
	return serveErr
}

// splitCSV splits a comma-separated list, trimming blanks.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
