package manager

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// Shutdown drains every session and releases shared resources.
// - Sets the manager state to draining so new sessions are rejected.
// - Destroys all sessions concurrently, waiting up to the drain timeout.
// - Persists playback positions and closes the handle pool.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateDraining {
		m.mu.Unlock()
		return nil
	}
	m.state = StateDraining
	entries := make([]*entry, 0, len(m.sessions))
	for id, e := range m.sessions {
		entries = append(entries, e)
		delete(m.sessions, id)
	}
	sessionsGauge.Set(0)
	m.mu.Unlock()
	m.log.Info().Int("sessions", len(entries)).Msg("event=shutdown_start")
	m.publish(Event{Name: "shutdown_start", Fields: map[string]any{"sessions": len(entries)}})

	ctx, cancel := context.WithTimeout(ctx, m.drainTimeout)
	defer cancel()
	var g errgroup.Group
	for _, e := range entries {
		g.Go(func() error {
			m.rememberPosition(e)
			return e.ctl.Destroy()
		})
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
		m.log.Warn().Msg("event=shutdown_timeout")
		m.publish(Event{Name: "shutdown_timeout"})
	}

	m.unsubAuth()
	m.pool.Close()
	if perr := m.savePositions(); perr != nil {
		m.log.Warn().Err(perr).Msg("event=positions_save_failed")
		err = errors.Join(err, perr)
	}
	m.publish(Event{Name: "shutdown_done"})
	m.log.Info().Msg("event=shutdown_done")
	return err
}
