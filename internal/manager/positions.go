package manager

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"viewd/pkg/types"
)

type positionRecord struct {
	EpochMs   int64 `json:"epoch_ms"`
	SavedUnix int64 `json:"saved_unix"`
}

// loadPositions restores the last playback position per camera.
func (m *Manager) loadPositions() {
	m.positions = make(map[string]positionRecord)
	if m.positionsPath == "" {
		return
	}
	f, err := os.Open(m.positionsPath)
	if err != nil {
		if !os.IsNotExist(err) {
			m.log.Warn().Err(err).Str("path", m.positionsPath).Msg("event=positions_load_failed")
		}
		return
	}
	defer f.Close()
	var data map[string]positionRecord
	if err := json.NewDecoder(f).Decode(&data); err != nil {
		m.log.Warn().Err(err).Str("path", m.positionsPath).Msg("event=positions_load_failed")
		return
	}
	m.positions = data
}

// savePositions writes the position table atomically.
func (m *Manager) savePositions() error {
	if m.positionsPath == "" {
		return nil
	}
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	m.mu.RLock()
	snap := make(map[string]positionRecord, len(m.positions))
	for cam, rec := range m.positions {
		snap[cam] = rec
	}
	m.mu.RUnlock()
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.positionsPath), 0o755); err != nil {
		return fmt.Errorf("create positions dir: %w", err)
	}
	pending, err := renameio.NewPendingFile(m.positionsPath, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending positions file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()
	if _, err := pending.Write(b); err != nil {
		return fmt.Errorf("write positions: %w", err)
	}
	return pending.CloseAtomicallyReplace()
}

// rememberPosition records where an anchored playback session stands and
// writes the table through to disk.
func (m *Manager) rememberPosition(e *entry) {
	s := e.ctl.Snapshot()
	if s.Kind != types.KindPlayback || s.BaseEpochMs == 0 {
		return
	}
	m.mu.Lock()
	m.positions[s.CameraID] = positionRecord{EpochMs: s.CurrentEpochMs, SavedUnix: time.Now().Unix()}
	m.mu.Unlock()
	if err := m.savePositions(); err != nil {
		m.log.Warn().Err(err).Str("camera_id", s.CameraID).Msg("event=positions_save_failed")
	}
}

// playbackStart picks the initial target of a playback session: the
// requested one, else the remembered position, else one minute ago.
func (m *Manager) playbackStart(cameraID string, requested *int64) int64 {
	if requested != nil {
		return *requested
	}
	m.mu.RLock()
	rec, ok := m.positions[cameraID]
	m.mu.RUnlock()
	if ok {
		return rec.EpochMs
	}
	return m.tlCfg.Now().Add(-defaultPlaybackRewind).UnixMilli()
}
