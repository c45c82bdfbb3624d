package manager

import (
	"time"

	"viewd/pkg/types"
)

// Snapshot returns a read-only view of the manager state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{State: m.state, Sessions: len(m.sessions), Err: m.err, Started: m.startTime}
}

// Status builds a detailed status response for /status.
func (m *Manager) Status() types.StatusResponse {
	resp := types.StatusResponse{
		InflightSetups: m.pool.InflightSetups(),
		UptimeSeconds:  int64(time.Since(m.startTime).Seconds()),
		ServerTimeUnix: time.Now().Unix(),
	}
	for _, k := range types.Kinds {
		resp.Admission = append(resp.Admission, types.AdmissionStatus{
			Kind:    k,
			Active:  m.auth.Active(k),
			Ceiling: m.auth.Ceiling(k),
		})
	}
	stats := m.pool.Stats()
	resp.Pool = make([]types.PoolSlotStatus, 0, len(stats))
	for _, s := range stats {
		ps := types.PoolSlotStatus{Key: s.Key, Refs: s.Refs, Idle: s.Idle}
		if !s.LastReleasedAt.IsZero() {
			ps.LastReleasedUnix = s.LastReleasedAt.Unix()
		}
		resp.Pool = append(resp.Pool, ps)
	}
	m.mu.RLock()
	resp.Sessions = len(m.sessions)
	m.mu.RUnlock()
	return resp
}
