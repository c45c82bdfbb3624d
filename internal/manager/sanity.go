package manager

import (
	"viewd/internal/common/fsutil"
)

// SanityReport describes checks of external dependencies.
type SanityReport struct {
	ArchiveDir   string `json:"archive_dir,omitempty"`
	ArchiveFound bool   `json:"archive_found"`
	Error        string `json:"error,omitempty"`
}

// OK reports whether every configured dependency is usable.
func (r SanityReport) OK() bool { return r.Error == "" }

// SanityCheck validates that the configured archive root is available.
// It does not mutate state and is safe to call at any time.
func (m *Manager) SanityCheck() SanityReport {
	r := SanityReport{ArchiveDir: m.archiveDir}
	if m.archiveDir == "" {
		return r
	}
	if !fsutil.PathExists(m.archiveDir) {
		r.Error = "archive directory not found"
		return r
	}
	r.ArchiveFound = true
	return r
}
