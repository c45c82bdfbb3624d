// Package manager is the application context of viewd. It owns the shared
// admission authority, handle pool and segment source, creates session
// controllers on demand and exposes them to the HTTP layer.
//
//   - manager.go: Manager type, session lookup and per-session operations.
//   - config.go: ManagerConfig and package defaults; NewWithConfig applies defaults.
//   - types.go: manager state and snapshot types.
//   - errors.go: error types and helpers (IsTooBusy, IsSessionNotFound, ...).
//   - events.go: Event, EventPublisher and the subscriber fan-out.
//   - status_report.go: Status/Snapshot reporting helpers.
//   - sanity.go: startup checks for external dependencies.
//   - positions.go: last playback position per camera, persisted as JSON.
//   - shutdown.go: graceful drain of every session.
//
// External packages should use public methods only.
package manager
