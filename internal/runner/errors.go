package runner

import "errors"

// Infrastructure failures: nothing was actually executed, so callers must
// not record a run for these.
var (
	// ErrSandboxUnavailable is returned when the container platform cannot be reached
	ErrSandboxUnavailable = errors.New("sandbox platform unavailable")

	// ErrWorkspace is returned when the group workspace cannot be prepared
	ErrWorkspace = errors.New("failed to prepare sandbox workspace")

	// ErrHandoff is returned when the handoff bundle cannot be written
	ErrHandoff = errors.New("failed to write handoff bundle")

	// ErrSpawn is returned when the sandbox process cannot be started
	ErrSpawn = errors.New("failed to spawn sandbox process")
)
