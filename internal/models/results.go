package models

import "time"

// ArchiveResult holds the result of writing one archive.
type ArchiveResult struct {
	Destination    string
	Entries        int
	BytesWritten   int64
	MissingSources int
	FailedEntries  int
	Duration       time.Duration
	Error          error
}

// RotationResult holds the result of shifting archive generations.
type RotationResult struct {
	Shifted int
	Errors  []error // one per generation that could not be deleted or renamed

	// DestinationHeld is set when the current archive could not be moved
	// out of the way, so writing a new one would destroy it.
	DestinationHeld bool
}

// GuardResult holds the outcome of the pause/resume handshake.
type GuardResult struct {
	Paused      bool
	Resumed     bool
	ResumeError error
}

// RunResult holds the result of one backup run.
type RunResult struct {
	RunID     string
	Kind      JobKind
	Accepted  bool // dispatched to a worker, not yet run
	StartTime time.Time
	Duration  time.Duration
	Rotation  *RotationResult
	Archive   *ArchiveResult
	Guard     *GuardResult
	Error     error
}
