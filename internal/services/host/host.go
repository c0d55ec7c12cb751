// Package host models the application whose data is being backed up: its
// single primary execution context, its worker contexts, and the switch that
// pauses and resumes its own persistence.
package host

import (
	"context"
	"errors"
	"time"

	"github.com/fgeck/hostsnap/internal/models"
)

// ErrStopped is returned when work is submitted to a host that is no longer
// running.
var ErrStopped = errors.New("host stopped")

// PrimaryFunc is work that must run on the primary context.
type PrimaryFunc func(ctx context.Context) (models.Ack, error)

// PrimaryResult is the outcome of a PrimaryFunc.
type PrimaryResult struct {
	Ack models.Ack
	Err error
}

// Primary is the single-threaded context that owns host state.
type Primary interface {
	IsPrimary(ctx context.Context) bool
	// RunOnPrimary queues fn on the primary context. The returned channel
	// receives exactly one result.
	RunOnPrimary(fn PrimaryFunc) (<-chan PrimaryResult, error)
}

// Task is a scheduled unit of worker work. Cancel is idempotent and only
// prevents future runs.
type Task interface {
	Cancel()
}

// Worker runs blocking work off the primary context.
type Worker interface {
	RunOnWorkerDelayed(fn func(ctx context.Context), delay time.Duration) (Task, error)
	RunOnWorkerRepeating(fn func(ctx context.Context), initialDelay, period time.Duration) (Task, error)
}

// Persistence is the host's own save switch. Both calls must run on the
// primary context.
type Persistence interface {
	FlushAndPausePersistence(ctx context.Context) (models.Ack, error)
	ResumePersistence(ctx context.Context) (models.Ack, error)
}

// Host is the full capability surface used by the backup subsystem.
type Host interface {
	Primary
	Worker
	Persistence
}

type primaryKey struct{}

// WithPrimary marks ctx as running on the primary context.
func WithPrimary(ctx context.Context) context.Context {
	return context.WithValue(ctx, primaryKey{}, true)
}

// OnPrimary reports whether ctx was marked by WithPrimary.
func OnPrimary(ctx context.Context) bool {
	v, _ := ctx.Value(primaryKey{}).(bool)
	return v
}
