// Package hosttest provides a synchronous host for tests. Primary work runs
// on the calling goroutine; worker tasks run only when fired explicitly.
package hosttest

import (
	"context"
	"sync"
	"time"

	"github.com/fgeck/hostsnap/internal/models"
	"github.com/fgeck/hostsnap/internal/services/host"
)

// Fake implements host.Host.
type Fake struct {
	// PauseFunc and ResumeFunc default to returning models.AckOK.
	PauseFunc  func(ctx context.Context) (models.Ack, error)
	ResumeFunc func(ctx context.Context) (models.Ack, error)

	// Stopped makes RunOnPrimary and the worker calls fail with host.ErrStopped.
	Stopped bool
	// Hang makes RunOnPrimary accept work but never answer.
	Hang bool

	mu     sync.Mutex
	events []string
	tasks  []*Task
}

var _ host.Host = (*Fake)(nil)

// Task is a worker task recorded by the fake.
type Task struct {
	Delay  time.Duration
	Period time.Duration

	fn        func(ctx context.Context)
	mu        sync.Mutex
	cancelled bool
}

// Cancel implements host.Task.
func (t *Task) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
}

// Cancelled reports whether Cancel was called.
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Fire runs the task on the calling goroutine as a worker would. Cancelled
// tasks do not run.
func (t *Task) Fire() {
	if t.Cancelled() {
		return
	}
	t.fn(context.Background())
}

// Record appends an event to the ordered event log.
func (f *Fake) Record(event string) {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
}

// Events returns a copy of the event log. Pause and resume calls are logged
// as "pause" and "resume".
func (f *Fake) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

// Count returns how many times event was recorded.
func (f *Fake) Count(event string) int {
	n := 0
	for _, e := range f.Events() {
		if e == event {
			n++
		}
	}
	return n
}

// Tasks returns the worker tasks scheduled so far.
func (f *Fake) Tasks() []*Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Task(nil), f.tasks...)
}

// IsPrimary implements host.Primary.
func (f *Fake) IsPrimary(ctx context.Context) bool {
	return host.OnPrimary(ctx)
}

// RunOnPrimary implements host.Primary by running fn immediately.
func (f *Fake) RunOnPrimary(fn host.PrimaryFunc) (<-chan host.PrimaryResult, error) {
	if f.Stopped {
		return nil, host.ErrStopped
	}
	ch := make(chan host.PrimaryResult, 1)
	if f.Hang {
		return ch, nil
	}
	ack, err := fn(host.WithPrimary(context.Background()))
	ch <- host.PrimaryResult{Ack: ack, Err: err}
	return ch, nil
}

// RunOnWorkerDelayed implements host.Worker.
func (f *Fake) RunOnWorkerDelayed(fn func(ctx context.Context), delay time.Duration) (host.Task, error) {
	return f.addTask(fn, delay, 0)
}

// RunOnWorkerRepeating implements host.Worker.
func (f *Fake) RunOnWorkerRepeating(fn func(ctx context.Context), initialDelay, period time.Duration) (host.Task, error) {
	return f.addTask(fn, initialDelay, period)
}

func (f *Fake) addTask(fn func(ctx context.Context), delay, period time.Duration) (host.Task, error) {
	if f.Stopped {
		return nil, host.ErrStopped
	}
	t := &Task{Delay: delay, Period: period, fn: fn}
	f.mu.Lock()
	f.tasks = append(f.tasks, t)
	f.mu.Unlock()
	return t, nil
}

// FlushAndPausePersistence implements host.Persistence.
func (f *Fake) FlushAndPausePersistence(ctx context.Context) (models.Ack, error) {
	f.Record("pause")
	if f.PauseFunc != nil {
		return f.PauseFunc(ctx)
	}
	return models.AckOK, nil
}

// ResumePersistence implements host.Persistence.
func (f *Fake) ResumePersistence(ctx context.Context) (models.Ack, error) {
	f.Record("resume")
	if f.ResumeFunc != nil {
		return f.ResumeFunc(ctx)
	}
	return models.AckOK, nil
}
