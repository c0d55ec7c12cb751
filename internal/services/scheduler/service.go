// Package scheduler arms the periodic and daily backup timers on a host
// worker.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fgeck/hostsnap/internal/models"
	"github.com/fgeck/hostsnap/internal/services/host"
	"github.com/rs/zerolog"
)

// dailyPeriod re-arms a daily job after its first activation.
const dailyPeriod = 24 * time.Hour

// Handle identifies a scheduled job. The zero Handle identifies nothing.
type Handle int64

// Job is the work a timer runs on the worker context.
type Job func(ctx context.Context)

// Service defines the interface for backup scheduling.
type Service interface {
	Enable(cfg models.BackupConfig, run func(ctx context.Context, kind models.JobKind)) int
	ScheduleInterval(kind models.JobKind, period time.Duration, job Job) (Handle, error)
	ScheduleDaily(kind models.JobKind, at models.TimeOfDay, job Job) (Handle, error)
	Cancel(h Handle)
	CancelAll()
}

// Impl implements the scheduler Service interface. Each job kind has at most
// one live timer: scheduling a kind again cancels its previous timer first.
type Impl struct {
	worker host.Worker
	now    func() time.Time
	logger zerolog.Logger

	mu     sync.Mutex
	last   Handle
	tasks  map[Handle]host.Task
	byKind map[models.JobKind]Handle
}

// New creates a scheduler that arms timers on worker.
func New(logger zerolog.Logger, worker host.Worker) *Impl {
	return NewWithClock(logger, worker, time.Now)
}

// NewWithClock creates a scheduler with a custom clock (for testing).
func NewWithClock(logger zerolog.Logger, worker host.Worker, now func() time.Time) *Impl {
	return &Impl{
		worker: worker,
		now:    now,
		logger: logger,
		tasks:  make(map[Handle]host.Task),
		byKind: make(map[models.JobKind]Handle),
	}
}

// Enable arms every job kind that is not disabled in cfg and returns how
// many were armed. A schedule that cannot be parsed or armed disables only
// its own job.
func (s *Impl) Enable(cfg models.BackupConfig, run func(ctx context.Context, kind models.JobKind)) int {
	armed := 0

	for _, kind := range models.JobKinds {
		job := cfg.Job(kind)
		logger := s.logger.With().Str("job", kind.String()).Logger()

		if job.Disabled {
			logger.Info().Msg("backup job disabled")
			continue
		}

		spec, err := ParseSpec(kind, job.Schedule)
		if err != nil {
			logger.Warn().Err(err).Str("schedule", job.Schedule).Msg("unable to parse schedule, not scheduling backup")
			continue
		}

		kind := kind
		fn := func(ctx context.Context) { run(ctx, kind) }

		if spec.IsDaily() {
			_, err = s.ScheduleDaily(kind, *spec.DailyAt, fn)
		} else {
			_, err = s.ScheduleInterval(kind, spec.Interval, fn)
		}
		if err != nil {
			logger.Warn().Err(err).Msg("unable to schedule backup")
			continue
		}
		armed++
	}

	return armed
}

// ScheduleInterval runs job every period, the first time one period from now.
func (s *Impl) ScheduleInterval(kind models.JobKind, period time.Duration, job Job) (Handle, error) {
	if period <= 0 {
		return 0, fmt.Errorf("%w: interval must be positive, got %s", models.ErrConfigParse, period)
	}

	h, err := s.arm(kind, job, period, period)
	if err != nil {
		return 0, err
	}

	s.logger.Info().
		Str("job", kind.String()).
		Int64("handle", int64(h)).
		Dur("every", period).
		Msg("scheduled backup task")

	return h, nil
}

// ScheduleDaily runs job at the next wall-clock occurrence of at, then every
// 24 hours.
func (s *Impl) ScheduleDaily(kind models.JobKind, at models.TimeOfDay, job Job) (Handle, error) {
	now := s.now()
	next := NextDaily(now, at)
	delay := next.Sub(now)

	h, err := s.arm(kind, job, delay, dailyPeriod)
	if err != nil {
		return 0, err
	}

	s.logger.Info().
		Str("job", kind.String()).
		Int64("handle", int64(h)).
		Time("next", next).
		Str("in", formatDelay(delay)).
		Msg("scheduled daily backup")

	return h, nil
}

func (s *Impl) arm(kind models.JobKind, job Job, delay, period time.Duration) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.byKind[kind]; ok {
		s.cancelLocked(prev)
	}

	task, err := s.worker.RunOnWorkerRepeating(job, delay, period)
	if err != nil {
		return 0, fmt.Errorf("arm %s timer: %w", kind, err)
	}

	s.last++
	s.tasks[s.last] = task
	s.byKind[kind] = s.last
	return s.last, nil
}

// Cancel stops future activations of h. Unknown and already cancelled
// handles are ignored. A run already in progress is not interrupted.
func (s *Impl) Cancel(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(h)
}

// CancelAll cancels every live timer.
func (s *Impl) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind, h := range s.byKind {
		s.logger.Info().Str("job", kind.String()).Msg("stopping scheduled backup task")
		s.cancelLocked(h)
	}
}

func (s *Impl) cancelLocked(h Handle) {
	task, ok := s.tasks[h]
	if !ok {
		return
	}
	delete(s.tasks, h)
	for kind, kh := range s.byKind {
		if kh == h {
			delete(s.byKind, kind)
		}
	}
	task.Cancel()
}

// Active returns the live handle of kind, if any.
func (s *Impl) Active(kind models.JobKind) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.byKind[kind]
	return h, ok
}
