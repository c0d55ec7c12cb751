// Package runner orchestrates one backup run: wake, pause, rotate, archive,
// resume, report.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fgeck/hostsnap/internal/metrics"
	"github.com/fgeck/hostsnap/internal/models"
	"github.com/fgeck/hostsnap/internal/services/archive"
	"github.com/fgeck/hostsnap/internal/services/host"
	"github.com/fgeck/hostsnap/internal/services/pause"
	"github.com/fgeck/hostsnap/internal/services/rotate"
	"github.com/fgeck/hostsnap/internal/services/telegram"
	"github.com/fgeck/hostsnap/internal/services/wol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RedispatchDelay is how long a run requested on the primary context waits
// before it starts on a worker.
const RedispatchDelay = 50 * time.Millisecond

// Service defines the interface for the backup runner.
type Service interface {
	RunBackup(ctx context.Context, kind models.JobKind, notifier models.Notifier) (*models.RunResult, error)
	Trigger(ctx context.Context, kind models.JobKind)
}

// Dispatcher is the part of the host the runner needs besides the guard.
type Dispatcher interface {
	host.Primary
	host.Worker
}

// Impl implements the runner Service interface.
type Impl struct {
	cfg         models.BackupConfig
	host        Dispatcher
	guard       pause.Service
	rotator     rotate.Service
	archiver    archive.Service
	wolSvc      wol.Service
	telegramSvc telegram.Service
	logger      zerolog.Logger

	locks map[models.JobKind]*sync.Mutex

	// session serializes pause..resume across kinds. The host has a single
	// save switch, so one run's resume must not land inside another's archive.
	session sync.Mutex
}

// New creates a new runner service for cfg on h.
func New(logger zerolog.Logger, cfg models.BackupConfig, h host.Host) *Impl {
	return NewWithServices(
		logger,
		cfg,
		h,
		pause.New(logger, h, cfg.Host.PauseTimeout),
		rotate.New(logger),
		archive.New(logger),
		wol.New(logger),
		telegram.New(logger),
	)
}

// NewWithServices creates a new runner service with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	cfg models.BackupConfig,
	h Dispatcher,
	guard pause.Service,
	rotator rotate.Service,
	archiver archive.Service,
	wolSvc wol.Service,
	telegramSvc telegram.Service,
) *Impl {
	locks := make(map[models.JobKind]*sync.Mutex, len(models.JobKinds))
	for _, kind := range models.JobKinds {
		locks[kind] = &sync.Mutex{}
	}
	return &Impl{
		cfg:         cfg,
		host:        h,
		guard:       guard,
		rotator:     rotator,
		archiver:    archiver,
		wolSvc:      wolSvc,
		telegramSvc: telegramSvc,
		logger:      logger,
		locks:       locks,
	}
}

// RunBackup runs a backup of kind. Called on the primary context it only
// schedules the run on a worker and returns an accepted result. Called on a
// worker it runs to completion; a second run of the same kind while one is in
// progress is rejected with models.ErrRunInProgress, while a run of the other
// kind waits for the host to be resumed before pausing it again. The returned
// error is the run's error, which is also recorded in the result.
func (s *Impl) RunBackup(ctx context.Context, kind models.JobKind, notifier models.Notifier) (*models.RunResult, error) {
	if s.host.IsPrimary(ctx) {
		return s.redispatch(kind, notifier)
	}

	lock, ok := s.locks[kind]
	if !ok {
		return nil, fmt.Errorf("unknown job kind %s", kind)
	}
	if !lock.TryLock() {
		metrics.RunsTotal.WithLabelValues(kind.String(), metrics.OutcomeRejected).Inc()
		s.logger.Warn().Str("job", kind.String()).Msg("backup already running, skipping")
		return nil, fmt.Errorf("%w: %s", models.ErrRunInProgress, kind)
	}
	defer lock.Unlock()

	result := s.run(ctx, kind, notifier)
	return result, result.Error
}

// Trigger runs a backup of kind from a timer. Nothing escapes it: errors and
// panics are logged as warnings.
func (s *Impl) Trigger(ctx context.Context, kind models.JobKind) {
	s.trigger(ctx, kind, nil)
}

func (s *Impl) trigger(ctx context.Context, kind models.JobKind, notifier models.Notifier) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn().Str("job", kind.String()).Interface("panic", r).Msg("backup run panicked")
		}
	}()

	if _, err := s.RunBackup(ctx, kind, notifier); err != nil {
		s.logger.Warn().Err(err).Str("job", kind.String()).Msg("backup run failed")
	}
}

func (s *Impl) redispatch(kind models.JobKind, notifier models.Notifier) (*models.RunResult, error) {
	_, err := s.host.RunOnWorkerDelayed(func(ctx context.Context) {
		s.trigger(ctx, kind, notifier)
	}, RedispatchDelay)
	if err != nil {
		return nil, fmt.Errorf("schedule immediate %s backup: %w", kind, err)
	}

	notify(notifier, fmt.Sprintf("Scheduled immediate %s backup", kind))
	return &models.RunResult{Kind: kind, Accepted: true}, nil
}

func (s *Impl) run(ctx context.Context, kind models.JobKind, notifier models.Notifier) *models.RunResult {
	job := s.cfg.Job(kind)
	result := &models.RunResult{
		RunID:     uuid.NewString(),
		Kind:      kind,
		StartTime: time.Now(),
	}
	logger := s.logger.With().Str("run_id", result.RunID).Str("job", kind.String()).Logger()

	var progress models.Notifier
	if s.cfg.VerboseLog && notifier != nil {
		progress = notifier
	}

	logger.Info().
		Str("destination", job.Destination).
		Int("keep", job.Keep).
		Msg("backup started")

	failedStep := "pause"
	defer func() {
		result.Duration = time.Since(result.StartTime)
		s.observe(kind, result)
		if s.cfg.Telegram != nil {
			s.sendNotification(ctx, logger, job, result, failedStep)
		}
	}()

	if s.cfg.WOL != nil {
		s.runWOL(ctx, logger, *s.cfg.WOL)
	}

	guardResult, err := s.exclusive(logger, func() (*models.GuardResult, error) {
		return s.guard.Do(ctx, func(ctx context.Context) error {
			failedStep = "rotate"
			rotation, err := s.rotator.Rotate(job.Destination, job.Keep)
			if err != nil {
				return fmt.Errorf("%w: %w", models.ErrRotation, err)
			}
			result.Rotation = rotation
			if rotation.DestinationHeld {
				return fmt.Errorf("%w: %s could not be moved aside, not overwriting it", models.ErrRotation, job.Destination)
			}

			failedStep = "archive"
			archived, err := s.archiver.Create(ctx, s.cfg.Sources, job.Destination, progress)
			if err != nil {
				return err
			}
			result.Archive = archived
			return archived.Error
		})
	})
	result.Guard = guardResult

	if err != nil {
		result.Error = err
		logger.Warn().Err(err).Str("step", failedStep).Msg("backup failed")
		return result
	}

	failedStep = ""
	event := logger.Info().
		Int("entries", result.Archive.Entries).
		Int64("bytes", result.Archive.BytesWritten).
		Int("shifted", result.Rotation.Shifted).
		Dur("duration", time.Since(result.StartTime))
	if result.Archive.MissingSources > 0 {
		event = event.Int("missing_sources", result.Archive.MissingSources)
	}
	event.Msg("backup completed")

	return result
}

// exclusive runs fn while holding the host-wide session, waiting for a run
// of another kind to resume the host first.
func (s *Impl) exclusive(logger zerolog.Logger, fn func() (*models.GuardResult, error)) (*models.GuardResult, error) {
	if !s.session.TryLock() {
		logger.Info().Msg("another backup holds the host paused, waiting")
		s.session.Lock()
	}
	defer s.session.Unlock()
	return fn()
}

// runWOL wakes the storage host. It never fails the run: if the destination
// is still unreachable the archive step reports it.
func (s *Impl) runWOL(ctx context.Context, logger zerolog.Logger, cfg models.WOLConfig) {
	result, err := s.wolSvc.Wake(ctx, cfg)
	if err == nil && result != nil {
		err = result.Error
	}
	if err != nil {
		logger.Warn().Err(err).Str("mac", cfg.MACAddress).Msg("failed to wake storage host, continuing")
		return
	}

	logger.Info().
		Bool("target_ready", result.TargetReady).
		Dur("wait_duration", result.WaitDuration).
		Msg("storage host awake")
}

func (s *Impl) observe(kind models.JobKind, result *models.RunResult) {
	label := kind.String()

	outcome := metrics.OutcomeSuccess
	if result.Error != nil {
		outcome = metrics.OutcomeFailure
	}
	metrics.ObserveRun(label, outcome, result.Duration, result.StartTime.Add(result.Duration))

	if g := result.Guard; g != nil {
		if !g.Paused {
			metrics.HostHandshakeFailures.WithLabelValues("pause").Inc()
		}
		if g.ResumeError != nil {
			metrics.HostHandshakeFailures.WithLabelValues("resume").Inc()
		}
	}
	if r := result.Rotation; r != nil {
		metrics.RotationErrors.WithLabelValues(label).Add(float64(len(r.Errors)))
	}
	if a := result.Archive; a != nil {
		metrics.ArchiveEntries.WithLabelValues(label).Add(float64(a.Entries))
		metrics.ArchiveBytes.WithLabelValues(label).Add(float64(a.BytesWritten))
		metrics.SkippedEntries.WithLabelValues(label, "missing").Add(float64(a.MissingSources))
		metrics.SkippedEntries.WithLabelValues(label, "unreadable").Add(float64(a.FailedEntries))
	}
}

func (s *Impl) sendNotification(
	ctx context.Context,
	logger zerolog.Logger,
	job models.JobConfig,
	result *models.RunResult,
	failedStep string,
) {
	msg := models.TelegramMessage{
		Success:     result.Error == nil,
		Kind:        result.Kind.String(),
		RunID:       result.RunID,
		Destination: job.Destination,
		StartTime:   result.StartTime,
		Duration:    result.Duration,
	}

	if result.Error != nil {
		msg.FailedStep = failedStep
		msg.ErrorMessage = result.Error.Error()
	}
	if a := result.Archive; a != nil {
		msg.Entries = a.Entries
		msg.BytesWritten = a.BytesWritten
		msg.MissingSources = a.MissingSources
		msg.FailedEntries = a.FailedEntries
	}
	if r := result.Rotation; r != nil {
		msg.Shifted = r.Shifted
	}
	if g := result.Guard; g != nil && g.ResumeError != nil {
		msg.ResumeWarning = g.ResumeError.Error()
	}

	sent, err := s.telegramSvc.SendNotification(context.WithoutCancel(ctx), *s.cfg.Telegram, msg)
	if err == nil && sent != nil {
		err = sent.Error
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to send Telegram notification")
		return
	}

	logger.Info().Msg("Telegram notification sent")
}

func notify(n models.Notifier, text string) {
	if n != nil {
		n.Notify(text)
	}
}
