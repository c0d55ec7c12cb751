// Package pause wraps a backup in the host's flush-and-pause / resume
// handshake.
package pause

import (
	"context"
	"fmt"
	"time"

	"github.com/fgeck/hostsnap/internal/models"
	"github.com/fgeck/hostsnap/internal/services/host"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a primary-context round-trip when none is configured.
const DefaultTimeout = 30 * time.Second

// Controller is the part of the host the guard needs.
type Controller interface {
	host.Primary
	host.Persistence
}

// Service defines the interface for the pause/resume handshake.
type Service interface {
	Pause(ctx context.Context) (models.Ack, error)
	Resume(ctx context.Context) (models.Ack, error)
	Do(ctx context.Context, fn func(ctx context.Context) error) (*models.GuardResult, error)
}

// Impl implements the pause Service interface.
type Impl struct {
	host    Controller
	timeout time.Duration
	logger  zerolog.Logger
}

// New creates a new pause guard. A non-positive timeout selects DefaultTimeout.
func New(logger zerolog.Logger, h Controller, timeout time.Duration) *Impl {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Impl{
		host:    h,
		timeout: timeout,
		logger:  logger,
	}
}

// Pause asks the host to flush its state and stop writing to disk. Only an
// "ok" acknowledgement counts as success.
func (s *Impl) Pause(ctx context.Context) (models.Ack, error) {
	ack, err := s.roundTrip(ctx, s.host.FlushAndPausePersistence)
	if err != nil {
		return ack, fmt.Errorf("%w: %w", models.ErrHostPause, err)
	}
	return ack, nil
}

// Resume asks the host to start writing to disk again.
func (s *Impl) Resume(ctx context.Context) (models.Ack, error) {
	ack, err := s.roundTrip(ctx, s.host.ResumePersistence)
	if err != nil {
		return ack, fmt.Errorf("%w: %w", models.ErrHostResume, err)
	}
	return ack, nil
}

// roundTrip runs fn on the primary context and waits at most s.timeout for
// its acknowledgement.
func (s *Impl) roundTrip(ctx context.Context, fn host.PrimaryFunc) (models.Ack, error) {
	ch, err := s.host.RunOnPrimary(fn)
	if err != nil {
		return "", fmt.Errorf("dispatch to primary context: %w", err)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return res.Ack, res.Err
		}
		if res.Ack != models.AckOK {
			return res.Ack, fmt.Errorf("unexpected acknowledgement %q", res.Ack)
		}
		return res.Ack, nil
	case <-timer.C:
		return "", fmt.Errorf("no acknowledgement from primary context after %s", s.timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Do pauses the host, runs fn, and resumes the host. Resume is attempted
// exactly once whatever happened before it, including a failed pause, in
// which case fn is not run. The returned error is the pause or fn error; a
// resume failure is logged and reported in the result only.
func (s *Impl) Do(ctx context.Context, fn func(ctx context.Context) error) (*models.GuardResult, error) {
	result := &models.GuardResult{}

	var runErr error
	if _, err := s.Pause(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("failed to pause host persistence, aborting backup")
		runErr = err
	} else {
		result.Paused = true
		s.logger.Debug().Msg("host persistence paused")
		runErr = s.runGuarded(ctx, fn)
	}

	// Shutdown must not leave the host paused.
	if _, err := s.Resume(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn().Err(err).Msg("failed to resume host persistence")
		result.ResumeError = err
	} else {
		result.Resumed = true
		s.logger.Debug().Msg("host persistence resumed")
	}

	return result, runErr
}

func (s *Impl) runGuarded(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backup panicked: %v", r)
		}
	}()
	return fn(ctx)
}
