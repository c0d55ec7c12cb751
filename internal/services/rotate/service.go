// Package rotate shifts prior archives down a fixed-depth chain of
// generations (name, name.1, ..., name.N) before a new archive is written.
package rotate

import (
	"fmt"
	"os"
	"strconv"

	"github.com/fgeck/hostsnap/internal/models"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Service defines the interface for archive rotation.
type Service interface {
	Rotate(destination string, keep int) (*models.RotationResult, error)
}

// Impl implements the rotate Service interface.
type Impl struct {
	fs     afero.Fs
	logger zerolog.Logger
}

// New creates a rotator working on the OS filesystem.
func New(logger zerolog.Logger) *Impl {
	return NewWithFs(logger, afero.NewOsFs())
}

// NewWithFs creates a rotator working on fs (for testing).
func NewWithFs(logger zerolog.Logger, fs afero.Fs) *Impl {
	return &Impl{
		fs:     fs,
		logger: logger,
	}
}

// Generation returns the path of generation i of destination. Generation 0
// is destination itself.
func Generation(destination string, i int) string {
	if i == 0 {
		return destination
	}
	return destination + "." + strconv.Itoa(i)
}

// Rotate moves generation i-1 to generation i for i from keep down to 1,
// discarding what was in generation keep. Missing generations are skipped.
// A failed delete or rename is logged and recorded and the remaining
// generations are still processed, but a generation whose content could not
// be moved out is never overwritten afterwards, so nothing below a failure
// is lost. keep == 0 leaves everything in place.
func (s *Impl) Rotate(destination string, keep int) (*models.RotationResult, error) {
	if keep < 0 {
		return nil, fmt.Errorf("keep must not be negative, got %d", keep)
	}

	result := &models.RotationResult{}
	held := ""

	for i := keep; i > 0; i-- {
		newName := Generation(destination, i)
		oldName := Generation(destination, i-1)

		exists, err := afero.Exists(s.fs, oldName)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", oldName).Msg("unable to stat generation")
			result.Errors = append(result.Errors, fmt.Errorf("%w: stat %s: %w", models.ErrRotation, oldName, err))
			held = oldName
			continue
		}
		if !exists {
			continue
		}

		if newName == held {
			s.logger.Warn().
				Str("from", oldName).
				Str("to", newName).
				Msg("target generation could not be shifted, leaving older generation in place")
			held = oldName
			continue
		}

		if err := s.fs.Remove(newName); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("file", newName).Msg("unable to delete")
		}

		if err := s.fs.Rename(oldName, newName); err != nil {
			s.logger.Warn().Err(err).Str("from", oldName).Str("to", newName).Msg("failed to rename")
			result.Errors = append(result.Errors, fmt.Errorf("%w: rename %s to %s: %w", models.ErrRotation, oldName, newName, err))
			held = oldName
			continue
		}

		result.Shifted++
		s.logger.Debug().Str("from", oldName).Str("to", newName).Msg("renamed")
	}

	result.DestinationHeld = held == destination
	return result, nil
}
