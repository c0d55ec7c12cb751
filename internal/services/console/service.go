// Package console dispatches operator commands typed at the host console.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fgeck/hostsnap/internal/models"
	"github.com/fgeck/hostsnap/internal/services/runner"
	"github.com/rs/zerolog"
)

// Usage is printed when the backup command is missing a valid job kind.
const Usage = "backup periodic|daily - Please specify which to run!"

// ErrUnknownCommand is returned for commands the console does not handle.
var ErrUnknownCommand = errors.New("unknown command")

// Service defines the interface for console command dispatch.
type Service interface {
	Execute(ctx context.Context, line string, out io.Writer) error
}

// Impl implements the console Service interface.
type Impl struct {
	runner runner.Service
	logger zerolog.Logger
}

// New creates a new console bound to r.
func New(logger zerolog.Logger, r runner.Service) *Impl {
	return &Impl{
		runner: r,
		logger: logger,
	}
}

// Execute runs one console line, writing replies to out. Blank lines are
// ignored. Backup failures are reported to out and logged; only an unknown
// command is returned as an error.
func (s *Impl) Execute(ctx context.Context, line string, out io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch strings.ToLower(fields[0]) {
	case "backup":
		s.backup(ctx, fields[1:], out)
		return nil
	case "help":
		fmt.Fprintln(out, Usage)
		return nil
	default:
		fmt.Fprintf(out, "Unknown command: %s\n", fields[0])
		return fmt.Errorf("%w: %s", ErrUnknownCommand, fields[0])
	}
}

func (s *Impl) backup(ctx context.Context, args []string, out io.Writer) {
	if len(args) == 0 {
		fmt.Fprintln(out, Usage)
		return
	}
	kind, err := models.ParseJobKind(args[0])
	if err != nil {
		fmt.Fprintln(out, Usage)
		return
	}

	s.logger.Info().Str("job", kind.String()).Msg("backup requested from console")

	result, err := s.runner.RunBackup(ctx, kind, writerNotifier(out))
	if err != nil {
		s.logger.Warn().Err(err).Str("job", kind.String()).Msg("console backup failed")
		fmt.Fprintf(out, "Backup failed: %v\n", err)
		return
	}
	if !result.Accepted {
		fmt.Fprintf(out, "Backup complete: %d entries written to %s\n", result.Archive.Entries, result.Archive.Destination)
	}
}

// writerNotifier writes each progress line to out. Runs may notify from a
// worker while the console writes, so lines are serialized.
func writerNotifier(out io.Writer) models.Notifier {
	var mu sync.Mutex
	return models.NotifierFunc(func(text string) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(out, text)
	})
}
