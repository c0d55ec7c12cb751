// Package archive writes configured files and folders into a zip archive.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fgeck/hostsnap/internal/models"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// chunkSize is the copy buffer used for every entry, whatever the file size.
const chunkSize = 4 * 1024

// Service defines the interface for archive creation.
type Service interface {
	Create(ctx context.Context, sources models.Sources, destination string, notifier models.Notifier) (*models.ArchiveResult, error)
}

// Impl implements the archive Service interface.
type Impl struct {
	fs     afero.Fs
	logger zerolog.Logger
}

// New creates an archiver working on the OS filesystem.
func New(logger zerolog.Logger) *Impl {
	return NewWithFs(logger, afero.NewOsFs())
}

// NewWithFs creates an archiver working on fs (for testing).
func NewWithFs(logger zerolog.Logger, fs afero.Fs) *Impl {
	return &Impl{
		fs:     fs,
		logger: logger,
	}
}

// walkItem is a pending path on the worklist.
type walkItem struct {
	path    string
	symlink bool
}

// walk carries the state of one Create call.
type walk struct {
	zw      *zip.Writer
	buf     []byte
	destAbs string
	result  *models.ArchiveResult
}

// Create writes every file reachable from sources into a new archive at
// destination, replacing any file already there. Entries are named by the
// path they were reached through. Missing sources and unreadable files are
// logged and skipped; only failing to create or finalize the archive, or
// cancellation of ctx, sets the result's Error.
func (s *Impl) Create(ctx context.Context, sources models.Sources, destination string, notifier models.Notifier) (*models.ArchiveResult, error) {
	if destination == "" {
		return nil, fmt.Errorf("archive destination is empty")
	}

	start := time.Now()
	result := &models.ArchiveResult{Destination: destination}
	defer func() { result.Duration = time.Since(start) }()

	s.ensureParent(destination)

	f, err := s.fs.Create(destination)
	if err != nil {
		result.Error = fmt.Errorf("%w: %w", models.ErrArchiveCreate, err)
		return result, nil
	}

	w := &walk{
		zw:     zip.NewWriter(f),
		buf:    make([]byte, chunkSize),
		result: result,
	}
	if abs, err := filepath.Abs(destination); err == nil {
		w.destAbs = abs
	}

	// The container is released on every exit path, including panics.
	defer func() {
		if err := w.zw.Close(); err != nil && result.Error == nil {
			result.Error = fmt.Errorf("finalize archive: %w", err)
		}
		if err := f.Close(); err != nil && result.Error == nil {
			result.Error = fmt.Errorf("close archive: %w", err)
		}
	}()

	for _, path := range sources.Files {
		notify(notifier, "Next File: "+path)
		if err := s.addTree(ctx, w, path); err != nil {
			result.Error = err
			return result, nil
		}
	}

	for _, path := range sources.Folders {
		notify(notifier, "Next Folder: "+path)
		if err := s.addTree(ctx, w, path); err != nil {
			result.Error = err
			return result, nil
		}
	}

	s.logger.Debug().
		Str("destination", destination).
		Int("entries", result.Entries).
		Int64("bytes", result.BytesWritten).
		Msg("archive written")

	return result, nil
}

func (s *Impl) ensureParent(destination string) {
	parent := filepath.Dir(destination)
	if ok, _ := afero.DirExists(s.fs, parent); ok {
		return
	}

	s.logger.Info().Str("dir", parent).Msg("creating folder for saves")
	if err := s.fs.MkdirAll(parent, 0o755); err != nil {
		s.logger.Warn().Err(err).Str("dir", parent).Msg("failed to create saves folder, expect more errors")
	}
}

// addTree archives root depth-first using an explicit worklist. Only
// cancellation is returned as an error.
func (s *Impl) addTree(ctx context.Context, w *walk, root string) error {
	stack := []walkItem{{path: root}}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		info, err := s.fs.Stat(item.path)
		if err != nil {
			if os.IsNotExist(err) {
				s.logger.Warn().
					Err(fmt.Errorf("%w: %s", models.ErrSourceMissing, item.path)).
					Str("path", item.path).
					Msg("cannot back up file/folder, does not exist")
				w.result.MissingSources++
			} else {
				s.logger.Warn().Err(err).Str("path", item.path).Msg("cannot stat file/folder")
				w.result.FailedEntries++
			}
			continue
		}

		if info.IsDir() {
			if item.symlink {
				s.logger.Debug().Str("path", item.path).Msg("not following symlinked folder")
				continue
			}
			children, err := afero.ReadDir(s.fs, item.path)
			if err != nil {
				s.logger.Warn().Err(err).Str("path", item.path).Msg("cannot list folder")
				w.result.FailedEntries++
				continue
			}
			// Reverse push so children pop in name order.
			for i := len(children) - 1; i >= 0; i-- {
				stack = append(stack, walkItem{
					path:    childPath(item.path, children[i].Name()),
					symlink: children[i].Mode()&os.ModeSymlink != 0,
				})
			}
			continue
		}

		if !info.Mode().IsRegular() {
			s.logger.Debug().Str("path", item.path).Msg("skipping non-regular file")
			continue
		}
		if w.isDestination(item.path) {
			continue
		}

		s.addFile(w, item.path, info)
	}

	return nil
}

// addFile streams one file into a new entry. Failures abandon the entry; the
// writer closes it when the next entry starts or the archive is finalized.
func (s *Impl) addFile(w *walk, path string, info os.FileInfo) {
	s.logger.Debug().Str("path", path).Msg("adding to zip")

	src, err := s.fs.Open(path)
	if err != nil {
		s.logger.Warn().Err(fmt.Errorf("%w: %w", models.ErrEntryRead, err)).Str("path", path).Msg("cannot open file")
		w.result.FailedEntries++
		return
	}
	defer func() { _ = src.Close() }()

	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("cannot build entry header")
		w.result.FailedEntries++
		return
	}
	hdr.Name = path
	hdr.Method = zip.Deflate

	entry, err := w.zw.CreateHeader(hdr)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("cannot start entry")
		w.result.FailedEntries++
		return
	}

	// Hide WriterTo so the fixed buffer is always used.
	n, err := io.CopyBuffer(entry, struct{ io.Reader }{src}, w.buf)
	w.result.BytesWritten += n
	if err != nil {
		s.logger.Warn().Err(fmt.Errorf("%w: %w", models.ErrEntryRead, err)).Str("path", path).Msg("read failed, entry abandoned")
		w.result.FailedEntries++
		return
	}

	w.result.Entries++
}

func (w *walk) isDestination(path string) bool {
	if w.destAbs == "" {
		return false
	}
	abs, err := filepath.Abs(path)
	return err == nil && abs == w.destAbs
}

// childPath joins without cleaning so entry names keep the configured prefix.
func childPath(parent, name string) string {
	if strings.HasSuffix(parent, string(filepath.Separator)) {
		return parent + name
	}
	return parent + string(filepath.Separator) + name
}

func notify(n models.Notifier, text string) {
	if n != nil {
		n.Notify(text)
	}
}
