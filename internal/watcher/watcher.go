package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ErrInvalidPattern is returned by New for a malformed glob pattern.
var ErrInvalidPattern = errors.New("watcher: invalid pattern")

const defaultInterval = time.Second

// Logger defines the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}

// Watcher polls Dir for files matching a glob pattern.
type Watcher struct {
	dir      string
	pattern  string
	interval time.Duration
	settle   time.Duration
	logger   Logger
}

// New creates a watcher. interval is the poll period; settle is the pause
// after new files are seen before they are reported.
func New(dir, pattern string, interval, settle time.Duration, logger Logger) (*Watcher, error) {
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Watcher{
		dir:      dir,
		pattern:  pattern,
		interval: interval,
		settle:   settle,
		logger:   logger,
	}, nil
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Scan returns the matching regular files in lexical order. A missing
// directory yields no files.
func (w *Watcher) Scan() ([]string, error) {
	return Glob(w.dir, w.pattern)
}

// Glob returns the regular files in dir matching pattern, sorted.
func Glob(dir, pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}

	files := matches[:0]
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, m)
	}
	sort.Strings(files)
	return files, nil
}

// Wait blocks until more than seen files match, waits the settle delay and
// returns the matches found after it.
func (w *Watcher) Wait(ctx context.Context, seen int) ([]string, error) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		files, err := w.Scan()
		if err != nil {
			return nil, err
		}
		if len(files) > seen {
			w.logger.Debug("new files detected", "dir", w.dir, "count", len(files), "seen", seen)
			if err := sleep(ctx, w.settle); err != nil {
				return nil, err
			}
			return w.Scan()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CopyNew copies each file into dst unless a file with the same base name
// already exists there. It returns the destination paths that were written.
func CopyNew(files []string, dst string) ([]string, error) {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dst, err)
	}

	var copied []string
	for _, src := range files {
		target := filepath.Join(dst, filepath.Base(src))
		if _, err := os.Stat(target); err == nil {
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return copied, fmt.Errorf("checking %s: %w", target, err)
		}

		if err := CopyFile(src, target); err != nil {
			return copied, err
		}
		copied = append(copied, target)
	}
	return copied, nil
}

// CopyFile copies src to dst through a temporary file in dst's directory,
// so dst never holds a partial copy.
func CopyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", dst, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, in); err != nil {
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", dst, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", dst, err)
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("setting mode on %s: %w", dst, err)
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("renaming into %s: %w", dst, err)
	}
	return nil
}
