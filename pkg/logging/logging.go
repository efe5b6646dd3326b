// Package logging builds per-component zerolog loggers backed by
// size-rotated log files. Each long-running process gets its own file;
// rotation renames the full file with a suffix and starts fresh, so logs
// stay line-oriented and append-only.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"vpnguard-go/pkg/config"
)

// RotatingWriter is an io.Writer that rotates the underlying file once it
// exceeds a size threshold. The old file is renamed with the configured
// suffix, replacing any previous rotation.
type RotatingWriter struct {
	mu      sync.Mutex
	path    string
	suffix  string
	maxSize int64
	file    *os.File
	size    int64
}

// NewRotatingWriter opens (or creates) the log file at path.
func NewRotatingWriter(path, suffix string, maxSize int64) (*RotatingWriter, error) {
	w := &RotatingWriter{path: path, suffix: suffix, maxSize: maxSize}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", w.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat log file %s: %w", w.path, err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// Write appends p, rotating first if the threshold would be exceeded.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.maxSize > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			// Rotation failure must not lose log lines; keep writing to the
			// oversized file and report nothing.
			fmt.Fprintf(os.Stderr, "vpnguard: log rotation failed: %v\n", err)
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(w.path, w.path+w.suffix); err != nil {
		// Reopen regardless so writes keep going somewhere.
		if openErr := w.open(); openErr != nil {
			return openErr
		}
		return err
	}
	return w.open()
}

// Close closes the underlying file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// nopCloser backs the foreground mode, where stderr needs no teardown but
// callers still defer Close unconditionally.
type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns a component logger per the logging config. In foreground mode
// it writes human-readable output to stderr; otherwise it writes JSON lines
// to <dir>/<component>.log with rotation. The returned closer is always
// non-nil on success.
func New(component string, cfg *config.LoggingConfig, foreground bool) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	if foreground || cfg.Dir == "" {
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(level).
			With().Timestamp().Str("component", component).Logger()
		return logger, nopCloser{}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w, err := NewRotatingWriter(
		filepath.Join(cfg.Dir, component+".log"),
		cfg.RotatedSuffix,
		cfg.MaxSizeKB*1024,
	)
	if err != nil {
		return zerolog.Nop(), nil, err
	}

	logger := zerolog.New(w).
		Level(level).
		With().Timestamp().Str("component", component).Logger()
	return logger, w, nil
}
