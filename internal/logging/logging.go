// Package logging builds the logrus logger used across the daemon: text
// output to stderr plus a size-rotated log file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults
const (
	DefaultMaxSizeMB = 20
	DefaultBackups   = 2
)

// dedupLimit bounds the remembered messages; the set is reset when full
const dedupLimit = 4096

// Options configures New
type Options struct {
	Level     string
	File      string
	MaxSizeMB int
	Backups   int
	// Stderr disables the console copy when false
	Stderr bool
}

// DefaultFile returns ~/.local/state/<app>/<app>.log
func DefaultFile(app string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".local", "state", app, app+".log"), nil
}

// ParseLevel maps ERROR/WARNING/INFO/DEBUG (any case) to a logrus level.
// Unknown names fall back to error.
func ParseLevel(name string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.ErrorLevel
	}
}

// New creates the logger. The returned closer releases the log file.
func New(opts Options) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()
	logger.SetLevel(ParseLevel(opts.Level))
	logger.SetFormatter(NewDedupFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		DisableColors:   true,
	}))

	var writers []io.Writer
	if opts.Stderr {
		writers = append(writers, os.Stderr)
	}

	closer := io.Closer(nopCloser{})
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: orDefault(opts.Backups, DefaultBackups),
		}
		writers = append(writers, rotator)
		closer = rotator
	}

	switch len(writers) {
	case 0:
		logger.SetOutput(io.Discard)
	case 1:
		logger.SetOutput(writers[0])
	default:
		logger.SetOutput(io.MultiWriter(writers...))
	}

	logger.Infof("Logging started with level %s", strings.ToUpper(logger.GetLevel().String()))
	return logger, closer, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// DedupFormatter drops a message that was already logged at the same
// level. Info messages always pass.
type DedupFormatter struct {
	next logrus.Formatter

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewDedupFormatter wraps next
func NewDedupFormatter(next logrus.Formatter) *DedupFormatter {
	return &DedupFormatter{next: next, seen: make(map[string]struct{})}
}

// Format implements logrus.Formatter
func (f *DedupFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	if entry.Level != logrus.InfoLevel {
		key := entry.Level.String() + "\x00" + entry.Message

		f.mu.Lock()
		_, dup := f.seen[key]
		if !dup {
			if len(f.seen) >= dedupLimit {
				clear(f.seen)
			}
			f.seen[key] = struct{}{}
		}
		f.mu.Unlock()

		if dup {
			return nil, nil
		}
	}
	return f.next.Format(entry)
}
