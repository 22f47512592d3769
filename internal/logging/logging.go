// Package logging builds the process logger.
package logging

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tadel/reaplugin/internal/config"
)

// ComponentKey is the attribute naming the subsystem that logged a record.
const ComponentKey = "component"

// Logger is a configured slog logger together with the outputs it owns.
type Logger struct {
	*slog.Logger

	level   *slog.LevelVar
	closers []io.Closer
}

// New creates a logger writing to w, plus a rotated file when cfg.File is
// set. A nil w means stderr.
func New(cfg config.LogConfig, w io.Writer) (*Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	l := &Logger{level: new(slog.LevelVar)}
	l.level.Set(ParseLevel(cfg.Level))

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, err
		}
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		l.closers = append(l.closers, file)
		w = io.MultiWriter(w, file)
	}

	opts := &slog.HandlerOptions{Level: l.level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	l.Logger = slog.New(handler)
	return l, nil
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level string) {
	l.level.Set(ParseLevel(level))
}

// Named returns a child logger tagged with a component name.
func (l *Logger) Named(component string) *slog.Logger {
	return l.With(slog.String(ComponentKey, component))
}

// Close flushes and closes file outputs.
func (l *Logger) Close() error {
	var err error
	for _, c := range l.closers {
		err = errors.Join(err, c.Close())
	}
	l.closers = nil
	return err
}

// ParseLevel maps a level name to a slog level. Unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
