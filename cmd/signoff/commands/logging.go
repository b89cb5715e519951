package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MEKXH/signoff/internal/config"
	"github.com/MEKXH/signoff/internal/version"
)

// logSink holds the optional log file across logger reconfiguration.
type logSink struct {
	mu   sync.Mutex
	file *os.File
}

var sink logSink

// writer returns stderr when path is empty, otherwise an append-mode file.
func (s *logSink) writer(path string) (io.Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil && s.file.Name() != path {
		_ = s.file.Close()
		s.file = nil
	}
	if path == "" {
		return os.Stderr, nil
	}
	if s.file != nil {
		return s.file, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	s.file = f
	return f, nil
}

func configureLogger(cfg *config.Config, overrideLevel string) error {
	level, err := parseLogLevel(cfg.Log.Level, overrideLevel)
	if err != nil {
		return err
	}
	w, err := sink.writer(strings.TrimSpace(cfg.Log.File))
	if err != nil {
		return err
	}
	handler, err := newLogHandler(w, cfg.Log.Format, level)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(handler).With("service", version.Name))
	return nil
}

func newLogHandler(w io.Writer, format string, level slog.Level) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
}

func parseLogLevel(configLevel, override string) (slog.Level, error) {
	level := strings.TrimSpace(configLevel)
	if o := strings.TrimSpace(override); o != "" {
		level = o
	}
	switch strings.ToLower(level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid log level: %s", level)
}
