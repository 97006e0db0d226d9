// Package logging builds the framework's structured logger: slog with a
// JSON handler, optionally writing through a rotating file.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	Level       string // "debug", "info", "warn", "error"
	Path        string // empty means stderr only
	MaxSizeMB   int
	MaxBackups  int
	MaxAgeDays  int
	ServiceName string
}

// New builds a *slog.Logger per opts. An empty Path logs to stderr; a
// non-empty one rotates through lumberjack, matching the operational
// posture of a long-running worker process that can't rely on an external
// log-shipper rotating its files for it.
func New(opts Options) *slog.Logger {
	var w io.Writer = os.Stderr
	if opts.Path != "" {
		w = &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   true,
		}
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(opts.Level)})
	logger := slog.New(h)
	if opts.ServiceName != "" {
		logger = logger.With(slog.String("service", opts.ServiceName))
	}
	return logger
}

// NewFromEnv builds a logger from LOG_LEVEL/LOG_PATH-style fields already
// resolved into config.Config — kept here so app/consumer's main doesn't
// need to know slog/lumberjack wiring details itself.
func NewFromEnv(level, path, serviceName string) *slog.Logger {
	return New(Options{Level: level, Path: path, ServiceName: serviceName})
}

func parseLevel(level string) slog.Level {
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

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
