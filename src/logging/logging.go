// Package logging provides schedulerd's operational logger: lock
// transitions, runner lifecycle, and retry backoff. It is deliberately
// separate from the per-run audit trail the Repository persists (the
// ScheduleRun/LogEntry rows a callback's RunContext writes) — this
// package never touches the database and exists only for the daemon's
// own diagnostics: a rotated slog.Logger, plus EntryID for minting ULIDs
// that a caller can attach to a line.
package logging

import (
	"crypto/rand"
	"log/slog"
	"os"
	"sync"

	"github.com/oklog/ulid/v2"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New. Zero values fall back to sane defaults (info
// level, no rotation target means stderr).
type Options struct {
	Level      string // debug, info, warn, error
	File       string // empty = stderr, no rotation
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds a slog.Logger writing JSON lines, rotated via lumberjack
// when Options.File is set. The returned logger adds no identifier of its
// own to entries; a line carries a sortable ULID only when the caller
// attaches one from EntryID as an attribute.
func New(opts Options) *slog.Logger {
	var writer interface{ Write([]byte) (int, error) } = os.Stderr
	if opts.File != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		maxBackups := opts.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 5
		}
		maxAge := opts.MaxAgeDays
		if maxAge <= 0 {
			maxAge = 30
		}
		writer = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			MaxAge:     maxAge,
			Compress:   true,
		}
	}

	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: parseLevel(opts.Level)})
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// EntryID mints a sortable identifier suitable for tagging one
// operational log line, the same pattern the Repository uses for run
// and log-entry ids but kept independent so this package never has to
// import repository.
func EntryID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Now(), entropy).String()
}
