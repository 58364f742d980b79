package engram

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with engram-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithID adds an id field to the logger (useful for tagging operations).
func (l *Logger) WithID(id string) *Logger {
	return &Logger{
		Logger: l.Logger.With("id", id),
	}
}

// WithDir adds a storage directory field to the logger.
func (l *Logger) WithDir(dir string) *Logger {
	return &Logger{
		Logger: l.Logger.With("dir", dir),
	}
}

// LogStore logs a store operation.
func (l *Logger) LogStore(ctx context.Context, id string, dimension int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "store failed",
			"id", id,
			"dimension", dimension,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "store completed",
			"id", id,
			"dimension", dimension,
		)
	}
}

// LogBatchStore logs a batch store operation.
func (l *Logger) LogBatchStore(ctx context.Context, count int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "batch store failed",
			"count", count,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "batch store completed",
			"count", count,
		)
	}
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, k, resultsFound int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"k", k,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"k", k,
			"results", resultsFound,
		)
	}
}

// LogRemove logs a remove operation.
func (l *Logger) LogRemove(ctx context.Context, id string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "remove failed",
			"id", id,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "remove completed",
			"id", id,
		)
	}
}

// LogPersist logs a persist operation.
func (l *Logger) LogPersist(ctx context.Context, dir string, count int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "persist failed",
			"dir", dir,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "persist completed",
			"dir", dir,
			"count", count,
		)
	}
}

// LogLoad logs a load operation.
func (l *Logger) LogLoad(ctx context.Context, dir string, count int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "load failed",
			"dir", dir,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "load completed",
			"dir", dir,
			"count", count,
		)
	}
}

// LogCompact logs a compaction.
func (l *Logger) LogCompact(ctx context.Context, live int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "compaction failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "compaction completed",
			"live", live,
		)
	}
}
