// Package logging defines the structured logger used across the engine.
// The engine never logs passwords, derived keys, or key verifier bytes.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

// Logger is a context-aware, structured logger. The variadic args are
// key-value pairs, e.g. log.Info(ctx, "task committed", "path", dst).
type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that always includes the given pairs.
	With(args ...any) Logger
}

type slogLogger struct {
	l *slog.Logger
}

// New builds a Logger writing text lines to w at the given level
// ("debug", "info", "warn", "error"; anything else means info).
func New(w io.Writer, level string) Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	return &slogLogger{l: slog.New(h)}
}

// Wrap adapts an existing slog.Logger.
func Wrap(l *slog.Logger) Logger {
	return &slogLogger{l: l}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (s *slogLogger) Debug(ctx context.Context, msg string, args ...any) {
	s.l.DebugContext(ctx, msg, args...)
}

func (s *slogLogger) Info(ctx context.Context, msg string, args ...any) {
	s.l.InfoContext(ctx, msg, args...)
}

func (s *slogLogger) Warn(ctx context.Context, msg string, args ...any) {
	s.l.WarnContext(ctx, msg, args...)
}

func (s *slogLogger) Error(ctx context.Context, msg string, args ...any) {
	s.l.ErrorContext(ctx, msg, args...)
}

func (s *slogLogger) With(args ...any) Logger {
	return &slogLogger{l: s.l.With(args...)}
}

// Nop returns a logger that discards everything. Handy in tests.
func Nop() Logger {
	return New(io.Discard, "error")
}
