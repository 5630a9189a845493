// Package logging provides the correlated structured logger threaded
// through every component's Runtime. Adapted from the teacher's
// engine/telemetry/logging/logging.go (slog + trace/span correlation),
// generalized with the domain-specific attribute helpers the rest of
// farmtel calls instead of web-crawl fields.
package logging

import (
	"context"
	"log/slog"

	"farmtel/internal/telemetry/tracing"
)

// Logger is the minimal logging surface every component depends on.
type Logger interface {
	InfoCtx(ctx context.Context, msg string, attrs ...any)
	WarnCtx(ctx context.Context, msg string, attrs ...any)
	ErrorCtx(ctx context.Context, msg string, attrs ...any)
	With(attrs ...any) Logger
}

type correlatedLogger struct{ base *slog.Logger }

// New returns a correlated Logger wrapping base (slog.Default() if nil).
func New(base *slog.Logger) Logger {
	if base == nil {
		base = slog.Default()
	}
	return &correlatedLogger{base: base}
}

func (l *correlatedLogger) correlate(ctx context.Context, attrs []any) []any {
	traceID, spanID := tracing.ExtractIDs(ctx)
	if traceID != "" || spanID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID), slog.String("span_id", spanID))
	}
	return attrs
}

func (l *correlatedLogger) InfoCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.InfoContext(ctx, msg, l.correlate(ctx, attrs)...)
}

func (l *correlatedLogger) WarnCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.WarnContext(ctx, msg, l.correlate(ctx, attrs)...)
}

func (l *correlatedLogger) ErrorCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.ErrorContext(ctx, msg, l.correlate(ctx, attrs)...)
}

func (l *correlatedLogger) With(attrs ...any) Logger {
	return &correlatedLogger{base: l.base.With(attrs...)}
}
