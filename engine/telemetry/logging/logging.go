package logging

import (
	"context"
	"log/slog"
	"regexp"

	internaltracing "github.com/aerohub/aerohub/engine/internal/telemetry/tracing"
)

// sensitiveFieldPattern matches attribute keys that must never reach a log
// sink unredacted (api keys, tokens, secrets, passwords, auth
// headers).
var sensitiveFieldPattern = regexp.MustCompile(`(?i)api[_-]?key|token|secret|password|authorization|bearer`)

// Redact walks a flat slog attr list (key, value, key, value, ...) and
// replaces the value of any key matching sensitiveFieldPattern with a fixed
// placeholder. Non-string attrs and attrs passed as slog.Attr are left
// untouched for keys that don't match; structured slog.Attr values are
// redacted by key name as well.
func Redact(attrs ...any) []any {
	out := make([]any, len(attrs))
	copy(out, attrs)
	for i := 0; i < len(out); i++ {
		switch v := out[i].(type) {
		case slog.Attr:
			if sensitiveFieldPattern.MatchString(v.Key) {
				out[i] = slog.String(v.Key, "[REDACTED]")
			}
		case string:
			if sensitiveFieldPattern.MatchString(v) && i+1 < len(out) {
				out[i+1] = "[REDACTED]"
				i++
			}
		}
	}
	return out
}

// Logger is a minimal interface wrapper allowing correlation injection.
type Logger interface {
	InfoCtx(ctx context.Context, msg string, attrs ...any)
	ErrorCtx(ctx context.Context, msg string, attrs ...any)
}

type correlatedLogger struct{ base *slog.Logger }

// New returns a correlated Logger wrapper.
func New(base *slog.Logger) Logger {
	if base == nil {
		base = slog.Default()
	}
	return &correlatedLogger{base: base}
}

func (l *correlatedLogger) InfoCtx(ctx context.Context, msg string, attrs ...any) {
	attrs = Redact(attrs...)
	traceID, spanID := internaltracing.ExtractIDs(ctx)
	if traceID != "" || spanID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID), slog.String("span_id", spanID))
	}
	l.base.InfoContext(ctx, msg, attrs...)
}

func (l *correlatedLogger) ErrorCtx(ctx context.Context, msg string, attrs ...any) {
	attrs = Redact(attrs...)
	traceID, spanID := internaltracing.ExtractIDs(ctx)
	if traceID != "" || spanID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID), slog.String("span_id", spanID))
	}
	l.base.ErrorContext(ctx, msg, attrs...)
}
