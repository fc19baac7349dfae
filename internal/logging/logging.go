// Package logging builds the structured logger used by every trellis
// process and the helpers that keep log volume sane when LLM payloads are
// involved.
package logging

import (
	"context"
	"fmt"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// snippetLimit bounds how much of an LLM prompt or response ever reaches a
// log line. Full payloads live in the state store, not in logs.
const snippetLimit = 200

// New builds a zap logger for the given level and format. Format is "json"
// for production or "console" for local runs.
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	switch format {
	case "", "json":
		cfg.Encoding = "json"
	case "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// WithTrace annotates the logger with the active span's trace and span ids
// so log lines can be joined against traces. Without a recording span it
// returns the logger unchanged.
func WithTrace(ctx context.Context, log *zap.Logger) *zap.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return log
	}
	return log.With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}

// Snippet clips a payload to a loggable size, appending an ellipsis and the
// original length when anything was cut. Safe on multi-byte text.
func Snippet(s string) string {
	if utf8.RuneCountInString(s) <= snippetLimit {
		return s
	}
	runes := []rune(s)
	return fmt.Sprintf("%s… (%d chars total)", string(runes[:snippetLimit]), len(runes))
}
