package hermes

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapterWith builds an adapter writing to w. format is "json" or "text";
// level is one of DEBUG, INFO, WARN, ERROR (case-insensitive, default INFO).
func NewSlogAdapterWith(w io.Writer, format, level string) *SlogAdapter {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return &SlogAdapter{logger: slog.New(h)}
}

// ParseLevel maps a level name onto slog levels.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *SlogAdapter) log(ctx context.Context, level slog.Level, msg string, fields map[string]any) {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		args = append(args, k, v)
	}
	l.logger.Log(ctx, level, msg, args...)
}

func (l *SlogAdapter) Debug(ctx context.Context, msg string, fields map[string]any) {
	l.log(ctx, slog.LevelDebug, msg, fields)
}

func (l *SlogAdapter) Info(ctx context.Context, msg string, fields map[string]any) {
	l.log(ctx, slog.LevelInfo, msg, fields)
}

func (l *SlogAdapter) Warn(ctx context.Context, msg string, fields map[string]any) {
	l.log(ctx, slog.LevelWarn, msg, fields)
}

func (l *SlogAdapter) Error(ctx context.Context, msg string, fields map[string]any) {
	l.log(ctx, slog.LevelError, msg, fields)
}

// NopLogger drops everything.
type NopLogger struct{}

func NewNopLogger() NopLogger { return NopLogger{} }

func (NopLogger) Debug(context.Context, string, map[string]any) {}
func (NopLogger) Info(context.Context, string, map[string]any)  {}
func (NopLogger) Warn(context.Context, string, map[string]any)  {}
func (NopLogger) Error(context.Context, string, map[string]any) {}

type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

func (m *NoopMetrics) IncCounter(name string, value float64, labels ...Label)       {}
func (m *NoopMetrics) ObserveHistogram(name string, value float64, labels ...Label) {}
func (m *NoopMetrics) SetGauge(name string, value float64, labels ...Label)         {}
