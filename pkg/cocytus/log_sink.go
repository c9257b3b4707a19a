package cocytus

import (
	"context"

	"github.com/argus-triage/argus/pkg/hermes"
)

// LogSink is a simple sink that logs failure records.
type LogSink struct {
	logger hermes.Logger
}

func NewLogSink(logger hermes.Logger) *LogSink {
	return &LogSink{
		logger: logger,
	}
}

// Write logs the record at ERROR level.
func (s *LogSink) Write(ctx context.Context, rec *Record) error {
	s.logger.Error(ctx, "Run failure recorded", map[string]any{
		"kind":         rec.Kind,
		"unit":         rec.Unit,
		"image":        rec.Image,
		"target":       rec.Target,
		"reason":       rec.Reason,
		"created_at":   rec.CreatedAt,
		"payload_size": len(rec.Payload),
	})
	return nil
}
