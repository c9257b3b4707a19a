package hermes

import "context"

type Label struct {
	Key   string
	Value string
}

// Metrics records run telemetry. Names are full metric names such as
// argus_ticks_total; label keys must be stable per name.
type Metrics interface {
	IncCounter(name string, value float64, labels ...Label)
	ObserveHistogram(name string, value float64, labels ...Label)
	SetGauge(name string, value float64, labels ...Label)
}

// Logger is the structured logger threaded through the monitor, the sandbox
// handle and the sinks.
type Logger interface {
	Debug(ctx context.Context, msg string, fields map[string]any)
	Info(ctx context.Context, msg string, fields map[string]any)
	Warn(ctx context.Context, msg string, fields map[string]any)
	Error(ctx context.Context, msg string, fields map[string]any)
}
