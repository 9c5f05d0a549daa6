package ports

import (
	"context"
	"time"
)

type TelemetryEvent struct {
	Name  string         `json:"name"`
	At    time.Time      `json:"at"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// TelemetrySink receives sync lifecycle events. Publishing is best-effort.
type TelemetrySink interface {
	Publish(ctx context.Context, event TelemetryEvent) error
}

// OfflineMetrics records cache and sync measurements.
type OfflineMetrics interface {
	ObserveCacheLookup(result string)
	ObserveDispatch(kind string, ok bool, elapsed time.Duration)
	ObserveDrain(trigger string, elapsed time.Duration)
	SetQueueDepth(pending int, deadLetters int)
}
