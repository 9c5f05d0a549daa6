package offline

import (
	"context"
	"time"

	"civicsync/internal/ports"
)

type nopMetrics struct{}

func (nopMetrics) ObserveCacheLookup(string)                   {}
func (nopMetrics) ObserveDispatch(string, bool, time.Duration) {}
func (nopMetrics) ObserveDrain(string, time.Duration)          {}
func (nopMetrics) SetQueueDepth(int, int)                      {}

type nopSink struct{}

func (nopSink) Publish(context.Context, ports.TelemetryEvent) error { return nil }

func metricsOrNop(m ports.OfflineMetrics) ports.OfflineMetrics {
	if m == nil {
		return nopMetrics{}
	}
	return m
}

func sinkOrNop(s ports.TelemetrySink) ports.TelemetrySink {
	if s == nil {
		return nopSink{}
	}
	return s
}
