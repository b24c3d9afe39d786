// Package metrics defines the small counters/histograms interface used by
// the pipeline orchestrator, unification agent and community detector to
// report progress without depending on a concrete telemetry backend.
package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records counters and histograms labeled with a flat string map.
type Metrics interface {
	IncCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
}

// Noop implements Metrics without side effects; used in tests and when
// telemetry is disabled.
type Noop struct{}

func (Noop) IncCounter(string, map[string]string)                {}
func (Noop) ObserveHistogram(string, float64, map[string]string) {}

// otelMetrics lazily creates one counter/histogram instrument per metric
// name the first time it is observed, then reuses it.
type otelMetrics struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
}

// NewOTel builds a Metrics backed by the given OpenTelemetry meter.
func NewOTel(meter metric.Meter) Metrics {
	return &otelMetrics{
		meter:      meter,
		counters:   map[string]metric.Float64Counter{},
		histograms: map[string]metric.Float64Histogram{},
	}
}

func attrsOf(labels map[string]string) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		out = append(out, attribute.String(k, v))
	}
	return out
}

func (m *otelMetrics) IncCounter(name string, labels map[string]string) {
	m.mu.Lock()
	c, ok := m.counters[name]
	if !ok {
		var err error
		c, err = m.meter.Float64Counter(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.counters[name] = c
	}
	m.mu.Unlock()
	c.Add(context.Background(), 1, metric.WithAttributes(attrsOf(labels)...))
}

func (m *otelMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	h, ok := m.histograms[name]
	if !ok {
		var err error
		h, err = m.meter.Float64Histogram(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.histograms[name] = h
	}
	m.mu.Unlock()
	h.Record(context.Background(), value, metric.WithAttributes(attrsOf(labels)...))
}
