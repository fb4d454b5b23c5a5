// Package metrics exposes simulation progress as Prometheus metrics.
package metrics

import (
	"iter"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pario-ai/usagesim/pkg/models"
)

// Prometheus metric names.
const (
	MetricEventsGenerated = "usagesim_events_generated_total"
	MetricBatches         = "usagesim_batches_total"
	MetricSendAttempts    = "usagesim_send_attempts_total"
	MetricSendDuration    = "usagesim_send_duration_seconds"
)

// Attempt outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeTimeout     = "timeout"
	OutcomeRateLimited = "rate_limited"
	OutcomeError       = "error"
)

// Collector owns a private registry with the simulation metrics.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	eventsGenerated *prometheus.CounterVec
	batches         *prometheus.CounterVec
	sendAttempts    *prometheus.CounterVec
	sendDuration    prometheus.Histogram
}

// NewCollector creates a Collector with its metrics registered.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		eventsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricEventsGenerated,
			Help: "Usage events produced by the synthesizer.",
		}, []string{"event_type"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricBatches,
			Help: "Batches by final status.",
		}, []string{"status"}),
		sendAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricSendAttempts,
			Help: "Ingestion requests by outcome.",
		}, []string{"outcome"}),
		sendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricSendDuration,
			Help:    "Duration of ingestion requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	c.registry.MustRegister(c.eventsGenerated, c.batches, c.sendAttempts, c.sendDuration)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// EventGenerated counts one synthesized event.
func (c *Collector) EventGenerated(t models.EventType) {
	if c == nil {
		return
	}
	c.eventsGenerated.WithLabelValues(string(t)).Inc()
}

// BatchFinished counts a batch reaching its final status.
func (c *Collector) BatchFinished(status string) {
	if c == nil {
		return
	}
	c.batches.WithLabelValues(status).Inc()
}

// AttemptFinished records one ingestion request.
func (c *Collector) AttemptFinished(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.sendAttempts.WithLabelValues(outcome).Inc()
	c.sendDuration.Observe(d.Seconds())
}

// Count wraps seq so every event it yields is counted as generated.
func (c *Collector) Count(seq iter.Seq[models.UsageEvent]) iter.Seq[models.UsageEvent] {
	if c == nil {
		return seq
	}
	return func(yield func(models.UsageEvent) bool) {
		for ev := range seq {
			c.EventGenerated(ev.EventType)
			if !yield(ev) {
				return
			}
		}
	}
}
