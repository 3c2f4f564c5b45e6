package appmon

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SelfMetrics exposes the engine's own health as Prometheus collectors.
// A nil *SelfMetrics is valid and records nothing.
type SelfMetrics struct {
	pollDuration   *prometheus.HistogramVec
	published      *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	readerErrors   *prometheus.CounterVec
	activeReaders  *prometheus.GaugeVec
	pendingReaders *prometheus.GaugeVec
	flushed        *prometheus.CounterVec
	flushErrors    *prometheus.CounterVec
	lost           *prometheus.CounterVec
}

// NewSelfMetrics creates the collectors and registers them with reg when it
// is not nil.
func NewSelfMetrics(namespace string, reg prometheus.Registerer) (*SelfMetrics, error) {
	if namespace == "" {
		namespace = "appmon"
	}
	m := &SelfMetrics{
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of one exporter poll cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"instance"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_published_total",
			Help:      "Samples handed to the broadcast sink.",
		}, []string{"instance", "kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_dropped_total",
			Help:      "Samples the broadcast sink failed to deliver within the timeout.",
		}, []string{"instance"}),
		readerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reader_errors_total",
			Help:      "Reader failures during sampling.",
		}, []string{"instance", "signal"}),
		activeReaders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "readers_active",
			Help:      "Readers currently polled.",
		}, []string{"instance"}),
		pendingReaders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "readers_pending",
			Help:      "Readers waiting for their source target to be registered.",
		}, []string{"instance"}),
		flushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_flushed_total",
			Help:      "Event occurrences persisted to the time-bucket store.",
		}, []string{"instance", "event"}),
		flushErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_errors_total",
			Help:      "Failed flushes of an event counter.",
		}, []string{"instance", "event"}),
		lost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_lost_total",
			Help:      "Drained event occurrences lost because the store write failed.",
		}, []string{"instance", "event"}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.pollDuration, m.published, m.dropped, m.readerErrors, m.activeReaders,
		m.pendingReaders, m.flushed, m.flushErrors, m.lost,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register self metrics: %w", err)
		}
	}
	return m, nil
}

func (m *SelfMetrics) observePoll(instance string, d time.Duration) {
	if m != nil {
		m.pollDuration.WithLabelValues(instance).Observe(d.Seconds())
	}
}

func (m *SelfMetrics) incPublished(instance string, kind Kind) {
	if m != nil {
		m.published.WithLabelValues(instance, kind.String()).Inc()
	}
}

func (m *SelfMetrics) incDropped(instance string) {
	if m != nil {
		m.dropped.WithLabelValues(instance).Inc()
	}
}

func (m *SelfMetrics) incReaderError(instance, signal string) {
	if m != nil {
		m.readerErrors.WithLabelValues(instance, signal).Inc()
	}
}

func (m *SelfMetrics) setReaders(instance string, active, pending int) {
	if m != nil {
		m.activeReaders.WithLabelValues(instance).Set(float64(active))
		m.pendingReaders.WithLabelValues(instance).Set(float64(pending))
	}
}

func (m *SelfMetrics) addFlushed(instance, event string, n uint64) {
	if m != nil {
		m.flushed.WithLabelValues(instance, event).Add(float64(n))
	}
}

func (m *SelfMetrics) addFlushError(instance, event string, lost uint64) {
	if m != nil {
		m.flushErrors.WithLabelValues(instance, event).Inc()
		m.lost.WithLabelValues(instance, event).Add(float64(lost))
	}
}
