package diag

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that count transitions and time the
// outbound calls.
type Metrics struct {
	transitions  *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the metrics instance registered with the global
// Prometheus registry. Collectors are created once so repeated wiring does not
// panic on duplicate registration.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance on reg. Registration errors
// panic, mirroring promauto.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	transitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentproxy",
			Name:      "transitions_total",
			Help:      "Number of request and token lifecycle transitions by reason.",
		},
		[]string{"reason"},
	)
	callDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentproxy",
			Name:      "upstream_duration_seconds",
			Help:      "Duration of outbound identity and agent calls.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"call"},
	)
	reg.MustRegister(transitions, callDuration)

	return &Metrics{
		transitions:  transitions,
		callDuration: callDuration,
	}
}

// Record implements Recorder.
func (m *Metrics) Record(_ context.Context, ev Event) {
	m.transitions.WithLabelValues(string(ev.Reason)).Inc()
	if ev.Call != "" && ev.Duration > 0 {
		m.callDuration.WithLabelValues(ev.Call).Observe(ev.Duration.Seconds())
	}
}
