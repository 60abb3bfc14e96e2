package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks Prometheus metrics for provisioning and instance lifecycle.
//
// All metrics use the "pgtap_" prefix. Methods handle a nil receiver, so a nil
// *Metrics acts as a no-op when metrics are disabled.
type Metrics struct {
	// CacheLookups counts cache entry lookups.
	// Labels: result=[hit, miss]
	CacheLookups *prometheus.CounterVec

	// ExtractDuration tracks archive extraction time.
	// Labels: result=[success, failure]
	ExtractDuration *prometheus.HistogramVec

	// StartDuration tracks time from request to a ready instance.
	// Labels: result=[success, failure]
	StartDuration *prometheus.HistogramVec

	// Teardowns counts instance teardowns.
	// Labels: result=[success, failure]
	Teardowns *prometheus.CounterVec

	// ActiveInstances is the number of instances currently running.
	ActiveInstances prometheus.Gauge
}

// New creates metrics and registers them with registerer. A nil registerer
// uses prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgtap_cache_lookups_total",
				Help: "Cache entry lookups by result",
			},
			[]string{"result"},
		),
		ExtractDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgtap_extract_duration_seconds",
				Help:    "Archive extraction duration in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"result"},
		),
		StartDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgtap_start_duration_seconds",
				Help:    "Time to bring an instance to ready in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		Teardowns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgtap_teardowns_total",
				Help: "Instance teardowns by result",
			},
			[]string{"result"},
		),
		ActiveInstances: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pgtap_active_instances",
				Help: "Instances currently running",
			},
		),
	}
	registerer.MustRegister(
		m.CacheLookups,
		m.ExtractDuration,
		m.StartDuration,
		m.Teardowns,
		m.ActiveInstances,
	)
	return m
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// CacheLookup records whether a ready entry was found without extracting.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.CacheLookups.WithLabelValues("miss").Inc()
}

// Extracted records one extraction attempt.
func (m *Metrics) Extracted(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ExtractDuration.WithLabelValues(result(err)).Observe(d.Seconds())
}

// Started records one start attempt.
func (m *Metrics) Started(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.StartDuration.WithLabelValues(result(err)).Observe(d.Seconds())
	if err == nil {
		m.ActiveInstances.Inc()
	}
}

// Stopped records the teardown of a started instance.
func (m *Metrics) Stopped(err error) {
	if m == nil {
		return
	}
	m.Teardowns.WithLabelValues(result(err)).Inc()
	m.ActiveInstances.Dec()
}
