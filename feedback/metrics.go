package feedback

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the run counters exported over HTTP.
type Metrics struct {
	Registry *prometheus.Registry

	Executions      *prometheus.CounterVec
	NewInputs       prometheus.Counter
	QueueSize       prometheus.Gauge
	Favorites       prometheus.Gauge
	CalibrationRuns prometheus.Counter
	Unstable        prometheus.Counter
}

// NewMetrics registers all counters with a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "specfuzz",
			Name:      "executions_total",
			Help:      "Target executions by exit kind.",
		}, []string{"exit"}),
		NewInputs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "specfuzz",
			Name:      "new_inputs_total",
			Help:      "Inputs added to the queue.",
		}),
		QueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "specfuzz",
			Name:      "queue_size",
			Help:      "Inputs in the queue.",
		}),
		Favorites: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "specfuzz",
			Name:      "queue_favorites",
			Help:      "Inputs in the favorite set.",
		}),
		CalibrationRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "specfuzz",
			Name:      "calibration_runs_total",
			Help:      "Executions done by the calibration sweep.",
		}),
		Unstable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "specfuzz",
			Name:      "calibration_unstable_total",
			Help:      "Calibration measurements that never stabilized.",
		}),
	}
	m.Registry.MustRegister(m.Executions, m.NewInputs, m.QueueSize, m.Favorites, m.CalibrationRuns, m.Unstable)
	return m
}

// Observe counts one execution. A nil Metrics ignores it.
func (m *Metrics) Observe(info TestInfo) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(info.Exit.Name()).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveCalibration counts one execution of the calibration sweep.
func (m *Metrics) ObserveCalibration(info TestInfo) {
	if m == nil {
		return
	}
	m.Observe(info)
	m.CalibrationRuns.Inc()
}

func (m *Metrics) ObserveUnstable() {
	if m == nil {
		return
	}
	m.Unstable.Inc()
}

// ObserveQueue records a new input and the resulting queue shape.
func (m *Metrics) ObserveQueue(size, favorites int) {
	if m == nil {
		return
	}
	m.NewInputs.Inc()
	m.QueueSize.Set(float64(size))
	m.Favorites.Set(float64(favorites))
}
