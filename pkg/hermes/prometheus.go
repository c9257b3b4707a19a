package hermes

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements the Metrics interface using Prometheus.
// Vectors are created lazily on first use; the label keys of the first call
// fix the vector's label set.
type PrometheusMetrics struct {
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	namespace  string

	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
	mu         sync.RWMutex
}

// NewPrometheusMetrics creates metrics registered on a fresh registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	return NewPrometheusMetricsWith(reg, reg, "")
}

// NewPrometheusMetricsWith registers on reg and gathers from g.
func NewPrometheusMetricsWith(reg prometheus.Registerer, g prometheus.Gatherer, namespace string) *PrometheusMetrics {
	return &PrometheusMetrics{
		registerer: reg,
		gatherer:   g,
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

// Gatherer returns the gatherer backing this instance.
func (m *PrometheusMetrics) Gatherer() prometheus.Gatherer {
	return m.gatherer
}

func splitLabels(labels []Label) ([]string, []string) {
	keys := make([]string, len(labels))
	values := make([]string, len(labels))
	for i, l := range labels {
		keys[i] = l.Key
		values[i] = l.Value
	}
	return keys, values
}

// lookup returns the vector stored under name, creating and registering it
// with create when absent.
func lookup[V prometheus.Collector](m *PrometheusMetrics, vecs map[string]V, name string, create func() V) V {
	m.mu.RLock()
	vec, ok := vecs[name]
	m.mu.RUnlock()
	if ok {
		return vec
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if vec, ok = vecs[name]; ok {
		return vec
	}
	vec = create()
	m.registerer.MustRegister(vec)
	vecs[name] = vec
	return vec
}

func (m *PrometheusMetrics) IncCounter(name string, value float64, labels ...Label) {
	keys, values := splitLabels(labels)
	vec := lookup(m, m.counters, name, func() *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      name,
			Help:      name,
		}, keys)
	})
	vec.WithLabelValues(values...).Add(value)
}

func (m *PrometheusMetrics) ObserveHistogram(name string, value float64, labels ...Label) {
	keys, values := splitLabels(labels)
	vec := lookup(m, m.histograms, name, func() *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: m.namespace,
			Name:      name,
			Help:      name,
		}, keys)
	})
	vec.WithLabelValues(values...).Observe(value)
}

func (m *PrometheusMetrics) SetGauge(name string, value float64, labels ...Label) {
	keys, values := splitLabels(labels)
	vec := lookup(m, m.gauges, name, func() *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      name,
			Help:      name,
		}, keys)
	})
	vec.WithLabelValues(values...).Set(value)
}
