package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vpnguard"

// PrometheusRecorder is an implementation of Recorder backed by the
// Prometheus client library. Metric vectors are created lazily on first use.
type PrometheusRecorder struct {
	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry
}

// NewPrometheusRecorder creates a new Prometheus recorder.
func NewPrometheusRecorder() Recorder {
	return &PrometheusRecorder{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   prometheus.NewRegistry(),
	}
}

// metricKey generates a consistent key for a metric based on its name and
// label keys.
func metricKey(name string, labels Labels) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return name + ";" + strings.Join(keys, ",")
}

func labelKeys(labels Labels) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IncCounter increments a counter by 1.
func (r *PrometheusRecorder) IncCounter(name string, labels Labels) {
	r.getCounter(name, labels).With(prometheus.Labels(labels)).Inc()
}

// SetGauge sets the value of a gauge.
func (r *PrometheusRecorder) SetGauge(name string, labels Labels, value float64) {
	r.getGauge(name, labels).With(prometheus.Labels(labels)).Set(value)
}

// ObserveHistogram records a new observation for a histogram.
func (r *PrometheusRecorder) ObserveHistogram(name string, labels Labels, value float64) {
	r.getHistogram(name, labels).With(prometheus.Labels(labels)).Observe(value)
}

// Handler returns the scrape handler for the recorder's registry.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *PrometheusRecorder) getCounter(name string, labels Labels) *prometheus.CounterVec {
	key := metricKey(name, labels)

	r.mu.RLock()
	c, ok := r.counters[key]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[key]; ok {
		return c
	}
	c = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
	}, labelKeys(labels))
	r.registry.MustRegister(c)
	r.counters[key] = c
	return c
}

func (r *PrometheusRecorder) getGauge(name string, labels Labels) *prometheus.GaugeVec {
	key := metricKey(name, labels)

	r.mu.RLock()
	g, ok := r.gauges[key]
	r.mu.RUnlock()
	if ok {
		return g
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[key]; ok {
		return g
	}
	g = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
	}, labelKeys(labels))
	r.registry.MustRegister(g)
	r.gauges[key] = g
	return g
}

func (r *PrometheusRecorder) getHistogram(name string, labels Labels) *prometheus.HistogramVec {
	key := metricKey(name, labels)

	r.mu.RLock()
	h, ok := r.histograms[key]
	r.mu.RUnlock()
	if ok {
		return h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[key]; ok {
		return h
	}
	h = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Buckets:   prometheus.DefBuckets,
	}, labelKeys(labels))
	r.registry.MustRegister(h)
	r.histograms[key] = h
	return h
}
