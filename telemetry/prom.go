package telemetry

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PromMetrics is a Metrics recorder backed by a Prometheus registry.
// Instruments are created lazily on first use; the label set of a metric
// is fixed by its first recording and later calls with a mismatched tag
// shape are dropped rather than panicking.
type PromMetrics struct {
	reg       prometheus.Registerer
	namespace string

	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
	timers   map[string]*prometheus.HistogramVec
	gauges   map[string]*prometheus.GaugeVec
}

// NewPromMetrics constructs a Metrics recorder that registers its
// instruments with reg under the given namespace.
func NewPromMetrics(reg prometheus.Registerer, namespace string) *PromMetrics {
	return &PromMetrics{
		reg:       reg,
		namespace: namespace,
		counters:  make(map[string]*prometheus.CounterVec),
		timers:    make(map[string]*prometheus.HistogramVec),
		gauges:    make(map[string]*prometheus.GaugeVec),
	}
}

// IncCounter increments the named counter by value.
func (m *PromMetrics) IncCounter(name string, value float64, tags ...string) {
	keys, vals := splitTags(tags)
	m.mu.Lock()
	vec, ok := m.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      sanitizeMetricName(name),
		}, keys)
		if err := m.reg.Register(vec); err != nil {
			m.mu.Unlock()
			return
		}
		m.counters[name] = vec
	}
	m.mu.Unlock()
	c, err := vec.GetMetricWithLabelValues(vals...)
	if err != nil {
		return
	}
	c.Add(value)
}

// RecordTimer records a duration observation in seconds.
func (m *PromMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	keys, vals := splitTags(tags)
	m.mu.Lock()
	vec, ok := m.timers[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: m.namespace,
			Name:      sanitizeMetricName(name),
			Buckets:   prometheus.DefBuckets,
		}, keys)
		if err := m.reg.Register(vec); err != nil {
			m.mu.Unlock()
			return
		}
		m.timers[name] = vec
	}
	m.mu.Unlock()
	h, err := vec.GetMetricWithLabelValues(vals...)
	if err != nil {
		return
	}
	h.Observe(duration.Seconds())
}

// RecordGauge sets the named gauge to value.
func (m *PromMetrics) RecordGauge(name string, value float64, tags ...string) {
	keys, vals := splitTags(tags)
	m.mu.Lock()
	vec, ok := m.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      sanitizeMetricName(name),
		}, keys)
		if err := m.reg.Register(vec); err != nil {
			m.mu.Unlock()
			return
		}
		m.gauges[name] = vec
	}
	m.mu.Unlock()
	g, err := vec.GetMetricWithLabelValues(vals...)
	if err != nil {
		return
	}
	g.Set(value)
}

// splitTags separates (k1, v1, k2, v2, ...) into label names and values.
// An odd trailing key is paired with an empty value.
func splitTags(tags []string) (keys, vals []string) {
	for i := 0; i < len(tags); i += 2 {
		keys = append(keys, sanitizeMetricName(tags[i]))
		if i+1 < len(tags) {
			vals = append(vals, tags[i+1])
		} else {
			vals = append(vals, "")
		}
	}
	return keys, vals
}

func sanitizeMetricName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			return r
		default:
			return '_'
		}
	}, name)
}
