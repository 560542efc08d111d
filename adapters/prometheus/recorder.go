// Package prometheus exports billing metrics through client_golang.
package prometheus

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-billing/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DurationBuckets covers 10ms to roughly 40s, matching the millisecond
// histograms billing records.
var DurationBuckets = prometheus.ExponentialBuckets(10, 2, 13)

type counterEntry struct {
	vec    *prometheus.CounterVec
	labels []string
}

type histogramEntry struct {
	vec    *prometheus.HistogramVec
	labels []string
}

// Recorder implements core.MetricsRecorder. Collectors are created on first
// use; the label set seen first for a name is kept and later tags are
// projected onto it.
type Recorder struct {
	registerer prometheus.Registerer
	namespace  string
	buckets    []float64

	mu         sync.Mutex
	counters   map[string]counterEntry
	histograms map[string]histogramEntry
}

func NewRecorder(registerer prometheus.Registerer, namespace string) *Recorder {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Recorder{
		registerer: registerer,
		namespace:  sanitize(namespace),
		buckets:    DurationBuckets,
		counters:   map[string]counterEntry{},
		histograms: map[string]histogramEntry{},
	}
}

func (r *Recorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value < 0 {
		return
	}
	entry, ok := r.counter(name, tags)
	if !ok {
		return
	}
	entry.vec.WithLabelValues(labelValues(entry.labels, tags)...).Add(float64(value))
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	entry, ok := r.histogram(name, tags)
	if !ok {
		return
	}
	entry.vec.WithLabelValues(labelValues(entry.labels, tags)...).Observe(value)
}

func (r *Recorder) counter(name string, tags map[string]string) (counterEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.counters[name]; ok {
		return entry, true
	}
	labels := labelNames(tags)
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: r.metricName(name),
		Help: "billing counter " + name,
	}, labels)
	if err := r.registerer.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return counterEntry{}, false
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return counterEntry{}, false
		}
		vec = existing
	}
	entry := counterEntry{vec: vec, labels: labels}
	r.counters[name] = entry
	return entry, true
}

func (r *Recorder) histogram(name string, tags map[string]string) (histogramEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.histograms[name]; ok {
		return entry, true
	}
	labels := labelNames(tags)
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    r.metricName(name),
		Help:    "billing histogram " + name,
		Buckets: r.buckets,
	}, labels)
	if err := r.registerer.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return histogramEntry{}, false
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return histogramEntry{}, false
		}
		vec = existing
	}
	entry := histogramEntry{vec: vec, labels: labels}
	r.histograms[name] = entry
	return entry, true
}

// metricName maps "billing.charge.total" to "billing_charge_total" and adds
// the namespace when the name does not already carry it.
func (r *Recorder) metricName(name string) string {
	metric := sanitize(name)
	if r.namespace == "" || metric == r.namespace || strings.HasPrefix(metric, r.namespace+"_") {
		return metric
	}
	return r.namespace + "_" + metric
}

// Handler serves the gatherer in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for key := range tags {
		if clean := sanitize(key); clean != "" {
			names = append(names, clean)
		}
	}
	sort.Strings(names)
	return names
}

func labelValues(labels []string, tags map[string]string) []string {
	byLabel := make(map[string]string, len(tags))
	for key, value := range tags {
		byLabel[sanitize(key)] = value
	}
	values := make([]string, len(labels))
	for i, label := range labels {
		values[i] = byLabel[label]
	}
	return values
}

func sanitize(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	b.Grow(len(name))
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteRune('_')
			}
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

var _ core.MetricsRecorder = (*Recorder)(nil)
