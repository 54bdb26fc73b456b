package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus registers collectors lazily, one per metric name, under the
// given namespace. Dots and dashes in names become underscores.
type Prometheus struct {
	namespace string
	reg       prometheus.Registerer
	gatherer  prometheus.Gatherer

	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	histograms map[string]prometheus.Histogram
}

func NewPrometheus(namespace string, reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	return &Prometheus{
		namespace:  namespace,
		reg:        reg,
		gatherer:   gatherer,
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		histograms: make(map[string]prometheus.Histogram),
	}
}

func sanitize(metric string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(metric)
}

func (p *Prometheus) Increment(metric string) {
	p.counter(metric).Inc()
}

func (p *Prometheus) Duration(metric string, d time.Duration) {
	p.histogram(metric).Observe(d.Seconds())
}

func (p *Prometheus) Gauge(metric string, value int) {
	p.gauge(metric).Set(float64(value))
}

// Handler exposes a ready-to-use /metrics handler.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}

func (p *Prometheus) counter(metric string) prometheus.Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[metric]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: p.namespace,
		Name:      sanitize(metric) + "_total",
		Help:      "Count of " + metric + " events.",
	})
	c = register(p.reg, c)
	p.counters[metric] = c
	return c
}

func (p *Prometheus) gauge(metric string) prometheus.Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.gauges[metric]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: p.namespace,
		Name:      sanitize(metric),
		Help:      "Current value of " + metric + ".",
	})
	g = register(p.reg, g)
	p.gauges[metric] = g
	return g
}

func (p *Prometheus) histogram(metric string) prometheus.Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.histograms[metric]; ok {
		return h
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: p.namespace,
		Name:      sanitize(metric) + "_seconds",
		Help:      "Duration of " + metric + " in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 15, 30},
	})
	h = register(p.reg, h)
	p.histograms[metric] = h
	return h
}

// register returns the already registered collector when one with the same
// descriptor exists, so two instances can share a registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}
