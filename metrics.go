package grocerycrawler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the crawler's Prometheus collectors on a dedicated registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry      *prometheus.Registry
	Navigations   *prometheus.CounterVec
	Products      *prometheus.CounterVec
	Nutrition     *prometheus.CounterVec
	Errors        *prometheus.CounterVec
	Delays        *prometheus.HistogramVec
	ConsentClicks *prometheus.CounterVec
	QueueDepth    prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	navigations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grocerycrawl_navigations_total",
		Help: "Browser navigations by result.",
	}, []string{"result"})
	products := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grocerycrawl_products_total",
		Help: "Product summaries by outcome.",
	}, []string{"outcome"})
	nutrition := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grocerycrawl_nutrition_total",
		Help: "Detail page nutrition lookups by result.",
	}, []string{"result"})
	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grocerycrawl_errors_total",
		Help: "Recovered and fatal errors by kind.",
	}, []string{"kind"})
	delays := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "grocerycrawl_delay_seconds",
		Help:    "Pacing waits by kind.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"kind"})
	consent := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grocerycrawl_consent_clicks_total",
		Help: "Popup dismissals by strategy.",
	}, []string{"strategy"})
	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "grocerycrawl_work_queue_depth",
		Help: "Pending detail work items.",
	})

	registry.MustRegister(navigations, products, nutrition, errorsTotal, delays, consent, queueDepth)

	return &Metrics{
		Registry:      registry,
		Navigations:   navigations,
		Products:      products,
		Nutrition:     nutrition,
		Errors:        errorsTotal,
		Delays:        delays,
		ConsentClicks: consent,
		QueueDepth:    queueDepth,
	}
}

func (m *Metrics) IncNavigation(result string) {
	if m == nil {
		return
	}
	m.Navigations.WithLabelValues(result).Inc()
}

func (m *Metrics) IncProduct(outcome string) {
	if m == nil {
		return
	}
	m.Products.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncNutrition(result string) {
	if m == nil {
		return
	}
	m.Nutrition.WithLabelValues(result).Inc()
}

func (m *Metrics) IncError(err error) {
	if m == nil || err == nil {
		return
	}
	m.Errors.WithLabelValues(ErrorKind(err)).Inc()
}

func (m *Metrics) ObserveDelay(kind DelayKind, d time.Duration) {
	if m == nil {
		return
	}
	m.Delays.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (m *Metrics) IncConsent(strategy string) {
	if m == nil {
		return
	}
	m.ConsentClicks.WithLabelValues(strategy).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
