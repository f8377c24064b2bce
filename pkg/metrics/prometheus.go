package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	tickersTotal     *prometheus.CounterVec
	recomputes       *prometheus.HistogramVec
	changesPublished *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec
	lastPrice        *prometheus.GaugeVec
	engineState      *prometheus.GaugeVec
	latency          *prometheus.HistogramVec
}

// New registers the collectors on the default registry.
func New() *Recorder {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

func NewWithRegisterer(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		tickersTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coinpulse_tickers_total",
				Help: "Total number of live tickers received",
			},
			[]string{"pair"},
		),
		recomputes: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coinpulse_recompute_duration_seconds",
				Help:    "Duration of price change recomputation per pair",
				Buckets: []float64{.00005, .0001, .0005, .001, .005, .01, .05, .1},
			},
			[]string{"pair"},
		),
		changesPublished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coinpulse_changes_published_total",
				Help: "Total number of price changes delivered to a sink",
			},
			[]string{"sink"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coinpulse_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		retriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coinpulse_retries_total",
				Help: "Total number of retried operations",
			},
			[]string{"operation"},
		),
		lastPrice: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coinpulse_last_price",
				Help: "Last recorded price for a pair",
			},
			[]string{"pair"},
		),
		engineState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coinpulse_engine_state",
				Help: "1 for the engine's current lifecycle state, 0 otherwise",
			},
			[]string{"state"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coinpulse_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

func (r *Recorder) RecordTicker(pair string) {
	r.tickersTotal.WithLabelValues(pair).Inc()
}

func (r *Recorder) RecordRecompute(pair string, seconds float64) {
	r.recomputes.WithLabelValues(pair).Observe(seconds)
}

func (r *Recorder) RecordChangesPublished(sink string, n int) {
	r.changesPublished.WithLabelValues(sink).Add(float64(n))
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

func (r *Recorder) RecordRetry(op string) {
	r.retriesTotal.WithLabelValues(op).Inc()
}

// RecordLastPrice records the last price for a pair.
func (r *Recorder) RecordLastPrice(pair string, price float64) {
	r.lastPrice.WithLabelValues(pair).Set(price)
}

// RecordEngineState flips the gauge so only state reads 1.
func (r *Recorder) RecordEngineState(state string) {
	r.engineState.Reset()
	r.engineState.WithLabelValues(state).Set(1)
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}
