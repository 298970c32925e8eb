package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	dropMalformed = "malformed"
	dropStale     = "stale"
	dropInvalid   = "invalid_bar"

	pageOK        = "ok"
	pageEmpty     = "empty"
	pageError     = "error"
	pageSkipped   = "skipped"
	pageDiscarded = "discarded"
)

type Metrics struct {
	TradesMerged  prometheus.Counter
	BucketsOpened prometheus.Counter
	Dropped       *prometheus.CounterVec
	Pages         *prometheus.CounterVec
	Candles       *prometheus.GaugeVec
}

// NewMetrics registers the engine collectors on reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TradesMerged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "candlestream",
			Name:      "trades_merged_total",
			Help:      "Trades merged into the series.",
		}),
		BucketsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "candlestream",
			Name:      "buckets_opened_total",
			Help:      "Buckets opened by the live path.",
		}),
		Dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "candlestream",
			Name:      "events_dropped_total",
			Help:      "Input rejected by the engine, by reason.",
		}, []string{"reason"}),
		Pages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "candlestream",
			Name:      "page_requests_total",
			Help:      "Backward pagination requests, by outcome.",
		}, []string{"outcome"}),
		Candles: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "candlestream",
			Name:      "series_candles",
			Help:      "Candles materialized in the current series.",
		}, []string{"market"}),
	}
}
