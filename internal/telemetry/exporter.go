package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/yanun0323/logs"
)

const namespace = "gateway"

// exporter mirrors recorded values into prometheus collectors. A nil exporter
// records nothing.
type exporter struct {
	latency    *prometheus.HistogramVec
	marketData *prometheus.CounterVec
	dropped    prometheus.Counter
}

func newExporter(reg prometheus.Registerer) *exporter {
	if reg == nil {
		return nil
	}
	e := &exporter{
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "latency_milliseconds",
				Help:      "Latency of gateway operations in milliseconds",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 16),
			},
			[]string{"category", "operation"},
		),
		marketData: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "market_data_updates_total",
				Help:      "Total number of market data updates per instrument",
			},
			[]string{"instrument"},
		),
		dropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_measurements_total",
				Help:      "Total number of measurements dropped without being ended",
			},
		),
	}
	for _, c := range []prometheus.Collector{e.latency, e.marketData, e.dropped} {
		if err := reg.Register(c); err != nil {
			logs.Warnf("register telemetry collector, err: %+v", err)
		}
	}
	return e
}

func (e *exporter) observe(key Key, ms float64) {
	if e == nil {
		return
	}
	e.latency.WithLabelValues(key.Category, key.Operation).Observe(ms)
}

func (e *exporter) incMarketData(instrument string) {
	if e == nil {
		return
	}
	e.marketData.WithLabelValues(instrument).Inc()
}

func (e *exporter) stale(n int) {
	if e == nil || n == 0 {
		return
	}
	e.dropped.Add(float64(n))
}
