package manager

import (
	"github.com/prometheus/client_golang/prometheus"

	"predictd/internal/registry"
)

var (
	predictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "predictd",
			Subsystem: "dispatcher",
			Name:      "predictions_total",
			Help:      "Predictions finished, by model and outcome",
		},
		[]string{"model", "outcome"},
	)

	predictionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "predictd",
			Subsystem: "dispatcher",
			Name:      "prediction_duration_seconds",
			Help:      "Time from acceptance to terminal state",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	loadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "predictd",
			Subsystem: "dispatcher",
			Name:      "model_loads_total",
			Help:      "Model load attempts by outcome",
		},
		[]string{"outcome"},
	)

	poolSaturationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "predictd",
			Subsystem: "dispatcher",
			Name:      "pool_saturations_total",
			Help:      "Predictions rejected because the model's pool was saturated",
		},
		[]string{"model"},
	)

	inflightGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "predictd",
			Subsystem: "dispatcher",
			Name:      "inflight_predictions",
			Help:      "Predictions accepted and not yet finished",
		},
	)
)

func init() {
	prometheus.MustRegister(predictionsTotal, predictionDuration, loadsTotal, poolSaturationsTotal, inflightGauge)
}

var (
	poolWorkersDesc = prometheus.NewDesc(
		"predictd_pool_workers",
		"Pool executors by state",
		[]string{"pool", "state"}, nil,
	)
	poolMaxWorkersDesc = prometheus.NewDesc(
		"predictd_pool_max_workers",
		"Pool concurrency ceiling",
		[]string{"pool"}, nil,
	)
	modelsDesc = prometheus.NewDesc(
		"predictd_models",
		"Registered models by lifecycle state",
		[]string{"state"}, nil,
	)
)

// collector exports pool and registry gauges computed at scrape time.
type collector struct{ m *Manager }

// Collector returns a prometheus.Collector for this manager's pools and
// registry. Register it once per process.
func (m *Manager) Collector() prometheus.Collector { return collector{m: m} }

func (c collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- poolWorkersDesc
	ch <- poolMaxWorkersDesc
	ch <- modelsDesc
}

func (c collector) Collect(ch chan<- prometheus.Metric) {
	for _, p := range c.m.pools.Status() {
		ch <- prometheus.MustNewConstMetric(poolWorkersDesc, prometheus.GaugeValue, float64(p.Busy), p.Name, "busy")
		ch <- prometheus.MustNewConstMetric(poolWorkersDesc, prometheus.GaugeValue, float64(p.Idle), p.Name, "idle")
		ch <- prometheus.MustNewConstMetric(poolMaxWorkersDesc, prometheus.GaugeValue, float64(p.MaxWorkers), p.Name)
	}
	ready, loading, failed := c.m.reg.Counts()
	ch <- prometheus.MustNewConstMetric(modelsDesc, prometheus.GaugeValue, float64(ready), string(registry.StateReady))
	ch <- prometheus.MustNewConstMetric(modelsDesc, prometheus.GaugeValue, float64(loading), string(registry.StateLoading))
	ch <- prometheus.MustNewConstMetric(modelsDesc, prometheus.GaugeValue, float64(failed), string(registry.StateFailed))
}
