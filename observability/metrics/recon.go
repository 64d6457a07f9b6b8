package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type ReconMetrics struct {
	runs          *prometheus.CounterVec
	anomalies     *prometheus.CounterVec
	lastRun       prometheus.Gauge
	reportRows    *prometheus.GaugeVec
	settledValue  *prometheus.GaugeVec
	valueMismatch *prometheus.GaugeVec
}

var (
	reconOnce     sync.Once
	reconRegistry *ReconMetrics
)

func Recon() *ReconMetrics {
	reconOnce.Do(func() {
		reconRegistry = &ReconMetrics{
			runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "recon_runs_total",
				Help: "Count of reconciliation runs by outcome.",
			}, []string{"outcome"}),
			anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "recon_anomalies_total",
				Help: "Count of anomalies flagged during reconciliation by kind.",
			}, []string{"kind"}),
			lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "recon_last_run_timestamp_seconds",
				Help: "Unix timestamp of the most recent completed reconciliation run.",
			}),
			reportRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "recon_report_rows",
				Help: "Number of settlement rows written to the report per day.",
			}, []string{"day"}),
			settledValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "recon_settled_value",
				Help: "Total settled value per asset recorded by the last run.",
			}, []string{"asset"}),
			valueMismatch: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "recon_value_mismatch",
				Help: "Absolute difference between expected and paid value per asset.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(
			reconRegistry.runs,
			reconRegistry.anomalies,
			reconRegistry.lastRun,
			reconRegistry.reportRows,
			reconRegistry.settledValue,
			reconRegistry.valueMismatch,
		)
	})
	return reconRegistry
}

func (m *ReconMetrics) ObserveRun(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.runs.WithLabelValues(outcome).Inc()
}

func (m *ReconMetrics) ObserveAnomaly(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.anomalies.WithLabelValues(kind).Inc()
}

func (m *ReconMetrics) SetLastRun(unixSeconds int64) {
	if m == nil {
		return
	}
	m.lastRun.Set(float64(unixSeconds))
}

func (m *ReconMetrics) ObserveReportRows(day string, rows int) {
	if m == nil {
		return
	}
	if day == "" {
		day = "unknown"
	}
	m.reportRows.WithLabelValues(day).Set(float64(rows))
}

func (m *ReconMetrics) ObserveSettledValue(asset string, value float64) {
	if m == nil {
		return
	}
	if asset == "" {
		asset = "UNKNOWN"
	}
	m.settledValue.WithLabelValues(asset).Set(value)
}

func (m *ReconMetrics) ObserveValueMismatch(asset string, diff float64) {
	if m == nil {
		return
	}
	if asset == "" {
		asset = "UNKNOWN"
	}
	if diff < 0 {
		diff = -diff
	}
	m.valueMismatch.WithLabelValues(asset).Set(diff)
}

func (m *ReconMetrics) InitAnomalyKind(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.anomalies.WithLabelValues(kind).Add(0)
}

func (m *ReconMetrics) InitOutcome(outcomes ...string) {
	if m == nil {
		return
	}
	for _, outcome := range outcomes {
		if outcome == "" {
			continue
		}
		m.runs.WithLabelValues(outcome).Add(0)
	}
}

