package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type apiMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *apiMetrics

	watcherMetricsOnce sync.Once
	watcherRegistry    *WatcherMetrics

	orchestratorMetricsOnce sync.Once
	orchestratorRegistry    *OrchestratorMetrics

	payoutMetricsOnce sync.Once
	payoutRegistry    *PayoutMetrics

	recoveryMetricsOnce sync.Once
	recoveryRegistry    *RecoveryMetrics
)

// APIMetrics returns the lazily-initialised registry used to record REST
// handler activity.
func APIMetrics() *apiMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &apiMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "otc",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total REST requests segmented by route and method.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "otc",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total REST errors segmented by route, method, and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "otc",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for REST handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "otc",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.errors,
			apiRegistry.latency,
			apiRegistry.throttles,
		)
	})
	return apiRegistry
}

// Observe records the outcome of a REST request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *apiMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *apiMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}

// WatcherMetrics captures collectors tracking the deposit watcher.
type WatcherMetrics struct {
	deposits    *prometheus.CounterVec
	legsFunded  *prometheus.CounterVec
	pollErrors  *prometheus.CounterVec
	scanLatency *prometheus.HistogramVec
	watchedLegs *prometheus.GaugeVec
}

// Watcher returns the singleton metrics registry for the deposit watcher.
func Watcher() *WatcherMetrics {
	watcherMetricsOnce.Do(func() {
		watcherRegistry = &WatcherMetrics{
			deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "otc",
				Subsystem: "watcher",
				Name:      "deposits_total",
				Help:      "Count of newly observed confirmed deposits segmented by ledger and asset.",
			}, []string{"ledger", "asset"}),
			legsFunded: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "otc",
				Subsystem: "watcher",
				Name:      "legs_funded_total",
				Help:      "Count of legs promoted to ready after reaching their funding threshold.",
			}, []string{"ledger"}),
			pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "otc",
				Subsystem: "watcher",
				Name:      "poll_errors_total",
				Help:      "Count of deposit scan failures segmented by ledger and reason.",
			}, []string{"ledger", "reason"}),
			scanLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "otc",
				Subsystem: "watcher",
				Name:      "scan_duration_seconds",
				Help:      "Latency distribution for per-leg deposit scans.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"ledger"}),
			watchedLegs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "otc",
				Subsystem: "watcher",
				Name:      "watched_legs",
				Help:      "Number of legs currently awaiting deposits per ledger.",
			}, []string{"ledger"}),
		}
		prometheus.MustRegister(
			watcherRegistry.deposits,
			watcherRegistry.legsFunded,
			watcherRegistry.pollErrors,
			watcherRegistry.scanLatency,
			watcherRegistry.watchedLegs,
		)
	})
	return watcherRegistry
}

// RecordDeposit increments the deposit counter for a ledger and asset.
func (m *WatcherMetrics) RecordDeposit(ledger, asset string) {
	if m == nil {
		return
	}
	m.deposits.WithLabelValues(labelLedger(ledger), labelAsset(asset)).Inc()
}

// RecordLegFunded increments the funded-leg counter for a ledger.
func (m *WatcherMetrics) RecordLegFunded(ledger string) {
	if m == nil {
		return
	}
	m.legsFunded.WithLabelValues(labelLedger(ledger)).Inc()
}

// RecordPollError increments the scan failure counter.
func (m *WatcherMetrics) RecordPollError(ledger, reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.pollErrors.WithLabelValues(labelLedger(ledger), reason).Inc()
}

// ObserveScan records how long a single deposit scan took.
func (m *WatcherMetrics) ObserveScan(ledger string, d time.Duration) {
	if m == nil {
		return
	}
	m.scanLatency.WithLabelValues(labelLedger(ledger)).Observe(d.Seconds())
}

// SetWatchedLegs updates the awaiting-deposit gauge for a ledger.
func (m *WatcherMetrics) SetWatchedLegs(ledger string, count int) {
	if m == nil {
		return
	}
	m.watchedLegs.WithLabelValues(labelLedger(ledger)).Set(float64(count))
}

// OrchestratorMetrics captures collectors tracking settlement drives.
type OrchestratorMetrics struct {
	transitions *prometheus.CounterVec
	settlements *prometheus.CounterVec
	driveErrors *prometheus.CounterVec
	openDeals   prometheus.Gauge
}

// Orchestrator returns the singleton metrics registry for the settlement
// orchestrator.
func Orchestrator() *OrchestratorMetrics {
	orchestratorMetricsOnce.Do(func() {
		orchestratorRegistry = &OrchestratorMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "otc",
				Subsystem: "orchestrator",
				Name:      "leg_transitions_total",
				Help:      "Count of leg state transitions segmented by the entered state.",
			}, []string{"state"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "otc",
				Subsystem: "orchestrator",
				Name:      "settlements_total",
				Help:      "Count of escrow settlements driven to a terminal outcome.",
			}, []string{"outcome"}),
			driveErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "otc",
				Subsystem: "orchestrator",
				Name:      "errors_total",
				Help:      "Count of drive failures segmented by stage and reason.",
			}, []string{"stage", "reason"}),
			openDeals: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "otc",
				Subsystem: "orchestrator",
				Name:      "open_deals",
				Help:      "Number of deals not yet in a terminal status.",
			}),
		}
		prometheus.MustRegister(
			orchestratorRegistry.transitions,
			orchestratorRegistry.settlements,
			orchestratorRegistry.driveErrors,
			orchestratorRegistry.openDeals,
		)
	})
	return orchestratorRegistry
}

// RecordTransition increments the transition counter for the entered state.
func (m *OrchestratorMetrics) RecordTransition(state string) {
	if m == nil {
		return
	}
	if state == "" {
		state = "unknown"
	}
	m.transitions.WithLabelValues(strings.ToLower(state)).Inc()
}

// RecordOutcome increments the settlement counter. Outcome should be
// "settled" or "reverted".
func (m *OrchestratorMetrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.settlements.WithLabelValues(strings.ToLower(outcome)).Inc()
}

// RecordDriveError increments the failure counter for a drive stage.
func (m *OrchestratorMetrics) RecordDriveError(stage, reason string) {
	if m == nil {
		return
	}
	if stage == "" {
		stage = "unknown"
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.driveErrors.WithLabelValues(stage, reason).Inc()
}

// SetOpenDeals updates the open-deal gauge.
func (m *OrchestratorMetrics) SetOpenDeals(count int) {
	if m == nil {
		return
	}
	m.openDeals.Set(float64(count))
}

// PayoutMetrics wraps collectors tracking payout queue health.
type PayoutMetrics struct {
	submitted      *prometheus.CounterVec
	confirmed      *prometheus.CounterVec
	failed         *prometheus.CounterVec
	confirmLatency *prometheus.HistogramVec
	queueDepth     *prometheus.GaugeVec
	reserveBalance *prometheus.GaugeVec
	reserveHealth  *prometheus.GaugeVec
}

// Payouts exposes the metrics registry for the payout queue worker.
func Payouts() *PayoutMetrics {
	payoutMetricsOnce.Do(func() {
		payoutRegistry = &PayoutMetrics{
			submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "otc",
				Subsystem: "payouts",
				Name:      "submitted_total",
				Help:      "Count of payout transactions submitted segmented by ledger and purpose.",
			}, []string{"ledger", "purpose"}),
			confirmed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "otc",
				Subsystem: "payouts",
				Name:      "confirmed_total",
				Help:      "Count of payout transactions confirmed segmented by ledger and purpose.",
			}, []string{"ledger", "purpose"}),
			failed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "otc",
				Subsystem: "payouts",
				Name:      "failed_total",
				Help:      "Count of payout failures segmented by ledger and reason.",
			}, []string{"ledger", "reason"}),
			confirmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "otc",
				Subsystem: "payouts",
				Name:      "confirm_latency_seconds",
				Help:      "Latency distribution from payout creation to confirmation.",
				Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
			}, []string{"ledger"}),
			queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "otc",
				Subsystem: "payouts",
				Name:      "queue_depth",
				Help:      "Number of payout rows per status.",
			}, []string{"status"}),
			reserveBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "otc",
				Subsystem: "payouts",
				Name:      "operator_reserve",
				Help:      "Operator wallet balance per ledger in base units.",
			}, []string{"ledger"}),
			reserveHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "otc",
				Subsystem: "payouts",
				Name:      "operator_reserve_health",
				Help:      "Fraction of the configured reserve floor currently funded (0-1).",
			}, []string{"ledger"}),
		}
		prometheus.MustRegister(
			payoutRegistry.submitted,
			payoutRegistry.confirmed,
			payoutRegistry.failed,
			payoutRegistry.confirmLatency,
			payoutRegistry.queueDepth,
			payoutRegistry.reserveBalance,
			payoutRegistry.reserveHealth,
		)
	})
	return payoutRegistry
}

// RecordSubmitted increments the submitted counter.
func (m *PayoutMetrics) RecordSubmitted(ledger, purpose string) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(labelLedger(ledger), labelPurpose(purpose)).Inc()
}

// RecordConfirmed increments the confirmed counter.
func (m *PayoutMetrics) RecordConfirmed(ledger, purpose string) {
	if m == nil {
		return
	}
	m.confirmed.WithLabelValues(labelLedger(ledger), labelPurpose(purpose)).Inc()
}

// RecordFailed increments the failure counter for the supplied reason.
func (m *PayoutMetrics) RecordFailed(ledger, reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.failed.WithLabelValues(labelLedger(ledger), reason).Inc()
}

// ObserveConfirmLatency records how long a payout took from creation to
// confirmation.
func (m *PayoutMetrics) ObserveConfirmLatency(ledger string, d time.Duration) {
	if m == nil {
		return
	}
	m.confirmLatency.WithLabelValues(labelLedger(ledger)).Observe(d.Seconds())
}

// SetQueueDepth updates the per-status depth gauge.
func (m *PayoutMetrics) SetQueueDepth(status string, count int) {
	if m == nil {
		return
	}
	if status == "" {
		status = "unknown"
	}
	m.queueDepth.WithLabelValues(strings.ToUpper(status)).Set(float64(count))
}

// RecordReserve updates the operator reserve gauges for a ledger. The health
// gauge reports what fraction of the configured floor is funded, capped at 1.
func (m *PayoutMetrics) RecordReserve(ledger string, balance, floor *big.Int) {
	if m == nil {
		return
	}
	label := labelLedger(ledger)
	balanceVal := bigToFloat(balance)
	m.reserveBalance.WithLabelValues(label).Set(balanceVal)
	floorVal := bigToFloat(floor)
	health := 1.0
	if floorVal > 0 {
		health = balanceVal / floorVal
		if health > 1 {
			health = 1
		}
		if health < 0 {
			health = 0
		}
	}
	m.reserveHealth.WithLabelValues(label).Set(health)
}

// RecoveryMetrics bundles collectors for stuck-transaction recovery.
type RecoveryMetrics struct {
	feeBumps      *prometheus.CounterVec
	resubmits     *prometheus.CounterVec
	interventions *prometheus.CounterVec
	stuckPayouts  prometheus.Gauge
}

// Recovery returns the metrics registry for the recovery worker.
func Recovery() *RecoveryMetrics {
	recoveryMetricsOnce.Do(func() {
		recoveryRegistry = &RecoveryMetrics{
			feeBumps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "otc",
				Subsystem: "recovery",
				Name:      "fee_bumps_total",
				Help:      "Count of replacement transactions broadcast with a higher fee.",
			}, []string{"ledger"}),
			resubmits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "otc",
				Subsystem: "recovery",
				Name:      "resubmits_total",
				Help:      "Count of dropped payouts returned to the queue for a fresh send.",
			}, []string{"ledger"}),
			interventions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "otc",
				Subsystem: "recovery",
				Name:      "interventions_total",
				Help:      "Count of payouts parked for manual operator intervention.",
			}, []string{"kind"}),
			stuckPayouts: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "otc",
				Subsystem: "recovery",
				Name:      "stuck_payouts",
				Help:      "Number of submitted payouts past the stuck horizon.",
			}),
		}
		prometheus.MustRegister(
			recoveryRegistry.feeBumps,
			recoveryRegistry.resubmits,
			recoveryRegistry.interventions,
			recoveryRegistry.stuckPayouts,
		)
	})
	return recoveryRegistry
}

// RecordFeeBump increments the fee bump counter for a ledger.
func (m *RecoveryMetrics) RecordFeeBump(ledger string) {
	if m == nil {
		return
	}
	m.feeBumps.WithLabelValues(labelLedger(ledger)).Inc()
}

// RecordResubmit increments the resubmit counter for a ledger.
func (m *RecoveryMetrics) RecordResubmit(ledger string) {
	if m == nil {
		return
	}
	m.resubmits.WithLabelValues(labelLedger(ledger)).Inc()
}

// RecordIntervention increments the manual intervention counter.
func (m *RecoveryMetrics) RecordIntervention(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.interventions.WithLabelValues(kind).Inc()
}

// SetStuck updates the stuck payout gauge.
func (m *RecoveryMetrics) SetStuck(count int) {
	if m == nil {
		return
	}
	m.stuckPayouts.Set(float64(count))
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func labelLedger(ledger string) string {
	trimmed := strings.TrimSpace(ledger)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}

func labelPurpose(purpose string) string {
	trimmed := strings.TrimSpace(purpose)
	if trimmed == "" {
		return "unknown"
	}
	// Sweep purposes carry the asset as a suffix; collapse them to keep the
	// label cardinality bounded.
	if idx := strings.IndexByte(trimmed, ':'); idx > 0 {
		trimmed = trimmed[:idx]
	}
	return strings.ToLower(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
