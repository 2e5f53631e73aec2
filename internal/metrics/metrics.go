package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"flight-deal-alerts/internal/domain"
)

const namespace = "dealwatcher"

// Metrics exposes Prometheus collectors for the monitoring engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	cycles          *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	alerts          *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	offers          *prometheus.CounterVec
	tokenRefreshes  *prometheus.CounterVec
	lastCycleFailed prometheus.Gauge
}

// MustNew registers the collectors with reg and panics on duplicate registration.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "cycles_total",
			Help:      "Monitoring cycles by outcome.",
		}, []string{"status"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "cycle_duration_seconds",
			Help:      "Wall-clock duration of completed monitoring cycles.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "alerts_processed_total",
			Help:      "Alerts processed per provider and outcome.",
		}, []string{"provider", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Notification gate decisions per provider.",
		}, []string{"provider", "decision"}),
		offers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "normalizer",
			Name:      "offers_total",
			Help:      "Normalized offers per provider, kept or dropped.",
		}, []string{"provider", "result"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "token_refreshes_total",
			Help:      "Token refresh attempts per provider and result.",
		}, []string{"provider", "result"}),
		lastCycleFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "last_cycle_failed_alerts",
			Help:      "Failed alerts in the most recent cycle.",
		}),
	}

	reg.MustRegister(m.cycles, m.cycleDuration, m.alerts, m.notifications, m.offers, m.tokenRefreshes, m.lastCycleFailed)
	return m
}

// ObserveCycle records a finished or skipped cycle.
func (m *Metrics) ObserveCycle(report domain.CycleReport, status string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(status).Inc()
	if status != "completed" {
		return
	}
	m.cycleDuration.Observe(report.Duration().Seconds())
	m.lastCycleFailed.Set(float64(report.Failed))
}

// ObserveAlert records one alert outcome (matched, unmatched, failed, invalid).
func (m *Metrics) ObserveAlert(provider, outcome string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(provider, outcome).Inc()
}

// ObserveDecision records a gate decision (notified, suppressed, delivery_failed).
func (m *Metrics) ObserveDecision(provider, decision string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(provider, decision).Inc()
}

// ObserveOffers records normalizer throughput.
func (m *Metrics) ObserveOffers(provider string, kept, dropped int) {
	if m == nil {
		return
	}
	m.offers.WithLabelValues(provider, "kept").Add(float64(kept))
	m.offers.WithLabelValues(provider, "dropped").Add(float64(dropped))
}

// ObserveTokenRefresh satisfies auth.RefreshObserver.
func (m *Metrics) ObserveTokenRefresh(provider, result string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(provider, result).Inc()
}
