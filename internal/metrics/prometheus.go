// Package metrics exposes the orchestrator's counters and gauges in
// Prometheus format.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all orchestrator metrics.
type Registry struct {
	// Mode transitions
	Transitions        *prometheus.CounterVec
	TransitionDuration prometheus.Histogram
	ActiveMode         *prometheus.GaugeVec

	// Services
	ServiceState    *prometheus.GaugeVec
	ServiceCrashes  *prometheus.CounterVec
	ServiceRestarts *prometheus.CounterVec

	// Leak detection
	LeakRuns      *prometheus.CounterVec
	LeakFailures  *prometheus.CounterVec
	LeakSuiteTime prometheus.Histogram

	// Kill switch
	KillSwitchEngagements *prometheus.CounterVec
	KillSwitchEngaged     prometheus.Gauge
	DisengageDenied       prometheus.Counter

	// Monitor
	HealthChecks       *prometheus.CounterVec
	ConnectivityProbes *prometheus.CounterVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shroud_transitions_total",
		Help: "Mode transitions by target mode and outcome",
	}, []string{"to", "outcome"})

	r.TransitionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shroud_transition_duration_seconds",
		Help:    "Wall time of mode transitions",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
	})

	r.ActiveMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shroud_active_mode",
		Help: "1 for the currently active mode, 0 otherwise",
	}, []string{"mode"})

	r.ServiceState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shroud_service_state",
		Help: "1 for the service's current state, 0 otherwise",
	}, []string{"service", "state"})

	r.ServiceCrashes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shroud_service_crashes_total",
		Help: "Unexpected service exits",
	}, []string{"service"})

	r.ServiceRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shroud_service_restarts_total",
		Help: "Automatic restarts after a crash",
	}, []string{"service"})

	r.LeakRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shroud_leak_runs_total",
		Help: "Leak suite executions by verdict",
	}, []string{"verdict"})

	r.LeakFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shroud_leak_check_failures_total",
		Help: "Individual leak check failures by check name",
	}, []string{"check"})

	r.LeakSuiteTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shroud_leak_suite_duration_seconds",
		Help:    "Wall time of a full leak suite run",
		Buckets: []float64{1, 5, 15, 30, 60, 120},
	})

	r.KillSwitchEngagements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shroud_killswitch_engagements_total",
		Help: "Kill switch engagements by trigger",
	}, []string{"trigger"})

	r.KillSwitchEngaged = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shroud_killswitch_engaged",
		Help: "1 while the kill switch is engaged",
	})

	r.DisengageDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shroud_killswitch_disengage_denied_total",
		Help: "Disengage attempts rejected for bad authorization",
	})

	r.HealthChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shroud_health_checks_total",
		Help: "Per-service health probe results",
	}, []string{"service", "result"})

	r.ConnectivityProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shroud_connectivity_probes_total",
		Help: "End-to-end connectivity probe results",
	}, []string{"result"})

	return r
}

// RecordTransition records a finished transition.
func (r *Registry) RecordTransition(to, outcome string, seconds float64) {
	r.Transitions.WithLabelValues(to, outcome).Inc()
	r.TransitionDuration.Observe(seconds)
}

// SetActiveMode sets the active-mode gauge, clearing all other modes.
func (r *Registry) SetActiveMode(modes []string, active string) {
	for _, m := range modes {
		v := 0.0
		if m == active {
			v = 1.0
		}
		r.ActiveMode.WithLabelValues(m).Set(v)
	}
}

// SetServiceState sets the per-service state gauge, clearing other states.
func (r *Registry) SetServiceState(service, state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1.0
		}
		r.ServiceState.WithLabelValues(service, s).Set(v)
	}
}

// RecordLeakRun records a full suite run.
func (r *Registry) RecordLeakRun(passed bool, failedChecks []string, seconds float64) {
	verdict := "pass"
	if !passed {
		verdict = "fail"
	}
	r.LeakRuns.WithLabelValues(verdict).Inc()
	for _, c := range failedChecks {
		r.LeakFailures.WithLabelValues(c).Inc()
	}
	r.LeakSuiteTime.Observe(seconds)
}
