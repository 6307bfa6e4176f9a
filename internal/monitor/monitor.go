// Package monitor watches the established mode: service health on a short
// interval, the full leak suite on a long one, and an optional end-to-end
// connectivity probe. It reacts to trouble exactly one way — engaging the
// kill switch and raising an alert. It never switches modes and never
// disengages; those are operator decisions.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"grimm.is/shroud/internal/audit"
	"grimm.is/shroud/internal/clock"
	"grimm.is/shroud/internal/config"
	"grimm.is/shroud/internal/events"
	"grimm.is/shroud/internal/firewall"
	"grimm.is/shroud/internal/leak"
	"grimm.is/shroud/internal/logging"
	"grimm.is/shroud/internal/metrics"
	"grimm.is/shroud/internal/orch"
	"grimm.is/shroud/internal/scheduler"
)

// pingInterval spaces the connectivity probe's echo requests.
const pingInterval = 500 * time.Millisecond

// Task IDs, also visible in scheduler status output.
const (
	TaskHealth       = "health"
	TaskLeakSuite    = "leak-suite"
	TaskConnectivity = "connectivity"
	TaskAuditPrune   = "audit-prune"
)

// Monitor runs the periodic watchdog tasks.
type Monitor struct {
	cfg    *config.Config
	ctrl   *orch.Controller
	det    *leak.Detector
	fw     *firewall.Enforcer
	store  *audit.Store
	sched  *scheduler.Scheduler
	logger *logging.Logger
	hub    *events.Hub
	reg    *metrics.Registry
	clk    clock.Clock
}

// New wires a monitor. store may be nil; the audit prune task is then
// omitted.
func New(cfg *config.Config, ctrl *orch.Controller, det *leak.Detector, fw *firewall.Enforcer, store *audit.Store, hub *events.Hub, logger *logging.Logger, clk clock.Clock) *Monitor {
	if logger == nil {
		logger = logging.Default()
	}
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &Monitor{
		cfg:    cfg,
		ctrl:   ctrl,
		det:    det,
		fw:     fw,
		store:  store,
		sched:  scheduler.New(logger, clk),
		logger: logger.WithComponent("monitor"),
		hub:    hub,
		reg:    metrics.Get(),
		clk:    clk,
	}
}

// Start registers the tasks and begins the schedule.
func (m *Monitor) Start() error {
	mon := m.cfg.Monitor
	if mon == nil {
		mon = &config.MonitorConfig{}
	}

	if err := m.sched.AddTask(&scheduler.Task{
		ID:       TaskHealth,
		Name:     "service health",
		Schedule: scheduler.Every(mon.HealthIntervalD()),
		Timeout:  mon.HealthIntervalD(),
		Func:     m.healthTask,
	}); err != nil {
		return err
	}

	if err := m.sched.AddTask(&scheduler.Task{
		ID:       TaskLeakSuite,
		Name:     "leak suite",
		Schedule: scheduler.Every(mon.LeakIntervalD()),
		Timeout:  mon.LeakIntervalD(),
		Func:     m.leakTask,
	}); err != nil {
		return err
	}

	if mon.ConnectivityTarget != "" {
		if err := m.sched.AddTask(&scheduler.Task{
			ID:       TaskConnectivity,
			Name:     "connectivity probe",
			Schedule: scheduler.Every(mon.HealthIntervalD()),
			Timeout:  mon.HealthIntervalD(),
			Func:     m.connectivityTask,
		}); err != nil {
			return err
		}
	}

	if m.store != nil {
		if err := m.sched.AddTask(&scheduler.Task{
			ID:       TaskAuditPrune,
			Name:     "audit retention prune",
			Schedule: scheduler.Daily(3, 0),
			Func:     m.pruneTask,
		}); err != nil {
			return err
		}
	}

	m.sched.Start()
	m.logger.Info("monitor started",
		"health_interval", mon.HealthIntervalD(),
		"leak_interval", mon.LeakIntervalD())
	return nil
}

// Stop halts the schedule and waits for in-flight tasks.
func (m *Monitor) Stop() {
	m.sched.Stop()
}

// TaskStatus exposes the scheduler's view for the status surface.
func (m *Monitor) TaskStatus() []scheduler.TaskStatus {
	return m.sched.Status()
}

// healthTask re-probes every service the active mode requires. Any service
// that is degraded or failed collapses traffic.
func (m *Monitor) healthTask(ctx context.Context) error {
	mode := m.ctrl.ActiveMode()
	if mode == nil || m.fw.State() == firewall.Engaged {
		return nil
	}

	var unhealthy []string
	for _, name := range mode.Services {
		svc := m.ctrl.GetService(name)
		if svc == nil {
			continue
		}
		err := svc.Health(ctx)
		result := "ok"
		if err != nil {
			result = "failed"
			unhealthy = append(unhealthy, fmt.Sprintf("%s: %v", name, err))
		}
		m.reg.HealthChecks.WithLabelValues(name, result).Inc()
	}

	if len(unhealthy) > 0 {
		m.engage("service health", "unhealthy services: "+strings.Join(unhealthy, "; "))
	}
	return nil
}

// leakTask runs the full suite against the active mode and fails closed on a
// detected leak. The run is recorded whether it passes or not.
func (m *Monitor) leakTask(ctx context.Context) error {
	mode := m.ctrl.ActiveMode()
	if mode == nil || m.fw.State() == firewall.Engaged {
		return nil
	}

	report := m.det.Run(ctx, mode)
	m.recordLeakRun(report)

	// Only a positively observed leak drops traffic. A check that merely
	// could not run fails the report but is logged for the operator; probe
	// infrastructure being down is not evidence of exposure.
	if report.LeakDetected() {
		m.engage("leak detection",
			"leak checks failed: "+strings.Join(report.FailedChecks(), ", "))
	} else if !report.Passed() {
		m.logger.Warn("leak suite inconclusive",
			"checks", strings.Join(report.FailedChecks(), ", "))
	}
	return nil
}

// RunLeakSuite runs the suite on operator demand. Strictly read-only: the
// result is reported and audited but never engages the kill switch.
func (m *Monitor) RunLeakSuite(ctx context.Context) *leak.Report {
	report := m.det.Run(ctx, m.ctrl.ActiveMode())
	m.recordLeakRun(report)
	return report
}

func (m *Monitor) recordLeakRun(report *leak.Report) {
	dur, _ := time.ParseDuration(report.Duration)
	m.reg.RecordLeakRun(report.Passed(), report.FailedChecks(), dur.Seconds())
	if m.store == nil {
		return
	}
	if err := m.store.RecordLeakRun(report.StartedAt, report.Mode, report.Passed(), report); err != nil {
		m.logger.Error("leak run audit write failed", "error", err)
	}
}

// connectivityTask pings the configured target through the active mode.
// Loss is logged and counted, not acted on: no connectivity is a usability
// problem, not a leak.
func (m *Monitor) connectivityTask(ctx context.Context) error {
	if m.ctrl.ActiveMode() == nil {
		return nil
	}

	pinger, err := probing.NewPinger(m.cfg.Monitor.ConnectivityTarget)
	if err != nil {
		return fmt.Errorf("connectivity pinger: %w", err)
	}
	pinger.Count = 3
	pinger.Interval = pingInterval
	pinger.SetPrivileged(true)

	if err := pinger.RunWithContext(ctx); err != nil {
		m.reg.ConnectivityProbes.WithLabelValues("error").Inc()
		return fmt.Errorf("connectivity probe: %w", err)
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		m.reg.ConnectivityProbes.WithLabelValues("unreachable").Inc()
		m.logger.Warn("connectivity probe got no replies",
			"target", m.cfg.Monitor.ConnectivityTarget)
		return nil
	}
	m.reg.ConnectivityProbes.WithLabelValues("ok").Inc()
	return nil
}

func (m *Monitor) pruneTask(ctx context.Context) error {
	n, err := m.store.Prune()
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Info("audit records pruned", "count", n)
	}
	return nil
}

// engage fails closed and raises a critical alert.
func (m *Monitor) engage(trigger, reason string) {
	m.logger.Error("engaging kill switch", "trigger", trigger, "reason", reason)

	if err := m.fw.EngageKillSwitch(reason); err != nil {
		m.logger.Error("kill switch engage failed", "error", err)
	}
	m.reg.KillSwitchEngagements.WithLabelValues(trigger).Inc()
	m.reg.KillSwitchEngaged.Set(1)

	if m.hub != nil {
		m.hub.Publish(events.Event{
			Type:   events.EventAlert,
			Source: "monitor",
			Data:   events.AlertData{Severity: "critical", Message: reason},
		})
	}
}
