// Package leak verifies that the active mode's anonymization posture holds:
// the externally visible address is consistent and unknown, the secondary
// protocol family is actually blocked, name resolution stays on the
// encrypted path, and the overlay network attests the traffic as its own.
package leak

import (
	"context"
	"net"
	"net/http"
	"time"

	"grimm.is/shroud/internal/clock"
	"grimm.is/shroud/internal/config"
	"grimm.is/shroud/internal/events"
	"grimm.is/shroud/internal/logging"
)

// Status is the outcome of one check.
type Status string

const (
	// Pass means the check ran and found no leak.
	Pass Status = "pass"
	// Fail means a leak was positively detected.
	Fail Status = "fail"
	// Error means the check could not run to completion; inconclusive,
	// not evidence of a leak.
	Error Status = "error"
	// Skipped means the check does not apply to the active mode.
	Skipped Status = "skipped"
)

// Result is one check's outcome.
type Result struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Report is a full run of the suite.
type Report struct {
	Mode      string    `json:"mode"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
	Results   []Result  `json:"results"`
}

// Passed reports whether every check came back clean. A check that could
// not run to completion is not clean: an unverifiable posture is treated as
// a failing run.
func (r *Report) Passed() bool {
	for _, res := range r.Results {
		if res.Status == Fail || res.Status == Error {
			return false
		}
	}
	return true
}

// LeakDetected reports whether any check positively observed a leak, as
// opposed to merely failing to run.
func (r *Report) LeakDetected() bool {
	for _, res := range r.Results {
		if res.Status == Fail {
			return true
		}
	}
	return false
}

// FailedChecks returns the names of checks that detected a leak or could
// not complete.
func (r *Report) FailedChecks() []string {
	var out []string
	for _, res := range r.Results {
		if res.Status == Fail || res.Status == Error {
			out = append(out, res.Name)
		}
	}
	return out
}

// HTTPDoer is the HTTP surface the checks need; *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DialFunc is injected for raw connection attempts (the IPv6 and direct-DNS
// checks), so tests never touch a real network.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Detector runs the leak test suite against the active mode.
type Detector struct {
	cfg    config.LeakConfig
	client HTTPDoer
	dial   DialFunc
	clk    clock.Clock
	logger *logging.Logger
	hub    *events.Hub

	// sleep is swapped in tests so the delayed re-test does not wall-wait.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a detector. The HTTP client must already route through the
// active mode's proxy; the detector never configures proxying itself.
func New(cfg config.LeakConfig, client HTTPDoer, logger *logging.Logger, hub *events.Hub, clk clock.Clock) *Detector {
	if client == nil {
		client = &http.Client{Timeout: cfg.ProbeTimeoutD()}
	}
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	d := &Detector{
		cfg:    cfg,
		client: client,
		clk:    clk,
		logger: logger.WithComponent("leak"),
		hub:    hub,
		sleep:  sleepCtx,
	}
	d.dial = (&net.Dialer{Timeout: cfg.ProbeTimeoutD()}).DialContext
	return d
}

// SetDial overrides the dialer used for raw reachability checks. The daemon
// uses this to bind probes to a specific interface; tests use it to avoid
// the network entirely.
func (d *Detector) SetDial(dial DialFunc) {
	d.dial = dial
}

// Run executes the full suite for mode and publishes the verdict. The checks
// run sequentially; several depend on the outcome of earlier ones.
func (d *Detector) Run(ctx context.Context, mode *config.Mode) *Report {
	start := d.clk.Now()
	report := &Report{StartedAt: start}
	if mode != nil {
		report.Mode = mode.Name
	}

	addrs := d.checkAddressConsistency(ctx, report)
	d.checkIPv6Blocked(ctx, mode, report)
	d.checkDNSPath(ctx, mode, report)
	d.checkBrowser(report)
	d.checkAttestation(ctx, mode, report)
	d.checkDelayedRetest(ctx, report, addrs)

	report.Duration = d.clk.Since(start).String()

	if !report.Passed() {
		d.logger.Warn("leak detected", "mode", report.Mode, "failed", report.FailedChecks())
	} else {
		d.logger.Debug("leak suite passed", "mode", report.Mode)
	}
	if d.hub != nil {
		d.hub.Publish(events.Event{
			Type:   events.EventLeakVerdict,
			Source: "leak",
			Data: events.LeakVerdictData{
				Pass:         report.Passed(),
				FailedChecks: report.FailedChecks(),
			},
		})
	}
	return report
}

func (d *Detector) record(report *Report, name string, status Status, detail string) {
	report.Results = append(report.Results, Result{
		Name:      name,
		Status:    status,
		Detail:    detail,
		Timestamp: d.clk.Now(),
	})
}

func sleepCtx(ctx context.Context, dur time.Duration) error {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
