// Package orch is the mode controller: it owns which network mode is active
// and performs atomic transitions between modes. A transition either commits
// fully or the kill switch engages; there is no partial state and no silent
// fallback to the previous mode, so the box never sits in a half-open
// posture.
package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"grimm.is/shroud/internal/audit"
	"grimm.is/shroud/internal/backends"
	"grimm.is/shroud/internal/clock"
	"grimm.is/shroud/internal/config"
	"grimm.is/shroud/internal/events"
	"grimm.is/shroud/internal/firewall"
	"grimm.is/shroud/internal/logging"
	"grimm.is/shroud/internal/metrics"
	"grimm.is/shroud/internal/supervisor"
)

// State is the controller's lifecycle state.
type State string

const (
	// StateIdle means no mode has been established yet; the firewall holds
	// the default-deny posture.
	StateIdle State = "idle"
	// StateTransitioning means a switch is in flight.
	StateTransitioning State = "transitioning"
	// StateStable means the current mode is fully established.
	StateStable State = "stable"
)

// Transition outcomes, as recorded in the audit store.
const (
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
	OutcomeAborted    = "aborted"
)

var (
	// ErrTransitionInProgress is returned when a switch is requested while
	// another is in flight. Transitions never queue.
	ErrTransitionInProgress = errors.New("a mode transition is already in progress")

	// ErrUnknownMode is returned for a target outside the mode catalog.
	ErrUnknownMode = errors.New("unknown mode")
)

// Service is the supervisor surface the controller drives.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) error
	State() supervisor.ServiceState
}

// Controller coordinates services and firewall across mode switches.
type Controller struct {
	cfg      *config.Config
	services map[string]Service
	fw       *firewall.Enforcer
	store    *audit.Store
	hub      *events.Hub
	logger   *logging.Logger
	clk      clock.Clock
	reg      *metrics.Registry

	// transitionMu serializes SwitchTo; TryLock gives the "busy" answer
	// without queueing.
	transitionMu sync.Mutex

	mu      sync.Mutex
	current string
	state   State
}

// New builds a controller over the given services. store may be nil to run
// without persistence.
func New(cfg *config.Config, services map[string]Service, fw *firewall.Enforcer, store *audit.Store, hub *events.Hub, logger *logging.Logger, clk clock.Clock) *Controller {
	if logger == nil {
		logger = logging.Default()
	}
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &Controller{
		cfg:      cfg,
		services: services,
		fw:       fw,
		store:    store,
		hub:      hub,
		logger:   logger.WithComponent("orch"),
		clk:      clk,
		reg:      metrics.Get(),
	}
}

// BuildServices constructs a supervisor per configured service, with the
// readiness probe its definition calls for.
func BuildServices(cfg *config.Config, logger *logging.Logger, hub *events.Hub, clk clock.Clock) (map[string]Service, error) {
	services := make(map[string]Service, len(cfg.Services))
	for _, def := range cfg.Services {
		probe, err := backends.NewProbe(def)
		if err != nil {
			return nil, err
		}
		services[def.Name] = supervisor.New(def, probe, logger, hub, clk)
	}
	return services, nil
}

// CurrentMode returns the active mode name, or "" before the first commit.
func (c *Controller) CurrentMode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// State returns the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == "" {
		return StateIdle
	}
	return c.state
}

// SwitchTo transitions to the named mode. It blocks until the transition
// commits, rolls back, or aborts, and returns the audit record either way.
// Concurrent calls fail fast with ErrTransitionInProgress.
func (c *Controller) SwitchTo(ctx context.Context, target string) (*audit.TransitionRecord, error) {
	mode, ok := c.cfg.Mode(target)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, target)
	}
	if c.fw.State() == firewall.Engaged {
		return nil, firewall.ErrKillSwitchEngaged
	}

	if !c.transitionMu.TryLock() {
		return nil, ErrTransitionInProgress
	}
	defer c.transitionMu.Unlock()

	c.mu.Lock()
	from := c.current
	c.mu.Unlock()

	if from == target {
		rec := &audit.TransitionRecord{
			ID:        uuid.NewString(),
			From:      from,
			To:        target,
			StartedAt: c.clk.Now(),
			Services:  make(map[string]string),
		}
		if err := c.revalidate(ctx, mode); err != nil {
			return nil, err
		}
		rec.Outcome = OutcomeCommitted
		rec.FinishedAt = c.clk.Now()
		for name, svc := range c.services {
			rec.Services[name] = string(svc.State())
		}
		c.finishRecord(rec)
		return rec, nil
	}

	rec := &audit.TransitionRecord{
		ID:        uuid.NewString(),
		From:      from,
		To:        target,
		StartedAt: c.clk.Now(),
		Services:  make(map[string]string),
	}

	c.setState(StateTransitioning)
	c.publishTransition(events.EventTransitionStart, rec, nil)
	c.logger.Info("transition start", "id", rec.ID, "from", from, "to", target)

	err := c.transition(ctx, mode, rec)

	rec.FinishedAt = c.clk.Now()
	for name, svc := range c.services {
		rec.Services[name] = string(svc.State())
	}
	if err != nil {
		rec.Error = err.Error()
	}

	c.finishRecord(rec)
	c.publishTransition(events.EventTransitionResult, rec, err)

	if err != nil {
		return rec, err
	}
	return rec, nil
}

// transition is the commit-or-fail-closed body. On success the controller
// is stable in the target mode; any failure past the first side effect
// engages the kill switch. There is no restore-the-previous-mode path.
func (c *Controller) transition(ctx context.Context, mode *config.Mode, rec *audit.TransitionRecord) error {
	tiers, err := dependencyTiers(c.cfg, mode.Services)
	if err != nil {
		rec.Outcome = OutcomeAborted
		c.failClosed("dependency ordering failed: " + err.Error())
		return err
	}

	// Tear down services the target does not need, deepest first.
	if err := c.stopUnneeded(ctx, mode); err != nil {
		rec.Outcome = OutcomeAborted
		c.failClosed("teardown failed: " + err.Error())
		return err
	}

	if err := c.startTiers(ctx, tiers); err != nil {
		rec.Outcome = OutcomeRolledBack
		c.rollback(ctx, rec, "service start failed: "+err.Error())
		return err
	}

	// The target's policy goes in only after every service is up. Until
	// then the previous ruleset (or the default deny) holds, so a
	// half-started mode never gets a more permissive posture.
	if err := c.fw.Apply(mode.Name, mode.Policy); err != nil {
		rec.Outcome = OutcomeRolledBack
		c.rollback(ctx, rec, "policy apply failed: "+err.Error())
		return err
	}

	c.mu.Lock()
	c.current = mode.Name
	c.state = StateStable
	c.mu.Unlock()

	rec.Outcome = OutcomeCommitted
	c.logger.Info("transition committed", "id", rec.ID, "mode", mode.Name)
	c.reg.SetActiveMode(c.cfg.ModeNames(), mode.Name)
	return nil
}

// startTiers starts each tier's services in parallel, waiting for the whole
// tier before the next begins. The first failure stops the rollout.
func (c *Controller) startTiers(ctx context.Context, tiers [][]string) error {
	for _, tier := range tiers {
		g, gctx := errgroup.WithContext(ctx)
		for _, name := range tier {
			svc := c.services[name]
			g.Go(func() error {
				if err := svc.Start(gctx); err != nil {
					return fmt.Errorf("%s: %w", svc.Name(), err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// stopUnneeded stops every running service the target mode does not list,
// in reverse dependency order.
func (c *Controller) stopUnneeded(ctx context.Context, mode *config.Mode) error {
	want := make(map[string]bool, len(mode.Services))
	for _, name := range mode.Services {
		want[name] = true
	}

	var stopping []string
	for name, svc := range c.services {
		if want[name] {
			continue
		}
		switch svc.State() {
		case supervisor.StateStopped:
		default:
			stopping = append(stopping, name)
		}
	}
	if len(stopping) == 0 {
		return nil
	}

	tiers, err := dependencyTiers(c.cfg, stopping)
	if err != nil {
		return err
	}
	for _, tier := range reverseTiers(tiers) {
		for _, name := range tier {
			if err := c.services[name].Stop(ctx); err != nil {
				return fmt.Errorf("stop %s: %w", name, err)
			}
		}
	}
	return nil
}

// rollback stops whatever the failed target managed to start, then fails
// closed. A failed transition never restores the previous mode: the host
// stays dark until an operator disengages the kill switch and switches
// again deliberately.
func (c *Controller) rollback(ctx context.Context, rec *audit.TransitionRecord, reason string) {
	c.logger.Warn("rolling back transition", "id", rec.ID, "reason", reason)

	if targetMode, ok := c.cfg.Mode(rec.To); ok {
		if tiers, err := dependencyTiers(c.cfg, targetMode.Services); err == nil {
			for _, tier := range reverseTiers(tiers) {
				for _, name := range tier {
					if err := c.services[name].Stop(ctx); err != nil {
						c.logger.Error("stop failed during rollback",
							"service", name, "error", err)
					}
				}
			}
		}
	}

	c.mu.Lock()
	c.current = ""
	c.mu.Unlock()
	c.failClosed(reason)
}

// revalidate handles a switch to the already-active mode: re-probe every
// required service instead of restarting anything.
func (c *Controller) revalidate(ctx context.Context, mode *config.Mode) error {
	c.logger.Info("mode already active, revalidating", "mode", mode.Name)
	for _, name := range mode.Services {
		if err := c.services[name].Health(ctx); err != nil {
			return fmt.Errorf("revalidate %s: %w", mode.Name, err)
		}
	}
	return nil
}

// Shutdown stops every running service, dependents before dependencies.
// The firewall tables are left in place; the host stays dark until the
// daemon comes back.
func (c *Controller) Shutdown(ctx context.Context) {
	mode := c.ActiveMode()
	if mode == nil {
		return
	}
	tiers, err := dependencyTiers(c.cfg, mode.Services)
	if err != nil {
		c.logger.Error("shutdown ordering failed, stopping unordered", "error", err)
		tiers = [][]string{mode.Services}
	}
	for _, tier := range reverseTiers(tiers) {
		for _, name := range tier {
			if err := c.services[name].Stop(ctx); err != nil {
				c.logger.Error("service stop failed during shutdown",
					"service", name, "error", err)
			}
		}
	}
	c.mu.Lock()
	c.current = ""
	c.state = StateIdle
	c.mu.Unlock()
}

// failClosed engages the kill switch and parks the controller.
func (c *Controller) failClosed(reason string) {
	c.logger.Error("failing closed", "reason", reason)
	if err := c.fw.EngageKillSwitch(reason); err != nil {
		c.logger.Error("kill switch engage failed during fail-closed", "error", err)
	}
	c.reg.KillSwitchEngagements.WithLabelValues("transition_failure").Inc()
	c.reg.KillSwitchEngaged.Set(1)
	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) finishRecord(rec *audit.TransitionRecord) {
	seconds := rec.FinishedAt.Sub(rec.StartedAt).Seconds()
	c.reg.RecordTransition(rec.To, rec.Outcome, seconds)

	if c.store == nil {
		return
	}
	if err := c.store.RecordTransition(*rec); err != nil {
		c.logger.Error("audit write failed", "error", err, "transition", rec.ID)
	}
}

func (c *Controller) publishTransition(t events.EventType, rec *audit.TransitionRecord, err error) {
	if c.hub == nil {
		return
	}
	data := events.TransitionData{ID: rec.ID, From: rec.From, To: rec.To, Outcome: rec.Outcome}
	if err != nil {
		data.Error = err.Error()
	}
	c.hub.Publish(events.Event{Type: t, Source: "orch", Data: data})
}
