// Package supervisor manages the lifecycle of a single backend process:
// launch, readiness probing, crash detection, and bounded restart. It tracks
// HOW a process exits and only treats actual crashes (fatal signals, panics,
// unexpected non-zero exits) as crash events; a requested stop never counts.
package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"grimm.is/shroud/internal/clock"
	"grimm.is/shroud/internal/config"
	"grimm.is/shroud/internal/events"
	"grimm.is/shroud/internal/logging"
)

// ServiceState is the lifecycle state of a supervised backend.
type ServiceState string

const (
	StateStopped  ServiceState = "stopped"
	StateStarting ServiceState = "starting"
	StateRunning  ServiceState = "running"
	StateDegraded ServiceState = "degraded"
	StateFailed   ServiceState = "failed"
)

// MaxRestarts bounds automatic restarts after a crash. Past this the
// service goes to failed and stays there until an operator intervenes.
const MaxRestarts = 1

// Probe reports whether a backend is ready to carry traffic. Implementations
// live with the backend adapters.
type Probe interface {
	Check(ctx context.Context) error
}

// ExitEvent records how a supervised process exited.
type ExitEvent struct {
	Code      int
	Signal    syscall.Signal
	Timestamp time.Time
}

// IsCrash reports whether the exit was an actual crash rather than a clean
// exit or a requested stop.
func (e ExitEvent) IsCrash() bool {
	switch e.Signal {
	case syscall.SIGKILL, syscall.SIGSEGV, syscall.SIGBUS, syscall.SIGABRT:
		return true
	case syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP:
		return false
	}
	return e.Code != 0
}

// Supervisor owns one backend process.
type Supervisor struct {
	def    config.ServiceDefinition
	probe  Probe
	logger *logging.Logger
	hub    *events.Hub
	clk    clock.Clock

	mu            sync.Mutex
	state         ServiceState
	cmd           *exec.Cmd
	stopRequested bool
	restarts      int
	lastExit      *ExitEvent
	watchDone     chan struct{}
}

// New creates a supervisor for def. probe may be nil, in which case the
// service is considered ready as soon as the process is alive.
func New(def config.ServiceDefinition, probe Probe, logger *logging.Logger, hub *events.Hub, clk clock.Clock) *Supervisor {
	if logger == nil {
		logger = logging.Default()
	}
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &Supervisor{
		def:    def,
		probe:  probe,
		logger: logger.WithComponent("supervisor").WithFields(map[string]any{"service": def.Name}),
		hub:    hub,
		clk:    clk,
		state:  StateStopped,
	}
}

// Name returns the service name.
func (s *Supervisor) Name() string { return s.def.Name }

// State returns the current lifecycle state.
func (s *Supervisor) State() ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastExit returns how the process last exited, or nil.
func (s *Supervisor) LastExit() *ExitEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastExit
}

// Pid returns the supervised process id, or 0 when not running.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

// Start launches the process and blocks until the readiness probe passes or
// the service's startup timeout elapses. A failed start does not retry; the
// caller decides what a failed dependency means for the whole transition.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateRunning, StateStarting:
		s.mu.Unlock()
		return nil
	}
	s.stopRequested = false
	s.restarts = 0
	s.setStateLocked(StateStarting, "")
	s.mu.Unlock()

	if err := s.launchAndAwait(ctx); err != nil {
		s.mu.Lock()
		s.setStateLocked(StateFailed, err.Error())
		s.mu.Unlock()
		return err
	}
	return nil
}

// launchAndAwait spawns the process, waits for readiness, and installs the
// crash watcher. Used by both Start and the post-crash restart path.
func (s *Supervisor) launchAndAwait(ctx context.Context) error {
	if err := RenderConfig(s.def); err != nil {
		return err
	}

	cmd := exec.Command(s.def.Command, s.def.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = newLogWriter(s.logger, "stdout")
	cmd.Stderr = newLogWriter(s.logger, "stderr")

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.def.Name, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	done := make(chan struct{})
	s.watchDone = done
	s.mu.Unlock()

	// exited is closed once Wait returns; waitErr is valid after that.
	exited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(exited)
	}()

	if err := s.awaitReady(ctx, exited, &waitErr); err != nil {
		// Kill whatever we started; the watcher never ran, so reap here.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-exited
		close(done)
		return err
	}

	s.mu.Lock()
	s.setStateLocked(StateRunning, "")
	s.mu.Unlock()
	s.logger.Info("service ready", "pid", cmd.Process.Pid)

	go func() {
		<-exited
		s.watch(waitErr, done)
	}()
	return nil
}

// awaitReady polls the probe until it passes, the process dies, the startup
// timeout elapses, or ctx is cancelled. waitErr is only read after exited
// is closed.
func (s *Supervisor) awaitReady(ctx context.Context, exited <-chan struct{}, waitErr *error) error {
	if s.probe == nil {
		return nil
	}

	deadline := s.clk.Now().Add(s.def.StartupTimeoutD())
	interval := config.DefaultProbeInterval
	if s.def.Probe != nil {
		interval = s.def.Probe.IntervalD()
	}

	var lastErr error
	for {
		probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout())
		lastErr = s.probe.Check(probeCtx)
		cancel()
		if lastErr == nil {
			return nil
		}

		// Reaching the deadline exactly is already too late.
		if !s.clk.Now().Before(deadline) {
			return fmt.Errorf("%s not ready after %s: %w", s.def.Name, s.def.StartupTimeoutD(), lastErr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return fmt.Errorf("%s exited during startup: %w", s.def.Name, coalesceExitErr(*waitErr))
		case <-time.After(interval):
		}
	}
}

func (s *Supervisor) probeTimeout() time.Duration {
	if s.def.Probe != nil {
		return s.def.Probe.TimeoutD()
	}
	return config.DefaultProbeTimeout
}

// watch runs once the process has exited and decides whether that was a
// crash. One restart is attempted; a second crash parks the service in failed.
func (s *Supervisor) watch(waitErr error, done chan struct{}) {
	defer close(done)

	exit := classifyExit(waitErr, s.clk.Now())

	s.mu.Lock()
	s.lastExit = &exit
	requested := s.stopRequested
	s.mu.Unlock()

	if requested || !exit.IsCrash() {
		s.mu.Lock()
		s.setStateLocked(StateStopped, "")
		s.mu.Unlock()
		return
	}

	s.logger.Warn("service crashed", "exit_code", exit.Code, "signal", int(exit.Signal))
	s.publish(events.EventServiceCrash, string(StateFailed),
		fmt.Sprintf("exit code %d signal %d", exit.Code, exit.Signal))

	s.mu.Lock()
	if s.restarts >= MaxRestarts {
		s.setStateLocked(StateFailed, "restart budget exhausted")
		s.mu.Unlock()
		return
	}
	s.restarts++
	attempt := s.restarts
	s.setStateLocked(StateStarting, "restarting after crash")
	s.mu.Unlock()

	s.logger.Info("restarting crashed service", "attempt", attempt)
	s.publish(events.EventServiceRestart, string(StateStarting), fmt.Sprintf("attempt %d", attempt))

	if err := s.launchAndAwait(context.Background()); err != nil {
		s.logger.Error("restart failed", "error", err)
		s.mu.Lock()
		s.setStateLocked(StateFailed, err.Error())
		s.mu.Unlock()
	}
}

// Stop terminates the process: SIGTERM, a grace period, then SIGKILL.
// Idempotent; stopping a stopped service is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped || s.cmd == nil || s.cmd.Process == nil {
		s.setStateLocked(StateStopped, "")
		s.mu.Unlock()
		return nil
	}
	s.stopRequested = true
	pid := s.cmd.Process.Pid
	done := s.watchDone
	grace := s.def.ShutdownGraceD()
	s.mu.Unlock()

	// Signal the whole process group; backends fork helpers.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("signal %s: %w", s.def.Name, err)
	}

	select {
	case <-done:
	case <-time.After(grace):
		s.logger.Warn("grace period elapsed, killing", "pid", pid)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	s.setStateLocked(StateStopped, "")
	s.mu.Unlock()
	s.logger.Info("service stopped")
	return nil
}

// Health re-runs the readiness probe against a running service. A probe
// failure marks the service degraded; a subsequent pass restores running.
func (s *Supervisor) Health(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state != StateRunning && state != StateDegraded {
		return fmt.Errorf("%s is %s", s.def.Name, state)
	}
	if s.probe == nil {
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout())
	defer cancel()
	err := s.probe.Check(probeCtx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.state == StateRunning {
			s.setStateLocked(StateDegraded, err.Error())
		}
		return fmt.Errorf("%s health probe: %w", s.def.Name, err)
	}
	if s.state == StateDegraded {
		s.setStateLocked(StateRunning, "probe recovered")
	}
	return nil
}

// setStateLocked updates state and publishes a state event. Callers hold mu.
func (s *Supervisor) setStateLocked(state ServiceState, detail string) {
	if s.state == state {
		return
	}
	s.state = state
	s.publish(events.EventServiceState, string(state), detail)
}

func (s *Supervisor) publish(t events.EventType, state, detail string) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(events.Event{
		Type:   t,
		Source: "supervisor",
		Data:   events.ServiceStateData{Service: s.def.Name, State: state, Detail: detail},
	})
}

func classifyExit(err error, now time.Time) ExitEvent {
	exit := ExitEvent{Timestamp: now}
	if err == nil {
		return exit
	}
	if ee, ok := err.(*exec.ExitError); ok {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				exit.Signal = ws.Signal()
				exit.Code = -1
				return exit
			}
			exit.Code = ws.ExitStatus()
			return exit
		}
		exit.Code = ee.ExitCode()
		return exit
	}
	exit.Code = -1
	return exit
}

func coalesceExitErr(err error) error {
	if err == nil {
		return fmt.Errorf("clean exit")
	}
	return err
}
