package orch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/shroud/internal/config"
	"grimm.is/shroud/internal/events"
	"grimm.is/shroud/internal/firewall"
	"grimm.is/shroud/internal/supervisor"
)

// recorder captures service lifecycle calls in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeService struct {
	name string
	rec  *recorder

	mu        sync.Mutex
	state     supervisor.ServiceState
	startErr  error
	healthErr error
	blockOn   chan struct{}
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Start(ctx context.Context) error {
	if f.blockOn != nil {
		<-f.blockOn
	}
	f.rec.add("start:" + f.name)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		f.state = supervisor.StateFailed
		return f.startErr
	}
	f.state = supervisor.StateRunning
	return nil
}

func (f *fakeService) Stop(ctx context.Context) error {
	f.rec.add("stop:" + f.name)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = supervisor.StateStopped
	return nil
}

func (f *fakeService) Health(ctx context.Context) error {
	f.rec.add("health:" + f.name)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

func (f *fakeService) State() supervisor.ServiceState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == "" {
		return supervisor.StateStopped
	}
	return f.state
}

func (f *fakeService) setStartErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

type fixture struct {
	ctrl     *Controller
	rec      *recorder
	services map[string]*fakeService
	fw       *firewall.Enforcer
	runner   *firewall.MockCommandRunner
	hub      *events.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	rec := &recorder{}

	fakes := make(map[string]*fakeService)
	services := make(map[string]Service)
	for _, def := range cfg.Services {
		f := &fakeService{name: def.Name, rec: rec}
		fakes[def.Name] = f
		services[def.Name] = f
	}

	runner := new(firewall.MockCommandRunner)
	runner.On("RunInput", mock.Anything, "nft", "-c", "-f", "-").Return(nil).Maybe()
	runner.On("RunInput", mock.Anything, "nft", "-f", "-").Return(nil).Maybe()
	for _, chain := range []string{"output", "input", "forward"} {
		for _, policy := range []string{"drop", "accept"} {
			runner.On("Run", "nft", "chain", "inet", firewall.KillSwitchTable(), chain,
				"{ policy "+policy+" ; }").Return(nil).Maybe()
		}
	}

	hub := events.NewHub()
	fw := firewall.NewEnforcer(runner, nil, hub, firewall.TokenHash("test token"))

	return &fixture{
		ctrl:     New(cfg, services, fw, nil, hub, nil, nil),
		rec:      rec,
		services: fakes,
		fw:       fw,
		runner:   runner,
		hub:      hub,
	}
}

func TestSwitchToUnknownMode(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.ctrl.SwitchTo(context.Background(), "stealth-turbo")
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestFirstTransitionCommits(t *testing.T) {
	fx := newFixture(t)

	rec, err := fx.ctrl.SwitchTo(context.Background(), "tor-dnscrypt")
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, OutcomeCommitted, rec.Outcome)
	assert.Equal(t, "", rec.From)
	assert.Equal(t, "tor-dnscrypt", rec.To)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "running", rec.Services["tor"])

	assert.Equal(t, "tor-dnscrypt", fx.ctrl.CurrentMode())
	assert.Equal(t, StateStable, fx.ctrl.State())

	// dnscrypt is tor's dependency and must come up first.
	assert.Equal(t, []string{"start:dnscrypt", "start:tor"}, fx.rec.all())
}

func TestSwitchStopsUnneededInReverseOrder(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.ctrl.SwitchTo(context.Background(), "tor-dnscrypt")
	require.NoError(t, err)

	rec, err := fx.ctrl.SwitchTo(context.Background(), "i2p-only")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCommitted, rec.Outcome)
	assert.Equal(t, "tor-dnscrypt", rec.From)

	assert.Equal(t, []string{
		"start:dnscrypt", "start:tor",
		"stop:tor", "stop:dnscrypt",
		"start:i2p",
	}, fx.rec.all())
	assert.Equal(t, supervisor.StateStopped, fx.services["tor"].State())
	assert.Equal(t, supervisor.StateRunning, fx.services["i2p"].State())
}

func TestStartFailureFailsClosed(t *testing.T) {
	fx := newFixture(t)
	fx.services["tor"].setStartErr(errors.New("bootstrap stuck"))

	rec, err := fx.ctrl.SwitchTo(context.Background(), "tor-only")
	require.Error(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, OutcomeRolledBack, rec.Outcome)
	assert.Contains(t, rec.Error, "bootstrap stuck")

	assert.Equal(t, "", fx.ctrl.CurrentMode())
	assert.Equal(t, StateIdle, fx.ctrl.State())
	assert.Equal(t, firewall.Engaged, fx.fw.State())

	// The target's policy was never applied to a half-started mode.
	fx.runner.AssertNotCalled(t, "RunInput", mock.Anything, "nft", "-f", "-")
}

func TestStartFailureNeverRestoresPreviousMode(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.ctrl.SwitchTo(context.Background(), "tor-only")
	require.NoError(t, err)
	before := len(fx.rec.all())

	fx.services["i2p"].setStartErr(errors.New("router refused"))

	rec, err := fx.ctrl.SwitchTo(context.Background(), "i2p-only")
	require.Error(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, OutcomeRolledBack, rec.Outcome)

	// No silent fallback: everything is down and the kill switch holds
	// until an operator intervenes.
	assert.Equal(t, firewall.Engaged, fx.fw.State())
	assert.Equal(t, "", fx.ctrl.CurrentMode())
	assert.Equal(t, StateIdle, fx.ctrl.State())
	assert.Equal(t, supervisor.StateStopped, fx.services["tor"].State())
	assert.NotContains(t, fx.rec.all()[before:], "start:tor", "previous mode must not restart")

	_, err = fx.ctrl.SwitchTo(context.Background(), "tor-only")
	assert.ErrorIs(t, err, firewall.ErrKillSwitchEngaged)
}

func TestConcurrentSwitchRejected(t *testing.T) {
	fx := newFixture(t)

	gate := make(chan struct{})
	fx.services["tor"].blockOn = gate

	done := make(chan error, 1)
	go func() {
		_, err := fx.ctrl.SwitchTo(context.Background(), "tor-only")
		done <- err
	}()

	// Wait for the first transition to take the lock.
	require.Eventually(t, func() bool {
		return fx.ctrl.State() == StateTransitioning
	}, 2*time.Second, 10*time.Millisecond)

	_, err := fx.ctrl.SwitchTo(context.Background(), "i2p-only")
	assert.ErrorIs(t, err, ErrTransitionInProgress)

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, "tor-only", fx.ctrl.CurrentMode())
}

func TestSameModeRevalidatesWithoutRestart(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.ctrl.SwitchTo(context.Background(), "tor-only")
	require.NoError(t, err)
	before := len(fx.rec.all())

	rec, err := fx.ctrl.SwitchTo(context.Background(), "tor-only")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, OutcomeCommitted, rec.Outcome)
	assert.Equal(t, "tor-only", rec.From)
	assert.Equal(t, "tor-only", rec.To)
	assert.Equal(t, "running", rec.Services["tor"])

	calls := fx.rec.all()[before:]
	assert.Equal(t, []string{"health:tor"}, calls)
}

func TestSameModeRevalidateSurfacesUnhealthy(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.ctrl.SwitchTo(context.Background(), "tor-only")
	require.NoError(t, err)

	fx.services["tor"].healthErr = errors.New("probe timeout")
	_, err = fx.ctrl.SwitchTo(context.Background(), "tor-only")
	assert.Error(t, err)
}

func TestSwitchBlockedWhileEngaged(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.fw.EngageKillSwitch("test"))

	_, err := fx.ctrl.SwitchTo(context.Background(), "direct")
	assert.ErrorIs(t, err, firewall.ErrKillSwitchEngaged)
}

func TestStatus(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.ctrl.SwitchTo(context.Background(), "tor-dnscrypt")
	require.NoError(t, err)

	st := fx.ctrl.Status()
	assert.Equal(t, "tor-dnscrypt", st.Mode)
	assert.Equal(t, string(StateStable), st.State)
	assert.Equal(t, string(firewall.Armed), st.KillSwitch)
	require.Len(t, st.Services, 4)
	assert.Equal(t, "dnscrypt", st.Services[0].Name)
	assert.Equal(t, "running", st.Services[0].State)
}

func TestTransitionEventsPublished(t *testing.T) {
	fx := newFixture(t)
	ch := fx.hub.Subscribe(8, events.EventTransitionStart, events.EventTransitionResult)

	_, err := fx.ctrl.SwitchTo(context.Background(), "tor-only")
	require.NoError(t, err)

	start := <-ch
	assert.Equal(t, events.EventTransitionStart, start.Type)
	result := <-ch
	assert.Equal(t, events.EventTransitionResult, result.Type)
	data := result.Data.(events.TransitionData)
	assert.Equal(t, OutcomeCommitted, data.Outcome)
	assert.Equal(t, "tor-only", data.To)
}
