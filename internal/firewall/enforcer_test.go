package firewall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/shroud/internal/config"
	"grimm.is/shroud/internal/events"
)

const testToken = "correct horse battery staple"

// newTestEnforcer wires an enforcer to a mock runner with the native netlink
// path disabled, so every flip goes through nft(8) and is observable.
func newTestEnforcer(t *testing.T, runner *MockCommandRunner) (*Enforcer, *events.Hub) {
	t.Helper()
	hub := events.NewHub()
	e := NewEnforcer(runner, nil, hub, TokenHash(testToken))
	e.flipper = nil
	return e, hub
}

func expectKillSwitchFlip(runner *MockCommandRunner, policy string) {
	for _, chain := range []string{"output", "input", "forward"} {
		runner.On("Run", "nft", "chain", "inet", KillSwitchTable(), chain,
			"{ policy "+policy+" ; }").Return(nil).Once()
	}
}

func TestApplySetsArmed(t *testing.T) {
	runner := new(MockCommandRunner)
	e, _ := newTestEnforcer(t, runner)

	runner.On("RunInput", mock.Anything, "nft", "-c", "-f", "-").Return(nil).Once()
	runner.On("RunInput", mock.Anything, "nft", "-f", "-").Return(nil).Once()

	require.NoError(t, e.Apply("tor-only", &config.PolicyConfig{AllowedTCPPorts: []int{9050}}))
	assert.Equal(t, Armed, e.State())
	assert.Equal(t, "tor-only", e.ActivePolicy())
	runner.AssertExpectations(t)
}

func TestApplyValidatesBeforeApplying(t *testing.T) {
	runner := new(MockCommandRunner)
	e, _ := newTestEnforcer(t, runner)

	runner.On("RunInput", mock.Anything, "nft", "-c", "-f", "-").
		Return(assert.AnError).Once()

	err := e.Apply("tor-only", nil)
	require.Error(t, err)
	var applyErr *ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, "tor-only", applyErr.Policy)
	// Validation failed, so the apply call never happened and the previous
	// ruleset is untouched.
	runner.AssertNotCalled(t, "RunInput", mock.Anything, "nft", "-f", "-")
	assert.Equal(t, Disengaged, e.State())
	assert.Empty(t, e.ActivePolicy())
}

func TestApplyBlockedWhileEngaged(t *testing.T) {
	runner := new(MockCommandRunner)
	e, _ := newTestEnforcer(t, runner)

	expectKillSwitchFlip(runner, "drop")
	require.NoError(t, e.EngageKillSwitch("test"))

	err := e.Apply("direct", &config.PolicyConfig{AllowDirect: true})
	assert.ErrorIs(t, err, ErrKillSwitchEngaged)
	runner.AssertNotCalled(t, "RunInput", mock.Anything, "nft", "-f", "-")
}

func TestEngageIsIdempotent(t *testing.T) {
	runner := new(MockCommandRunner)
	e, hub := newTestEnforcer(t, runner)
	ch := hub.Subscribe(4, events.EventKillSwitch)

	expectKillSwitchFlip(runner, "drop")
	require.NoError(t, e.EngageKillSwitch("leak detected"))
	require.NoError(t, e.EngageKillSwitch("leak detected"))
	assert.Equal(t, Engaged, e.State())

	// The flip ran once, and exactly one event came out.
	runner.AssertExpectations(t)
	ev := <-ch
	data := ev.Data.(events.KillSwitchData)
	assert.Equal(t, string(Engaged), data.State)
	assert.Equal(t, "leak detected", data.Reason)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected second event: %+v", extra)
	default:
	}
}

func TestDisengageRequiresToken(t *testing.T) {
	runner := new(MockCommandRunner)
	e, _ := newTestEnforcer(t, runner)

	expectKillSwitchFlip(runner, "drop")
	require.NoError(t, e.EngageKillSwitch("test"))

	assert.ErrorIs(t, e.Disengage(""), ErrUnauthorizedDisengage)
	assert.ErrorIs(t, e.Disengage("wrong token"), ErrUnauthorizedDisengage)
	assert.Equal(t, Engaged, e.State())

	expectKillSwitchFlip(runner, "accept")
	require.NoError(t, e.Disengage(testToken))
	assert.Equal(t, Disengaged, e.State())
	runner.AssertExpectations(t)
}

func TestDisengageReturnsToArmedWithActivePolicy(t *testing.T) {
	runner := new(MockCommandRunner)
	e, _ := newTestEnforcer(t, runner)

	runner.On("RunInput", mock.Anything, "nft", "-c", "-f", "-").Return(nil)
	runner.On("RunInput", mock.Anything, "nft", "-f", "-").Return(nil)
	require.NoError(t, e.Apply("i2p-only", &config.PolicyConfig{AllowedTCPPorts: []int{4444}}))

	expectKillSwitchFlip(runner, "drop")
	require.NoError(t, e.EngageKillSwitch("health check failed"))

	expectKillSwitchFlip(runner, "accept")
	require.NoError(t, e.Disengage(testToken))
	assert.Equal(t, Armed, e.State())
	assert.Equal(t, "i2p-only", e.ActivePolicy())
}

func TestDisengageNoopWhenNotEngaged(t *testing.T) {
	runner := new(MockCommandRunner)
	e, _ := newTestEnforcer(t, runner)

	require.NoError(t, e.Disengage("anything"))
	runner.AssertNotCalled(t, "Run", mock.Anything)
}

func TestNoTokenHashMeansNoDisengage(t *testing.T) {
	runner := new(MockCommandRunner)
	e := NewEnforcer(runner, nil, nil, "")
	e.flipper = nil

	expectKillSwitchFlip(runner, "drop")
	require.NoError(t, e.EngageKillSwitch("test"))
	assert.ErrorIs(t, e.Disengage(testToken), ErrUnauthorizedDisengage)
}

func TestPreloadInstallsBothTables(t *testing.T) {
	runner := new(MockCommandRunner)
	e, _ := newTestEnforcer(t, runner)

	var scripts []string
	runner.On("RunInput", mock.Anything, "nft", "-f", "-").
		Run(func(args mock.Arguments) { scripts = append(scripts, args.String(0)) }).
		Return(nil).Twice()

	require.NoError(t, e.Preload())
	require.Len(t, scripts, 2)
	assert.Contains(t, scripts[0], KillSwitchTable())
	assert.Contains(t, scripts[0], "policy accept;")
	assert.Contains(t, scripts[1], "add table inet "+ProductionTable())
	assert.Contains(t, scripts[1], "policy drop;")
}

func TestEngageFailureKeepsStateAccurate(t *testing.T) {
	runner := new(MockCommandRunner)
	e, _ := newTestEnforcer(t, runner)

	runner.On("Run", "nft", "chain", "inet", KillSwitchTable(), "output",
		"{ policy drop ; }").Return(assert.AnError).Once()

	require.Error(t, e.EngageKillSwitch("test"))
	assert.NotEqual(t, Engaged, e.State())
}
