package monitor

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/shroud/internal/audit"
	"grimm.is/shroud/internal/config"
	"grimm.is/shroud/internal/events"
	"grimm.is/shroud/internal/firewall"
	"grimm.is/shroud/internal/leak"
	"grimm.is/shroud/internal/orch"
	"grimm.is/shroud/internal/supervisor"
)

type stubService struct {
	name string

	mu        sync.Mutex
	state     supervisor.ServiceState
	healthErr error
}

func (s *stubService) Name() string { return s.name }

func (s *stubService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = supervisor.StateRunning
	return nil
}

func (s *stubService) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = supervisor.StateStopped
	return nil
}

func (s *stubService) Health(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthErr
}

func (s *stubService) State() supervisor.ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == "" {
		return supervisor.StateStopped
	}
	return s.state
}

func (s *stubService) setHealthErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthErr = err
}

type fixture struct {
	mon      *Monitor
	ctrl     *orch.Controller
	fw       *firewall.Enforcer
	hub      *events.Hub
	services map[string]*stubService
	store    *audit.Store
	addrSrv  *httptest.Server
}

func newFixture(t *testing.T, addrBody string) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, addrBody)
	}))
	t.Cleanup(srv.Close)
	cfg.Leak = &config.LeakConfig{
		AddressServices: []string{srv.URL},
		KnownAddresses:  []string{"203.0.113.10"},
		ProbeTimeout:    "2s",
		RetestDelay:     "1ms",
	}

	stubs := make(map[string]*stubService)
	services := make(map[string]orch.Service)
	for _, def := range cfg.Services {
		s := &stubService{name: def.Name}
		stubs[def.Name] = s
		services[def.Name] = s
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
	ctrl := orch.New(cfg, services, fw, nil, hub, nil, nil)

	det := leak.New(*cfg.Leak, http.DefaultClient, nil, hub, nil)
	det.SetDial(func(ctx context.Context, network, address string) (net.Conn, error) {
		return nil, errors.New("blocked")
	})

	store, err := audit.NewStore(t.TempDir()+"/audit.db", 30)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &fixture{
		mon:      New(cfg, ctrl, det, fw, store, hub, nil, nil),
		ctrl:     ctrl,
		fw:       fw,
		hub:      hub,
		services: stubs,
		store:    store,
		addrSrv:  srv,
	}
}

func TestHealthTaskQuietWhenHealthy(t *testing.T) {
	fx := newFixture(t, "198.51.100.7")
	_, err := fx.ctrl.SwitchTo(context.Background(), "tor-dnscrypt")
	require.NoError(t, err)

	require.NoError(t, fx.mon.healthTask(context.Background()))
	assert.Equal(t, firewall.Armed, fx.fw.State())
}

func TestHealthTaskEngagesOnUnhealthyService(t *testing.T) {
	fx := newFixture(t, "198.51.100.7")
	_, err := fx.ctrl.SwitchTo(context.Background(), "tor-dnscrypt")
	require.NoError(t, err)

	alerts := fx.hub.Subscribe(2, events.EventAlert)
	fx.services["tor"].setHealthErr(errors.New("bootstrap lost"))

	require.NoError(t, fx.mon.healthTask(context.Background()))
	assert.Equal(t, firewall.Engaged, fx.fw.State())

	ev := <-alerts
	data := ev.Data.(events.AlertData)
	assert.Equal(t, "critical", data.Severity)
	assert.Contains(t, data.Message, "tor")
}

func TestHealthTaskIdleWithoutMode(t *testing.T) {
	fx := newFixture(t, "198.51.100.7")
	require.NoError(t, fx.mon.healthTask(context.Background()))
	assert.NotEqual(t, firewall.Engaged, fx.fw.State())
}

func TestLeakTaskEngagesOnLeak(t *testing.T) {
	// The address service reports the host's real address.
	fx := newFixture(t, "203.0.113.10")
	_, err := fx.ctrl.SwitchTo(context.Background(), "tor-only")
	require.NoError(t, err)

	require.NoError(t, fx.mon.leakTask(context.Background()))
	assert.Equal(t, firewall.Engaged, fx.fw.State())

	// The failing run is in the audit store.
	runs, err := fx.store.LeakRuns(time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Passed)
	assert.Equal(t, "tor-only", runs[0].Mode)
}

func TestLeakTaskPassesCleanRun(t *testing.T) {
	fx := newFixture(t, "198.51.100.7")
	_, err := fx.ctrl.SwitchTo(context.Background(), "tor-only")
	require.NoError(t, err)

	require.NoError(t, fx.mon.leakTask(context.Background()))
	assert.Equal(t, firewall.Armed, fx.fw.State())
}

func TestLeakTaskInconclusiveDoesNotEngage(t *testing.T) {
	fx := newFixture(t, "198.51.100.7")
	_, err := fx.ctrl.SwitchTo(context.Background(), "tor-only")
	require.NoError(t, err)

	// Every address service unreachable: the run fails as unverifiable,
	// but nothing was positively detected, so traffic keeps flowing.
	fx.addrSrv.Close()

	require.NoError(t, fx.mon.leakTask(context.Background()))
	assert.Equal(t, firewall.Armed, fx.fw.State())

	runs, err := fx.store.LeakRuns(time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Passed)
}

func TestManualLeakSuiteNeverEngages(t *testing.T) {
	fx := newFixture(t, "203.0.113.10")
	_, err := fx.ctrl.SwitchTo(context.Background(), "tor-only")
	require.NoError(t, err)

	report := fx.mon.RunLeakSuite(context.Background())
	require.NotNil(t, report)
	assert.False(t, report.Passed())

	// Read-only: reported and audited, but traffic keeps flowing.
	assert.Equal(t, firewall.Armed, fx.fw.State())
	runs, err := fx.store.LeakRuns(time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestStartRegistersTasks(t *testing.T) {
	fx := newFixture(t, "198.51.100.7")
	require.NoError(t, fx.mon.Start())
	defer fx.mon.Stop()

	statuses := fx.mon.TaskStatus()
	ids := make(map[string]bool)
	for _, st := range statuses {
		ids[st.ID] = true
	}
	assert.True(t, ids[TaskHealth])
	assert.True(t, ids[TaskLeakSuite])
	assert.True(t, ids[TaskAuditPrune])
	// No connectivity target configured, so no connectivity task.
	assert.False(t, ids[TaskConnectivity])
}
