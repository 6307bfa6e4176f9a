package leak

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/shroud/internal/config"
	"grimm.is/shroud/internal/events"
)

// nopConn is a connection that accepts writes and does nothing.
type nopConn struct{}

func (nopConn) Read(b []byte) (int, error)         { return 0, io.EOF }
func (nopConn) Write(b []byte) (int, error)        { return len(b), nil }
func (nopConn) Close() error                       { return nil }
func (nopConn) LocalAddr() net.Addr                { return &net.UDPAddr{} }
func (nopConn) RemoteAddr() net.Addr               { return &net.UDPAddr{} }
func (nopConn) SetDeadline(t time.Time) error      { return nil }
func (nopConn) SetReadDeadline(t time.Time) error  { return nil }
func (nopConn) SetWriteDeadline(t time.Time) error { return nil }

func dialBlocked(ctx context.Context, network, address string) (net.Conn, error) {
	return nil, errors.New("operation not permitted")
}

func dialOpen(ctx context.Context, network, address string) (net.Conn, error) {
	return nopConn{}, nil
}

func addressService(t *testing.T, addr string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, addr+"\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestDetector(cfg config.LeakConfig, hub *events.Hub) *Detector {
	cfg.RetestDelay = "1ms"
	cfg.ProbeTimeout = "2s"
	d := New(cfg, http.DefaultClient, nil, hub, nil)
	d.dial = dialBlocked
	d.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return d
}

// anonymityMode is a mode that asserts the full posture.
func anonymityMode() *config.Mode {
	return &config.Mode{
		Name: "tor-only",
		Assert: &config.AssertConfig{
			EgressVia:   "tor",
			DNSVia:      "dnscrypt",
			IPv6Blocked: true,
		},
	}
}

func resultFor(t *testing.T, r *Report, name string) Result {
	t.Helper()
	for _, res := range r.Results {
		if res.Name == name {
			return res
		}
	}
	t.Fatalf("no result named %s in %+v", name, r.Results)
	return Result{}
}

func TestAddressConsistencyPass(t *testing.T) {
	a := addressService(t, "198.51.100.7")
	b := addressService(t, "198.51.100.7")

	d := newTestDetector(config.LeakConfig{
		AddressServices: []string{a.URL, b.URL},
		KnownAddresses:  []string{"203.0.113.10"},
	}, nil)

	r := d.Run(context.Background(), nil)
	res := resultFor(t, r, CheckAddressConsistency)
	assert.Equal(t, Pass, res.Status)
	assert.Contains(t, res.Detail, "198.51.100.7")
	assert.True(t, r.Passed())
}

func TestAddressServicesDisagree(t *testing.T) {
	a := addressService(t, "198.51.100.7")
	b := addressService(t, "198.51.100.9")

	d := newTestDetector(config.LeakConfig{AddressServices: []string{a.URL, b.URL}}, nil)

	r := d.Run(context.Background(), nil)
	assert.Equal(t, Fail, resultFor(t, r, CheckAddressConsistency).Status)
	assert.False(t, r.Passed())
	assert.Contains(t, r.FailedChecks(), CheckAddressConsistency)
}

func TestRealAddressVisible(t *testing.T) {
	a := addressService(t, "203.0.113.10")

	d := newTestDetector(config.LeakConfig{
		AddressServices: []string{a.URL},
		KnownAddresses:  []string{"203.0.113.10"},
	}, nil)

	r := d.Run(context.Background(), nil)
	res := resultFor(t, r, CheckAddressConsistency)
	assert.Equal(t, Fail, res.Status)
	assert.Contains(t, res.Detail, "203.0.113.10")
}

func TestAllAddressServicesUnreachable(t *testing.T) {
	srv := addressService(t, "x")
	srv.Close()

	d := newTestDetector(config.LeakConfig{AddressServices: []string{srv.URL}}, nil)

	r := d.Run(context.Background(), nil)
	assert.Equal(t, Error, resultFor(t, r, CheckAddressConsistency).Status)
	// An unverifiable posture fails the run even though nothing was
	// positively detected.
	assert.False(t, r.Passed())
	assert.False(t, r.LeakDetected())
	assert.Contains(t, r.FailedChecks(), CheckAddressConsistency)
	assert.Equal(t, Skipped, resultFor(t, r, CheckDelayedRetest).Status)
}

func TestVerdictDistinguishesErrorFromLeak(t *testing.T) {
	errored := &Report{Results: []Result{
		{Name: CheckAddressConsistency, Status: Error},
		{Name: CheckIPv6Blocked, Status: Pass},
	}}
	assert.False(t, errored.Passed())
	assert.False(t, errored.LeakDetected())
	assert.Equal(t, []string{CheckAddressConsistency}, errored.FailedChecks())

	leaking := &Report{Results: []Result{
		{Name: CheckAddressConsistency, Status: Pass},
		{Name: CheckDNSPath, Status: Fail},
	}}
	assert.False(t, leaking.Passed())
	assert.True(t, leaking.LeakDetected())

	clean := &Report{Results: []Result{
		{Name: CheckAddressConsistency, Status: Pass},
		{Name: CheckBrowser, Status: Skipped},
	}}
	assert.True(t, clean.Passed())
	assert.False(t, clean.LeakDetected())
}

func TestIPv6Blocked(t *testing.T) {
	d := newTestDetector(config.LeakConfig{}, nil)
	d.dial = dialBlocked

	r := &Report{}
	d.checkIPv6Blocked(context.Background(), anonymityMode(), r)
	assert.Equal(t, Pass, resultFor(t, r, CheckIPv6Blocked).Status)
}

func TestIPv6Reachable(t *testing.T) {
	d := newTestDetector(config.LeakConfig{}, nil)
	d.dial = dialOpen

	r := &Report{}
	d.checkIPv6Blocked(context.Background(), anonymityMode(), r)
	assert.Equal(t, Fail, resultFor(t, r, CheckIPv6Blocked).Status)
}

func TestIPv6SkippedWhenNotAsserted(t *testing.T) {
	d := newTestDetector(config.LeakConfig{}, nil)
	r := &Report{}
	d.checkIPv6Blocked(context.Background(), &config.Mode{Name: "direct"}, r)
	assert.Equal(t, Skipped, resultFor(t, r, CheckIPv6Blocked).Status)
}

func TestDNSPathBlocked(t *testing.T) {
	d := newTestDetector(config.LeakConfig{}, nil)
	d.dial = dialBlocked

	r := &Report{}
	d.checkDNSPath(context.Background(), anonymityMode(), r)
	assert.Equal(t, Pass, resultFor(t, r, CheckDNSPath).Status)
}

func TestDNSPathLeaking(t *testing.T) {
	d := newTestDetector(config.LeakConfig{}, nil)
	d.dial = dialOpen

	r := &Report{}
	d.checkDNSPath(context.Background(), anonymityMode(), r)
	res := resultFor(t, r, CheckDNSPath)
	assert.Equal(t, Fail, res.Status)
	assert.Contains(t, res.Detail, "plain dns reachable")
}

func TestBrowserAlwaysSkipped(t *testing.T) {
	d := newTestDetector(config.LeakConfig{}, nil)
	r := &Report{}
	d.checkBrowser(r)
	assert.Equal(t, Skipped, resultFor(t, r, CheckBrowser).Status)
}

func TestAttestation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Status
	}{
		{"confirmed", `{"IsTor":true,"IP":"198.51.100.7"}`, Pass},
		{"denied", `{"IsTor":false,"IP":"203.0.113.10"}`, Fail},
		{"malformed", `not json`, Error},
		{"missing field", `{"IP":"x"}`, Error},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			d := newTestDetector(config.LeakConfig{AttestationURL: srv.URL}, nil)
			r := &Report{}
			d.checkAttestation(context.Background(), anonymityMode(), r)
			assert.Equal(t, tt.want, resultFor(t, r, CheckAttestation).Status)
		})
	}
}

func TestAttestationSkippedWithoutOverlay(t *testing.T) {
	d := newTestDetector(config.LeakConfig{AttestationURL: "http://unused"}, nil)
	r := &Report{}
	d.checkAttestation(context.Background(), &config.Mode{Name: "direct"}, r)
	assert.Equal(t, Skipped, resultFor(t, r, CheckAttestation).Status)
}

func TestDelayedRetestCatchesDecay(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Clean on the baseline, leaking on the re-test.
		if calls.Add(1) == 1 {
			io.WriteString(w, "198.51.100.7")
			return
		}
		io.WriteString(w, "203.0.113.10")
	}))
	defer srv.Close()

	d := newTestDetector(config.LeakConfig{
		AddressServices: []string{srv.URL},
		KnownAddresses:  []string{"203.0.113.10"},
	}, nil)

	r := d.Run(context.Background(), anonymityMode())
	assert.Equal(t, Pass, resultFor(t, r, CheckAddressConsistency).Status)
	assert.Equal(t, Fail, resultFor(t, r, CheckDelayedRetest).Status)
	assert.False(t, r.Passed())
}

func TestDelayedRetestCatchesChangedAddress(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Different exit address on the re-test: not the posture that was
		// verified, even though neither address is the real one.
		if calls.Add(1) == 1 {
			io.WriteString(w, "198.51.100.7")
			return
		}
		io.WriteString(w, "198.51.100.42")
	}))
	defer srv.Close()

	d := newTestDetector(config.LeakConfig{
		AddressServices: []string{srv.URL},
		KnownAddresses:  []string{"203.0.113.10"},
	}, nil)

	r := d.Run(context.Background(), anonymityMode())
	assert.Equal(t, Pass, resultFor(t, r, CheckAddressConsistency).Status)
	res := resultFor(t, r, CheckDelayedRetest)
	assert.Equal(t, Fail, res.Status)
	assert.Contains(t, res.Detail, "changed on re-test")
}

func TestRunPublishesVerdict(t *testing.T) {
	hub := events.NewHub()
	ch := hub.Subscribe(2, events.EventLeakVerdict)

	a := addressService(t, "198.51.100.7")
	d := newTestDetector(config.LeakConfig{AddressServices: []string{a.URL}}, hub)

	r := d.Run(context.Background(), anonymityMode())
	require.NotNil(t, r)

	ev := <-ch
	data := ev.Data.(events.LeakVerdictData)
	assert.Equal(t, r.Passed(), data.Pass)
}
