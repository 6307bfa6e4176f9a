package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestGetIsSingleton(t *testing.T) {
	assert.Same(t, Get(), Get())
}

func TestRecordTransition(t *testing.T) {
	r := Get()
	r.RecordTransition("tor-only", "committed", 12.5)
	r.RecordTransition("tor-only", "committed", 8.0)
	r.RecordTransition("i2p-only", "rolled_back", 30.0)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.Transitions.WithLabelValues("tor-only", "committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Transitions.WithLabelValues("i2p-only", "rolled_back")))
}

func TestSetActiveMode(t *testing.T) {
	r := Get()
	modes := []string{"direct", "tor-only", "maximum-anonymity"}

	r.SetActiveMode(modes, "tor-only")
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ActiveMode.WithLabelValues("tor-only")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.ActiveMode.WithLabelValues("direct")))

	r.SetActiveMode(modes, "direct")
	assert.Equal(t, 0.0, testutil.ToFloat64(r.ActiveMode.WithLabelValues("tor-only")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ActiveMode.WithLabelValues("direct")))
}

func TestRecordLeakRun(t *testing.T) {
	r := Get()
	r.RecordLeakRun(false, []string{"dns_path", "ipv6_blocked"}, 3.0)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.LeakRuns.WithLabelValues("fail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.LeakFailures.WithLabelValues("dns_path")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.LeakFailures.WithLabelValues("ipv6_blocked")))
}
