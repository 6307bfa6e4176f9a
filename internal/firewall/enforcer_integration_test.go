//go:build linux

package firewall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/shroud/internal/config"
	"grimm.is/shroud/internal/events"
	"grimm.is/shroud/internal/testutil"
)

// Exercises the real nft(8) path end to end. Needs a kernel with nftables
// and root, so it only runs inside the test VM.
func TestEnforcerAgainstRealKernel(t *testing.T) {
	testutil.RequireVM(t)
	testutil.RequireRoot(t)

	hub := events.NewHub()
	e := NewEnforcer(&RealCommandRunner{}, nil, hub, TokenHash("integration"))

	require.NoError(t, e.Preload())
	t.Cleanup(func() {
		runner := &RealCommandRunner{}
		runner.Run("nft", "delete", "table", "inet", ProductionTable())
		runner.Run("nft", "delete", "table", "inet", KillSwitchTable())
	})

	mode := &config.Mode{
		Name: "tor-only",
		Policy: &config.PolicyConfig{
			AllowedTCPPorts: []int{443, 9001},
			BlockIPv6:       true,
		},
	}
	require.NoError(t, e.Apply(mode.Name, mode.Policy))
	assert.Equal(t, Armed, e.State())

	require.NoError(t, e.EngageKillSwitch("integration test"))
	assert.Equal(t, Engaged, e.State())

	require.Error(t, e.Disengage("wrong token"))
	require.NoError(t, e.Disengage("integration"))
	assert.Equal(t, Armed, e.State())
}
