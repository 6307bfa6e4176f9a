package host

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"grimm.is/shroud/internal/config"
)

func TestRequiredPortsFromProbes(t *testing.T) {
	cfg := &config.Config{
		Services: []config.ServiceDefinition{
			{Name: "tor", Probe: &config.ProbeConfig{Type: "control_port", Address: "127.0.0.1:9051"}},
			{Name: "dnscrypt", Probe: &config.ProbeConfig{Type: "dns", Address: "127.0.0.1:5353"}},
			{Name: "i2p", Probe: &config.ProbeConfig{Type: "http", Address: "http://127.0.0.1:7657/"}},
			{Name: "vpn", Probe: &config.ProbeConfig{Type: "link", Address: "wg0"}},
			{Name: "bare", Probe: nil},
		},
	}

	reqs := requiredPorts(cfg)
	assert.Len(t, reqs, 3)
	assert.Equal(t, portRequirement{Port: 9051, Proto: "tcp", Service: "tor"}, reqs[0])
	assert.Equal(t, portRequirement{Port: 5353, Proto: "udp", Service: "dnscrypt"}, reqs[1])
	assert.Equal(t, portRequirement{Port: 7657, Proto: "tcp", Service: "i2p"}, reqs[2])
}

func TestParsePort(t *testing.T) {
	tests := []struct {
		addr string
		want int
	}{
		{"127.0.0.1:9050", 9050},
		{"http://127.0.0.1:7657/jsonrpc", 7657},
		{"9050", 9050},
		{"[::1]:53", 53},
		{"wg0", 0},
		{"", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parsePort(tt.addr), tt.addr)
	}
}

func TestCheckPortConflictsNoProbes(t *testing.T) {
	warnings, err := CheckPortConflicts(&config.Config{})
	assert.NoError(t, err)
	assert.Empty(t, warnings)
}
