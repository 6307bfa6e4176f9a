package config

// Built-in backend service definitions. Paths and ports follow the stock
// deployments of each daemon; a config file can override any of them by
// declaring a service block with the same name.
func defaultServices() []ServiceDefinition {
	return []ServiceDefinition{
		{
			Name:           "dnscrypt",
			Command:        "/usr/sbin/dnscrypt-proxy",
			Args:           []string{"-config", "/etc/shroud/dnscrypt/dnscrypt-proxy.toml"},
			StartupTimeout: "30s",
			ShutdownGrace:  "10s",
			Probe: &ProbeConfig{
				Type:    "dns",
				Address: "127.0.0.1:5353",
			},
		},
		{
			Name:           "tor",
			Command:        "/usr/bin/tor",
			Args:           []string{"-f", "/etc/shroud/tor/torrc"},
			DependsOn:      []string{"dnscrypt"},
			StartupTimeout: "120s",
			ShutdownGrace:  "30s",
			Probe: &ProbeConfig{
				Type:    "control_port",
				Address: "127.0.0.1:9051",
			},
		},
		{
			Name:           "i2p",
			Command:        "/usr/bin/i2pd",
			Args:           []string{"--conf", "/etc/shroud/i2p/i2pd.conf"},
			DependsOn:      []string{"tor"},
			StartupTimeout: "120s",
			ShutdownGrace:  "30s",
			Probe: &ProbeConfig{
				Type:    "http",
				Address: "http://127.0.0.1:7070",
			},
		},
		{
			Name:           "vpn",
			Command:        "/usr/bin/wg-quick",
			Args:           []string{"up", "/etc/shroud/vpn/wg0.conf"},
			StartupTimeout: "30s",
			ShutdownGrace:  "10s",
			Probe: &ProbeConfig{
				Type:    "link",
				Address: "wg0",
			},
		},
	}
}

// The six catalog modes. Service dependency order comes from the service
// definitions, not from the order of these lists: dnscrypt before tor, tor
// before i2p (i2p chains through tor in maximum-anonymity).
func defaultModes() []Mode {
	return []Mode{
		{
			Name:        "direct",
			Description: "Unfiltered pass-through, no anonymization",
			Services:    nil,
			Policy:      &PolicyConfig{AllowDirect: true},
		},
		{
			Name:        "tor-only",
			Description: "All traffic forced through the tor circuit",
			Services:    []string{"tor"},
			Policy: &PolicyConfig{
				AllowedTCPPorts: []int{443, 9001},
				BlockIPv6:       true,
			},
			Assert: &AssertConfig{EgressVia: "tor", IPv6Blocked: true},
		},
		{
			Name:        "tor-dnscrypt",
			Description: "Tor egress with encrypted name resolution",
			Services:    []string{"dnscrypt", "tor"},
			Policy: &PolicyConfig{
				AllowedTCPPorts: []int{443, 9001},
				AllowedUDPPorts: []int{443},
				BlockIPv6:       true,
			},
			Assert: &AssertConfig{EgressVia: "tor", DNSVia: "dnscrypt", IPv6Blocked: true},
		},
		{
			Name:        "tor-i2p-parallel",
			Description: "Tor and i2p side by side, tor as default egress",
			Services:    []string{"dnscrypt", "tor", "i2p"},
			Policy: &PolicyConfig{
				AllowedTCPPorts: []int{443, 9001},
				AllowedUDPPorts: []int{443},
				BlockIPv6:       true,
			},
			Assert: &AssertConfig{EgressVia: "tor", DNSVia: "dnscrypt", IPv6Blocked: true},
		},
		{
			Name:        "i2p-only",
			Description: "I2p network access only, no clearnet egress",
			Services:    []string{"i2p"},
			Policy: &PolicyConfig{
				AllowedTCPPorts: []int{443},
				AllowedUDPPorts: []int{443},
				BlockIPv6:       true,
			},
			Assert: &AssertConfig{EgressVia: "i2p", IPv6Blocked: true},
		},
		{
			Name:        "maximum-anonymity",
			Description: "Tor egress, encrypted DNS, i2p chained through tor",
			Services:    []string{"dnscrypt", "tor", "i2p"},
			Policy: &PolicyConfig{
				AllowedTCPPorts: []int{443},
				BlockIPv6:       true,
			},
			Assert: &AssertConfig{EgressVia: "tor", DNSVia: "dnscrypt", IPv6Blocked: true},
		},
	}
}

// DefaultConfig returns the built-in catalog used when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		SchemaVersion: "1.0",
		LogLevel:      "info",
		Services:      defaultServices(),
		Modes:         defaultModes(),
		Leak: &LeakConfig{
			AddressServices: []string{
				"https://icanhazip.com",
				"https://api.ipify.org",
				"https://checkip.amazonaws.com",
			},
			AttestationURL: "https://check.torproject.org/api/ip",
		},
		Audit: &AuditConfig{
			Enabled:       true,
			RetentionDays: 90,
		},
	}
}
