// Package config provides HCL configuration handling for the orchestrator.
// The service definitions and the mode catalog are loaded once at process
// start and treated as read-only for the lifetime of the process.
package config

import (
	"time"
)

// Config is the root configuration structure.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	LogLevel string `hcl:"log_level,optional" json:"log_level,omitempty"`
	LogJSON  bool   `hcl:"log_json,optional" json:"log_json,omitempty"`

	StateDir string `hcl:"state_dir,optional" json:"state_dir,omitempty"`

	Services []ServiceDefinition `hcl:"service,block" json:"services"`
	Modes    []Mode              `hcl:"mode,block" json:"modes"`

	Monitor    *MonitorConfig    `hcl:"monitor,block" json:"monitor,omitempty"`
	KillSwitch *KillSwitchConfig `hcl:"killswitch,block" json:"killswitch,omitempty"`
	Leak       *LeakConfig       `hcl:"leak,block" json:"leak,omitempty"`
	Audit      *AuditConfig      `hcl:"audit,block" json:"audit,omitempty"`
}

// ServiceDefinition describes one backend daemon. Immutable once loaded.
type ServiceDefinition struct {
	Name string `hcl:"name,label" json:"name"`

	Command string   `hcl:"command" json:"command"`
	Args    []string `hcl:"args,optional" json:"args,omitempty"`

	// ConfigTemplate is rendered to ConfigPath before launch.
	ConfigTemplate string `hcl:"config_template,optional" json:"config_template,omitempty"`
	ConfigPath     string `hcl:"config_path,optional" json:"config_path,omitempty"`

	// DependsOn lists services that must be Running before this one starts.
	DependsOn []string `hcl:"depends_on,optional" json:"depends_on,omitempty"`

	StartupTimeout string `hcl:"startup_timeout,optional" json:"startup_timeout,omitempty"`
	ShutdownGrace  string `hcl:"shutdown_grace,optional" json:"shutdown_grace,omitempty"`

	Probe *ProbeConfig `hcl:"probe,block" json:"probe,omitempty"`
}

// ProbeConfig describes how readiness is verified for a service.
type ProbeConfig struct {
	// Type is one of: "tcp", "http", "dns", "control_port", "link".
	Type string `hcl:"type" json:"type"`

	// Address is the probe target (host:port for tcp/dns/control_port,
	// URL for http, interface name for link).
	Address string `hcl:"address,optional" json:"address,omitempty"`

	// Timeout bounds a single probe attempt.
	Timeout string `hcl:"timeout,optional" json:"timeout,omitempty"`

	// Interval between probe attempts while waiting for readiness.
	Interval string `hcl:"interval,optional" json:"interval,omitempty"`
}

// Mode is one entry of the static mode catalog.
type Mode struct {
	Name string `hcl:"name,label" json:"name"`

	// Description is shown in the mode catalog.
	Description string `hcl:"description,optional" json:"description,omitempty"`

	// Services lists the required service names. Order is informational;
	// the controller derives actual ordering from depends_on.
	Services []string `hcl:"services,optional" json:"services,omitempty"`

	Policy *PolicyConfig `hcl:"policy,block" json:"policy,omitempty"`

	// Assertions consumed by the leak detector for this mode.
	Assert *AssertConfig `hcl:"assert,block" json:"assert,omitempty"`
}

// PolicyConfig is the declarative firewall policy for a mode.
// The enforcer renders it to a deny-by-default ruleset.
type PolicyConfig struct {
	// AllowedTCPPorts/AllowedUDPPorts are egress destination ports opened
	// beyond loopback (e.g., Tor ORPort reachability).
	AllowedTCPPorts []int `hcl:"allow_tcp_ports,optional" json:"allow_tcp_ports,omitempty"`
	AllowedUDPPorts []int `hcl:"allow_udp_ports,optional" json:"allow_udp_ports,omitempty"`

	// AllowOutInterfaces permits egress on the named interfaces (e.g. wg0).
	AllowOutInterfaces []string `hcl:"allow_out_interfaces,optional" json:"allow_out_interfaces,omitempty"`

	// BlockIPv6 drops all IPv6 traffic except loopback.
	BlockIPv6 bool `hcl:"block_ipv6,optional" json:"block_ipv6,omitempty"`

	// AllowDirect permits unrestricted IPv4 egress (direct mode only).
	AllowDirect bool `hcl:"allow_direct,optional" json:"allow_direct,omitempty"`
}

// AssertConfig captures the mode's expected routing posture.
type AssertConfig struct {
	// EgressVia names the service all traffic must exit through ("tor", "vpn").
	EgressVia string `hcl:"egress_via,optional" json:"egress_via,omitempty"`

	// DNSVia names the encrypted resolver all name resolution must use.
	DNSVia string `hcl:"dns_via,optional" json:"dns_via,omitempty"`

	// IPv6Blocked asserts the secondary protocol family must be unreachable.
	IPv6Blocked bool `hcl:"ipv6_blocked,optional" json:"ipv6_blocked,omitempty"`
}

// MonitorConfig tunes the continuous monitor.
type MonitorConfig struct {
	HealthInterval string `hcl:"health_interval,optional" json:"health_interval,omitempty"`
	LeakInterval   string `hcl:"leak_interval,optional" json:"leak_interval,omitempty"`

	// ConnectivityTarget is pinged on the health interval; empty disables.
	ConnectivityTarget string `hcl:"connectivity_target,optional" json:"connectivity_target,omitempty"`

	// MetricsListen is the address for the Prometheus endpoint; empty
	// disables it. Bind to loopback: mode names and service states are
	// nobody else's business.
	MetricsListen string `hcl:"metrics_listen,optional" json:"metrics_listen,omitempty"`
}

// KillSwitchConfig controls the fail-closed path.
type KillSwitchConfig struct {
	// TokenHash is the SHA-256 hex digest of the disengage authorization token.
	TokenHash string `hcl:"token_hash" json:"token_hash"`
}

// LeakConfig tunes the leak detector.
type LeakConfig struct {
	// AddressServices are external address-reporting endpoints (2-3 expected).
	AddressServices []string `hcl:"address_services,optional" json:"address_services,omitempty"`

	// AttestationURL is the overlay network's self-check endpoint.
	AttestationURL string `hcl:"attestation_url,optional" json:"attestation_url,omitempty"`

	// KnownAddresses are real addresses that must never appear externally.
	KnownAddresses []string `hcl:"known_addresses,optional" json:"known_addresses,omitempty"`

	// ProbeTimeout bounds each individual check.
	ProbeTimeout string `hcl:"probe_timeout,optional" json:"probe_timeout,omitempty"`

	// RetestDelay is the pause before the consistency re-test.
	RetestDelay string `hcl:"retest_delay,optional" json:"retest_delay,omitempty"`
}

// AuditConfig controls the append-only audit store.
type AuditConfig struct {
	Enabled       bool   `hcl:"enabled,optional" json:"enabled"`
	Path          string `hcl:"path,optional" json:"path,omitempty"`
	RetentionDays int    `hcl:"retention_days,optional" json:"retention_days,omitempty"`
}

// Default timing constants, used when the config leaves fields empty.
const (
	DefaultStartupTimeout = 30 * time.Second
	DefaultShutdownGrace  = 10 * time.Second
	DefaultProbeTimeout   = 10 * time.Second
	DefaultProbeInterval  = 2 * time.Second
	DefaultHealthInterval = 30 * time.Second
	DefaultLeakInterval   = 10 * time.Minute
	DefaultRetestDelay    = 15 * time.Second
)

// ParseDuration parses s, returning def when s is empty or invalid.
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// StartupTimeoutD returns the parsed startup timeout.
func (s *ServiceDefinition) StartupTimeoutD() time.Duration {
	return ParseDuration(s.StartupTimeout, DefaultStartupTimeout)
}

// ShutdownGraceD returns the parsed shutdown grace period.
func (s *ServiceDefinition) ShutdownGraceD() time.Duration {
	return ParseDuration(s.ShutdownGrace, DefaultShutdownGrace)
}

// TimeoutD returns the parsed probe timeout.
func (p *ProbeConfig) TimeoutD() time.Duration {
	if p == nil {
		return DefaultProbeTimeout
	}
	return ParseDuration(p.Timeout, DefaultProbeTimeout)
}

// IntervalD returns the parsed probe interval.
func (p *ProbeConfig) IntervalD() time.Duration {
	if p == nil {
		return DefaultProbeInterval
	}
	return ParseDuration(p.Interval, DefaultProbeInterval)
}

// HealthIntervalD returns the parsed health check interval.
func (m *MonitorConfig) HealthIntervalD() time.Duration {
	if m == nil {
		return DefaultHealthInterval
	}
	return ParseDuration(m.HealthInterval, DefaultHealthInterval)
}

// LeakIntervalD returns the parsed leak suite interval.
func (m *MonitorConfig) LeakIntervalD() time.Duration {
	if m == nil {
		return DefaultLeakInterval
	}
	return ParseDuration(m.LeakInterval, DefaultLeakInterval)
}

// ProbeTimeoutD returns the parsed per-check timeout.
func (l *LeakConfig) ProbeTimeoutD() time.Duration {
	if l == nil {
		return DefaultProbeTimeout
	}
	return ParseDuration(l.ProbeTimeout, DefaultProbeTimeout)
}

// RetestDelayD returns the parsed re-test delay.
func (l *LeakConfig) RetestDelayD() time.Duration {
	if l == nil {
		return DefaultRetestDelay
	}
	return ParseDuration(l.RetestDelay, DefaultRetestDelay)
}

// Service returns the definition with the given name, if present.
func (c *Config) Service(name string) (*ServiceDefinition, bool) {
	for i := range c.Services {
		if c.Services[i].Name == name {
			return &c.Services[i], true
		}
	}
	return nil, false
}

// Mode returns the catalog entry with the given name, if present.
func (c *Config) Mode(name string) (*Mode, bool) {
	for i := range c.Modes {
		if c.Modes[i].Name == name {
			return &c.Modes[i], true
		}
	}
	return nil, false
}

// ModeNames returns the catalog mode names in declaration order.
func (c *Config) ModeNames() []string {
	names := make([]string, 0, len(c.Modes))
	for _, m := range c.Modes {
		names = append(names, m.Name)
	}
	return names
}
