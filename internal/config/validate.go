package config

import (
	"fmt"
	"time"

	"grimm.is/shroud/internal/validation"
)

// Validate checks the catalog for structural problems: unknown service
// references, dependency cycles, bad durations, and malformed probes.
// The config is rejected as a whole on the first error so a bad catalog
// never reaches the controller.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Services))
	for i := range c.Services {
		svc := &c.Services[i]
		if svc.Name == "" {
			return fmt.Errorf("service block missing name label")
		}
		if err := validation.ValidateIdentifier(svc.Name); err != nil {
			return fmt.Errorf("service name: %w", err)
		}
		if seen[svc.Name] {
			return fmt.Errorf("duplicate service definition %q", svc.Name)
		}
		seen[svc.Name] = true

		if svc.Command == "" {
			return fmt.Errorf("service %q: command is required", svc.Name)
		}
		for _, field := range []struct{ name, val string }{
			{"startup_timeout", svc.StartupTimeout},
			{"shutdown_grace", svc.ShutdownGrace},
		} {
			if err := checkDuration(field.val); err != nil {
				return fmt.Errorf("service %q: %s: %w", svc.Name, field.name, err)
			}
		}
		if svc.Probe != nil {
			if err := validateProbe(svc.Probe); err != nil {
				return fmt.Errorf("service %q: %w", svc.Name, err)
			}
		}
	}

	// Dependencies must reference defined services and form a DAG.
	for i := range c.Services {
		for _, dep := range c.Services[i].DependsOn {
			if !seen[dep] {
				return fmt.Errorf("service %q depends on undefined service %q", c.Services[i].Name, dep)
			}
			if dep == c.Services[i].Name {
				return fmt.Errorf("service %q depends on itself", c.Services[i].Name)
			}
		}
	}
	if cycle := c.findDependencyCycle(); cycle != "" {
		return fmt.Errorf("service dependency cycle involving %q", cycle)
	}

	modeSeen := make(map[string]bool, len(c.Modes))
	for i := range c.Modes {
		m := &c.Modes[i]
		if m.Name == "" {
			return fmt.Errorf("mode block missing name label")
		}
		if err := validation.ValidateIdentifier(m.Name); err != nil {
			return fmt.Errorf("mode name: %w", err)
		}
		if modeSeen[m.Name] {
			return fmt.Errorf("duplicate mode %q", m.Name)
		}
		modeSeen[m.Name] = true

		for _, svc := range m.Services {
			if !seen[svc] {
				return fmt.Errorf("mode %q requires undefined service %q", m.Name, svc)
			}
		}
		if m.Policy != nil {
			for _, port := range append(m.Policy.AllowedTCPPorts, m.Policy.AllowedUDPPorts...) {
				if err := validation.ValidatePortNumber(port); err != nil {
					return fmt.Errorf("mode %q: %w", m.Name, err)
				}
			}
			for _, iface := range m.Policy.AllowOutInterfaces {
				if err := validation.ValidateInterfaceName(iface); err != nil {
					return fmt.Errorf("mode %q: %w", m.Name, err)
				}
			}
		}
		if m.Assert != nil {
			if m.Assert.EgressVia != "" && !contains(m.Services, m.Assert.EgressVia) {
				return fmt.Errorf("mode %q asserts egress via %q which is not a required service", m.Name, m.Assert.EgressVia)
			}
			if m.Assert.DNSVia != "" && !contains(m.Services, m.Assert.DNSVia) {
				return fmt.Errorf("mode %q asserts dns via %q which is not a required service", m.Name, m.Assert.DNSVia)
			}
		}
	}

	if len(c.Modes) == 0 {
		return fmt.Errorf("mode catalog is empty")
	}
	if _, ok := c.Mode("direct"); !ok {
		return fmt.Errorf("mode catalog must include the built-in %q mode", "direct")
	}

	if c.KillSwitch != nil && c.KillSwitch.TokenHash == "" {
		return fmt.Errorf("killswitch block requires token_hash")
	}

	if c.Leak != nil {
		for _, addr := range c.Leak.KnownAddresses {
			if err := validation.ValidateIPOrCIDR(addr); err != nil {
				return fmt.Errorf("leak: known_addresses: %w", err)
			}
		}
	}

	if c.Monitor != nil {
		for _, field := range []struct{ name, val string }{
			{"health_interval", c.Monitor.HealthInterval},
			{"leak_interval", c.Monitor.LeakInterval},
		} {
			if err := checkDuration(field.val); err != nil {
				return fmt.Errorf("monitor: %s: %w", field.name, err)
			}
		}
	}

	return nil
}

func validateProbe(p *ProbeConfig) error {
	switch p.Type {
	case "tcp", "dns", "control_port":
		if p.Address == "" {
			return fmt.Errorf("probe type %q requires address host:port", p.Type)
		}
	case "http":
		if p.Address == "" {
			return fmt.Errorf("probe type http requires a URL address")
		}
	case "link":
		if p.Address == "" {
			return fmt.Errorf("probe type link requires an interface name")
		}
	case "":
		return fmt.Errorf("probe block requires a type")
	default:
		return fmt.Errorf("unknown probe type %q", p.Type)
	}
	if err := checkDuration(p.Timeout); err != nil {
		return fmt.Errorf("probe timeout: %w", err)
	}
	if err := checkDuration(p.Interval); err != nil {
		return fmt.Errorf("probe interval: %w", err)
	}
	return nil
}

// checkDuration accepts empty (defaulted) or a positive Go duration.
func checkDuration(s string) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	if d <= 0 {
		return fmt.Errorf("duration %q must be positive", s)
	}
	return nil
}

// findDependencyCycle returns the name of a service on a dependency cycle,
// or "" if the graph is a DAG.
func (c *Config) findDependencyCycle() string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(c.Services))
	deps := make(map[string][]string, len(c.Services))
	for i := range c.Services {
		deps[c.Services[i].Name] = c.Services[i].DependsOn
	}

	var visit func(name string) string
	visit = func(name string) string {
		switch state[name] {
		case visiting:
			return name
		case done:
			return ""
		}
		state[name] = visiting
		for _, dep := range deps[name] {
			if found := visit(dep); found != "" {
				return found
			}
		}
		state[name] = done
		return ""
	}

	for name := range deps {
		if found := visit(name); found != "" {
			return found
		}
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
