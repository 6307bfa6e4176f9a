// Package host checks and repairs the bits of host state the backends take
// for granted: a working loopback interface and free listen ports.
package host

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"grimm.is/shroud/internal/config"
)

type portRequirement struct {
	Port    int
	Proto   string
	Service string
}

type processInfo struct {
	PID     int
	CmdLine string
}

// CheckPortConflicts scans for processes already holding the loopback ports
// the catalog's backends will bind. Warnings only: a conflict surfaces
// later as a startup probe failure, but naming the squatter up front saves
// the operator a round trip.
func CheckPortConflicts(cfg *config.Config) ([]string, error) {
	required := requiredPorts(cfg)
	if len(required) == 0 {
		return nil, nil
	}

	owners, err := scanOpenPorts()
	if err != nil {
		return nil, fmt.Errorf("scan open ports: %w", err)
	}

	var warnings []string
	for _, req := range required {
		key := fmt.Sprintf("%s:%d", req.Proto, req.Port)
		owner, exists := owners[key]
		if !exists || owner.PID == os.Getpid() {
			continue
		}
		warnings = append(warnings, fmt.Sprintf(
			"port %d/%s is held by %q (PID %d); service %s may fail to start",
			req.Port, req.Proto, owner.CmdLine, owner.PID, req.Service))
	}
	return warnings, nil
}

// requiredPorts derives listen ports from the catalog's probe addresses.
// Link probes name interfaces, not ports, and are skipped.
func requiredPorts(cfg *config.Config) []portRequirement {
	var reqs []portRequirement
	for _, svc := range cfg.Services {
		if svc.Probe == nil {
			continue
		}
		proto := "tcp"
		switch svc.Probe.Type {
		case "dns":
			proto = "udp"
		case "link":
			continue
		}
		port := parsePort(svc.Probe.Address)
		if port == 0 {
			continue
		}
		reqs = append(reqs, portRequirement{Port: port, Proto: proto, Service: svc.Name})
	}
	return reqs
}

// parsePort extracts the port from host:port, a URL, or a bare port string.
func parsePort(addr string) int {
	if strings.Contains(addr, "://") {
		u := addr[strings.Index(addr, "://")+3:]
		if i := strings.IndexAny(u, "/"); i != -1 {
			u = u[:i]
		}
		addr = u
	}
	if _, portStr, err := net.SplitHostPort(addr); err == nil {
		p, _ := strconv.Atoi(portStr)
		return p
	}
	if !strings.Contains(addr, ":") {
		if p, err := strconv.Atoi(addr); err == nil {
			return p
		}
	}
	return 0
}
