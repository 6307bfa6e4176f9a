// Package backends provides readiness probes for the anonymizing network
// daemons the orchestrator supervises. Each probe answers one question: is
// this backend actually able to carry traffic right now, not merely running.
package backends

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"grimm.is/shroud/internal/config"
	"grimm.is/shroud/internal/supervisor"
)

// NewProbe builds the readiness probe for a service definition. Services
// without a probe block get a nil probe: process-alive is their readiness.
func NewProbe(def config.ServiceDefinition) (supervisor.Probe, error) {
	if def.Probe == nil {
		return nil, nil
	}
	switch def.Probe.Type {
	case "tcp":
		return &TCPProbe{Address: def.Probe.Address}, nil
	case "http":
		return &HTTPProbe{URL: def.Probe.Address}, nil
	case "dns":
		return &DNSProbe{Resolver: def.Probe.Address}, nil
	case "control_port":
		return &ControlPortProbe{Address: def.Probe.Address}, nil
	case "link":
		return &LinkProbe{Interface: def.Probe.Address}, nil
	default:
		return nil, fmt.Errorf("unknown probe type %q for service %s", def.Probe.Type, def.Name)
	}
}

// TCPProbe passes when the address accepts a connection.
type TCPProbe struct {
	Address string
}

func (p *TCPProbe) Check(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return fmt.Errorf("tcp probe %s: %w", p.Address, err)
	}
	return conn.Close()
}

// HTTPProbe passes when the URL answers with a non-server-error status.
// Redirect responses count as alive; the garlic router console answers its
// root with one.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

func (p *HTTPProbe) Check(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http probe %s: %w", p.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("http probe %s: status %d", p.URL, resp.StatusCode)
	}
	return nil
}
