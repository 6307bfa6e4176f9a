package orch

import (
	"sort"

	"grimm.is/shroud/internal/config"
)

// ServiceStatus is one service's externally visible state.
type ServiceStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// Status is the orchestrator's full externally visible state.
type Status struct {
	Mode       string          `json:"mode"`
	State      string          `json:"state"`
	KillSwitch string          `json:"kill_switch"`
	Services   []ServiceStatus `json:"services"`
}

// Status reports the current mode, controller state, kill switch state, and
// every service's lifecycle state.
func (c *Controller) Status() Status {
	st := Status{
		Mode:       c.CurrentMode(),
		State:      string(c.State()),
		KillSwitch: string(c.fw.State()),
	}
	for name, svc := range c.services {
		st.Services = append(st.Services, ServiceStatus{Name: name, State: string(svc.State())})
	}
	sort.Slice(st.Services, func(i, j int) bool {
		return st.Services[i].Name < st.Services[j].Name
	})
	return st
}

// ActiveMode returns the definition of the currently active mode, or nil
// before the first commit.
func (c *Controller) ActiveMode() *config.Mode {
	name := c.CurrentMode()
	if name == "" {
		return nil
	}
	mode, _ := c.cfg.Mode(name)
	return mode
}

// GetService returns the named service, or nil.
func (c *Controller) GetService(name string) Service {
	return c.services[name]
}
