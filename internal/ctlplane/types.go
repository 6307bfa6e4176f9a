// Package ctlplane is the RPC surface between the privileged daemon and the
// command-line client. The daemon runs as root and owns the firewall, the
// backend processes, and the audit store; the client connects over a Unix
// socket to inspect and steer it.
//
// All RPC types follow the pattern {MethodName}Args / {MethodName}Reply,
// with Empty for methods that take no arguments.
package ctlplane

import (
	"time"

	"grimm.is/shroud/internal/audit"
	"grimm.is/shroud/internal/brand"
	"grimm.is/shroud/internal/leak"
	"grimm.is/shroud/internal/orch"
	"grimm.is/shroud/internal/scheduler"
)

// GetSocketPath returns the control socket path, honoring environment
// overrides.
func GetSocketPath() string {
	return brand.GetSocketPath()
}

// Empty is the placeholder for methods with no arguments.
type Empty struct{}

// Status is the daemon's full externally visible state.
type Status struct {
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	StartedAt time.Time              `json:"started_at"`
	Orch      orch.Status            `json:"orchestrator"`
	Tasks     []scheduler.TaskStatus `json:"tasks,omitempty"`
	LastLeak  *audit.LeakRecord      `json:"last_leak,omitempty"`
}

// GetStatusReply carries the daemon status.
type GetStatusReply struct {
	Status Status
}

// ModeInfo describes one entry in the mode catalog.
type ModeInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Services    []string `json:"services,omitempty"`
	Active      bool     `json:"active"`
}

// ListModesReply carries the mode catalog.
type ListModesReply struct {
	Modes []ModeInfo
}

// SwitchModeArgs names the target mode.
type SwitchModeArgs struct {
	Mode string
}

// SwitchModeReply carries the transition record. Record is nil when the
// request was a same-mode revalidation.
type SwitchModeReply struct {
	Record *audit.TransitionRecord
}

// RunLeakTestReply carries the full leak suite report.
type RunLeakTestReply struct {
	Report *leak.Report
}

// KillSwitchEngageArgs carries the operator's stated reason, recorded in the
// audit trail.
type KillSwitchEngageArgs struct {
	Reason string
}

// KillSwitchDisengageArgs carries the plaintext disengage token. It is
// verified against the configured hash server-side and never stored.
type KillSwitchDisengageArgs struct {
	Token string
}

// KillSwitchReply reports the resulting kill switch state.
type KillSwitchReply struct {
	State string
}

// GetHistoryArgs bounds the audit query. A zero Since means the last 24
// hours; a zero Limit means 50 entries.
type GetHistoryArgs struct {
	Since time.Time
	Limit int
}

// GetHistoryReply carries transition and leak run history, newest first.
type GetHistoryReply struct {
	Transitions []audit.TransitionRecord
	LeakRuns    []audit.LeakRecord
}
