// Package firewall renders a mode's declarative policy into a deny-by-default
// nftables ruleset, applies it atomically, and owns the kill switch.
//
// Two nftables tables are in play: the production table (one per active mode,
// swapped atomically so default-deny holds throughout) and a pre-loaded kill
// switch table whose chain policies are flipped from accept to drop to
// engage. Engaging never touches the production table, so it cannot fail
// because of mode state.
package firewall

import (
	"errors"
	"fmt"
)

// KillSwitchState tracks the fail-closed override.
type KillSwitchState string

const (
	// Disengaged means no restriction beyond the active mode's policy.
	Disengaged KillSwitchState = "disengaged"
	// Armed means the mode's policy is in force and being monitored.
	Armed KillSwitchState = "armed"
	// Engaged means all non-loopback traffic is blocked regardless of mode.
	Engaged KillSwitchState = "engaged"
)

var (
	// ErrUnauthorizedDisengage is returned when the disengage token does not
	// match the configured authorization hash.
	ErrUnauthorizedDisengage = errors.New("kill switch: unauthorized disengage")

	// ErrKillSwitchEngaged blocks operations attempted while engaged.
	ErrKillSwitchEngaged = errors.New("kill switch is engaged")
)

// ApplyError wraps a failure to apply a ruleset, keeping the policy name so
// operators know which mode's policy could not be installed.
type ApplyError struct {
	Policy string
	Err    error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("firewall apply for policy %q failed: %v", e.Policy, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// CommandRunner abstracts command execution so rule application can be tested
// without touching the kernel.
type CommandRunner interface {
	Run(name string, args ...string) error
	Output(name string, args ...string) ([]byte, error)
	RunInput(input string, name string, args ...string) error
}

// RealCommandRunner executes commands on the host.
type RealCommandRunner struct{}
