package firewall

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"

	"grimm.is/shroud/internal/config"
	"grimm.is/shroud/internal/events"
	"grimm.is/shroud/internal/logging"
)

// policyFlipper flips the kill switch chain policies. The native nftables
// implementation is used on Linux when available; otherwise the enforcer
// shells out through its CommandRunner.
type policyFlipper interface {
	SetPolicy(drop bool) error
}

// Enforcer owns the active firewall policy and the kill switch state.
//
// Only the mode controller applies policies; the mode controller and the
// continuous monitor may engage the kill switch; nothing internal may
// disengage it.
type Enforcer struct {
	mu sync.Mutex

	runner  CommandRunner
	flipper policyFlipper
	logger  *logging.Logger
	hub     *events.Hub

	// tokenHash is the SHA-256 hex digest required by Disengage.
	tokenHash string

	state        KillSwitchState
	activePolicy string
	preloaded    bool
}

// NewEnforcer creates an enforcer. tokenHash may be empty, in which case
// Disengage always fails (fail closed: no token, no way out).
func NewEnforcer(runner CommandRunner, logger *logging.Logger, hub *events.Hub, tokenHash string) *Enforcer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Enforcer{
		runner:    runner,
		flipper:   newNativeFlipper(),
		logger:    logger.WithComponent("firewall"),
		hub:       hub,
		tokenHash: tokenHash,
		state:     Disengaged,
	}
}

// Preload installs the kill switch base table (inactive, accept policies)
// and an initial deny-by-default production table. Called once at startup
// before any mode is active, so the box comes up restrictive.
func (e *Enforcer) Preload() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.applyScript(BuildKillSwitchBaseScript()); err != nil {
		return fmt.Errorf("preload kill switch table: %w", err)
	}
	if err := e.applyScript(BuildPolicyScript("", nil)); err != nil {
		return fmt.Errorf("preload default-deny table: %w", err)
	}
	e.preloaded = true
	e.logger.Info("kill switch pre-loaded", "table", KillSwitchTable())
	return nil
}

// Apply atomically replaces the production table with the policy for mode.
// The swap is a single nft transaction: there is no window where traffic
// flows under neither the old nor the new restrictions.
func (e *Enforcer) Apply(mode string, pol *config.PolicyConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == Engaged {
		return ErrKillSwitchEngaged
	}

	script := BuildAtomicSwapScript(BuildPolicyScript(mode, pol))
	if err := e.validateScript(script); err != nil {
		return &ApplyError{Policy: mode, Err: err}
	}
	if err := e.applyScript(script); err != nil {
		return &ApplyError{Policy: mode, Err: err}
	}

	e.activePolicy = mode
	e.state = Armed
	e.logger.Info("policy applied", "mode", mode)
	e.publish(events.Event{
		Type:   events.EventPolicyApplied,
		Source: "firewall",
		Data:   events.PolicyAppliedData{Mode: mode},
	})
	return nil
}

// EngageKillSwitch flips the pre-loaded table's chain policies to drop,
// collapsing all non-loopback traffic. Idempotent; does not touch the
// production table or any service.
func (e *Enforcer) EngageKillSwitch(reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == Engaged {
		return nil
	}

	if err := e.flipKillSwitch(true); err != nil {
		// The one failure mode we cannot tolerate: log loudly and keep the
		// reported state accurate so callers can retry.
		e.logger.Error("FAILED to engage kill switch", "error", err, "reason", reason)
		return fmt.Errorf("engage kill switch: %w", err)
	}

	e.state = Engaged
	e.logger.Warn("kill switch ENGAGED", "reason", reason)
	e.publish(events.Event{
		Type:   events.EventKillSwitch,
		Source: "firewall",
		Data:   events.KillSwitchData{State: string(Engaged), Reason: reason},
	})
	return nil
}

// Disengage restores the accept policies. It requires the external
// authorization token; no internal component holds one.
func (e *Enforcer) Disengage(token string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != Engaged {
		return nil
	}
	if !e.tokenValid(token) {
		return ErrUnauthorizedDisengage
	}

	if err := e.flipKillSwitch(false); err != nil {
		return fmt.Errorf("disengage kill switch: %w", err)
	}

	if e.activePolicy != "" {
		e.state = Armed
	} else {
		e.state = Disengaged
	}
	e.logger.Warn("kill switch disengaged by operator")
	e.publish(events.Event{
		Type:   events.EventKillSwitch,
		Source: "firewall",
		Data:   events.KillSwitchData{State: string(e.state), Reason: "operator disengage"},
	})
	return nil
}

// State returns the current kill switch state.
func (e *Enforcer) State() KillSwitchState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ActivePolicy returns the mode whose policy is installed, or "".
func (e *Enforcer) ActivePolicy() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activePolicy
}

func (e *Enforcer) tokenValid(token string) bool {
	if e.tokenHash == "" || token == "" {
		return false
	}
	sum := sha256.Sum256([]byte(token))
	got := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(got), []byte(e.tokenHash)) == 1
}

// flipKillSwitch sets the kill switch chain policies, preferring the native
// netlink path when available.
func (e *Enforcer) flipKillSwitch(drop bool) error {
	if e.flipper != nil {
		if err := e.flipper.SetPolicy(drop); err == nil {
			return nil
		}
		// Native path failed; fall through to nft(8).
	}

	policy := "accept"
	if drop {
		policy = "drop"
	}
	for _, chain := range []string{"output", "input", "forward"} {
		err := e.runner.Run("nft", "chain", "inet", KillSwitchTable(), chain,
			fmt.Sprintf("{ policy %s ; }", policy))
		if err != nil {
			return fmt.Errorf("set %s policy on %s: %w", policy, chain, err)
		}
	}
	return nil
}

func (e *Enforcer) validateScript(script string) error {
	return e.runner.RunInput(script, "nft", "-c", "-f", "-")
}

func (e *Enforcer) applyScript(script string) error {
	return e.runner.RunInput(script, "nft", "-f", "-")
}

func (e *Enforcer) publish(ev events.Event) {
	if e.hub != nil {
		e.hub.Publish(ev)
	}
}

// TokenHash computes the SHA-256 hex digest for a disengage token, for use
// when generating configs.
func TokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
