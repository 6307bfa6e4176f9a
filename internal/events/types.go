// Package events provides a unified pub/sub event bus for the orchestrator.
// Service state changes, mode transitions, kill-switch engagement, and leak
// verdicts all flow through this hub.
package events

import "time"

// EventType identifies the category of event.
type EventType string

const (
	// Service lifecycle events
	EventServiceState   EventType = "service.state"
	EventServiceCrash   EventType = "service.crash"
	EventServiceRestart EventType = "service.restart"

	// Mode transition events
	EventTransitionStart  EventType = "transition.start"
	EventTransitionResult EventType = "transition.result"

	// Firewall events
	EventPolicyApplied EventType = "firewall.policy"
	EventKillSwitch    EventType = "firewall.killswitch"

	// Leak detection events
	EventLeakVerdict EventType = "leak.verdict"

	// Monitor alerts
	EventAlert EventType = "monitor.alert"
)

// Event is the core message passed through the event bus.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"` // Component that emitted: "orch", "supervisor", "monitor", ...
	Data      interface{} `json:"data"`   // Type-specific payload
}

// ServiceStateData is the payload for EventServiceState/EventServiceCrash/EventServiceRestart.
type ServiceStateData struct {
	Service string `json:"service"`
	State   string `json:"state"`
	Detail  string `json:"detail,omitempty"`
}

// TransitionData is the payload for EventTransitionStart/EventTransitionResult.
type TransitionData struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Outcome string `json:"outcome,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PolicyAppliedData is the payload for EventPolicyApplied.
type PolicyAppliedData struct {
	Mode string `json:"mode"`
}

// KillSwitchData is the payload for EventKillSwitch.
type KillSwitchData struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// LeakVerdictData is the payload for EventLeakVerdict.
type LeakVerdictData struct {
	Pass         bool     `json:"pass"`
	FailedChecks []string `json:"failed_checks,omitempty"`
}

// AlertData is the payload for EventAlert.
type AlertData struct {
	Severity string `json:"severity"` // "warning" or "critical"
	Message  string `json:"message"`
}
