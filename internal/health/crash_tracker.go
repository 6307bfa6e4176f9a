package health

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// CrashThreshold is the number of rapid restarts before the daemon
	// comes up with the kill switch already engaged.
	CrashThreshold = 3
	// CrashWindow is how soon after start an exit counts as a crash.
	CrashWindow = 5 * time.Minute
	// StateFileName is the crash state file under the state directory.
	StateFileName = "crash.state"
)

// CrashState is persisted across daemon restarts.
type CrashState struct {
	ConsecutiveCrashes int       `json:"consecutive_crashes"`
	LastStartTime      time.Time `json:"last_start_time"`
}

// CrashTracker detects daemon boot loops. A daemon that keeps dying cannot
// be trusted to re-establish a mode; after CrashThreshold rapid restarts
// the caller should start locked down and wait for an operator.
type CrashTracker struct {
	stateDir string
	state    CrashState
}

// NewCrashTracker tracks crash state under the given directory.
func NewCrashTracker(stateDir string) *CrashTracker {
	return &CrashTracker{stateDir: stateDir}
}

// CheckCrashLoop records this start and reports whether the threshold was
// crossed.
func (ct *CrashTracker) CheckCrashLoop() (bool, error) {
	statePath := filepath.Join(ct.stateDir, StateFileName)

	if err := os.MkdirAll(ct.stateDir, 0700); err != nil {
		return false, fmt.Errorf("create state dir: %w", err)
	}

	data, err := os.ReadFile(statePath)
	if err == nil {
		if err := json.Unmarshal(data, &ct.state); err != nil {
			ct.state = CrashState{}
		}
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("read crash state: %w", err)
	}

	now := time.Now()
	if !ct.state.LastStartTime.IsZero() && now.Sub(ct.state.LastStartTime) < CrashWindow {
		// The previous run died quickly: the clean-shutdown path removes
		// this file, so its presence means we did not exit on request.
		ct.state.ConsecutiveCrashes++
	} else {
		ct.state.ConsecutiveCrashes = 0
	}
	ct.state.LastStartTime = now

	if err := ct.save(statePath); err != nil {
		return false, err
	}
	return ct.state.ConsecutiveCrashes >= CrashThreshold, nil
}

// MarkCleanShutdown removes the crash state so the next start begins fresh.
func (ct *CrashTracker) MarkCleanShutdown() {
	os.Remove(filepath.Join(ct.stateDir, StateFileName))
}

// Crashes returns the current consecutive crash count.
func (ct *CrashTracker) Crashes() int {
	return ct.state.ConsecutiveCrashes
}

func (ct *CrashTracker) save(path string) error {
	data, err := json.Marshal(ct.state)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write crash state: %w", err)
	}
	return nil
}
