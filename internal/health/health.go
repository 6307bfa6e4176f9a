// Package health runs daemon preflight checks and tracks crash loops. The
// preflight report tells the operator why the daemon refuses to start; the
// crash tracker decides whether a restart should come up locked down.
package health

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"grimm.is/shroud/internal/brand"
	"grimm.is/shroud/internal/config"
)

// Status of one check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the result of a single preflight check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// Report is the overall preflight result.
type Report struct {
	Status    Status           `json:"status"`
	Checks    map[string]Check `json:"checks"`
	Timestamp time.Time        `json:"timestamp"`
}

// CheckFunc performs one check.
type CheckFunc func(ctx context.Context) Check

// Checker runs a set of preflight checks.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewChecker registers the standard daemon preflight set: nftables access,
// a writable state directory, and the backend binaries the catalog needs.
func NewChecker(cfg *config.Config) *Checker {
	c := &Checker{checks: make(map[string]CheckFunc)}
	c.Register("nftables", CheckNftables)
	c.Register("state_dir", CheckStateDir)
	c.Register("binaries", CheckBinaries(cfg))
	return c
}

// Register adds a check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// Check runs every registered check.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	report := Report{
		Status:    StatusHealthy,
		Checks:    make(map[string]Check, len(c.checks)),
		Timestamp: time.Now(),
	}
	for name, fn := range c.checks {
		check := fn(ctx)
		check.Name = name
		report.Checks[name] = check
		if check.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
		}
	}
	return report
}

// Err returns an error summarizing unhealthy checks, or nil.
func (r Report) Err() error {
	if r.Status == StatusHealthy {
		return nil
	}
	msg := ""
	for name, check := range r.Checks {
		if check.Status == StatusUnhealthy {
			if msg != "" {
				msg += "; "
			}
			msg += fmt.Sprintf("%s: %s", name, check.Message)
		}
	}
	return fmt.Errorf("preflight failed: %s", msg)
}

// CheckBinaries verifies every backend command in the catalog resolves on
// PATH. A missing binary only degrades the modes that need it, so this
// check reports the gaps rather than failing outright when at least one
// backend is present.
func CheckBinaries(cfg *config.Config) CheckFunc {
	return func(ctx context.Context) Check {
		start := time.Now()
		check := Check{LastChecked: start, Status: StatusHealthy}

		var missing []string
		found := 0
		for _, svc := range cfg.Services {
			if _, err := exec.LookPath(svc.Command); err != nil {
				missing = append(missing, svc.Name+" ("+svc.Command+")")
			} else {
				found++
			}
		}
		switch {
		case found == 0 && len(cfg.Services) > 0:
			check.Status = StatusUnhealthy
			check.Message = fmt.Sprintf("no backend binaries found: %v", missing)
		case len(missing) > 0:
			check.Message = fmt.Sprintf("missing: %v", missing)
		default:
			check.Message = fmt.Sprintf("%d backends available", found)
		}
		check.Duration = time.Since(start)
		return check
	}
}

// CheckStateDir verifies the state directory exists and is writable.
func CheckStateDir(ctx context.Context) Check {
	start := time.Now()
	check := Check{LastChecked: start, Status: StatusHealthy}

	dir := brand.GetStateDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("cannot create %s: %v", dir, err)
	} else {
		probe := dir + "/.writecheck"
		if err := os.WriteFile(probe, nil, 0600); err != nil {
			check.Status = StatusUnhealthy
			check.Message = fmt.Sprintf("%s not writable: %v", dir, err)
		} else {
			os.Remove(probe)
			check.Message = dir
		}
	}
	check.Duration = time.Since(start)
	return check
}
