package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"grimm.is/shroud/internal/ctlplane"
)

// RunStatus prints the daemon's state.
func RunStatus(asJSON bool) error {
	client, err := ctlplane.NewClient()
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}
	defer client.Close()

	status, err := client.GetStatus()
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	mode := status.Orch.Mode
	if mode == "" {
		mode = "(none)"
	}
	Printer.Printf("Version:     %s\n", status.Version)
	Printer.Printf("Uptime:      %s\n", status.Uptime)
	Printer.Printf("Mode:        %s\n", mode)
	Printer.Printf("State:       %s\n", status.Orch.State)
	Printer.Printf("Kill switch: %s\n", status.Orch.KillSwitch)
	if status.LastLeak != nil {
		verdict := "pass"
		if !status.LastLeak.Passed {
			verdict = "FAIL"
		}
		Printer.Printf("Last leak:   %s (%s)\n", verdict,
			status.LastLeak.Timestamp.Format("2006-01-02 15:04:05"))
	} else {
		Printer.Println("Last leak:   (never run)")
	}
	Printer.Println("\nServices:")
	unhealthy := false
	for _, svc := range status.Orch.Services {
		Printer.Printf("  %-12s %s\n", svc.Name, svc.State)
		if svc.State == "degraded" || svc.State == "failed" {
			unhealthy = true
		}
	}
	if len(status.Tasks) > 0 {
		Printer.Println("\nTasks:")
		for _, task := range status.Tasks {
			next := "-"
			if !task.NextRun.IsZero() {
				next = task.NextRun.Format("15:04:05")
			}
			Printer.Printf("  %-14s next %s\n", task.ID, next)
		}
	}
	if unhealthy || status.Orch.KillSwitch == "engaged" {
		os.Exit(1)
	}
	return nil
}

// RunModes prints the mode catalog.
func RunModes() error {
	client, err := ctlplane.NewClient()
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}
	defer client.Close()

	modes, err := client.ListModes()
	if err != nil {
		return err
	}
	for _, m := range modes {
		marker := " "
		if m.Active {
			marker = "*"
		}
		Printer.Printf("%s %-18s %s\n", marker, m.Name, m.Description)
	}
	return nil
}
