package cmd

import (
	"fmt"
	"time"

	"grimm.is/shroud/internal/ctlplane"
)

// RunHistory prints recent transitions and leak runs from the audit trail.
func RunHistory(since time.Duration, limit int) error {
	client, err := ctlplane.NewClient()
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}
	defer client.Close()

	transitions, leakRuns, err := client.GetHistory(time.Now().Add(-since), limit)
	if err != nil {
		return err
	}

	Printer.Println("Transitions:")
	if len(transitions) == 0 {
		Printer.Println("  (none)")
	}
	for _, t := range transitions {
		from := t.From
		if from == "" {
			from = "(none)"
		}
		line := fmt.Sprintf("  %s  %s -> %s  %s",
			t.StartedAt.Format(time.RFC3339), from, t.To, t.Outcome)
		if t.Error != "" {
			line += "  " + t.Error
		}
		Printer.Println(line)
	}

	Printer.Println("\nLeak runs:")
	if len(leakRuns) == 0 {
		Printer.Println("  (none)")
	}
	for _, r := range leakRuns {
		verdict := "pass"
		if !r.Passed {
			verdict = "FAIL"
		}
		Printer.Printf("  %s  %-18s %s\n", r.Timestamp.Format(time.RFC3339), r.Mode, verdict)
	}
	return nil
}
