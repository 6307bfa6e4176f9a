package cmd

import (
	"fmt"
	"time"

	"grimm.is/shroud/internal/ctlplane"
)

// RunSwitch requests a mode transition and prints the outcome.
func RunSwitch(mode string) error {
	client, err := ctlplane.NewClient()
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}
	defer client.Close()

	Printer.Printf("Switching to %s...\n", mode)
	record, err := client.SwitchMode(mode)
	if err != nil {
		return err
	}

	switch record.Outcome {
	case "committed":
		Printer.Printf("Committed in %s.\n",
			record.FinishedAt.Sub(record.StartedAt).Round(10*time.Millisecond))
	case "rolled_back":
		return fmt.Errorf("transition to %s failed, kill switch engaged: %s",
			record.To, record.Error)
	default:
		return fmt.Errorf("transition %s: %s", record.Outcome, record.Error)
	}
	return nil
}
