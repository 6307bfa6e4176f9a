package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"grimm.is/shroud/internal/ctlplane"
	"grimm.is/shroud/internal/leak"
)

// RunLeakTest runs the full leak suite against the active mode and prints
// per-check results. Informational only: a failing run here does not drop
// traffic.
func RunLeakTest(asJSON bool) error {
	client, err := ctlplane.NewClient()
	if err != nil {
		return fmt.Errorf("daemon not reachable: %w", err)
	}
	defer client.Close()

	report, err := client.RunLeakTest()
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printReport(report)
	}

	if !report.Passed() {
		os.Exit(1)
	}
	return nil
}

func printReport(report *leak.Report) {
	mode := report.Mode
	if mode == "" {
		mode = "(none)"
	}
	Printer.Printf("Leak test for mode %s (%s)\n\n", mode, report.Duration)
	for _, r := range report.Results {
		Printer.Printf("  %-8s %-20s %s\n", marker(r.Status), r.Name, r.Detail)
	}
	Printer.Println()
	if report.Passed() {
		Printer.Println("PASS: no leaks detected")
	} else {
		Printer.Printf("FAIL: %v\n", report.FailedChecks())
	}
}

func marker(s leak.Status) string {
	switch s {
	case leak.Pass:
		return "ok"
	case leak.Fail:
		return "LEAK"
	case leak.Skipped:
		return "skip"
	default:
		return "error"
	}
}
