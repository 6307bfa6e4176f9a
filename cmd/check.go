package cmd

import (
	"fmt"

	"grimm.is/shroud/internal/config"
)

// RunCheck validates a configuration file without touching the system.
func RunCheck(configFile string, verbose bool) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}

	Printer.Printf("%s: OK (%d services, %d modes)\n",
		configFile, len(cfg.Services), len(cfg.Modes))

	if verbose {
		Printer.Println("\nServices:")
		for _, svc := range cfg.Services {
			deps := "none"
			if len(svc.DependsOn) > 0 {
				deps = fmt.Sprintf("%v", svc.DependsOn)
			}
			Printer.Printf("  %-12s command=%s depends_on=%s\n", svc.Name, svc.Command, deps)
		}
		Printer.Println("\nModes:")
		for _, mode := range cfg.Modes {
			Printer.Printf("  %-18s services=%v\n", mode.Name, mode.Services)
		}
	}
	return nil
}
