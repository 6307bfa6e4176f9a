package main

import (
	"flag"
	"os"
	"path/filepath"
	"time"

	"grimm.is/shroud/cmd"
	"grimm.is/shroud/internal/brand"
)

var printer = cmd.Printer

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	defaultConfig := filepath.Join(brand.DefaultConfigDir, brand.ConfigFileName)

	switch os.Args[1] {
	case "start":
		startFlags := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := startFlags.String("config", "", "Configuration file")
		startFlags.StringVar(configFile, "c", "", "Configuration file (short)")
		foreground := startFlags.Bool("foreground", false, "Run in foreground (don't daemonize)")
		startFlags.BoolVar(foreground, "f", false, "Run in foreground (short)")
		startFlags.Parse(os.Args[2:])

		if *foreground {
			if err := cmd.RunDaemon(*configFile); err != nil {
				fail("Start failed: %v\n", err)
			}
		} else {
			if err := cmd.RunStart(*configFile); err != nil {
				fail("Start failed: %v\n", err)
			}
		}

	case "daemon":
		// Internal: the forked daemon process. Use `start` instead.
		daemonFlags := flag.NewFlagSet("daemon", flag.ExitOnError)
		configFile := daemonFlags.String("config", "", "Configuration file")
		daemonFlags.Parse(os.Args[2:])

		if err := cmd.RunDaemon(*configFile); err != nil {
			fail("Daemon failed: %v\n", err)
		}

	case "stop":
		if err := cmd.RunStop(); err != nil {
			fail("Stop failed: %v\n", err)
		}

	case "status":
		statusFlags := flag.NewFlagSet("status", flag.ExitOnError)
		asJSON := statusFlags.Bool("json", false, "JSON output")
		statusFlags.Parse(os.Args[2:])

		if err := cmd.RunStatus(*asJSON); err != nil {
			fail("%v\n", err)
		}

	case "modes":
		if err := cmd.RunModes(); err != nil {
			fail("%v\n", err)
		}

	case "switch":
		switchFlags := flag.NewFlagSet("switch", flag.ExitOnError)
		modeFlag := switchFlags.String("mode", "", "Target mode")
		switchFlags.Parse(os.Args[2:])

		mode := *modeFlag
		if mode == "" && switchFlags.NArg() > 0 {
			mode = switchFlags.Arg(0)
		}
		if mode == "" {
			printer.Println("Usage: " + brand.BinaryName + " switch <mode>")
			os.Exit(1)
		}
		if err := cmd.RunSwitch(mode); err != nil {
			fail("Switch failed: %v\n", err)
		}

	case "leak-test":
		leakFlags := flag.NewFlagSet("leak-test", flag.ExitOnError)
		asJSON := leakFlags.Bool("json", false, "JSON output")
		leakFlags.Parse(os.Args[2:])

		if err := cmd.RunLeakTest(*asJSON); err != nil {
			fail("Leak test failed: %v\n", err)
		}

	case "kill-switch":
		if len(os.Args) < 3 {
			printer.Println("Usage: " + brand.BinaryName + " kill-switch engage|disengage")
			os.Exit(1)
		}
		switch os.Args[2] {
		case "engage":
			engageFlags := flag.NewFlagSet("kill-switch engage", flag.ExitOnError)
			reason := engageFlags.String("reason", "", "Reason recorded in the audit trail")
			engageFlags.Parse(os.Args[3:])

			if err := cmd.RunKillSwitchEngage(*reason); err != nil {
				fail("Engage failed: %v\n", err)
			}
		case "disengage":
			disFlags := flag.NewFlagSet("kill-switch disengage", flag.ExitOnError)
			token := disFlags.String("token", "", "Authorization token (prompted if omitted)")
			disFlags.Parse(os.Args[3:])

			if err := cmd.RunKillSwitchDisengage(*token); err != nil {
				fail("Disengage failed: %v\n", err)
			}
		default:
			printer.Println("Usage: " + brand.BinaryName + " kill-switch engage|disengage")
			os.Exit(1)
		}

	case "history":
		histFlags := flag.NewFlagSet("history", flag.ExitOnError)
		since := histFlags.Duration("since", 24*time.Hour, "How far back to look")
		limit := histFlags.Int("limit", 50, "Maximum entries per section")
		histFlags.Parse(os.Args[2:])

		if err := cmd.RunHistory(*since, *limit); err != nil {
			fail("%v\n", err)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("verbose", false, "Verbose output")
		checkFlags.BoolVar(verbose, "v", false, "Verbose output (short)")
		checkFlags.Parse(os.Args[2:])

		configFile := defaultConfig
		if len(checkFlags.Args()) > 0 {
			configFile = checkFlags.Arg(0)
		}
		if err := cmd.RunCheck(configFile, *verbose); err != nil {
			fail("Check failed: %v\n", err)
		}

	case "hash-token":
		if err := cmd.RunHashToken(); err != nil {
			fail("%v\n", err)
		}

	case "version", "--version", "-v":
		printer.Printf("%s %s (built %s, %s)\n", brand.Name, brand.Version, brand.BuildTime, brand.BuildArch)

	case "help", "--help", "-h":
		printUsage()

	default:
		printer.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func fail(format string, args ...any) {
	printer.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}

func printUsage() {
	printer.Printf(`%s - %s

Usage:
  %s <command> [options]

Daemon:
  start        Start the daemon
               Options: --foreground (-f), --config (-c) <file>
  stop         Stop the daemon (firewall rules stay in place)
  status       Show mode, services, and kill switch state
               Options: --json

Modes:
  modes        List the mode catalog
  switch       Switch to a mode: %s switch tor-dnscrypt

Safety:
  leak-test    Run the leak detection suite (read-only)
               Options: --json
  kill-switch  engage [--reason <text>] | disengage [--token <token>]
  history      Show transition and leak run history
               Options: --since <duration>, --limit <n>

Utility:
  check        Validate a configuration file
               Options: --verbose (-v)
  hash-token   Hash a disengage token for the config file
  version      Show version

`, brand.Name, brand.Tagline, brand.BinaryName, brand.BinaryName)
}
