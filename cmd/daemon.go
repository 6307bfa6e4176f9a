package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/shroud/internal/audit"
	"grimm.is/shroud/internal/brand"
	"grimm.is/shroud/internal/clock"
	"grimm.is/shroud/internal/config"
	"grimm.is/shroud/internal/ctlplane"
	"grimm.is/shroud/internal/events"
	"grimm.is/shroud/internal/firewall"
	"grimm.is/shroud/internal/health"
	"grimm.is/shroud/internal/host"
	"grimm.is/shroud/internal/leak"
	"grimm.is/shroud/internal/logging"
	"grimm.is/shroud/internal/monitor"
	"grimm.is/shroud/internal/orch"
)

// RunDaemon is the privileged daemon main loop. It owns the firewall, the
// backend processes, the monitor, and the control socket, and runs until
// SIGTERM or SIGINT.
func RunDaemon(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level: logging.ParseLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})
	logger.Info("starting", "name", brand.Name, "version", brand.Version, "config", configFile)

	if err := writePIDFile(); err != nil {
		return err
	}
	defer removePIDFile()

	preflight := health.NewChecker(cfg).Check(context.Background())
	if err := preflight.Err(); err != nil {
		return err
	}

	if err := host.EnforceLoopback(logger); err != nil {
		return fmt.Errorf("loopback: %w", err)
	}
	if warnings, err := host.CheckPortConflicts(cfg); err != nil {
		logger.Warn("port conflict scan failed", "error", err)
	} else {
		for _, w := range warnings {
			logger.Warn(w)
		}
	}

	crashes := health.NewCrashTracker(brand.GetStateDir())
	crashLoop, err := crashes.CheckCrashLoop()
	if err != nil {
		logger.Warn("crash tracking unavailable", "error", err)
	}

	hub := events.NewHub()
	clk := &clock.RealClock{}

	var tokenHash string
	if cfg.KillSwitch != nil {
		tokenHash = cfg.KillSwitch.TokenHash
	}

	fw := firewall.NewEnforcer(&firewall.RealCommandRunner{}, logger, hub, tokenHash)
	// Deny-all from the first instruction. Nothing leaves this host until a
	// mode transition commits.
	if err := fw.Preload(); err != nil {
		return fmt.Errorf("firewall preload: %w", err)
	}
	if crashLoop {
		// A daemon that keeps dying cannot be trusted with open traffic.
		logger.Error("crash loop detected, starting locked down",
			"consecutive_crashes", crashes.Crashes())
		if err := fw.EngageKillSwitch("daemon crash loop"); err != nil {
			return fmt.Errorf("kill switch engage: %w", err)
		}
	}

	var store *audit.Store
	if cfg.Audit == nil || cfg.Audit.Enabled {
		path := brand.GetStateDir() + "/audit.db"
		retention := 30
		if cfg.Audit != nil {
			if cfg.Audit.Path != "" {
				path = cfg.Audit.Path
			}
			if cfg.Audit.RetentionDays > 0 {
				retention = cfg.Audit.RetentionDays
			}
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return fmt.Errorf("state directory: %w", err)
		}
		store, err = audit.NewStore(path, retention)
		if err != nil {
			return fmt.Errorf("audit store: %w", err)
		}
		defer store.Close()
	}

	services, err := orch.BuildServices(cfg, logger, hub, clk)
	if err != nil {
		return fmt.Errorf("build services: %w", err)
	}
	ctrl := orch.New(cfg, services, fw, store, hub, logger, clk)

	var leakCfg config.LeakConfig
	if cfg.Leak != nil {
		leakCfg = *cfg.Leak
	}
	det := leak.New(leakCfg, http.DefaultClient, logger, hub, clk)

	mon := monitor.New(cfg, ctrl, det, fw, store, hub, logger, clk)
	if err := mon.Start(); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	defer mon.Stop()

	srv := ctlplane.NewServer(cfg, ctrl, mon, fw, store, logger, clk)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("control plane: %w", err)
	}
	defer srv.Stop()

	if cfg.Monitor != nil && cfg.Monitor.MetricsListen != "" {
		go serveMetrics(cfg.Monitor.MetricsListen, logger)
	}

	logger.Info("ready", "socket", ctlplane.GetSocketPath())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	// Stop backends but leave the firewall tables in place: the host stays
	// dark until an operator starts the daemon again or clears the rules.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ctrl.Shutdown(shutdownCtx)
	crashes.MarkCleanShutdown()
	return nil
}

func serveMetrics(addr string, logger *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics endpoint listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics endpoint failed", "error", err)
	}
}

// loadConfig reads the file if it exists and falls back to the built-in
// catalog otherwise.
func loadConfig(configFile string) (*config.Config, error) {
	if configFile == "" {
		configFile = filepath.Join(brand.DefaultConfigDir, brand.ConfigFileName)
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.LoadFile(configFile)
}

func pidFilePath() string {
	return filepath.Join(brand.GetRunDir(), brand.LowerName+".pid")
}

func writePIDFile() error {
	runDir := brand.GetRunDir()
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("run directory: %w", err)
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(os.Getpid())), 0644)
}

func removePIDFile() {
	os.Remove(pidFilePath())
}
