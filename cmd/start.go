package cmd

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"grimm.is/shroud/internal/brand"
)

// RunStart forks the daemon into the background and waits for it to come up.
func RunStart(configFile string) error {
	if configFile != "" {
		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			return fmt.Errorf("configuration file not found: %s", configFile)
		}
		if _, err := loadConfig(configFile); err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
	}

	pidFile := pidFilePath()
	if pid, running := readPID(pidFile); running {
		return fmt.Errorf("already running (PID %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("executable path: %w", err)
	}

	args := []string{"daemon"}
	if configFile != "" {
		args = append(args, "--config", configFile)
	}
	cmd := exec.Command(exe, args...)

	logDir := brand.GetLogDir()
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("log directory: %w", err)
	}
	logPath := filepath.Join(logDir, brand.LowerName+".log")
	logF, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("log file: %w", err)
	}
	defer logF.Close()
	cmd.Stdout = logF
	cmd.Stderr = logF
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn daemon: %w", err)
	}
	pid := cmd.Process.Pid
	cmd.Process.Release()

	// Wait for the PID file so "start" failing is visible immediately.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if filePid, running := readPID(pidFile); running && filePid == pid {
			Printer.Printf("%s started (PID %d), logging to %s\n", brand.Name, pid, logPath)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not come up within 10s; check %s (tail: %s)",
		logPath, tailLine(logPath))
}

// readPID reads the PID file and probes whether the process is alive. Stale
// files are removed.
func readPID(pidFile string) (int, bool) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	if proc, err := os.FindProcess(pid); err == nil {
		if proc.Signal(syscall.Signal(0)) == nil {
			return pid, true
		}
	}
	os.Remove(pidFile)
	return pid, false
}

// tailLine returns the last line of a file, for error messages.
func tailLine(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return "unreadable"
	}
	defer f.Close()
	last := ""
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			last = line
		}
	}
	if last == "" {
		return "empty"
	}
	return last
}
