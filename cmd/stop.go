package cmd

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"grimm.is/shroud/internal/brand"
)

// RunStop signals the daemon and waits for it to exit.
func RunStop() error {
	pidFile := pidFilePath()
	pid, running := readPID(pidFile)
	if !running {
		return fmt.Errorf("no running daemon found (PID file %s)", pidFile)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("process not found: %w", err)
	}

	Printer.Printf("Stopping %s (PID %d)...\n", brand.Name, pid)
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM: %w", err)
	}

	for i := 0; i < 100; i++ {
		if _, err := os.Stat(pidFile); os.IsNotExist(err) {
			Printer.Println("Stopped. Firewall rules remain in place.")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	Printer.Println("Warning: daemon is slow to shut down; PID file still present.")
	return nil
}
