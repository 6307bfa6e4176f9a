package testutil

import (
	"os"
	"testing"
)

// RequireVM skips the test if the SHROUD_VM_TEST environment variable is not
// set. Tests that need real kernel capabilities (nftables, process signals to
// daemons, WireGuard links) only run in the proper environment.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("SHROUD_VM_TEST") == "" {
		t.Skip("Skipping test: requires SHROUD_VM_TEST environment")
	}
}

// RequireRoot skips the test unless running as root.
func RequireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: requires root")
	}
}
