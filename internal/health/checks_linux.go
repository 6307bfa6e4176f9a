//go:build linux

package health

import (
	"context"
	"fmt"
	"time"

	"github.com/google/nftables"
)

// CheckNftables verifies we can talk to the kernel's nftables subsystem.
// Without it neither mode policies nor the kill switch can be enforced.
func CheckNftables(ctx context.Context) Check {
	start := time.Now()
	check := Check{LastChecked: start}

	conn, err := nftables.New()
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("open nftables connection: %v", err)
	} else if _, err := conn.ListTables(); err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("list tables: %v", err)
	} else {
		check.Status = StatusHealthy
		check.Message = "nftables accessible"
	}
	check.Duration = time.Since(start)
	return check
}
