//go:build !linux

package health

import (
	"context"
	"time"
)

// CheckNftables is a no-op off Linux; enforcement requires Linux anyway and
// the daemon refuses to apply policies elsewhere.
func CheckNftables(ctx context.Context) Check {
	return Check{
		Status:      StatusUnhealthy,
		Message:     "nftables requires Linux",
		LastChecked: time.Now(),
	}
}
