package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/shroud/internal/config"
)

func TestCheckBinaries(t *testing.T) {
	cfg := &config.Config{
		Services: []config.ServiceDefinition{
			{Name: "shell", Command: "sh"},
			{Name: "ghost", Command: "no-such-binary-xyz"},
		},
	}
	check := CheckBinaries(cfg)(context.Background())
	assert.Equal(t, StatusHealthy, check.Status, "one resolvable backend is enough")
	assert.Contains(t, check.Message, "ghost")
}

func TestCheckBinariesAllMissing(t *testing.T) {
	cfg := &config.Config{
		Services: []config.ServiceDefinition{
			{Name: "ghost", Command: "no-such-binary-xyz"},
		},
	}
	check := CheckBinaries(cfg)(context.Background())
	assert.Equal(t, StatusUnhealthy, check.Status)
}

func TestReportErr(t *testing.T) {
	r := Report{Status: StatusHealthy, Checks: map[string]Check{}}
	assert.NoError(t, r.Err())

	r = Report{
		Status: StatusUnhealthy,
		Checks: map[string]Check{
			"nftables": {Status: StatusUnhealthy, Message: "no access"},
		},
	}
	err := r.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nftables")
}

func TestCheckerAggregates(t *testing.T) {
	c := &Checker{checks: make(map[string]CheckFunc)}
	c.Register("ok", func(ctx context.Context) Check {
		return Check{Status: StatusHealthy}
	})
	c.Register("bad", func(ctx context.Context) Check {
		return Check{Status: StatusUnhealthy, Message: "broken"}
	})

	report := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Len(t, report.Checks, 2)
	assert.Equal(t, "ok", report.Checks["ok"].Name)
}
