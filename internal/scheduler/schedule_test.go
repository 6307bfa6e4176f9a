package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntervalSchedule(t *testing.T) {
	s := Every(10 * time.Minute)
	base := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, base.Add(10*time.Minute), s.Next(base))
}

func TestDailySchedule(t *testing.T) {
	s := Daily(3, 30)

	before := time.Date(2026, 8, 29, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 29, 3, 30, 0, 0, time.UTC), s.Next(before))

	after := time.Date(2026, 8, 29, 4, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 30, 3, 30, 0, 0, time.UTC), s.Next(after))

	exactly := time.Date(2026, 8, 29, 3, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 30, 3, 30, 0, 0, time.UTC), s.Next(exactly))
}
