package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddTaskValidation(t *testing.T) {
	s := New(nil, nil)

	assert.Error(t, s.AddTask(&Task{Name: "no id", Schedule: Every(time.Second), Func: noop}))
	assert.Error(t, s.AddTask(&Task{ID: "t", Func: noop}))
	assert.Error(t, s.AddTask(&Task{ID: "t", Schedule: Every(time.Second)}))

	require.NoError(t, s.AddTask(&Task{ID: "t", Schedule: Every(time.Second), Func: noop}))
	assert.Error(t, s.AddTask(&Task{ID: "t", Schedule: Every(time.Second), Func: noop}))
}

func noop(ctx context.Context) error { return nil }

func TestRunOnStart(t *testing.T) {
	s := New(nil, nil)
	var runs atomic.Int64

	require.NoError(t, s.AddTask(&Task{
		ID:         "startup",
		Schedule:   Every(time.Hour),
		RunOnStart: true,
		Func: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return runs.Load() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestIntervalExecution(t *testing.T) {
	s := New(nil, nil)
	s.tick = 10 * time.Millisecond
	var runs atomic.Int64

	require.NoError(t, s.AddTask(&Task{
		ID:       "fast",
		Schedule: Every(30 * time.Millisecond),
		Func: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return runs.Load() >= 2 },
		2*time.Second, 10*time.Millisecond)
}

func TestRunTaskImmediately(t *testing.T) {
	s := New(nil, nil)
	var runs atomic.Int64

	require.NoError(t, s.AddTask(&Task{
		ID:       "manual",
		Schedule: Every(time.Hour),
		Func: func(ctx context.Context) error {
			runs.Add(1)
			return errors.New("boom")
		},
	}))

	assert.Error(t, s.RunTask("manual"), "refuses before Start")

	s.Start()
	defer s.Stop()

	require.NoError(t, s.RunTask("manual"))
	assert.Error(t, s.RunTask("missing"))

	require.Eventually(t, func() bool { return runs.Load() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		st := s.Status()
		return len(st) == 1 && st[0].ErrorCount == 1 && st[0].LastError == "boom"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopWaitsForRunningTasks(t *testing.T) {
	s := New(nil, nil)
	done := make(chan struct{})

	require.NoError(t, s.AddTask(&Task{
		ID:         "slow",
		Schedule:   Every(time.Hour),
		RunOnStart: true,
		Func: func(ctx context.Context) error {
			<-ctx.Done()
			close(done)
			return ctx.Err()
		},
	}))

	s.Start()
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	select {
	case <-done:
	default:
		t.Fatal("Stop returned before the task observed cancellation")
	}
}

func TestTaskTimeout(t *testing.T) {
	s := New(nil, nil)

	require.NoError(t, s.AddTask(&Task{
		ID:         "timeboxed",
		Schedule:   Every(time.Hour),
		RunOnStart: true,
		Timeout:    20 * time.Millisecond,
		Func: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}))

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		st := s.Status()
		return len(st) == 1 && st[0].ErrorCount == 1
	}, 2*time.Second, 10*time.Millisecond)
}
