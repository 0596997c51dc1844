package openmemory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerRunsOnInterval(t *testing.T) {
	s := NewScheduler(nil, nil, nil)
	defer s.StopAll(time.Second)

	var runs atomic.Int64
	s.Register("tick", 20*time.Millisecond, time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	})

	assert.Eventually(t, func() bool { return runs.Load() >= 3 },
		2*time.Second, 10*time.Millisecond)
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	s := NewScheduler(nil, nil, nil)
	defer s.StopAll(2 * time.Second)

	var concurrent, maxConcurrent atomic.Int64
	s.Register("slow", 10*time.Millisecond, time.Second, func(ctx context.Context) error {
		cur := concurrent.Add(1)
		for {
			prev := maxConcurrent.Load()
			if cur <= prev || maxConcurrent.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(60 * time.Millisecond)
		concurrent.Add(-1)
		return nil
	})

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int64(1), maxConcurrent.Load(), "ticks never stack")
}

func TestSchedulerErrorStreak(t *testing.T) {
	type failure struct {
		name   string
		streak int64
	}
	var failures []failure
	s := NewScheduler(nil, nil, func(name string, streak int64, err error) {
		failures = append(failures, failure{name, streak})
	})
	defer s.StopAll(time.Second)

	var calls atomic.Int64
	s.Register("flaky", 15*time.Millisecond, time.Second, func(context.Context) error {
		if calls.Add(1) <= 3 {
			return errors.New("boom")
		}
		return nil
	})

	require.Eventually(t, func() bool { return calls.Load() >= 4 },
		2*time.Second, 10*time.Millisecond)
	s.StopAll(time.Second)

	require.GreaterOrEqual(t, len(failures), 3)
	assert.Equal(t, failure{"flaky", 1}, failures[0])
	assert.Equal(t, failure{"flaky", 2}, failures[1])
	assert.Equal(t, failure{"flaky", 3}, failures[2])

	for _, st := range s.Stats() {
		if st.Name == "flaky" {
			assert.Equal(t, int64(3), st.Failures)
			assert.Zero(t, st.FailureStreak, "streak resets on success")
		}
	}
}

func TestSchedulerRunNow(t *testing.T) {
	s := NewScheduler(nil, nil, nil)
	defer s.StopAll(time.Second)

	var runs atomic.Int64
	s.Register("manual", time.Hour, time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	})

	require.NoError(t, s.RunNow("manual"))
	assert.GreaterOrEqual(t, runs.Load(), int64(1))

	err := s.RunNow("missing")
	assert.True(t, IsNotFound(err))
}

func TestSchedulerStopAll(t *testing.T) {
	s := NewScheduler(nil, nil, nil)

	var runs atomic.Int64
	s.Register("tick", 10*time.Millisecond, time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	})

	require.Eventually(t, func() bool { return runs.Load() >= 1 },
		2*time.Second, 5*time.Millisecond)
	s.StopAll(time.Second)
	n := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, runs.Load(), "no runs after stop")
}
