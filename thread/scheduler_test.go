package thread

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerScheduler(t *testing.T) {
	ctx := context.Background()

	t.Run("should_refuse_when_stopped", func(t *testing.T) {
		s := NewTimerScheduler("test")
		_, err := s.Schedule(func() {}, time.Millisecond)
		assert.ErrorIs(t, err, ErrSchedulerNotRunning)
		_, err = s.ScheduleCron("@every 1s", func() {})
		assert.ErrorIs(t, err, ErrSchedulerNotRunning)
	})

	t.Run("should_run_after_delay", func(t *testing.T) {
		s := NewTimerScheduler("test")
		require.NoError(t, s.Start(ctx))
		defer s.Stop(ctx)

		ran := make(chan struct{})
		_, err := s.Schedule(func() { close(ran) }, 5*time.Millisecond)
		require.NoError(t, err)
		select {
		case <-ran:
		case <-time.After(5 * time.Second):
			t.Fatal("task did not run")
		}
		assert.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, time.Millisecond)
	})

	t.Run("should_cancel_pending_task", func(t *testing.T) {
		s := NewTimerScheduler("test")
		require.NoError(t, s.Start(ctx))
		defer s.Stop(ctx)

		var ran atomic.Bool
		task, err := s.Schedule(func() { ran.Store(true) }, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, s.Pending())
		assert.True(t, task.Cancel())
		assert.False(t, task.Cancel())
		assert.Equal(t, 0, s.Pending())
		assert.False(t, ran.Load())
	})

	t.Run("should_drop_pending_tasks_on_stop", func(t *testing.T) {
		s := NewTimerScheduler("test")
		require.NoError(t, s.Start(ctx))
		var ran atomic.Bool
		_, err := s.Schedule(func() { ran.Store(true) }, 20*time.Millisecond)
		require.NoError(t, err)
		require.NoError(t, s.Stop(ctx))
		time.Sleep(40 * time.Millisecond)
		assert.False(t, ran.Load())
	})

	t.Run("should_run_and_cancel_cron_task", func(t *testing.T) {
		s := NewTimerScheduler("test")
		require.NoError(t, s.Start(ctx))
		defer s.Stop(ctx)

		var runs atomic.Int32
		task, err := s.ScheduleCron("@every 1s", func() { runs.Add(1) })
		require.NoError(t, err)
		assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)
		assert.True(t, task.Cancel())
		assert.False(t, task.Cancel())
	})

	t.Run("should_reject_bad_cron_spec", func(t *testing.T) {
		s := NewTimerScheduler("test")
		require.NoError(t, s.Start(ctx))
		defer s.Stop(ctx)
		_, err := s.ScheduleCron("not a spec", func() {})
		assert.Error(t, err)
	})

	t.Run("should_survive_panicking_task", func(t *testing.T) {
		s := NewTimerScheduler("test")
		require.NoError(t, s.Start(ctx))
		defer s.Stop(ctx)

		_, err := s.Schedule(func() { panic("boom") }, time.Millisecond)
		require.NoError(t, err)
		ran := make(chan struct{})
		_, err = s.Schedule(func() { close(ran) }, 5*time.Millisecond)
		require.NoError(t, err)
		select {
		case <-ran:
		case <-time.After(5 * time.Second):
			t.Fatal("scheduler stopped after a panic")
		}
	})
}
