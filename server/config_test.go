package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/component"
	"github.com/GoCodeAlone/component/config"
	"github.com/GoCodeAlone/component/thread"
)

const testServerYAML = `server:
  host: 127.0.0.1
  port: 9090
  acceptors: 2
  idle_timeout: 10s
  shutdown_idle_timeout: 500ms
  min_threads: 4
  max_threads: 16
  stop_timeout: 3s
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	ctx := context.Background()

	t.Run("should_default_without_file", func(t *testing.T) {
		cfg, err := LoadConfig(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("should_read_file_section", func(t *testing.T) {
		cfg, err := LoadConfig(ctx, writeConfig(t, "server.yaml", testServerYAML))
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", cfg.Host)
		assert.Equal(t, 9090, cfg.Port)
		assert.Equal(t, 2, cfg.Acceptors)
		assert.Equal(t, 10*time.Second, cfg.IdleTimeout)
		assert.Equal(t, 500*time.Millisecond, cfg.ShutdownIdleTimeout)
		assert.Equal(t, 4, cfg.MinThreads)
		assert.Equal(t, 16, cfg.MaxThreads)
		assert.Equal(t, -1, cfg.ReservedThreads, "unset fields keep their defaults")
	})

	t.Run("should_read_toml", func(t *testing.T) {
		cfg, err := LoadConfig(ctx, writeConfig(t, "server.toml", "[server]\nport = 7070\nidle_timeout = \"2s\"\n"))
		require.NoError(t, err)
		assert.Equal(t, 7070, cfg.Port)
		assert.Equal(t, 2*time.Second, cfg.IdleTimeout)
	})

	t.Run("should_prefer_environment", func(t *testing.T) {
		t.Setenv("SERVER_PORT", "9191")
		t.Setenv("SERVER_STOP_TIMEOUT", "45s")
		cfg, err := LoadConfig(ctx, writeConfig(t, "server.yaml", testServerYAML))
		require.NoError(t, err)
		assert.Equal(t, 9191, cfg.Port)
		assert.Equal(t, 45*time.Second, cfg.StopTimeout)
		assert.Equal(t, "127.0.0.1", cfg.Host)
	})

	t.Run("should_validate", func(t *testing.T) {
		_, err := LoadConfig(ctx, writeConfig(t, "server.yaml", "server:\n  min_threads: 20\n  max_threads: 10\n"))
		require.ErrorIs(t, err, config.ErrValidation)
		assert.Contains(t, err.Error(), "MinThreads")
	})

	t.Run("should_reject_unknown_format", func(t *testing.T) {
		_, err := LoadConfig(ctx, "server.ini")
		require.Error(t, err)
	})
}

func TestNewServerFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.Acceptors = 1
	cfg.MinThreads = 2
	cfg.MaxThreads = 12
	cfg.IdleTimeout = 4 * time.Second
	cfg.ShutdownIdleTimeout = 200 * time.Millisecond
	cfg.StopTimeout = 2 * time.Second

	s, err := NewServerFromConfig(cfg, WithShutdownMonitor(NewShutdownMonitor(DefaultShutdownMonitorConfig())))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	pool, ok := s.ThreadPool().(*thread.QueuedThreadPool)
	require.True(t, ok)
	assert.Equal(t, 2, pool.MinThreads())
	assert.Equal(t, 12, pool.MaxThreads())
	assert.Equal(t, 2*time.Second, s.StopTimeout())

	require.Len(t, s.Connectors(), 1)
	c, ok := s.Connectors()[0].(*ServerConnector)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", c.Host())
	assert.Equal(t, 1, c.Acceptors())
	assert.Equal(t, 4*time.Second, c.IdleTimeout())
	assert.Equal(t, 200*time.Millisecond, c.ShutdownIdleTimeout())

	require.NoError(t, s.Start(context.Background()))
	assert.Positive(t, c.LocalPort())
}

func TestApplyConfigChanges(t *testing.T) {
	ctx := context.Background()
	before := DefaultConfig()
	before.MinThreads, before.MaxThreads = 2, 8
	s, err := NewServerFromConfig(before, WithShutdownMonitor(NewShutdownMonitor(DefaultShutdownMonitorConfig())))
	require.NoError(t, err)
	pool := s.ThreadPool().(*thread.QueuedThreadPool)
	c := s.Connectors()[0].(*ServerConnector)

	t.Run("should_apply_runtime_settings", func(t *testing.T) {
		after := before
		after.MinThreads, after.MaxThreads = 1, 4
		after.IdleTimeout = 5 * time.Second
		after.ShutdownIdleTimeout = 250 * time.Millisecond
		after.ThreadIdleTimeout = 3 * time.Second
		after.StopTimeout = 7 * time.Second
		after.Port = 9999

		require.NoError(t, s.ApplyConfigChanges(ctx, config.Diff(before, after, "test")))
		assert.Equal(t, 1, pool.MinThreads())
		assert.Equal(t, 4, pool.MaxThreads())
		assert.Equal(t, 3*time.Second, pool.IdleTimeout())
		assert.Equal(t, 5*time.Second, c.IdleTimeout())
		assert.Equal(t, 250*time.Millisecond, c.ShutdownIdleTimeout())
		assert.Equal(t, 7*time.Second, s.StopTimeout())
		assert.Equal(t, 8080, c.Port(), "the port needs a restart")
	})

	t.Run("should_grow_both_pool_bounds", func(t *testing.T) {
		from, to := DefaultConfig(), DefaultConfig()
		from.MinThreads, from.MaxThreads = 1, 4
		to.MinThreads, to.MaxThreads = 10, 20
		require.NoError(t, s.ApplyConfigChanges(ctx, config.Diff(from, to, "test")))
		assert.Equal(t, 10, pool.MinThreads())
		assert.Equal(t, 20, pool.MaxThreads())
	})

	t.Run("should_reject_inverted_pool_bounds", func(t *testing.T) {
		changes := []*config.ConfigChange{
			{FieldPath: "MinThreads", OldValue: 10, NewValue: 30},
			{FieldPath: "MaxThreads", OldValue: 20, NewValue: 25},
		}
		require.ErrorIs(t, s.ApplyConfigChanges(ctx, changes), component.ErrIllegalArgument)
		assert.Equal(t, 10, pool.MinThreads())
		assert.Equal(t, 20, pool.MaxThreads())
	})
}

func TestWatchConfig(t *testing.T) {
	ctx := context.Background()
	path := writeConfig(t, "server.yaml", testServerYAML)
	cfg, err := LoadConfig(ctx, path)
	require.NoError(t, err)

	s, err := NewServerFromConfig(cfg, WithShutdownMonitor(NewShutdownMonitor(DefaultShutdownMonitorConfig())))
	require.NoError(t, err)
	pool := s.ThreadPool().(*thread.QueuedThreadPool)

	r, err := WatchConfig(ctx, s, &cfg, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.StopWatch(context.Background()) })
	require.True(t, r.IsWatching())

	updated := `server:
  host: 127.0.0.1
  port: 9090
  acceptors: 2
  idle_timeout: 10s
  shutdown_idle_timeout: 500ms
  min_threads: 4
  max_threads: 32
  stop_timeout: 3s
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
	require.Eventually(t, func() bool { return pool.MaxThreads() == 32 }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, r.StopWatch(ctx))
	assert.Equal(t, 32, cfg.MaxThreads)
}
