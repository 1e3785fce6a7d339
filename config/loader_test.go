package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golobby/config/v3/pkg/feeder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Name    string        `yaml:"name" env:"TEST_CONFIG_NAME" validate:"required"`
	Port    int           `yaml:"port" env:"TEST_CONFIG_PORT" validate:"gte=0,lte=65535"`
	Timeout time.Duration `yaml:"timeout"`
	Nested  struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"nested"`
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoaderLoad(t *testing.T) {
	t.Run("should_feed_in_order_with_env_overriding_file", func(t *testing.T) {
		path := writeFile(t, "app.yaml", "name: from-file\nport: 8080\ntimeout: 2s\nnested:\n  enabled: true\n")
		t.Setenv("TEST_CONFIG_PORT", "9090")

		cfg := testConfig{}
		loader := NewLoader(feeder.Yaml{Path: path}, feeder.Env{})
		require.NoError(t, loader.Load(context.Background(), &cfg))

		assert.Equal(t, "from-file", cfg.Name)
		assert.Equal(t, 9090, cfg.Port)
		assert.Equal(t, 2*time.Second, cfg.Timeout)
		assert.True(t, cfg.Nested.Enabled)
	})

	t.Run("should_keep_defaults_for_unset_fields", func(t *testing.T) {
		path := writeFile(t, "app.yaml", "name: only-name\n")
		cfg := testConfig{Port: 1234}
		require.NoError(t, NewLoader(feeder.Yaml{Path: path}).Load(context.Background(), &cfg))
		assert.Equal(t, 1234, cfg.Port)
	})

	t.Run("should_reject_invalid_target", func(t *testing.T) {
		loader := NewLoader()
		var cfg testConfig
		require.ErrorIs(t, loader.Load(context.Background(), cfg), ErrInvalidTarget)
		require.ErrorIs(t, loader.Load(context.Background(), (*testConfig)(nil)), ErrInvalidTarget)
	})

	t.Run("should_report_validation_failures", func(t *testing.T) {
		path := writeFile(t, "app.yaml", "port: 70000\n")
		err := NewLoader(feeder.Yaml{Path: path}).Load(context.Background(), &testConfig{})
		require.ErrorIs(t, err, ErrValidation)
		assert.Contains(t, err.Error(), "testConfig.Name")
		assert.Contains(t, err.Error(), "testConfig.Port")
	})

	t.Run("should_skip_validation_without_validator", func(t *testing.T) {
		path := writeFile(t, "app.yaml", "port: 70000\n")
		loader := NewLoader(feeder.Yaml{Path: path}).SetValidator(nil)
		require.NoError(t, loader.Load(context.Background(), &testConfig{}))
	})

	t.Run("should_record_sources", func(t *testing.T) {
		path := writeFile(t, "app.yaml", "name: x\n")
		missing := filepath.Join(t.TempDir(), "missing.yaml")
		loader := NewLoader(feeder.Env{}, feeder.Yaml{Path: path}, feeder.Yaml{Path: missing})

		err := loader.Load(context.Background(), &testConfig{})
		require.ErrorIs(t, err, ErrFeed)

		sources := loader.Sources()
		require.Len(t, sources, 3)
		assert.Equal(t, "env", sources[0].Type)
		assert.True(t, sources[0].Loaded)
		assert.Equal(t, path, sources[1].Location)
		assert.True(t, sources[1].Loaded)
		assert.NotNil(t, sources[1].LastLoaded)
		assert.False(t, sources[2].Loaded)
		assert.NotEmpty(t, sources[2].Error)
	})

	t.Run("should_stop_on_cancelled_context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.ErrorIs(t, NewLoader().Load(ctx, &testConfig{}), context.Canceled)
	})
}

func TestStructValidator(t *testing.T) {
	v := NewStructValidator()

	t.Run("should_validate_single_values", func(t *testing.T) {
		require.NoError(t, v.ValidateValue(context.Background(), 10, "gte=1"))
		require.ErrorIs(t, v.ValidateValue(context.Background(), 0, "gte=1"), ErrValidation)
	})

	t.Run("should_accept_valid_struct", func(t *testing.T) {
		require.NoError(t, v.ValidateStruct(context.Background(), &testConfig{Name: "ok", Port: 80}))
	})
}

func TestDiff(t *testing.T) {
	before := testConfig{Name: "a", Port: 1, Timeout: time.Second}
	after := before
	after.Port = 2
	after.Nested.Enabled = true

	changes := Diff(&before, after, "test")
	require.Len(t, changes, 2)
	assert.Equal(t, "Port", changes[0].FieldPath)
	assert.Equal(t, 1, changes[0].OldValue)
	assert.Equal(t, 2, changes[0].NewValue)
	assert.Equal(t, "test", changes[0].Source)
	assert.Equal(t, "Nested.Enabled", changes[1].FieldPath)

	assert.Empty(t, Diff(before, before, "test"))
	assert.Nil(t, Diff(before, struct{}{}, "test"))
}
