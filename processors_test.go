package component

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAvailableProcessors(t *testing.T) {
	t.Cleanup(ResetAvailableProcessors)

	t.Run("should_read_environment_override", func(t *testing.T) {
		ResetAvailableProcessors()
		t.Setenv(AvailableProcessorsEnv, "7")
		assert.Equal(t, 7, AvailableProcessors())
	})

	t.Run("should_ignore_invalid_override", func(t *testing.T) {
		for _, value := range []string{"zero", "0", "-3"} {
			ResetAvailableProcessors()
			t.Setenv(AvailableProcessorsEnv, value)
			assert.Equal(t, runtime.NumCPU(), AvailableProcessors(), value)
		}
	})

	t.Run("should_cache_until_reset", func(t *testing.T) {
		ResetAvailableProcessors()
		t.Setenv(AvailableProcessorsEnv, "3")
		assert.Equal(t, 3, AvailableProcessors())
		t.Setenv(AvailableProcessorsEnv, "5")
		assert.Equal(t, 3, AvailableProcessors())
		SetAvailableProcessors(9)
		assert.Equal(t, 9, AvailableProcessors())
		SetAvailableProcessors(0)
		assert.Equal(t, 9, AvailableProcessors())
	})
}

func TestUptime(t *testing.T) {
	t.Cleanup(ResetUptime)

	assert.GreaterOrEqual(t, Uptime(), int64(0))
	SetUptimeImpl(func() int64 { return 42 })
	assert.Equal(t, int64(42), Uptime())
	SetUptimeImpl(nil)
	assert.Equal(t, NoUptime, Uptime())
	ResetUptime()
	assert.GreaterOrEqual(t, Uptime(), int64(0))
}
