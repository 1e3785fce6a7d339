package component

import (
	"sync"
	"time"
)

// NoUptime is returned by Uptime when no implementation is installed.
const NoUptime int64 = -1

// UptimeFunc reports milliseconds since process start.
type UptimeFunc func() int64

var (
	processStart = time.Now()

	uptimeMu   sync.RWMutex
	uptimeImpl UptimeFunc = defaultUptime
)

func defaultUptime() int64 {
	return time.Since(processStart).Milliseconds()
}

// Uptime returns the milliseconds elapsed since the process started, or
// NoUptime when the implementation was removed with SetUptimeImpl(nil).
func Uptime() int64 {
	uptimeMu.RLock()
	impl := uptimeImpl
	uptimeMu.RUnlock()
	if impl == nil {
		return NoUptime
	}
	return impl()
}

// SetUptimeImpl replaces the process-wide uptime source.
func SetUptimeImpl(impl UptimeFunc) {
	uptimeMu.Lock()
	defer uptimeMu.Unlock()
	uptimeImpl = impl
}

// ResetUptime restores the default uptime source.
func ResetUptime() {
	SetUptimeImpl(defaultUptime)
}
