package component

import (
	"os"
	"reflect"
	"runtime"
	"strings"
	"sync"

	"github.com/golobby/cast"
)

// AvailableProcessorsEnv overrides the detected processor count.
const AvailableProcessorsEnv = "AVAILABLE_PROCESSORS"

var (
	processorsMu sync.RWMutex
	processors   int
)

// AvailableProcessors returns the processor count used to size acceptors
// and reserved threads. The AVAILABLE_PROCESSORS environment variable is
// read on first use; values that are not positive integers are ignored.
func AvailableProcessors() int {
	processorsMu.RLock()
	n := processors
	processorsMu.RUnlock()
	if n > 0 {
		return n
	}

	processorsMu.Lock()
	defer processorsMu.Unlock()
	if processors == 0 {
		processors = detectProcessors()
	}
	return processors
}

// SetAvailableProcessors overrides the processor count process wide.
// Values below one are ignored.
func SetAvailableProcessors(n int) {
	if n < 1 {
		return
	}
	processorsMu.Lock()
	defer processorsMu.Unlock()
	processors = n
}

// ResetAvailableProcessors forgets the cached count so the next call to
// AvailableProcessors detects it again.
func ResetAvailableProcessors() {
	processorsMu.Lock()
	defer processorsMu.Unlock()
	processors = 0
}

func detectProcessors() int {
	if value := strings.TrimSpace(os.Getenv(AvailableProcessorsEnv)); value != "" {
		converted, err := cast.FromType(value, reflect.TypeOf(0))
		if err == nil {
			if n, ok := converted.(int); ok && n > 0 {
				return n
			}
		}
	}
	return runtime.NumCPU()
}
