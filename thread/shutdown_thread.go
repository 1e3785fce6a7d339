package thread

import (
	"context"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"

	"github.com/GoCodeAlone/component"
)

// ShutdownThread stops registered components when the process is asked to
// terminate. The signal hook is installed when the first component is
// registered and removed when the last one is deregistered.
type ShutdownThread struct {
	mu         sync.Mutex
	lifeCycles []component.LifeCycle
	hooked     bool
	signals    chan os.Signal
	unhooked   chan struct{}

	notify func(c chan<- os.Signal, sig ...os.Signal)
	stop   func(c chan<- os.Signal)
	exit   func(code int)
	logger component.Logger
}

var (
	shutdownMu       sync.Mutex
	shutdownInstance *ShutdownThread
)

func newShutdownThread() *ShutdownThread {
	return &ShutdownThread{
		notify: signal.Notify,
		stop:   signal.Stop,
		exit:   os.Exit,
		logger: component.NopLogger(),
	}
}

// DefaultShutdownThread returns the process-wide instance.
func DefaultShutdownThread() *ShutdownThread {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()
	if shutdownInstance == nil {
		shutdownInstance = newShutdownThread()
	}
	return shutdownInstance
}

// ResetShutdownThread unhooks and discards the process-wide instance.
func ResetShutdownThread() {
	shutdownMu.Lock()
	old := shutdownInstance
	shutdownInstance = nil
	shutdownMu.Unlock()
	if old != nil {
		old.mu.Lock()
		old.lifeCycles = nil
		old.unhook()
		old.mu.Unlock()
	}
}

// SetExit replaces the function called after a signal-triggered run.
func (s *ShutdownThread) SetExit(exit func(code int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exit = exit
}

// SetSignalFuncs replaces signal.Notify and signal.Stop.
func (s *ShutdownThread) SetSignalFuncs(notify func(c chan<- os.Signal, sig ...os.Signal), stop func(c chan<- os.Signal)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify = notify
	s.stop = stop
}

func (s *ShutdownThread) SetLogger(logger component.Logger) {
	if logger == nil {
		logger = component.NopLogger()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// Register appends lifeCycles to the shutdown order.
func (s *ShutdownThread) Register(lifeCycles ...component.LifeCycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lifeCycles = append(s.lifeCycles, lifeCycles...)
	if len(s.lifeCycles) > 0 {
		s.hook()
	}
}

// RegisterAt inserts lifeCycles at index of the shutdown order.
func (s *ShutdownThread) RegisterAt(index int, lifeCycles ...component.LifeCycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index = max(0, min(index, len(s.lifeCycles)))
	s.lifeCycles = slices.Insert(s.lifeCycles, index, lifeCycles...)
	if len(s.lifeCycles) > 0 {
		s.hook()
	}
}

// Deregister removes lc.
func (s *ShutdownThread) Deregister(lc component.LifeCycle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(lc); i >= 0 {
		s.lifeCycles = slices.Delete(s.lifeCycles, i, i+1)
	}
	if len(s.lifeCycles) == 0 {
		s.unhook()
	}
}

func (s *ShutdownThread) IsRegistered(lc component.LifeCycle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexOf(lc) >= 0
}

// IsHooked reports whether the signal hook is installed.
func (s *ShutdownThread) IsHooked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hooked
}

func (s *ShutdownThread) indexOf(lc component.LifeCycle) int {
	for i, existing := range s.lifeCycles {
		if existing == lc {
			return i
		}
	}
	return -1
}

func (s *ShutdownThread) hook() {
	if s.hooked {
		return
	}
	s.signals = make(chan os.Signal, 1)
	s.unhooked = make(chan struct{})
	s.notify(s.signals, syscall.SIGINT, syscall.SIGTERM)
	s.hooked = true
	go s.await(s.signals, s.unhooked)
}

func (s *ShutdownThread) unhook() {
	if !s.hooked {
		return
	}
	s.stop(s.signals)
	close(s.unhooked)
	s.hooked = false
}

func (s *ShutdownThread) await(signals <-chan os.Signal, unhooked <-chan struct{}) {
	select {
	case sig := <-signals:
		s.mu.Lock()
		logger := s.logger
		exit := s.exit
		s.mu.Unlock()

		logger.Info("Shutdown signal received", "signal", sig)
		s.Run(context.Background())
		code := 1
		if n, ok := sig.(syscall.Signal); ok {
			code = 128 + int(n)
		}
		exit(code)
	case <-unhooked:
	}
}

// Run stops each started component and destroys each destroyable one, in
// registration order. Failures are logged and do not interrupt the run.
func (s *ShutdownThread) Run(ctx context.Context) {
	s.mu.Lock()
	lifeCycles := slices.Clone(s.lifeCycles)
	logger := s.logger
	s.mu.Unlock()

	for _, lc := range lifeCycles {
		if lc.IsStarted() {
			if err := lc.Stop(ctx); err != nil {
				logger.Warn("Unable to stop", "component", lc, "error", err)
			}
		}
		if d, ok := lc.(component.Destroyable); ok {
			if err := d.Destroy(); err != nil {
				logger.Warn("Unable to destroy", "component", lc, "error", err)
			}
		}
	}
}
