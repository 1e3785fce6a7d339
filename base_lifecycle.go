package component

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultStopTimeout is the stop timeout of a new BaseLifeCycle.
const DefaultStopTimeout = 30 * time.Second

type loggerHolder struct {
	Logger
}

// BaseLifeCycle is the LifeCycle state machine. Components embed it by
// value and call Init with themselves so the DoStart and DoStop hooks and
// the listener notifications refer to the outer component:
//
//	type Pool struct {
//		component.BaseLifeCycle
//	}
//
//	func NewPool() *Pool {
//		p := &Pool{}
//		p.Init(p)
//		return p
//	}
//
// Transitions are serialized by a per-component lock; state reads are
// lock free.
type BaseLifeCycle struct {
	lock  sync.Mutex
	state atomic.Int32
	self  LifeCycle

	listenersMu sync.Mutex
	listeners   atomic.Pointer[[]EventListener]

	logger      atomic.Pointer[loggerHolder]
	stopTimeout atomic.Int64
	configured  atomic.Bool
}

// Init binds the state machine to the component embedding it.
func (l *BaseLifeCycle) Init(self LifeCycle) {
	l.self = self
	if l.configured.CompareAndSwap(false, true) {
		l.stopTimeout.Store(int64(DefaultStopTimeout))
	}
}

// Self returns the component bound by Init, or l itself.
func (l *BaseLifeCycle) Self() LifeCycle {
	if l.self != nil {
		return l.self
	}
	return l
}

func (l *BaseLifeCycle) hooks() LifeCycleHooks {
	if h, ok := l.Self().(LifeCycleHooks); ok {
		return h
	}
	return l
}

// DoStart is the default start hook; it does nothing.
func (l *BaseLifeCycle) DoStart(ctx context.Context) error {
	return nil
}

// DoStop is the default stop hook; it does nothing.
func (l *BaseLifeCycle) DoStop(ctx context.Context) error {
	return nil
}

// Start runs STOPPED|FAILED → STARTING → DoStart → STARTED.
func (l *BaseLifeCycle) Start(ctx context.Context) error {
	if err := l.checkNotTransitioning(); err != nil {
		return err
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	switch l.State() {
	case StateStarted:
		return nil
	case StateStarting, StateStopping:
		return l.illegalState()
	}

	hooks := l.hooks()
	l.setStarting()
	if err := hooks.DoStart(ctx); err != nil {
		if !errors.Is(err, ErrStopRequested) {
			l.setFailed(err)
			return err
		}
		l.setStopping()
		if err := hooks.DoStop(ctx); err != nil {
			l.setFailed(err)
			return err
		}
		l.setStopped()
		return nil
	}
	l.setStarted()
	return nil
}

// Stop runs STOPPING → DoStop → STOPPED.
func (l *BaseLifeCycle) Stop(ctx context.Context) error {
	if err := l.checkNotTransitioning(); err != nil {
		return err
	}

	l.lock.Lock()
	defer l.lock.Unlock()

	switch l.State() {
	case StateStopped:
		return nil
	case StateStarting, StateStopping:
		return l.illegalState()
	}

	hooks := l.hooks()
	l.setStopping()
	if err := hooks.DoStop(ctx); err != nil {
		l.setFailed(err)
		return err
	}
	l.setStopped()
	return nil
}

func (l *BaseLifeCycle) checkNotTransitioning() error {
	switch l.State() {
	case StateStarting, StateStopping:
		return l.illegalState()
	}
	return nil
}

func (l *BaseLifeCycle) illegalState() error {
	return fmt.Errorf("%w: %s", ErrIllegalState, l.State())
}

// State returns the current state.
func (l *BaseLifeCycle) State() State {
	return State(l.state.Load())
}

func (l *BaseLifeCycle) IsRunning() bool {
	s := l.State()
	return s == StateStarted || s == StateStarting
}

func (l *BaseLifeCycle) IsStarted() bool {
	return l.State() == StateStarted
}

func (l *BaseLifeCycle) IsStarting() bool {
	return l.State() == StateStarting
}

func (l *BaseLifeCycle) IsStopping() bool {
	return l.State() == StateStopping
}

func (l *BaseLifeCycle) IsStopped() bool {
	return l.State() == StateStopped
}

func (l *BaseLifeCycle) IsFailed() bool {
	return l.State() == StateFailed
}

func (l *BaseLifeCycle) setStarting() {
	l.state.Store(int32(StateStarting))
	l.Logger().Debug("STARTING", "component", l.Self())
	for _, listener := range l.EventListeners() {
		if ll, ok := listener.(LifeCycleListener); ok {
			ll.LifeCycleStarting(l.Self())
		}
	}
}

func (l *BaseLifeCycle) setStarted() {
	if !l.state.CompareAndSwap(int32(StateStarting), int32(StateStarted)) {
		return
	}
	l.Logger().Debug("STARTED", "component", l.Self(), "uptime_ms", Uptime())
	for _, listener := range l.EventListeners() {
		if ll, ok := listener.(LifeCycleListener); ok {
			ll.LifeCycleStarted(l.Self())
		}
	}
}

func (l *BaseLifeCycle) setStopping() {
	l.state.Store(int32(StateStopping))
	l.Logger().Debug("STOPPING", "component", l.Self())
	for _, listener := range l.EventListeners() {
		if ll, ok := listener.(LifeCycleListener); ok {
			ll.LifeCycleStopping(l.Self())
		}
	}
}

func (l *BaseLifeCycle) setStopped() {
	if !l.state.CompareAndSwap(int32(StateStopping), int32(StateStopped)) {
		return
	}
	l.Logger().Debug("STOPPED", "component", l.Self())
	for _, listener := range l.EventListeners() {
		if ll, ok := listener.(LifeCycleListener); ok {
			ll.LifeCycleStopped(l.Self())
		}
	}
}

func (l *BaseLifeCycle) setFailed(cause error) {
	l.state.Store(int32(StateFailed))
	l.Logger().Warn("FAILED", "component", l.Self(), "error", cause)
	for _, listener := range l.EventListeners() {
		if ll, ok := listener.(LifeCycleListener); ok {
			ll.LifeCycleFailure(l.Self(), cause)
		}
	}
}

// EventListeners returns a snapshot of the registered listeners.
func (l *BaseLifeCycle) EventListeners() []EventListener {
	if p := l.listeners.Load(); p != nil {
		return *p
	}
	return nil
}

// AddEventListener registers listener unless it is nil or present.
func (l *BaseLifeCycle) AddEventListener(listener EventListener) bool {
	if listener == nil {
		return false
	}
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()

	current := l.EventListeners()
	for _, existing := range current {
		if sameObject(existing, listener) {
			return false
		}
	}
	next := make([]EventListener, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, listener)
	l.listeners.Store(&next)
	return true
}

// RemoveEventListener deregisters listener.
func (l *BaseLifeCycle) RemoveEventListener(listener EventListener) bool {
	l.listenersMu.Lock()
	defer l.listenersMu.Unlock()

	current := l.EventListeners()
	for i, existing := range current {
		if sameObject(existing, listener) {
			next := make([]EventListener, 0, len(current)-1)
			next = append(next, current[:i]...)
			next = append(next, current[i+1:]...)
			l.listeners.Store(&next)
			return true
		}
	}
	return false
}

// SetLogger sets the logger used for transition diagnostics.
func (l *BaseLifeCycle) SetLogger(logger Logger) {
	if logger == nil {
		l.logger.Store(nil)
		return
	}
	l.logger.Store(&loggerHolder{logger})
}

// Logger returns the component logger, never nil.
func (l *BaseLifeCycle) Logger() Logger {
	if h := l.logger.Load(); h != nil {
		return h.Logger
	}
	return NopLogger()
}

// StopTimeout is how long a stop may wait for graceful completion.
func (l *BaseLifeCycle) StopTimeout() time.Duration {
	if !l.configured.Load() {
		return DefaultStopTimeout
	}
	return time.Duration(l.stopTimeout.Load())
}

func (l *BaseLifeCycle) SetStopTimeout(d time.Duration) {
	l.configured.Store(true)
	l.stopTimeout.Store(int64(d))
}

func (l *BaseLifeCycle) String() string {
	return fmt.Sprintf("%s{%s}", ObjectName(l.Self()), l.State())
}
