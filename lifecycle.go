package component

import (
	"context"
	"fmt"
	"reflect"
)

// State is the state of a LifeCycle.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateStarted
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateStarted:
		return "STARTED"
	case StateStopping:
		return "STOPPING"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// LifeCycle is the start/stop contract of long-lived components.
type LifeCycle interface {
	// Start starts the component. Starting a started component is a no-op;
	// starting a component that is starting or stopping fails with
	// ErrIllegalState.
	Start(ctx context.Context) error

	// Stop stops the component. Stopping a stopped component is a no-op;
	// stopping a component that is starting or stopping fails with
	// ErrIllegalState.
	Stop(ctx context.Context) error

	// IsRunning reports whether the component is starting or started.
	IsRunning() bool
	IsStarted() bool
	IsStarting() bool
	IsStopping() bool
	IsStopped() bool
	IsFailed() bool

	// AddEventListener registers a listener. It returns false when the
	// listener is nil or already registered.
	AddEventListener(listener EventListener) bool

	// RemoveEventListener deregisters a listener, returning whether it was
	// registered.
	RemoveEventListener(listener EventListener) bool
}

// EventListener is any listener a LifeCycle or Container accepts, such as
// a LifeCycleListener or a ContainerListener.
type EventListener interface{}

// LifeCycleListener is notified of the state transitions of a LifeCycle.
type LifeCycleListener interface {
	LifeCycleStarting(event LifeCycle)
	LifeCycleStarted(event LifeCycle)
	LifeCycleFailure(event LifeCycle, cause error)
	LifeCycleStopping(event LifeCycle)
	LifeCycleStopped(event LifeCycle)
}

// LifeCycleHooks are the overridable steps of the state machine.
// Components embedding BaseLifeCycle implement them to do their work.
type LifeCycleHooks interface {
	DoStart(ctx context.Context) error
	DoStop(ctx context.Context) error
}

// Destroyable is implemented by beans that hold resources beyond a stop
// and that cannot be restarted once destroyed.
type Destroyable interface {
	Destroy() error
}

// LifeCycleListenerFuncs adapts optional functions to LifeCycleListener.
// Nil functions are skipped. Use a pointer so the listener has identity.
type LifeCycleListenerFuncs struct {
	OnStarting func(event LifeCycle)
	OnStarted  func(event LifeCycle)
	OnFailure  func(event LifeCycle, cause error)
	OnStopping func(event LifeCycle)
	OnStopped  func(event LifeCycle)
}

func (f *LifeCycleListenerFuncs) LifeCycleStarting(event LifeCycle) {
	if f.OnStarting != nil {
		f.OnStarting(event)
	}
}

func (f *LifeCycleListenerFuncs) LifeCycleStarted(event LifeCycle) {
	if f.OnStarted != nil {
		f.OnStarted(event)
	}
}

func (f *LifeCycleListenerFuncs) LifeCycleFailure(event LifeCycle, cause error) {
	if f.OnFailure != nil {
		f.OnFailure(event, cause)
	}
}

func (f *LifeCycleListenerFuncs) LifeCycleStopping(event LifeCycle) {
	if f.OnStopping != nil {
		f.OnStopping(event)
	}
}

func (f *LifeCycleListenerFuncs) LifeCycleStopped(event LifeCycle) {
	if f.OnStopped != nil {
		f.OnStopped(event)
	}
}

// Start starts o if it is a LifeCycle.
func Start(ctx context.Context, o any) error {
	if lc, ok := o.(LifeCycle); ok {
		return lc.Start(ctx)
	}
	return nil
}

// Stop stops o if it is a LifeCycle.
func Stop(ctx context.Context, o any) error {
	if lc, ok := o.(LifeCycle); ok {
		return lc.Stop(ctx)
	}
	return nil
}

// ObjectName renders o as Type@address, the prefix used by component
// String methods.
func ObjectName(o any) string {
	if o == nil {
		return "<nil>"
	}
	v := reflect.ValueOf(o)
	t := v.Type()
	if t.Kind() == reflect.Pointer {
		return fmt.Sprintf("%s@%x", t.Elem().Name(), v.Pointer())
	}
	return t.Name()
}
