package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/GoCodeAlone/component"
)

// Static errors for lifecycle package
var (
	ErrEventBufferFull    = errors.New("event buffer is full, dropping event")
	ErrInvalidEvent       = errors.New("invalid event")
	ErrObserverNil        = errors.New("observer cannot be nil")
	ErrObserverRegistered = errors.New("observer is already registered")
	ErrObserverNotFound   = errors.New("observer not found")
	ErrObserverPanic      = errors.New("observer panicked")
	ErrDrainTimeout       = errors.New("dispatcher did not drain in time")
)

// Defaults of NewDispatcher.
const (
	DefaultBufferSize      = 1024
	DefaultObserverTimeout = 5 * time.Second
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBufferSize sets how many events may wait for delivery.
func WithBufferSize(size int) Option {
	return func(d *Dispatcher) {
		if size > 0 {
			d.bufferSize = size
		}
	}
}

// WithObserverTimeout bounds each OnEvent call.
func WithObserverTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.observerTimeout = timeout }
}

// Stats counts the events of a Dispatcher.
type Stats struct {
	Dispatched     uint64 `json:"dispatched"`
	Delivered      uint64 `json:"delivered"`
	Dropped        uint64 `json:"dropped"`
	ObserverErrors uint64 `json:"observer_errors"`
}

type registration struct {
	observer Observer
	types    []string
	info     ObserverInfo
}

func (r *registration) wants(eventType string) bool {
	return len(r.types) == 0 || slices.Contains(r.types, eventType)
}

// Dispatcher turns lifecycle and container notifications into CloudEvents
// and delivers them to observers from its own goroutine, in order.
//
// It is a LifeCycleListener and an inherited ContainerListener: added with
// AddEventListener to a container, it becomes a bean of the container and
// follows every managed child container. Events dispatched while the
// Dispatcher is not running are queued and delivered once it starts.
type Dispatcher struct {
	component.BaseLifeCycle

	bufferSize      int
	observerTimeout time.Duration
	events          chan cloudevents.Event

	mu        sync.RWMutex
	observers []*registration

	stop chan struct{}
	done chan struct{}

	dispatched     atomic.Uint64
	delivered      atomic.Uint64
	dropped        atomic.Uint64
	observerErrors atomic.Uint64
}

// NewDispatcher returns a stopped dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		bufferSize:      DefaultBufferSize,
		observerTimeout: DefaultObserverTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.events = make(chan cloudevents.Event, d.bufferSize)
	d.Init(d)
	return d
}

// RegisterObserver adds observer for the given event types, or for every
// event when none are given.
func (d *Dispatcher) RegisterObserver(observer Observer, eventTypes ...string) error {
	if observer == nil {
		return ErrObserverNil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.observers {
		if r.observer.ObserverID() == observer.ObserverID() {
			return fmt.Errorf("%w: %s", ErrObserverRegistered, observer.ObserverID())
		}
	}
	types := slices.Clone(eventTypes)
	d.observers = append(d.observers, &registration{
		observer: observer,
		types:    types,
		info: ObserverInfo{
			ID:           observer.ObserverID(),
			EventTypes:   types,
			RegisteredAt: time.Now(),
		},
	})
	return nil
}

// UnregisterObserver removes the observer with id.
func (d *Dispatcher) UnregisterObserver(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, r := range d.observers {
		if r.observer.ObserverID() == id {
			d.observers = slices.Delete(slices.Clone(d.observers), i, i+1)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrObserverNotFound, id)
}

// Observers describes the registered observers in registration order.
func (d *Dispatcher) Observers() []ObserverInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	infos := make([]ObserverInfo, len(d.observers))
	for i, r := range d.observers {
		infos[i] = r.info
	}
	return infos
}

// Stats returns the event counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched:     d.dispatched.Load(),
		Delivered:      d.delivered.Load(),
		Dropped:        d.dropped.Load(),
		ObserverErrors: d.observerErrors.Load(),
	}
}

// Dispatch queues event for delivery. It never blocks: a full buffer drops
// the event and returns ErrEventBufferFull.
func (d *Dispatcher) Dispatch(ctx context.Context, event cloudevents.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	select {
	case d.events <- event:
		d.dispatched.Add(1)
		return nil
	default:
		d.dropped.Add(1)
		return ErrEventBufferFull
	}
}

func (d *Dispatcher) DoStart(context.Context) error {
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.run(d.stop, d.done)
	return nil
}

// DoStop delivers the queued events and stops the delivery goroutine, or
// gives up when ctx is done.
func (d *Dispatcher) DoStop(ctx context.Context) error {
	close(d.stop)
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrDrainTimeout, ctx.Err())
	}
}

func (d *Dispatcher) run(stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case event := <-d.events:
			d.deliver(event)
		case <-stop:
			for {
				select {
				case event := <-d.events:
					d.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(event cloudevents.Event) {
	d.mu.RLock()
	observers := d.observers
	d.mu.RUnlock()

	for _, r := range observers {
		if !r.wants(event.Type()) {
			continue
		}
		if err := d.notify(r.observer, event); err != nil {
			d.observerErrors.Add(1)
			d.Logger().Warn("Observer failed", "observer", r.info.ID, "event", event.Type(), "error", err)
		}
	}
	d.delivered.Add(1)
}

func (d *Dispatcher) notify(observer Observer, event cloudevents.Event) (err error) {
	ctx := context.Background()
	if d.observerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.observerTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrObserverPanic, r)
		}
	}()
	return observer.OnEvent(ctx, event)
}

func (d *Dispatcher) emit(eventType string, source any, data EventData) {
	if err := d.Dispatch(context.Background(), NewEvent(eventType, data.Component, data)); err != nil {
		d.Logger().Debug("Event not dispatched", "event", eventType, "source", source, "error", err)
	}
}

func lifeCycleData(lc component.LifeCycle, cause error) EventData {
	data := EventData{Component: component.ObjectName(lc), State: lc.State().String()}
	if cause != nil {
		data.Error = cause.Error()
	}
	return data
}

func (d *Dispatcher) LifeCycleStarting(lc component.LifeCycle) {
	d.emit(EventTypeStarting, lc, lifeCycleData(lc, nil))
}

func (d *Dispatcher) LifeCycleStarted(lc component.LifeCycle) {
	d.emit(EventTypeStarted, lc, lifeCycleData(lc, nil))
}

func (d *Dispatcher) LifeCycleFailure(lc component.LifeCycle, cause error) {
	d.emit(EventTypeFailure, lc, lifeCycleData(lc, cause))
}

func (d *Dispatcher) LifeCycleStopping(lc component.LifeCycle) {
	d.emit(EventTypeStopping, lc, lifeCycleData(lc, nil))
}

func (d *Dispatcher) LifeCycleStopped(lc component.LifeCycle) {
	d.emit(EventTypeStopped, lc, lifeCycleData(lc, nil))
}

func (d *Dispatcher) BeanAdded(parent component.Container, child any) {
	d.emit(EventTypeBeanAdded, parent, EventData{
		Component: component.ObjectName(parent),
		Bean:      component.ObjectName(child),
	})
}

func (d *Dispatcher) BeanRemoved(parent component.Container, child any) {
	d.emit(EventTypeBeanRemoved, parent, EventData{
		Component: component.ObjectName(parent),
		Bean:      component.ObjectName(child),
	})
}

// IsInherited makes containers pass the dispatcher to their children.
func (d *Dispatcher) IsInherited() bool {
	return true
}

// NewEvent returns a CloudEvent with a time-ordered id and JSON data.
func NewEvent(eventType, source string, data any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(newEventID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	return event
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
