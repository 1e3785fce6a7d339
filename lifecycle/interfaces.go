// Package lifecycle publishes the state transitions of components and the
// bean changes of their containers as CloudEvents.
package lifecycle

import (
	"context"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// CloudEvent types emitted by the Dispatcher.
const (
	EventTypeStarting    = "org.component.lifecycle.starting"
	EventTypeStarted     = "org.component.lifecycle.started"
	EventTypeFailure     = "org.component.lifecycle.failure"
	EventTypeStopping    = "org.component.lifecycle.stopping"
	EventTypeStopped     = "org.component.lifecycle.stopped"
	EventTypeBeanAdded   = "org.component.container.bean.added"
	EventTypeBeanRemoved = "org.component.container.bean.removed"
)

// Observer receives the events of a Dispatcher.
type Observer interface {
	// OnEvent handles one event. Errors are counted and logged.
	OnEvent(ctx context.Context, event cloudevents.Event) error

	// ObserverID identifies the observer for registration.
	ObserverID() string
}

// ObserverInfo describes a registered observer.
type ObserverInfo struct {
	ID           string    `json:"id"`
	EventTypes   []string  `json:"eventTypes"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// EventData is the JSON payload of the events.
type EventData struct {
	// Component is the object name of the component the event is about.
	Component string `json:"component"`
	State     string `json:"state,omitempty"`
	Error     string `json:"error,omitempty"`

	// Bean is set by bean events.
	Bean string `json:"bean,omitempty"`
}

// FunctionalObserver adapts a function to an Observer.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an observer calling handler.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) *FunctionalObserver {
	return &FunctionalObserver{id: id, handler: handler}
}

// OnEvent calls the handler function.
func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

// ObserverID returns the observer ID.
func (f *FunctionalObserver) ObserverID() string {
	return f.id
}
