// Package server provides network connectors, the Server component that
// owns them, and the shutdown control plane.
package server

import (
	"context"
	"net"
	"time"

	"github.com/GoCodeAlone/component"
	"github.com/GoCodeAlone/component/thread"
)

// Connector accepts connections and hands them to a ConnectionFactory.
type Connector interface {
	component.LifeCycle
	component.Container
	component.Graceful

	Server() *Server
	Executor() thread.Executor
	Scheduler() thread.Scheduler
	ByteBufferPool() *ByteBufferPool

	// ConnectionFactory returns the factory registered for protocol, or nil.
	// Protocol names are case insensitive.
	ConnectionFactory(protocol string) ConnectionFactory
	DefaultConnectionFactory() ConnectionFactory
	ConnectionFactories() []ConnectionFactory
	Protocols() []string

	IdleTimeout() time.Duration
	// Transport returns the underlying listener, if any.
	Transport() any
	ConnectedEndPoints() []EndPoint
	Name() string
}

// NetworkConnector is a Connector bound to a network address.
type NetworkConnector interface {
	Connector
	// Open binds the connector. It is called by Start and may be called
	// earlier to bind before starting.
	Open() error
	Close() error
	IsOpen() bool
	Host() string
	Port() int
	// LocalPort returns the bound port, -1 if not yet opened and -2 once
	// closed.
	LocalPort() int
}

// Accepter is implemented by connectors that produce connections. Accept
// blocks until one connection has been accepted and handed off, or fails.
// ctx is cancelled when the acceptor is interrupted.
type Accepter interface {
	Accept(ctx context.Context, acceptorID int) error
}

// AcceptFailureHandler decides whether an acceptor keeps running after
// Accept failed.
type AcceptFailureHandler interface {
	HandleAcceptFailure(ctx context.Context, err error) bool
}

// EndPoint is an accepted connection with idle timeout enforcement.
type EndPoint interface {
	net.Conn
	IsOpen() bool
	IdleTimeout() time.Duration
	// SetIdleTimeout changes the idle timeout; zero disables it.
	SetIdleTimeout(d time.Duration)
	Connection() Connection
	SetConnection(c Connection)
	// OnClose registers fn to run once the endpoint closes. fn runs at once
	// when it already has.
	OnClose(fn func())
}

// Connection is the protocol handler of one EndPoint.
type Connection interface {
	EndPoint() EndPoint
	// Serve handles the endpoint until it closes or ctx is cancelled.
	Serve(ctx context.Context)
}

// ConnectionFactory creates Connections for a protocol.
type ConnectionFactory interface {
	Protocol() string
	Protocols() []string
	NewConnection(connector Connector, endPoint EndPoint) (Connection, error)
}

// Configuring factories adjust the connector they are started with.
type Configuring interface {
	ConnectionFactory
	Configure(connector Connector)
}

// FactoryOf returns the first factory of connector that is a T.
func FactoryOf[T any](connector Connector) (T, bool) {
	for _, f := range connector.ConnectionFactories() {
		if t, ok := f.(T); ok {
			return t, true
		}
	}
	var zero T
	return zero, false
}
