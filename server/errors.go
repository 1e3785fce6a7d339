package server

import "errors"

// Static errors for the server package
var (
	ErrNoDefaultProtocol      = errors.New("no default protocol")
	ErrNoProtocolFactory      = errors.New("no protocol factory")
	ErrServerChannelNotBound  = errors.New("server channel not bound")
	ErrNotAccepter            = errors.New("connector cannot accept connections")
	ErrConnectorNotRunning    = errors.New("connector is not running")
	ErrConnectorShared        = errors.New("connector cannot be shared among servers")
	ErrShutdownMonitorStarted = errors.New("shutdown monitor already started")
	ErrShutdownMonitorClient  = errors.New("shutdown monitor request failed")
	ErrNotTLS                 = errors.New("connection did not start with a TLS handshake")
	ErrIdleTimeout            = errors.New("idle timeout expired")
	ErrGracefulTimeout        = errors.New("graceful shutdown timed out")
)
