package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/GoCodeAlone/component"
)

// ServerConnector accepts TCP connections. Each accepted socket becomes a
// SocketEndPoint served by the default connection factory on the executor.
type ServerConnector struct {
	AbstractNetworkConnector

	mu        sync.Mutex
	listener  net.Listener
	localPort atomic.Int32

	acceptedTCPNoDelay        bool
	acceptedReceiveBufferSize int
	acceptedSendBufferSize    int
}

// NewServerConnector returns a connector for server. Without
// WithConnectionFactories it speaks HTTP/1.1.
func NewServerConnector(server *Server, opts ...ConnectorOption) *ServerConnector {
	o := newConnectorOptions(opts)
	if len(o.factories) == 0 {
		o.factories = []ConnectionFactory{NewHTTPConnectionFactory(nil)}
	}

	c := &ServerConnector{acceptedTCPNoDelay: true}
	c.localPort.Store(-1)
	c.initNetworkConnector(c, server, o)
	if o.listener != nil {
		c.listener = o.listener
		c.storeLocalPort(o.listener)
		_, _ = c.AddBean(o.listener)
	}
	return c
}

func (c *ServerConnector) storeLocalPort(l net.Listener) {
	if addr, ok := l.Addr().(*net.TCPAddr); ok {
		c.localPort.Store(int32(addr.Port))
	}
}

// OpenListener adopts a listener bound elsewhere. It fails once the
// connector has started.
func (c *ServerConnector) OpenListener(l net.Listener) error {
	if c.IsStarted() {
		return fmt.Errorf("%w: %s", component.ErrIllegalState, c.State())
	}
	c.mu.Lock()
	old := c.listener
	c.listener = l
	c.mu.Unlock()

	var oldBean any
	if old != nil {
		oldBean = old
	}
	if err := c.UpdateBean(oldBean, l); err != nil {
		return err
	}
	c.storeLocalPort(l)
	if c.LocalPort() <= 0 {
		return ErrServerChannelNotBound
	}
	return nil
}

// Open binds the listening socket unless one is already open or adopted.
func (c *ServerConnector) Open() error {
	c.mu.Lock()
	l := c.listener
	if l == nil {
		addr := net.JoinHostPort(c.Host(), strconv.Itoa(c.Port()))
		var err error
		l, err = net.Listen("tcp", addr)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("failed to bind to %s: %w", addr, err)
		}
		c.listener = l
	}
	c.mu.Unlock()

	c.storeLocalPort(l)
	if c.LocalPort() <= 0 {
		return ErrServerChannelNotBound
	}
	_, _ = c.AddBean(l)
	return nil
}

// Close closes the listening socket. The local port reads -2 afterwards.
func (c *ServerConnector) Close() error {
	c.mu.Lock()
	l := c.listener
	c.listener = nil
	c.mu.Unlock()

	var err error
	if l != nil {
		_, _ = c.RemoveBean(l)
		if cerr := l.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			c.Logger().Warn("Unable to close", "connector", c.String(), "error", cerr)
			err = cerr
		}
	}
	c.localPort.Store(-2)
	return err
}

func (c *ServerConnector) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener != nil
}

func (c *ServerConnector) LocalPort() int {
	return int(c.localPort.Load())
}

// Transport returns the listener, or nil when closed.
func (c *ServerConnector) Transport() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return nil
	}
	return c.listener
}

// Accept waits for one TCP connection and hands it to the default
// connection factory.
func (c *ServerConnector) Accept(ctx context.Context, acceptorID int) error {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l == nil {
		return net.ErrClosed
	}

	conn, err := l.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if ctx.Err() != nil {
		_ = conn.Close()
		return ctx.Err()
	}

	c.configure(conn)
	ep := NewSocketEndPoint(conn, c.Scheduler())
	ep.SetIdleTimeout(c.IdleTimeout())
	c.Logger().Debug("Accepted", "connector", c.String(), "acceptor", acceptorID, "endpoint", ep.String())
	return c.Accepted(ep)
}

func (c *ServerConnector) configure(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tcp.SetNoDelay(c.acceptedTCPNoDelay); err != nil {
		c.Logger().Debug("Unable to set TCP_NODELAY", "error", err)
	}
	if c.acceptedReceiveBufferSize > 0 {
		if err := tcp.SetReadBuffer(c.acceptedReceiveBufferSize); err != nil {
			c.Logger().Debug("Unable to set SO_RCVBUF", "error", err)
		}
	}
	if c.acceptedSendBufferSize > 0 {
		if err := tcp.SetWriteBuffer(c.acceptedSendBufferSize); err != nil {
			c.Logger().Debug("Unable to set SO_SNDBUF", "error", err)
		}
	}
}

func (c *ServerConnector) AcceptedTCPNoDelay() bool {
	return c.acceptedTCPNoDelay
}

func (c *ServerConnector) SetAcceptedTCPNoDelay(noDelay bool) {
	c.acceptedTCPNoDelay = noDelay
}

func (c *ServerConnector) AcceptedReceiveBufferSize() int {
	return c.acceptedReceiveBufferSize
}

// SetAcceptedReceiveBufferSize sets SO_RCVBUF on accepted sockets. Zero
// keeps the system default.
func (c *ServerConnector) SetAcceptedReceiveBufferSize(size int) {
	c.acceptedReceiveBufferSize = size
}

func (c *ServerConnector) AcceptedSendBufferSize() int {
	return c.acceptedSendBufferSize
}

// SetAcceptedSendBufferSize sets SO_SNDBUF on accepted sockets. Zero keeps
// the system default.
func (c *ServerConnector) SetAcceptedSendBufferSize(size int) {
	c.acceptedSendBufferSize = size
}
