package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

const localConnectorBacklog = 128

// LocalConnector accepts in-process connections opened with Connect. Each
// connection is one end of a net.Pipe; the caller holds the other.
type LocalConnector struct {
	AbstractConnector

	pending chan net.Conn
}

// NewLocalConnector returns a connector for server. Without
// WithConnectionFactories it speaks HTTP/1.1.
func NewLocalConnector(server *Server, opts ...ConnectorOption) *LocalConnector {
	o := newConnectorOptions(opts)
	if len(o.factories) == 0 {
		o.factories = []ConnectionFactory{NewHTTPConnectionFactory(nil)}
	}
	c := &LocalConnector{pending: make(chan net.Conn, localConnectorBacklog)}
	c.initConnector(c, server, o)
	return c
}

// Connect opens a connection to the connector and returns the client end.
func (c *LocalConnector) Connect(ctx context.Context) (net.Conn, error) {
	if !c.IsRunning() {
		return nil, fmt.Errorf("%w: %s", ErrConnectorNotRunning, c.describe())
	}
	client, server := net.Pipe()
	select {
	case c.pending <- server:
		return client, nil
	case <-ctx.Done():
		_ = client.Close()
		_ = server.Close()
		return nil, ctx.Err()
	}
}

// Exchange writes request on a new connection and returns everything the
// server writes back until it closes the connection or ctx is done.
func (c *LocalConnector) Exchange(ctx context.Context, request []byte) ([]byte, error) {
	conn, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	go func() {
		_, _ = conn.Write(request)
	}()
	response, err := io.ReadAll(conn)
	if ctx.Err() != nil {
		return response, ctx.Err()
	}
	if errors.Is(err, io.ErrClosedPipe) {
		err = nil
	}
	return response, err
}

func (c *LocalConnector) Accept(ctx context.Context, acceptorID int) error {
	select {
	case conn := <-c.pending:
		ep := NewSocketEndPoint(conn, c.Scheduler())
		ep.SetIdleTimeout(c.IdleTimeout())
		c.Logger().Debug("Accepted", "connector", c.describe(), "acceptor", acceptorID)
		return c.Accepted(ep)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DoStop stops the connector and closes connections that were never
// accepted.
func (c *LocalConnector) DoStop(ctx context.Context) error {
	err := c.AbstractConnector.DoStop(ctx)
	for {
		select {
		case conn := <-c.pending:
			_ = conn.Close()
		default:
			return err
		}
	}
}

// Transport returns the channel of connections awaiting an acceptor.
func (c *LocalConnector) Transport() any {
	return c.pending
}
