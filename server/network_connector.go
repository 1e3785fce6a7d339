package server

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/component"
)

// AbstractNetworkConnector is an AbstractConnector bound to a host and
// port. Embedders implement Open, Close, IsOpen and LocalPort.
type AbstractNetworkConnector struct {
	AbstractConnector

	host string
	port int
}

func (c *AbstractNetworkConnector) initNetworkConnector(self NetworkConnector, server *Server, o *connectorOptions) {
	c.initConnector(self, server, o)
	c.host = o.host
	c.port = o.port
}

func (c *AbstractNetworkConnector) network() NetworkConnector {
	return c.Self().(NetworkConnector)
}

func (c *AbstractNetworkConnector) Host() string {
	return c.host
}

func (c *AbstractNetworkConnector) SetHost(host string) {
	c.host = host
}

func (c *AbstractNetworkConnector) Port() int {
	return c.port
}

func (c *AbstractNetworkConnector) SetPort(port int) {
	c.port = port
}

// DoStart opens the connector before starting it. A connector that fails
// to start is closed again.
func (c *AbstractNetworkConnector) DoStart(ctx context.Context) error {
	self := c.network()
	if err := self.Open(); err != nil {
		return err
	}
	if err := c.AbstractConnector.DoStart(ctx); err != nil {
		_ = self.Close()
		return err
	}
	return nil
}

// DoStop closes the connector before stopping it.
func (c *AbstractNetworkConnector) DoStop(ctx context.Context) error {
	closeErr := c.network().Close()
	err := c.AbstractConnector.DoStop(ctx)
	if err == nil {
		err = closeErr
	}
	return err
}

// Shutdown closes the connector so no further connections are accepted,
// then waits for the connected endpoints like AbstractConnector.
func (c *AbstractNetworkConnector) Shutdown() *component.Completion {
	_ = c.network().Close()
	return c.AbstractConnector.Shutdown()
}

func (c *AbstractNetworkConnector) HandleAcceptFailure(ctx context.Context, err error) bool {
	if !c.network().IsOpen() {
		c.Logger().Debug("Ignored accept failure on closed connector", "connector", c.String(), "error", err)
		return false
	}
	return c.AbstractConnector.HandleAcceptFailure(ctx, err)
}

func (c *AbstractNetworkConnector) String() string {
	host := c.host
	if host == "" {
		host = "0.0.0.0"
	}
	port := c.network().LocalPort()
	if port <= 0 {
		port = c.port
	}
	return fmt.Sprintf("%s{%s:%d}", c.AbstractConnector.String(), host, port)
}
