package server

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/component"
)

// newTestServer returns a server with its own disabled shutdown monitor,
// stopped when the test ends.
func newTestServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	monitor := NewShutdownMonitor(DefaultShutdownMonitorConfig())
	s, err := NewServer(append([]ServerOption{
		WithShutdownMonitor(monitor),
		WithStopTimeout(5 * time.Second),
	}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

// echoFactory speaks a protocol that writes back everything it reads.
type echoFactory struct {
	AbstractConnectionFactory
}

func newEchoFactory(protocol string, alternates ...string) *echoFactory {
	f := &echoFactory{}
	f.initFactory(f, protocol, alternates...)
	return f
}

func (f *echoFactory) NewConnection(_ Connector, endPoint EndPoint) (Connection, error) {
	return &echoConnection{endPoint: endPoint}, nil
}

type echoConnection struct {
	endPoint EndPoint
}

func (c *echoConnection) EndPoint() EndPoint {
	return c.endPoint
}

func (c *echoConnection) Serve(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { _ = c.endPoint.Close() })
	defer stop()
	_, _ = io.Copy(c.endPoint, c.endPoint)
}

func localAddr(c NetworkConnector) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(c.LocalPort()))
}

// testLifeCycle is a plain component for registries.
type testLifeCycle struct {
	component.BaseLifeCycle
	destroyed bool
}

func newTestLifeCycle() *testLifeCycle {
	l := &testLifeCycle{}
	l.Init(l)
	return l
}

func (l *testLifeCycle) Destroy() error {
	l.destroyed = true
	return nil
}
