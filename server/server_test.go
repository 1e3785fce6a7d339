package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/component"
)

func helloHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/hello", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "hello world")
	})
	return mux
}

func TestServerHTTP(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, WithHandler(helloHandler()))
	c := NewServerConnector(s, WithHost("127.0.0.1"), WithPort(0))
	require.NoError(t, s.SetConnectors([]Connector{c}))

	require.NoError(t, s.Start(ctx))
	require.True(t, c.IsOpen())
	require.Positive(t, c.LocalPort())

	uri := s.URI()
	require.NotNil(t, uri)
	assert.Equal(t, "http", uri.Scheme)
	assert.Equal(t, localAddr(c), uri.Host)

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get(uri.String() + "hello")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello world", string(body))
	assert.Equal(t, ServerVersion, resp.Header.Get("Server"))

	resp, err = client.Get(uri.String() + "missing")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, s.Stop(ctx))
	assert.True(t, s.IsStopped())
	assert.False(t, c.IsOpen())
	assert.Equal(t, -2, c.LocalPort())
}

func TestLocalConnectorExchange(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, WithHandler(helloHandler()))
	c := NewLocalConnector(s)
	require.NoError(t, s.AddConnector(c))

	_, err := c.Connect(ctx)
	require.ErrorIs(t, err, ErrConnectorNotRunning)

	require.NoError(t, s.Start(ctx))

	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	response, err := c.Exchange(rctx, []byte("GET /hello HTTP/1.1\r\nHost: local\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(response), "HTTP/1.1 200 OK\r\n"), string(response))
	assert.True(t, strings.HasSuffix(string(response), "hello world"), string(response))

	require.Eventually(t, func() bool { return len(c.ConnectedEndPoints()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestServerGracefulShutdown(t *testing.T) {
	ctx := context.Background()

	t.Run("should_close_idle_endpoints_and_complete", func(t *testing.T) {
		s := newTestServer(t)
		c := NewServerConnector(s, WithHost("127.0.0.1"), WithConnectionFactories(newEchoFactory("echo")))
		c.SetShutdownIdleTimeout(100 * time.Millisecond)
		require.NoError(t, s.AddConnector(c))
		require.NoError(t, s.Start(ctx))

		conn, err := net.Dial("tcp", localAddr(c))
		require.NoError(t, err)
		defer conn.Close()
		_, err = io.WriteString(conn, "ping\n")
		require.NoError(t, err)
		line, err := bufio.NewReader(conn).ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "ping\n", line)
		require.Len(t, c.ConnectedEndPoints(), 1)

		start := time.Now()
		require.NoError(t, s.Stop(ctx))
		assert.Less(t, time.Since(start), 5*time.Second)
		assert.True(t, c.IsShutdown())
		assert.Empty(t, c.ConnectedEndPoints())

		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, err = conn.Read(make([]byte, 1))
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("should_report_graceful_timeout", func(t *testing.T) {
		s := newTestServer(t, WithStopTimeout(200*time.Millisecond))
		c := NewServerConnector(s, WithHost("127.0.0.1"), WithConnectionFactories(newEchoFactory("echo")))
		c.SetIdleTimeout(0)
		require.NoError(t, s.AddConnector(c))
		require.NoError(t, s.Start(ctx))

		conn, err := net.Dial("tcp", localAddr(c))
		require.NoError(t, err)
		defer conn.Close()
		require.Eventually(t, func() bool { return len(c.ConnectedEndPoints()) == 1 }, 5*time.Second, 10*time.Millisecond)

		err = s.Stop(ctx)
		require.ErrorIs(t, err, ErrGracefulTimeout)
		assert.True(t, s.IsStopped() || s.IsFailed())
	})

	t.Run("should_wait_for_open_endpoints", func(t *testing.T) {
		s := newTestServer(t)
		c := NewLocalConnector(s, WithConnectionFactories(newEchoFactory("echo")))
		c.SetShutdownIdleTimeout(0)
		require.NoError(t, s.AddConnector(c))
		require.NoError(t, s.Start(ctx))

		conn, err := c.Connect(ctx)
		require.NoError(t, err)
		defer conn.Close()
		require.Eventually(t, func() bool { return len(c.ConnectedEndPoints()) == 1 }, 5*time.Second, 10*time.Millisecond)

		done := c.Shutdown()
		assert.True(t, c.IsShutdown())
		time.Sleep(200 * time.Millisecond)
		assert.False(t, done.IsDone(), "an open endpoint holds the shutdown")

		require.NoError(t, conn.Close())
		require.Eventually(t, done.IsDone, 5*time.Second, 10*time.Millisecond)
		require.NoError(t, done.Err())
		assert.Empty(t, c.ConnectedEndPoints())
	})

	t.Run("should_interrupt_acceptors_when_cancelled", func(t *testing.T) {
		s := newTestServer(t)
		c := NewLocalConnector(s, WithConnectionFactories(newEchoFactory("echo")))
		c.SetShutdownIdleTimeout(0)
		require.NoError(t, s.AddConnector(c))
		require.NoError(t, s.Start(ctx))

		conn, err := c.Connect(ctx)
		require.NoError(t, err)
		defer conn.Close()
		require.Eventually(t, func() bool { return len(c.ConnectedEndPoints()) == 1 }, 5*time.Second, 10*time.Millisecond)

		done := c.Shutdown()
		require.True(t, done.Cancel())
		assert.True(t, done.IsCancelled())
		require.ErrorIs(t, done.Err(), component.ErrShutdownCanceled)

		joinCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		require.NoError(t, c.Join(joinCtx))
	})

	t.Run("should_complete_at_once_when_not_started", func(t *testing.T) {
		c := NewLocalConnector(nil)
		done := c.Shutdown()
		require.NoError(t, done.Wait(ctx))
		assert.True(t, c.IsShutdown())
	})
}

func TestServerDryRun(t *testing.T) {
	s := newTestServer(t, WithDryRun(true))
	c := NewServerConnector(s, WithHost("127.0.0.1"))
	require.NoError(t, s.AddConnector(c))

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsStopped())
	assert.False(t, c.IsOpen())
	assert.False(t, c.IsRunning())
}

func TestServerConnectors(t *testing.T) {
	s := newTestServer(t)
	other := newTestServer(t)

	foreign := NewLocalConnector(other)
	require.ErrorIs(t, s.AddConnector(foreign), ErrConnectorShared)
	require.ErrorIs(t, s.SetConnectors([]Connector{foreign}), ErrConnectorShared)

	a, b := NewLocalConnector(s), NewLocalConnector(s)
	require.NoError(t, s.SetConnectors([]Connector{a, b}))
	assert.Equal(t, []Connector{a, b}, s.Connectors())
	assert.True(t, s.ContainsBean(a))

	require.NoError(t, s.RemoveConnector(a))
	assert.Equal(t, []Connector{b}, s.Connectors())
	assert.False(t, s.ContainsBean(a))

	require.NoError(t, s.SetConnectors(nil))
	assert.Empty(t, s.Connectors())
	assert.Nil(t, s.URI())
}

func TestServerSharesComponents(t *testing.T) {
	s := newTestServer(t)
	a, b := NewLocalConnector(s), NewLocalConnector(s)

	assert.Same(t, a.ByteBufferPool(), b.ByteBufferPool())
	assert.Equal(t, s.Scheduler(), a.Scheduler())
	assert.Equal(t, s.ThreadPool(), a.Executor())
	assert.False(t, a.IsManaged(s.ThreadPool()), "the server owns its thread pool")
}

func TestStatusRouter(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	c := NewLocalConnector(s, WithConnectorName("local"))
	require.NoError(t, s.AddConnector(c))

	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "status_router_test_total", Help: "test"})
	registry.MustRegister(counter)
	router := NewStatusRouter(s, registry)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, s.Start(ctx))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, component.StateStarted.String(), status.State)
	require.Len(t, status.Connectors, 1)
	assert.Equal(t, "local", status.Connectors[0].Name)
	assert.Equal(t, HTTP11, status.Connectors[0].DefaultProtocol)
	assert.True(t, status.Connectors[0].Running)
	assert.False(t, status.Connectors[0].Shutdown)
	assert.Positive(t, status.ThreadPool.Threads)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "status_router_test_total")
}
