package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cucumber/godog"

	"github.com/GoCodeAlone/component"
)

// Static error variables for BDD tests to comply with err113 linting rule
var (
	errUnexpectedReply      = errors.New("unexpected reply")
	errStillConnected       = errors.New("client is still connected")
	errEndPointsRemain      = errors.New("connector still has endpoints")
	errExpectedGraceTimeout = errors.New("expected a graceful timeout")
	errUnexpectedState      = errors.New("unexpected server state")
	errNoClient             = errors.New("no client connected")
)

// GracefulShutdownBDDTestContext holds the state of one scenario.
type GracefulShutdownBDDTestContext struct {
	server    *Server
	connector *ServerConnector
	monitor   *ShutdownMonitor
	client    net.Conn
	reader    *bufio.Reader
	stopErr   error
	reply     string
}

func (c *GracefulShutdownBDDTestContext) resetContext() {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.server != nil {
		_ = c.server.Stop(context.Background())
	}
	if c.monitor != nil {
		_ = c.monitor.Close()
	}
	*c = GracefulShutdownBDDTestContext{}
}

func (c *GracefulShutdownBDDTestContext) startServer(monitor *ShutdownMonitor, stopTimeout time.Duration, configure func(*ServerConnector)) error {
	if monitor == nil {
		monitor = NewShutdownMonitor(DefaultShutdownMonitorConfig())
	}
	s, err := NewServer(WithShutdownMonitor(monitor), WithStopTimeout(stopTimeout), WithLogger(component.NopLogger()))
	if err != nil {
		return err
	}
	connector := NewServerConnector(s, WithHost("127.0.0.1"), WithConnectionFactories(newEchoFactory("echo")))
	configure(connector)
	if err := s.AddConnector(connector); err != nil {
		return err
	}
	c.server, c.connector, c.monitor = s, connector, monitor
	return s.Start(context.Background())
}

func (c *GracefulShutdownBDDTestContext) aRunningServerWithShutdownIdleTimeout(millis int) error {
	return c.startServer(nil, 5*time.Second, func(sc *ServerConnector) {
		sc.SetShutdownIdleTimeout(time.Duration(millis) * time.Millisecond)
	})
}

func (c *GracefulShutdownBDDTestContext) aRunningServerWithoutIdleTimeout(millis int) error {
	return c.startServer(nil, time.Duration(millis)*time.Millisecond, func(sc *ServerConnector) {
		sc.SetIdleTimeout(0)
	})
}

func (c *GracefulShutdownBDDTestContext) aRunningServerWithMonitor(key string) error {
	m := NewShutdownMonitor(ShutdownMonitorConfig{Host: "127.0.0.1", Port: 0, Key: key})
	m.SetOutput(io.Discard)
	m.SetLogger(component.NopLogger())
	m.SetExit(func(int) {})
	if err := m.SetExitVM(false); err != nil {
		return err
	}
	return c.startServer(m, 5*time.Second, func(*ServerConnector) {})
}

func (c *GracefulShutdownBDDTestContext) aClientConnected() error {
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(c.connector.LocalPort())))
	if err != nil {
		return err
	}
	c.client = conn
	c.reader = bufio.NewReader(conn)
	deadline := time.Now().Add(5 * time.Second)
	for len(c.connector.ConnectedEndPoints()) == 0 {
		if time.Now().After(deadline) {
			return errNoClient
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

func (c *GracefulShutdownBDDTestContext) theClientSends(message string) error {
	_, err := io.WriteString(c.client, message+"\n")
	return err
}

func (c *GracefulShutdownBDDTestContext) theClientShouldReceive(message string) error {
	_ = c.client.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return err
	}
	if got := strings.TrimSuffix(line, "\n"); got != message {
		return fmt.Errorf("%w: %q", errUnexpectedReply, got)
	}
	return nil
}

func (c *GracefulShutdownBDDTestContext) iStopTheServer() error {
	c.stopErr = c.server.Stop(context.Background())
	return nil
}

func (c *GracefulShutdownBDDTestContext) theStopShouldSucceed() error {
	return c.stopErr
}

func (c *GracefulShutdownBDDTestContext) theStopShouldFailWithAGracefulTimeout() error {
	if !errors.Is(c.stopErr, ErrGracefulTimeout) {
		return fmt.Errorf("%w, got %v", errExpectedGraceTimeout, c.stopErr)
	}
	return nil
}

func (c *GracefulShutdownBDDTestContext) theClientShouldBeDisconnected() error {
	_ = c.client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.reader.ReadByte(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", errStillConnected, err)
	}
	return nil
}

func (c *GracefulShutdownBDDTestContext) theConnectorShouldHaveNoEndPoints() error {
	if n := len(c.connector.ConnectedEndPoints()); n != 0 {
		return fmt.Errorf("%w: %d", errEndPointsRemain, n)
	}
	return nil
}

func (c *GracefulShutdownBDDTestContext) iSendTheCommand(command, key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(c.monitor.Port()))
	reply, err := SendShutdownCommand(ctx, addr, key, command)
	c.reply = reply
	return err
}

func (c *GracefulShutdownBDDTestContext) theMonitorShouldReply(reply string) error {
	if got := strings.TrimSpace(c.reply); got != reply {
		return fmt.Errorf("%w: %q", errUnexpectedReply, got)
	}
	return nil
}

func (c *GracefulShutdownBDDTestContext) theMonitorShouldReplyNothing() error {
	return c.theMonitorShouldReply("")
}

func (c *GracefulShutdownBDDTestContext) theServerShouldBeStopped() error {
	if !c.server.IsStopped() {
		return fmt.Errorf("%w: %s", errUnexpectedState, c.server.State())
	}
	return nil
}

func (c *GracefulShutdownBDDTestContext) theServerShouldBeRunning() error {
	if !c.server.IsStarted() {
		return fmt.Errorf("%w: %s", errUnexpectedState, c.server.State())
	}
	return nil
}

// InitializeGracefulShutdownScenario registers the graceful shutdown steps.
func InitializeGracefulShutdownScenario(ctx *godog.ScenarioContext) {
	testCtx := &GracefulShutdownBDDTestContext{}

	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		testCtx.resetContext()
		return ctx, nil
	})
	ctx.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		testCtx.resetContext()
		return ctx, nil
	})

	ctx.Step(`^a running server with an echo connector and a shutdown idle timeout of (\d+) ms$`, testCtx.aRunningServerWithShutdownIdleTimeout)
	ctx.Step(`^a running server with an echo connector, no idle timeout and a stop timeout of (\d+) ms$`, testCtx.aRunningServerWithoutIdleTimeout)
	ctx.Step(`^a running server with a shutdown monitor on an ephemeral port and key "([^"]*)"$`, testCtx.aRunningServerWithMonitor)
	ctx.Step(`^a client connected to the echo connector$`, testCtx.aClientConnected)
	ctx.Step(`^the client sends "([^"]*)"$`, testCtx.theClientSends)
	ctx.Step(`^the client should receive "([^"]*)"$`, testCtx.theClientShouldReceive)
	ctx.Step(`^I stop the server$`, testCtx.iStopTheServer)
	ctx.Step(`^the stop should succeed$`, testCtx.theStopShouldSucceed)
	ctx.Step(`^the stop should fail with a graceful timeout$`, testCtx.theStopShouldFailWithAGracefulTimeout)
	ctx.Step(`^the client should be disconnected$`, testCtx.theClientShouldBeDisconnected)
	ctx.Step(`^the connector should have no endpoints$`, testCtx.theConnectorShouldHaveNoEndPoints)
	ctx.Step(`^I send the "([^"]*)" command with key "([^"]*)"$`, testCtx.iSendTheCommand)
	ctx.Step(`^the monitor should reply "([^"]*)"$`, testCtx.theMonitorShouldReply)
	ctx.Step(`^the monitor should reply nothing$`, testCtx.theMonitorShouldReplyNothing)
	ctx.Step(`^the server should be stopped$`, testCtx.theServerShouldBeStopped)
	ctx.Step(`^the server should be running$`, testCtx.theServerShouldBeRunning)
}

// TestGracefulShutdownFeatures runs the BDD tests for graceful server shutdown
func TestGracefulShutdownFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeGracefulShutdownScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features/graceful_shutdown.feature"},
			TestingT: t,
			Strict:   true,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
