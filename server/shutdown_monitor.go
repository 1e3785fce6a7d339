package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/component"
	"github.com/GoCodeAlone/component/config"
	"github.com/GoCodeAlone/component/feeders"
	"github.com/GoCodeAlone/component/thread"
)

// Shutdown monitor replies.
const (
	ReplyStopped = "Stopped\r\n"
	ReplyOK      = "OK\r\n"
)

// ShutdownMonitorConfig is read from the environment. Any non-empty DEBUG
// enables debug output.
type ShutdownMonitorConfig struct {
	Debug string `env:"DEBUG"`
	Host  string `env:"STOP_HOST" validate:"required"`
	Port  int    `env:"STOP_PORT" validate:"gte=-1,lte=65535"`
	Key   string `env:"STOP_KEY"`
	Exit  bool   `env:"STOP_EXIT"`
}

// DefaultShutdownMonitorConfig returns a disabled monitor configuration
// that exits the process after a stop.
func DefaultShutdownMonitorConfig() ShutdownMonitorConfig {
	return ShutdownMonitorConfig{Host: "127.0.0.1", Port: -1, Exit: true}
}

// LoadShutdownMonitorConfig overlays the environment on the defaults.
func LoadShutdownMonitorConfig(ctx context.Context) (ShutdownMonitorConfig, error) {
	cfg := DefaultShutdownMonitorConfig()
	if err := config.NewLoader(feeders.NewEnvFeeder()).Load(ctx, &cfg); err != nil {
		return DefaultShutdownMonitorConfig(), err
	}
	return cfg, nil
}

// ShutdownMonitor listens on a local port for commands that stop or exit
// the process. A request is two lines, the key and the command; requests
// with the wrong key are closed without a reply.
//
//	stop       stop the registered components also registered with the
//	           ShutdownThread, reply "Stopped", then exit if configured
//	forcestop  stop every registered component, reply, exit if configured
//	stopexit   stop and destroy, reply, then exit
//	exit       exit at once
//	status     reply "OK"
//	pid        reply the process id
//
// The monitor is disabled while its port is negative. Host, port, key and
// exit behaviour can only be changed before it starts.
type ShutdownMonitor struct {
	lock       component.Lock
	lifeCycles []component.LifeCycle

	debug    bool
	host     string
	port     int
	key      string
	exitVM   bool
	alive    bool
	listener net.Listener

	out            io.Writer
	logger         component.Logger
	exit           func(code int)
	shutdownThread func() *thread.ShutdownThread
}

var (
	monitorMu       sync.Mutex
	monitorInstance *ShutdownMonitor
)

// DefaultShutdownMonitor returns the process-wide monitor, configured from
// the environment on first use.
func DefaultShutdownMonitor() *ShutdownMonitor {
	monitorMu.Lock()
	defer monitorMu.Unlock()
	if monitorInstance == nil {
		cfg, err := LoadShutdownMonitorConfig(context.Background())
		monitorInstance = NewShutdownMonitor(cfg)
		if err != nil {
			monitorInstance.debugf("Ignoring invalid environment: %v", err)
		}
	}
	return monitorInstance
}

// ResetShutdownMonitor closes and discards the process-wide monitor.
func ResetShutdownMonitor() {
	monitorMu.Lock()
	old := monitorInstance
	monitorInstance = nil
	monitorMu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// NewShutdownMonitor returns a stopped monitor.
func NewShutdownMonitor(cfg ShutdownMonitorConfig) *ShutdownMonitor {
	return &ShutdownMonitor{
		debug:          cfg.Debug != "",
		host:           cfg.Host,
		port:           cfg.Port,
		key:            cfg.Key,
		exitVM:         cfg.Exit,
		out:            os.Stdout,
		logger:         component.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))),
		exit:           os.Exit,
		shutdownThread: thread.DefaultShutdownThread,
	}
}

func (m *ShutdownMonitor) debugf(format string, args ...any) {
	unlock := m.lock.Lock()
	debug, logger := m.debug, m.logger
	unlock()
	if debug {
		logger.Debug("[ShutdownMonitor] " + fmt.Sprintf(format, args...))
	}
}

// Register adds components to stop on request.
func (m *ShutdownMonitor) Register(lifeCycles ...component.LifeCycle) {
	defer m.lock.Lock()()
	for _, lc := range lifeCycles {
		if !slices.Contains(m.lifeCycles, lc) {
			m.lifeCycles = append(m.lifeCycles, lc)
		}
	}
}

func (m *ShutdownMonitor) Deregister(lc component.LifeCycle) {
	defer m.lock.Lock()()
	if i := slices.Index(m.lifeCycles, lc); i >= 0 {
		m.lifeCycles = slices.Delete(m.lifeCycles, i, i+1)
	}
}

func (m *ShutdownMonitor) IsRegistered(lc component.LifeCycle) bool {
	defer m.lock.Lock()()
	return slices.Contains(m.lifeCycles, lc)
}

func (m *ShutdownMonitor) Key() string {
	defer m.lock.Lock()()
	return m.key
}

func (m *ShutdownMonitor) Port() int {
	defer m.lock.Lock()()
	return m.port
}

func (m *ShutdownMonitor) IsExitVM() bool {
	defer m.lock.Lock()()
	return m.exitVM
}

func (m *ShutdownMonitor) IsAlive() bool {
	defer m.lock.Lock()()
	return m.alive
}

func (m *ShutdownMonitor) SetDebug(debug bool) {
	defer m.lock.Lock()()
	m.debug = debug
}

func (m *ShutdownMonitor) setBeforeStart(set func()) error {
	defer m.lock.Lock()()
	if m.alive {
		return ErrShutdownMonitorStarted
	}
	set()
	return nil
}

func (m *ShutdownMonitor) SetExitVM(exitVM bool) error {
	return m.setBeforeStart(func() { m.exitVM = exitVM })
}

func (m *ShutdownMonitor) SetKey(key string) error {
	return m.setBeforeStart(func() { m.key = key })
}

func (m *ShutdownMonitor) SetPort(port int) error {
	return m.setBeforeStart(func() { m.port = port })
}

// SetExit replaces os.Exit.
func (m *ShutdownMonitor) SetExit(exit func(code int)) {
	defer m.lock.Lock()()
	m.exit = exit
}

// SetOutput sets where the generated port and key are printed.
func (m *ShutdownMonitor) SetOutput(w io.Writer) {
	defer m.lock.Lock()()
	m.out = w
}

func (m *ShutdownMonitor) SetLogger(logger component.Logger) {
	defer m.lock.Lock()()
	m.logger = logger
}

// SetShutdownThread sets the registry consulted by the stop command.
func (m *ShutdownMonitor) SetShutdownThread(st *thread.ShutdownThread) {
	defer m.lock.Lock()()
	m.shutdownThread = func() *thread.ShutdownThread { return st }
}

// Start binds the monitor port and serves commands in the background. It
// does nothing when already started or when the port is negative.
func (m *ShutdownMonitor) Start() error {
	unlock := m.lock.Lock()
	if m.alive {
		unlock()
		m.debugf("Already started")
		return nil
	}
	l, err := m.listenLocked()
	if l != nil {
		m.alive = true
		m.listener = l
	}
	debug, logger, port, key, exitVM := m.debug, m.logger, m.port, m.key, m.exitVM
	unlock()

	if debug {
		logger.Debug(fmt.Sprintf("[ShutdownMonitor] STOP.PORT=%d", port))
		logger.Debug(fmt.Sprintf("[ShutdownMonitor] STOP.KEY=%s", key))
		logger.Debug(fmt.Sprintf("[ShutdownMonitor] STOP.EXIT=%t", exitVM))
	}
	if err != nil {
		return err
	}
	if l != nil {
		go m.serve(l, key)
	}
	return nil
}

func (m *ShutdownMonitor) listenLocked() (net.Listener, error) {
	if m.port < 0 {
		return nil, nil
	}
	l, err := net.Listen("tcp", net.JoinHostPort(m.host, strconv.Itoa(m.port)))
	if err != nil {
		return nil, fmt.Errorf("error binding ShutdownMonitor to port %d: %w", m.port, err)
	}
	if m.port == 0 {
		if addr, ok := l.Addr().(*net.TCPAddr); ok {
			m.port = addr.Port
		}
		fmt.Fprintf(m.out, "STOP.PORT=%d\n", m.port)
	}
	if m.key == "" {
		m.key = generateKey()
		fmt.Fprintf(m.out, "STOP.KEY=%s\n", m.key)
	}
	return l, nil
}

func generateKey() string {
	id := uuid.New()
	return new(big.Int).SetBytes(id[:]).Text(36)
}

// Await blocks until the monitor stops or ctx is done.
func (m *ShutdownMonitor) Await(ctx context.Context) error {
	unlock := m.lock.Lock()
	defer unlock()
	for m.alive {
		if err := m.lock.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close stops listening for commands.
func (m *ShutdownMonitor) Close() error {
	unlock := m.lock.Lock()
	l := m.listener
	unlock()
	if l == nil {
		return nil
	}
	if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (m *ShutdownMonitor) stopped() {
	defer m.lock.Lock()()
	m.alive = false
	m.listener = nil
	m.lock.SignalAll()
}

func (m *ShutdownMonitor) serve(l net.Listener, key string) {
	m.debugf("Started")
	defer func() {
		_ = l.Close()
		m.stopped()
		m.debugf("Stopped")
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			m.debugf("%v", err)
			return
		}
		if m.handle(conn, key) {
			return
		}
	}
}

// handle serves one request and reports whether the monitor should stop.
func (m *ShutdownMonitor) handle(conn net.Conn, key string) bool {
	defer conn.Close()
	r := bufio.NewReader(conn)

	received, err := readLine(r)
	if err != nil {
		m.debugf("%v", err)
		return false
	}
	if received != key {
		m.debugf("Ignoring command with incorrect key: %s", received)
		return false
	}
	command, err := readLine(r)
	if err != nil {
		m.debugf("%v", err)
		return false
	}
	m.debugf("command=%s", command)

	exitVM := m.IsExitVM()
	switch strings.ToLower(command) {
	case "stop":
		m.debugf("Performing stop command")
		m.stopLifeCycles(m.registeredAtShutdown, exitVM)
		m.inform(conn, ReplyStopped)
		if exitVM {
			m.exitProcess()
		}
		return true
	case "forcestop":
		m.debugf("Performing forcestop command")
		m.stopLifeCycles(func(component.LifeCycle) bool { return true }, exitVM)
		m.inform(conn, ReplyStopped)
		if exitVM {
			m.exitProcess()
		}
		return true
	case "stopexit":
		m.debugf("Performing stop and exit commands")
		m.stopLifeCycles(m.registeredAtShutdown, true)
		m.inform(conn, ReplyStopped)
		m.exitProcess()
		return true
	case "exit":
		m.exitProcess()
		return true
	case "status":
		m.inform(conn, ReplyOK)
	case "pid":
		m.inform(conn, strconv.Itoa(os.Getpid()))
	}
	return false
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (m *ShutdownMonitor) inform(conn net.Conn, reply string) {
	m.debugf("Informing client: %q", reply)
	if _, err := io.WriteString(conn, reply); err != nil {
		m.debugf("%v", err)
	}
}

func (m *ShutdownMonitor) exitProcess() {
	unlock := m.lock.Lock()
	exit := m.exit
	unlock()
	m.debugf("Exiting")
	exit(0)
}

func (m *ShutdownMonitor) registeredAtShutdown(lc component.LifeCycle) bool {
	unlock := m.lock.Lock()
	st := m.shutdownThread
	unlock()
	return st().IsRegistered(lc)
}

func (m *ShutdownMonitor) stopLifeCycles(stop func(component.LifeCycle) bool, destroy bool) {
	unlock := m.lock.Lock()
	lifeCycles := slices.Clone(m.lifeCycles)
	unlock()

	for _, lc := range lifeCycles {
		if lc.IsStarted() && stop(lc) {
			if err := lc.Stop(context.Background()); err != nil {
				m.debugf("%v", err)
			}
		}
		if d, ok := lc.(component.Destroyable); ok && destroy {
			if err := d.Destroy(); err != nil {
				m.debugf("%v", err)
			}
		}
	}
}

func (m *ShutdownMonitor) String() string {
	return fmt.Sprintf("ShutdownMonitor[port=%d,alive=%t]", m.Port(), m.IsAlive())
}

// SendShutdownCommand sends command with key to the monitor at addr and
// returns its reply. A wrong key yields an empty reply.
func SendShutdownCommand(ctx context.Context, addr, key, command string) (string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrShutdownMonitorClient, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if _, err := fmt.Fprintf(conn, "%s\r\n%s\r\n", key, command); err != nil {
		return "", fmt.Errorf("%w: %w", ErrShutdownMonitorClient, err)
	}
	reply, err := io.ReadAll(conn)
	if ctx.Err() != nil {
		return string(reply), ctx.Err()
	}
	if err != nil {
		return string(reply), fmt.Errorf("%w: %w", ErrShutdownMonitorClient, err)
	}
	return string(reply), nil
}
