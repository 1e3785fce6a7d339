package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/component"
	"github.com/GoCodeAlone/component/thread"
)

// ServerOption configures a Server at construction.
type ServerOption func(*serverOptions)

type serverOptions struct {
	threadPool      thread.ThreadPool
	handler         http.Handler
	stopAtShutdown  bool
	dryRun          bool
	shutdownThread  *thread.ShutdownThread
	shutdownMonitor *ShutdownMonitor
	logger          component.Logger
	stopTimeout     time.Duration
	statusLogSpec   string
}

// WithThreadPool runs the server on pool instead of a default
// QueuedThreadPool.
func WithThreadPool(pool thread.ThreadPool) ServerOption {
	return func(o *serverOptions) { o.threadPool = pool }
}

// WithHandler sets the handler of HTTP connections.
func WithHandler(h http.Handler) ServerOption {
	return func(o *serverOptions) { o.handler = h }
}

// WithStopAtShutdown stops the server when the process is signalled to
// terminate.
func WithStopAtShutdown(stop bool) ServerOption {
	return func(o *serverOptions) { o.stopAtShutdown = stop }
}

// WithDryRun makes Start verify the configuration, open the connectors and
// stop again without serving.
func WithDryRun(dryRun bool) ServerOption {
	return func(o *serverOptions) { o.dryRun = dryRun }
}

// WithShutdownThread replaces the process-wide ShutdownThread.
func WithShutdownThread(st *thread.ShutdownThread) ServerOption {
	return func(o *serverOptions) { o.shutdownThread = st }
}

// WithShutdownMonitor replaces the process-wide ShutdownMonitor.
func WithShutdownMonitor(m *ShutdownMonitor) ServerOption {
	return func(o *serverOptions) { o.shutdownMonitor = m }
}

// WithLogger sets the logger of the server and of the components it
// creates.
func WithLogger(logger component.Logger) ServerOption {
	return func(o *serverOptions) { o.logger = logger }
}

// WithStopTimeout bounds the graceful part of Stop.
func WithStopTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) { o.stopTimeout = d }
}

// WithStatusLog logs the server status on the cron schedule spec.
func WithStatusLog(spec string) ServerOption {
	return func(o *serverOptions) { o.statusLogSpec = spec }
}

type handlerHolder struct{ h http.Handler }

// Server is the root component: it owns the thread pool, the scheduler
// shared by its connectors, and the connectors. Connectors start after
// every other bean and stop first, after a graceful shutdown bounded by
// the stop timeout.
type Server struct {
	component.ContainerLifeCycle

	threadPool thread.ThreadPool
	scheduler  *thread.TimerScheduler
	handler    atomic.Pointer[handlerHolder]

	mu         sync.Mutex
	connectors []Connector
	poolMu     sync.Mutex

	stopAtShutdown  atomic.Bool
	dryRun          atomic.Bool
	shutdownThread  *thread.ShutdownThread
	shutdownMonitor *ShutdownMonitor

	statusLogSpec string
	statusTask    thread.Task
}

// NewServer returns a server without connectors.
func NewServer(opts ...ServerOption) (*Server, error) {
	o := &serverOptions{}
	for _, opt := range opts {
		opt(o)
	}

	s := &Server{
		shutdownThread:  o.shutdownThread,
		shutdownMonitor: o.shutdownMonitor,
		statusLogSpec:   o.statusLogSpec,
	}
	s.Init(s)
	if o.logger != nil {
		s.SetLogger(o.logger)
	}
	if o.stopTimeout > 0 {
		s.SetStopTimeout(o.stopTimeout)
	}
	s.stopAtShutdown.Store(o.stopAtShutdown)
	s.dryRun.Store(o.dryRun)

	s.threadPool = o.threadPool
	if s.threadPool == nil {
		pool, err := thread.NewQueuedThreadPool(thread.WithLogger(s.Logger()))
		if err != nil {
			return nil, err
		}
		s.threadPool = pool
	}
	if _, err := s.AddBean(s.threadPool); err != nil {
		return nil, err
	}

	s.scheduler = thread.NewTimerScheduler(fmt.Sprintf("Server-Scheduler-%x", objectID(s)))
	s.scheduler.SetLogger(s.Logger())
	if _, err := s.AddBean(s.scheduler); err != nil {
		return nil, err
	}

	if o.handler != nil {
		if err := s.SetHandler(o.handler); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewServerOnPort returns a server with one HTTP ServerConnector on port.
func NewServerOnPort(port int, opts ...ServerOption) (*Server, error) {
	s, err := NewServer(opts...)
	if err != nil {
		return nil, err
	}
	if err := s.SetConnectors([]Connector{NewServerConnector(s, WithPort(port))}); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) ThreadPool() thread.ThreadPool {
	return s.threadPool
}

// Scheduler returns the scheduler connectors share by default.
func (s *Server) Scheduler() thread.Scheduler {
	return s.scheduler
}

func (s *Server) Handler() http.Handler {
	if h := s.handler.Load(); h != nil {
		return h.h
	}
	return nil
}

// SetHandler replaces the handler. A handler that is also a LifeCycle
// becomes a bean of the server.
func (s *Server) SetHandler(h http.Handler) error {
	var old any
	if prev := s.handler.Swap(&handlerHolder{h}); prev != nil && prev.h != nil {
		old = prev.h
	}
	var next any
	if h != nil {
		next = h
	}
	return s.UpdateBean(old, next)
}

func (s *Server) sharedByteBufferPool() *ByteBufferPool {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	if pool, ok := component.BeanOf[*ByteBufferPool](s); ok {
		return pool
	}
	pool := NewByteBufferPool(nil)
	_, _ = s.AddBeanManaged(pool, true)
	return pool
}

func (s *Server) Connectors() []Connector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.connectors)
}

func (s *Server) checkOwner(c Connector) error {
	if c.Server() != s {
		return fmt.Errorf("%w: %v belongs to %v", ErrConnectorShared, c, c.Server())
	}
	return nil
}

// AddConnector adds c, which must have been created for this server.
func (s *Server) AddConnector(c Connector) error {
	if err := s.checkOwner(c); err != nil {
		return err
	}
	s.mu.Lock()
	s.connectors = append(s.connectors, c)
	s.mu.Unlock()
	_, err := s.AddBean(c)
	return err
}

// RemoveConnector removes c without stopping it.
func (s *Server) RemoveConnector(c Connector) error {
	s.mu.Lock()
	if i := slices.Index(s.connectors, c); i >= 0 {
		s.connectors = slices.Delete(s.connectors, i, i+1)
	}
	s.mu.Unlock()
	_, err := s.RemoveBean(c)
	return err
}

// SetConnectors replaces the connectors. Every connector must have been
// created for this server.
func (s *Server) SetConnectors(connectors []Connector) error {
	for _, c := range connectors {
		if err := s.checkOwner(c); err != nil {
			return err
		}
	}
	s.mu.Lock()
	old := s.connectors
	s.connectors = slices.Clone(connectors)
	s.mu.Unlock()
	return component.UpdateBeans(s, old, connectors)
}

func (s *Server) StopAtShutdown() bool {
	return s.stopAtShutdown.Load()
}

// SetStopAtShutdown registers the server with the ShutdownThread, or
// deregisters it, according to stop.
func (s *Server) SetStopAtShutdown(stop bool) {
	if stop {
		if !s.stopAtShutdown.Swap(true) && s.IsStarted() {
			s.shutdownThreadInstance().Register(s)
		}
		return
	}
	if s.stopAtShutdown.Swap(false) {
		s.shutdownThreadInstance().Deregister(s)
	}
}

func (s *Server) IsDryRun() bool {
	return s.dryRun.Load()
}

func (s *Server) SetDryRun(dryRun bool) {
	s.dryRun.Store(dryRun)
}

func (s *Server) shutdownThreadInstance() *thread.ShutdownThread {
	if s.shutdownThread != nil {
		return s.shutdownThread
	}
	return thread.DefaultShutdownThread()
}

func (s *Server) monitor() *ShutdownMonitor {
	if s.shutdownMonitor != nil {
		return s.shutdownMonitor
	}
	return DefaultShutdownMonitor()
}

// StartBean leaves connectors to DoStart, which starts them last.
func (s *Server) StartBean(ctx context.Context, lc component.LifeCycle) error {
	if _, ok := lc.(Connector); ok {
		return nil
	}
	return lc.Start(ctx)
}

// DoStart opens every network connector, so that a port already in use
// fails the start early, then starts the beans and finally the
// connectors. On failure the network connectors are closed again.
func (s *Server) DoStart(ctx context.Context) error {
	if s.StopAtShutdown() {
		s.shutdownThreadInstance().Register(s)
	}
	monitor := s.monitor()
	monitor.Register(s)
	if err := monitor.Start(); err != nil {
		s.Logger().Warn("Unable to start shutdown monitor", "error", err)
	}

	err := s.start(ctx)
	if err != nil {
		var closeErrs []error
		for _, c := range s.Connectors() {
			if nc, ok := c.(NetworkConnector); ok {
				closeErrs = append(closeErrs, nc.Close())
			}
		}
		return component.WithSuppressed(err, closeErrs...)
	}
	return nil
}

func (s *Server) start(ctx context.Context) error {
	var errs component.MultiError
	for _, c := range s.Connectors() {
		if nc, ok := c.(NetworkConnector); ok {
			errs.Add(nc.Open())
		}
	}
	if err := errs.Err(); err != nil {
		return err
	}

	if err := s.ContainerLifeCycle.DoStart(ctx); err != nil {
		return err
	}

	if s.IsDryRun() {
		s.Logger().Info("Started (dry run)", "server", s.String())
		return component.ErrStopRequested
	}

	connectors := s.Connectors()
	for _, c := range connectors {
		if err := c.Start(ctx); err != nil {
			errs.Add(err)
			for _, r := range connectors {
				if r.IsRunning() {
					errs.Add(r.Stop(ctx))
				}
			}
			break
		}
	}
	if err := errs.Err(); err != nil {
		return err
	}

	if s.statusLogSpec != "" {
		task, err := s.scheduler.ScheduleCron(s.statusLogSpec, s.logStatus)
		if err != nil {
			s.Logger().Warn("Unable to schedule status log", "spec", s.statusLogSpec, "error", err)
		} else {
			s.statusTask = task
		}
	}

	s.Logger().Info("Started", "server", s.String(), "uptime", strconv.FormatInt(component.Uptime(), 10)+"ms")
	return nil
}

// DoStop shuts the connectors down gracefully, waiting at most the stop
// timeout, then stops the connectors and every other bean.
func (s *Server) DoStop(ctx context.Context) error {
	s.Logger().Info("Stopping", "server", s.String())
	var errs component.MultiError

	if s.statusTask != nil {
		s.statusTask.Cancel()
		s.statusTask = nil
	}

	if timeout := s.StopTimeout(); timeout > 0 {
		done := component.ShutdownAll(s)
		wctx, cancel := context.WithTimeout(ctx, timeout)
		err := done.Wait(wctx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w after %s", ErrGracefulTimeout, timeout)
			}
			done.Cancel()
			errs.Add(err)
		}
	}

	connectors := s.Connectors()
	for i := len(connectors) - 1; i >= 0; i-- {
		errs.Add(connectors[i].Stop(ctx))
	}

	errs.Add(s.ContainerLifeCycle.DoStop(ctx))

	if s.StopAtShutdown() {
		s.shutdownThreadInstance().Deregister(s)
	}
	s.monitor().Deregister(s)

	s.Logger().Info("Stopped", "server", s.String())
	return errs.Err()
}

// Join blocks until the thread pool has stopped or ctx is done.
func (s *Server) Join(ctx context.Context) error {
	return s.threadPool.Join(ctx)
}

// URI returns the address of the first network connector, or nil.
func (s *Server) URI() *url.URL {
	for _, c := range s.Connectors() {
		nc, ok := c.(NetworkConnector)
		if !ok {
			continue
		}
		scheme := "http"
		if _, secure := FactoryOf[*SSLConnectionFactory](nc); secure {
			scheme = "https"
		}
		host := nc.Host()
		if host == "" {
			host = "localhost"
		}
		port := nc.LocalPort()
		if port <= 0 {
			port = nc.Port()
		}
		return &url.URL{Scheme: scheme, Host: fmt.Sprintf("%s:%d", host, port), Path: "/"}
	}
	return nil
}

func (s *Server) logStatus() {
	args := []any{"server", s.String(), "threads", s.threadPool.Threads(), "idle", s.threadPool.IdleThreads(),
		"lowOnThreads", s.threadPool.IsLowOnThreads()}
	for _, c := range s.Connectors() {
		args = append(args, fmt.Sprint(c), len(c.ConnectedEndPoints()))
	}
	s.Logger().Info("Status", args...)
}
