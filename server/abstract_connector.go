package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/component"
	"github.com/GoCodeAlone/component/thread"
)

const (
	// DefaultIdleTimeout is the idle timeout of accepted endpoints.
	DefaultIdleTimeout = 30 * time.Second
	// DefaultShutdownIdleTimeout replaces the idle timeout of the endpoints
	// still open when a graceful shutdown begins.
	DefaultShutdownIdleTimeout = time.Second

	acceptFailureBackoff = time.Second
)

// ConnectorOption configures a connector at construction.
type ConnectorOption func(*connectorOptions)

type connectorOptions struct {
	executor   thread.Executor
	scheduler  thread.Scheduler
	bufferPool *ByteBufferPool
	acceptors  int
	factories  []ConnectionFactory
	name       string
	host       string
	port       int
	listener   net.Listener
	logger     component.Logger
}

func newConnectorOptions(opts []ConnectorOption) *connectorOptions {
	o := &connectorOptions{acceptors: -1}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithExecutor runs acceptors and connections on executor instead of the
// server thread pool. The connector manages its lifecycle.
func WithExecutor(executor thread.Executor) ConnectorOption {
	return func(o *connectorOptions) { o.executor = executor }
}

// WithScheduler sets the scheduler used for idle timeouts.
func WithScheduler(scheduler thread.Scheduler) ConnectorOption {
	return func(o *connectorOptions) { o.scheduler = scheduler }
}

// WithByteBufferPool gives the connector its own buffer pool instead of the
// one shared on the server.
func WithByteBufferPool(pool *ByteBufferPool) ConnectorOption {
	return func(o *connectorOptions) { o.bufferPool = pool }
}

// WithAcceptors sets the number of acceptors. Negative picks a default from
// the available processors.
func WithAcceptors(acceptors int) ConnectorOption {
	return func(o *connectorOptions) { o.acceptors = acceptors }
}

// WithConnectionFactories registers factories in order. The first one
// provides the default protocol.
func WithConnectionFactories(factories ...ConnectionFactory) ConnectorOption {
	return func(o *connectorOptions) { o.factories = append(o.factories, factories...) }
}

// WithConnectorName names the connector.
func WithConnectorName(name string) ConnectorOption {
	return func(o *connectorOptions) { o.name = name }
}

// WithHost sets the host a network connector binds to.
func WithHost(host string) ConnectorOption {
	return func(o *connectorOptions) { o.host = host }
}

// WithPort sets the port a network connector binds to. Zero picks an
// ephemeral port.
func WithPort(port int) ConnectorOption {
	return func(o *connectorOptions) { o.port = port }
}

// WithListener makes a ServerConnector adopt an already bound listener.
func WithListener(l net.Listener) ConnectorOption {
	return func(o *connectorOptions) { o.listener = l }
}

// WithConnectorLogger sets the connector logger. The server logger is used
// otherwise.
func WithConnectorLogger(logger component.Logger) ConnectorOption {
	return func(o *connectorOptions) { o.logger = logger }
}

// AbstractConnector implements the parts of Connector shared by every
// transport: the connection factory registry, the acceptors and the
// accounting of connected endpoints that graceful shutdown waits on.
//
// Embedders call initConnector from their constructor and implement
// Accepter. Acceptors run as jobs on the executor; each one loops calling
// Accept until the connector stops or shuts down.
type AbstractConnector struct {
	component.ContainerLifeCycle

	server     *Server
	executor   thread.Executor
	scheduler  thread.Scheduler
	bufferPool *ByteBufferPool
	name       string

	lock            component.Lock
	factories       map[string]ConnectionFactory
	protocols       []string
	defaultProtocol string
	defaultFactory  ConnectionFactory
	acceptors       []*acceptor
	accepting       bool
	endPoints       map[EndPoint]struct{}

	shutdown            atomic.Pointer[component.ShutdownHandle]
	lease               thread.Lease
	idleTimeout         atomic.Int64
	shutdownIdleTimeout atomic.Int64
}

func (c *AbstractConnector) initConnector(self Connector, server *Server, o *connectorOptions) {
	c.Init(self)
	c.server = server
	c.name = o.name
	c.factories = make(map[string]ConnectionFactory)
	c.endPoints = make(map[EndPoint]struct{})
	c.accepting = true
	c.idleTimeout.Store(int64(DefaultIdleTimeout))
	c.shutdownIdleTimeout.Store(int64(DefaultShutdownIdleTimeout))

	switch {
	case o.logger != nil:
		c.SetLogger(o.logger)
	case server != nil:
		c.SetLogger(server.Logger())
	}

	c.executor = o.executor
	if c.executor != nil {
		_, _ = c.AddBean(c.executor)
	} else if server != nil {
		c.executor = server.ThreadPool()
		_, _ = c.AddBeanManaged(c.executor, false)
	}

	c.scheduler = o.scheduler
	if c.scheduler == nil && server != nil {
		c.scheduler, _ = component.BeanOf[thread.Scheduler](server)
	}
	if c.scheduler == nil {
		c.scheduler = thread.NewTimerScheduler(fmt.Sprintf("Connector-Scheduler-%x", objectID(self)))
	}
	_, _ = c.AddBean(c.scheduler)

	if o.bufferPool != nil {
		c.bufferPool = o.bufferPool
		_, _ = c.AddBeanManaged(c.bufferPool, true)
	} else {
		if server != nil {
			c.bufferPool = server.sharedByteBufferPool()
		} else {
			c.bufferPool = NewByteBufferPool(nil)
		}
		_, _ = c.AddBeanManaged(c.bufferPool, false)
	}

	for _, f := range o.factories {
		_ = c.AddConnectionFactory(f)
	}

	cores := component.AvailableProcessors()
	acceptors := o.acceptors
	if acceptors < 0 {
		acceptors = max(1, cores/8)
	}
	if acceptors > cores {
		c.Logger().Warn("Acceptors should be <= available processors", "acceptors", acceptors, "processors", cores)
	}
	c.acceptors = make([]*acceptor, acceptors)
}

func (c *AbstractConnector) connector() Connector {
	return c.Self().(Connector)
}

func (c *AbstractConnector) Server() *Server {
	return c.server
}

func (c *AbstractConnector) Executor() thread.Executor {
	return c.executor
}

func (c *AbstractConnector) Scheduler() thread.Scheduler {
	return c.scheduler
}

func (c *AbstractConnector) ByteBufferPool() *ByteBufferPool {
	return c.bufferPool
}

func (c *AbstractConnector) ConnectionFactory(protocol string) ConnectionFactory {
	defer c.lock.Lock()()
	return c.factories[strings.ToLower(protocol)]
}

func (c *AbstractConnector) checkNotRunning() error {
	if c.IsRunning() {
		return fmt.Errorf("%w: %s", component.ErrIllegalState, c.State())
	}
	return nil
}

// AddConnectionFactory registers factory under each of its protocols,
// replacing the factories previously registered under them. The first
// factory added provides the default protocol.
func (c *AbstractConnector) AddConnectionFactory(factory ConnectionFactory) error {
	if err := c.checkNotRunning(); err != nil {
		return err
	}

	unlock := c.lock.Lock()
	var replaced []ConnectionFactory
	for _, protocol := range factory.Protocols() {
		key := strings.ToLower(protocol)
		if old, ok := c.factories[key]; ok {
			if strings.EqualFold(old.Protocol(), c.defaultProtocol) {
				c.defaultProtocol = ""
			}
			replaced = append(replaced, old)
			c.removeProtocolLocked(key)
		}
		c.factories[key] = factory
		c.protocols = append(c.protocols, key)
	}
	var stale []ConnectionFactory
	for _, old := range replaced {
		if !c.registeredLocked(old) && !slices.Contains(stale, old) {
			stale = append(stale, old)
		}
	}
	if c.defaultProtocol == "" {
		c.defaultProtocol = factory.Protocol()
	}
	unlock()

	for _, old := range stale {
		_, _ = c.RemoveBean(old)
		c.Logger().Debug("Removed connection factory", "connector", c.describe(), "factory", fmt.Sprint(old))
	}
	_, _ = c.AddBean(factory)
	c.Logger().Debug("Added connection factory", "connector", c.describe(), "factory", fmt.Sprint(factory))
	return nil
}

func (c *AbstractConnector) removeProtocolLocked(key string) {
	delete(c.factories, key)
	if i := slices.Index(c.protocols, key); i >= 0 {
		c.protocols = slices.Delete(c.protocols, i, i+1)
	}
}

func (c *AbstractConnector) registeredLocked(factory ConnectionFactory) bool {
	for _, f := range c.factories {
		if f == factory {
			return true
		}
	}
	return false
}

// AddFirstConnectionFactory registers factory ahead of the existing ones,
// making its protocol the default.
func (c *AbstractConnector) AddFirstConnectionFactory(factory ConnectionFactory) error {
	if err := c.checkNotRunning(); err != nil {
		return err
	}
	existing := c.ConnectionFactories()
	if err := c.ClearConnectionFactories(); err != nil {
		return err
	}
	if err := c.AddConnectionFactory(factory); err != nil {
		return err
	}
	for _, f := range existing {
		if err := c.AddConnectionFactory(f); err != nil {
			return err
		}
	}
	return nil
}

// AddIfAbsentConnectionFactory registers factory unless its protocol is
// already taken.
func (c *AbstractConnector) AddIfAbsentConnectionFactory(factory ConnectionFactory) error {
	if err := c.checkNotRunning(); err != nil {
		return err
	}
	if c.ConnectionFactory(factory.Protocol()) != nil {
		return nil
	}
	return c.AddConnectionFactory(factory)
}

// ClearConnectionFactories forgets every registered factory.
func (c *AbstractConnector) ClearConnectionFactories() error {
	if err := c.checkNotRunning(); err != nil {
		return err
	}
	defer c.lock.Lock()()
	clear(c.factories)
	c.protocols = nil
	c.defaultProtocol = ""
	return nil
}

// RemoveConnectionFactory unregisters and returns the factory of protocol.
func (c *AbstractConnector) RemoveConnectionFactory(protocol string) (ConnectionFactory, error) {
	if err := c.checkNotRunning(); err != nil {
		return nil, err
	}

	unlock := c.lock.Lock()
	key := strings.ToLower(protocol)
	factory := c.factories[key]
	c.removeProtocolLocked(key)
	if len(c.factories) == 0 {
		c.defaultProtocol = ""
	}
	unlock()

	if factory != nil {
		_, _ = c.RemoveBean(factory)
	}
	return factory, nil
}

// SetConnectionFactories replaces every registered factory.
func (c *AbstractConnector) SetConnectionFactories(factories []ConnectionFactory) error {
	if err := c.checkNotRunning(); err != nil {
		return err
	}
	for _, protocol := range c.Protocols() {
		if _, err := c.RemoveConnectionFactory(protocol); err != nil {
			return err
		}
	}
	for _, f := range factories {
		if f == nil {
			continue
		}
		if err := c.AddConnectionFactory(f); err != nil {
			return err
		}
	}
	return nil
}

func (c *AbstractConnector) DefaultConnectionFactory() ConnectionFactory {
	if c.IsStarted() {
		defer c.lock.Lock()()
		return c.defaultFactory
	}
	return c.ConnectionFactory(c.DefaultProtocol())
}

// ConnectionFactories returns the distinct registered factories in
// registration order.
func (c *AbstractConnector) ConnectionFactories() []ConnectionFactory {
	defer c.lock.Lock()()
	var out []ConnectionFactory
	for _, key := range c.protocols {
		f := c.factories[key]
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

func (c *AbstractConnector) Protocols() []string {
	defer c.lock.Lock()()
	return slices.Clone(c.protocols)
}

func (c *AbstractConnector) DefaultProtocol() string {
	defer c.lock.Lock()()
	return c.defaultProtocol
}

// SetDefaultProtocol selects the protocol of accepted connections. While
// running the default factory is resolved at once.
func (c *AbstractConnector) SetDefaultProtocol(protocol string) {
	key := strings.ToLower(protocol)
	defer c.lock.Lock()()
	c.defaultProtocol = key
	if c.IsRunning() {
		c.defaultFactory = c.factories[key]
	}
}

func (c *AbstractConnector) IdleTimeout() time.Duration {
	return time.Duration(c.idleTimeout.Load())
}

// SetIdleTimeout sets the idle timeout of new endpoints. A zero timeout
// also disables the shutdown idle timeout, and a timeout shorter than the
// shutdown idle timeout lowers it to at most one second.
func (c *AbstractConnector) SetIdleTimeout(d time.Duration) {
	c.idleTimeout.Store(int64(d))
	if d == 0 {
		c.shutdownIdleTimeout.Store(0)
	} else if d < c.ShutdownIdleTimeout() {
		c.shutdownIdleTimeout.Store(int64(min(time.Second, d)))
	}
}

func (c *AbstractConnector) ShutdownIdleTimeout() time.Duration {
	return time.Duration(c.shutdownIdleTimeout.Load())
}

func (c *AbstractConnector) SetShutdownIdleTimeout(d time.Duration) {
	c.shutdownIdleTimeout.Store(int64(d))
}

func (c *AbstractConnector) Name() string {
	return c.name
}

func (c *AbstractConnector) SetName(name string) {
	c.name = name
}

// Acceptors returns the number of acceptor slots.
func (c *AbstractConnector) Acceptors() int {
	defer c.lock.Lock()()
	return len(c.acceptors)
}

// Transport returns nil; transports override it.
func (c *AbstractConnector) Transport() any {
	return nil
}

func (c *AbstractConnector) ConnectedEndPoints() []EndPoint {
	defer c.lock.Lock()()
	out := make([]EndPoint, 0, len(c.endPoints))
	for ep := range c.endPoints {
		out = append(out, ep)
	}
	return out
}

func (c *AbstractConnector) onEndPointOpened(ep EndPoint) {
	defer c.lock.Lock()()
	c.endPoints[ep] = struct{}{}
}

func (c *AbstractConnector) onEndPointClosed(ep EndPoint) {
	unlock := c.lock.Lock()
	delete(c.endPoints, ep)
	unlock()

	if h := c.shutdown.Load(); h != nil {
		h.Check()
	}
}

// Accepted tracks endPoint until it closes, creates its connection with the
// default factory and serves it on the executor.
func (c *AbstractConnector) Accepted(endPoint EndPoint) error {
	c.onEndPointOpened(endPoint)
	endPoint.OnClose(func() { c.onEndPointClosed(endPoint) })

	factory := c.DefaultConnectionFactory()
	if factory == nil {
		_ = endPoint.Close()
		return fmt.Errorf("%w for default protocol '%s' in %s", ErrNoProtocolFactory, c.DefaultProtocol(), c.describe())
	}
	conn, err := factory.NewConnection(c.connector(), endPoint)
	if err != nil {
		_ = endPoint.Close()
		return err
	}
	endPoint.SetConnection(conn)

	if err := c.executor.Execute(&serveJob{conn: conn, endPoint: endPoint}); err != nil {
		_ = endPoint.Close()
		return err
	}
	return nil
}

// serveJob serves one connection. A pool that stops before running it
// closes the endpoint instead.
type serveJob struct {
	conn     Connection
	endPoint EndPoint
}

func (j *serveJob) Run(ctx context.Context) {
	defer j.endPoint.Close()
	j.conn.Serve(ctx)
}

func (j *serveJob) Close() error {
	return j.endPoint.Close()
}

func (c *AbstractConnector) isShutdownDone() bool {
	defer c.lock.Lock()()
	if len(c.endPoints) > 0 {
		return false
	}
	for _, a := range c.acceptors {
		if a != nil {
			return false
		}
	}
	return true
}

// DoStart validates the protocol configuration, leases one thread per
// acceptor, starts the beans and spawns the acceptors.
func (c *AbstractConnector) DoStart(ctx context.Context) error {
	self := c.connector()
	for _, f := range c.ConnectionFactories() {
		if cf, ok := f.(Configuring); ok {
			cf.Configure(self)
		}
	}

	handle := component.NewShutdownHandle(self, c.isShutdownDone)
	c.shutdown.Store(handle)

	defaultProtocol := c.DefaultProtocol()
	if defaultProtocol == "" {
		return fmt.Errorf("%w for %s", ErrNoDefaultProtocol, c.describe())
	}
	defaultFactory := c.ConnectionFactory(defaultProtocol)
	if defaultFactory == nil {
		return fmt.Errorf("%w for default protocol '%s' in %s", ErrNoProtocolFactory, defaultProtocol, c.describe())
	}
	unlock := c.lock.Lock()
	c.defaultFactory = defaultFactory
	unlock()

	if ssl, ok := FactoryOf[*SSLConnectionFactory](self); ok {
		next := ssl.NextProtocol()
		if c.ConnectionFactory(next) == nil {
			return fmt.Errorf("%w for SSL next protocol: '%s' in %s", ErrNoProtocolFactory, next, c.describe())
		}
	}

	accepter, ok := self.(Accepter)
	if !ok && c.Acceptors() > 0 {
		return fmt.Errorf("%w: %s", ErrNotAccepter, c.describe())
	}

	if c.executor == nil {
		return fmt.Errorf("%w: no executor for %s", component.ErrIllegalState, c.describe())
	}

	lease, err := thread.LeaseFrom(c.executor, self, c.Acceptors())
	if err != nil {
		return err
	}
	c.lease = lease

	if err := c.ContainerLifeCycle.DoStart(ctx); err != nil {
		_ = lease.Close()
		c.lease = nil
		return err
	}

	for i := range c.Acceptors() {
		a := c.newAcceptor(i, accepter, handle)
		if err := c.executor.Execute(a); err != nil {
			a.exit()
			return fmt.Errorf("cannot start acceptor %d of %s: %w", i, c.describe(), err)
		}
	}

	c.Logger().Info("Started", "connector", c.describe())
	return nil
}

// DoStop releases the thread lease, interrupts the acceptors and stops the
// beans.
func (c *AbstractConnector) DoStop(ctx context.Context) error {
	if c.lease != nil {
		_ = c.lease.Close()
		c.lease = nil
	}
	c.interruptAcceptors()

	err := c.ContainerLifeCycle.DoStop(ctx)
	c.shutdown.Store(nil)

	c.Logger().Info("Stopped", "connector", c.describe())
	return err
}

// Shutdown stops accepting, shortens the idle timeout of the connected
// endpoints and returns a signal completing once every endpoint has closed
// and every acceptor has exited.
func (c *AbstractConnector) Shutdown() *component.Completion {
	h := c.shutdown.Load()
	if h == nil {
		return component.Completed()
	}
	done := h.Shutdown()
	done.OnCancel(c.interruptAcceptors)
	c.interruptAcceptors()

	timeout := c.ShutdownIdleTimeout()
	for _, ep := range c.ConnectedEndPoints() {
		ep.SetIdleTimeout(timeout)
	}
	return done
}

func (c *AbstractConnector) IsShutdown() bool {
	h := c.shutdown.Load()
	return h == nil || h.IsShutdown()
}

func (c *AbstractConnector) interruptAcceptors() {
	defer c.lock.Lock()()
	for _, a := range c.acceptors {
		if a != nil {
			a.cancel()
		}
	}
}

// Join blocks until every acceptor has exited or ctx is done.
func (c *AbstractConnector) Join(ctx context.Context) error {
	unlock := c.lock.Lock()
	defer unlock()
	for slices.ContainsFunc(c.acceptors, func(a *acceptor) bool { return a != nil }) {
		if err := c.lock.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *AbstractConnector) IsAccepting() bool {
	defer c.lock.Lock()()
	return c.accepting
}

// SetAccepting pauses or resumes the acceptors.
func (c *AbstractConnector) SetAccepting(accepting bool) {
	defer c.lock.Lock()()
	c.accepting = accepting
	c.lock.SignalAll()
}

// HandleAcceptFailure reports whether the acceptor that got err should
// keep accepting. Unexpected failures are logged and followed by a pause.
func (c *AbstractConnector) HandleAcceptFailure(ctx context.Context, err error) bool {
	if !c.IsRunning() {
		c.Logger().Debug("Ignored accept failure", "connector", c.describe(), "error", err)
		return false
	}
	if errors.Is(err, context.Canceled) {
		c.Logger().Debug("Accept interrupted", "connector", c.describe(), "error", err)
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		c.Logger().Debug("Accept closed", "connector", c.describe(), "error", err)
		return false
	}

	c.Logger().Warn("Accept Failure", "connector", c.describe(), "error", err)
	timer := time.NewTimer(acceptFailureBackoff)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *AbstractConnector) describe() string {
	return fmt.Sprint(c.Self())
}

func (c *AbstractConnector) String() string {
	self := c.Self()
	id := component.ObjectName(self)
	if c.name != "" {
		id = fmt.Sprintf("%s@%x", c.name, objectID(self))
	}
	return fmt.Sprintf("%s{%s, (%s)}", id, c.DefaultProtocol(), strings.Join(c.Protocols(), ", "))
}

// acceptor is the job run by one acceptor slot. Its slot is filled when
// the job is handed to the executor and cleared when the job ends.
type acceptor struct {
	id        int
	connector *AbstractConnector
	accepter  Accepter
	handle    *component.ShutdownHandle

	ctx      context.Context
	cancel   context.CancelFunc
	exitOnce sync.Once
}

func (c *AbstractConnector) newAcceptor(id int, accepter Accepter, handle *component.ShutdownHandle) *acceptor {
	ctx, cancel := context.WithCancel(context.Background())
	a := &acceptor{id: id, connector: c, accepter: accepter, handle: handle, ctx: ctx, cancel: cancel}
	unlock := c.lock.Lock()
	c.acceptors[id] = a
	unlock()
	return a
}

func (a *acceptor) Run(jobCtx context.Context) {
	stop := context.AfterFunc(jobCtx, a.cancel)
	defer stop()
	defer a.exit()

	c := a.connector
	var failures AcceptFailureHandler = c
	if h, ok := c.Self().(AcceptFailureHandler); ok {
		failures = h
	}

	for c.IsRunning() && !a.handle.IsShutdown() && a.ctx.Err() == nil {
		unlock := c.lock.Lock()
		if !c.accepting && c.IsRunning() {
			_ = c.lock.Wait(a.ctx)
			unlock()
			continue
		}
		unlock()

		if err := a.accepter.Accept(a.ctx, a.id); err != nil {
			if !failures.HandleAcceptFailure(a.ctx, err) {
				break
			}
		}
	}
}

// Close releases the slot of an acceptor that never ran.
func (a *acceptor) Close() error {
	a.exit()
	return nil
}

func (a *acceptor) exit() {
	a.exitOnce.Do(func() {
		c := a.connector
		a.cancel()
		unlock := c.lock.Lock()
		if c.acceptors[a.id] == a {
			c.acceptors[a.id] = nil
		}
		c.lock.SignalAll()
		unlock()

		if h := c.shutdown.Load(); h != nil {
			h.Check()
		}
	})
}

func (a *acceptor) String() string {
	return fmt.Sprintf("acceptor-%d@%x", a.id, objectID(a))
}

func objectID(o any) uintptr {
	return reflect.ValueOf(o).Pointer()
}
