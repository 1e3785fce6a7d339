package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"sync"

	"github.com/GoCodeAlone/component"
)

// SSL is the protocol name of SSLConnectionFactory.
const SSL = "SSL"

const (
	tlsRecordHandshake = 0x16
	tlsMajorVersion    = 0x03
)

// Detection is the outcome of inspecting the first bytes of a connection.
type Detection int

const (
	Recognized Detection = iota
	NotRecognized
	NeedMoreBytes
)

func (d Detection) String() string {
	switch d {
	case Recognized:
		return "RECOGNIZED"
	case NotRecognized:
		return "NOT_RECOGNIZED"
	default:
		return "NEED_MORE_BYTES"
	}
}

// HandshakeListener beans of a connector are told the outcome of each TLS
// handshake made by its SSLConnectionFactory.
type HandshakeListener interface {
	HandshakeSucceeded(endPoint EndPoint, state tls.ConnectionState)
	HandshakeFailed(endPoint EndPoint, err error)
}

// SSLConnectionFactory terminates TLS on each endpoint and hands the
// decrypted stream to the factory of the next protocol. A protocol
// negotiated with ALPN takes precedence when the connector has a factory
// for it.
type SSLConnectionFactory struct {
	AbstractConnectionFactory

	config       *tls.Config
	nextProtocol string

	mu        sync.Mutex
	listeners []HandshakeListener
}

// NewSSLConnectionFactory returns a factory using config. An empty
// nextProtocol means HTTP/1.1.
func NewSSLConnectionFactory(config *tls.Config, nextProtocol string) *SSLConnectionFactory {
	if nextProtocol == "" {
		nextProtocol = HTTP11
	}
	f := &SSLConnectionFactory{config: config, nextProtocol: nextProtocol}
	f.initFactory(f, SSL)
	if config != nil {
		_, _ = f.AddBean(config)
	}
	return f
}

func (f *SSLConnectionFactory) TLSConfig() *tls.Config {
	return f.config
}

func (f *SSLConnectionFactory) NextProtocol() string {
	return f.nextProtocol
}

// DoStart refuses to start without a certificate source.
func (f *SSLConnectionFactory) DoStart(ctx context.Context) error {
	c := f.config
	if c == nil || (len(c.Certificates) == 0 && c.GetCertificate == nil && c.GetConfigForClient == nil) {
		return fmt.Errorf("%w: no certificate configured for %s", ErrNotTLS, f)
	}
	return f.AbstractConnectionFactory.DoStart(ctx)
}

// Configure collects the handshake listeners of connector.
func (f *SSLConnectionFactory) Configure(connector Connector) {
	listeners := component.BeansOf[HandshakeListener](connector)
	f.mu.Lock()
	f.listeners = listeners
	f.mu.Unlock()
}

func (f *SSLConnectionFactory) handshakeListeners() []HandshakeListener {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listeners
}

// Detect reports whether buf starts with a TLS handshake record.
func (f *SSLConnectionFactory) Detect(buf []byte) Detection {
	if len(buf) < 2 {
		return NeedMoreBytes
	}
	if buf[0] == tlsRecordHandshake && buf[1] == tlsMajorVersion {
		return Recognized
	}
	return NotRecognized
}

func (f *SSLConnectionFactory) NewConnection(connector Connector, endPoint EndPoint) (Connection, error) {
	return &sslConnection{factory: f, connector: connector, endPoint: endPoint}, nil
}

type sslConnection struct {
	factory   *SSLConnectionFactory
	connector Connector
	endPoint  EndPoint
}

func (c *sslConnection) EndPoint() EndPoint {
	return c.endPoint
}

func (c *sslConnection) fail(err error) {
	for _, l := range c.factory.handshakeListeners() {
		l.HandshakeFailed(c.endPoint, err)
	}
	_ = c.endPoint.Close()
}

// Serve checks the record header, completes the handshake and serves the
// next protocol over the TLS stream.
func (c *sslConnection) Serve(ctx context.Context) {
	pool := c.connector.ByteBufferPool()
	buf := pool.Acquire(2)
	n, err := io.ReadFull(c.endPoint, buf)
	head := append([]byte(nil), buf[:n]...)
	pool.Release(buf)
	if err != nil {
		c.fail(err)
		return
	}
	if d := c.factory.Detect(head); d != Recognized {
		c.fail(fmt.Errorf("%w: %s", ErrNotTLS, d))
		return
	}

	conn := tls.Server(&prefixEndPoint{EndPoint: c.endPoint, prefix: head}, c.factory.config)
	if err := conn.HandshakeContext(ctx); err != nil {
		c.fail(err)
		return
	}
	state := conn.ConnectionState()
	for _, l := range c.factory.handshakeListeners() {
		l.HandshakeSucceeded(c.endPoint, state)
	}

	next := c.connector.ConnectionFactory(c.factory.nextProtocol)
	if state.NegotiatedProtocol != "" {
		if alpn := c.connector.ConnectionFactory(state.NegotiatedProtocol); alpn != nil {
			next = alpn
		}
	}
	if next == nil {
		c.fail(fmt.Errorf("%w for SSL next protocol: '%s'", ErrNoProtocolFactory, c.factory.nextProtocol))
		return
	}

	ep := &tlsEndPoint{EndPoint: c.endPoint, conn: conn}
	nextConn, err := next.NewConnection(c.connector, ep)
	if err != nil {
		c.fail(err)
		return
	}
	ep.SetConnection(nextConn)
	nextConn.Serve(ctx)
}

// tlsEndPoint is an endpoint whose reads and writes go through TLS.
type tlsEndPoint struct {
	EndPoint
	conn *tls.Conn
}

func (e *tlsEndPoint) Read(b []byte) (int, error) {
	return e.conn.Read(b)
}

func (e *tlsEndPoint) Write(b []byte) (int, error) {
	return e.conn.Write(b)
}

func (e *tlsEndPoint) Close() error {
	_ = e.conn.Close()
	return e.EndPoint.Close()
}

// ConnectionState exposes the negotiated TLS parameters.
func (e *tlsEndPoint) ConnectionState() tls.ConnectionState {
	return e.conn.ConnectionState()
}
