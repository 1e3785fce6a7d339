package server

import (
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/GoCodeAlone/component"
)

// DefaultInputBufferSize is the read buffer size of new connections.
const DefaultInputBufferSize = 8192

// AbstractConnectionFactory holds the protocol names and buffer sizing
// shared by the connection factories. Factories are beans of their
// connector and follow its lifecycle.
type AbstractConnectionFactory struct {
	component.ContainerLifeCycle

	protocol        string
	protocols       []string
	inputBufferSize atomic.Int32
}

func (f *AbstractConnectionFactory) initFactory(self component.LifeCycle, protocol string, alternates ...string) {
	f.Init(self)
	f.protocol = protocol
	f.protocols = append([]string{protocol}, alternates...)
	f.inputBufferSize.Store(DefaultInputBufferSize)
}

func (f *AbstractConnectionFactory) Protocol() string {
	return f.protocol
}

func (f *AbstractConnectionFactory) Protocols() []string {
	return slices.Clone(f.protocols)
}

func (f *AbstractConnectionFactory) InputBufferSize() int {
	return int(f.inputBufferSize.Load())
}

func (f *AbstractConnectionFactory) SetInputBufferSize(size int) {
	f.inputBufferSize.Store(int32(size))
}

func (f *AbstractConnectionFactory) String() string {
	return fmt.Sprintf("%s%v", component.ObjectName(f.Self()), f.protocols)
}

// endPointListener is a net.Listener over a single endpoint, letting a
// net/http or similar server handle one accepted connection. The second
// Accept blocks until the endpoint or the listener closes.
type endPointListener struct {
	endPoint EndPoint
	accepted atomic.Bool
	closed   chan struct{}
	once     sync.Once
}

func newEndPointListener(ep EndPoint) *endPointListener {
	l := &endPointListener{endPoint: ep, closed: make(chan struct{})}
	ep.OnClose(l.close)
	return l
}

func (l *endPointListener) close() {
	l.once.Do(func() { close(l.closed) })
}

func (l *endPointListener) Accept() (net.Conn, error) {
	if l.accepted.CompareAndSwap(false, true) {
		return l.endPoint, nil
	}
	<-l.closed
	return nil, net.ErrClosed
}

func (l *endPointListener) Close() error {
	l.close()
	return nil
}

func (l *endPointListener) Addr() net.Addr {
	return l.endPoint.LocalAddr()
}

// prefixEndPoint replays bytes already read from the endpoint before
// reading from it again.
type prefixEndPoint struct {
	EndPoint
	prefix []byte
}

func (e *prefixEndPoint) Read(b []byte) (int, error) {
	if len(e.prefix) > 0 {
		n := copy(b, e.prefix)
		e.prefix = e.prefix[n:]
		return n, nil
	}
	return e.EndPoint.Read(b)
}
