package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSignedConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
}

type recordingHandshakes struct {
	mu        sync.Mutex
	succeeded int
	failed    []error
}

func (r *recordingHandshakes) HandshakeSucceeded(EndPoint, tls.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.succeeded++
}

func (r *recordingHandshakes) HandshakeFailed(_ EndPoint, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, err)
}

func (r *recordingHandshakes) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.succeeded, len(r.failed)
}

func (r *recordingHandshakes) firstFailure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.failed) == 0 {
		return nil
	}
	return r.failed[0]
}

func TestSSLConnectionFactory(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, WithHandler(helloHandler()))
	c := NewServerConnector(s, WithHost("127.0.0.1"), WithConnectionFactories(
		NewSSLConnectionFactory(selfSignedConfig(t), ""),
		NewHTTPConnectionFactory(nil),
	))
	handshakes := &recordingHandshakes{}
	_, err := c.AddBean(handshakes)
	require.NoError(t, err)
	require.NoError(t, s.AddConnector(c))
	require.NoError(t, s.Start(ctx))

	uri := s.URI()
	require.NotNil(t, uri)
	assert.Equal(t, "https", uri.Scheme)

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig:   &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // self-signed test certificate
		DisableKeepAlives: true,
	}}
	resp, err := client.Get(uri.String() + "hello")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, "hello world", string(body))
	require.Eventually(t, func() bool { ok, _ := handshakes.counts(); return ok == 1 }, 5*time.Second, 10*time.Millisecond)

	conn, err := net.Dial("tcp", localAddr(c))
	require.NoError(t, err)
	defer conn.Close()
	_, err = io.WriteString(conn, "GET / HTTP/1.1\r\nHost: plain\r\n\r\n")
	require.NoError(t, err)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err, "plain text should be refused")
	require.Eventually(t, func() bool { _, failed := handshakes.counts(); return failed == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, handshakes.firstFailure(), ErrNotTLS)
}

func TestSSLConnectionFactoryDetect(t *testing.T) {
	f := NewSSLConnectionFactory(nil, "")
	assert.Equal(t, HTTP11, f.NextProtocol())
	assert.Equal(t, []string{SSL}, f.Protocols())

	tests := []struct {
		name string
		buf  []byte
		want Detection
	}{
		{name: "empty", buf: nil, want: NeedMoreBytes},
		{name: "one byte", buf: []byte{0x16}, want: NeedMoreBytes},
		{name: "handshake", buf: []byte{0x16, 0x03, 0x01}, want: Recognized},
		{name: "plain text", buf: []byte("GET"), want: NotRecognized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Detect(tt.buf))
		})
	}
}

func TestSSLConnectionFactoryRequiresCertificate(t *testing.T) {
	f := NewSSLConnectionFactory(&tls.Config{MinVersion: tls.VersionTLS12}, "")
	require.ErrorIs(t, f.Start(context.Background()), ErrNotTLS)
}
