package server

import (
	"context"
	"net"
	"net/http"
	"time"
)

// HTTP11 is the protocol name of HTTPConnectionFactory.
const HTTP11 = "HTTP/1.1"

// ServerVersion is sent in the Server response header when enabled.
const ServerVersion = "component"

// HTTPConfiguration holds the settings shared by HTTP connections.
type HTTPConfiguration struct {
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	MaxHeaderBytes    int
	SendServerVersion bool
}

// NewHTTPConfiguration returns the default configuration.
func NewHTTPConfiguration() *HTTPConfiguration {
	return &HTTPConfiguration{
		MaxHeaderBytes:    8192,
		SendServerVersion: true,
	}
}

// HTTPConnectionFactory serves HTTP/1.1 on each endpoint with the
// http.Handler of the connector's server.
type HTTPConnectionFactory struct {
	AbstractConnectionFactory

	config *HTTPConfiguration
}

// NewHTTPConnectionFactory returns a factory using config, or the default
// configuration when nil.
func NewHTTPConnectionFactory(config *HTTPConfiguration) *HTTPConnectionFactory {
	if config == nil {
		config = NewHTTPConfiguration()
	}
	f := &HTTPConnectionFactory{config: config}
	f.initFactory(f, HTTP11)
	_, _ = f.AddBean(config)
	return f
}

func (f *HTTPConnectionFactory) HTTPConfiguration() *HTTPConfiguration {
	return f.config
}

func (f *HTTPConnectionFactory) NewConnection(connector Connector, endPoint EndPoint) (Connection, error) {
	return &httpConnection{factory: f, connector: connector, endPoint: endPoint}, nil
}

type httpConnection struct {
	factory   *HTTPConnectionFactory
	connector Connector
	endPoint  EndPoint
}

func (c *httpConnection) EndPoint() EndPoint {
	return c.endPoint
}

func (c *httpConnection) handler() http.Handler {
	var h http.Handler = http.NotFoundHandler()
	if s := c.connector.Server(); s != nil && s.Handler() != nil {
		h = s.Handler()
	}
	if !c.factory.config.SendServerVersion {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", ServerVersion)
		h.ServeHTTP(w, r)
	})
}

// Serve runs an http.Server over the endpoint until the endpoint closes.
// Cancelling ctx closes the endpoint.
func (c *httpConnection) Serve(ctx context.Context) {
	cfg := c.factory.config
	srv := &http.Server{
		Handler:           c.handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		IdleTimeout:       c.connector.IdleTimeout(),
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	stop := context.AfterFunc(ctx, func() { _ = c.endPoint.Close() })
	defer stop()

	_ = srv.Serve(newEndPointListener(c.endPoint))
}
