package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/component"
)

// Status is a snapshot of a running server.
type Status struct {
	State      string            `json:"state"`
	Uptime     int64             `json:"uptime_ms"`
	ThreadPool ThreadPoolStatus  `json:"thread_pool"`
	Connectors []ConnectorStatus `json:"connectors"`
}

// ThreadPoolStatus reports the thread pool of a server.
type ThreadPoolStatus struct {
	Threads      int  `json:"threads"`
	IdleThreads  int  `json:"idle_threads"`
	LowOnThreads bool `json:"low_on_threads"`
}

// ConnectorStatus reports one connector.
type ConnectorStatus struct {
	Name            string        `json:"name"`
	Protocols       []string      `json:"protocols"`
	DefaultProtocol string        `json:"default_protocol"`
	Port            int           `json:"port,omitempty"`
	EndPoints       int           `json:"endpoints"`
	IdleTimeout     time.Duration `json:"idle_timeout_ns"`
	Running         bool          `json:"running"`
	Shutdown        bool          `json:"shutdown"`
}

// Status returns a snapshot of the server and its connectors.
func (s *Server) Status() Status {
	st := Status{
		State:  s.State().String(),
		Uptime: component.Uptime(),
		ThreadPool: ThreadPoolStatus{
			Threads:      s.threadPool.Threads(),
			IdleThreads:  s.threadPool.IdleThreads(),
			LowOnThreads: s.threadPool.IsLowOnThreads(),
		},
	}
	for _, c := range s.Connectors() {
		cs := ConnectorStatus{
			Name:        c.Name(),
			Protocols:   c.Protocols(),
			EndPoints:   len(c.ConnectedEndPoints()),
			IdleTimeout: c.IdleTimeout(),
			Running:     c.IsRunning(),
			Shutdown:    c.IsShutdown(),
		}
		if f := c.DefaultConnectionFactory(); f != nil {
			cs.DefaultProtocol = f.Protocol()
		}
		if cs.Name == "" {
			cs.Name = component.ObjectName(c)
		}
		if nc, ok := c.(NetworkConnector); ok {
			cs.Port = nc.LocalPort()
		}
		st.Connectors = append(st.Connectors, cs)
	}
	return st
}

// NewStatusRouter returns a router serving the server status as JSON on
// /status and, when gatherer is not nil, Prometheus metrics on /metrics.
func NewStatusRouter(s *Server, gatherer prometheus.Gatherer) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		status := s.Status()
		code := http.StatusOK
		if status.State != component.StateStarted.String() {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(status); err != nil {
			s.Logger().Debug("Unable to write status", "error", err)
		}
	})

	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	return r
}
