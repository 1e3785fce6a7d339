package server

import (
	"context"
	"fmt"
	"time"

	"github.com/GoCodeAlone/component"
	"github.com/GoCodeAlone/component/config"
	"github.com/GoCodeAlone/component/feeders"
	"github.com/GoCodeAlone/component/thread"
)

// ConfigSection is the top-level key of the server settings in a
// configuration file.
const ConfigSection = "server"

// EnvPrefix prefixes the environment variables of Config.
const EnvPrefix = "SERVER"

// Config holds the settings of a server with one HTTP ServerConnector.
// Files set it from the "server" section; SERVER_ prefixed environment
// variables override files.
type Config struct {
	Host                string        `yaml:"host" toml:"host" env:"HOST"`
	Port                int           `yaml:"port" toml:"port" env:"PORT" validate:"gte=0,lte=65535"`
	Acceptors           int           `yaml:"acceptors" toml:"acceptors" env:"ACCEPTORS" validate:"gte=-1"`
	IdleTimeout         time.Duration `yaml:"idle_timeout" toml:"idle_timeout" env:"IDLE_TIMEOUT" validate:"gte=0"`
	ShutdownIdleTimeout time.Duration `yaml:"shutdown_idle_timeout" toml:"shutdown_idle_timeout" env:"SHUTDOWN_IDLE_TIMEOUT" validate:"gte=0"`
	MinThreads          int           `yaml:"min_threads" toml:"min_threads" env:"MIN_THREADS" validate:"gte=0,ltefield=MaxThreads"`
	MaxThreads          int           `yaml:"max_threads" toml:"max_threads" env:"MAX_THREADS" validate:"gte=1"`
	ReservedThreads     int           `yaml:"reserved_threads" toml:"reserved_threads" env:"RESERVED_THREADS" validate:"gte=-1"`
	ThreadIdleTimeout   time.Duration `yaml:"thread_idle_timeout" toml:"thread_idle_timeout" env:"THREAD_IDLE_TIMEOUT" validate:"gte=0"`
	StopAtShutdown      bool          `yaml:"stop_at_shutdown" toml:"stop_at_shutdown" env:"STOP_AT_SHUTDOWN"`
	StopTimeout         time.Duration `yaml:"stop_timeout" toml:"stop_timeout" env:"STOP_TIMEOUT" validate:"gte=0"`
	DryRun              bool          `yaml:"dry_run" toml:"dry_run" env:"DRY_RUN"`
	StatusLog           string        `yaml:"status_log" toml:"status_log" env:"STATUS_LOG"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Port:                8080,
		Acceptors:           -1,
		IdleTimeout:         DefaultIdleTimeout,
		ShutdownIdleTimeout: DefaultShutdownIdleTimeout,
		MinThreads:          8,
		MaxThreads:          200,
		ReservedThreads:     -1,
		ThreadIdleTimeout:   60 * time.Second,
		StopTimeout:         component.DefaultStopTimeout,
	}
}

func newConfigLoader(path string) (*config.Loader, error) {
	loader := config.NewLoader()
	if path != "" {
		f, err := feeders.ForFile(path)
		if err != nil {
			return nil, err
		}
		loader.AddFeeder(feeders.Section(f, ConfigSection))
	}
	return loader.AddFeeder(feeders.NewPrefixedEnvFeeder(EnvPrefix)), nil
}

// LoadConfig returns DefaultConfig overridden by the server section of the
// YAML or TOML file at path, when path is not empty, and then by the
// environment.
func LoadConfig(ctx context.Context, path string) (Config, error) {
	cfg := DefaultConfig()
	loader, err := newConfigLoader(path)
	if err != nil {
		return cfg, err
	}
	if err := loader.Load(ctx, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// NewServerFromConfig returns a server with a QueuedThreadPool and one
// ServerConnector built from cfg. opts are applied after the settings of
// cfg.
func NewServerFromConfig(cfg Config, opts ...ServerOption) (*Server, error) {
	var logger component.Logger = component.NopLogger()
	probe := &serverOptions{}
	for _, opt := range opts {
		opt(probe)
	}
	if probe.logger != nil {
		logger = probe.logger
	}

	poolOpts := []thread.PoolOption{
		thread.WithMinThreads(cfg.MinThreads),
		thread.WithMaxThreads(cfg.MaxThreads),
		thread.WithReservedThreads(cfg.ReservedThreads),
		thread.WithLogger(logger),
	}
	if cfg.ThreadIdleTimeout > 0 {
		poolOpts = append(poolOpts, thread.WithIdleTimeout(cfg.ThreadIdleTimeout))
	}
	pool, err := thread.NewQueuedThreadPool(poolOpts...)
	if err != nil {
		return nil, err
	}

	s, err := NewServer(append([]ServerOption{
		WithThreadPool(pool),
		WithStopAtShutdown(cfg.StopAtShutdown),
		WithDryRun(cfg.DryRun),
		WithStopTimeout(cfg.StopTimeout),
		WithStatusLog(cfg.StatusLog),
	}, opts...)...)
	if err != nil {
		return nil, err
	}

	c := NewServerConnector(s, WithHost(cfg.Host), WithPort(cfg.Port), WithAcceptors(cfg.Acceptors))
	if cfg.ShutdownIdleTimeout > 0 {
		c.SetShutdownIdleTimeout(cfg.ShutdownIdleTimeout)
	}
	if cfg.IdleTimeout > 0 {
		c.SetIdleTimeout(cfg.IdleTimeout)
	}
	if err := s.SetConnectors([]Connector{c}); err != nil {
		return nil, err
	}
	return s, nil
}

// WatchConfig reloads cfg from the file at path whenever it changes and
// applies the settings that can change while s runs: thread pool sizes,
// idle timeouts and the stop timeout. Other changes are logged and take
// effect on the next start. The returned reloader must be stopped by the
// caller.
func WatchConfig(ctx context.Context, s *Server, cfg *Config, path string) (*config.Reloader, error) {
	loader, err := newConfigLoader(path)
	if err != nil {
		return nil, err
	}
	r, err := config.NewReloader(loader, cfg, path)
	if err != nil {
		return nil, err
	}
	r.SetLogger(s.Logger())
	if err := r.StartWatch(ctx, s.ApplyConfigChanges); err != nil {
		return nil, err
	}
	return r, nil
}

// ApplyConfigChanges applies changes of Config fields to the running
// server, in the order given. It is the reload callback used by
// WatchConfig.
func (s *Server) ApplyConfigChanges(_ context.Context, changes []*config.ConfigChange) error {
	byField := make(map[string]*config.ConfigChange, len(changes))
	for _, c := range changes {
		byField[c.FieldPath] = c
	}

	var errs component.MultiError
	if pool, ok := s.threadPool.(thread.SizedThreadPool); ok {
		errs.Add(applyPoolSizes(pool, byField["MinThreads"], byField["MaxThreads"]))
	}

	for _, c := range changes {
		field := c.FieldPath
		switch field {
		case "MinThreads", "MaxThreads":
			// applied together above
		case "ThreadIdleTimeout":
			if p, ok := s.threadPool.(interface{ SetIdleTimeout(time.Duration) }); ok {
				p.SetIdleTimeout(c.NewValue.(time.Duration))
			}
		case "IdleTimeout", "ShutdownIdleTimeout":
			for _, conn := range s.Connectors() {
				ac, ok := conn.(interface {
					SetIdleTimeout(time.Duration)
					SetShutdownIdleTimeout(time.Duration)
				})
				if !ok {
					continue
				}
				if field == "IdleTimeout" {
					ac.SetIdleTimeout(c.NewValue.(time.Duration))
				} else {
					ac.SetShutdownIdleTimeout(c.NewValue.(time.Duration))
				}
			}
		case "StopTimeout":
			s.SetStopTimeout(c.NewValue.(time.Duration))
		default:
			s.Logger().Warn("Config change needs a restart", "field", field, "value", c.NewValue)
		}
	}
	return errs.Err()
}

// applyPoolSizes orders the min and max updates so that min never exceeds
// max in between.
func applyPoolSizes(pool thread.SizedThreadPool, minChange, maxChange *config.ConfigChange) error {
	switch {
	case minChange == nil && maxChange == nil:
		return nil
	case minChange == nil:
		return pool.SetMaxThreads(maxChange.NewValue.(int))
	case maxChange == nil:
		return pool.SetMinThreads(minChange.NewValue.(int))
	}
	newMin, newMax := minChange.NewValue.(int), maxChange.NewValue.(int)
	if newMin > newMax {
		return fmt.Errorf("%w: min threads %d > max threads %d", component.ErrIllegalArgument, newMin, newMax)
	}
	var errs component.MultiError
	if newMax >= pool.MaxThreads() {
		errs.Add(pool.SetMaxThreads(newMax))
		errs.Add(pool.SetMinThreads(newMin))
	} else {
		errs.Add(pool.SetMinThreads(newMin))
		errs.Add(pool.SetMaxThreads(newMax))
	}
	return errs.Err()
}
