package thread

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PoolMetrics exposes the sizes of a QueuedThreadPool as Prometheus gauges
// read at scrape time.
type PoolMetrics struct {
	collectors []prometheus.Collector
}

// RegisterMetrics registers the gauges of pool with reg. If reg is nil the
// gauges are created but not registered.
//
// On re-registration, existing collectors from the registry are reused.
func RegisterMetrics(reg prometheus.Registerer, pool *QueuedThreadPool) (*PoolMetrics, error) {
	gauge := func(name, help string, value func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "component",
			Subsystem:   "thread_pool",
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"pool": pool.Name()},
		}, value)
	}

	m := &PoolMetrics{
		collectors: []prometheus.Collector{
			gauge("threads", "Current number of worker goroutines",
				func() float64 { return float64(pool.Threads()) }),
			gauge("idle_threads", "Workers waiting for a job",
				func() float64 { return float64(pool.IdleThreads()) }),
			gauge("busy_threads", "Workers running a job",
				func() float64 { return float64(pool.BusyThreads()) }),
			gauge("ready_threads", "Idle workers plus parked reserved workers",
				func() float64 { return float64(pool.ReadyThreads()) }),
			gauge("queue_size", "Jobs waiting for a worker",
				func() float64 { return float64(pool.QueueSize()) }),
			gauge("min_threads", "Configured minimum pool size",
				func() float64 { return float64(pool.MinThreads()) }),
			gauge("max_threads", "Configured maximum pool size",
				func() float64 { return float64(pool.MaxThreads()) }),
			gauge("leased_threads", "Workers leased through the pool budget",
				func() float64 { return float64(pool.LeasedThreads()) }),
			gauge("utilization_ratio", "Utilized over maximum available workers",
				pool.UtilizationRate),
		},
	}

	if reg != nil {
		for i, c := range m.collectors {
			existing, err := registerOrReuse(reg, c)
			if err != nil {
				return nil, err
			}
			m.collectors[i] = existing
		}
	}
	return m, nil
}

// Collectors returns the registered collectors.
func (m *PoolMetrics) Collectors() []prometheus.Collector {
	return m.collectors
}

// Unregister removes the gauges from reg.
func (m *PoolMetrics) Unregister(reg prometheus.Registerer) {
	if m == nil || reg == nil {
		return
	}
	for _, c := range m.collectors {
		reg.Unregister(c)
	}
}

func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) (prometheus.Collector, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector, nil
		}
		return nil, err
	}
	return c, nil
}
