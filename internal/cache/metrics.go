package cache

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "authbridge_cache"

// Collector is a prometheus.Collector shared by every Cache; series are labelled by entity kind.
type Collector struct {
	lookups      *prometheus.CounterVec
	loads        *prometheus.CounterVec
	sharedErrors *prometheus.CounterVec
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "lookups_total",
			Help:      "Cache lookups by the tier that answered (local, shared, store).",
		}, []string{"kind", "tier"}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "store_loads_total",
			Help:      "Reads that went to the entity store, by outcome.",
		}, []string{"kind", "outcome"}),
		sharedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "shared_errors_total",
			Help:      "Errors talking to the shared tier; such lookups fall through to the store.",
		}, []string{"kind"}),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.lookups.Describe(ch)
	c.loads.Describe(ch)
	c.sharedErrors.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.lookups.Collect(ch)
	c.loads.Collect(ch)
	c.sharedErrors.Collect(ch)
}
