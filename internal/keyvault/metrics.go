package keyvault

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "authbridge_keyvault"

// Collector is a prometheus.Collector with key vault activity.
type Collector struct {
	generated prometheus.Counter
	rotations prometheus.Counter
	purged    prometheus.Counter
	signFails *prometheus.CounterVec
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		generated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "keypairs_generated_total",
			Help:      "The number of keypairs generated for new services.",
		}),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rotations_total",
			Help:      "The number of completed key rotations.",
		}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "purged_keys_total",
			Help:      "The number of expired retired keys removed.",
		}),
		signFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sign_failures_total",
			Help:      "The number of signing attempts that could not produce a token.",
		}, []string{"reason"}),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.generated.Describe(ch)
	c.rotations.Describe(ch)
	c.purged.Describe(ch)
	c.signFails.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.generated.Collect(ch)
	c.rotations.Collect(ch)
	c.purged.Collect(ch)
	c.signFails.Collect(ch)
}
