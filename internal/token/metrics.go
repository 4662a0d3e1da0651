package token

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "authbridge_token"

// Collector is a prometheus.Collector with issuance and verification outcomes.
type Collector struct {
	issued   *prometheus.CounterVec
	verified *prometheus.CounterVec
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		issued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "issue_total",
			Help:      "Token issuance requests by outcome.",
		}, []string{"outcome"}),
		verified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "verify_total",
			Help:      "Token verification requests by outcome.",
		}, []string{"outcome"}),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.issued.Describe(ch)
	c.verified.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.issued.Collect(ch)
	c.verified.Collect(ch)
}
