package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flant/negentropy/provisioning/breaker"
	"github.com/flant/negentropy/provisioning/model"
)

const namespace = "provisioner"

// Metrics counts archived operations, it is an archive sink
type Metrics struct {
	operations *prometheus.CounterVec
	attempts   *prometheus.HistogramVec
}

// New registers operation and breaker collectors
func New(registerer prometheus.Registerer, brk *breaker.Breaker) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "operations",
				Name:      "archived_total",
				Help:      "Archived provisioning operations by terminal state.",
			},
			[]string{"system", "operation", "state"},
		),
		attempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "operations",
				Name:      "attempts",
				Help:      "Execution attempts of archived operations.",
				Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
			},
			[]string{"system", "operation"},
		),
	}
	for _, c := range []prometheus.Collector{m.operations, m.attempts, newBreakerCollector(brk)} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Save(_ context.Context, rec *model.ArchiveRecord) error {
	m.operations.WithLabelValues(rec.SystemUUID, string(rec.OperationType), string(rec.State)).Inc()
	m.attempts.WithLabelValues(rec.SystemUUID, string(rec.OperationType)).Observe(float64(rec.Attempts))
	return nil
}

type breakerCollector struct {
	breaker *breaker.Breaker
	entries *prometheus.Desc
	open    *prometheus.Desc
}

func newBreakerCollector(brk *breaker.Breaker) *breakerCollector {
	labels := []string{"system", "operation"}
	return &breakerCollector{
		breaker: brk,
		entries: prometheus.NewDesc(prometheus.BuildFQName(namespace, "breaker", "window_entries"),
			"Attempts retained in the breaker window.", labels, nil),
		open: prometheus.NewDesc(prometheus.BuildFQName(namespace, "breaker", "open"),
			"1 when the breaker blocks execution.", labels, nil),
	}
}

func (c *breakerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.open
}

func (c *breakerCollector) Collect(ch chan<- prometheus.Metric) {
	for key, count := range c.breaker.Snapshot() {
		open := 0.0
		if c.breaker.State(key) == breaker.StateOpen {
			open = 1
		}
		ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(count), key.SystemUUID, string(key.Operation))
		ch <- prometheus.MustNewConstMetric(c.open, prometheus.GaugeValue, open, key.SystemUUID, string(key.Operation))
	}
}
