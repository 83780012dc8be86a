// Package metrics holds the process-wide Prometheus registry and the
// instruments exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Registry *prometheus.Registry

	ConnectionAttempts prometheus.Counter
	ConnectionUp       prometheus.Gauge
	Reconnects         prometheus.Counter

	ReceiptsCreated prometheus.Counter

	DeliveriesProcessed prometheus.Counter
	DeliveriesFailed    prometheus.Counter

	HeapUsedRatio prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,
		ConnectionAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "herald_mongodb_connection_attempts_total",
			Help: "Number of MongoDB connection attempts, including retries.",
		}),
		ConnectionUp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "herald_mongodb_connected",
			Help: "Whether the MongoDB connection is currently established (1) or not (0).",
		}),
		Reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "herald_mongodb_reconnects_total",
			Help: "Number of background reconnects triggered by unsolicited disconnects.",
		}),
		ReceiptsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "herald_read_receipts_created_total",
			Help: "Number of newly created read receipts.",
		}),
		DeliveriesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "herald_deliveries_processed_total",
			Help: "Number of delivery jobs consumed from the queue.",
		}),
		DeliveriesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "herald_deliveries_failed_total",
			Help: "Number of delivery jobs that failed processing.",
		}),
		HeapUsedRatio: factory.NewGauge(prometheus.GaugeOpts{
			Name: "herald_heap_used_ratio",
			Help: "Heap in use divided by heap obtained from the OS.",
		}),
	}
}
