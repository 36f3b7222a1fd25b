// Package metrics defines the Prometheus collectors used by the pipeline
// stages and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	QueueDepth    prometheus.Gauge
	GateInUse     *prometheus.GaugeVec
	StageBytes    *prometheus.CounterVec
	RecordsTotal  *prometheus.CounterVec
	CommandsTotal *prometheus.CounterVec
	ShardState    *prometheus.GaugeVec
	ActiveWorkers prometheus.Gauge
}

var (
	once    sync.Once
	current *Metrics
)

// Default returns the process-wide Metrics, registering them on first use.
// Components call it lazily so tests that never start a server still work.
func Default() *Metrics {
	once.Do(func() {
		current = New(prometheus.DefaultRegisterer)
	})
	return current
}

// New creates all collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "queue_depth",
				Help: "Text chunks currently buffered in the bounded queue.",
			},
		),
		GateInUse: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gate_in_use",
				Help: "Permits currently held per resource gate.",
			},
			[]string{"gate"},
		),
		StageBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stage_bytes_total",
				Help: "Bytes of text produced by each stage.",
			},
			[]string{"stage"},
		),
		RecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "records_total",
				Help: "Input records by stage and result (ok, parse_error).",
			},
			[]string{"stage", "result"},
		),
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commands_total",
				Help: "External commands by stage and status (ok, error, skipped).",
			},
			[]string{"stage", "status"},
		),
		ShardState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shard_state",
				Help: "Processing state per shard (0=not_started .. 4=done, 5=failed).",
			},
			[]string{"shard"},
		),
		ActiveWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_workers",
				Help: "Worker goroutines or processes still alive.",
			},
		),
	}

	reg.MustRegister(
		m.QueueDepth,
		m.GateInUse,
		m.StageBytes,
		m.RecordsTotal,
		m.CommandsTotal,
		m.ShardState,
		m.ActiveWorkers,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
