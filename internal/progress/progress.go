// Package progress records shard state transitions and byte counters. Every
// stage reports through a Tracker; the concrete sinks are Prometheus
// metrics, a PostgreSQL ledger and a Kafka event stream. Sink failures are
// logged and never fail a shard.
package progress

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/shard"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/metrics"
)

// Update is one observation about a shard.
type Update struct {
	Shard  int         `json:"shard"`
	State  shard.State `json:"-"`
	Name   string      `json:"state"`
	Stage  string      `json:"stage"`
	Bytes  int64       `json:"bytes"`
	Worker string      `json:"worker"`
	Error  string      `json:"error,omitempty"`
	At     time.Time   `json:"at"`
}

// Tracker receives shard updates.
type Tracker interface {
	Track(ctx context.Context, u Update)
}

// Multi fans an update out to several trackers.
type Multi []Tracker

func (m Multi) Track(ctx context.Context, u Update) {
	for _, t := range m {
		t.Track(ctx, u)
	}
}

// Nop discards updates.
type Nop struct{}

func (Nop) Track(context.Context, Update) {}

// Metrics mirrors updates into the Prometheus shard_state gauge.
type Metrics struct{}

func (Metrics) Track(_ context.Context, u Update) {
	metrics.Default().ShardState.WithLabelValues(strconv.Itoa(u.Shard)).Set(float64(u.State))
}

// Report stamps u and sends it to t. It is the one place updates are built
// so every sink sees the same fields.
func Report(ctx context.Context, t Tracker, worker string, s int, state shard.State, stage string, bytes int64, err error) {
	if t == nil {
		return
	}
	u := Update{
		Shard:  s,
		State:  state,
		Name:   state.String(),
		Stage:  stage,
		Bytes:  bytes,
		Worker: worker,
		At:     time.Now().UTC(),
	}
	if err != nil {
		u.Error = err.Error()
	}
	t.Track(ctx, u)
}

// Counter accumulates bytes for one shard and logs a progress line every
// `every` records.
type Counter struct {
	stage   string
	every   int
	records int64
	bytes   int64
	skipped int64
	logger  *slog.Logger
}

func NewCounter(stage string, every int, logger *slog.Logger) *Counter {
	if every <= 0 {
		every = 100000
	}
	return &Counter{stage: stage, every: every, logger: logger}
}

// Add records one emitted chunk of n bytes.
func (c *Counter) Add(n int) {
	c.records++
	c.bytes += int64(n)
	m := metrics.Default()
	m.StageBytes.WithLabelValues(c.stage).Add(float64(n))
	m.RecordsTotal.WithLabelValues(c.stage, "ok").Inc()
	if c.records%int64(c.every) == 0 {
		c.logger.Info("progress", "records", c.records, "bytes", c.bytes, "skipped", c.skipped)
	}
}

// Skip records one rejected input line.
func (c *Counter) Skip() {
	c.skipped++
	metrics.Default().RecordsTotal.WithLabelValues(c.stage, "parse_error").Inc()
}

func (c *Counter) Records() int64 { return c.records }
func (c *Counter) Bytes() int64   { return c.bytes }
func (c *Counter) Skipped() int64 { return c.skipped }
