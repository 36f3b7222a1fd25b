package progress

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/resilience"
)

// Publisher is the subset of kafka.Producer used for events.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Events publishes every update to Kafka keyed by shard, so one shard's
// history stays ordered within its partition. A circuit breaker stops a
// dead broker from slowing the workers down.
type Events struct {
	pub     Publisher
	breaker *resilience.CircuitBreaker
	timeout time.Duration
	logger  *slog.Logger
}

func NewEvents(pub Publisher) *Events {
	return &Events{
		pub: pub,
		breaker: resilience.NewCircuitBreaker("shard-events", resilience.CircuitBreakerConfig{
			FailureThreshold: 3,
			ResetTimeout:     time.Minute,
		}),
		timeout: 5 * time.Second,
		logger:  slog.Default().With("component", "shard-events"),
	}
}

func (e *Events) Track(ctx context.Context, u Update) {
	err := e.breaker.Execute(func() error {
		return resilience.WithTimeout(ctx, e.timeout, "publish shard event", func(ctx context.Context) error {
			return e.pub.Publish(ctx, kafka.Event{Key: strconv.Itoa(u.Shard), Value: u})
		})
	})
	if err != nil {
		e.logger.Warn("shard event dropped", "shard", u.Shard, "state", u.Name, "error", err)
	}
}

// DecodeUpdate parses an event value produced by Events.
func DecodeUpdate(value []byte) (Update, error) {
	return kafka.DecodeJSON[Update](value)
}
