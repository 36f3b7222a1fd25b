package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/redis"
)

// pollSlice bounds each blocking pop so Acquire notices ctx cancellation.
const pollSlice = 2 * time.Second

// Redis is a gate shared by independent processes. Permits are tokens in a
// Redis list: Acquire pops one (blocking), Release pushes it back. A process
// that dies while holding a permit loses that token until InitRedis runs
// again.
type Redis struct {
	client *pkgredis.Client
	name   string
	key    string
	cap    int
	logger *slog.Logger
}

func NewRedis(client *pkgredis.Client, name string, capacity int) *Redis {
	return &Redis{
		client: client,
		name:   name,
		key:    client.Key("gate:" + name),
		cap:    capacity,
		logger: slog.Default().With("component", "redis-gate", "gate", name),
	}
}

// InitRedis resets the token list to exactly capacity tokens. Only the
// orchestrator calls it, before any worker starts.
func (g *Redis) InitRedis(ctx context.Context) error {
	if err := g.client.Del(ctx, g.key); err != nil {
		return fmt.Errorf("resetting gate %s: %w", g.name, err)
	}
	tokens := make([]interface{}, g.cap)
	for i := range tokens {
		tokens[i] = i
	}
	if err := g.client.RPush(ctx, g.key, tokens...); err != nil {
		return fmt.Errorf("seeding gate %s: %w", g.name, err)
	}
	g.logger.Info("gate initialised", "capacity", g.cap)
	return nil
}

func (g *Redis) Acquire(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("acquiring %s gate: %w", g.name, err)
		}
		_, ok, err := g.client.BLPop(ctx, pollSlice, g.key)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("acquiring %s gate: %w", g.name, ctx.Err())
			}
			return fmt.Errorf("acquiring %s gate: %w", g.name, err)
		}
		if ok {
			metrics.Default().GateInUse.WithLabelValues(g.name).Inc()
			return nil
		}
	}
}

func (g *Redis) Release(ctx context.Context) error {
	if err := g.client.RPush(ctx, g.key, 0); err != nil {
		return fmt.Errorf("releasing %s gate: %w", g.name, err)
	}
	metrics.Default().GateInUse.WithLabelValues(g.name).Dec()
	return nil
}

func (g *Redis) Name() string  { return g.name }
func (g *Redis) Capacity() int { return g.cap }
