package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/progress"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/record"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/trainer"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/resilience"
)

// deps holds the backing-service clients of one process. Every field except
// tracker may be nil depending on configuration.
type deps struct {
	redis    *pkgredis.Client
	pg       *postgres.Client
	producer *kafka.Producer
	ledger   *progress.Ledger
	tracker  progress.Multi
}

var connectRetry = resilience.RetryConfig{MaxAttempts: 5, InitialDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}

func newDeps(ctx context.Context, cfg *config.Config, worker string) (*deps, error) {
	log := slog.Default().With("worker", worker)
	d := &deps{tracker: progress.Multi{progress.Metrics{}}}

	if cfg.Pipeline.Exec == config.ExecProcess {
		err := resilience.Retry(ctx, "redis-connect", connectRetry, func() error {
			c, err := pkgredis.NewClient(cfg.Redis)
			if err != nil {
				return err
			}
			d.redis = c
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
		}
		log.Info("connected to redis", "addr", cfg.Redis.Addr)
	}

	if cfg.Postgres.Enabled {
		err := resilience.Retry(ctx, "postgres-connect", connectRetry, func() error {
			c, err := postgres.New(cfg.Postgres)
			if err != nil {
				return err
			}
			d.pg = c
			return nil
		})
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		d.ledger = progress.NewLedger(d.pg)
		if err := d.ledger.EnsureSchema(ctx); err != nil {
			d.Close()
			return nil, err
		}
		d.tracker = append(d.tracker, d.ledger)
	}

	if cfg.Kafka.Enabled {
		d.producer = kafka.NewProducer(cfg.Kafka, cfg.Kafka.EventsTopic)
		d.tracker = append(d.tracker, progress.NewEvents(d.producer))
	}
	return d, nil
}

func (d *deps) options(cfg *config.Config) (pipeline.Options, error) {
	tr, err := trainer.NewCommand(cfg.Trainer.Command, trainer.NewConfig(cfg.Trainer), cfg.Pipeline.BaseDir)
	if err != nil {
		return pipeline.Options{}, err
	}
	return pipeline.Options{
		Trainer:    tr,
		Tracker:    d.tracker,
		Normalizer: record.NewNormalizer(nil),
		Redis:      d.redis,
	}, nil
}

// startMetrics serves /metrics and health probes for the services in use.
func startMetrics(cfg *config.Config, d *deps) func(context.Context) error {
	checker := health.NewChecker()
	if d.redis != nil {
		checker.Register("redis", health.Ping(d.redis.Ping, false))
	}
	if d.pg != nil {
		checker.Register("postgres", health.Ping(d.pg.Ping, true))
	}
	return metrics.StartServer(cfg.Metrics.Port, checker)
}

func (d *deps) Close() error {
	var errs []error
	if d.producer != nil {
		errs = append(errs, d.producer.Close())
	}
	if d.pg != nil {
		errs = append(errs, d.pg.Close())
	}
	if d.redis != nil {
		errs = append(errs, d.redis.Close())
	}
	return errors.Join(errs...)
}
