package progress

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/shard"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/resilience"
)

const schema = `
CREATE TABLE IF NOT EXISTS shard_progress (
	shard      INTEGER PRIMARY KEY,
	state      TEXT        NOT NULL,
	stage      TEXT        NOT NULL,
	bytes      BIGINT      NOT NULL DEFAULT 0,
	worker     TEXT        NOT NULL DEFAULT '',
	error      TEXT        NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL
)`

const upsert = `
INSERT INTO shard_progress (shard, state, stage, bytes, worker, error, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (shard) DO UPDATE SET
	state = EXCLUDED.state,
	stage = EXCLUDED.stage,
	bytes = GREATEST(shard_progress.bytes, EXCLUDED.bytes),
	worker = EXCLUDED.worker,
	error = EXCLUDED.error,
	updated_at = EXCLUDED.updated_at`

// Ledger keeps the latest state of every shard in PostgreSQL so operators
// can inspect a run from any machine.
type Ledger struct {
	pg     *postgres.Client
	db     *sql.DB
	logger *slog.Logger
}

func NewLedger(pg *postgres.Client) *Ledger {
	return &Ledger{
		pg:     pg,
		db:     pg.DB,
		logger: slog.Default().With("component", "shard-ledger"),
	}
}

// EnsureSchema creates the ledger table if needed.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating shard_progress table: %w", err)
	}
	return nil
}

const seed = `
INSERT INTO shard_progress (shard, state, stage, updated_at)
VALUES ($1, $2, '', $3)
ON CONFLICT (shard) DO NOTHING`

// Seed inserts a not_started row for every shard that has none, so a run's
// pending shards show up before any worker reports. Existing rows are kept.
func (l *Ledger) Seed(ctx context.Context, splits int) error {
	now := time.Now().UTC()
	return l.pg.InTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, seed)
		if err != nil {
			return fmt.Errorf("preparing ledger seed: %w", err)
		}
		defer stmt.Close()
		for i := 0; i < splits; i++ {
			if _, err := stmt.ExecContext(ctx, i, shard.NotStarted.String(), now); err != nil {
				return fmt.Errorf("seeding shard %d: %w", i, err)
			}
		}
		return nil
	})
}

func (l *Ledger) Track(ctx context.Context, u Update) {
	err := resilience.Retry(ctx, "ledger-upsert", resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
	}, func() error {
		_, err := l.db.ExecContext(ctx, upsert,
			u.Shard, u.Name, u.Stage, u.Bytes, u.Worker, u.Error, u.At,
		)
		return err
	})
	if err != nil {
		l.logger.Error("failed to record shard progress",
			"shard", u.Shard,
			"state", u.Name,
			"error", err,
		)
	}
}

// Row is one ledger entry.
type Row struct {
	Shard     int
	State     shard.State
	Stage     string
	Bytes     int64
	Worker    string
	Error     string
	UpdatedAt time.Time
}

// List returns every shard in index order.
func (l *Ledger) List(ctx context.Context) ([]Row, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT shard, state, stage, bytes, worker, error, updated_at FROM shard_progress ORDER BY shard`)
	if err != nil {
		return nil, fmt.Errorf("querying shard_progress: %w", err)
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		var r Row
		var state string
		if err := rows.Scan(&r.Shard, &state, &r.Stage, &r.Bytes, &r.Worker, &r.Error, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning shard_progress: %w", err)
		}
		if r.State, err = shard.ParseState(state); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
