package progress

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/shard"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/postgres"
)

func skipIfNoPostgres(t *testing.T) *postgres.Client {
	t.Helper()
	host := os.Getenv("TEST_POSTGRES_HOST")
	if host == "" {
		t.Skip("skipping: TEST_POSTGRES_HOST not set")
	}
	cfg := config.Default().Postgres
	cfg.Host = host
	if v := os.Getenv("TEST_POSTGRES_PORT"); v != "" {
		cfg.Port, _ = strconv.Atoi(v)
	}
	if v := os.Getenv("TEST_POSTGRES_PASSWORD"); v != "" {
		cfg.Password = v
	}
	pg, err := postgres.New(cfg)
	if err != nil {
		t.Skipf("skipping: postgres unavailable: %v", err)
	}
	t.Cleanup(func() { pg.Close() })
	return pg
}

func TestLedgerSeedTrackList(t *testing.T) {
	pg := skipIfNoPostgres(t)
	ctx := context.Background()
	l := NewLedger(pg)
	if err := l.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := pg.DB.ExecContext(ctx, `DELETE FROM shard_progress`); err != nil {
		t.Fatal(err)
	}

	if err := l.Seed(ctx, 3); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	at := time.Now().UTC()
	l.Track(ctx, Update{Shard: 1, State: shard.Converting, Name: shard.Converting.String(), Stage: "convert", Bytes: 100, Worker: "convert-01", At: at})
	// A later update with fewer bytes keeps the high-water mark.
	l.Track(ctx, Update{Shard: 1, State: shard.Done, Name: shard.Done.String(), Stage: "convert", Bytes: 40, Worker: "convert-01", At: at})
	// Seeding again must not reset progress.
	if err := l.Seed(ctx, 3); err != nil {
		t.Fatalf("second Seed: %v", err)
	}

	rows, err := l.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[0].State != shard.NotStarted || rows[2].State != shard.NotStarted {
		t.Errorf("untouched shards = %s, %s", rows[0].State, rows[2].State)
	}
	if rows[1].State != shard.Done || rows[1].Bytes != 100 {
		t.Errorf("shard 1 = %+v, want done with 100 bytes", rows[1])
	}
}
