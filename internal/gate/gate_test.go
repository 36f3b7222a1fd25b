package gate

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/config"
	pkgredis "github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/redis"
)

// checkCapacity runs workers×rounds gated operations and fails if more than
// the gate capacity ever overlap.
func checkCapacity(t *testing.T, g Gate, workers, rounds int) {
	t.Helper()
	var inFlight, peak atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				err := Do(context.Background(), g, func(context.Context) error {
					n := inFlight.Add(1)
					for {
						p := peak.Load()
						if n <= p || peak.CompareAndSwap(p, n) {
							break
						}
					}
					time.Sleep(time.Millisecond)
					inFlight.Add(-1)
					return nil
				})
				if err != nil {
					t.Errorf("Do: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if got := peak.Load(); got > int64(g.Capacity()) {
		t.Fatalf("peak concurrency %d exceeds capacity %d", got, g.Capacity())
	}
	if peak.Load() == 0 {
		t.Fatal("no operation ran")
	}
}

func TestLocalGateNeverExceedsCapacity(t *testing.T) {
	for _, capacity := range []int{1, 2, 16} {
		checkCapacity(t, NewLocal("test", capacity), 32, 10)
	}
}

func TestLocalGateAcquireHonoursContext(t *testing.T) {
	g := NewLocal("download", 1)
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer g.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire on full gate = %v, want deadline exceeded", err)
	}
}

func TestDoReleasesOnError(t *testing.T) {
	g := NewLocal("extract", 1)
	boom := errors.New("boom")
	if err := Do(context.Background(), g, func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Do = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("permit leaked: %v", err)
	}
}

func TestRedisGateNeverExceedsCapacity(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("skipping: TEST_REDIS_ADDR not set")
	}
	client, err := pkgredis.NewClient(config.RedisConfig{Addr: addr, PoolSize: 64, KeyPrefix: "corpusvocab-test:"})
	if err != nil {
		t.Skipf("skipping: redis unavailable: %v", err)
	}
	defer client.Close()

	g := NewRedis(client, "download", 2)
	if err := g.InitRedis(context.Background()); err != nil {
		t.Fatal(err)
	}
	checkCapacity(t, g, 8, 5)
}
