package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/completion"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/gate"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/queue"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/shard"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/stage"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/logger"
)

func writeZstd(t *testing.T, path string, lines []string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Write([]byte(strings.Join(lines, "\n") + "\n")); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

// placed is a Downloader whose shards are already on disk, except for
// the indices in missing.
type placed struct {
	calls   atomic.Int32
	missing map[int]bool
}

func (p *placed) Fetch(_ context.Context, i int) error {
	p.calls.Add(1)
	if p.missing[i] {
		return apperrors.Wrap(i, "download", apperrors.ErrTransientFetch)
	}
	return nil
}

func setup(t *testing.T, splits, workers int) (*config.Config, *shard.Layout) {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline.BaseDir = t.TempDir()
	cfg.Pipeline.Splits = splits
	cfg.Pipeline.Workers = workers
	layout := shard.NewLayout(cfg.Pipeline.DownloadDir(), cfg.Pipeline.Mirrors)
	for i := 0; i < splits; i++ {
		writeZstd(t, layout.Shard(i).Compressed, []string{
			fmt.Sprintf(`{"text": ["s%d", "-a"]}`, i),
			`{"text": false}`,
			fmt.Sprintf(`{"text": "s%d    b"}`, i),
		})
	}
	return cfg, layout
}

func TestWorkersStreamOwnedShards(t *testing.T) {
	cfg, layout := setup(t, 5, 2)
	q := queue.NewLocal(2)
	dl := &placed{}
	ctx := context.Background()

	var alive atomic.Int64
	alive.Store(2)
	var wg sync.WaitGroup
	for id := 0; id < 2; id++ {
		w := NewWorker(cfg, id, Options{Layout: layout, Downloader: dl, Queue: q})
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer alive.Add(-1)
			if err := w.Run(ctx); err != nil {
				t.Errorf("%s: %v", w.Name(), err)
			}
		}()
	}

	c := queue.NewConsumer(q, queue.LivenessFunc(func() int { return int(alive.Load()) }), 2, time.Second)
	var got []string
	for chunk := range c.All(ctx) {
		got = append(got, chunk)
	}
	wg.Wait()

	var want []string
	for i := 0; i < 5; i++ {
		want = append(want, fmt.Sprintf("s%d-a", i), fmt.Sprintf("s%d\tb", i))
	}
	sort.Strings(got)
	sort.Strings(want)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("streamed %q\nwant %q", got, want)
	}
	if dl.calls.Load() != 5 {
		t.Fatalf("downloads = %d, want one per shard", dl.calls.Load())
	}
	if _, err := os.Stat(layout.Shard(0).Decompressed); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("stream worker wrote a decompressed artifact")
	}
}

func TestFailedShardStillSendsEndMarker(t *testing.T) {
	cfg, layout := setup(t, 4, 2)
	q := queue.NewLocal(16)
	dl := &placed{missing: map[int]bool{2: true}}
	w := NewWorker(cfg, 0, Options{Layout: layout, Downloader: dl, Queue: q})

	err := w.Run(context.Background())
	if !errors.Is(err, apperrors.ErrTransientFetch) {
		t.Fatalf("Run = %v, want shard 2 failure", err)
	}
	if got := w.Shards(); len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Fatalf("owned shards = %v, want [0 2]", got)
	}

	var items []queue.Item
	for {
		it, err := q.Pop(context.Background(), 10*time.Millisecond)
		if err != nil {
			break
		}
		items = append(items, it)
	}
	if len(items) != 3 {
		t.Fatalf("queue held %d items, want 2 records + end marker", len(items))
	}
	if last := items[len(items)-1]; !last.End || last.Producer != "stream-0" {
		t.Fatalf("last item = %+v, want end marker", last)
	}
}

func TestCleanupRemovesStreamedShard(t *testing.T) {
	cfg, layout := setup(t, 1, 1)
	cfg.Cleanup.Compressed = true
	w := NewWorker(cfg, 0, Options{Layout: layout, Downloader: &placed{}, Queue: queue.NewLocal(8)})
	if err := w.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(layout.Shard(0).Compressed); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("compressed shard kept despite cleanup")
	}
}

func TestMissingArtifact(t *testing.T) {
	cfg, layout := setup(t, 1, 1)
	if err := os.Remove(layout.Shard(0).Compressed); err != nil {
		t.Fatal(err)
	}
	w := NewWorker(cfg, 0, Options{Layout: layout, Downloader: &placed{}, Queue: queue.NewLocal(8)})
	if err := w.Run(context.Background()); !errors.Is(err, apperrors.ErrArtifactMissing) {
		t.Fatalf("Run = %v, want ErrArtifactMissing", err)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWorkerRefetchesWhenOnlyTextRemains(t *testing.T) {
	cfg, layout := setup(t, 1, 1)
	s := layout.Shard(0)
	// Serve the prepared shard from a mirror and leave only the text file
	// a batch run with cleanup would have kept.
	src := filepath.Join(cfg.Pipeline.BaseDir, "00.src")
	if err := os.Rename(s.Compressed, src); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.Text, []byte("stale\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg.Pipeline.Mirrors = []string{filepath.Join(cfg.Pipeline.BaseDir, "%02d.src")}
	cfg.Commands.Download = "cp {{quote .URL}} {{quote .Output}}"
	layout = shard.NewLayout(cfg.Pipeline.DownloadDir(), cfg.Pipeline.Mirrors)

	runner, err := stage.NewRunner(cfg, stage.Options{
		Layout: layout,
		Gates: gate.Set{
			Download: gate.NewLocal(stage.Download, 1),
			Extract:  gate.NewLocal(stage.Extract, 1),
			Convert:  gate.NewLocal(stage.Convert, 1),
		},
		Protocol: &completion.Protocol{
			DoneDir:   cfg.Pipeline.DoneDir(),
			PID:       os.Getpid(),
			Poll:      time.Millisecond,
			Sentinels: true,
		},
		Worker: WorkerName(0),
	})
	if err != nil {
		t.Fatal(err)
	}

	var logs syncBuffer
	ctx := logger.NewContext(context.Background(), slog.New(slog.NewJSONHandler(&logs, nil)))
	q := queue.NewLocal(8)
	w := NewWorker(cfg, 0, Options{Layout: layout, Downloader: runner, Queue: q})
	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var records int
	for {
		it, err := q.Pop(context.Background(), 10*time.Millisecond)
		if err != nil {
			break
		}
		if !it.End {
			records++
		}
	}
	if records != 2 {
		t.Fatalf("streamed %d records, want 2", records)
	}

	out := logs.String()
	if !strings.Contains(out, `"stage":"download"`) {
		t.Fatalf("no download log line in:\n%s", out)
	}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.Count(line, `"worker":`) > 1 {
			t.Fatalf("worker attribute repeated: %s", line)
		}
	}
}
