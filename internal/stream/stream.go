// Package stream implements the streaming-mode producer. A Worker owns a
// round-robin slice of the shards; for each it runs the gated download,
// decompresses the shard in-process and pushes every normalized record into
// the shared queue. No decompressed file is ever written.
package stream

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/progress"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/queue"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/record"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/shard"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/stage"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/logger"
)

const stageName = "stream"

// Downloader fetches one shard's compressed artifact, whatever else is
// already on disk for it. stage.Runner satisfies it.
type Downloader interface {
	Fetch(ctx context.Context, i int) error
}

// Options carries a Worker's collaborators.
type Options struct {
	Layout     *shard.Layout
	Downloader Downloader
	Queue      queue.Queue
	Normalizer *record.Normalizer
	Tracker    progress.Tracker
}

// Worker is producer number ID of Workers.
type Worker struct {
	id            int
	owned         []int
	layout        *shard.Layout
	dl            Downloader
	q             queue.Queue
	norm          *record.Normalizer
	tracker       progress.Tracker
	cleanup       bool
	progressEvery int
}

func NewWorker(cfg *config.Config, id int, opts Options) *Worker {
	if opts.Normalizer == nil {
		opts.Normalizer = record.NewNormalizer(nil)
	}
	if opts.Tracker == nil {
		opts.Tracker = progress.Nop{}
	}
	return &Worker{
		id:            id,
		owned:         shard.Assign(id, cfg.Pipeline.Workers, cfg.Pipeline.Splits),
		layout:        opts.Layout,
		dl:            opts.Downloader,
		q:             opts.Queue,
		norm:          opts.Normalizer,
		tracker:       opts.Tracker,
		cleanup:       cfg.Cleanup.Compressed,
		progressEvery: cfg.Pipeline.ProgressEvery,
	}
}

// Name identifies the worker in logs and end markers.
func (w *Worker) Name() string {
	return WorkerName(w.id)
}

// WorkerName is the name of stream worker id.
func WorkerName(id int) string {
	return fmt.Sprintf("stream-%d", id)
}

// Shards returns the shard indices this worker owns.
func (w *Worker) Shards() []int {
	return w.owned
}

// Run streams every owned shard in order. A failed shard is logged and
// skipped; the others still run. The end marker is pushed last, after
// every record push has returned.
func (w *Worker) Run(ctx context.Context) error {
	ctx, log := logger.With(ctx, "worker", w.Name())
	log.Info("stream worker started", "shards", w.owned)

	var errs []error
	for _, i := range w.owned {
		if err := w.streamShard(ctx, i); err != nil {
			log.Error("shard failed", "shard", i, "error", err)
			errs = append(errs, err)
		}
	}
	if err := w.q.Finish(ctx, w.Name()); err != nil {
		errs = append(errs, fmt.Errorf("pushing end marker: %w", err))
	}
	log.Info("stream worker finished", "failed_shards", len(errs))
	return errors.Join(errs...)
}

func (w *Worker) streamShard(ctx context.Context, i int) error {
	if err := w.dl.Fetch(ctx, i); err != nil {
		return err
	}
	s := w.layout.Shard(i)
	ctx, log := logger.With(ctx, "stage", stageName, "shard", i)
	progress.Report(ctx, w.tracker, w.Name(), i, shard.Converting, stageName, 0, nil)

	counter := progress.NewCounter(stageName, w.progressEvery, log)
	err := w.decode(ctx, s.Compressed, counter)
	if err != nil {
		err = apperrors.Wrap(i, stageName, err)
		progress.Report(ctx, w.tracker, w.Name(), i, shard.Failed, stageName, counter.Bytes(), err)
		return err
	}
	log.Info("shard streamed", "records", counter.Records(), "bytes", counter.Bytes(), "skipped", counter.Skipped())
	progress.Report(ctx, w.tracker, w.Name(), i, shard.Done, stageName, counter.Bytes(), nil)
	if w.cleanup {
		if err := os.Remove(s.Compressed); err != nil {
			log.Warn("removing streamed artifact", "path", s.Compressed, "error", err)
		}
	}
	return nil
}

func (w *Worker) decode(ctx context.Context, path string, counter *progress.Counter) error {
	log := logger.FromContext(ctx)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return apperrors.Newf(apperrors.ErrArtifactMissing, "%s", path)
		}
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("creating zstd reader: %w", err)
	}
	defer dec.Close()

	return w.norm.Scan(ctx, dec,
		func(text string) error {
			if err := w.q.Push(ctx, text); err != nil {
				return err
			}
			counter.Add(len(text))
			return nil
		},
		func(line int, err error) {
			log.Warn("skipping record", "line", line, "error", err)
			counter.Skip()
		},
	)
}

var _ Downloader = (*stage.Runner)(nil)
