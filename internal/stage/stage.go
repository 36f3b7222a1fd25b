// Package stage implements the per-shard batch workers: Download fetches the
// compressed shard, Extract decompresses it and Convert turns it into a
// plain text file of normalized records. Each stage waits for its upstream
// artifact, skips work that is already done, and runs its command through
// the completion protocol under its own gate.
package stage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"text/template"
	"time"

	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/completion"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/gate"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/progress"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/record"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/shard"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/resilience"
)

// Stage names, also used in token paths, metrics and the worker command.
const (
	Download = "download"
	Extract  = "extract"
	Convert  = "convert"
)

// Stages lists the batch stages in pipeline order.
var Stages = []string{Download, Extract, Convert}

// Options carries the collaborators a Runner needs.
type Options struct {
	Layout     *shard.Layout
	Gates      gate.Set
	Protocol   *completion.Protocol
	Executor   Executor
	Normalizer *record.Normalizer
	Tracker    progress.Tracker
	Worker     string
}

// Runner executes stages for individual shards.
type Runner struct {
	layout        *shard.Layout
	gates         gate.Set
	proto         *completion.Protocol
	exec          Executor
	norm          *record.Normalizer
	tracker       progress.Tracker
	worker        string
	cleanup       config.CleanupConfig
	attemptSecs   int
	attempts      int
	cmdTimeout    time.Duration
	artifactPoll  time.Duration
	progressEvery int
	download      *template.Template
	extract       *template.Template
}

func NewRunner(cfg *config.Config, opts Options) (*Runner, error) {
	dl, err := parseCommand(Download, cfg.Commands.Download)
	if err != nil {
		return nil, err
	}
	ex, err := parseCommand(Extract, cfg.Commands.Extract)
	if err != nil {
		return nil, err
	}
	if opts.Executor == nil {
		opts.Executor = Shell{}
	}
	if opts.Normalizer == nil {
		opts.Normalizer = record.NewNormalizer(nil)
	}
	if opts.Tracker == nil {
		opts.Tracker = progress.Nop{}
	}
	return &Runner{
		layout:        opts.Layout,
		gates:         opts.Gates,
		proto:         opts.Protocol,
		exec:          opts.Executor,
		norm:          opts.Normalizer,
		tracker:       opts.Tracker,
		worker:        opts.Worker,
		cleanup:       cfg.Cleanup,
		attemptSecs:   int(cfg.Commands.AttemptTimeout / time.Second),
		attempts:      cfg.Commands.DownloadAttempts,
		cmdTimeout:    cfg.Commands.CommandTimeout,
		artifactPoll:  cfg.Pipeline.ArtifactPoll,
		progressEvery: cfg.Pipeline.ProgressEvery,
		download:      dl,
		extract:       ex,
	}, nil
}

// Run dispatches to the named stage.
func (r *Runner) Run(ctx context.Context, stage string, i int) error {
	switch stage {
	case Download:
		return r.Download(ctx, i)
	case Extract:
		return r.Extract(ctx, i)
	case Convert:
		return r.Convert(ctx, i)
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
}

// Download fetches shard i from its mirror. The download tool retries on
// its own; DownloadAttempts > 1 restarts it after it gives up. A shard
// already extracted or converted is not fetched again.
func (r *Runner) Download(ctx context.Context, i int) error {
	s := r.layout.Shard(i)
	ctx, _ = logger.With(ctx, "worker", r.worker, "stage", Download, "shard", i)
	return r.fetch(ctx, i, s.Compressed, s.Decompressed, s.Text)
}

// Fetch is Download for callers that read the compressed shard themselves:
// only the compressed artifact counts as done. The caller's context is
// expected to carry its worker attribute already.
func (r *Runner) Fetch(ctx context.Context, i int) error {
	s := r.layout.Shard(i)
	ctx, _ = logger.With(ctx, "stage", Download, "shard", i)
	return r.fetch(ctx, i, s.Compressed)
}

// fetch runs the gated download unless one of done exists.
func (r *Runner) fetch(ctx context.Context, i int, done ...string) error {
	s := r.layout.Shard(i)
	log := logger.FromContext(ctx)
	if r.satisfied(ctx, Download, done...) {
		return nil
	}
	r.report(ctx, i, shard.Downloading, Download, 0, nil)
	log.Info("downloading", "url", s.URL)

	out, err := r.proto.Run(ctx, r.gates.Download, completion.Task{
		Stage:    Download,
		Shard:    i,
		Artifact: s.Compressed,
		Run: func(ctx context.Context, part string) error {
			cmd, err := render(r.download, CommandArgs{Index: i, URL: s.URL, Output: part, Timeout: r.attemptSecs})
			if err != nil {
				return err
			}
			return resilience.Retry(ctx, fmt.Sprintf("download shard %d", i), resilience.RetryConfig{
				MaxAttempts:  r.attempts,
				InitialDelay: time.Second,
				MaxDelay:     time.Minute,
				Retryable:    apperrors.IsTransient,
			}, func() error {
				if err := r.command(ctx, Download, cmd); err != nil {
					return fmt.Errorf("%w: %w", apperrors.ErrTransientFetch, err)
				}
				return nil
			})
		},
	})
	return r.finish(ctx, i, Download, out, err, s.Compressed)
}

// Extract decompresses shard i once its download exists.
func (r *Runner) Extract(ctx context.Context, i int) error {
	s := r.layout.Shard(i)
	ctx, _ = logger.With(ctx, "worker", r.worker, "stage", Extract, "shard", i)
	if r.satisfied(ctx, Extract, s.Decompressed, s.Text) {
		r.remove(ctx, r.cleanup.Compressed, s.Compressed)
		return nil
	}
	if err := r.proto.Board.WaitForArtifact(ctx, s.Compressed, r.artifactPoll); err != nil {
		return r.fail(ctx, i, Extract, s.Decompressed, err)
	}
	r.report(ctx, i, shard.Extracting, Extract, 0, nil)

	out, err := r.proto.Run(ctx, r.gates.Extract, completion.Task{
		Stage:    Extract,
		Shard:    i,
		Artifact: s.Decompressed,
		Run: func(ctx context.Context, part string) error {
			cmd, err := render(r.extract, CommandArgs{Index: i, URL: s.URL, Input: s.Compressed, Output: part})
			if err != nil {
				return err
			}
			return r.command(ctx, Extract, cmd)
		},
	})
	if err := r.finish(ctx, i, Extract, out, err, s.Decompressed); err != nil {
		return err
	}
	r.remove(ctx, r.cleanup.Compressed, s.Compressed)
	return nil
}

// Convert writes one normalized record per line of the decompressed shard
// to its text artifact. Records that fail to parse are logged and skipped.
func (r *Runner) Convert(ctx context.Context, i int) error {
	s := r.layout.Shard(i)
	ctx, log := logger.With(ctx, "worker", r.worker, "stage", Convert, "shard", i)
	if r.satisfied(ctx, Convert, s.Text) {
		r.remove(ctx, r.cleanup.Decompressed, s.Decompressed)
		return nil
	}
	if err := r.proto.Board.WaitForArtifact(ctx, s.Decompressed, r.artifactPoll); err != nil {
		return r.fail(ctx, i, Convert, s.Text, err)
	}
	r.report(ctx, i, shard.Converting, Convert, 0, nil)

	counter := progress.NewCounter(Convert, r.progressEvery, log)
	out, err := r.proto.Run(ctx, r.gates.Convert, completion.Task{
		Stage:    Convert,
		Shard:    i,
		Artifact: s.Text,
		Run: func(ctx context.Context, part string) error {
			return r.convertFile(ctx, s.Decompressed, part, counter)
		},
	})
	if err := r.finish(ctx, i, Convert, out, err, s.Text); err != nil {
		return err
	}
	if out == completion.Ran {
		log.Info("shard converted", "records", counter.Records(), "bytes", counter.Bytes(), "skipped", counter.Skipped())
	}
	r.remove(ctx, r.cleanup.Decompressed, s.Decompressed)
	r.report(ctx, i, shard.Done, Convert, counter.Bytes(), nil)
	return nil
}

func (r *Runner) convertFile(ctx context.Context, src, dst string, counter *progress.Counter) error {
	log := logger.FromContext(ctx)
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	w := bufio.NewWriterSize(f, 1<<20)
	err = r.norm.Scan(ctx, in,
		func(text string) error {
			if _, err := w.WriteString(text); err != nil {
				return err
			}
			if err := w.WriteByte('\n'); err != nil {
				return err
			}
			counter.Add(len(text) + 1)
			return nil
		},
		func(line int, err error) {
			log.Warn("skipping record", "line", line, "error", err)
			counter.Skip()
		},
	)
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// command runs one rendered command, bounded by the configured timeout.
func (r *Runner) command(ctx context.Context, stage, cmd string) error {
	if r.cmdTimeout <= 0 {
		return r.exec.Run(ctx, cmd)
	}
	return resilience.WithTimeout(ctx, r.cmdTimeout, stage, func(ctx context.Context) error {
		return r.exec.Run(ctx, cmd)
	})
}

// satisfied reports whether any of paths exists: the stage's own artifact
// or one produced further downstream after cleanup removed this one.
func (r *Runner) satisfied(ctx context.Context, stage string, paths ...string) bool {
	for _, p := range paths {
		if completion.Exists(p) {
			logger.FromContext(ctx).Info("artifact present, skipping", "artifact", p)
			metrics.Default().CommandsTotal.WithLabelValues(stage, "skipped").Inc()
			return true
		}
	}
	return false
}

func (r *Runner) finish(ctx context.Context, i int, stage string, out completion.Outcome, err error, artifact string) error {
	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case out == completion.Skipped:
		status = "skipped"
	}
	metrics.Default().CommandsTotal.WithLabelValues(stage, status).Inc()
	if err != nil {
		return r.fail(ctx, i, stage, artifact, err)
	}
	if fi, serr := os.Stat(artifact); serr == nil {
		logger.FromContext(ctx).Info("stage finished", "artifact", artifact, "bytes", fi.Size())
	}
	return nil
}

// fail marks artifact as not coming so downstream waiters stop polling,
// and reports the shard failed.
func (r *Runner) fail(ctx context.Context, i int, stage, artifact string, err error) error {
	if ctx.Err() == nil {
		if merr := r.proto.Board.MarkFailed(artifact, err); merr != nil {
			logger.FromContext(ctx).Error("writing failure marker", "artifact", artifact, "error", merr)
		}
	}
	r.report(ctx, i, shard.Failed, stage, 0, err)
	return apperrors.Wrap(i, stage, err)
}

func (r *Runner) remove(ctx context.Context, enabled bool, path string) {
	if !enabled {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.FromContext(ctx).Warn("removing consumed artifact", "path", path, "error", err)
		return
	}
	logger.FromContext(ctx).Debug("removed consumed artifact", "path", path)
}

func (r *Runner) report(ctx context.Context, i int, state shard.State, stage string, bytes int64, err error) {
	progress.Report(ctx, r.tracker, r.worker, i, state, stage, bytes, err)
}
