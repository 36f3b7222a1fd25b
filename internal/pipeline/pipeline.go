// Package pipeline wires the stages, stream workers, queue and trainer into
// the two run modes. Batch mode materializes every shard as a text file and
// trains on the files; stream mode feeds records to the trainer through the
// bounded queue as they are decoded. Workers run as goroutines (exec: local)
// or as child processes of the same binary sharing Redis gates and queue
// (exec: process).
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/completion"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/gate"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/progress"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/queue"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/record"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/shard"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/stage"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/stream"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/trainer"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/errors"
	pkgredis "github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/tracing"
)

// StreamStage names stream workers in WorkerSpec.
const StreamStage = "stream"

// WorkerSpec identifies one worker. Index is the shard for batch stages
// and the worker id for StreamStage.
type WorkerSpec struct {
	Stage string
	Index int
}

func (w WorkerSpec) Name() string {
	return fmt.Sprintf("%s-%02d", w.Stage, w.Index)
}

// Args are the worker command flags that reproduce w.
func (w WorkerSpec) Args() []string {
	return []string{"-stage", w.Stage, "-index", strconv.Itoa(w.Index)}
}

// Options carries the collaborators of an Orchestrator. Redis is required
// for exec: process, as are Self and ConfigPath in the parent.
type Options struct {
	Trainer    trainer.Trainer
	Tracker    progress.Tracker
	Executor   stage.Executor
	Normalizer *record.Normalizer
	Redis      *pkgredis.Client
	Self       string
	ConfigPath string
}

// Orchestrator runs a pipeline mode, or a single worker of one.
type Orchestrator struct {
	cfg        *config.Config
	opts       Options
	layout     *shard.Layout
	board      *completion.Board
	gates      gate.Set
	redisGates []*gate.Redis
	queue      queue.Queue
	redisQueue *queue.Redis
	logger     *slog.Logger
}

func New(cfg *config.Config, opts Options) (*Orchestrator, error) {
	if opts.Tracker == nil {
		opts.Tracker = progress.Nop{}
	}
	if opts.Normalizer == nil {
		opts.Normalizer = record.NewNormalizer(nil)
	}
	o := &Orchestrator{
		cfg:    cfg,
		opts:   opts,
		layout: shard.NewLayout(cfg.Pipeline.DownloadDir(), cfg.Pipeline.Mirrors),
		logger: slog.Default().With("component", "orchestrator"),
	}
	// Fail on bad command templates before any worker starts.
	if _, err := o.runner("orchestrator"); err != nil {
		return nil, err
	}

	switch cfg.Pipeline.Exec {
	case config.ExecProcess:
		if opts.Redis == nil {
			return nil, apperrors.Newf(apperrors.ErrInvalidConfig, "exec %q needs redis", config.ExecProcess)
		}
		dl := gate.NewRedis(opts.Redis, stage.Download, cfg.Gates.Download)
		ex := gate.NewRedis(opts.Redis, stage.Extract, cfg.Gates.Extract)
		cv := gate.NewRedis(opts.Redis, stage.Convert, cfg.Gates.Convert)
		o.gates = gate.Set{Download: dl, Extract: ex, Convert: cv}
		o.redisGates = []*gate.Redis{dl, ex, cv}
		o.redisQueue = queue.NewRedis(opts.Redis, "chunks", cfg.Pipeline.QueueCapacity)
		o.queue = o.redisQueue
	default:
		o.board = completion.NewBoard()
		o.gates = gate.Set{
			Download: gate.NewLocal(stage.Download, cfg.Gates.Download),
			Extract:  gate.NewLocal(stage.Extract, cfg.Gates.Extract),
			Convert:  gate.NewLocal(stage.Convert, cfg.Gates.Convert),
		}
		o.queue = queue.NewLocal(cfg.Pipeline.QueueCapacity)
	}
	return o, nil
}

// RunBatch runs download, extract and convert for every shard at once,
// relying on artifact polling for per-shard ordering, then trains on the
// text files. Failed shards are logged and left out of training.
func (o *Orchestrator) RunBatch(ctx context.Context) (err error) {
	ctx, span := tracing.Start(ctx, "batch", "splits", o.cfg.Pipeline.Splits)
	defer o.endRun(span, &err)
	if err := o.initShared(ctx, false); err != nil {
		return err
	}
	splits := o.cfg.Pipeline.Splits
	for i := 0; i < splits; i++ {
		s := o.layout.Shard(i)
		for _, a := range []string{s.Compressed, s.Decompressed, s.Text} {
			if err := completion.ClearFailed(a); err != nil {
				return fmt.Errorf("clearing failure marker: %w", err)
			}
		}
	}
	o.logger.Info("batch run starting", "splits", splits, "exec", o.cfg.Pipeline.Exec, "workers", splits*len(stage.Stages))

	g := o.group()
	for i := 0; i < splits; i++ {
		for _, st := range stage.Stages {
			g.Start(ctx, o.task(WorkerSpec{Stage: st, Index: i}))
		}
	}
	if err := g.Wait(); err != nil {
		o.logger.Error("batch workers failed", "error", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("batch run: %w", err)
	}

	var files []string
	for i := 0; i < splits; i++ {
		if p := o.layout.Shard(i).Text; completion.Exists(p) {
			files = append(files, p)
		}
	}
	if len(files) == 0 {
		return apperrors.Newf(apperrors.ErrArtifactMissing, "no shard produced text")
	}
	if len(files) < splits {
		o.logger.Warn("training without failed shards", "shards", len(files), "splits", splits)
	}

	model, err := o.train(ctx, func(ctx context.Context) ([]byte, error) {
		return o.opts.Trainer.TrainFiles(ctx, files)
	})
	if err != nil {
		return fmt.Errorf("training: %w", err)
	}
	if err := o.save(model); err != nil {
		return err
	}
	if o.cfg.Cleanup.Text {
		for _, p := range files {
			if err := os.Remove(p); err != nil {
				o.logger.Warn("removing text artifact", "path", p, "error", err)
			}
		}
	}
	return nil
}

// RunStream starts the stream workers, waits for the queue to fill, then
// trains on the queue contents until every producer is done. No model is
// saved when the queue never carried a record.
func (o *Orchestrator) RunStream(ctx context.Context) (err error) {
	ctx, span := tracing.Start(ctx, "stream", "splits", o.cfg.Pipeline.Splits, "workers", o.cfg.Pipeline.Workers)
	defer o.endRun(span, &err)
	if err := o.initShared(ctx, true); err != nil {
		return err
	}
	workers := o.cfg.Pipeline.Workers
	o.logger.Info("stream run starting", "splits", o.cfg.Pipeline.Splits, "workers", workers, "exec", o.cfg.Pipeline.Exec)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g := o.group()
	for id := 0; id < workers; id++ {
		g.Start(workerCtx, o.task(WorkerSpec{Stage: StreamStage, Index: id}))
	}

	if err := queue.WaitFill(ctx, o.queue, o.cfg.Pipeline.FillThreshold, g, o.cfg.Pipeline.FillPoll); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	consumer := queue.NewConsumer(o.queue, g, workers, o.cfg.Pipeline.PopTimeout)
	model, trainErr := o.train(ctx, func(ctx context.Context) ([]byte, error) {
		return o.opts.Trainer.TrainStream(ctx, consumer.All(ctx))
	})
	if !consumer.Finished() {
		// Producers may be blocked on a full queue nobody reads any more.
		cancel()
	}
	if err := g.Wait(); err != nil {
		o.logger.Error("stream workers failed", "error", err)
	}
	if trainErr != nil {
		return fmt.Errorf("training: %w", trainErr)
	}
	if err := consumer.Err(); err != nil {
		return fmt.Errorf("consuming queue: %w", err)
	}
	if consumer.Yielded() == 0 {
		return apperrors.Newf(apperrors.ErrArtifactMissing, "no shard produced records")
	}
	return o.save(model)
}

// RunWorker runs the single worker described by spec in this process.
func (o *Orchestrator) RunWorker(ctx context.Context, spec WorkerSpec) error {
	name := spec.Name()
	if spec.Stage == StreamStage {
		name = stream.WorkerName(spec.Index)
	}
	r, err := o.runner(name)
	if err != nil {
		return err
	}
	if spec.Stage == StreamStage {
		w := stream.NewWorker(o.cfg, spec.Index, stream.Options{
			Layout:     o.layout,
			Downloader: r,
			Queue:      o.queue,
			Normalizer: o.opts.Normalizer,
			Tracker:    o.opts.Tracker,
		})
		return w.Run(ctx)
	}
	if spec.Index < 0 || spec.Index >= o.cfg.Pipeline.Splits {
		return apperrors.Newf(apperrors.ErrInvalidConfig, "shard %d outside [0, %d)", spec.Index, o.cfg.Pipeline.Splits)
	}
	return r.Run(ctx, spec.Stage, spec.Index)
}

func (o *Orchestrator) runner(worker string) (*stage.Runner, error) {
	return stage.NewRunner(o.cfg, stage.Options{
		Layout: o.layout,
		Gates:  o.gates,
		Protocol: &completion.Protocol{
			DoneDir:   o.cfg.Pipeline.DoneDir(),
			PID:       os.Getpid(),
			Poll:      o.cfg.Pipeline.TokenPoll,
			Sentinels: o.cfg.Pipeline.Sentinels,
			Board:     o.board,
		},
		Executor:   o.opts.Executor,
		Normalizer: o.opts.Normalizer,
		Tracker:    o.opts.Tracker,
		Worker:     worker,
	})
}

func (o *Orchestrator) task(spec WorkerSpec) Task {
	return Task{
		Name: spec.Name(),
		Args: spec.Args(),
		Run:  func(ctx context.Context) error { return o.RunWorker(ctx, spec) },
	}
}

func (o *Orchestrator) group() Group {
	if o.cfg.Pipeline.Exec == config.ExecProcess {
		base := []string{"worker"}
		if o.opts.ConfigPath != "" {
			base = append(base, "-config", o.opts.ConfigPath)
		}
		return NewProcessGroup(o.opts.Self, base)
	}
	return NewLocalGroup()
}

// initShared resets the Redis gates, and the queue when streaming, before
// any child starts.
func (o *Orchestrator) initShared(ctx context.Context, streaming bool) error {
	for _, g := range o.redisGates {
		if err := g.InitRedis(ctx); err != nil {
			return err
		}
	}
	if streaming && o.redisQueue != nil {
		return o.redisQueue.Reset(ctx)
	}
	return nil
}

func (o *Orchestrator) train(ctx context.Context, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	ctx, span := tracing.Start(ctx, "train", "vocab_size", o.cfg.Trainer.VocabSize)
	model, err := fn(ctx)
	span.End(err)
	return model, err
}

// endRun closes the run span and logs the timing tree.
func (o *Orchestrator) endRun(span *tracing.Span, err *error) {
	span.End(*err)
	span.Log(o.logger)
}

func (o *Orchestrator) save(model []byte) error {
	tc := o.cfg.Trainer
	if err := trainer.Save(model, tc.ModelPath, tc.PrettyModelPath); err != nil {
		return fmt.Errorf("saving model: %w", err)
	}
	o.logger.Info("model saved", "path", tc.ModelPath, "pretty_path", tc.PrettyModelPath, "bytes", len(model))
	return nil
}
