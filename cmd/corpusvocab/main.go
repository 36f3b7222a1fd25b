package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/logger"
)

const usage = `usage: corpusvocab <command> [flags]

commands:
  batch    download, extract and convert every shard, then train on the text files
  stream   stream every shard through the bounded queue into the trainer
  worker   run one worker (started by batch/stream in exec: process)
  status   print the shard ledger
  events   follow shard lifecycle events
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	stageName := fs.String("stage", "", "worker: stage to run (download, extract, convert, stream)")
	index := fs.Int("index", -1, "worker: shard index, or stream worker id")
	fs.Parse(os.Args[2:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	var logFile io.Closer
	switch command {
	case "batch", "stream", "worker":
		logPath := filepath.Join(cfg.Pipeline.LogDir(), fmt.Sprintf("%d.log", os.Getpid()))
		if logFile, err = logger.SetupFile(cfg.Logging.Level, cfg.Logging.Format, logPath); err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
	default:
		logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, command, cfg, *configPath, pipeline.WorkerSpec{Stage: *stageName, Index: *index})
	stop()
	if err != nil {
		slog.Error("command failed", "command", command, "error", err)
	}
	if logFile != nil {
		logFile.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, cfg *config.Config, configPath string, spec pipeline.WorkerSpec) error {
	switch command {
	case "batch", "stream":
		return runPipeline(ctx, command, cfg, configPath)
	case "worker":
		if spec.Stage == "" || spec.Index < 0 {
			return errors.New("worker needs -stage and -index")
		}
		return runWorker(ctx, cfg, spec)
	case "status":
		return runStatus(ctx, cfg, os.Stdout)
	case "events":
		return runEvents(ctx, cfg, os.Stdout)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func runPipeline(ctx context.Context, mode string, cfg *config.Config, configPath string) error {
	d, err := newDeps(ctx, cfg, "orchestrator")
	if err != nil {
		return err
	}
	defer d.Close()
	if cfg.Metrics.Enabled {
		shutdown := startMetrics(cfg, d)
		defer shutdown(context.Background())
	}

	opts, err := d.options(cfg)
	if err != nil {
		return err
	}
	if cfg.Pipeline.Exec == config.ExecProcess {
		if opts.Self, err = os.Executable(); err != nil {
			return fmt.Errorf("locating executable: %w", err)
		}
		if configPath != "" {
			if opts.ConfigPath, err = filepath.Abs(configPath); err != nil {
				return err
			}
		}
	}
	o, err := pipeline.New(cfg, opts)
	if err != nil {
		return err
	}

	if d.ledger != nil {
		if err := d.ledger.Seed(ctx, cfg.Pipeline.Splits); err != nil {
			slog.Warn("seeding shard ledger", "error", err)
		}
	}

	slog.Info("pipeline starting", "mode", mode, "exec", cfg.Pipeline.Exec, "splits", cfg.Pipeline.Splits, "base_dir", cfg.Pipeline.BaseDir)
	if mode == "batch" {
		err = o.RunBatch(ctx)
	} else {
		err = o.RunStream(ctx)
	}
	if err != nil {
		return err
	}
	slog.Info("pipeline finished", "model", cfg.Trainer.ModelPath)
	return nil
}

func runWorker(ctx context.Context, cfg *config.Config, spec pipeline.WorkerSpec) error {
	d, err := newDeps(ctx, cfg, spec.Name())
	if err != nil {
		return err
	}
	defer d.Close()
	opts, err := d.options(cfg)
	if err != nil {
		return err
	}
	o, err := pipeline.New(cfg, opts)
	if err != nil {
		return err
	}
	return o.RunWorker(ctx, spec)
}
