package trainer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// Command runs an external trainer program. It is invoked as
//
//	<argv...> --config <file> --files <path>...
//	<argv...> --config <file> --stdin
//
// In stdin mode every chunk is written as one JSON string per line. The
// program prints the trained model on stdout.
type Command struct {
	argv   []string
	cfg    Config
	tmpDir string
	logger *slog.Logger
}

// NewCommand returns a Command that writes its config file under tmpDir.
func NewCommand(argv []string, cfg Config, tmpDir string) (*Command, error) {
	if len(argv) == 0 {
		return nil, errors.New("trainer command is empty")
	}
	return &Command{
		argv:   argv,
		cfg:    cfg,
		tmpDir: tmpDir,
		logger: slog.Default().With("component", "trainer"),
	}, nil
}

func (c *Command) TrainFiles(ctx context.Context, files []string) ([]byte, error) {
	c.logger.Info("training on files", "files", len(files), "vocab_size", c.cfg.VocabSize)
	return c.run(ctx, append([]string{"--files"}, files...), nil)
}

func (c *Command) TrainStream(ctx context.Context, chunks iter.Seq[string]) ([]byte, error) {
	c.logger.Info("training on stream", "vocab_size", c.cfg.VocabSize)
	return c.run(ctx, []string{"--stdin"}, chunks)
}

func (c *Command) run(ctx context.Context, extra []string, chunks iter.Seq[string]) ([]byte, error) {
	cfgPath, err := c.writeConfig()
	if err != nil {
		return nil, err
	}
	defer os.Remove(cfgPath)

	args := append(append([]string{}, c.argv[1:]...), "--config", cfgPath)
	args = append(args, extra...)
	cmd := exec.CommandContext(ctx, c.argv[0], args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr
	cmd.WaitDelay = 10 * time.Second

	var stdin io.WriteCloser
	if chunks != nil {
		if stdin, err = cmd.StdinPipe(); err != nil {
			return nil, fmt.Errorf("trainer stdin: %w", err)
		}
	}
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting trainer: %w", err)
	}

	g := new(errgroup.Group)
	if chunks != nil {
		g.Go(func() error { return c.feed(stdin, chunks) })
	}
	feedErr := g.Wait()
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("trainer exited: %w", err)
	}
	if feedErr != nil {
		return nil, feedErr
	}
	if stdout.Len() == 0 {
		return nil, errors.New("trainer produced no model")
	}
	c.logger.Info("training finished", "elapsed", time.Since(start).Round(time.Second), "model_bytes", stdout.Len())
	return stdout.Bytes(), nil
}

// feed writes chunks to w and closes it. A trainer that exits early
// closes the pipe; the remaining chunks are then dropped and the exit
// status decides the outcome.
func (c *Command) feed(w io.WriteCloser, chunks iter.Seq[string]) error {
	bw := bufio.NewWriterSize(w, 1<<20)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	var n int64
	var err error
	for chunk := range chunks {
		if err = enc.Encode(chunk); err != nil {
			break
		}
		n++
	}
	if err == nil {
		err = bw.Flush()
	}
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	c.logger.Info("stream fed to trainer", "chunks", n)
	if errors.Is(err, os.ErrClosed) || isBrokenPipe(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("feeding trainer: %w", err)
	}
	return nil
}

func (c *Command) writeConfig() (string, error) {
	if err := os.MkdirAll(c.tmpDir, 0755); err != nil {
		return "", fmt.Errorf("creating trainer config directory: %w", err)
	}
	data, err := json.Marshal(c.cfg)
	if err != nil {
		return "", fmt.Errorf("marshaling trainer config: %w", err)
	}
	f, err := os.CreateTemp(c.tmpDir, "trainer-*.json")
	if err != nil {
		return "", fmt.Errorf("creating trainer config: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("writing trainer config: %w", err)
	}
	return filepath.Clean(f.Name()), nil
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE)
}
