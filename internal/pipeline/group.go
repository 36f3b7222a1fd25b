package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/tracing"
)

// Task is one unit of work for a Group. Local groups call Run; process
// groups start a child with Args instead.
type Task struct {
	Name string
	Args []string
	Run  func(ctx context.Context) error
}

// Group runs tasks concurrently and reports how many are still running.
// A failing task never stops its siblings.
type Group interface {
	Start(ctx context.Context, t Task)
	Alive() int
	Wait() error
}

type failures struct {
	mu   sync.Mutex
	errs []error
}

func (f *failures) add(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *failures) join() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return errors.Join(f.errs...)
}

// LocalGroup runs tasks as goroutines.
type LocalGroup struct {
	g     errgroup.Group
	alive atomic.Int64
	fail  failures
}

func NewLocalGroup() *LocalGroup {
	return &LocalGroup{}
}

func (l *LocalGroup) Start(ctx context.Context, t Task) {
	l.alive.Add(1)
	metrics.Default().ActiveWorkers.Inc()
	ctx, span := tracing.Start(ctx, t.Name)
	l.g.Go(func() error {
		defer metrics.Default().ActiveWorkers.Dec()
		defer l.alive.Add(-1)
		err := t.Run(ctx)
		span.End(err)
		if err != nil {
			l.fail.add(fmt.Errorf("%s: %w", t.Name, err))
		}
		return nil
	})
}

func (l *LocalGroup) Alive() int {
	return int(l.alive.Load())
}

func (l *LocalGroup) Wait() error {
	_ = l.g.Wait()
	return l.fail.join()
}

// ProcessGroup runs each task as a child process of the same binary.
// Liveness is the number of children that have not yet exited.
type ProcessGroup struct {
	self  string
	base  []string
	wg    sync.WaitGroup
	alive atomic.Int64
	fail  failures
}

// NewProcessGroup starts children as `self base... task.Args...`.
func NewProcessGroup(self string, base []string) *ProcessGroup {
	return &ProcessGroup{self: self, base: base}
}

func (p *ProcessGroup) Start(ctx context.Context, t Task) {
	args := append(append([]string{}, p.base...), t.Args...)
	cmd := exec.CommandContext(ctx, p.self, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	_, span := tracing.Start(ctx, t.Name)
	if err := cmd.Start(); err != nil {
		err = fmt.Errorf("%s: starting worker process: %w", t.Name, err)
		span.End(err)
		p.fail.add(err)
		return
	}
	span.SetAttr("pid", cmd.Process.Pid)
	slog.Default().Debug("worker process started", "task", t.Name, "pid", cmd.Process.Pid)

	p.alive.Add(1)
	metrics.Default().ActiveWorkers.Inc()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer metrics.Default().ActiveWorkers.Dec()
		defer p.alive.Add(-1)
		err := cmd.Wait()
		span.End(err)
		if err != nil {
			p.fail.add(fmt.Errorf("%s (pid %d): %w", t.Name, cmd.Process.Pid, err))
		}
	}()
}

func (p *ProcessGroup) Alive() int {
	return int(p.alive.Load())
}

func (p *ProcessGroup) Wait() error {
	p.wg.Wait()
	return p.fail.join()
}
