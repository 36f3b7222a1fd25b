// Package gate implements the counting-semaphore Resource Gates that bound
// how many external commands of one stage run at once. The local gate
// serves goroutine workers; the Redis gate is shared by worker processes.
package gate

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/metrics"
)

// Gate bounds concurrent holders to Capacity. Release must be called once
// for every successful Acquire.
type Gate interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
	Name() string
	Capacity() int
}

// Set holds the gate for each stage.
type Set struct {
	Download Gate
	Extract  Gate
	Convert  Gate
}

// Local is an in-process gate backed by a weighted semaphore.
type Local struct {
	name string
	cap  int
	sem  *semaphore.Weighted
}

func NewLocal(name string, capacity int) *Local {
	return &Local{
		name: name,
		cap:  capacity,
		sem:  semaphore.NewWeighted(int64(capacity)),
	}
}

func (g *Local) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquiring %s gate: %w", g.name, err)
	}
	metrics.Default().GateInUse.WithLabelValues(g.name).Inc()
	return nil
}

func (g *Local) Release(context.Context) error {
	g.sem.Release(1)
	metrics.Default().GateInUse.WithLabelValues(g.name).Dec()
	return nil
}

func (g *Local) Name() string  { return g.name }
func (g *Local) Capacity() int { return g.cap }

// Do runs fn while holding a permit of g.
func Do(ctx context.Context, g Gate, fn func(ctx context.Context) error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		// Release must outlive a cancelled ctx or the permit leaks.
		if err := g.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Default().Error("releasing gate", "gate", g.Name(), "error", err)
		}
	}()
	return fn(ctx)
}
