package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/metrics"
)

// Local is an in-process queue over a buffered channel.
type Local struct {
	ch chan Item
}

func NewLocal(capacity int) *Local {
	return &Local{ch: make(chan Item, capacity)}
}

func (q *Local) Push(ctx context.Context, text string) error {
	return q.put(ctx, Item{Text: text})
}

func (q *Local) Finish(ctx context.Context, producer string) error {
	return q.put(ctx, Item{End: true, Producer: producer})
}

func (q *Local) put(ctx context.Context, it Item) error {
	select {
	case q.ch <- it:
		metrics.Default().QueueDepth.Set(float64(len(q.ch)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue push: %w", ctx.Err())
	}
}

func (q *Local) Pop(ctx context.Context, timeout time.Duration) (Item, error) {
	// Fast path avoids a timer per item.
	select {
	case it := <-q.ch:
		metrics.Default().QueueDepth.Set(float64(len(q.ch)))
		return it, nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case it := <-q.ch:
		metrics.Default().QueueDepth.Set(float64(len(q.ch)))
		return it, nil
	case <-timer.C:
		return Item{}, ErrTimeout
	case <-ctx.Done():
		return Item{}, fmt.Errorf("queue pop: %w", ctx.Err())
	}
}

func (q *Local) Len(context.Context) (int, error) {
	return len(q.ch), nil
}

func (q *Local) Capacity() int {
	return cap(q.ch)
}
