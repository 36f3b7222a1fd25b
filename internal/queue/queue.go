// Package queue is the bounded producer/consumer channel between stream
// workers and the trainer. Push blocks while the queue holds Capacity
// items, which is the only backpressure in streaming mode. Producers close
// their stream with Finish; the consumer also watches producer liveness so a
// producer that dies without finishing cannot hang the run.
package queue

import (
	"context"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/errors"
)

// ErrTimeout is returned by Pop when nothing arrived within the timeout. It
// says nothing about whether more items will come.
var ErrTimeout = apperrors.ErrQueueTimeout

// Item is one queue entry: a text chunk, or a producer's end marker.
type Item struct {
	Text     string
	End      bool
	Producer string
}

// Queue is a bounded FIFO shared by producers and one consumer. Order is
// preserved per producer only.
type Queue interface {
	Push(ctx context.Context, text string) error
	Finish(ctx context.Context, producer string) error
	Pop(ctx context.Context, timeout time.Duration) (Item, error)
	Len(ctx context.Context) (int, error)
	Capacity() int
}
