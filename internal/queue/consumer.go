package queue

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"
)

// Liveness reports how many producers are still running.
type Liveness interface {
	Alive() int
}

// LivenessFunc adapts a function to Liveness.
type LivenessFunc func() int

func (f LivenessFunc) Alive() int { return f() }

// drainTimeout bounds each pop once every producer has exited. Anything
// still queued is already there, so a short wait suffices.
const drainTimeout = time.Second

// Consumer turns a Queue into a single-pass sequence of text chunks.
type Consumer struct {
	q         Queue
	live      Liveness
	producers int
	timeout   time.Duration
	used      atomic.Bool
	finished  atomic.Bool
	yielded   atomic.Int64
	err       error
	logger    *slog.Logger
}

// NewConsumer returns a Consumer over q fed by producers producers. Each
// Pop waits up to timeout.
func NewConsumer(q Queue, live Liveness, producers int, timeout time.Duration) *Consumer {
	return &Consumer{
		q:         q,
		live:      live,
		producers: producers,
		timeout:   timeout,
		logger:    slog.Default().With("component", "queue-consumer"),
	}
}

// All yields chunks until every producer has sent its end marker, or until
// a timed pop comes back empty with no producer alive and the queue has
// then been drained. The sequence can be ranged over once; later calls
// yield nothing. A queue failure ends the sequence early and is reported
// by Err.
func (c *Consumer) All(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		if !c.used.CompareAndSwap(false, true) {
			return
		}
		ended := 0
		draining := false
		for {
			timeout := c.timeout
			if draining {
				timeout = drainTimeout
			}
			it, err := c.q.Pop(ctx, timeout)
			switch {
			case err == nil:
			case errors.Is(err, ErrTimeout):
				if draining {
					c.logger.Info("queue drained, all producers gone", "end_markers", ended, "producers", c.producers)
					c.finished.Store(true)
					return
				}
				if n := c.live.Alive(); n > 0 {
					c.logger.Debug("pop timed out, producers still alive", "alive", n)
					continue
				}
				draining = true
				continue
			default:
				c.err = err
				return
			}

			if it.End {
				ended++
				c.logger.Debug("producer finished", "producer", it.Producer, "ended", ended)
				if ended >= c.producers {
					c.finished.Store(true)
					return
				}
				continue
			}
			c.yielded.Add(1)
			if !yield(it.Text) {
				return
			}
		}
	}
}

// Finished reports whether the sequence reached the end of the stream,
// as opposed to being abandoned by the caller or ended by an error.
func (c *Consumer) Finished() bool {
	return c.finished.Load()
}

// Yielded returns how many chunks the sequence has handed out so far.
func (c *Consumer) Yielded() int64 {
	return c.yielded.Load()
}

// Err returns the error that ended the sequence, if any.
func (c *Consumer) Err() error {
	return c.err
}

// WaitFill blocks until q holds at least threshold items or no producer is
// alive, polling every poll.
func WaitFill(ctx context.Context, q Queue, threshold int, live Liveness, poll time.Duration) error {
	log := slog.Default().With("component", "queue-consumer")
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		n, err := q.Len(ctx)
		if err != nil {
			return err
		}
		if n >= threshold {
			log.Info("queue filled", "items", n, "threshold", threshold)
			return nil
		}
		if live.Alive() == 0 {
			log.Info("producers exited before fill threshold", "items", n, "threshold", threshold)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for queue fill: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
