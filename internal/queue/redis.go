package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/redis"
)

// boundedPush pushes ARGV[2] only while the list holds fewer than ARGV[1]
// entries. Check and push run atomically on the server.
var boundedPush = pkgredis.NewScript(`
if redis.call('LLEN', KEYS[1]) >= tonumber(ARGV[1]) then
	return 0
end
return redis.call('LPUSH', KEYS[1], ARGV[2])
`)

// Entries carry a one-byte tag: 'r' for a record, 'e' for an end marker
// followed by the producer name.
const (
	tagRecord = 'r'
	tagEnd    = 'e'
)

const (
	minBackoff = 5 * time.Millisecond
	maxBackoff = 250 * time.Millisecond
)

// Redis is a queue shared by worker processes. Producers LPUSH and the
// consumer BRPOPs, so the list is FIFO.
type Redis struct {
	client *pkgredis.Client
	key    string
	cap    int
}

func NewRedis(client *pkgredis.Client, name string, capacity int) *Redis {
	return &Redis{
		client: client,
		key:    client.Key("queue:" + name),
		cap:    capacity,
	}
}

// Reset empties the list. Only the orchestrator calls it, before any
// producer starts.
func (q *Redis) Reset(ctx context.Context) error {
	if err := q.client.Del(ctx, q.key); err != nil {
		return fmt.Errorf("resetting queue: %w", err)
	}
	return nil
}

func (q *Redis) Push(ctx context.Context, text string) error {
	return q.put(ctx, string(tagRecord)+text)
}

func (q *Redis) Finish(ctx context.Context, producer string) error {
	return q.put(ctx, string(tagEnd)+producer)
}

// put retries the bounded push with backoff while the list is full.
func (q *Redis) put(ctx context.Context, entry string) error {
	backoff := minBackoff
	for {
		n, err := q.client.Eval(ctx, boundedPush, []string{q.key}, q.cap, entry)
		if err != nil {
			return fmt.Errorf("queue push: %w", err)
		}
		if depth, _ := n.(int64); depth > 0 {
			metrics.Default().QueueDepth.Set(float64(depth))
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("queue push: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (q *Redis) Pop(ctx context.Context, timeout time.Duration) (Item, error) {
	v, ok, err := q.client.BRPop(ctx, timeout, q.key)
	if err != nil {
		if ctx.Err() != nil {
			return Item{}, fmt.Errorf("queue pop: %w", ctx.Err())
		}
		return Item{}, fmt.Errorf("queue pop: %w", err)
	}
	if !ok {
		return Item{}, ErrTimeout
	}
	return decode(v)
}

func decode(v string) (Item, error) {
	if v == "" {
		return Item{}, fmt.Errorf("queue pop: empty entry")
	}
	switch v[0] {
	case tagRecord:
		return Item{Text: v[1:]}, nil
	case tagEnd:
		return Item{End: true, Producer: v[1:]}, nil
	default:
		return Item{}, fmt.Errorf("queue pop: unknown entry tag %q", v[0])
	}
}

func (q *Redis) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key)
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	metrics.Default().QueueDepth.Set(float64(n))
	return int(n), nil
}

func (q *Redis) Capacity() int {
	return q.cap
}
