package progress

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/shard"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/kafka"
)

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) Track(_ context.Context, u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func TestReportFansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Report(context.Background(), Multi{a, b, Nop{}, Metrics{}}, "worker-1", 7, shard.Failed, "extract", 12, errors.New("bad zstd"))

	for _, r := range []*recorder{a, b} {
		if len(r.updates) != 1 {
			t.Fatalf("updates = %d, want 1", len(r.updates))
		}
		u := r.updates[0]
		if u.Shard != 7 || u.State != shard.Failed || u.Name != "failed" || u.Error != "bad zstd" || u.Worker != "worker-1" {
			t.Fatalf("update = %+v", u)
		}
		if u.At.IsZero() {
			t.Fatal("update not timestamped")
		}
	}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []kafka.Event
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, e kafka.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

func TestEventsKeyedByShard(t *testing.T) {
	pub := &fakePublisher{}
	ev := NewEvents(pub)
	Report(context.Background(), ev, "w0", 12, shard.Downloading, "download", 0, nil)

	if len(pub.events) != 1 {
		t.Fatalf("events = %d", len(pub.events))
	}
	if pub.events[0].Key != "12" {
		t.Fatalf("key = %q, want shard index", pub.events[0].Key)
	}
}

func TestEventsBreakerStopsCallingDeadBroker(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	ev := NewEvents(pub)
	for i := 0; i < 10; i++ {
		Report(context.Background(), ev, "w0", i, shard.Done, "convert", 0, nil)
	}
	if state := ev.breaker.GetState(); state.String() != "open" {
		t.Fatalf("breaker state = %s, want open", state)
	}
}

func TestCounterLogsEveryN(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	c := NewCounter("convert", 2, log)
	c.Add(3)
	c.Skip()
	c.Add(4)
	c.Add(5)

	if c.Records() != 3 || c.Bytes() != 12 || c.Skipped() != 1 {
		t.Fatalf("records=%d bytes=%d skipped=%d", c.Records(), c.Bytes(), c.Skipped())
	}
	if n := strings.Count(buf.String(), "msg=progress"); n != 1 {
		t.Fatalf("progress lines = %d, want 1\n%s", n, buf.String())
	}
	if !strings.Contains(buf.String(), "bytes=7") {
		t.Fatalf("progress line missing cumulative bytes: %s", buf.String())
	}
}
