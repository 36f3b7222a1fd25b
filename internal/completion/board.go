package completion

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/logger"
)

// Board wakes artifact waiters in the same process as soon as the artifact
// is published or marked failed. Waiters still poll at their interval, so
// producers in other processes are noticed too. A nil *Board only polls.
type Board struct {
	mu      sync.Mutex
	waiters map[string]chan struct{}
}

func NewBoard() *Board {
	return &Board{waiters: make(map[string]chan struct{})}
}

// watch returns a channel closed by the next Notify for path.
func (b *Board) watch(path string) <-chan struct{} {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.waiters[path]
	if !ok {
		ch = make(chan struct{})
		b.waiters[path] = ch
	}
	return ch
}

// Notify wakes everyone waiting on path.
func (b *Board) Notify(path string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	ch, ok := b.waiters[path]
	delete(b.waiters, path)
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// MarkFailed writes the failure marker for artifact and wakes its waiters.
func (b *Board) MarkFailed(artifact string, cause error) error {
	err := MarkFailed(artifact, cause)
	b.Notify(artifact)
	return err
}

// WaitForArtifact blocks until path exists, checking immediately, on every
// Notify for path and every interval. It fails with ErrArtifactMissing once
// the producer has left a failure marker.
func (b *Board) WaitForArtifact(ctx context.Context, path string, interval time.Duration) error {
	check := func() (bool, error) {
		if exists(path) {
			return true, nil
		}
		if msg, err := os.ReadFile(FailedPath(path)); err == nil {
			return false, apperrors.Newf(apperrors.ErrArtifactMissing, "%s: upstream failed: %s", path, strings.TrimSpace(string(msg)))
		}
		return false, nil
	}
	// Subscribe before the first check so a publish in between is not lost.
	wake := b.watch(path)
	if ok, err := check(); ok || err != nil {
		return err
	}
	logger.FromContext(ctx).Info("waiting for upstream artifact", "artifact", path, "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", path, ctx.Err())
		case <-wake:
			wake = b.watch(path)
		case <-ticker.C:
		}
		if ok, err := check(); ok || err != nil {
			return err
		}
	}
}
