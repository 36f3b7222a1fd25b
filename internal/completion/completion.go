// Package completion implements the completion-signal protocol that runs a
// blocking external command under a resource gate and hands its result to
// the waiter, plus the coarse cross-stage wait on upstream artifacts.
//
// A command's result travels through a completion token: a file under the
// done directory named after the owning process, stage and shard, holding
// "ok" or "error: <message>". The token is written once by the goroutine
// that ran the command, read once by the waiter, then deleted. This is only
// correct while each token path has a single waiter; the naming scheme
// guarantees it within one program, but nothing stops two programs sharing
// a pid namespace and done directory from colliding.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/gate"
	apperrors "github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/logger"
)

// Task is one gated unit of work. Run must write its output to PartPath;
// the protocol publishes it at Artifact only after Run succeeds, so the
// existence of Artifact always means a complete output.
type Task struct {
	Stage    string
	Shard    int
	Artifact string
	Run      func(ctx context.Context, partPath string) error
}

// PartPath is where a task writes before its output is published.
func PartPath(artifact string) string {
	return artifact + ".part"
}

// Protocol runs Tasks. With Sentinels off the result is handed over on an
// in-memory channel instead of a token file. Board, when set, is notified
// of every artifact the protocol publishes.
type Protocol struct {
	DoneDir   string
	PID       int
	Poll      time.Duration
	Sentinels bool
	Board     *Board
}

// Outcome reports how a task ended.
type Outcome int

const (
	Ran Outcome = iota
	Skipped
)

// Run executes t under g unless its artifact already exists.
func (p *Protocol) Run(ctx context.Context, g gate.Gate, t Task) (Outcome, error) {
	log := logger.FromContext(ctx).With("stage", t.Stage, "shard", t.Shard)
	if exists(t.Artifact) {
		log.Info("artifact present, skipping", "artifact", t.Artifact)
		return Skipped, nil
	}
	err := gate.Do(ctx, g, func(ctx context.Context) error {
		// Another process may have finished while we queued on the gate.
		if exists(t.Artifact) {
			return errSkip
		}
		return p.runAndWait(ctx, log, t)
	})
	if errors.Is(err, errSkip) {
		log.Info("artifact appeared while waiting for gate, skipping", "artifact", t.Artifact)
		return Skipped, nil
	}
	return Ran, err
}

var errSkip = errors.New("artifact already published")

func (p *Protocol) runAndWait(ctx context.Context, log *slog.Logger, t Task) error {
	part := PartPath(t.Artifact)
	if err := os.MkdirAll(filepath.Dir(t.Artifact), 0755); err != nil {
		return fmt.Errorf("creating artifact directory: %w", err)
	}

	result := make(chan error, 1)
	cause := make(chan error, 1)
	token := p.TokenPath(t.Stage, t.Shard)
	if p.Sentinels {
		if err := os.MkdirAll(p.DoneDir, 0755); err != nil {
			return fmt.Errorf("creating done directory: %w", err)
		}
		if exists(token) {
			return apperrors.Newf(apperrors.ErrTokenCollision, "%s", token)
		}
	}

	start := time.Now()
	go func() {
		err := t.Run(ctx, part)
		if err == nil {
			if err = publish(part, t.Artifact); err == nil {
				p.Board.Notify(t.Artifact)
			}
		}
		if !p.Sentinels {
			result <- err
			return
		}
		cause <- err
		if werr := writeToken(token, err); werr != nil {
			// Without a token the waiter would spin forever.
			log.Error("writing completion token", "token", token, "error", werr)
			result <- errors.Join(err, werr)
		}
	}()

	var err error
	if p.Sentinels {
		err = p.awaitToken(token, result)
		if err != nil {
			// The token only carries the message; keep the wrapped
			// error when this goroutine produced it.
			select {
			case c := <-cause:
				if c != nil {
					err = c
				}
			default:
			}
		}
	} else {
		err = <-result
	}
	if err != nil {
		_ = os.Remove(part)
		log.Error("command failed", "elapsed", time.Since(start).Round(time.Millisecond), "error", err)
		return err
	}
	log.Info("command finished", "elapsed", time.Since(start).Round(time.Millisecond), "artifact", t.Artifact)
	return nil
}

// awaitToken polls for the token, reads the status it carries and deletes
// it. The waiter keeps polling after ctx ends: the command shares ctx and
// will return, and leaving its token behind would collide on restart.
// result only carries a value when the token could not be written.
func (p *Protocol) awaitToken(token string, result <-chan error) error {
	ticker := time.NewTicker(p.poll())
	defer ticker.Stop()
	for {
		status, err := os.ReadFile(token)
		if err == nil {
			if rmErr := os.Remove(token); rmErr != nil {
				return fmt.Errorf("deleting completion token: %w", rmErr)
			}
			return parseToken(status)
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("reading completion token: %w", err)
		}
		select {
		case err := <-result:
			return err
		case <-ticker.C:
		}
	}
}

func (p *Protocol) poll() time.Duration {
	if p.Poll <= 0 {
		return 50 * time.Millisecond
	}
	return p.Poll
}

// TokenPath is the token location for one stage of one shard in this process.
func (p *Protocol) TokenPath(stage string, shard int) string {
	return filepath.Join(p.DoneDir, fmt.Sprintf("%d-%s-%02d.done", p.PID, stage, shard))
}

const tokenOK = "ok"

func writeToken(path string, runErr error) error {
	body := tokenOK
	if runErr != nil {
		body = "error: " + runErr.Error()
	}
	// Write then rename so the waiter never reads a half-written status.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(body+"\n"), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func parseToken(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == tokenOK {
		return nil
	}
	return errors.New(strings.TrimPrefix(s, "error: "))
}

func publish(part, artifact string) error {
	if err := os.Rename(part, artifact); err != nil {
		return fmt.Errorf("publishing artifact %s: %w", artifact, err)
	}
	return nil
}

// WaitForArtifact polls for path without in-process notification.
func WaitForArtifact(ctx context.Context, path string, interval time.Duration) error {
	return (*Board)(nil).WaitForArtifact(ctx, path, interval)
}

// FailedPath is the marker written when the producer of artifact gives up.
func FailedPath(artifact string) string {
	return artifact + ".failed"
}

// MarkFailed records that artifact will not be produced in this run.
func MarkFailed(artifact string, cause error) error {
	if err := os.MkdirAll(filepath.Dir(artifact), 0755); err != nil {
		return err
	}
	tmp := FailedPath(artifact) + ".tmp"
	if err := os.WriteFile(tmp, []byte(cause.Error()+"\n"), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, FailedPath(artifact))
}

// ClearFailed removes a failure marker left by an earlier run.
func ClearFailed(artifact string) error {
	if err := os.Remove(FailedPath(artifact)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Exists reports whether path is present.
func Exists(path string) bool {
	return exists(path)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
