// Package errors defines the error taxonomy shared by the pipeline stages:
// sentinel values for the well-known failure classes and ShardError, which
// attaches the owning shard and stage to any failure.
package errors

import (
	"errors"
	"fmt"
)

var (
	ErrTransientFetch  = errors.New("transient fetch failure")
	ErrRecordParse     = errors.New("record parse failure")
	ErrQueueTimeout    = errors.New("queue pop timed out")
	ErrArtifactMissing = errors.New("artifact missing")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrTokenCollision  = errors.New("completion token already exists")
)

// ShardError records which shard and stage a failure belongs to. Failures
// never cross shard boundaries, so every per-shard error is wrapped in one.
type ShardError struct {
	Shard int
	Stage string
	Err   error
}

func (e *ShardError) Error() string {
	return fmt.Sprintf("shard %d %s: %s", e.Shard, e.Stage, e.Err.Error())
}

func (e *ShardError) Unwrap() error {
	return e.Err
}

// Wrap returns err wrapped in a ShardError, or nil when err is nil.
func Wrap(shard int, stage string, err error) error {
	if err == nil {
		return nil
	}
	return &ShardError{Shard: shard, Stage: stage, Err: err}
}

func Newf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientFetch) || errors.Is(err, ErrQueueTimeout)
}

// ShardOf extracts the shard index from err, if any.
func ShardOf(err error) (int, bool) {
	var se *ShardError
	if errors.As(err, &se) {
		return se.Shard, true
	}
	return 0, false
}
