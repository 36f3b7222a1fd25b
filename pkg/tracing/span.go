// Package tracing records a tree of timed spans for one pipeline run: the
// run itself, one child per worker and one for training. The tree is carried
// in the context and written to slog when the run ends.
package tracing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type contextKey struct{}

// Span is one timed operation. Fields are read only after End.
type Span struct {
	Name     string
	RunID    string
	Start    time.Time
	Duration time.Duration
	Err      error

	mu       sync.Mutex
	children []*Span
	attrs    []any
}

// Start begins a span. With a span already in ctx the new one becomes its
// child and inherits its run id; otherwise it is a root span with a fresh id.
func Start(ctx context.Context, name string, attrs ...any) (context.Context, *Span) {
	s := &Span{Name: name, Start: time.Now(), attrs: attrs}
	if parent := FromContext(ctx); parent != nil {
		s.RunID = parent.RunID
		parent.mu.Lock()
		parent.children = append(parent.children, s)
		parent.mu.Unlock()
	} else {
		s.RunID = uuid.NewString()
	}
	return context.WithValue(ctx, contextKey{}, s), s
}

// End stops the clock and records err, which may be nil.
func (s *Span) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Duration = time.Since(s.Start)
	s.Err = err
}

// SetAttr attaches a key-value pair that is logged with the span.
func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	s.attrs = append(s.attrs, key, value)
	s.mu.Unlock()
}

// Children returns a snapshot of the span's direct children.
func (s *Span) Children() []*Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Span(nil), s.children...)
}

// FromContext returns the current span, or nil.
func FromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(contextKey{}).(*Span)
	return s
}

// Log writes the span and its descendants, one record each.
func (s *Span) Log(logger *slog.Logger) {
	s.log(logger, 0)
}

func (s *Span) log(logger *slog.Logger, depth int) {
	s.mu.Lock()
	attrs := append([]any{
		"run_id", s.RunID,
		"span", s.Name,
		"duration", s.Duration.Round(time.Millisecond),
		"depth", depth,
	}, s.attrs...)
	level := slog.LevelInfo
	if s.Err != nil {
		attrs = append(attrs, "error", s.Err)
		level = slog.LevelWarn
	}
	children := append([]*Span(nil), s.children...)
	s.mu.Unlock()

	logger.Log(context.Background(), level, "span", attrs...)
	for _, c := range children {
		c.log(logger, depth+1)
	}
}
