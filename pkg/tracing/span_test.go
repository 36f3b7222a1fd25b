package tracing

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestChildInheritsRunID(t *testing.T) {
	ctx, root := Start(context.Background(), "batch")
	_, child := Start(ctx, "download-00", "shard", 0)
	child.End(nil)
	root.End(nil)

	if root.RunID == "" || child.RunID != root.RunID {
		t.Fatalf("run ids: root %q child %q", root.RunID, child.RunID)
	}
	if got := root.Children(); len(got) != 1 || got[0] != child {
		t.Fatalf("children = %v", got)
	}
	if FromContext(context.Background()) != nil {
		t.Fatal("empty context should carry no span")
	}
}

func TestLogMarksFailedSpans(t *testing.T) {
	ctx, root := Start(context.Background(), "stream")
	_, ok := Start(ctx, "stream-00")
	_, bad := Start(ctx, "stream-01")
	ok.End(nil)
	bad.End(errors.New("mirror unreachable"))
	root.End(nil)

	var buf bytes.Buffer
	root.Log(slog.New(slog.NewTextHandler(&buf, nil)))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 records, got %d:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[2], "level=WARN") || !strings.Contains(lines[2], "mirror unreachable") {
		t.Errorf("failed span record = %q", lines[2])
	}
	if !strings.Contains(lines[1], "depth=1") {
		t.Errorf("child record = %q", lines[1])
	}
}
