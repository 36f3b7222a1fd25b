package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/progress"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/shard"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/config"
)

func TestPrintStatus(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := []progress.Row{
		{Shard: 0, State: shard.Done, Stage: "convert", Bytes: 42, Worker: "convert-00", UpdatedAt: at},
		{Shard: 1, State: shard.Failed, Stage: "download", Worker: "download-01", Error: "exit status 4", UpdatedAt: at},
	}
	var buf bytes.Buffer
	if err := printStatus(&buf, rows); err != nil {
		t.Fatalf("printStatus: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "SHARD") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], shard.Done.String()) || !strings.Contains(lines[1], "42") {
		t.Errorf("row 0 = %q", lines[1])
	}
	if !strings.Contains(lines[2], "exit status 4") {
		t.Errorf("row 1 = %q", lines[2])
	}
}

func TestFormatUpdate(t *testing.T) {
	u := progress.Update{Shard: 3, Name: "failed", Stage: "extract", Worker: "extract-03", Error: "boom", At: time.Unix(0, 0).UTC()}
	got := formatUpdate(u)
	for _, want := range []string{"shard=03", "state=failed", "stage=extract", "error=boom"} {
		if !strings.Contains(got, want) {
			t.Errorf("formatUpdate = %q, missing %q", got, want)
		}
	}
}

func TestRunRejectsWorkerWithoutSpec(t *testing.T) {
	cfg := config.Default()
	if err := run(t.Context(), "worker", cfg, "", pipeline.WorkerSpec{Index: -1}); err == nil {
		t.Fatal("expected error for worker without -stage")
	}
	if err := run(t.Context(), "status", cfg, "", pipeline.WorkerSpec{}); err == nil {
		t.Fatal("expected error for status without postgres")
	}
}
