package completion

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/gate"
	apperrors "github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/errors"
)

func newProtocol(t *testing.T, sentinels bool) *Protocol {
	t.Helper()
	return &Protocol{
		DoneDir:   filepath.Join(t.TempDir(), "done"),
		PID:       4242,
		Poll:      5 * time.Millisecond,
		Sentinels: sentinels,
	}
}

func writeTask(artifact, body string, calls *atomic.Int32) Task {
	return Task{
		Stage:    "download",
		Shard:    3,
		Artifact: artifact,
		Run: func(_ context.Context, part string) error {
			calls.Add(1)
			return os.WriteFile(part, []byte(body), 0644)
		},
	}
}

func TestRunPublishesArtifactAndConsumesToken(t *testing.T) {
	for _, sentinels := range []bool{true, false} {
		p := newProtocol(t, sentinels)
		artifact := filepath.Join(t.TempDir(), "03.jsonl.zst")
		var calls atomic.Int32

		out, err := p.Run(context.Background(), gate.NewLocal("download", 1), writeTask(artifact, "payload", &calls))
		if err != nil {
			t.Fatalf("sentinels=%v: Run: %v", sentinels, err)
		}
		if out != Ran || calls.Load() != 1 {
			t.Fatalf("sentinels=%v: outcome=%v calls=%d", sentinels, out, calls.Load())
		}
		if got, _ := os.ReadFile(artifact); string(got) != "payload" {
			t.Fatalf("artifact = %q", got)
		}
		if Exists(PartPath(artifact)) {
			t.Error("part file left behind")
		}
		if Exists(p.TokenPath("download", 3)) {
			t.Error("completion token not deleted after observation")
		}
	}
}

func TestRunSkipsExistingArtifact(t *testing.T) {
	p := newProtocol(t, true)
	artifact := filepath.Join(t.TempDir(), "03.jsonl.zst")
	if err := os.WriteFile(artifact, []byte("original"), 0644); err != nil {
		t.Fatal(err)
	}
	var calls atomic.Int32
	out, err := p.Run(context.Background(), gate.NewLocal("download", 1), writeTask(artifact, "replaced", &calls))
	if err != nil {
		t.Fatal(err)
	}
	if out != Skipped || calls.Load() != 0 {
		t.Fatalf("outcome=%v calls=%d, want skip without running", out, calls.Load())
	}
	if got, _ := os.ReadFile(artifact); string(got) != "original" {
		t.Fatalf("artifact modified: %q", got)
	}
}

func TestRunPropagatesCommandErrorThroughToken(t *testing.T) {
	p := newProtocol(t, true)
	artifact := filepath.Join(t.TempDir(), "03.jsonl")
	task := Task{
		Stage:    "extract",
		Shard:    3,
		Artifact: artifact,
		Run: func(_ context.Context, part string) error {
			_ = os.WriteFile(part, []byte("half"), 0644)
			return errors.New("zstd: corrupt input")
		},
	}
	_, err := p.Run(context.Background(), gate.NewLocal("extract", 1), task)
	if err == nil || !strings.Contains(err.Error(), "corrupt input") {
		t.Fatalf("err = %v, want command error", err)
	}
	if Exists(artifact) || Exists(PartPath(artifact)) {
		t.Error("failed command must not leave an artifact")
	}
	if Exists(p.TokenPath("extract", 3)) {
		t.Error("token not deleted")
	}
}

func TestRunRejectsTokenCollision(t *testing.T) {
	p := newProtocol(t, true)
	if err := os.MkdirAll(p.DoneDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p.TokenPath("download", 3), []byte("ok\n"), 0644); err != nil {
		t.Fatal(err)
	}
	var calls atomic.Int32
	_, err := p.Run(context.Background(), gate.NewLocal("download", 1), writeTask(filepath.Join(t.TempDir(), "x"), "", &calls))
	if err == nil {
		t.Fatal("expected collision error")
	}
	if calls.Load() != 0 {
		t.Fatal("command ran despite collision")
	}
}

func TestWaitForArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "05.jsonl.zst")
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = os.WriteFile(path, nil, 0644)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := WaitForArtifact(ctx, path, 5*time.Millisecond); err != nil {
		t.Fatalf("WaitForArtifact: %v", err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := WaitForArtifact(ctx, filepath.Join(t.TempDir(), "never"), 5*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestBoardWakesWaiterOnPublish(t *testing.T) {
	board := NewBoard()
	p := newProtocol(t, true)
	p.Board = board
	artifact := filepath.Join(t.TempDir(), "02.jsonl")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	waited := make(chan error, 1)
	go func() { waited <- board.WaitForArtifact(ctx, artifact, time.Hour) }()

	_, err := p.Run(ctx, gate.NewLocal("extract", 1), Task{
		Stage:    "extract",
		Shard:    2,
		Artifact: artifact,
		Run: func(_ context.Context, part string) error {
			return os.WriteFile(part, []byte("{}\n"), 0644)
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := <-waited; err != nil {
		t.Fatalf("WaitForArtifact: %v", err)
	}
}

func TestBoardWakesWaiterOnFailure(t *testing.T) {
	board := NewBoard()
	artifact := filepath.Join(t.TempDir(), "03.jsonl.zst")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	waited := make(chan error, 1)
	go func() { waited <- board.WaitForArtifact(ctx, artifact, time.Hour) }()

	time.Sleep(10 * time.Millisecond)
	if err := board.MarkFailed(artifact, errors.New("mirror returned 404")); err != nil {
		t.Fatal(err)
	}
	err := <-waited
	if !errors.Is(err, apperrors.ErrArtifactMissing) || !strings.Contains(err.Error(), "404") {
		t.Fatalf("err = %v, want ErrArtifactMissing carrying the cause", err)
	}
	if err := ClearFailed(artifact); err != nil {
		t.Fatal(err)
	}
	if Exists(FailedPath(artifact)) {
		t.Fatal("marker survived ClearFailed")
	}
}
