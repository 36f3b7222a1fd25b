// Package shard describes corpus partitions: their artifact layout on disk,
// the mirror each one is fetched from, their processing state, and how
// shard indices are divided among workers.
package shard

import (
	"fmt"
	"path/filepath"
)

// State is the processing state of a shard.
type State int

const (
	NotStarted State = iota
	Downloading
	Extracting
	Converting
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Downloading:
		return "downloading"
	case Extracting:
		return "extracting"
	case Converting:
		return "converting"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	for st := NotStarted; st <= Failed; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return NotStarted, fmt.Errorf("unknown shard state %q", s)
}

// Shard is one indexed partition of the corpus with the paths of its
// three artifacts. Each path has exactly one writing stage.
type Shard struct {
	Index        int
	URL          string
	Compressed   string
	Decompressed string
	Text         string
}

// Layout maps shard indices to artifact paths and source URLs.
type Layout struct {
	dir     string
	mirrors []string
}

// NewLayout returns a Layout rooted at downloadDir. Each mirror is a
// fmt pattern taking the shard index.
func NewLayout(downloadDir string, mirrors []string) *Layout {
	return &Layout{dir: downloadDir, mirrors: mirrors}
}

// Shard resolves index i. The mirror is picked by index parity so the
// download load is split across endpoints.
func (l *Layout) Shard(i int) Shard {
	base := filepath.Join(l.dir, fmt.Sprintf("%02d", i))
	return Shard{
		Index:        i,
		URL:          fmt.Sprintf(l.mirrors[i%len(l.mirrors)], i),
		Compressed:   base + ".jsonl.zst",
		Decompressed: base + ".jsonl",
		Text:         base + ".txt",
	}
}

// Dir returns the download directory.
func (l *Layout) Dir() string {
	return l.dir
}

// Assign returns the shard indices owned by worker w of workers, taken
// round-robin from [0, splits): {w, w+workers, w+2*workers, ...}.
func Assign(w, workers, splits int) []int {
	if workers <= 0 || w < 0 || w >= workers {
		return nil
	}
	owned := make([]int, 0, splits/workers+1)
	for i := w; i < splits; i += workers {
		owned = append(owned, i)
	}
	return owned
}
