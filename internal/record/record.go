// Package record turns one JSON line of the corpus into one cleaned text
// chunk: parse, extract the text field, fix the Unicode, then rewrite
// four-space runs to tabs.
package record

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	apperrors "github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/errors"
)

// Fixer repairs mis-encoded or inconsistently normalised text.
type Fixer interface {
	Fix(s string) string
}

// FixerFunc adapts a function to Fixer.
type FixerFunc func(string) string

func (f FixerFunc) Fix(s string) string { return f(s) }

// UnicodeFixer replaces invalid UTF-8 with U+FFFD and composes to NFC.
type UnicodeFixer struct{}

func (UnicodeFixer) Fix(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "�")
	}
	return norm.NFC.String(s)
}

type line struct {
	Text json.RawMessage `json:"text"`
}

// Parse extracts the text of one input line. The text field must be a
// string or an array of strings, which are concatenated in order; anything
// else is ErrRecordParse.
func Parse(raw []byte) (string, error) {
	raw = bytes.TrimSpace(raw)
	var l line
	if err := json.Unmarshal(raw, &l); err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrRecordParse, err)
	}
	if len(l.Text) == 0 {
		return "", fmt.Errorf("%w: missing text field", apperrors.ErrRecordParse)
	}
	switch l.Text[0] {
	case '"':
		var s string
		if err := json.Unmarshal(l.Text, &s); err != nil {
			return "", fmt.Errorf("%w: %v", apperrors.ErrRecordParse, err)
		}
		return s, nil
	case '[':
		var parts []string
		if err := json.Unmarshal(l.Text, &parts); err != nil {
			return "", fmt.Errorf("%w: text array: %v", apperrors.ErrRecordParse, err)
		}
		return strings.Join(parts, ""), nil
	default:
		return "", fmt.Errorf("%w: text field has unsupported type", apperrors.ErrRecordParse)
	}
}

// Tabify turns every run of four spaces into a tab, left to right. Runs of
// other lengths keep their remainder: eight spaces become two tabs, five
// become a tab and a space.
func Tabify(s string) string {
	return strings.ReplaceAll(s, "    ", "\t")
}

// Normalizer runs Parse, a Fixer and Tabify in sequence.
type Normalizer struct {
	Fixer Fixer
}

// NewNormalizer returns a Normalizer; a nil fixer means UnicodeFixer.
func NewNormalizer(f Fixer) *Normalizer {
	if f == nil {
		f = UnicodeFixer{}
	}
	return &Normalizer{Fixer: f}
}

// Normalize returns the cleaned text of one input line, without a trailing
// newline.
func (n *Normalizer) Normalize(raw []byte) (string, error) {
	text, err := Parse(raw)
	if err != nil {
		return "", err
	}
	return Tabify(n.Fixer.Fix(text)), nil
}

// Scan reads newline-delimited records from r and passes the normalized
// text of each to emit. Blank lines are ignored. A line that fails to parse
// goes to skip with its 1-based line number and scanning continues; an
// error from emit stops the scan.
func (n *Normalizer) Scan(ctx context.Context, r io.Reader, emit func(text string) error, skip func(line int, err error)) error {
	br := bufio.NewReaderSize(r, 1<<20)
	for lineNo := 1; ; lineNo++ {
		raw, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(raw)) > 0 {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			text, perr := n.Normalize(raw)
			if perr != nil {
				skip(lineNo, perr)
			} else if eerr := emit(text); eerr != nil {
				return eerr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading line %d: %w", lineNo, err)
		}
	}
}
