// Package pretokenize defines the fixed splitting rule applied before
// vocabulary learning: every digit, every whitespace character and every
// ASCII punctuation mark becomes its own piece, and the runs between them
// are kept whole.
package pretokenize

import "regexp"

// Pattern matches one digit, whitespace rune or ASCII punctuation mark.
const Pattern = "\\p{N}|\\s|[!-/:-@\\[-`{-~]"

// Behavior names how matches are treated; the trainer receives it verbatim.
const Behavior = "isolated"

var splitter = regexp.MustCompile(Pattern)

// Piece is one span of the input and its byte offset.
type Piece struct {
	Text   string
	Offset int
}

// Split cuts text into pieces. Each match is isolated as its own piece and
// the text between matches forms the remaining pieces; no input is dropped.
func Split(text string) []Piece {
	locs := splitter.FindAllStringIndex(text, -1)
	pieces := make([]Piece, 0, 2*len(locs)+1)
	last := 0
	for _, loc := range locs {
		if loc[0] > last {
			pieces = append(pieces, Piece{Text: text[last:loc[0]], Offset: last})
		}
		pieces = append(pieces, Piece{Text: text[loc[0]:loc[1]], Offset: loc[0]})
		last = loc[1]
	}
	if last < len(text) {
		pieces = append(pieces, Piece{Text: text[last:], Offset: last})
	}
	return pieces
}

// Strings returns just the text of Split(text).
func Strings(text string) []string {
	pieces := Split(text)
	out := make([]string, len(pieces))
	for i, p := range pieces {
		out[i] = p.Text
	}
	return out
}
