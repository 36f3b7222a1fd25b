// Package trainer describes the subword vocabulary trainer the pipeline
// feeds, invokes it either over a list of text files or over a stream of
// chunks, and persists the model it returns.
package trainer

import (
	"context"
	"fmt"
	"iter"

	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/pretokenize"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/config"
)

// PreTokenizer is the splitting rule handed to the trainer.
type PreTokenizer struct {
	Pattern  string `json:"pattern"`
	Behavior string `json:"behavior"`
}

// Config is the training configuration, serialized as JSON for the trainer.
// A nil Dropout disables dropout.
type Config struct {
	VocabSize     int          `json:"vocab_size"`
	SpecialTokens []string     `json:"special_tokens"`
	Dropout       *float64     `json:"dropout"`
	CacheCapacity int          `json:"cache_capacity"`
	PreTokenizer  PreTokenizer `json:"pre_tokenizer"`
}

// NewConfig builds the fixed training configuration: one reserved token per
// byte value and the package pretokenize rule.
func NewConfig(c config.TrainerConfig) Config {
	return Config{
		VocabSize:     c.VocabSize,
		SpecialTokens: ByteTokens(),
		CacheCapacity: c.CacheCapacity,
		PreTokenizer: PreTokenizer{
			Pattern:  pretokenize.Pattern,
			Behavior: pretokenize.Behavior,
		},
	}
}

// ByteTokens returns the 256 reserved tokens <|byte_00|> .. <|byte_ff|>.
func ByteTokens() []string {
	tokens := make([]string, 256)
	for b := range tokens {
		tokens[b] = fmt.Sprintf("<|byte_%02x|>", b)
	}
	return tokens
}

// Trainer learns a vocabulary and returns the model in its canonical
// serialized form.
type Trainer interface {
	TrainFiles(ctx context.Context, files []string) ([]byte, error)
	TrainStream(ctx context.Context, chunks iter.Seq[string]) ([]byte, error)
}
