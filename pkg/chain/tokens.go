package chain

import (
	"github.com/pkg/errors"
	"github.com/weaviate/tiktoken-go"
)

// tokenCounter wraps a tiktoken encoding for chain-window budgeting.
// Counts are approximate across models; cl100k_base is close enough
// for truncation decisions.
type tokenCounter struct {
	codec *tiktoken.Tiktoken
}

func newTokenCounter() (*tokenCounter, error) {
	codec, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, errors.Wrap(err, "initialize tiktoken")
	}
	return &tokenCounter{codec: codec}, nil
}

func (t *tokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.codec.Encode(text, nil, nil))
}
