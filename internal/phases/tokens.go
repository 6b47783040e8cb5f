package phases

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter estimates token usage for planning budgets. Generation
// collaborators are GPT-4-family models, so the GPT-4 encoding is used
// throughout; Claude-family tokenization is close enough for budgeting.
type TokenCounter struct {
	codec tokenizer.Codec
}

var (
	sharedCounter *TokenCounter
	counterOnce   sync.Once
)

// NewTokenCounter creates a counter using the GPT-4 encoding. A nil codec
// (encoding unavailable) degrades to character-based estimation.
func NewTokenCounter() *TokenCounter {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return &TokenCounter{}
	}
	return &TokenCounter{codec: codec}
}

// defaultCounter returns the process-wide shared counter.
func defaultCounter() *TokenCounter {
	counterOnce.Do(func() {
		sharedCounter = NewTokenCounter()
	})
	return sharedCounter
}

// Count returns the number of tokens in text, falling back to the
// 4-chars-per-token approximation when the codec is unavailable.
func (tc *TokenCounter) Count(text string) int {
	if tc.codec == nil {
		return len(text) / 4
	}
	n, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// CountTokens estimates tokens using the shared counter.
func CountTokens(text string) int {
	return defaultCounter().Count(text)
}
