package prompt

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter estimates token usage for composed prompts.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a token counter for the given model name. Every
// supported coding CLI fronts a model whose tokenization is close enough to
// GPT-4 encoding for a budget estimate, so that encoding is used throughout.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in the given text.
// Falls back to a character-based estimate (4 chars ≈ 1 token) when the
// codec is unavailable or errors.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}

	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// WithinLimit reports whether text fits the token limit. A limit of zero or
// less means unlimited.
func (tc *TokenCounter) WithinLimit(text string, limit int) bool {
	if limit <= 0 {
		return true
	}
	return tc.CountTokens(text) <= limit
}
