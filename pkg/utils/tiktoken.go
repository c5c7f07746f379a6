// Package utils holds small helpers shared across packages.
package utils

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts tokens with a tiktoken codec.
type TokenCounter struct {
	codec tokenizer.Codec
}

//nolint:gochecknoglobals // codec construction is expensive, share one
var (
	defaultCounter     *TokenCounter
	defaultCounterOnce sync.Once
)

// NewTokenCounter creates a counter for model. Every provider is approximated
// with the GPT-4 encoding; the estimate only feeds budgeting when a provider
// reports no usage.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in text, or a 4-chars-per-token
// estimate if no codec is available.
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

func shared() *TokenCounter {
	defaultCounterOnce.Do(func() {
		c, err := NewTokenCounter("gpt-4")
		if err == nil {
			defaultCounter = c
		}
	})
	return defaultCounter
}

// CountTokensSimple counts with a shared GPT-4 counter.
func CountTokensSimple(text string) int {
	return shared().CountTokens(text)
}

// TruncateSimple is TruncateToTokenLimit on the shared counter.
func TruncateSimple(text string, limit int) string {
	return shared().TruncateToTokenLimit(text, limit)
}

// TruncateToTokenLimit shortens text proportionally so it fits limit.
// The cut is by characters, not token boundaries.
func (tc *TokenCounter) TruncateToTokenLimit(text string, limit int) string {
	current := tc.CountTokens(text)
	if current <= limit {
		return text
	}
	ratio := float64(limit) / float64(current)
	charLimit := int(float64(len(text)) * ratio * 0.9)
	if charLimit >= len(text) {
		return text
	}
	return text[:charLimit] + "..."
}
