package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountTokens(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4o-mini")
	require.NoError(t, err)

	tests := []struct {
		text      string
		minTokens int
		maxTokens int
	}{
		{"", 0, 0},
		{"Hello", 1, 2},
		{"Hello world", 2, 3},
		{"This is a longer sentence with more words.", 8, 12},
		{strings.Repeat("word ", 100), 90, 110},
	}
	for _, tt := range tests {
		got := counter.CountTokens(tt.text)
		assert.GreaterOrEqual(t, got, tt.minTokens, tt.text)
		assert.LessOrEqual(t, got, tt.maxTokens, tt.text)
	}
}

func TestCountTokensSimple(t *testing.T) {
	got := CountTokensSimple("Hello world")
	assert.GreaterOrEqual(t, got, 2)
	assert.LessOrEqual(t, got, 3)
}

func TestNilCounterFallsBackToEstimate(t *testing.T) {
	var tc *TokenCounter
	assert.Equal(t, 3, tc.CountTokens("abcdefghijkl"))
}

func TestTruncateToTokenLimit(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4")
	require.NoError(t, err)

	long := strings.Repeat("word ", 500)
	out := counter.TruncateToTokenLimit(long, 50)
	assert.Less(t, len(out), len(long))
	assert.True(t, strings.HasSuffix(out, "..."))
	assert.Equal(t, "short", counter.TruncateToTokenLimit("short", 50))
}

func TestTruncateSimple(t *testing.T) {
	long := strings.Repeat("word ", 2000)
	out := TruncateSimple(long, 100)
	assert.LessOrEqual(t, CountTokensSimple(out), 100)
	assert.Equal(t, long, TruncateSimple(long, 5000))
}
