package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		minExpect int
		maxExpect int
	}{
		{"empty", "", 0, 0},
		{"single word", "hello", 1, 3},
		{"short sentence", "Go is a great programming language", 5, 15},
		{"longer text", strings.Repeat("word ", 100), 80, 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := EstimateTokens(tt.text)
			assert.GreaterOrEqual(t, tokens, tt.minExpect)
			assert.LessOrEqual(t, tokens, tt.maxExpect)
		})
	}
}

func TestPatterns_BigramBeforeUnigram(t *testing.T) {
	got := Patterns("Turn ON  the lights")
	assert.Equal(t, []string{
		"turn on", "turn",
		"on the", "on",
		"the lights", "the",
		"lights",
	}, got)
}

func TestPatterns_Empty(t *testing.T) {
	assert.Nil(t, Patterns("   "))
	assert.Equal(t, []string{"hi"}, Patterns("HI"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "", Truncate("abc", 0))
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "héé", Truncate("hééllo", 3))
}
