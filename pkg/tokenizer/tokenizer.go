package tokenizer

import (
	"strings"
)

// EstimateTokens approximates the token count of text as the mean of a word-based
// (1.3 per word) and a character-based (4 chars per token) estimate.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	chars := len(text)

	wordEstimate := int(float64(words) * 1.3)
	charEstimate := chars / 4

	return (wordEstimate + charEstimate) / 2
}

// Words lower-cases text and splits it on whitespace.
func Words(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// Patterns returns the unigrams and adjacent bigrams of text in learning order:
// for each position the bigram starting there comes before the unigram.
// Duplicates are kept; every occurrence counts.
func Patterns(text string) []string {
	words := Words(text)
	if len(words) == 0 {
		return nil
	}
	out := make([]string, 0, 2*len(words)-1)
	for i, w := range words {
		if i < len(words)-1 {
			out = append(out, w+" "+words[i+1])
		}
		out = append(out, w)
	}
	return out
}

// Truncate returns at most n runes of text.
func Truncate(text string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(text) <= n {
		return text
	}
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n])
}
