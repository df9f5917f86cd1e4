package orchestrator

import (
	"strings"
	"unicode/utf8"

	"github.com/ajitpratap0/phenom-core/internal/config"
)

// Scorer computes the deterministic complexity score used by hybrid routing.
type Scorer struct {
	keywords        []string
	lengthThreshold int
	denominator     float64
}

// NewScorer builds a Scorer, falling back to the package defaults for unset fields.
func NewScorer(cfg config.ComplexityConfig) Scorer {
	keywords := cfg.Keywords
	if len(keywords) == 0 {
		keywords = config.DefaultComplexityKeywords
	}
	lower := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lower = append(lower, k)
		}
	}
	s := Scorer{
		keywords:        lower,
		lengthThreshold: cfg.LengthThreshold,
		denominator:     cfg.Denominator,
	}
	if s.lengthThreshold <= 0 {
		s.lengthThreshold = config.DefaultLengthThreshold
	}
	if s.denominator <= 0 {
		s.denominator = config.DefaultComplexityDenominator
	}
	return s
}

// Score counts the keywords text contains (case-insensitive), adds one when text is
// longer than the length threshold, divides by the denominator and clamps to [0,1].
func (s Scorer) Score(text string) float64 {
	lower := strings.ToLower(text)
	count := 0
	for _, k := range s.keywords {
		if strings.Contains(lower, k) {
			count++
		}
	}
	if utf8.RuneCountInString(text) > s.lengthThreshold {
		count++
	}
	score := float64(count) / s.denominator
	return min(max(score, 0), 1)
}
