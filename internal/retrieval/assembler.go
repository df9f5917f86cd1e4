package retrieval

import (
	"strings"

	"github.com/ajitpratap0/phenom-core/internal/models"
)

const contextSeparator = "\n\n"

// ContextAssembler joins ranked hits into a context block bounded by MaxChars.
// Only document text counts toward the budget, not the separators.
type ContextAssembler struct {
	MaxChars int
}

// Assemble takes hits in rank order and stops at the first one that would overflow
// the budget; later, shorter hits are not tried. It returns the block and how many
// documents it holds.
func (a ContextAssembler) Assemble(hits []models.SearchHit) (string, int) {
	if a.MaxChars <= 0 || len(hits) == 0 {
		return "", 0
	}

	var b strings.Builder
	used, count := 0, 0
	for _, h := range hits {
		n := len([]rune(h.Document.Text))
		if used+n > a.MaxChars {
			break
		}
		if count > 0 {
			b.WriteString(contextSeparator)
		}
		b.WriteString(h.Document.Text)
		used += n
		count++
	}
	return b.String(), count
}
