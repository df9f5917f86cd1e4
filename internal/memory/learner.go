package memory

import (
	"encoding/json"
	"strconv"

	"github.com/ajitpratap0/phenom-core/pkg/tokenizer"
)

const (
	// VoiceRatePreference is smoothed toward the metadata value PreferredVoiceRateKey.
	VoiceRatePreference   = "voice_rate"
	PreferredVoiceRateKey = "preferred_voice_rate"

	// DefaultVoiceRate seeds voice_rate before anything has been learned.
	DefaultVoiceRate = 175.0
)

// Learner turns completed interactions into memory updates.
type Learner struct {
	store *Store
	rate  float64
}

// NewLearner creates a Learner that smooths preferences with rate.
func NewLearner(store *Store, rate float64) *Learner {
	return &Learner{store: store, rate: rate}
}

// Store returns the underlying memory store.
func (l *Learner) Store() *Store { return l.store }

// ProcessInteraction appends the turn, learns patterns from the user text and
// smooths voice_rate when the metadata carries preferred_voice_rate.
func (l *Learner) ProcessInteraction(user, assistant string, metadata map[string]any) {
	l.store.AppendTurn(user, assistant, metadata)
	l.store.LearnPatterns(tokenizer.Patterns(user))

	if raw, ok := metadata[PreferredVoiceRateKey]; ok {
		if v, ok := toFloat(raw); ok {
			l.store.UpdatePreferenceSmoothed(VoiceRatePreference, v, l.rate, DefaultVoiceRate)
		}
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
