// Package personal builds the opt-in personal context system prompt from a set of
// key-value facts and imports environment facts into memory at startup.
package personal

import (
	"log/slog"
	"os"
	"strings"

	"github.com/ajitpratap0/phenom-core/internal/config"
	"github.com/ajitpratap0/phenom-core/internal/models"
)

// FactSource yields facts in its own iteration order.
type FactSource interface {
	Facts() []models.Fact
}

// FactWriter accepts imported facts. *memory.Store satisfies it.
type FactWriter interface {
	RememberIfAbsent(key, value string) bool
}

// EnvSource reads facts from the process environment in os.Environ order.
type EnvSource struct {
	environ func() []string
}

// NewEnvSource returns a FactSource over os.Environ.
func NewEnvSource() *EnvSource {
	return &EnvSource{environ: os.Environ}
}

// Facts returns one fact per KEY=value entry with a non-empty value.
func (e *EnvSource) Facts() []models.Fact {
	env := e.environ()
	out := make([]models.Fact, 0, len(env))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" || v == "" {
			continue
		}
		out = append(out, models.Fact{Key: k, Value: v})
	}
	return out
}

// Sources merges FactSources. The first source holding a key wins, and facts keep the
// order in which their key first appears. Every call re-reads each source.
type Sources []FactSource

// Facts returns the merged facts.
func (s Sources) Facts() []models.Fact {
	seen := make(map[string]struct{})
	var out []models.Fact
	for _, src := range s {
		if src == nil {
			continue
		}
		for _, f := range src.Facts() {
			if _, ok := seen[f.Key]; ok {
				continue
			}
			seen[f.Key] = struct{}{}
			out = append(out, f)
		}
	}
	return out
}

// Builder renders selected facts into a directive block.
type Builder struct {
	enabled   bool
	keys      []string
	prefix    string
	directive string
	source    FactSource
	logger    *slog.Logger
}

// NewBuilder creates a Builder over source.
func NewBuilder(cfg config.PersonalInjectionConfig, source FactSource, logger *slog.Logger) *Builder {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = config.DefaultPersonalPrefix
	}
	directive := cfg.Directive
	if strings.TrimSpace(directive) == "" {
		directive = config.DefaultPersonalDirective
	}
	return &Builder{
		enabled:   cfg.Enabled,
		keys:      cfg.EnvKeys,
		prefix:    prefix,
		directive: strings.TrimSpace(directive),
		source:    source,
		logger:    logger.With("component", "personal"),
	}
}

// Enabled reports whether injection is switched on.
func (b *Builder) Enabled() bool { return b != nil && b.enabled }

// Collect returns the facts selected by the configured keys, or every fact whose key
// carries the prefix when no keys are configured. Source order is preserved.
func (b *Builder) Collect() []models.Fact {
	if b == nil || b.source == nil {
		return nil
	}
	return selectFacts(b.source.Facts(), b.keys, b.prefix)
}

// Build returns the personal system prompt. It reports false when injection is
// disabled or no matching facts exist.
func (b *Builder) Build() (string, bool) {
	if !b.Enabled() {
		return "", false
	}
	facts := b.Collect()
	if len(facts) == 0 {
		return "", false
	}
	var sb strings.Builder
	sb.WriteString(b.directive)
	sb.WriteString("\n\n")
	for i, f := range facts {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(f.Key)
		sb.WriteString(": ")
		sb.WriteString(f.Value)
	}
	b.logger.Debug("personal context built", "facts", len(facts))
	return sb.String(), true
}

// ImportIfAbsent copies the facts Builder would collect from src into dst, skipping keys
// dst already holds, and returns how many were written. It runs regardless of the
// injection flag.
func ImportIfAbsent(cfg config.PersonalInjectionConfig, src FactSource, dst FactWriter) int {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = config.DefaultPersonalPrefix
	}
	n := 0
	for _, f := range selectFacts(src.Facts(), cfg.EnvKeys, prefix) {
		if dst.RememberIfAbsent(f.Key, f.Value) {
			n++
		}
	}
	return n
}

func selectFacts(all []models.Fact, keys []string, prefix string) []models.Fact {
	if len(keys) == 0 {
		var out []models.Fact
		for _, f := range all {
			if strings.HasPrefix(f.Key, prefix) {
				out = append(out, f)
			}
		}
		return out
	}
	byKey := make(map[string]models.Fact, len(all))
	for _, f := range all {
		byKey[f.Key] = f
	}
	var out []models.Fact
	for _, k := range keys {
		if f, ok := byKey[k]; ok && f.Value != "" {
			out = append(out, f)
		}
	}
	return out
}
