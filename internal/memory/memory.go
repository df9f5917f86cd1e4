// Package memory owns the durable learned state: facts, preferences, pattern counts
// and the bounded conversation log.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ajitpratap0/phenom-core/internal/config"
	"github.com/ajitpratap0/phenom-core/internal/metrics"
	"github.com/ajitpratap0/phenom-core/internal/models"
	"github.com/ajitpratap0/phenom-core/pkg/tokenizer"
)

const summaryChars = 100

// DefaultMaxPending bounds the queued op count while the persister keeps failing.
const DefaultMaxPending = 10000

type patternStat struct {
	count int64
	order int64
}

// Store is the single owner of learned state. A mutex serializes every
// read-modify-write; mutations are queued as ops and persisted by Flush.
type Store struct {
	mu         sync.Mutex
	facts      map[string]models.Fact
	factKeys   []string
	prefs      map[string]float64
	patterns   map[string]*patternStat
	patternSeq int64
	turns      []models.ConversationRecord
	lastSeq    int64
	maxHistory int

	pending         []Op
	maxPending      int
	opsSinceCompact int
	compactEvery    int
	// snapshotDue is set when pending overflowed and was dropped; only a full
	// snapshot can persist the state again.
	snapshotDue bool

	// flushMu orders Flush and Compact so batches reach the persister in sequence.
	flushMu   sync.Mutex
	persister Persister
	logger    *slog.Logger
	now       func() time.Time
}

// Options configures a Store.
type Options struct {
	MaxHistory   int
	CompactEvery int
	// MaxPending caps queued ops; zero means DefaultMaxPending.
	MaxPending int
	Persister  Persister
}

// New creates a Store and loads any persisted state. Load failures are logged and
// the store starts empty; they never fail construction.
func New(ctx context.Context, opts Options, logger *slog.Logger) *Store {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = config.DefaultMaxHistory
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	s := &Store{
		facts:        make(map[string]models.Fact),
		prefs:        make(map[string]float64),
		patterns:     make(map[string]*patternStat),
		maxHistory:   opts.MaxHistory,
		maxPending:   opts.MaxPending,
		compactEvery: opts.CompactEvery,
		persister:    opts.Persister,
		logger:       logger.With("component", "memory"),
		now:          func() time.Time { return time.Now().UTC() },
	}
	if s.persister != nil {
		s.load(ctx)
	}
	return s
}

// Open builds the store described by cfg. A disabled config yields a store that keeps
// state in memory only.
func Open(ctx context.Context, cfg config.MemoryConfig, logger *slog.Logger) (*Store, error) {
	opts := Options{MaxHistory: cfg.MaxHistory, CompactEvery: cfg.CompactEvery}
	if cfg.Enabled {
		switch cfg.Backend {
		case "journal":
			p, err := NewJournalPersister(cfg.Dir, logger)
			if err != nil {
				return nil, err
			}
			opts.Persister = p
		case "sqlite":
			if p := openSQLite(ctx, filepath.Join(cfg.Dir, "memory.db"), cfg.MaxHistory, logger); p != nil {
				opts.Persister = p
			}
		default:
			return nil, fmt.Errorf("unknown memory backend %q", cfg.Backend)
		}
	}
	return New(ctx, opts, logger), nil
}

func (s *Store) load(ctx context.Context) {
	snap, ops, err := s.persister.Load(ctx)
	if err != nil {
		s.logger.Warn("persisted memory unreadable, starting empty", "backend", s.persister.Name(), "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restore(snap)
	for _, op := range ops {
		s.apply(op)
	}
	s.logger.Info("memory loaded",
		"backend", s.persister.Name(),
		"facts", len(s.facts),
		"turns", len(s.turns),
		"patterns", len(s.patterns),
		"replayed_ops", len(ops),
	)
}

func (s *Store) restore(snap *Snapshot) {
	if snap == nil {
		return
	}
	for _, f := range snap.Facts {
		if _, ok := s.facts[f.Key]; !ok {
			s.factKeys = append(s.factKeys, f.Key)
		}
		s.facts[f.Key] = f
	}
	for k, v := range snap.Preferences {
		s.prefs[k] = v
	}
	for _, p := range snap.Patterns {
		s.patterns[p.Pattern] = &patternStat{count: p.Count, order: p.Order}
		s.patternSeq = max(s.patternSeq, p.Order)
	}
	s.turns = append(s.turns, snap.Turns...)
	if len(s.turns) > s.maxHistory {
		s.turns = s.turns[len(s.turns)-s.maxHistory:]
	}
	s.lastSeq = snap.LastSeq
	for _, t := range s.turns {
		s.lastSeq = max(s.lastSeq, t.Seq)
	}
}

// apply mutates state for op. Callers hold mu.
func (s *Store) apply(op Op) {
	switch op.Kind {
	case OpFactSet:
		if _, ok := s.facts[op.Key]; !ok {
			s.factKeys = append(s.factKeys, op.Key)
		}
		s.facts[op.Key] = models.Fact{Key: op.Key, Value: op.Value, Timestamp: op.Time}
	case OpFactDel:
		if _, ok := s.facts[op.Key]; !ok {
			return
		}
		delete(s.facts, op.Key)
		for i, k := range s.factKeys {
			if k == op.Key {
				s.factKeys = append(s.factKeys[:i:i], s.factKeys[i+1:]...)
				break
			}
		}
	case OpPrefSet:
		s.prefs[op.Key] = op.Number
	case OpPattern:
		if st, ok := s.patterns[op.Key]; ok {
			st.count = op.Count
			return
		}
		s.patterns[op.Key] = &patternStat{count: op.Count, order: op.Order}
		s.patternSeq = max(s.patternSeq, op.Order)
	case OpTurn:
		if op.Turn == nil || op.Turn.Seq <= s.lastSeq {
			return
		}
		s.turns = append(s.turns, *op.Turn)
		s.lastSeq = op.Turn.Seq
		if len(s.turns) > s.maxHistory {
			s.turns = s.turns[len(s.turns)-s.maxHistory:]
		}
	case OpReset:
		s.facts = make(map[string]models.Fact)
		s.factKeys = nil
		s.prefs = make(map[string]float64)
		s.patterns = make(map[string]*patternStat)
		s.patternSeq = 0
		// Count is the last turn seq at reset time; later turns survive a replay.
		kept := s.turns[:0:0]
		for _, t := range s.turns {
			if t.Seq > op.Count {
				kept = append(kept, t)
			}
		}
		s.turns = kept
	}
}

// record applies op and queues it for persistence. Callers hold mu.
func (s *Store) record(op Op) {
	s.apply(op)
	if s.persister == nil {
		return
	}
	s.pending = append(s.pending, op)
	s.opsSinceCompact++
	s.trimPendingLocked()
	metrics.MemoryPendingOps.Set(float64(len(s.pending)))
}

// trimPendingLocked drops the queued ops once they exceed maxPending and marks a full
// snapshot as due. The in-memory state already holds every op, so the snapshot
// persists them all. Callers hold mu.
func (s *Store) trimPendingLocked() {
	if len(s.pending) <= s.maxPending {
		return
	}
	if !s.snapshotDue {
		s.logger.Warn("memory persistence backlog full, dropping queued ops until a snapshot succeeds",
			"dropped", len(s.pending), "limit", s.maxPending)
	}
	s.pending = nil
	s.snapshotDue = true
}

// Remember stores value under key, overwriting any previous value.
func (s *Store) Remember(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(Op{Kind: OpFactSet, Key: key, Value: value, Time: s.now()})
}

// RememberIfAbsent stores value only when key has no fact yet. The check and the
// write happen under one lock.
func (s *Store) RememberIfAbsent(key, value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.facts[key]; ok {
		return false
	}
	s.record(Op{Kind: OpFactSet, Key: key, Value: value, Time: s.now()})
	return true
}

// Recall returns the fact stored under key.
func (s *Store) Recall(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[key]
	return f.Value, ok
}

// Forget removes key and reports whether it existed.
func (s *Store) Forget(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.facts[key]; !ok {
		return false
	}
	s.record(Op{Kind: OpFactDel, Key: key})
	return true
}

// Facts returns all facts in insertion order.
func (s *Store) Facts() []models.Fact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Fact, 0, len(s.factKeys))
	for _, k := range s.factKeys {
		out = append(out, s.facts[k])
	}
	return out
}

// AppendTurn adds one exchange to the conversation log, evicting the oldest entries
// past the cap.
func (s *Store) AppendTurn(user, assistant string, metadata map[string]any) models.ConversationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := models.ConversationRecord{
		Seq:       s.lastSeq + 1,
		Timestamp: s.now(),
		User:      user,
		Assistant: assistant,
		Metadata:  copyMeta(metadata),
	}
	s.record(Op{Kind: OpTurn, Turn: &rec})
	return rec
}

// RecentTurns returns the last n turns, oldest first.
func (s *Store) RecentTurns(n int) []models.ConversationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		return nil
	}
	start := max(0, len(s.turns)-n)
	out := make([]models.ConversationRecord, len(s.turns)-start)
	copy(out, s.turns[start:])
	return out
}

// SearchTurns returns every turn where query is a case-insensitive substring of
// either side, oldest first.
func (s *Store) SearchTurns(query string) []models.ConversationRecord {
	q := strings.ToLower(query)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ConversationRecord
	for _, t := range s.turns {
		if strings.Contains(strings.ToLower(t.User), q) || strings.Contains(strings.ToLower(t.Assistant), q) {
			out = append(out, t)
		}
	}
	return out
}

// LearnPattern increments the counter for token.
func (s *Store) LearnPattern(token string) {
	s.LearnPatterns([]string{token})
}

// LearnPatterns increments each token's counter under a single lock.
func (s *Store) LearnPatterns(tokens []string) {
	if len(tokens) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tok := range tokens {
		op := Op{Kind: OpPattern, Key: tok}
		if st, ok := s.patterns[tok]; ok {
			op.Count = st.count + 1
			op.Order = st.order
		} else {
			s.patternSeq++
			op.Count = 1
			op.Order = s.patternSeq
		}
		s.record(op)
	}
}

// PatternFrequency returns the count for token, or 0.
func (s *Store) PatternFrequency(token string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.patterns[token]; ok {
		return st.count
	}
	return 0
}

// CommonPatterns returns the top n patterns by count; ties go to the first seen.
func (s *Store) CommonPatterns(n int) []models.PatternCount {
	s.mu.Lock()
	entries := s.patternEntries()
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Order < entries[j].Order
	})
	if n >= 0 && len(entries) > n {
		entries = entries[:n]
	}
	out := make([]models.PatternCount, len(entries))
	for i, e := range entries {
		out[i] = models.PatternCount{Pattern: e.Pattern, Count: e.Count}
	}
	return out
}

func (s *Store) patternEntries() []PatternEntry {
	out := make([]PatternEntry, 0, len(s.patterns))
	for p, st := range s.patterns {
		out = append(out, PatternEntry{Pattern: p, Count: st.count, Order: st.order})
	}
	return out
}

// SetPreference overwrites a preference.
func (s *Store) SetPreference(key string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(Op{Kind: OpPrefSet, Key: key, Number: value})
}

// Preference returns the stored preference or def.
func (s *Store) Preference(key string, def float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.prefs[key]; ok {
		return v
	}
	return def
}

// UpdatePreferenceSmoothed sets key to current*(1-rate) + value*rate, where current
// is def when the key is absent, and returns the new value.
func (s *Store) UpdatePreferenceSmoothed(key string, value, rate, def float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.prefs[key]
	if !ok {
		current = def
	}
	updated := current*(1-rate) + value*rate
	s.record(Op{Kind: OpPrefSet, Key: key, Number: updated})
	return updated
}

// Reset wipes all learned state.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(Op{Kind: OpReset, Count: s.lastSeq})
}

// ContextSummary renders the last n turns for prompt context.
func (s *Store) ContextSummary(n int) string {
	recent := s.RecentTurns(n)
	if len(recent) == 0 {
		return "No recent conversation history."
	}
	var b strings.Builder
	b.WriteString("Recent conversation context:\n")
	for _, t := range recent {
		fmt.Fprintf(&b, "User: %s...\n", tokenizer.Truncate(t.User, summaryChars))
		fmt.Fprintf(&b, "Assistant: %s...\n\n", tokenizer.Truncate(t.Assistant, summaryChars))
	}
	return b.String()
}

// ContextualResponse recalls the most recent matching answer, or "".
func (s *Store) ContextualResponse(query string) string {
	matches := s.SearchTurns(query)
	if len(matches) == 0 {
		return ""
	}
	return "Based on our previous conversation, " + matches[len(matches)-1].Assistant
}

// Profile summarizes learned state.
func (s *Store) Profile() models.Profile {
	common := s.CommonPatterns(10)
	topics := make([]string, len(common))
	for i, p := range common {
		topics[i] = p.Pattern
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prefs := make(map[string]float64, len(s.prefs))
	for k, v := range s.prefs {
		prefs[k] = v
	}
	return models.Profile{
		Preferences:        prefs,
		TotalConversations: len(s.turns),
		CommonTopics:       topics,
		MemoryItems:        len(s.facts),
	}
}

// Stats returns state counts.
func (s *Store) Stats() models.MemoryStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.MemoryStats{
		Facts:       len(s.facts),
		Turns:       len(s.turns),
		Patterns:    len(s.patterns),
		Preferences: len(s.prefs),
		PendingOps:  len(s.pending),
	}
}

// snapshot copies the current state. Callers hold mu.
func (s *Store) snapshot() *Snapshot {
	snap := &Snapshot{
		Facts:       make([]models.Fact, 0, len(s.factKeys)),
		Preferences: make(map[string]float64, len(s.prefs)),
		Patterns:    s.patternEntries(),
		Turns:       make([]models.ConversationRecord, len(s.turns)),
		LastSeq:     s.lastSeq,
	}
	for _, k := range s.factKeys {
		snap.Facts = append(snap.Facts, s.facts[k])
	}
	for k, v := range s.prefs {
		snap.Preferences[k] = v
	}
	sort.Slice(snap.Patterns, func(i, j int) bool { return snap.Patterns[i].Order < snap.Patterns[j].Order })
	copy(snap.Turns, s.turns)
	return snap
}

// Flush writes pending ops. On failure the batch is kept and retried on the next call.
// It compacts once CompactEvery ops have accumulated since the last compaction.
func (s *Store) Flush(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	due := s.snapshotDue || (s.compactEvery > 0 && s.opsSinceCompact >= s.compactEvery)
	s.mu.Unlock()

	if len(batch) > 0 {
		if err := s.persister.Write(ctx, batch); err != nil {
			s.requeue(batch)
			metrics.MemoryFlushes.WithLabelValues(metrics.OutcomeError).Inc()
			s.logger.Error("memory flush failed, will retry", "ops", len(batch), "error", err)
			return fmt.Errorf("%w: writing %d ops: %v", ErrPersistence, len(batch), err)
		}
		metrics.MemoryFlushes.WithLabelValues(metrics.OutcomeOK).Inc()
		s.logger.Debug("memory flushed", "ops", len(batch))
	}
	s.mu.Lock()
	metrics.MemoryPendingOps.Set(float64(len(s.pending)))
	s.mu.Unlock()

	if due {
		return s.compactLocked(ctx)
	}
	return nil
}

// Compact writes a full snapshot and discards the op log.
func (s *Store) Compact(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.compactLocked(ctx)
}

func (s *Store) compactLocked(ctx context.Context) error {
	s.mu.Lock()
	snap := s.snapshot()
	batch := s.pending
	s.pending = nil
	ops := s.opsSinceCompact
	s.opsSinceCompact = 0
	wasDue := s.snapshotDue
	s.snapshotDue = false
	s.mu.Unlock()

	if err := s.persister.Compact(ctx, snap); err != nil {
		s.requeue(batch)
		s.mu.Lock()
		s.opsSinceCompact += ops
		s.snapshotDue = s.snapshotDue || wasDue
		s.mu.Unlock()
		metrics.MemoryCompactions.WithLabelValues(metrics.OutcomeError).Inc()
		s.logger.Error("memory compaction failed", "error", err)
		return fmt.Errorf("%w: compacting: %v", ErrPersistence, err)
	}
	metrics.MemoryCompactions.WithLabelValues(metrics.OutcomeOK).Inc()
	s.logger.Debug("memory compacted", "facts", len(snap.Facts), "turns", len(snap.Turns))
	return nil
}

func (s *Store) requeue(batch []Op) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(batch, s.pending...)
	s.trimPendingLocked()
	metrics.MemoryPendingOps.Set(float64(len(s.pending)))
}

// Close flushes pending ops and closes the persister.
func (s *Store) Close(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	flushErr := s.Flush(ctx)
	return errors.Join(flushErr, s.persister.Close())
}

func copyMeta(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
