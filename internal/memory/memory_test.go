package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/phenom-core/internal/config"
)

func newMemStore(t *testing.T, maxHistory int) *Store {
	t.Helper()
	return New(context.Background(), Options{MaxHistory: maxHistory}, slog.Default())
}

func newJournalStore(t *testing.T, dir string) *Store {
	t.Helper()
	p, err := NewJournalPersister(dir, slog.Default())
	require.NoError(t, err)
	return New(context.Background(), Options{MaxHistory: 100, Persister: p}, slog.Default())
}

// flakyPersister fails Write until fail is cleared.
type flakyPersister struct {
	mu      sync.Mutex
	fail    bool
	written []Op
	snaps   int
	last    *Snapshot
}

func (f *flakyPersister) Load(context.Context) (*Snapshot, []Op, error) { return &Snapshot{}, nil, nil }

func (f *flakyPersister) Write(_ context.Context, ops []Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("disk full")
	}
	f.written = append(f.written, ops...)
	return nil
}

func (f *flakyPersister) Compact(_ context.Context, snap *Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("disk full")
	}
	f.snaps++
	f.last = snap
	return nil
}

func (f *flakyPersister) Name() string { return "flaky" }
func (f *flakyPersister) Close() error { return nil }

func TestRememberRecall(t *testing.T) {
	s := newMemStore(t, 10)
	_, ok := s.Recall("K")
	assert.False(t, ok)

	s.Remember("K", "V")
	v, ok := s.Recall("K")
	require.True(t, ok)
	assert.Equal(t, "V", v)

	s.Remember("K", "W")
	v, _ = s.Recall("K")
	assert.Equal(t, "W", v, "explicit overwrite wins")
}

func TestRememberIfAbsent_WritesOnce(t *testing.T) {
	s := newMemStore(t, 10)
	assert.True(t, s.RememberIfAbsent("PHENOM_NAME", "Ada"))
	assert.False(t, s.RememberIfAbsent("PHENOM_NAME", "Grace"))

	v, _ := s.Recall("PHENOM_NAME")
	assert.Equal(t, "Ada", v)
	assert.Len(t, s.Facts(), 1)
}

func TestForget(t *testing.T) {
	s := newMemStore(t, 10)
	s.Remember("a", "1")
	s.Remember("b", "2")
	s.Remember("c", "3")

	assert.True(t, s.Forget("b"))
	assert.False(t, s.Forget("b"))

	facts := s.Facts()
	require.Len(t, facts, 2)
	assert.Equal(t, "a", facts[0].Key)
	assert.Equal(t, "c", facts[1].Key)
}

func TestAppendTurn_FIFOEviction(t *testing.T) {
	const limit = 20
	s := newMemStore(t, limit)
	for i := 0; i < limit+5; i++ {
		s.AppendTurn(fmt.Sprintf("u%d", i), fmt.Sprintf("a%d", i), nil)
	}

	turns := s.RecentTurns(limit * 2)
	require.Len(t, turns, limit)
	for i, turn := range turns {
		assert.Equal(t, fmt.Sprintf("u%d", i+5), turn.User)
	}
	assert.Equal(t, limit, s.Stats().Turns)
}

func TestRecentTurns(t *testing.T) {
	s := newMemStore(t, 10)
	assert.Empty(t, s.RecentTurns(3))

	for i := 0; i < 5; i++ {
		s.AppendTurn(fmt.Sprintf("u%d", i), "", nil)
	}
	recent := s.RecentTurns(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "u3", recent[0].User)
	assert.Equal(t, "u4", recent[1].User)
	assert.Nil(t, s.RecentTurns(0))
}

func TestSearchTurns(t *testing.T) {
	s := newMemStore(t, 10)
	s.AppendTurn("What is the WEATHER?", "Sunny", nil)
	s.AppendTurn("Play music", "Playing jazz", nil)
	s.AppendTurn("other", "the weather is mild", nil)

	hits := s.SearchTurns("weather")
	require.Len(t, hits, 2)
	assert.Equal(t, "What is the WEATHER?", hits[0].User)
	assert.Equal(t, "other", hits[1].User)

	assert.Equal(t, "Based on our previous conversation, the weather is mild", s.ContextualResponse("weather"))
	assert.Equal(t, "", s.ContextualResponse("nothing matches"))
}

func TestCommonPatterns_TiesByFirstSeen(t *testing.T) {
	s := newMemStore(t, 10)
	s.LearnPatterns([]string{"b", "a", "c"})
	s.LearnPattern("c")
	s.LearnPattern("a")

	top := s.CommonPatterns(3)
	require.Len(t, top, 3)
	assert.Equal(t, "a", top[0].Pattern) // count 2, seen before c
	assert.Equal(t, "c", top[1].Pattern)
	assert.Equal(t, "b", top[2].Pattern)
	assert.Equal(t, int64(2), s.PatternFrequency("a"))
	assert.Equal(t, int64(0), s.PatternFrequency("zzz"))

	assert.Len(t, s.CommonPatterns(1), 1)
}

func TestUpdatePreferenceSmoothed(t *testing.T) {
	s := newMemStore(t, 10)
	got := s.UpdatePreferenceSmoothed("rate", 200, 0.1, 175)
	assert.InDelta(t, 177.5, got, 1e-9)
	assert.InDelta(t, 177.5, s.Preference("rate", 0), 1e-9)

	s.SetPreference("rate", 100)
	assert.InDelta(t, 110.0, s.UpdatePreferenceSmoothed("rate", 200, 0.1, 175), 1e-9)
	assert.Equal(t, 3.0, s.Preference("missing", 3.0))
}

func TestContextSummary(t *testing.T) {
	s := newMemStore(t, 10)
	assert.Equal(t, "No recent conversation history.", s.ContextSummary(3))

	long := make([]rune, 150)
	for i := range long {
		long[i] = 'x'
	}
	s.AppendTurn(string(long), "short", nil)

	want := "Recent conversation context:\n" +
		"User: " + string(long[:100]) + "...\n" +
		"Assistant: short...\n\n"
	assert.Equal(t, want, s.ContextSummary(3))
}

func TestProfile(t *testing.T) {
	s := newMemStore(t, 10)
	s.Remember("k", "v")
	s.SetPreference("voice_rate", 180)
	for i := 0; i < 12; i++ {
		s.LearnPattern(fmt.Sprintf("t%02d", i))
	}
	s.AppendTurn("u", "a", nil)

	p := s.Profile()
	assert.Equal(t, 1, p.MemoryItems)
	assert.Equal(t, 1, p.TotalConversations)
	assert.Equal(t, 180.0, p.Preferences["voice_rate"])
	assert.Len(t, p.CommonTopics, 10)
	assert.Equal(t, "t00", p.CommonTopics[0])
}

func TestReset(t *testing.T) {
	s := newMemStore(t, 10)
	s.Remember("k", "v")
	s.LearnPattern("x")
	s.AppendTurn("u", "a", nil)
	s.Reset()

	st := s.Stats()
	assert.Zero(t, st.Facts)
	assert.Zero(t, st.Patterns)
	assert.Zero(t, st.Turns)

	// sequence keeps advancing after a reset
	rec := s.AppendTurn("u2", "a2", nil)
	assert.Equal(t, int64(2), rec.Seq)
}

func TestLearner_ProcessInteraction(t *testing.T) {
	s := newMemStore(t, 10)
	l := NewLearner(s, 0.1)

	l.ProcessInteraction("Play Jazz music", "ok", map[string]any{PreferredVoiceRateKey: 200})
	assert.Equal(t, 1, s.Stats().Turns)
	assert.Equal(t, int64(1), s.PatternFrequency("play jazz"))
	assert.Equal(t, int64(1), s.PatternFrequency("music"))
	assert.InDelta(t, 177.5, s.Preference(VoiceRatePreference, 0), 1e-9)

	l.ProcessInteraction("play", "ok", map[string]any{PreferredVoiceRateKey: "not a number"})
	assert.Equal(t, int64(2), s.PatternFrequency("play"))
	assert.InDelta(t, 177.5, s.Preference(VoiceRatePreference, 0), 1e-9)
}

func TestConcurrentMutations(t *testing.T) {
	s := New(context.Background(), Options{MaxHistory: 50, Persister: &flakyPersister{}}, slog.Default())
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.LearnPattern("shared")
				s.AppendTurn("u", "a", nil)
				s.UpdatePreferenceSmoothed("p", float64(i), 0.1, 0)
				s.RememberIfAbsent(fmt.Sprintf("k%d", i), "v")
			}
		}(g)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_ = s.Flush(context.Background())
		}
	}()
	wg.Wait()

	assert.Equal(t, int64(800), s.PatternFrequency("shared"))
	assert.Equal(t, 50, s.Stats().Turns)
	assert.Len(t, s.Facts(), 100)
	assert.Equal(t, int64(800), s.RecentTurns(1)[0].Seq)
}

func TestFlush_FailureRequeues(t *testing.T) {
	p := &flakyPersister{fail: true}
	s := New(context.Background(), Options{MaxHistory: 10, Persister: p}, slog.Default())
	s.Remember("k", "v")
	s.AppendTurn("u", "a", nil)

	err := s.Flush(context.Background())
	require.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, 2, s.Stats().PendingOps)

	// in-memory state kept operating
	v, ok := s.Recall("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	s.Remember("k2", "v2")
	p.mu.Lock()
	p.fail = false
	p.mu.Unlock()
	require.NoError(t, s.Flush(context.Background()))
	assert.Zero(t, s.Stats().PendingOps)

	require.Len(t, p.written, 3)
	assert.Equal(t, OpFactSet, p.written[0].Kind)
	assert.Equal(t, OpTurn, p.written[1].Kind)
	assert.Equal(t, "k2", p.written[2].Key)
}

func TestFlush_BacklogOverflowForcesSnapshot(t *testing.T) {
	p := &flakyPersister{fail: true}
	s := New(context.Background(), Options{MaxHistory: 10, MaxPending: 5, Persister: p}, slog.Default())
	for i := 0; i < 20; i++ {
		s.Remember(fmt.Sprintf("k%d", i), "v")
		assert.LessOrEqual(t, s.Stats().PendingOps, 5)
	}
	require.ErrorIs(t, s.Flush(context.Background()), ErrPersistence)
	for i := 0; i < 3; i++ {
		s.Remember(fmt.Sprintf("more%d", i), "v")
	}
	require.ErrorIs(t, s.Flush(context.Background()), ErrPersistence)
	assert.LessOrEqual(t, s.Stats().PendingOps, 5)

	p.mu.Lock()
	p.fail = false
	p.mu.Unlock()
	require.NoError(t, s.Flush(context.Background()))
	assert.Zero(t, s.Stats().PendingOps)
	require.Equal(t, 1, p.snaps)
	assert.Len(t, p.last.Facts, 23)

	// backlog cleared: the next flush is an ordinary write
	s.Remember("after", "v")
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 1, p.snaps)
	assert.Equal(t, "after", p.written[len(p.written)-1].Key)
}

func TestFlush_CompactsAfterThreshold(t *testing.T) {
	p := &flakyPersister{}
	s := New(context.Background(), Options{MaxHistory: 10, CompactEvery: 3, Persister: p}, slog.Default())
	s.Remember("a", "1")
	s.Remember("b", "2")
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 0, p.snaps)

	s.Remember("c", "3")
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 1, p.snaps)
}

func TestMemoryOnlyStore_FlushNoop(t *testing.T) {
	s := newMemStore(t, 10)
	s.Remember("k", "v")
	assert.NoError(t, s.Flush(context.Background()))
	assert.NoError(t, s.Compact(context.Background()))
	assert.Zero(t, s.Stats().PendingOps)
	assert.NoError(t, s.Close(context.Background()))
}

func TestJournal_ReplayAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := newJournalStore(t, dir)
	s.Remember("name", "Ada")
	s.LearnPatterns([]string{"hello world", "hello", "world"})
	s.UpdatePreferenceSmoothed(VoiceRatePreference, 200, 0.1, DefaultVoiceRate)
	s.AppendTurn("hi", "hello", map[string]any{"source": "test"})
	require.NoError(t, s.Close(ctx))

	r := newJournalStore(t, dir)
	v, ok := r.Recall("name")
	require.True(t, ok)
	assert.Equal(t, "Ada", v)
	assert.Equal(t, int64(1), r.PatternFrequency("hello"))
	assert.InDelta(t, 177.5, r.Preference(VoiceRatePreference, 0), 1e-9)
	turns := r.RecentTurns(5)
	require.Len(t, turns, 1)
	assert.Equal(t, "test", turns[0].Metadata["source"])

	// compaction then more ops
	require.NoError(t, r.Compact(ctx))
	r.LearnPattern("hello")
	r.AppendTurn("again", "sure", nil)
	require.NoError(t, r.Close(ctx))

	again := newJournalStore(t, dir)
	assert.Equal(t, int64(2), again.PatternFrequency("hello"))
	assert.Len(t, again.RecentTurns(5), 2)
	cp := again.CommonPatterns(3)
	assert.Equal(t, "hello", cp[0].Pattern)
	assert.Equal(t, "hello world", cp[1].Pattern)
}

func TestJournal_ReplayAfterCrashBeforeTruncate(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := newJournalStore(t, dir)
	s.LearnPattern("x")
	s.AppendTurn("u", "a", nil)
	require.NoError(t, s.Flush(ctx))

	journal, err := os.ReadFile(filepath.Join(dir, journalFile))
	require.NoError(t, err)
	require.NoError(t, s.Compact(ctx))

	// simulate a crash after the snapshot rename but before truncation
	require.NoError(t, os.WriteFile(filepath.Join(dir, journalFile), journal, 0o600))

	r := newJournalStore(t, dir)
	assert.Equal(t, int64(1), r.PatternFrequency("x"))
	assert.Len(t, r.RecentTurns(10), 1)
}

func TestJournal_CorruptSnapshotDegradesToEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, snapshotFile), []byte("{not json"), 0o600))

	s := newJournalStore(t, dir)
	assert.Zero(t, s.Stats().Facts)

	s.Remember("k", "v")
	require.NoError(t, s.Close(context.Background()))
	r := newJournalStore(t, dir)
	v, _ := r.Recall("k")
	assert.Equal(t, "v", v)
}

func TestJournal_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	lines := `{"op":"fact_set","key":"a","value":"1","ts":"2024-01-01T00:00:00Z"}
garbage line
{"op":"fact_set","key":"b","value":"2","ts":"2024-01-01T00:00:00Z"}
{"op":"fact_set","key":"c","val`
	require.NoError(t, os.WriteFile(filepath.Join(dir, journalFile), []byte(lines), 0o600))

	s := newJournalStore(t, dir)
	facts := s.Facts()
	require.Len(t, facts, 2)
	assert.Equal(t, "a", facts[0].Key)
	assert.Equal(t, "b", facts[1].Key)
}

func TestJournal_ResetSurvivesReplay(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := newJournalStore(t, dir)
	s.Remember("k", "v")
	s.AppendTurn("old", "a", nil)
	s.Reset()
	s.AppendTurn("new", "b", nil)
	require.NoError(t, s.Close(ctx))

	r := newJournalStore(t, dir)
	assert.Zero(t, r.Stats().Facts)
	turns := r.RecentTurns(10)
	require.Len(t, turns, 1)
	assert.Equal(t, "new", turns[0].User)
}

func TestSQLitePersister_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	cfg := config.MemoryConfig{Enabled: true, Backend: "sqlite", Dir: dir, MaxHistory: 3, CompactEvery: 0}

	s, err := Open(ctx, cfg, slog.Default())
	require.NoError(t, err)
	s.Remember("first", "1")
	s.Remember("second", "2")
	s.Remember("first", "one")
	s.SetPreference("voice_rate", 190)
	s.LearnPatterns([]string{"b", "a", "b"})
	for i := 0; i < 5; i++ {
		s.AppendTurn(fmt.Sprintf("u%d", i), "a", map[string]any{"i": i})
	}
	require.NoError(t, s.Close(ctx))

	r, err := Open(ctx, cfg, slog.Default())
	require.NoError(t, err)
	defer r.Close(ctx)

	facts := r.Facts()
	require.Len(t, facts, 2)
	assert.Equal(t, "first", facts[0].Key)
	assert.Equal(t, "one", facts[0].Value)
	assert.Equal(t, 190.0, r.Preference("voice_rate", 0))
	assert.Equal(t, int64(2), r.PatternFrequency("b"))

	turns := r.RecentTurns(10)
	require.Len(t, turns, 3)
	assert.Equal(t, "u2", turns[0].User)
	assert.EqualValues(t, 2, turns[0].Metadata["i"])

	rec := r.AppendTurn("next", "a", nil)
	assert.Equal(t, int64(6), rec.Seq)

	require.NoError(t, r.Compact(ctx))
	assert.Len(t, r.RecentTurns(10), 3)
}

func TestSQLite_CorruptDatabaseDegradesToEmpty(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	garbage := make([]byte, 8192)
	for i := range garbage {
		garbage[i] = byte('x' + i%3)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "memory.db"), garbage, 0o600))
	cfg := config.MemoryConfig{Enabled: true, Backend: "sqlite", Dir: dir, MaxHistory: 10}

	s, err := Open(ctx, cfg, slog.Default())
	require.NoError(t, err)
	assert.Zero(t, s.Stats().Facts)
	s.Remember("k", "v")
	require.NoError(t, s.Close(ctx))

	aside, err := filepath.Glob(filepath.Join(dir, "memory.db.corrupt-*"))
	require.NoError(t, err)
	assert.Len(t, aside, 1)

	r, err := Open(ctx, cfg, slog.Default())
	require.NoError(t, err)
	defer r.Close(ctx)
	v, ok := r.Recall("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestSQLite_UnopenableFallsBackToMemoryOnly(t *testing.T) {
	// a regular file where the memory dir should be
	blocker := filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	s, err := Open(context.Background(), config.MemoryConfig{Enabled: true, Backend: "sqlite", Dir: blocker, MaxHistory: 10}, slog.Default())
	require.NoError(t, err)
	s.Remember("k", "v")
	v, _ := s.Recall("k")
	assert.Equal(t, "v", v)
	assert.Zero(t, s.Stats().PendingOps)
	assert.NoError(t, s.Close(context.Background()))
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.MemoryConfig{Enabled: true, Backend: "mongo", Dir: t.TempDir()}, slog.Default())
	assert.Error(t, err)
}

func TestOpen_Disabled(t *testing.T) {
	s, err := Open(context.Background(), config.MemoryConfig{Enabled: false, MaxHistory: 5}, slog.Default())
	require.NoError(t, err)
	s.Remember("k", "v")
	assert.Zero(t, s.Stats().PendingOps)
}
