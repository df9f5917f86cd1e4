package memory

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	snapshotFile = "memory_snapshot.json"
	journalFile  = "memory_journal.jsonl"
)

// JournalPersister keeps a JSON snapshot plus an append-only JSONL op journal.
// Snapshots are replaced atomically (temp file, fsync, rename); journal lines that
// fail to parse, such as a torn final write, are skipped on load.
type JournalPersister struct {
	dir    string
	logger *slog.Logger
}

// NewJournalPersister creates dir if needed.
func NewJournalPersister(dir string, logger *slog.Logger) (*JournalPersister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating memory dir: %w", err)
	}
	return &JournalPersister{dir: dir, logger: logger}, nil
}

func (j *JournalPersister) Name() string { return "journal" }

func (j *JournalPersister) snapshotPath() string { return filepath.Join(j.dir, snapshotFile) }
func (j *JournalPersister) journalPath() string  { return filepath.Join(j.dir, journalFile) }

// Load reads the snapshot and replays the journal. A corrupt snapshot is moved aside
// and treated as empty so the journal can still be applied.
func (j *JournalPersister) Load(_ context.Context) (*Snapshot, []Op, error) {
	snap := &Snapshot{}
	data, err := os.ReadFile(j.snapshotPath())
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, nil, fmt.Errorf("reading snapshot: %w", err)
	default:
		if err := json.Unmarshal(data, snap); err != nil {
			aside := fmt.Sprintf("%s.corrupt-%d", j.snapshotPath(), time.Now().Unix())
			j.logger.Warn("memory snapshot corrupt, starting from empty state", "error", err, "moved_to", aside)
			_ = os.Rename(j.snapshotPath(), aside)
			snap = &Snapshot{}
		}
	}

	ops, err := j.readJournal()
	if err != nil {
		return nil, nil, err
	}
	return snap, ops, nil
}

func (j *JournalPersister) readJournal() ([]Op, error) {
	f, err := os.Open(j.journalPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	defer f.Close()

	var ops []Op
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var op Op
		if err := json.Unmarshal(line, &op); err != nil || op.Kind == "" {
			skipped++
			continue
		}
		ops = append(ops, op)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning journal: %w", err)
	}
	if skipped > 0 {
		j.logger.Warn("skipped malformed journal lines", "count", skipped)
	}
	return ops, nil
}

// Write appends ops as JSON lines and fsyncs.
func (j *JournalPersister) Write(_ context.Context, ops []Op) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, op := range ops {
		if err := enc.Encode(op); err != nil {
			return fmt.Errorf("encoding op: %w", err)
		}
	}

	f, err := os.OpenFile(j.journalPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("appending journal: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("syncing journal: %w", err)
	}
	return f.Close()
}

// Compact writes snap atomically, then truncates the journal. A crash between the two
// leaves ops that replay idempotently over the new snapshot.
func (j *JournalPersister) Compact(_ context.Context, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := writeFileAtomic(j.snapshotPath(), data); err != nil {
		return err
	}
	if err := os.Truncate(j.journalPath(), 0); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("truncating journal: %w", err)
	}
	return nil
}

func (j *JournalPersister) Close() error { return nil }

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("writing temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("syncing temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("closing temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("renaming snapshot: %w", err)
	}
	return nil
}
