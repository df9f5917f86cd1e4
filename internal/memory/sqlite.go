package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ajitpratap0/phenom-core/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS facts (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	ts    TEXT NOT NULL,
	ord   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS preferences (
	key   TEXT PRIMARY KEY,
	value REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS patterns (
	pattern TEXT PRIMARY KEY,
	count   INTEGER NOT NULL,
	ord     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
	seq       INTEGER PRIMARY KEY,
	ts        TEXT NOT NULL,
	user      TEXT NOT NULL,
	assistant TEXT NOT NULL,
	metadata  TEXT
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);`

// SQLitePersister applies op batches transactionally to a SQLite database, so each
// flush is atomic and there is no separate snapshot file.
type SQLitePersister struct {
	db         *sql.DB
	maxHistory int
}

// NewSQLitePersister opens (or creates) the database at path.
func NewSQLitePersister(ctx context.Context, path string, maxHistory int) (*SQLitePersister, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating memory dir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLitePersister{db: db, maxHistory: maxHistory}, nil
}

// openSQLite opens the database at path and checks that it loads. An unreadable
// database is moved aside to path.corrupt-<unix> and recreated empty; if even a fresh
// database cannot be opened it returns nil and the store keeps state in memory only.
func openSQLite(ctx context.Context, path string, maxHistory int, logger *slog.Logger) Persister {
	p, err := tryOpenSQLite(ctx, path, maxHistory)
	if err == nil {
		return p
	}
	if _, statErr := os.Stat(path); statErr == nil {
		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		logger.Warn("memory database unreadable, starting from empty state", "error", err, "moved_to", aside)
		if renameErr := os.Rename(path, aside); renameErr != nil {
			logger.Warn("moving corrupt memory database aside", "error", renameErr)
		}
		for _, suffix := range []string{"-wal", "-shm"} {
			if rmErr := os.Remove(path + suffix); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				logger.Warn("removing stale sqlite sidecar", "file", path+suffix, "error", rmErr)
			}
		}
		p, err = tryOpenSQLite(ctx, path, maxHistory)
		if err == nil {
			return p
		}
	}
	logger.Warn("memory database unavailable, keeping memory in process only", "path", path, "error", err)
	return nil
}

func tryOpenSQLite(ctx context.Context, path string, maxHistory int) (*SQLitePersister, error) {
	p, err := NewSQLitePersister(ctx, path, maxHistory)
	if err != nil {
		return nil, err
	}
	if _, _, err := p.Load(ctx); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func (p *SQLitePersister) Name() string { return "sqlite" }

// Load reads every table into a snapshot; ops are always empty.
func (p *SQLitePersister) Load(ctx context.Context) (*Snapshot, []Op, error) {
	snap := &Snapshot{Preferences: map[string]float64{}}

	rows, err := p.db.QueryContext(ctx, `SELECT key, value, ts FROM facts ORDER BY ord`)
	if err != nil {
		return nil, nil, fmt.Errorf("loading facts: %w", err)
	}
	for rows.Next() {
		var f models.Fact
		var ts string
		if err := rows.Scan(&f.Key, &f.Value, &ts); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scanning fact: %w", err)
		}
		f.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		snap.Facts = append(snap.Facts, f)
	}
	rows.Close()

	rows, err = p.db.QueryContext(ctx, `SELECT key, value FROM preferences`)
	if err != nil {
		return nil, nil, fmt.Errorf("loading preferences: %w", err)
	}
	for rows.Next() {
		var k string
		var v float64
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scanning preference: %w", err)
		}
		snap.Preferences[k] = v
	}
	rows.Close()

	rows, err = p.db.QueryContext(ctx, `SELECT pattern, count, ord FROM patterns ORDER BY ord`)
	if err != nil {
		return nil, nil, fmt.Errorf("loading patterns: %w", err)
	}
	for rows.Next() {
		var e PatternEntry
		if err := rows.Scan(&e.Pattern, &e.Count, &e.Order); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scanning pattern: %w", err)
		}
		snap.Patterns = append(snap.Patterns, e)
	}
	rows.Close()

	rows, err = p.db.QueryContext(ctx, `SELECT seq, ts, user, assistant, metadata FROM turns ORDER BY seq`)
	if err != nil {
		return nil, nil, fmt.Errorf("loading turns: %w", err)
	}
	for rows.Next() {
		var rec models.ConversationRecord
		var ts string
		var meta sql.NullString
		if err := rows.Scan(&rec.Seq, &ts, &rec.User, &rec.Assistant, &meta); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scanning turn: %w", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &rec.Metadata)
		}
		snap.Turns = append(snap.Turns, rec)
	}
	rows.Close()

	if err := p.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(value), 0) FROM meta WHERE key = 'last_seq'`).Scan(&snap.LastSeq); err != nil {
		return nil, nil, fmt.Errorf("loading last seq: %w", err)
	}
	return snap, nil, nil
}

// Write applies ops in one transaction and trims turns to the history cap.
func (p *SQLitePersister) Write(ctx context.Context, ops []Op) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, op := range ops {
		if err := applySQL(ctx, tx, op); err != nil {
			return err
		}
	}
	if err := p.trim(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing ops: %w", err)
	}
	return nil
}

func applySQL(ctx context.Context, tx *sql.Tx, op Op) error {
	var err error
	switch op.Kind {
	case OpFactSet:
		_, err = tx.ExecContext(ctx, `INSERT INTO facts (key, value, ts, ord)
			VALUES (?, ?, ?, (SELECT COALESCE(MAX(ord), 0) + 1 FROM facts))
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, ts = excluded.ts`,
			op.Key, op.Value, op.Time.Format(time.RFC3339Nano))
	case OpFactDel:
		_, err = tx.ExecContext(ctx, `DELETE FROM facts WHERE key = ?`, op.Key)
	case OpPrefSet:
		_, err = tx.ExecContext(ctx, `INSERT INTO preferences (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, op.Key, op.Number)
	case OpPattern:
		_, err = tx.ExecContext(ctx, `INSERT INTO patterns (pattern, count, ord) VALUES (?, ?, ?)
			ON CONFLICT(pattern) DO UPDATE SET count = excluded.count`, op.Key, op.Count, op.Order)
	case OpTurn:
		if op.Turn == nil {
			return nil
		}
		var meta []byte
		if len(op.Turn.Metadata) > 0 {
			if meta, err = json.Marshal(op.Turn.Metadata); err != nil {
				return fmt.Errorf("encoding turn metadata: %w", err)
			}
		}
		if _, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO turns (seq, ts, user, assistant, metadata) VALUES (?, ?, ?, ?, ?)`,
			op.Turn.Seq, op.Turn.Timestamp.Format(time.RFC3339Nano), op.Turn.User, op.Turn.Assistant, string(meta)); err != nil {
			break
		}
		err = setLastSeq(ctx, tx, op.Turn.Seq)
	case OpReset:
		for _, stmt := range []string{`DELETE FROM facts`, `DELETE FROM preferences`, `DELETE FROM patterns`} {
			if _, err = tx.ExecContext(ctx, stmt); err != nil {
				break
			}
		}
		if err == nil {
			_, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE seq <= ?`, op.Count)
		}
	}
	if err != nil {
		return fmt.Errorf("applying %s op: %w", op.Kind, err)
	}
	return nil
}

func setLastSeq(ctx context.Context, tx *sql.Tx, seq int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES ('last_seq', ?)
		ON CONFLICT(key) DO UPDATE SET value = MAX(value, excluded.value)`, seq)
	return err
}

func (p *SQLitePersister) trim(ctx context.Context, tx *sql.Tx) error {
	if p.maxHistory <= 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE seq NOT IN (SELECT seq FROM turns ORDER BY seq DESC LIMIT ?)`, p.maxHistory)
	if err != nil {
		return fmt.Errorf("trimming turns: %w", err)
	}
	return nil
}

// Compact rewrites every table from snap in one transaction.
func (p *SQLitePersister) Compact(ctx context.Context, snap *Snapshot) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{`DELETE FROM facts`, `DELETE FROM preferences`, `DELETE FROM patterns`, `DELETE FROM turns`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clearing tables: %w", err)
		}
	}
	for _, f := range snap.Facts {
		if err := applySQL(ctx, tx, Op{Kind: OpFactSet, Key: f.Key, Value: f.Value, Time: f.Timestamp}); err != nil {
			return err
		}
	}
	for k, v := range snap.Preferences {
		if err := applySQL(ctx, tx, Op{Kind: OpPrefSet, Key: k, Number: v}); err != nil {
			return err
		}
	}
	for _, e := range snap.Patterns {
		if err := applySQL(ctx, tx, Op{Kind: OpPattern, Key: e.Pattern, Count: e.Count, Order: e.Order}); err != nil {
			return err
		}
	}
	for i := range snap.Turns {
		if err := applySQL(ctx, tx, Op{Kind: OpTurn, Turn: &snap.Turns[i]}); err != nil {
			return err
		}
	}
	if err := setLastSeq(ctx, tx, snap.LastSeq); err != nil {
		return fmt.Errorf("storing last seq: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing snapshot: %w", err)
	}
	return nil
}

func (p *SQLitePersister) Close() error {
	return p.db.Close()
}
