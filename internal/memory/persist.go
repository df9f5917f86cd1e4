package memory

import (
	"context"
	"errors"
	"time"

	"github.com/ajitpratap0/phenom-core/internal/models"
)

// ErrPersistence wraps durable read and write failures. In-memory state keeps
// operating when it occurs and the failed batch is retried on the next flush.
var ErrPersistence = errors.New("memory persistence failure")

// OpKind names a state mutation.
type OpKind string

const (
	OpFactSet OpKind = "fact_set"
	OpFactDel OpKind = "fact_del"
	OpPrefSet OpKind = "pref_set"
	OpPattern OpKind = "pattern"
	OpTurn    OpKind = "turn"
	OpReset   OpKind = "reset"
)

// Op is one idempotent mutation. Values are absolute (a pattern op carries the new
// count, not an increment) and turns carry their sequence number, so replaying an
// op that is already reflected in a snapshot leaves the state unchanged.
type Op struct {
	Kind   OpKind                     `json:"op"`
	Key    string                     `json:"key,omitempty"`
	Value  string                     `json:"value,omitempty"`
	Number float64                    `json:"number,omitempty"`
	Count  int64                      `json:"count,omitempty"`
	Order  int64                      `json:"order,omitempty"`
	Time   time.Time                  `json:"ts,omitempty"`
	Turn   *models.ConversationRecord `json:"turn,omitempty"`
}

// PatternEntry is a learned pattern with its first-seen order.
type PatternEntry struct {
	Pattern string `json:"pattern"`
	Count   int64  `json:"count"`
	Order   int64  `json:"order"`
}

// Snapshot is the full durable state.
type Snapshot struct {
	Facts       []models.Fact               `json:"facts"`
	Preferences map[string]float64          `json:"preferences"`
	Patterns    []PatternEntry              `json:"patterns"`
	Turns       []models.ConversationRecord `json:"turns"`
	LastSeq     int64                       `json:"last_seq"`
}

// Persister stores snapshots and op batches.
type Persister interface {
	// Load returns the last snapshot and any ops written after it. Corrupt data is
	// reported as an error; the caller starts empty.
	Load(ctx context.Context) (*Snapshot, []Op, error)

	// Write durably appends a batch of ops.
	Write(ctx context.Context, ops []Op) error

	// Compact replaces the durable state with snap and discards older ops.
	Compact(ctx context.Context, snap *Snapshot) error

	// Name identifies the backend in logs.
	Name() string

	// Close releases resources.
	Close() error
}
