package storage

import (
	"context"
	"errors"
	"time"

	"aeternitas/internal/guard"
	"aeternitas/internal/pollable"
)

var (
	// ErrNotFound is returned when a metadata or source row is absent.
	ErrNotFound = errors.New("storage: not found")
	// ErrSourceExists is returned by CreateSource on a fingerprint
	// collision with an existing row.
	ErrSourceExists = errors.New("storage: source already exists")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": in-process store (tests, throwaway setups)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Source is one row of the content-addressed index. The payload lives
// in the blob store under Fingerprint, never here.
type Source struct {
	Fingerprint string
	Ref         pollable.Ref
	CreatedAt   time.Time
}

// Store is the durable persistence API used by the polling runtime.
//
// Metadata transitions are compare-and-set on the current state so
// concurrent dispatchers and workers cannot lose updates.
type Store interface {
	// EnsureMeta creates the metadata record for a ref if it does not
	// exist yet (state waiting, next_polling at the epoch so the entity
	// is immediately due) and returns the current record.
	EnsureMeta(ctx context.Context, ref pollable.Ref) (*pollable.MetaData, error)
	Meta(ctx context.Context, id int64) (*pollable.MetaData, error)
	MetaByRef(ctx context.Context, ref pollable.Ref) (*pollable.MetaData, error)

	// Due returns the due set: waiting records with next_polling
	// strictly before now, oldest first. limit <= 0 means no limit.
	Due(ctx context.Context, now time.Time, limit int) ([]pollable.MetaData, error)

	// InState lists records in one state, oldest next_polling first.
	// Used on startup to recover records stranded in enqueued by a
	// crash. limit <= 0 means no limit.
	InState(ctx context.Context, state pollable.State, limit int) ([]pollable.MetaData, error)

	// Apply fires a state machine event with compare-and-set semantics.
	// It returns pollable.ErrInvalidTransition when the record is not in
	// an allowed from-state.
	Apply(ctx context.Context, id int64, ev pollable.Event) error

	// CompletePoll atomically records a successful poll: active→waiting
	// plus last/next polling timestamps.
	CompletePoll(ctx context.Context, id int64, last, next time.Time) error

	// Deactivate terminally removes a record from scheduling, storing
	// the reason. Idempotent: deactivating a deactivated record is a
	// no-op.
	Deactivate(ctx context.Context, id int64, reason string, at time.Time) error

	// CreateSource inserts an index row and runs write (the blob store
	// write) inside the same transaction boundary: if either fails,
	// neither commits. Returns ErrSourceExists on a duplicate
	// fingerprint.
	CreateSource(ctx context.Context, src Source, write func(ctx context.Context) error) error
	SourceExists(ctx context.Context, fingerprint string) (bool, error)
	SourceByFingerprint(ctx context.Context, fingerprint string) (*Source, error)
	// DeleteSource removes the index row; false when nothing was removed.
	DeleteSource(ctx context.Context, fingerprint string) (bool, error)
	// SourcesByRef lists the index rows owned by one entity.
	SourcesByRef(ctx context.Context, ref pollable.Ref) ([]Source, error)

	// GuardKV exposes the store's TTL key-value table for the cooldown
	// lock.
	GuardKV() guard.KV

	Close() error
}
