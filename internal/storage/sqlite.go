package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"aeternitas/internal/guard"
	"aeternitas/internal/pollable"
	logx "aeternitas/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	kv *sqliteKV
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	st.kv = &sqliteKV{db: db, pruneEvery: 500}

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- metadata ----

const metaColumns = `id, kind, entity_id, state, next_polling, last_polling, deactivation_reason, deactivated_at`

func (s *sqliteStore) EnsureMeta(ctx context.Context, ref pollable.Ref) (*pollable.MetaData, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pollable_meta_data(kind, entity_id, state, next_polling)
		 VALUES(?,?,?,0) ON CONFLICT(kind, entity_id) DO NOTHING`,
		ref.Kind, ref.EntityID, string(pollable.StateWaiting),
	)
	if err != nil {
		return nil, err
	}
	return s.MetaByRef(ctx, ref)
}

func (s *sqliteStore) Meta(ctx context.Context, id int64) (*pollable.MetaData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+metaColumns+` FROM pollable_meta_data WHERE id = ?`, id)
	return scanMeta(row)
}

func (s *sqliteStore) MetaByRef(ctx context.Context, ref pollable.Ref) (*pollable.MetaData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+metaColumns+` FROM pollable_meta_data WHERE kind = ? AND entity_id = ?`,
		ref.Kind, ref.EntityID)
	return scanMeta(row)
}

func (s *sqliteStore) Due(ctx context.Context, now time.Time, limit int) ([]pollable.MetaData, error) {
	q := `SELECT ` + metaColumns + ` FROM pollable_meta_data
	      WHERE state = ? AND next_polling < ? ORDER BY next_polling`
	args := []any{string(pollable.StateWaiting), now.UnixMilli()}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pollable.MetaData
	for rows.Next() {
		m, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) InState(ctx context.Context, state pollable.State, limit int) ([]pollable.MetaData, error) {
	q := `SELECT ` + metaColumns + ` FROM pollable_meta_data
	      WHERE state = ? ORDER BY next_polling`
	args := []any{string(state)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pollable.MetaData
	for rows.Next() {
		m, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Apply(ctx context.Context, id int64, ev pollable.Event) error {
	target, err := ev.Target()
	if err != nil {
		return err
	}
	from := ev.FromStates()
	if len(from) == 0 {
		return pollable.ErrInvalidTransition
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := make([]any, 0, len(from)+2)
	args = append(args, string(target), id)
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE pollable_meta_data SET state = ? WHERE id = ? AND state IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Meta(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("meta %d: event %s: %w", id, ev, pollable.ErrInvalidTransition)
	}
	return nil
}

func (s *sqliteStore) CompletePoll(ctx context.Context, id int64, last, next time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pollable_meta_data SET state = ?, last_polling = ?, next_polling = ?
		 WHERE id = ? AND state = ?`,
		string(pollable.StateWaiting), last.UnixMilli(), next.UnixMilli(),
		id, string(pollable.StateActive),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("meta %d: complete poll: %w", id, pollable.ErrInvalidTransition)
	}
	return nil
}

func (s *sqliteStore) Deactivate(ctx context.Context, id int64, reason string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pollable_meta_data
		 SET state = ?, deactivation_reason = ?, deactivated_at = ?
		 WHERE id = ? AND state != ?`,
		string(pollable.StateDeactivated), nullStr(reason), at.UnixMilli(),
		id, string(pollable.StateDeactivated),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeta(row rowScanner) (*pollable.MetaData, error) {
	var (
		m           pollable.MetaData
		state       string
		nextMS      int64
		lastMS      sql.NullInt64
		reason      sql.NullString
		deactivated sql.NullInt64
	)
	err := row.Scan(&m.ID, &m.Ref.Kind, &m.Ref.EntityID, &state, &nextMS, &lastMS, &reason, &deactivated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.State = pollable.State(state)
	m.NextPolling = time.UnixMilli(nextMS)
	if lastMS.Valid {
		t := time.UnixMilli(lastMS.Int64)
		m.LastPolling = &t
	}
	if reason.Valid {
		m.DeactivationReason = reason.String
	}
	if deactivated.Valid {
		t := time.UnixMilli(deactivated.Int64)
		m.DeactivatedAt = &t
	}
	return &m, nil
}

// ---- source index ----

func (s *sqliteStore) CreateSource(ctx context.Context, src Source, write func(ctx context.Context) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sources(fingerprint, kind, entity_id, created_at) VALUES(?,?,?,?)`,
		src.Fingerprint, src.Ref.Kind, src.Ref.EntityID, src.CreatedAt.UnixMilli(),
	)
	if err != nil {
		_ = tx.Rollback()
		if isUniqueViolation(err) {
			return ErrSourceExists
		}
		return err
	}
	if write != nil {
		if err := write(ctx); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) SourceExists(ctx context.Context, fingerprint string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM sources WHERE fingerprint = ?`, fingerprint).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) SourceByFingerprint(ctx context.Context, fingerprint string) (*Source, error) {
	var (
		src       Source
		createdMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, kind, entity_id, created_at FROM sources WHERE fingerprint = ?`,
		fingerprint,
	).Scan(&src.Fingerprint, &src.Ref.Kind, &src.Ref.EntityID, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	src.CreatedAt = time.UnixMilli(createdMS)
	return &src, nil
}

func (s *sqliteStore) DeleteSource(ctx context.Context, fingerprint string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sources WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) SourcesByRef(ctx context.Context, ref pollable.Ref) ([]Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint, kind, entity_id, created_at FROM sources
		 WHERE kind = ? AND entity_id = ? ORDER BY created_at`,
		ref.Kind, ref.EntityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		var (
			src       Source
			createdMS int64
		)
		if err := rows.Scan(&src.Fingerprint, &src.Ref.Kind, &src.Ref.EntityID, &createdMS); err != nil {
			return nil, err
		}
		src.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, src)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces SQLITE_CONSTRAINT_* in the message;
	// good enough for routing to ErrSourceExists.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

// ---- guard KV ----

func (s *sqliteStore) GuardKV() guard.KV { return s.kv }

// sqliteKV backs the cooldown lock with the guard_locks table. A row
// whose until has passed counts as absent, so lock entries "expire"
// without a background reaper; expired rows are pruned opportunistically.
type sqliteKV struct {
	db *sql.DB

	opCount    atomic.Uint64
	pruneEvery uint64
}

func (k *sqliteKV) SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := k.db.ExecContext(ctx,
		`INSERT INTO guard_locks(key, value, until) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, until = excluded.until
		 WHERE guard_locks.until <= ?`,
		key, val, now.Add(ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	k.maybePrune()
	return n > 0, nil
}

func (k *sqliteKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var val []byte
	err := k.db.QueryRowContext(ctx,
		`SELECT value FROM guard_locks WHERE key = ? AND until > ?`,
		key, time.Now().UnixMilli(),
	).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (k *sqliteKV) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	_, err := k.db.ExecContext(ctx,
		`INSERT INTO guard_locks(key, value, until) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, until = excluded.until`,
		key, val, time.Now().Add(ttl).UnixMilli(),
	)
	if err == nil {
		k.maybePrune()
	}
	return err
}

func (k *sqliteKV) maybePrune() {
	if k.opCount.Add(1)%k.pruneEvery != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _ = k.db.ExecContext(ctx, `DELETE FROM guard_locks WHERE until < ?`, time.Now().UnixMilli())
}
