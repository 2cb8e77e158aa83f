// Package source is the write-once-read-many ledger for captured poll
// payloads. Content is addressed by a SHA-256 fingerprint; identical
// content is stored exactly once, no matter which entity submits it.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"aeternitas/internal/blob"
	"aeternitas/internal/pollable"
	"aeternitas/internal/storage"
	logx "aeternitas/pkg/logx"
)

// Ledger binds the source index to the blob store.
type Ledger struct {
	store storage.Store
	blobs blob.Adapter
	log   logx.Logger
}

func NewLedger(store storage.Store, blobs blob.Adapter, log logx.Logger) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{store: store, blobs: blobs, log: log}
}

// Fingerprint computes the content address of a payload.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Add captures a payload for the owning entity. It returns (nil, nil)
// when content with the same fingerprint was already captured by
// anyone; dedup is global, not per entity.
//
// The blob write and the index row share one transaction boundary: if
// the row cannot be committed, the blob write is compensated with a
// delete. The reverse inconsistency (blob without row) is tolerated as
// harmless orphaned storage; a row without a blob is never tolerated.
func (l *Ledger) Add(ctx context.Context, ref pollable.Ref, raw []byte) (*storage.Source, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.New("source: empty content")
	}

	fp := Fingerprint(raw)
	exists, err := l.store.SourceExists(ctx, fp)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}

	src := storage.Source{Fingerprint: fp, Ref: ref, CreatedAt: time.Now()}

	wrote := false
	err = l.store.CreateSource(ctx, src, func(ctx context.Context) error {
		// Store fails loudly if the key exists, which closes the race
		// between the existence check above and this write.
		if err := l.blobs.Store(ctx, fp, raw); err != nil {
			return err
		}
		wrote = true
		return nil
	})
	if err != nil {
		if wrote {
			// Compensate: the transaction did not commit, so the payload
			// must not linger behind a missing index row.
			if _, derr := l.blobs.Delete(ctx, fp); derr != nil {
				l.log.Warn("orphaned blob left behind after failed source create",
					logx.String("fingerprint", fp), logx.Err(derr))
			}
		}
		if errors.Is(err, storage.ErrSourceExists) || errors.Is(err, blob.ErrExists) {
			// Lost the race: content was captured concurrently.
			return nil, nil
		}
		return nil, fmt.Errorf("source add: %w", err)
	}

	l.log.Debug("source captured",
		logx.String("fingerprint", fp),
		logx.String("pollable", ref.String()),
		logx.String("size", humanize.Bytes(uint64(len(raw)))))
	return &src, nil
}

// Retrieve reads a captured payload back by fingerprint.
func (l *Ledger) Retrieve(ctx context.Context, fingerprint string) ([]byte, error) {
	if _, err := l.store.SourceByFingerprint(ctx, fingerprint); err != nil {
		return nil, err
	}
	return l.blobs.Retrieve(ctx, fingerprint)
}

// Remove deletes a source: index row first, then the blob. Used only by
// explicit entity deletion; captured content is otherwise immutable.
func (l *Ledger) Remove(ctx context.Context, fingerprint string) (bool, error) {
	removed, err := l.store.DeleteSource(ctx, fingerprint)
	if err != nil {
		return false, err
	}
	if !removed {
		return false, nil
	}
	if _, err := l.blobs.Delete(ctx, fingerprint); err != nil {
		// Row is gone; a dangling blob is the tolerated direction.
		l.log.Warn("blob delete failed after index removal",
			logx.String("fingerprint", fingerprint), logx.Err(err))
	}
	return true, nil
}

// RemoveAll deletes every source owned by an entity (cascading entity
// deletion).
func (l *Ledger) RemoveAll(ctx context.Context, ref pollable.Ref) (int, error) {
	srcs, err := l.store.SourcesByRef(ctx, ref)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, src := range srcs {
		removed, err := l.Remove(ctx, src.Fingerprint)
		if err != nil {
			return n, err
		}
		if removed {
			n++
		}
	}
	return n, nil
}
