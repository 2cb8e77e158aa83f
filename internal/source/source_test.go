package source

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"aeternitas/internal/blob"
	"aeternitas/internal/pollable"
	"aeternitas/internal/storage"
	logx "aeternitas/pkg/logx"
)

func newLedger(t *testing.T) (*Ledger, *storage.Memory, *blob.MemoryAdapter) {
	t.Helper()
	store := storage.NewMemory()
	blobs := blob.NewMemoryAdapter()
	return NewLedger(store, blobs, logx.Nop()), store, blobs
}

func TestFingerprint(t *testing.T) {
	t.Parallel()
	raw := []byte("payload")
	sum := sha256.Sum256(raw)
	if got := Fingerprint(raw); got != hex.EncodeToString(sum[:]) {
		t.Fatalf("fingerprint = %q", got)
	}
}

func TestAddAndRetrieve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, store, blobs := newLedger(t)
	ref := pollable.Ref{Kind: "feed", EntityID: "1"}
	raw := []byte("<rss>content</rss>")

	src, err := l.Add(ctx, ref, raw)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if src == nil || src.Fingerprint != Fingerprint(raw) || src.Ref != ref {
		t.Fatalf("source = %+v", src)
	}

	if ok, _ := blobs.Exist(ctx, src.Fingerprint); !ok {
		t.Fatalf("blob missing after add")
	}
	if ok, _ := store.SourceExists(ctx, src.Fingerprint); !ok {
		t.Fatalf("index row missing after add")
	}

	got, err := l.Retrieve(ctx, src.Fingerprint)
	if err != nil || !bytes.Equal(got, raw) {
		t.Fatalf("retrieve = %q, %v", got, err)
	}
}

func TestAddDeduplicatesGlobally(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _, _ := newLedger(t)
	raw := []byte("same content")

	if _, err := l.Add(ctx, pollable.Ref{Kind: "feed", EntityID: "1"}, raw); err != nil {
		t.Fatalf("first add: %v", err)
	}
	// Same content from a different entity: still deduplicated.
	src, err := l.Add(ctx, pollable.Ref{Kind: "feed", EntityID: "2"}, raw)
	if err != nil {
		t.Fatalf("duplicate add: %v", err)
	}
	if src != nil {
		t.Fatalf("duplicate add returned a source: %+v", src)
	}
}

func TestAddRejectsBadInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _, _ := newLedger(t)

	if _, err := l.Add(ctx, pollable.Ref{Kind: "feed"}, []byte("x")); err == nil {
		t.Fatalf("invalid ref accepted")
	}
	if _, err := l.Add(ctx, pollable.Ref{Kind: "feed", EntityID: "1"}, nil); err == nil {
		t.Fatalf("empty content accepted")
	}
}

// failingStore forces the index commit to fail after the bound write
// ran, exercising the blob compensation path.
type failingStore struct {
	*storage.Memory
	err error
}

func (f *failingStore) CreateSource(ctx context.Context, src storage.Source, write func(ctx context.Context) error) error {
	if write != nil {
		if err := write(ctx); err != nil {
			return err
		}
	}
	return f.err
}

func TestAddCompensatesBlobOnCommitFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	blobs := blob.NewMemoryAdapter()
	boom := errors.New("commit failed")
	l := NewLedger(&failingStore{Memory: storage.NewMemory(), err: boom}, blobs, logx.Nop())

	raw := []byte("content")
	if _, err := l.Add(ctx, pollable.Ref{Kind: "feed", EntityID: "1"}, raw); !errors.Is(err, boom) {
		t.Fatalf("add = %v, want commit error", err)
	}
	// A row without a blob is never tolerated; the inverse direction is
	// cleaned up here too.
	if ok, _ := blobs.Exist(ctx, Fingerprint(raw)); ok {
		t.Fatalf("orphan blob left behind after failed commit")
	}
}

func TestAddLostRaceReturnsNil(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewLedger(&failingStore{Memory: storage.NewMemory(), err: storage.ErrSourceExists}, blob.NewMemoryAdapter(), logx.Nop())

	src, err := l.Add(ctx, pollable.Ref{Kind: "feed", EntityID: "1"}, []byte("content"))
	if err != nil || src != nil {
		t.Fatalf("lost race add = %+v, %v", src, err)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, store, blobs := newLedger(t)
	ref := pollable.Ref{Kind: "feed", EntityID: "1"}

	src, err := l.Add(ctx, ref, []byte("content"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	removed, err := l.Remove(ctx, src.Fingerprint)
	if err != nil || !removed {
		t.Fatalf("remove = %v, %v", removed, err)
	}
	if ok, _ := store.SourceExists(ctx, src.Fingerprint); ok {
		t.Fatalf("row survives remove")
	}
	if ok, _ := blobs.Exist(ctx, src.Fingerprint); ok {
		t.Fatalf("blob survives remove")
	}

	removed, err = l.Remove(ctx, src.Fingerprint)
	if err != nil || removed {
		t.Fatalf("second remove = %v, %v", removed, err)
	}
}

func TestRemoveAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _, _ := newLedger(t)
	ref := pollable.Ref{Kind: "feed", EntityID: "1"}
	other := pollable.Ref{Kind: "feed", EntityID: "2"}

	for _, c := range []string{"one", "two"} {
		if _, err := l.Add(ctx, ref, []byte(c)); err != nil {
			t.Fatalf("add %s: %v", c, err)
		}
	}
	if _, err := l.Add(ctx, other, []byte("three")); err != nil {
		t.Fatalf("add other: %v", err)
	}

	n, err := l.RemoveAll(ctx, ref)
	if err != nil || n != 2 {
		t.Fatalf("remove all = %d, %v", n, err)
	}
	// The other entity's capture is untouched.
	if got, err := l.Retrieve(ctx, Fingerprint([]byte("three"))); err != nil || string(got) != "three" {
		t.Fatalf("other capture = %q, %v", got, err)
	}
}
