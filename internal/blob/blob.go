// Package blob defines the content-addressed byte store behind the
// source ledger: opaque string ids (fingerprints) mapping to immutable
// payloads.
package blob

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrExists is returned by Store when the id is already present.
	// Write-once: an id never maps to two payloads.
	ErrExists = errors.New("blob already exists")
	// ErrNotFound is returned by Retrieve when the id is absent.
	ErrNotFound = errors.New("blob not found")
)

// Adapter is the pluggable byte store contract.
//
// Delete returns false (not an error) when nothing was removed.
type Adapter interface {
	Store(ctx context.Context, id string, raw []byte) error
	Retrieve(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) (bool, error)
	Exist(ctx context.Context, id string) (bool, error)
}

// Config selects and configures the blob backend.
type Config struct {
	Driver    string // "file" or "memory"
	Directory string // file driver root
}

// Open initializes the configured backend.
func Open(cfg Config) (Adapter, error) {
	switch cfg.Driver {
	case "", "file":
		return NewFileAdapter(cfg.Directory)
	case "memory":
		return NewMemoryAdapter(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver: %s", cfg.Driver)
	}
}
