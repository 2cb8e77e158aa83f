// Package pollable defines the contract a periodically polled entity
// implements, the per-type polling configuration, and the metadata
// state machine that tracks scheduling eligibility.
package pollable

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Ref identifies a pollable entity: a type kind plus the entity's own id.
// Exactly one metadata record exists per Ref.
type Ref struct {
	Kind     string
	EntityID string
}

func (r Ref) String() string { return r.Kind + "/" + r.EntityID }

func (r Ref) Validate() error {
	if r.Kind == "" {
		return errors.New("pollable ref: empty kind")
	}
	if r.EntityID == "" {
		return errors.New("pollable ref: empty entity id")
	}
	return nil
}

// Pollable is the capability interface a domain entity implements to be
// polled on a cadence. Poll performs one fetch/ingest cycle; it runs
// under the type's cooldown lock.
type Pollable interface {
	PollableRef() Ref
	Poll(ctx context.Context) error
}

// Loader materializes the Pollable for a Ref. It is supplied at
// registration time by the embedding program (typically a database
// lookup).
type Loader func(ctx context.Context, ref Ref) (Pollable, error)

// Context carries the entity and its metadata into frequency functions
// and hooks.
type Context struct {
	Pollable Pollable
	Meta     *MetaData
}

// Hook runs before or after a poll.
type Hook func(ctx context.Context, pc Context) error

// ---- Registry ----

// Registration binds a kind to its configuration and loader.
type Registration struct {
	Kind   string
	Config *Configuration
	Load   Loader
}

// Registry holds one Registration per pollable kind. Registrations keep
// their own copy of the configuration, so later mutation by the caller
// (e.g. a specializing subtype) never leaks in.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*Registration
}

func NewRegistry() *Registry {
	return &Registry{types: map[string]*Registration{}}
}

func (r *Registry) Register(kind string, cfg *Configuration, load Loader) error {
	if kind == "" {
		return errors.New("register: empty kind")
	}
	if load == nil {
		return errors.New("register: nil loader")
	}
	if cfg == nil {
		cfg = NewConfiguration()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.types[kind]; dup {
		return fmt.Errorf("register: kind %q already registered", kind)
	}
	r.types[kind] = &Registration{Kind: kind, Config: cfg.Copy(), Load: load}
	return nil
}

func (r *Registry) Lookup(kind string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.types[kind]
	return reg, ok
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for k := range r.types {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
