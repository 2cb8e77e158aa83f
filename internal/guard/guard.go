// Package guard implements a distributed, TTL-based mutual-exclusion
// lock with a mandatory cooldown after release.
//
// Releasing the lock does not clear it: it starts a second, shorter
// quiet window during which nobody (including the releaser) may
// reacquire it. That throttles clients that would otherwise
// acquire-release in a tight loop against a rate-limited resource.
package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lock entry states.
const (
	StateProcessing = "processing"
	StateCooldown   = "cooldown"
	StateSleeping   = "sleeping"
)

// Entry is the lock's value in the backing KV store. It self-expires at
// LockedUntil via the store's TTL; no process ever has to delete it for
// correctness, only to end the current phase early.
type Entry struct {
	ID          string        `json:"id"`
	State       string        `json:"state"`
	Timeout     time.Duration `json:"timeout"`
	Cooldown    time.Duration `json:"cooldown"`
	LockedUntil time.Time     `json:"locked_until"`
	Token       string        `json:"token,omitempty"`
	Message     string        `json:"message,omitempty"`
}

// LockedError reports that the lock could not be acquired and the
// soonest instant a retry could succeed.
type LockedError struct {
	ID      string
	RetryAt time.Time
	Reason  string
}

func (e *LockedError) Error() string {
	msg := fmt.Sprintf("resource %q is locked until %s", e.ID, e.RetryAt.Format(time.RFC3339))
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Guard is one acquisition attempt's view of a lock. The token ties
// release to the acquiring process so an expired-and-reused lock is not
// released by its former owner.
type Guard struct {
	kv       KV
	id       string
	timeout  time.Duration
	cooldown time.Duration
	token    string
}

// New creates a guard for the given lock id. timeout bounds how long a
// crashed holder can block others; cooldown is the quiet period after
// release.
func New(kv KV, id string, cooldown, timeout time.Duration) *Guard {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Guard{
		kv:       kv,
		id:       id,
		timeout:  timeout,
		cooldown: cooldown,
		token:    uuid.NewString(),
	}
}

func (g *Guard) ID() string { return g.id }

// Acquire performs an atomic set-if-absent of a processing entry with
// TTL=timeout. If the key is held it returns a *LockedError carrying
// the soonest retry time.
func (g *Guard) Acquire(ctx context.Context) error {
	now := time.Now()
	entry := Entry{
		ID:          g.id,
		State:       StateProcessing,
		Timeout:     g.timeout,
		Cooldown:    g.cooldown,
		LockedUntil: now.Add(g.timeout),
		Token:       g.token,
	}
	val, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	ok, err := g.kv.SetNX(ctx, g.id, val, g.timeout)
	if err != nil {
		return fmt.Errorf("guard acquire %q: %w", g.id, err)
	}
	if ok {
		return nil
	}
	return &LockedError{ID: g.id, RetryAt: g.retryAt(ctx), Reason: g.reason(ctx)}
}

// Release ends the processing phase and starts the cooldown window.
// It is a no-op when this guard no longer holds the lock.
//
// The ownership check and the overwrite are not atomic against the
// backing store; in the rare lost race a stale release can shorten
// another owner's cooldown. Known, accepted limitation.
func (g *Guard) Release(ctx context.Context) error {
	if !g.holdsLock(ctx) {
		return nil
	}
	now := time.Now()
	entry := Entry{
		ID:          g.id,
		State:       StateCooldown,
		Timeout:     g.timeout,
		Cooldown:    g.cooldown,
		LockedUntil: now.Add(g.cooldown),
		Token:       g.token,
	}
	val, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := g.kv.Set(ctx, g.id, val, g.cooldown); err != nil {
		return fmt.Errorf("guard release %q: %w", g.id, err)
	}
	return nil
}

// SleepUntil unconditionally locks the guard until the given instant,
// independent of normal acquire/release accounting. Used when the
// caller learns out-of-band (e.g. a 429 response) that the resource is
// unavailable until a specific time.
func (g *Guard) SleepUntil(ctx context.Context, until time.Time, msg string) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	entry := Entry{
		ID:          g.id,
		State:       StateSleeping,
		Timeout:     g.timeout,
		Cooldown:    g.cooldown,
		LockedUntil: until,
		Message:     msg,
	}
	val, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := g.kv.Set(ctx, g.id, val, ttl); err != nil {
		return fmt.Errorf("guard sleep %q: %w", g.id, err)
	}
	return nil
}

// SleepFor locks the guard for the given duration.
func (g *Guard) SleepFor(ctx context.Context, d time.Duration, msg string) error {
	return g.SleepUntil(ctx, time.Now().Add(d), msg)
}

// WithLock runs fn while holding the lock and releases it afterwards
// regardless of fn's outcome.
func (g *Guard) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer func() { _ = g.Release(ctx) }()
	return fn(ctx)
}

func (g *Guard) holdsLock(ctx context.Context) bool {
	entry, ok := g.entry(ctx)
	return ok && entry.Token == g.token && entry.State == StateProcessing
}

// retryAt estimates the soonest instant an acquisition could succeed.
// While the holder is processing, the exact remaining time is not
// knowable without its cooperation, so we estimate "cooldown from now";
// for cooldown/sleeping the entry's own expiry is exact.
func (g *Guard) retryAt(ctx context.Context) time.Time {
	entry, ok := g.entry(ctx)
	if !ok {
		return time.Now()
	}
	if entry.State == StateProcessing {
		return time.Now().Add(entry.Cooldown)
	}
	return entry.LockedUntil
}

func (g *Guard) reason(ctx context.Context) string {
	entry, ok := g.entry(ctx)
	if !ok {
		return ""
	}
	return entry.Message
}

func (g *Guard) entry(ctx context.Context) (Entry, bool) {
	val, ok, err := g.kv.Get(ctx, g.id)
	if err != nil || !ok {
		return Entry{}, false
	}
	var entry Entry
	if err := json.Unmarshal(val, &entry); err != nil {
		return Entry{}, false
	}
	return entry, true
}
