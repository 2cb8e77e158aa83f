package pollable

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type fakePollable struct {
	ref Ref
}

func (f fakePollable) PollableRef() Ref           { return f.ref }
func (f fakePollable) Poll(context.Context) error { return nil }

func TestNewConfigurationDefaults(t *testing.T) {
	t.Parallel()

	c := NewConfiguration()
	if c.LockTimeout != DefaultLockTimeout {
		t.Errorf("lock timeout = %v", c.LockTimeout)
	}
	if c.LockCooldown != DefaultLockCooldown {
		t.Errorf("lock cooldown = %v", c.LockCooldown)
	}
	if c.Queue != DefaultQueue {
		t.Errorf("queue = %q", c.Queue)
	}
	if !c.SleepOnGuardLocked {
		t.Errorf("sleep on guard locked defaults to false")
	}
	// Default lock key serializes the whole kind.
	p := fakePollable{ref: Ref{Kind: "feed", EntityID: "9"}}
	if got := c.LockKey(p); got != "feed" {
		t.Errorf("default lock key = %q", got)
	}

	next := c.Frequency(Context{Pollable: p})
	if d := time.Until(next); d < 23*time.Hour || d > 25*time.Hour {
		t.Errorf("default frequency gives %v from now, want about a day", d)
	}
}

func TestConfigurationOptions(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("gone")
	c := NewConfiguration(
		WithFrequency(Every(time.Minute)),
		WithStaticLockKey("api:acme"),
		WithLockTimeout(time.Minute),
		WithLockCooldown(2*time.Second),
		DeactivateOn(Is(sentinel)),
		IgnoreOn(TypeIs[*Ignored]()),
		WithQueue("slow"),
		SleepOnGuardLocked(false),
	)

	if got := c.LockKey(fakePollable{ref: Ref{Kind: "feed", EntityID: "1"}}); got != "api:acme" {
		t.Errorf("lock key = %q", got)
	}
	if c.LockTimeout != time.Minute || c.LockCooldown != 2*time.Second {
		t.Errorf("lock windows = %v/%v", c.LockTimeout, c.LockCooldown)
	}
	if c.Queue != "slow" {
		t.Errorf("queue = %q", c.Queue)
	}
	if c.SleepOnGuardLocked {
		t.Errorf("sleep on guard locked not disabled")
	}
	if !AnyMatch(c.DeactivateOn, fmt.Errorf("wrap: %w", sentinel)) {
		t.Errorf("deactivate matcher missed wrapped sentinel")
	}
	if AnyMatch(c.DeactivateOn, errors.New("other")) {
		t.Errorf("deactivate matcher matched unrelated error")
	}
}

func TestConfigurationCopyIsolation(t *testing.T) {
	t.Parallel()

	base := NewConfiguration(DeactivateOn(Is(errors.New("a"))))
	cp := base.Copy()
	cp.DeactivateOn = append(cp.DeactivateOn, Is(errors.New("b")))
	cp.BeforePoll = append(cp.BeforePoll, func(context.Context, Context) error { return nil })

	if len(base.DeactivateOn) != 1 {
		t.Errorf("parent matchers grew to %d", len(base.DeactivateOn))
	}
	if len(base.BeforePoll) != 0 {
		t.Errorf("parent hooks grew to %d", len(base.BeforePoll))
	}
}

func TestMatchers(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("not found")
	if !Is(sentinel)(fmt.Errorf("outer: %w", sentinel)) {
		t.Errorf("Is missed a wrapped error")
	}

	ig := &Ignored{Err: sentinel}
	if !TypeIs[*Ignored]()(fmt.Errorf("outer: %w", ig)) {
		t.Errorf("TypeIs missed a wrapped typed error")
	}
	if TypeIs[*Ignored]()(sentinel) {
		t.Errorf("TypeIs matched an unrelated error")
	}

	if !errors.Is(ig, sentinel) {
		t.Errorf("Ignored does not unwrap")
	}
	if got := ig.Error(); got != "ignored: not found" {
		t.Errorf("Ignored.Error() = %q", got)
	}
}

func TestFrequencies(t *testing.T) {
	t.Parallel()
	pc := Context{}

	if d := time.Until(Hourly(pc)); d < 59*time.Minute || d > 61*time.Minute {
		t.Errorf("hourly = %v", d)
	}
	if d := time.Until(Every(10 * time.Minute)(pc)); d < 9*time.Minute || d > 11*time.Minute {
		t.Errorf("every 10m = %v", d)
	}

	f, err := Cron("0 3 * * *")
	if err != nil {
		t.Fatalf("cron: %v", err)
	}
	next := f(pc)
	if next.Hour() != 3 || next.Minute() != 0 {
		t.Errorf("cron next = %v, want 03:00", next)
	}
	if !next.After(time.Now()) {
		t.Errorf("cron next not in the future: %v", next)
	}

	if _, err := Cron("not a spec"); err == nil {
		t.Errorf("bad cron spec accepted")
	}

	if _, err := ByName("weekly"); err != nil {
		t.Errorf("byname weekly: %v", err)
	}
	if _, err := ByName("fortnightly"); err == nil {
		t.Errorf("unknown cadence accepted")
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	load := func(ctx context.Context, ref Ref) (Pollable, error) {
		return fakePollable{ref: ref}, nil
	}

	if err := r.Register("feed", nil, load); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("feed", nil, load); err == nil {
		t.Fatalf("duplicate kind accepted")
	}
	if err := r.Register("", nil, load); err == nil {
		t.Fatalf("empty kind accepted")
	}
	if err := r.Register("site", nil, nil); err == nil {
		t.Fatalf("nil loader accepted")
	}

	reg, ok := r.Lookup("feed")
	if !ok || reg.Kind != "feed" || reg.Config == nil {
		t.Fatalf("lookup feed = %+v, %v", reg, ok)
	}
	if _, ok := r.Lookup("nope"); ok {
		t.Fatalf("lookup of unknown kind succeeded")
	}

	// Registration snapshots the config.
	cfg := NewConfiguration(WithQueue("special"))
	if err := r.Register("site", cfg, load); err != nil {
		t.Fatalf("register site: %v", err)
	}
	cfg.Queue = "mutated"
	reg, _ = r.Lookup("site")
	if reg.Config.Queue != "special" {
		t.Errorf("registered config mutated through caller: %q", reg.Config.Queue)
	}

	kinds := r.Kinds()
	if len(kinds) != 2 || kinds[0] != "feed" || kinds[1] != "site" {
		t.Errorf("kinds = %v", kinds)
	}
}
