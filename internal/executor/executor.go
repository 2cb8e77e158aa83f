// Package executor runs the poll-execution protocol: metadata
// transition, hooks, cooldown-lock acquisition, the entity's own poll
// logic, error classification, and bookkeeping, run as one unit that
// can never leave a record stuck in active.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aeternitas/internal/eventbus"
	"aeternitas/internal/guard"
	"aeternitas/internal/metrics"
	"aeternitas/internal/pollable"
	"aeternitas/internal/storage"
	logx "aeternitas/pkg/logx"
)

// Executor executes polls against registered pollable types.
//
// It assumes at most one concurrent ExecutePoll per metadata id; the
// job queue's single-flight key guarantees that.
type Executor struct {
	store    storage.Store
	kv       guard.KV
	registry *pollable.Registry
	met      *metrics.Metrics
	bus      eventbus.Bus
	log      logx.Logger
}

func New(store storage.Store, registry *pollable.Registry, met *metrics.Metrics, bus eventbus.Bus, log logx.Logger) *Executor {
	if met == nil {
		met = metrics.Nop()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{
		store:    store,
		kv:       store.GuardKV(),
		registry: registry,
		met:      met,
		bus:      bus,
		log:      log,
	}
}

// ExecutePoll runs one poll for the given metadata record.
//
// Outcomes:
//   - success: record ends waiting with fresh last/next polling times.
//   - guard locked: record reverts to enqueued, *guard.LockedError
//     propagates with the retry-after instant.
//   - deactivation-kind error: record ends deactivated with the error
//     message as reason; nil is returned (terminal, expected).
//   - ignored-kind error: record ends errored; the error propagates
//     wrapped in *pollable.Ignored.
//   - anything else: record ends errored; the error propagates
//     unchanged.
func (e *Executor) ExecutePoll(ctx context.Context, metaID int64) error {
	start := time.Now()

	meta, err := e.store.Meta(ctx, metaID)
	if err != nil {
		return err
	}
	kind := meta.Ref.Kind
	reg, ok := e.registry.Lookup(kind)
	if !ok {
		return fmt.Errorf("execute poll: kind %q not registered", kind)
	}
	cfg := reg.Config

	p, err := reg.Load(ctx, meta.Ref)
	if err != nil {
		return fmt.Errorf("execute poll: load %s: %w", meta.Ref, err)
	}

	e.met.Polls.WithLabelValues(kind).Inc()

	// Step 1: claim the record. Fails fast on an invalid transition,
	// which would mean overlapping execution.
	if err := e.store.Apply(ctx, metaID, pollable.EventPoll); err != nil {
		return err
	}
	meta.State = pollable.StateActive
	pc := pollable.Context{Pollable: p, Meta: meta}

	// Every path out of here must settle the record in one of
	// waiting/enqueued/errored/deactivated. If a later step panics or a
	// path is missed, force errored rather than leave it active.
	settled := false
	defer func() {
		if settled {
			return
		}
		cleanup := context.WithoutCancel(ctx)
		if aerr := e.store.Apply(cleanup, metaID, pollable.EventErrored); aerr != nil {
			e.log.Error("failed to settle active pollable", logx.Int64("meta", metaID), logx.Err(aerr))
		}
	}()

	settle := func(ev pollable.Event) {
		if err := e.store.Apply(ctx, metaID, ev); err != nil {
			e.log.Error("metadata transition failed",
				logx.Int64("meta", metaID), logx.String("event", string(ev)), logx.Err(err))
		}
		settled = true
	}

	for _, h := range cfg.BeforePoll {
		if err := h(ctx, pc); err != nil {
			return e.classify(ctx, pc, cfg, err, &settled, settle)
		}
	}

	g := guard.New(e.kv, cfg.LockKey(p), cfg.LockCooldown, cfg.LockTimeout)
	if err := g.Acquire(ctx); err != nil {
		var locked *guard.LockedError
		if errors.As(err, &locked) {
			e.met.GuardLocked.WithLabelValues(kind).Inc()
			e.met.ObserveGuardTimeout(kind, time.Until(locked.RetryAt))
			// Revert the claim so the queue can re-deliver this record
			// without tripping the single-flight invariant.
			settle(pollable.EventEnqueue)
			return err
		}
		settle(pollable.EventErrored)
		return err
	}
	// Release starts the cooldown window, on success and failure alike.
	defer func() { _ = g.Release(context.WithoutCancel(ctx)) }()

	if err := p.Poll(ctx); err != nil {
		return e.classify(ctx, pc, cfg, err, &settled, settle)
	}

	now := time.Now()
	next := cfg.Frequency(pc)
	if err := e.store.CompletePoll(ctx, metaID, now, next); err != nil {
		return err
	}
	settled = true
	meta.State = pollable.StateWaiting
	meta.LastPolling = &now
	meta.NextPolling = next

	dur := time.Since(start)
	e.met.SuccessfulPolls.WithLabelValues(kind).Inc()
	e.met.ObserveExecution(kind, dur)
	if dur > cfg.LockTimeout {
		// The lock expired under us; another worker may have run
		// concurrently against the shared resource.
		e.met.GuardTimeoutExceeded.WithLabelValues(kind).Inc()
		e.log.Warn("poll outlived its guard timeout",
			logx.String("pollable", meta.Ref.String()),
			logx.Duration("dur", dur), logx.Duration("timeout", cfg.LockTimeout))
	}

	for _, h := range cfg.AfterPoll {
		if err := h(ctx, pc); err != nil {
			// The poll itself succeeded and is recorded; surface the
			// hook failure without rewriting history.
			return fmt.Errorf("after-poll hook: %w", err)
		}
	}

	e.publish(eventbus.TypePollFinished, meta, dur, "")
	e.log.Debug("poll completed",
		logx.String("pollable", meta.Ref.String()),
		logx.Duration("dur", dur), logx.Time("next", next))
	return nil
}

// classify maps a poll error onto the configured error kinds and the
// matching metadata transition. It is the single place error kinds are
// inspected.
func (e *Executor) classify(ctx context.Context, pc pollable.Context, cfg *pollable.Configuration, err error, settled *bool, settle func(pollable.Event)) error {
	kind := pc.Meta.Ref.Kind

	if pollable.AnyMatch(cfg.DeactivateOn, err) {
		now := time.Now()
		if derr := e.store.Deactivate(ctx, pc.Meta.ID, err.Error(), now); derr != nil {
			e.log.Error("deactivation failed", logx.Int64("meta", pc.Meta.ID), logx.Err(derr))
		}
		*settled = true
		e.met.Deactivations.WithLabelValues(kind).Inc()
		e.publish(eventbus.TypePollFinished, pc.Meta, 0, "deactivated: "+err.Error())
		e.log.Info("pollable deactivated",
			logx.String("pollable", pc.Meta.Ref.String()), logx.String("reason", err.Error()))
		// Terminal and expected; nothing to propagate.
		return nil
	}

	if pollable.AnyMatch(cfg.IgnoreOn, err) {
		settle(pollable.EventErrored)
		e.met.IgnoredErrors.WithLabelValues(kind).Inc()
		e.met.FailedPolls.WithLabelValues(kind).Inc()
		e.publish(eventbus.TypePollFailed, pc.Meta, 0, err.Error())
		return &pollable.Ignored{Err: err}
	}

	settle(pollable.EventErrored)
	e.met.FailedPolls.WithLabelValues(kind).Inc()
	e.publish(eventbus.TypePollFailed, pc.Meta, 0, err.Error())
	return err
}

func (e *Executor) publish(typ string, meta *pollable.MetaData, dur time.Duration, errMsg string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Data: eventbus.PollEvent{
		MetaID:   meta.ID,
		Kind:     meta.Ref.Kind,
		Duration: dur,
		Error:    errMsg,
	}})
}
