// Package dispatch scans for due pollables and feeds them to the job
// queue on a fixed interval or cron schedule.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"aeternitas/internal/pollable"
	"aeternitas/internal/queue"
	"aeternitas/internal/storage"
	logx "aeternitas/pkg/logx"
)

type Config struct {
	// Interval between due-set scans. Ignored when CronSpec is set.
	Interval time.Duration `json:"interval"`
	// CronSpec optionally schedules scans with a cron expression
	// (standard five-field syntax or @descriptors).
	CronSpec string `json:"cron"`

	// BatchLimit caps how many records one scan may enqueue. Zero means
	// no cap.
	BatchLimit int `json:"batch_limit"`

	// RatePerSecond throttles submissions so a large backlog does not
	// flood the queue in one burst. Zero disables throttling.
	RatePerSecond float64 `json:"rate_per_second"`
	RateBurst     int     `json:"rate_burst"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.RatePerSecond > 0 && c.RateBurst <= 0 {
		c.RateBurst = 10
	}
	return c
}

// Dispatcher moves due metadata records from waiting into the queue.
type Dispatcher struct {
	cfg      Config
	store    storage.Store
	q        queue.Queue
	registry *pollable.Registry
	log      logx.Logger

	limiter *rate.Limiter
	sched   cron.Schedule
}

func New(cfg Config, store storage.Store, q queue.Queue, registry *pollable.Registry, log logx.Logger) (*Dispatcher, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{cfg: cfg, store: store, q: q, registry: registry, log: log}
	if cfg.RatePerSecond > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst)
	}
	if cfg.CronSpec != "" {
		sched, err := cron.ParseStandard(cfg.CronSpec)
		if err != nil {
			return nil, fmt.Errorf("dispatch cron %q: %w", cfg.CronSpec, err)
		}
		d.sched = sched
	}
	return d, nil
}

// EnqueueDuePollables runs one scan: every waiting record whose next
// polling time has passed is submitted and optimistically marked
// enqueued. A record whose submission fails stays waiting and is picked
// up by a later scan. Returns the number of records submitted.
func (d *Dispatcher) EnqueueDuePollables(ctx context.Context) (int, error) {
	due, err := d.store.Due(ctx, time.Now(), d.cfg.BatchLimit)
	if err != nil {
		return 0, err
	}

	submitted := 0
	for _, m := range due {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return submitted, err
			}
		}
		ok, err := d.submit(ctx, m, true)
		if err != nil {
			if errors.Is(err, queue.ErrQueueFull) {
				// Saturated; the rest of the backlog waits for the next scan.
				d.log.Warn("dispatch stopped early, queue full",
					logx.Int("submitted", submitted), logx.Int("due", len(due)))
				return submitted, nil
			}
			return submitted, err
		}
		if ok {
			submitted++
		}
	}
	if submitted > 0 {
		d.log.Debug("due pollables dispatched", logx.Int("count", submitted))
	}
	return submitted, nil
}

// RecoverEnqueued resubmits records stranded in enqueued, typically
// after a crash took the in-memory queue with it. Safe to run while
// jobs are in flight: duplicates are refused by the queue's in-flight
// set and the executor's state machine.
func (d *Dispatcher) RecoverEnqueued(ctx context.Context) (int, error) {
	stranded, err := d.store.InState(ctx, pollable.StateEnqueued, 0)
	if err != nil {
		return 0, err
	}
	submitted := 0
	for _, m := range stranded {
		ok, err := d.submit(ctx, m, false)
		if err != nil {
			if errors.Is(err, queue.ErrQueueFull) {
				d.log.Warn("recovery stopped early, queue full", logx.Int("submitted", submitted))
				return submitted, nil
			}
			return submitted, err
		}
		if ok {
			submitted++
		}
	}
	if submitted > 0 {
		d.log.Info("recovered stranded pollables", logx.Int("count", submitted))
	}
	return submitted, nil
}

func (d *Dispatcher) submit(ctx context.Context, m pollable.MetaData, markEnqueued bool) (bool, error) {
	job := queue.Job{MetaID: m.ID, Kind: m.Ref.Kind, Queue: d.queueName(m.Ref.Kind)}
	if err := d.q.Submit(ctx, job); err != nil {
		if errors.Is(err, queue.ErrInFlight) {
			return false, nil
		}
		return false, err
	}
	if markEnqueued {
		// Optimistic: mark before the job runs so the next scan skips it.
		// A CAS miss means a worker already advanced the record.
		if err := d.store.Apply(ctx, m.ID, pollable.EventEnqueue); err != nil &&
			!errors.Is(err, pollable.ErrInvalidTransition) {
			d.log.Error("enqueue transition failed", logx.Int64("meta", m.ID), logx.Err(err))
		}
	}
	return true, nil
}

func (d *Dispatcher) queueName(kind string) string {
	if d.registry != nil {
		if reg, ok := d.registry.Lookup(kind); ok {
			return reg.Config.Queue
		}
	}
	return pollable.DefaultQueue
}

// Run executes scans until ctx ends. It recovers stranded records once
// before the first scan.
func (d *Dispatcher) Run(ctx context.Context) error {
	if _, err := d.RecoverEnqueued(ctx); err != nil {
		d.log.Error("enqueued recovery failed", logx.Err(err))
	}

	for {
		var wait time.Duration
		if d.sched != nil {
			wait = time.Until(d.sched.Next(time.Now()))
		} else {
			wait = d.cfg.Interval
		}
		tmr := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return ctx.Err()
		case <-tmr.C:
		}

		if _, err := d.EnqueueDuePollables(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.log.Error("dispatch scan failed", logx.Err(err))
		}
	}
}
