// Package queue is the embedded at-least-once job queue feeding poll
// executions to a worker pool. Delivery is deduplicated per metadata
// id while a job is in flight.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrQueueFull = errors.New("queue full")
	ErrStopped   = errors.New("queue stopped")
	ErrStopping  = errors.New("queue stopping")
	// ErrInFlight means a job for the same metadata id is already
	// queued or running; the submission is redundant, not lost.
	ErrInFlight = errors.New("job already in flight")
)

// Job identifies one poll execution to run.
type Job struct {
	MetaID int64
	Kind   string
	Queue  string
}

// Queue accepts jobs for asynchronous execution.
type Queue interface {
	Submit(ctx context.Context, j Job) error
}

// ExecFunc runs one poll; the queue owns retries around it.
type ExecFunc func(ctx context.Context, metaID int64) error

type Config struct {
	Workers   int `json:"workers"`
	QueueSize int `json:"queue_size"`

	// Retry policy for failed polls. Lock contention is handled
	// separately and never counts against RetryMax.
	RetryMax      int           `json:"retry_max"`
	RetryBase     time.Duration `json:"retry_base"`
	RetryMaxDelay time.Duration `json:"retry_max_delay"`
	RetryJitter   float64       `json:"retry_jitter"`

	// MaxLockedWait caps how long a worker sleeps for a locked guard
	// before trying again, whatever retry time the lock reports.
	MaxLockedWait time.Duration `json:"max_locked_wait"`

	// PollTimeout bounds a single execution attempt. Zero means no bound.
	PollTimeout time.Duration `json:"poll_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Minute
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.MaxLockedWait <= 0 {
		c.MaxLockedWait = 5 * time.Minute
	}
	return c
}
