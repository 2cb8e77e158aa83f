// Package config loads, validates, and watches the daemon's
// configuration file (YAML or JSON, strictly decoded).
package config

import (
	"fmt"
	"strings"
	"time"

	"aeternitas/internal/blob"
	"aeternitas/internal/dispatch"
	"aeternitas/internal/queue"
	"aeternitas/internal/storage"
	logx "aeternitas/pkg/logx"
)

// Config is the root configuration document. Durations are written as
// Go duration strings ("30s", "5m").
type Config struct {
	Logging    Logging    `json:"logging"`
	Storage    Storage    `json:"storage"`
	Blob       Blob       `json:"blob"`
	Queue      Queue      `json:"queue"`
	Dispatcher Dispatcher `json:"dispatcher"`
	Metrics    Metrics    `json:"metrics"`
}

type Logging struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    string `json:"file"`
}

type Storage struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

type Blob struct {
	Driver    string `json:"driver"`
	Directory string `json:"directory"`
}

type Queue struct {
	Workers       int     `json:"workers"`
	QueueSize     int     `json:"queue_size"`
	RetryMax      int     `json:"retry_max"`
	RetryBase     string  `json:"retry_base"`
	RetryMaxDelay string  `json:"retry_max_delay"`
	RetryJitter   float64 `json:"retry_jitter"`
	MaxLockedWait string  `json:"max_locked_wait"`
	PollTimeout   string  `json:"poll_timeout"`
}

type Dispatcher struct {
	Interval      string  `json:"interval"`
	Cron          string  `json:"cron"`
	BatchLimit    int     `json:"batch_limit"`
	RatePerSecond float64 `json:"rate_per_second"`
	RateBurst     int     `json:"rate_burst"`
}

type Metrics struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: Logging{Level: "info", Console: true},
		Storage: Storage{Driver: "sqlite", Path: "data/aeternitas.db"},
		Blob:    Blob{Driver: "file", Directory: "data/sources"},
		Metrics: Metrics{Listen: ":9157"},
	}
}

func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "memory":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	switch strings.ToLower(strings.TrimSpace(c.Blob.Driver)) {
	case "", "file", "memory":
	default:
		return fmt.Errorf("blob.driver: unknown driver %q", c.Blob.Driver)
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Listen) == "" {
		return fmt.Errorf("metrics.listen: required when metrics are enabled")
	}
	// Surface bad durations at load time, not first use.
	if _, err := c.StorageConfig(); err != nil {
		return err
	}
	if _, err := c.QueueConfig(); err != nil {
		return err
	}
	if _, err := c.DispatcherConfig(); err != nil {
		return err
	}
	return nil
}

func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: strings.TrimSpace(c.Logging.File) != "",
			Path:    c.Logging.File,
		},
	}
}

func (c *Config) StorageConfig() (storage.Config, error) {
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: c.Storage.Driver, Path: c.Storage.Path, BusyTimeout: busy}, nil
}

func (c *Config) BlobConfig() blob.Config {
	return blob.Config{Driver: c.Blob.Driver, Directory: c.Blob.Directory}
}

func (c *Config) QueueConfig() (queue.Config, error) {
	base, err := ParseDurationField("queue.retry_base", c.Queue.RetryBase)
	if err != nil {
		return queue.Config{}, err
	}
	maxDelay, err := ParseDurationField("queue.retry_max_delay", c.Queue.RetryMaxDelay)
	if err != nil {
		return queue.Config{}, err
	}
	lockedWait, err := ParseDurationField("queue.max_locked_wait", c.Queue.MaxLockedWait)
	if err != nil {
		return queue.Config{}, err
	}
	pollTimeout, err := ParseDurationField("queue.poll_timeout", c.Queue.PollTimeout)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		Workers:       c.Queue.Workers,
		QueueSize:     c.Queue.QueueSize,
		RetryMax:      c.Queue.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		RetryJitter:   c.Queue.RetryJitter,
		MaxLockedWait: lockedWait,
		PollTimeout:   pollTimeout,
	}, nil
}

func (c *Config) DispatcherConfig() (dispatch.Config, error) {
	interval, err := ParseDurationField("dispatcher.interval", c.Dispatcher.Interval)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Interval:      interval,
		CronSpec:      strings.TrimSpace(c.Dispatcher.Cron),
		BatchLimit:    c.Dispatcher.BatchLimit,
		RatePerSecond: c.Dispatcher.RatePerSecond,
		RateBurst:     c.Dispatcher.RateBurst,
	}, nil
}

// ParseDurationField parses an optional duration string; empty means 0
// (take the component default).
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
