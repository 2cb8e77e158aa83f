package pollable

import "time"

const (
	DefaultLockTimeout  = 10 * time.Minute
	DefaultLockCooldown = 5 * time.Second
	DefaultQueue        = "polling"
)

// Configuration holds the polling behavior of one pollable *type* (not
// instance). It is built once at registration time; Copy gives a
// specializing type its own deep copy so mutations never leak into the
// parent.
type Configuration struct {
	// Frequency computes the next polling time after a successful poll.
	Frequency Frequency

	// LockKey derives the cooldown-lock key for an entity. Entities that
	// share a key (e.g. the same upstream API credential) serialize
	// through the same lock.
	LockKey func(p Pollable) string

	LockTimeout  time.Duration
	LockCooldown time.Duration

	// DeactivateOn errors terminally deactivate the pollable.
	DeactivateOn []Matcher
	// IgnoreOn errors still fail the poll but propagate wrapped in
	// Ignored, so generic alerting can filter them.
	IgnoreOn []Matcher

	BeforePoll []Hook
	AfterPoll  []Hook

	// Queue is the dispatch queue name jobs for this type are tagged with.
	Queue string

	// SleepOnGuardLocked makes the queue worker sleep until the lock's
	// retry time instead of failing the job for external retry.
	SleepOnGuardLocked bool
}

// NewConfiguration returns a Configuration with the gem's defaults
// applied, then the given options.
func NewConfiguration(opts ...Option) *Configuration {
	c := &Configuration{
		Frequency:          Daily,
		LockKey:            func(p Pollable) string { return p.PollableRef().Kind },
		LockTimeout:        DefaultLockTimeout,
		LockCooldown:       DefaultLockCooldown,
		Queue:              DefaultQueue,
		SleepOnGuardLocked: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Copy returns a deep copy; slices are cloned so the copy can be
// extended independently.
func (c *Configuration) Copy() *Configuration {
	cp := *c
	cp.DeactivateOn = append([]Matcher(nil), c.DeactivateOn...)
	cp.IgnoreOn = append([]Matcher(nil), c.IgnoreOn...)
	cp.BeforePoll = append([]Hook(nil), c.BeforePoll...)
	cp.AfterPoll = append([]Hook(nil), c.AfterPoll...)
	return &cp
}

// Option configures a Configuration.
type Option func(*Configuration)

func WithFrequency(f Frequency) Option {
	return func(c *Configuration) { c.Frequency = f }
}

func WithLockKey(fn func(p Pollable) string) Option {
	return func(c *Configuration) { c.LockKey = fn }
}

// WithStaticLockKey serializes every entity of the type through one key.
func WithStaticLockKey(key string) Option {
	return func(c *Configuration) { c.LockKey = func(Pollable) string { return key } }
}

func WithLockTimeout(d time.Duration) Option {
	return func(c *Configuration) { c.LockTimeout = d }
}

func WithLockCooldown(d time.Duration) Option {
	return func(c *Configuration) { c.LockCooldown = d }
}

func DeactivateOn(matchers ...Matcher) Option {
	return func(c *Configuration) { c.DeactivateOn = append(c.DeactivateOn, matchers...) }
}

func IgnoreOn(matchers ...Matcher) Option {
	return func(c *Configuration) { c.IgnoreOn = append(c.IgnoreOn, matchers...) }
}

func BeforePoll(h Hook) Option {
	return func(c *Configuration) { c.BeforePoll = append(c.BeforePoll, h) }
}

func AfterPoll(h Hook) Option {
	return func(c *Configuration) { c.AfterPoll = append(c.AfterPoll, h) }
}

func WithQueue(name string) Option {
	return func(c *Configuration) {
		if name != "" {
			c.Queue = name
		}
	}
}

func SleepOnGuardLocked(v bool) Option {
	return func(c *Configuration) { c.SleepOnGuardLocked = v }
}
