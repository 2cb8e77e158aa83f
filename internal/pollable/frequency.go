package pollable

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Frequency computes the next polling time after a successful poll.
type Frequency func(pc Context) time.Time

// Built-in cadences.
var (
	Hourly Frequency = func(Context) time.Time { return time.Now().Add(time.Hour) }
	Daily  Frequency = func(Context) time.Time { return time.Now().Add(24 * time.Hour) }
	Weekly Frequency = func(Context) time.Time { return time.Now().Add(7 * 24 * time.Hour) }
	Monthly Frequency = func(Context) time.Time {
		return time.Now().AddDate(0, 1, 0)
	}
)

// Every polls on a fixed interval.
func Every(d time.Duration) Frequency {
	return func(Context) time.Time { return time.Now().Add(d) }
}

// cronParser accepts both 5-field and 6-field (with seconds) specs plus
// descriptors like "@daily".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Cron schedules the next poll from a cron spec.
func Cron(spec string) (Frequency, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("cron frequency %q: %w", spec, err)
	}
	return func(Context) time.Time { return sched.Next(time.Now()) }, nil
}

// ByName resolves a built-in cadence by name.
func ByName(name string) (Frequency, error) {
	switch name {
	case "hourly":
		return Hourly, nil
	case "daily":
		return Daily, nil
	case "weekly":
		return Weekly, nil
	case "monthly":
		return Monthly, nil
	default:
		return nil, fmt.Errorf("unknown polling frequency: %s", name)
	}
}
