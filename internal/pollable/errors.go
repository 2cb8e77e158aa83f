package pollable

import "errors"

// Matcher tests whether an error belongs to a configured error kind
// (deactivation or ignored). Matchers are evaluated by the poll
// executor only.
type Matcher func(error) bool

// Is matches errors for which errors.Is(err, target) holds.
func Is(target error) Matcher {
	return func(err error) bool { return errors.Is(err, target) }
}

// TypeIs matches errors assignable to T via errors.As.
func TypeIs[T error]() Matcher {
	return func(err error) bool {
		var t T
		return errors.As(err, &t)
	}
}

// AnyMatch reports whether err matches any of the matchers.
func AnyMatch(matchers []Matcher, err error) bool {
	for _, m := range matchers {
		if m != nil && m(err) {
			return true
		}
	}
	return false
}

// Ignored wraps an error of a configured ignored kind. The poll still
// counts as failed, but callers can filter these from generic alerting.
type Ignored struct {
	Err error
}

func (e *Ignored) Error() string {
	if e.Err == nil {
		return "ignored error"
	}
	return "ignored: " + e.Err.Error()
}

func (e *Ignored) Unwrap() error { return e.Err }
