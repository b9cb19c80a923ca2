// Package ratelimit decides how to react when the dashboard denies a request
// for making too many of them.
package ratelimit

import "time"

type ActionKind int

const (
	RetryAfterDelay ActionKind = iota
	GiveUp
)

func (k ActionKind) String() string {
	switch k {
	case RetryAfterDelay:
		return "retry-after-delay"
	case GiveUp:
		return "give-up"
	default:
		return "unknown"
	}
}

type Action struct {
	Kind ActionKind
	// Delay is only meaningful for RetryAfterDelay.
	Delay time.Duration
}

// Limiter tolerates exactly one denial in a row, a second consecutive denial
// means the service is not going to yield soon. The state is not persisted,
// so a restart starts with a clean slate.
type Limiter struct {
	delay             time.Duration
	deniedLastAttempt bool
}

// New creates a limiter that waits delay before a retry.
func New(delay time.Duration) *Limiter {
	return &Limiter{delay: delay}
}

func (l *Limiter) OnSuccess() {
	l.deniedLastAttempt = false
}

// OnRateLimited records a denial. After a RetryAfterDelay the caller must
// authenticate again before retrying, the service may drop the session along
// with the denial.
func (l *Limiter) OnRateLimited() Action {
	if l.deniedLastAttempt {
		return Action{Kind: GiveUp}
	}
	l.deniedLastAttempt = true
	return Action{Kind: RetryAfterDelay, Delay: l.delay}
}

func (l *Limiter) DeniedLastAttempt() bool {
	return l.deniedLastAttempt
}
