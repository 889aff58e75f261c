// Package session decides when an idle remote proctoring session should be
// force-closed.
package session

import "time"

const (
	// DefaultTimeout is how long a user may be idle before their remote
	// session is considered stale.
	DefaultTimeout = 10 * time.Minute

	// DefaultGrace bounds how long after the deadline a close is still
	// attempted. With a run cadence near the grace window this limits the
	// close call to roughly one scheduled run; the close itself is idempotent
	// so overlap is harmless.
	DefaultGrace = 4 * time.Minute
)

// TimeoutManager evaluates the close window for one participant per run.
type TimeoutManager struct {
	Timeout time.Duration
	Grace   time.Duration
}

// Default returns a TimeoutManager with the standard window.
func Default() TimeoutManager {
	return TimeoutManager{Timeout: DefaultTimeout, Grace: DefaultGrace}
}

// CloseDeadline is the instant a session becomes stale.
func (m TimeoutManager) CloseDeadline(lastActivity time.Time) time.Time {
	return lastActivity.Add(m.timeout())
}

// ShouldClose reports whether a close should be attempted now: strictly after
// the deadline and strictly inside the trailing grace window. Outside the
// window no attempt is made, so a long-idle user is not retried every run.
func (m TimeoutManager) ShouldClose(lastActivity, now time.Time) bool {
	deadline := m.CloseDeadline(lastActivity)
	return now.After(deadline) && now.Before(deadline.Add(m.grace()))
}

func (m TimeoutManager) timeout() time.Duration {
	if m.Timeout <= 0 {
		return DefaultTimeout
	}
	return m.Timeout
}

func (m TimeoutManager) grace() time.Duration {
	if m.Grace <= 0 {
		return DefaultGrace
	}
	return m.Grace
}
