// Package session derives the 24-hour messaging-session state for a
// conversation.
//
// The state is a pure function of (last inbound message time, now): it
// transitions by elapsed wall-clock time alone, so callers must re-derive
// it on every use rather than caching the result.
package session

import "time"

// Window is how long a conversation stays open after the contact's last
// inbound message. Outside it only pre-approved template messages may be
// sent.
const Window = 24 * time.Hour

type State int

const (
	Open State = iota
	Expired
)

func (s State) String() string {
	if s == Open {
		return "open"
	}
	return "expired"
}

// At returns the session state for a conversation whose contact last wrote
// at lastInbound. A zero lastInbound means no inbound message is known; the
// policy treats that as Open so new/never-messaged contacts are not blocked.
func At(lastInbound, now time.Time) State {
	if lastInbound.IsZero() {
		return Open
	}
	if now.Sub(lastInbound) <= Window {
		return Open
	}
	return Expired
}

// CanSendFreeText reports whether free-form outbound text is permitted.
func CanSendFreeText(lastInbound, now time.Time) bool {
	return At(lastInbound, now) == Open
}

// Remaining returns how much of the window is left, or 0 when expired.
// With a zero lastInbound the full window is reported.
func Remaining(lastInbound, now time.Time) time.Duration {
	if lastInbound.IsZero() {
		return Window
	}
	left := Window - now.Sub(lastInbound)
	if left < 0 {
		return 0
	}
	return left
}
