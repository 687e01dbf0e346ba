package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (json blob + jsonl audit)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled and preferences live
// in memory only for the session.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one dispatch decision for an inbound event.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At             time.Time
	ConversationID string
	MessageID      string
	ContactName    string
	Outcome        string // "created" | "suppressed" | "dropped"
	Reason         string // gate that decided, empty for created
	Redacted       bool   // privacy mode was active
}
