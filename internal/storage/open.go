package storage

import (
	"context"
	"errors"
	"strings"

	logx "inboxd/pkg/logx"
)

// Store is the minimal persistence API used by the engine.
//
// LoadPreferences returns (nil, false, nil) when no blob has been saved yet;
// callers fall back to defaults. The blob is opaque to this layer.
type Store interface {
	LoadPreferences(ctx context.Context) (blob []byte, ok bool, err error)
	SavePreferences(ctx context.Context, blob []byte) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
