// Package storage provides the minimal persistence layer used by the engine.
//
// It currently supports:
//   - The notification preferences blob (one JSON document under one key)
//   - Notification decision audit appends (created/suppressed + reason)
package storage
