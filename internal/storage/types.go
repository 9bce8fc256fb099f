package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one control action: monitor start/stop, subscriber
// connect/disconnect. Keep it compact and schema-stable.
type AuditEntry struct {
	ID       string
	At       time.Time
	Actor    string
	Action   string
	Target   string
	OK       bool
	Error    string
	MetaJSON string
}
