package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "groupwatch/pkg/logx"
)

// Store is the persistence API for the control-action audit trail.
type Store interface {
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

// Record fills in the id and timestamp and appends the entry. A nil store is
// a no-op so callers do not need to guard on disabled storage.
func Record(ctx context.Context, st Store, log logx.Logger, e AuditEntry) {
	if st == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if err := st.AppendAudit(ctx, e); err != nil {
		log.Warn("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}
