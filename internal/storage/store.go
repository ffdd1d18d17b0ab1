// Package storage persists connection and ticket records.
//
// The governor treats the store as a durable log: live decisions never read
// from it. Three backends implement Store: SQLite (default), a directory of
// JSON documents, and Nop.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// DefaultPageSize is used by History when pageSize is not positive.
const DefaultPageSize = 50

// maxPageSize caps History page sizes.
const maxPageSize = 500

// Store records sessions and tickets.
type Store interface {
	CreateSession(ctx context.Context, info *types.SessionInfo) error
	UpdateSession(ctx context.Context, id string, update types.SessionUpdate) error
	CloseSession(ctx context.Context, id string, end time.Time, duration time.Duration, output string) error
	GetSession(ctx context.Context, id string) (*types.SessionInfo, error)

	CreateTicket(ctx context.Context, t *types.Ticket) error
	// UpdateTicket records the status and decision timestamps of t.
	UpdateTicket(ctx context.Context, t *types.Ticket) error

	// History returns closed sessions, most recently ended first. Pages
	// start at 1.
	History(ctx context.Context, page, pageSize int) (*types.Page[types.SessionInfo], error)

	Close() error
}

// Open creates the store selected by cfg.Driver.
func Open(cfg types.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return OpenSQLite(cfg.Path)
	case "file":
		return NewFileStore(cfg.Path), nil
	case "none":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// normalizePage clamps paging arguments and returns the row offset.
func normalizePage(page, pageSize int) (int, int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize, (page - 1) * pageSize
}

func totalPages(total, pageSize int) int {
	if total == 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}

// applyUpdate copies the set fields of u onto info.
func applyUpdate(info *types.SessionInfo, u types.SessionUpdate) {
	if u.Status != nil {
		info.Status = *u.Status
	}
	if u.Mode != nil {
		info.Mode = *u.Mode
	}
	if u.EndTime != nil {
		end := *u.EndTime
		info.EndTime = &end
	}
	if u.Duration != nil {
		info.Duration = *u.Duration
	}
	if u.Output != nil {
		info.Output = *u.Output
	}
}
