package storage

import (
	"context"
	"time"

	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// Nop discards every record. History is always empty.
type Nop struct{}

func (Nop) CreateSession(context.Context, *types.SessionInfo) error { return nil }

func (Nop) UpdateSession(context.Context, string, types.SessionUpdate) error { return nil }

func (Nop) CloseSession(context.Context, string, time.Time, time.Duration, string) error {
	return nil
}

func (Nop) GetSession(context.Context, string) (*types.SessionInfo, error) {
	return nil, ErrNotFound
}

func (Nop) CreateTicket(context.Context, *types.Ticket) error { return nil }

func (Nop) UpdateTicket(context.Context, *types.Ticket) error { return nil }

func (Nop) History(_ context.Context, page, pageSize int) (*types.Page[types.SessionInfo], error) {
	page, pageSize, _ = normalizePage(page, pageSize)
	return &types.Page[types.SessionInfo]{Data: []types.SessionInfo{}, Page: page, PageSize: pageSize}, nil
}

func (Nop) Close() error { return nil }
