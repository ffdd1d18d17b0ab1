package storage

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/opencode-ai/gatekeeper/pkg/types"
)

// FileStore keeps one JSON document per record: session/<id>.json and
// ticket/<id>.json. History scans every session document, so it suits small
// deployments.
type FileStore struct {
	docs *Storage
}

// NewFileStore creates a FileStore rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{docs: New(dir)}
}

func (f *FileStore) CreateSession(ctx context.Context, info *types.SessionInfo) error {
	rec := *info
	rec.History = nil
	return f.docs.Put(ctx, []string{"session", info.ID}, &rec)
}

func (f *FileStore) UpdateSession(ctx context.Context, id string, update types.SessionUpdate) error {
	var info types.SessionInfo
	return f.docs.Update(ctx, []string{"session", id}, &info, func() error {
		applyUpdate(&info, update)
		return nil
	})
}

func (f *FileStore) CloseSession(ctx context.Context, id string, end time.Time, duration time.Duration, output string) error {
	status := types.SessionClosed
	return f.UpdateSession(ctx, id, types.SessionUpdate{
		Status:   &status,
		EndTime:  &end,
		Duration: &duration,
		Output:   &output,
	})
}

func (f *FileStore) GetSession(ctx context.Context, id string) (*types.SessionInfo, error) {
	var info types.SessionInfo
	if err := f.docs.Get(ctx, []string{"session", id}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (f *FileStore) CreateTicket(ctx context.Context, t *types.Ticket) error {
	return f.docs.Put(ctx, []string{"ticket", t.ID}, t.Clone())
}

func (f *FileStore) UpdateTicket(ctx context.Context, t *types.Ticket) error {
	var rec types.Ticket
	return f.docs.Update(ctx, []string{"ticket", t.ID}, &rec, func() error {
		rec.Status = t.Status
		rec.ApprovedAt = t.ApprovedAt
		rec.RejectedAt = t.RejectedAt
		return nil
	})
}

// GetTicket returns a stored ticket.
func (f *FileStore) GetTicket(ctx context.Context, id string) (*types.Ticket, error) {
	var t types.Ticket
	if err := f.docs.Get(ctx, []string{"ticket", id}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (f *FileStore) History(ctx context.Context, page, pageSize int) (*types.Page[types.SessionInfo], error) {
	page, pageSize, offset := normalizePage(page, pageSize)

	var closed []types.SessionInfo
	err := f.docs.Scan(ctx, []string{"session"}, func(_ string, data json.RawMessage) error {
		var info types.SessionInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return nil
		}
		if info.Status == types.SessionClosed {
			info.Output = ""
			closed = append(closed, info)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(closed, func(i, j int) bool {
		return endTime(closed[i]).After(endTime(closed[j]))
	})

	result := &types.Page[types.SessionInfo]{
		Data:       []types.SessionInfo{},
		Page:       page,
		PageSize:   pageSize,
		Total:      len(closed),
		TotalPages: totalPages(len(closed), pageSize),
	}
	if offset < len(closed) {
		end := min(offset+pageSize, len(closed))
		result.Data = closed[offset:end]
	}
	return result, nil
}

func (f *FileStore) Close() error { return nil }

func endTime(info types.SessionInfo) time.Time {
	if info.EndTime != nil {
		return *info.EndTime
	}
	return info.StartTime
}
