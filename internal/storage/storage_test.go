package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/gatekeeper/pkg/types"
)

type doc struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func TestStoragePutGetDelete(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []string{"items", "a"}, doc{Name: "a", Value: 1}))
	assert.FileExists(t, filepath.Join(dir, "items", "a.json"))

	var got doc
	require.NoError(t, s.Get(ctx, []string{"items", "a"}, &got))
	assert.Equal(t, doc{Name: "a", Value: 1}, got)

	require.NoError(t, s.Delete(ctx, []string{"items", "a"}))
	assert.ErrorIs(t, s.Get(ctx, []string{"items", "a"}, &got), ErrNotFound)
	assert.NoError(t, s.Delete(ctx, []string{"items", "a"}))
}

func TestStorageKeysStayInOneSegment(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Put(context.Background(), []string{"session", "../a/b"}, doc{}))

	entries, err := os.ReadDir(filepath.Join(dir, "session"))
	require.NoError(t, err)
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	assert.Len(t, names, 1)
}

func TestStorageUpdate(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	var d doc
	assert.ErrorIs(t, s.Update(ctx, []string{"items", "x"}, &d, func() error { return nil }), ErrNotFound)

	require.NoError(t, s.Put(ctx, []string{"items", "x"}, doc{Value: 0}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var cur doc
			assert.NoError(t, s.Update(ctx, []string{"items", "x"}, &cur, func() error {
				cur.Value++
				return nil
			}))
		}()
	}
	wg.Wait()

	require.NoError(t, s.Get(ctx, []string{"items", "x"}, &d))
	assert.Equal(t, 10, d.Value)
}

func TestStorageScan(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Put(ctx, []string{"items", fmt.Sprintf("k%d", i)}, doc{Value: i}))
	}

	sum := 0
	keys := 0
	err := s.Scan(ctx, []string{"items"}, func(key string, data json.RawMessage) error {
		var d doc
		require.NoError(t, json.Unmarshal(data, &d))
		sum += d.Value
		keys++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, keys)
	assert.Equal(t, 3, sum)

	assert.NoError(t, s.Scan(ctx, []string{"missing"}, func(string, json.RawMessage) error {
		t.Fatal("no documents expected")
		return nil
	}))
}

// backends returns each persistent Store implementation rooted in a fresh
// temp dir.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "data", "gatekeeper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return map[string]Store{
		"sqlite": db,
		"file":   NewFileStore(t.TempDir()),
	}
}

func session(id string, start time.Time) *types.SessionInfo {
	return &types.SessionInfo{
		ID:        id,
		Username:  "alice",
		Address:   "10.0.0.9",
		Status:    types.SessionActive,
		Mode:      types.ModePassThrough,
		StartTime: start,
	}
}

func TestStoreSessionLifecycle(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			start := time.UnixMilli(1_700_000_000_000)

			require.NoError(t, store.CreateSession(ctx, session("s1", start)))

			mode := types.ModeBatchAudit
			require.NoError(t, store.UpdateSession(ctx, "s1", types.SessionUpdate{Mode: &mode}))

			got, err := store.GetSession(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, types.ModeBatchAudit, got.Mode)
			assert.Equal(t, types.SessionActive, got.Status)
			assert.True(t, start.Equal(got.StartTime))

			end := start.Add(90 * time.Second)
			require.NoError(t, store.CloseSession(ctx, "s1", end, 90*time.Second, "$ ls\nfile\n"))

			got, err = store.GetSession(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, types.SessionClosed, got.Status)
			require.NotNil(t, got.EndTime)
			assert.True(t, end.Equal(*got.EndTime))
			assert.Equal(t, 90*time.Second, got.Duration)
			assert.Equal(t, "$ ls\nfile\n", got.Output)

			_, err = store.GetSession(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, store.UpdateSession(ctx, "missing", types.SessionUpdate{Mode: &mode}), ErrNotFound)
		})
	}
}

func TestStoreHistory(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.UnixMilli(1_700_000_000_000)

			for i := 0; i < 5; i++ {
				id := fmt.Sprintf("s%d", i)
				require.NoError(t, store.CreateSession(ctx, session(id, base)))
				if i < 4 {
					require.NoError(t, store.CloseSession(ctx, id, base.Add(time.Duration(i)*time.Minute), time.Minute, "out"))
				}
			}

			page, err := store.History(ctx, 1, 3)
			require.NoError(t, err)
			assert.Equal(t, 4, page.Total)
			assert.Equal(t, 2, page.TotalPages)
			require.Len(t, page.Data, 3)
			assert.Equal(t, "s3", page.Data[0].ID)
			assert.Equal(t, "s2", page.Data[1].ID)
			assert.Empty(t, page.Data[0].Output)

			page, err = store.History(ctx, 2, 3)
			require.NoError(t, err)
			require.Len(t, page.Data, 1)
			assert.Equal(t, "s0", page.Data[0].ID)

			page, err = store.History(ctx, 9, 3)
			require.NoError(t, err)
			assert.Empty(t, page.Data)
			assert.NotNil(t, page.Data)

			page, err = store.History(ctx, 0, 0)
			require.NoError(t, err)
			assert.Equal(t, 1, page.Page)
			assert.Equal(t, DefaultPageSize, page.PageSize)
		})
	}
}

func TestStoreTickets(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			created := time.UnixMilli(1_700_000_000_000)
			ticket := &types.Ticket{
				ID:        "TICKET-1",
				SessionID: "s1",
				Username:  "agent_x",
				IsNHI:     true,
				Commands:  []string{"rm -rf /tmp/x", "reboot"},
				Analysis:  "HIGH risk",
				Status:    types.TicketPending,
				CreatedAt: created,
			}
			require.NoError(t, store.CreateTicket(ctx, ticket))

			approved := created.Add(time.Minute)
			ticket.Status = types.TicketApproved
			ticket.ApprovedAt = &approved
			require.NoError(t, store.UpdateTicket(ctx, ticket))

			getter, ok := store.(interface {
				GetTicket(context.Context, string) (*types.Ticket, error)
			})
			require.True(t, ok)
			got, err := getter.GetTicket(ctx, "TICKET-1")
			require.NoError(t, err)
			assert.Equal(t, types.TicketApproved, got.Status)
			assert.Equal(t, []string{"rm -rf /tmp/x", "reboot"}, got.Commands)
			assert.True(t, got.IsNHI)
			require.NotNil(t, got.ApprovedAt)
			assert.True(t, approved.Equal(*got.ApprovedAt))
			assert.Nil(t, got.RejectedAt)

			assert.ErrorIs(t, store.UpdateTicket(ctx, &types.Ticket{ID: "nope"}), ErrNotFound)
		})
	}
}

func TestOpen(t *testing.T) {
	s, err := Open(types.DatabaseConfig{Driver: "none"})
	require.NoError(t, err)
	assert.IsType(t, Nop{}, s)
	page, err := s.History(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Data)

	s, err = Open(types.DatabaseConfig{Driver: "file", Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = Open(types.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "gk.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, s)
	assert.NoError(t, s.Close())

	_, err = Open(types.DatabaseConfig{Driver: "postgres"})
	assert.Error(t, err)
}
