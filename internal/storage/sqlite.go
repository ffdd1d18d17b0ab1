package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/opencode-ai/gatekeeper/pkg/types"
)

const sqlitePoolSize = 4

const schema = `
CREATE TABLE IF NOT EXISTS connections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT UNIQUE NOT NULL,
	username TEXT NOT NULL,
	ip TEXT,
	is_nhi INTEGER NOT NULL DEFAULT 0,
	mode TEXT NOT NULL DEFAULT 'pass_through',
	start_time INTEGER NOT NULL,
	end_time INTEGER,
	duration INTEGER,
	status TEXT NOT NULL DEFAULT 'active',
	terminal_output TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_id ON connections(session_id);
CREATE INDEX IF NOT EXISTS idx_start_time ON connections(start_time DESC);
CREATE INDEX IF NOT EXISTS idx_status ON connections(status);

CREATE TABLE IF NOT EXISTS tickets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ticket_id TEXT UNIQUE NOT NULL,
	session_id TEXT NOT NULL,
	username TEXT NOT NULL,
	ip TEXT,
	is_nhi INTEGER NOT NULL DEFAULT 0,
	commands TEXT NOT NULL,
	ai_analysis TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at INTEGER NOT NULL,
	approved_at INTEGER,
	rejected_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_ticket_id ON tickets(ticket_id);
CREATE INDEX IF NOT EXISTS idx_ticket_session ON tickets(session_id);
CREATE INDEX IF NOT EXISTS idx_ticket_status ON tickets(status);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA cache_size=-8192",
	"PRAGMA temp_store=MEMORY",
}

// SQLite stores records in a WAL-mode database. Timestamps are unix
// milliseconds.
type SQLite struct {
	pool *sqlitex.Pool
	path string
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("sqlite: create directory: %w", err)
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    sqlitePoolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	s := &SQLite{pool: pool, path: path}
	if err := s.migrate(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return nil
}

func (s *SQLite) exec(ctx context.Context, query string, args ...any) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: take: %w", err)
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args})
}

func (s *SQLite) CreateSession(ctx context.Context, info *types.SessionInfo) error {
	mode := info.Mode
	if mode == "" {
		mode = types.ModePassThrough
	}
	status := info.Status
	if status == "" {
		status = types.SessionActive
	}
	err := s.exec(ctx, `
		INSERT INTO connections (session_id, username, ip, is_nhi, mode, start_time, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		info.ID, info.Username, info.Address, info.IsNHI, string(mode),
		millis(info.StartTime), string(status), millis(time.Now()))
	if err != nil {
		return fmt.Errorf("sqlite: create session %s: %w", info.ID, err)
	}
	return nil
}

func (s *SQLite) UpdateSession(ctx context.Context, id string, u types.SessionUpdate) error {
	var sets []string
	var args []any
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.Mode != nil {
		sets = append(sets, "mode = ?")
		args = append(args, string(*u.Mode))
	}
	if u.EndTime != nil {
		sets = append(sets, "end_time = ?")
		args = append(args, millis(*u.EndTime))
	}
	if u.Duration != nil {
		sets = append(sets, "duration = ?")
		args = append(args, u.Duration.Milliseconds())
	}
	if u.Output != nil {
		sets = append(sets, "terminal_output = ?")
		args = append(args, *u.Output)
	}
	if len(sets) == 0 {
		return nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: take: %w", err)
	}
	defer s.pool.Put(conn)

	query := "UPDATE connections SET " + strings.Join(sets, ", ") + " WHERE session_id = ?"
	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: append(args, id)}); err != nil {
		return fmt.Errorf("sqlite: update session %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) CloseSession(ctx context.Context, id string, end time.Time, duration time.Duration, output string) error {
	status := types.SessionClosed
	return s.UpdateSession(ctx, id, types.SessionUpdate{
		Status:   &status,
		EndTime:  &end,
		Duration: &duration,
		Output:   &output,
	})
}

const sessionColumns = `session_id, username, ip, is_nhi, mode, start_time, end_time, duration, status`

func scanSession(stmt *sqlite.Stmt) types.SessionInfo {
	info := types.SessionInfo{
		ID:        stmt.ColumnText(0),
		Username:  stmt.ColumnText(1),
		Address:   stmt.ColumnText(2),
		IsNHI:     stmt.ColumnBool(3),
		Mode:      types.Mode(stmt.ColumnText(4)),
		StartTime: fromMillis(stmt.ColumnInt64(5)),
		Status:    types.SessionStatus(stmt.ColumnText(8)),
	}
	if !stmt.ColumnIsNull(6) {
		end := fromMillis(stmt.ColumnInt64(6))
		info.EndTime = &end
	}
	if !stmt.ColumnIsNull(7) {
		info.Duration = time.Duration(stmt.ColumnInt64(7)) * time.Millisecond
	}
	info.LastActivity = info.StartTime
	return info
}

func (s *SQLite) GetSession(ctx context.Context, id string) (*types.SessionInfo, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite: take: %w", err)
	}
	defer s.pool.Put(conn)

	var found *types.SessionInfo
	err = sqlitex.Execute(conn,
		"SELECT "+sessionColumns+", terminal_output FROM connections WHERE session_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				info := scanSession(stmt)
				info.Output = stmt.ColumnText(9)
				found = &info
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlite: get session %s: %w", id, err)
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *SQLite) CreateTicket(ctx context.Context, t *types.Ticket) error {
	commands, err := json.Marshal(t.Commands)
	if err != nil {
		return err
	}
	status := t.Status
	if status == "" {
		status = types.TicketPending
	}
	err = s.exec(ctx, `
		INSERT INTO tickets (ticket_id, session_id, username, ip, is_nhi, commands, ai_analysis, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.Username, t.Address, t.IsNHI, string(commands),
		t.Analysis, string(status), millis(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create ticket %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLite) UpdateTicket(ctx context.Context, t *types.Ticket) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: take: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"UPDATE tickets SET status = ?, approved_at = ?, rejected_at = ? WHERE ticket_id = ?",
		&sqlitex.ExecOptions{Args: []any{
			string(t.Status), nullableMillis(t.ApprovedAt), nullableMillis(t.RejectedAt), t.ID,
		}})
	if err != nil {
		return fmt.Errorf("sqlite: update ticket %s: %w", t.ID, err)
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTicket returns a stored ticket. History and raw entries are not
// persisted.
func (s *SQLite) GetTicket(ctx context.Context, id string) (*types.Ticket, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite: take: %w", err)
	}
	defer s.pool.Put(conn)

	var found *types.Ticket
	err = sqlitex.Execute(conn, `
		SELECT ticket_id, session_id, username, ip, is_nhi, commands, ai_analysis, status,
		       created_at, approved_at, rejected_at
		FROM tickets WHERE ticket_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				t := &types.Ticket{
					ID:        stmt.ColumnText(0),
					SessionID: stmt.ColumnText(1),
					Username:  stmt.ColumnText(2),
					Address:   stmt.ColumnText(3),
					IsNHI:     stmt.ColumnBool(4),
					Analysis:  stmt.ColumnText(6),
					Status:    types.TicketStatus(stmt.ColumnText(7)),
					CreatedAt: fromMillis(stmt.ColumnInt64(8)),
				}
				if err := json.Unmarshal([]byte(stmt.ColumnText(5)), &t.Commands); err != nil {
					return fmt.Errorf("decode commands: %w", err)
				}
				if !stmt.ColumnIsNull(9) {
					at := fromMillis(stmt.ColumnInt64(9))
					t.ApprovedAt = &at
				}
				if !stmt.ColumnIsNull(10) {
					at := fromMillis(stmt.ColumnInt64(10))
					t.RejectedAt = &at
				}
				found = t
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlite: get ticket %s: %w", id, err)
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *SQLite) History(ctx context.Context, page, pageSize int) (*types.Page[types.SessionInfo], error) {
	page, pageSize, offset := normalizePage(page, pageSize)

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite: take: %w", err)
	}
	defer s.pool.Put(conn)

	result := &types.Page[types.SessionInfo]{
		Data:     []types.SessionInfo{},
		Page:     page,
		PageSize: pageSize,
	}

	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM connections WHERE status = ?", &sqlitex.ExecOptions{
		Args: []any{string(types.SessionClosed)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			result.Total = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: count history: %w", err)
	}
	result.TotalPages = totalPages(result.Total, pageSize)

	err = sqlitex.Execute(conn,
		"SELECT "+sessionColumns+" FROM connections WHERE status = ? ORDER BY end_time DESC LIMIT ? OFFSET ?",
		&sqlitex.ExecOptions{
			Args: []any{string(types.SessionClosed), pageSize, offset},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				result.Data = append(result.Data, scanSession(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlite: history: %w", err)
	}
	return result, nil
}

func (s *SQLite) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("sqlite: close %s: %w", s.path, err)
	}
	return nil
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
