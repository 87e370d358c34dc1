package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/fyp/fyp/internal/common/apperr"
)

// Store is the sqlite-backed session metadata repository.
type Store struct {
	db *sqlx.DB
	ro *sqlx.DB
}

func NewStore(writer, reader *sqlx.DB) (*Store, error) {
	s := &Store{db: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		tool TEXT NOT NULL,
		profile_id TEXT NOT NULL DEFAULT '',
		transport TEXT NOT NULL DEFAULT 'pty',
		cwd TEXT NOT NULL DEFAULT '',
		tool_session_id TEXT,
		workspace_key TEXT NOT NULL DEFAULT '',
		workspace_root TEXT NOT NULL DEFAULT '',
		label TEXT NOT NULL DEFAULT '',
		pinned_slot INTEGER NOT NULL DEFAULT 0,
		task_id TEXT NOT NULL DEFAULT '',
		task_role TEXT NOT NULL DEFAULT '',
		task_title TEXT NOT NULL DEFAULT '',
		exit_code INTEGER,
		signal TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_tool_session
		ON sessions(tool_session_id) WHERE tool_session_id IS NOT NULL AND tool_session_id != '';
	CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_key);
	`)
	return err
}

func (s *Store) Create(ctx context.Context, meta *Meta) error {
	now := time.Now().UTC()
	meta.CreatedAt = now
	meta.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, tool, profile_id, transport, cwd, tool_session_id, workspace_key, workspace_root,
			label, pinned_slot, task_id, task_role, task_title, signal, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, '', ?, ?)`,
		meta.ID, meta.Tool, meta.ProfileID, meta.Transport, meta.Cwd, meta.ToolSessionID,
		meta.WorkspaceKey, meta.WorkspaceRoot, meta.Label, meta.PinnedSlot,
		meta.TaskID, meta.TaskRole, meta.TaskTitle, meta.CreatedAt, meta.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.Newf(apperr.CodeBadID, "tool session %q already linked", meta.ToolSessionID)
	}
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*Meta, error) {
	var row metaRow
	err := s.ro.GetContext(ctx, &row, `SELECT * FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeSessionNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return row.meta(), nil
}

func (s *Store) List(ctx context.Context) ([]*Meta, error) {
	var rows []metaRow
	if err := s.ro.SelectContext(ctx, &rows, `SELECT * FROM sessions ORDER BY created_at ASC`); err != nil {
		return nil, err
	}
	metas := make([]*Meta, len(rows))
	for i := range rows {
		metas[i] = rows[i].meta()
	}
	return metas, nil
}

// LinkToolSession records the tool-native session id. The partial unique
// index rejects a second session claiming the same id.
func (s *Store) LinkToolSession(ctx context.Context, id, toolSessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET tool_session_id = NULLIF(?, ''), updated_at = ? WHERE id = ?`,
		toolSessionID, time.Now().UTC(), id)
	if isUniqueViolation(err) {
		return apperr.Newf(apperr.CodeBadID, "tool session %q already linked", toolSessionID)
	}
	return err
}

// LinkedToolSessions returns the set of tool-native ids already claimed.
func (s *Store) LinkedToolSessions(ctx context.Context) (map[string]string, error) {
	rows, err := s.ro.QueryxContext(ctx,
		`SELECT id, tool_session_id FROM sessions WHERE tool_session_id IS NOT NULL AND tool_session_id != ''`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	linked := make(map[string]string)
	for rows.Next() {
		var id, toolID string
		if err := rows.Scan(&id, &toolID); err != nil {
			return nil, err
		}
		linked[toolID] = id
	}
	return linked, rows.Err()
}

// SetLabel updates the display label.
func (s *Store) SetLabel(ctx context.Context, id, label string) error {
	return s.touch(ctx, id, `label = ?`, label)
}

// SetPinnedSlot pins a session to a slot in [1,6], or 0 to unpin. Pinning
// evicts any other session holding the slot.
func (s *Store) SetPinnedSlot(ctx context.Context, id string, slot int) error {
	if slot < 0 || slot > 6 {
		return apperr.Newf(apperr.CodeBadSize, "pinned slot %d out of range", slot)
	}
	now := time.Now().UTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if slot > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET pinned_slot = 0, updated_at = ? WHERE pinned_slot = ? AND id != ?`,
			now, slot, id); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET pinned_slot = ?, updated_at = ? WHERE id = ?`, slot, now, id); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// SetExit persists the final exit code and signal.
func (s *Store) SetExit(ctx context.Context, id string, code int, signal string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET exit_code = ?, signal = ?, updated_at = ? WHERE id = ?`,
		code, signal, time.Now().UTC(), id)
	return err
}

// Touch bumps updated_at, used as an activity marker.
func (s *Store) Touch(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func (s *Store) touch(ctx context.Context, id, setClause string, args ...any) error {
	query := `UPDATE sessions SET ` + setClause + `, updated_at = ? WHERE id = ?`
	args = append(args, time.Now().UTC(), id)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.Newf(apperr.CodeSessionNotFound, "session %s not found", id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

// ResolveWorkspace maps a cwd onto one of the configured workspace roots.
// The key is the base name of the matched root; empty when cwd is outside
// all roots.
func ResolveWorkspace(roots []string, cwd string) (key, root string) {
	cwd = filepath.Clean(cwd)
	for _, r := range roots {
		r = filepath.Clean(r)
		if cwd == r || strings.HasPrefix(cwd, r+string(filepath.Separator)) {
			return filepath.Base(r), r
		}
	}
	return "", ""
}

type metaRow struct {
	ID            string         `db:"id"`
	Tool          string         `db:"tool"`
	ProfileID     string         `db:"profile_id"`
	Transport     string         `db:"transport"`
	Cwd           string         `db:"cwd"`
	ToolSessionID sql.NullString `db:"tool_session_id"`
	WorkspaceKey  string         `db:"workspace_key"`
	WorkspaceRoot string         `db:"workspace_root"`
	Label         string         `db:"label"`
	PinnedSlot    int            `db:"pinned_slot"`
	TaskID        string         `db:"task_id"`
	TaskRole      string         `db:"task_role"`
	TaskTitle     string         `db:"task_title"`
	ExitCode      sql.NullInt64  `db:"exit_code"`
	Signal        string         `db:"signal"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r *metaRow) meta() *Meta {
	m := &Meta{
		ID:            r.ID,
		Tool:          r.Tool,
		ProfileID:     r.ProfileID,
		Transport:     r.Transport,
		Cwd:           r.Cwd,
		ToolSessionID: r.ToolSessionID.String,
		WorkspaceKey:  r.WorkspaceKey,
		WorkspaceRoot: r.WorkspaceRoot,
		Label:         r.Label,
		PinnedSlot:    r.PinnedSlot,
		TaskID:        r.TaskID,
		TaskRole:      r.TaskRole,
		TaskTitle:     r.TaskTitle,
		Signal:        r.Signal,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.ExitCode.Valid {
		code := int(r.ExitCode.Int64)
		m.ExitCode = &code
	}
	return m
}
