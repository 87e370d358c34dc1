package orchestration

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fyp/fyp/internal/common/apperr"
)

// Store is the sqlite-backed orchestration repository. Workers live in their
// own table keyed by (orchestration_id, worker_index).
type Store struct {
	db *sqlx.DB
	ro *sqlx.DB
}

func NewStore(writer, reader *sqlx.DB) (*Store, error) {
	s := &Store{db: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize orchestration schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS orchestrations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		project_path TEXT NOT NULL,
		orchestrator_session_id TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'active',
		last_error TEXT NOT NULL DEFAULT '',
		sync_policy TEXT NOT NULL,
		automation_policy TEXT NOT NULL,
		cleaned_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS orchestration_workers (
		orchestration_id TEXT NOT NULL,
		worker_index INTEGER NOT NULL,
		name TEXT NOT NULL,
		session_id TEXT NOT NULL,
		tool TEXT NOT NULL,
		profile_id TEXT NOT NULL DEFAULT '',
		worktree_path TEXT NOT NULL DEFAULT '',
		branch TEXT NOT NULL DEFAULT '',
		base_ref TEXT NOT NULL DEFAULT '',
		project_path TEXT NOT NULL DEFAULT '',
		task_prompt TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (orchestration_id, worker_index)
	);
	`)
	return err
}

// Create persists the orchestration and its workers in one transaction.
func (s *Store) Create(ctx context.Context, o *Orchestration) error {
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now
	if o.Status == "" {
		o.Status = StatusActive
	}

	syncJSON, err := json.Marshal(o.SyncPolicy)
	if err != nil {
		return err
	}
	autoJSON, err := json.Marshal(o.AutomationPolicy)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO orchestrations (id, name, project_path, orchestrator_session_id, status,
			last_error, sync_policy, automation_policy, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '', ?, ?, ?, ?)`,
		o.ID, o.Name, o.ProjectPath, o.OrchestratorSessionID, o.Status,
		string(syncJSON), string(autoJSON), o.CreatedAt, o.UpdatedAt); err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, w := range o.Workers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO orchestration_workers (orchestration_id, worker_index, name, session_id,
				tool, profile_id, worktree_path, branch, base_ref, project_path, task_prompt, role)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, w.WorkerIndex, w.Name, w.SessionID, w.Tool, w.ProfileID,
			w.WorktreePath, w.Branch, w.BaseRef, w.ProjectPath, w.TaskPrompt, w.Role); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Get returns one orchestration with its workers ordered by index.
func (s *Store) Get(ctx context.Context, id string) (*Orchestration, error) {
	var row orchRow
	err := s.ro.GetContext(ctx, &row, `SELECT * FROM orchestrations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeOrchestrationNotFound, "orchestration %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	o, err := row.orchestration()
	if err != nil {
		return nil, err
	}
	if o.Workers, err = s.workers(ctx, id); err != nil {
		return nil, err
	}
	return o, nil
}

// GetByOrchestratorSession resolves the orchestration owning a coordinator
// session, used for directive routing.
func (s *Store) GetByOrchestratorSession(ctx context.Context, sessionID string) (*Orchestration, error) {
	var row orchRow
	err := s.ro.GetContext(ctx, &row, `SELECT * FROM orchestrations WHERE orchestrator_session_id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.CodeOrchestrationNotFound, "no orchestration for session %s", sessionID)
	}
	if err != nil {
		return nil, err
	}
	o, err := row.orchestration()
	if err != nil {
		return nil, err
	}
	if o.Workers, err = s.workers(ctx, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

// List returns all orchestrations, oldest first, workers attached.
func (s *Store) List(ctx context.Context) ([]*Orchestration, error) {
	var rows []orchRow
	if err := s.ro.SelectContext(ctx, &rows, `SELECT * FROM orchestrations ORDER BY created_at ASC`); err != nil {
		return nil, err
	}
	out := make([]*Orchestration, 0, len(rows))
	for i := range rows {
		o, err := rows[i].orchestration()
		if err != nil {
			return nil, err
		}
		if o.Workers, err = s.workers(ctx, o.ID); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// IDs returns all orchestration ids; the ticker walks this.
func (s *Store) IDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.ro.SelectContext(ctx, &ids, `SELECT id FROM orchestrations`)
	return ids, err
}

func (s *Store) workers(ctx context.Context, id string) ([]Worker, error) {
	var rows []workerRow
	if err := s.ro.SelectContext(ctx, &rows,
		`SELECT * FROM orchestration_workers WHERE orchestration_id = ? ORDER BY worker_index ASC`, id); err != nil {
		return nil, err
	}
	workers := make([]Worker, len(rows))
	for i := range rows {
		workers[i] = rows[i].worker()
	}
	return workers, nil
}

// SetStatus updates status and lastError.
func (s *Store) SetStatus(ctx context.Context, id, status, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE orchestrations SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, lastError, time.Now().UTC(), id)
	return err
}

// SetCleaned marks the orchestration cleaned.
func (s *Store) SetCleaned(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE orchestrations SET status = ?, cleaned_at = ?, last_error = '', updated_at = ? WHERE id = ?`,
		StatusCleaned, now, now, id)
	return err
}

// SetSyncPolicy persists a clamped sync policy.
func (s *Store) SetSyncPolicy(ctx context.Context, id string, p SyncPolicy) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.updateField(ctx, id, "sync_policy", string(raw))
}

// SetAutomationPolicy persists a clamped automation policy.
func (s *Store) SetAutomationPolicy(ctx context.Context, id string, p AutomationPolicy) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.updateField(ctx, id, "automation_policy", string(raw))
}

func (s *Store) updateField(ctx context.Context, id, column, value string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orchestrations SET `+column+` = ?, updated_at = ? WHERE id = ?`,
		value, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.Newf(apperr.CodeOrchestrationNotFound, "orchestration %s not found", id)
	}
	return nil
}

// Delete removes the orchestration and its workers.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM orchestration_workers WHERE orchestration_id = ?`, id); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM orchestrations WHERE id = ?`, id); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type orchRow struct {
	ID                    string       `db:"id"`
	Name                  string       `db:"name"`
	ProjectPath           string       `db:"project_path"`
	OrchestratorSessionID string       `db:"orchestrator_session_id"`
	Status                string       `db:"status"`
	LastError             string       `db:"last_error"`
	SyncPolicy            string       `db:"sync_policy"`
	AutomationPolicy      string       `db:"automation_policy"`
	CleanedAt             sql.NullTime `db:"cleaned_at"`
	CreatedAt             time.Time    `db:"created_at"`
	UpdatedAt             time.Time    `db:"updated_at"`
}

func (r *orchRow) orchestration() (*Orchestration, error) {
	o := &Orchestration{
		ID:                    r.ID,
		Name:                  r.Name,
		ProjectPath:           r.ProjectPath,
		OrchestratorSessionID: r.OrchestratorSessionID,
		Status:                r.Status,
		LastError:             r.LastError,
		CreatedAt:             r.CreatedAt,
		UpdatedAt:             r.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(r.SyncPolicy), &o.SyncPolicy); err != nil {
		return nil, fmt.Errorf("corrupt sync policy for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.AutomationPolicy), &o.AutomationPolicy); err != nil {
		return nil, fmt.Errorf("corrupt automation policy for %s: %w", r.ID, err)
	}
	if r.CleanedAt.Valid {
		t := r.CleanedAt.Time
		o.CleanedAt = &t
	}
	return o, nil
}

type workerRow struct {
	OrchestrationID string `db:"orchestration_id"`
	WorkerIndex     int    `db:"worker_index"`
	Name            string `db:"name"`
	SessionID       string `db:"session_id"`
	Tool            string `db:"tool"`
	ProfileID       string `db:"profile_id"`
	WorktreePath    string `db:"worktree_path"`
	Branch          string `db:"branch"`
	BaseRef         string `db:"base_ref"`
	ProjectPath     string `db:"project_path"`
	TaskPrompt      string `db:"task_prompt"`
	Role            string `db:"role"`
}

func (r *workerRow) worker() Worker {
	return Worker{
		WorkerIndex:  r.WorkerIndex,
		Name:         r.Name,
		SessionID:    r.SessionID,
		Tool:         r.Tool,
		ProfileID:    r.ProfileID,
		WorktreePath: r.WorktreePath,
		Branch:       r.Branch,
		BaseRef:      r.BaseRef,
		ProjectPath:  r.ProjectPath,
		TaskPrompt:   r.TaskPrompt,
		Role:         r.Role,
	}
}
