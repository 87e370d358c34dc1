package inbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fyp/fyp/internal/interpret"
)

// ErrNotFound is returned when an item id does not exist.
var ErrNotFound = errors.New("attention item not found")

// Store is the sqlite-backed attention item repository. Mutations for a
// session are serialized by the single writer connection plus the partial
// unique index on open signatures.
type Store struct {
	db *sqlx.DB
	ro *sqlx.DB
}

func NewStore(writer, reader *sqlx.DB) (*Store, error) {
	s := &Store{db: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize inbox schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS attention_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		severity TEXT NOT NULL,
		title TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		signature TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		options TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_attention_open_signature
		ON attention_items(session_id, signature) WHERE status = 'open';
	CREATE INDEX IF NOT EXISTS idx_attention_session_status
		ON attention_items(session_id, status);

	CREATE TABLE IF NOT EXISTS attention_actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id INTEGER NOT NULL,
		action TEXT NOT NULL,
		option_id TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		meta TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (item_id) REFERENCES attention_items(id)
	);
	CREATE INDEX IF NOT EXISTS idx_attention_actions_item ON attention_actions(item_id);
	`)
	return err
}

// Upsert creates an open item, or refreshes the existing open item with the
// same (sessionId, signature) in place. Returns the item id and whether a new
// row was created.
func (s *Store) Upsert(ctx context.Context, item *Item) (int64, bool, error) {
	optionsJSON, err := json.Marshal(item.Options)
	if err != nil {
		return 0, false, fmt.Errorf("failed to serialize options: %w", err)
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, false, err
	}

	var existing int64
	err = tx.GetContext(ctx, &existing,
		`SELECT id FROM attention_items WHERE session_id = ? AND signature = ? AND status = 'open'`,
		item.SessionID, item.Signature)
	switch {
	case err == nil:
		_, err = tx.ExecContext(ctx,
			`UPDATE attention_items SET title = ?, body = ?, options = ?, updated_at = ? WHERE id = ?`,
			item.Title, item.Body, string(optionsJSON), now, existing)
		if err != nil {
			_ = tx.Rollback()
			return 0, false, err
		}
		if err := tx.Commit(); err != nil {
			return 0, false, err
		}
		return existing, false, nil
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx, `
			INSERT INTO attention_items (session_id, kind, severity, title, body, signature, status, options, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 'open', ?, ?, ?)`,
			item.SessionID, item.Kind, item.Severity, item.Title, item.Body, item.Signature,
			string(optionsJSON), now, now)
		if err != nil {
			_ = tx.Rollback()
			return 0, false, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			_ = tx.Rollback()
			return 0, false, err
		}
		if err := tx.Commit(); err != nil {
			return 0, false, err
		}
		return id, true, nil
	default:
		_ = tx.Rollback()
		return 0, false, err
	}
}

func (s *Store) Get(ctx context.Context, id int64) (*Item, error) {
	var row itemRow
	err := s.ro.GetContext(ctx, &row,
		`SELECT id, session_id, kind, severity, title, body, signature, status, options, created_at, updated_at
		 FROM attention_items WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.item()
}

// List returns open items, newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Item, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT id, session_id, kind, severity, title, body, signature, status, options, created_at, updated_at
		FROM attention_items WHERE status = 'open'`
	args := []any{}
	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	} else if len(filter.SessionIDs) > 0 {
		query += ` AND session_id IN (?` + strings.Repeat(",?", len(filter.SessionIDs)-1) + `)`
		for _, id := range filter.SessionIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var rows []itemRow
	if err := s.ro.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	items := make([]*Item, 0, len(rows))
	for i := range rows {
		item, err := rows[i].item()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// OpenCounts returns the number of open items per session.
func (s *Store) OpenCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.ro.QueryxContext(ctx,
		`SELECT session_id, COUNT(*) FROM attention_items WHERE status = 'open' GROUP BY session_id`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	counts := make(map[string]int)
	for rows.Next() {
		var sessionID string
		var n int
		if err := rows.Scan(&sessionID, &n); err != nil {
			return nil, err
		}
		counts[sessionID] = n
	}
	return counts, rows.Err()
}

// Transition moves an open item to a terminal status. Returns false when the
// item was not open, without modifying it.
func (s *Store) Transition(ctx context.Context, id int64, to Status) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attention_items SET status = ?, updated_at = ? WHERE id = ? AND status = 'open'`,
		to, time.Now().UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateContent mutates an open item in place, used by nested user-input
// continuations to present the next question under the same id.
func (s *Store) UpdateContent(ctx context.Context, id int64, title, body string, options []interpret.Option) error {
	optionsJSON, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to serialize options: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE attention_items SET title = ?, body = ?, options = ?, updated_at = ? WHERE id = ? AND status = 'open'`,
		title, body, string(optionsJSON), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordAction appends an audit row for a respond or dismiss.
func (s *Store) RecordAction(ctx context.Context, itemID int64, action, optionID, source string, meta map[string]any) error {
	metaJSON := "{}"
	if meta != nil {
		raw, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("failed to serialize action meta: %w", err)
		}
		metaJSON = string(raw)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attention_actions (item_id, action, option_id, source, meta, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		itemID, action, optionID, source, metaJSON, time.Now().UTC())
	return err
}

// Actions returns the audit trail for an item, oldest first.
func (s *Store) Actions(ctx context.Context, itemID int64) ([]*Action, error) {
	var actions []*Action
	err := s.ro.SelectContext(ctx, &actions,
		`SELECT id, item_id, action, option_id, source, meta, created_at
		 FROM attention_actions WHERE item_id = ? ORDER BY id ASC`, itemID)
	return actions, err
}

// DismissSession closes all open items for a session, returning their ids.
func (s *Store) DismissSession(ctx context.Context, sessionID string) ([]int64, error) {
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids,
		`SELECT id FROM attention_items WHERE session_id = ? AND status = 'open'`, sessionID); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE attention_items SET status = 'dismissed', updated_at = ? WHERE session_id = ? AND status = 'open'`,
		time.Now().UTC(), sessionID)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

type itemRow struct {
	ID        int64     `db:"id"`
	SessionID string    `db:"session_id"`
	Kind      string    `db:"kind"`
	Severity  string    `db:"severity"`
	Title     string    `db:"title"`
	Body      string    `db:"body"`
	Signature string    `db:"signature"`
	Status    string    `db:"status"`
	Options   string    `db:"options"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *itemRow) item() (*Item, error) {
	item := &Item{
		ID:        r.ID,
		SessionID: r.SessionID,
		Kind:      r.Kind,
		Severity:  interpret.Severity(r.Severity),
		Title:     r.Title,
		Body:      r.Body,
		Signature: r.Signature,
		Status:    Status(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Options != "" && r.Options != "[]" {
		if err := json.Unmarshal([]byte(r.Options), &item.Options); err != nil {
			return nil, fmt.Errorf("failed to deserialize options: %w", err)
		}
	}
	return item, nil
}
