package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/fyp/fyp/internal/common/logger"
)

// Store is the transcript and event repository. Output writes go through the
// batcher; event writes are immediately durable. The store is the single
// writer per session.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // read-only pool

	logger  *logger.Logger
	batcher *batcher

	mu   sync.Mutex
	seqs map[string]*sessionSeqs // lazily loaded per-session counters

	notify func(sessionID string, e Event)
}

type sessionSeqs struct {
	chunk int64
	event int64
}

// New creates the store, initializing the schema on the writer connection.
func New(writer, reader *sqlx.DB, log *logger.Logger) (*Store, error) {
	s := &Store{
		db:     writer,
		ro:     reader,
		logger: log.WithFields(zap.String("component", "transcript-store")),
		seqs:   make(map[string]*sessionSeqs),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize transcript schema: %w", err)
	}
	s.batcher = newBatcher(s, s.logger)
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS transcript_chunks (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		ts TIMESTAMP NOT NULL,
		chunk BLOB NOT NULL,
		PRIMARY KEY (session_id, seq)
	);

	CREATE TABLE IF NOT EXISTS session_events (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		ts TIMESTAMP NOT NULL,
		kind TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (session_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_session_events_kind ON session_events(session_id, kind, seq);
	`)
	return err
}

// AppendOutput queues an output chunk for batched persistence. It never
// blocks on disk; durability is guaranteed after Flush returns.
func (s *Store) AppendOutput(sessionID string, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s.batcher.append(sessionID, chunk)
}

// AppendEvent durably appends a typed event and returns its per-session
// monotonic id.
func (s *Store) AppendEvent(ctx context.Context, sessionID, kind string, data any) (int64, error) {
	payload := "{}"
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal event data: %w", err)
		}
		payload = string(raw)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seqs, err := s.loadSeqsLocked(sessionID)
	if err != nil {
		return 0, err
	}
	seqs.event++
	seq := seqs.event

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_events (session_id, seq, ts, kind, data) VALUES (?, ?, ?, ?, ?)`,
		sessionID, seq, time.Now().UTC(), kind, payload)
	if err != nil {
		seqs.event--
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	if s.notify != nil {
		s.notify(sessionID, Event{
			SessionID: sessionID,
			Seq:       seq,
			TS:        time.Now().UTC(),
			Kind:      kind,
			Data:      payload,
		})
	}
	return seq, nil
}

// SetNotifier installs a hook invoked after every durable event append. Set
// once during wiring, before any writes.
func (s *Store) SetNotifier(fn func(sessionID string, e Event)) {
	s.notify = fn
}

// reserveChunkSeqs allocates n consecutive chunk ids for a session and
// returns the first. The batcher stamps chunks at detach time; a dropped
// batch leaves a gap, never a reordering.
func (s *Store) reserveChunkSeqs(sessionID string, n int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seqs, err := s.loadSeqsLocked(sessionID)
	if err != nil {
		return 0, err
	}
	first := seqs.chunk + 1
	seqs.chunk += int64(n)
	return first, nil
}

// writeChunks persists a batch of buffered chunks in one transaction. Ids
// were assigned when the batch was detached. Called by the batcher only.
func (s *Store) writeChunks(sessionID string, chunks []pendingChunk) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin chunk transaction: %w", err)
	}
	for _, c := range chunks {
		if _, err := tx.Exec(
			`INSERT INTO transcript_chunks (session_id, seq, ts, chunk) VALUES (?, ?, ?, ?)`,
			sessionID, c.seq, c.ts, c.data); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert chunk: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunks: %w", err)
	}
	return nil
}

func (s *Store) loadSeqsLocked(sessionID string) (*sessionSeqs, error) {
	if seqs, ok := s.seqs[sessionID]; ok {
		return seqs, nil
	}
	seqs := &sessionSeqs{}
	row := s.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM transcript_chunks WHERE session_id = ?`, sessionID)
	if err := row.Scan(&seqs.chunk); err != nil {
		return nil, fmt.Errorf("failed to load chunk seq: %w", err)
	}
	row = s.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM session_events WHERE session_id = ?`, sessionID)
	if err := row.Scan(&seqs.event); err != nil {
		return nil, fmt.Errorf("failed to load event seq: %w", err)
	}
	s.seqs[sessionID] = seqs
	return seqs, nil
}

// Flush forces all buffered output for the session to disk. After it returns,
// all previously accepted output is readable via Transcript.
func (s *Store) Flush(sessionID string) {
	s.batcher.flush(sessionID)
}

// FlushAll flushes every session's buffer, used during shutdown.
func (s *Store) FlushAll() {
	s.batcher.flushAll()
}

// FailureCount reports how many chunk batches failed to persist; surfaced as
// a health signal.
func (s *Store) FailureCount() int64 {
	return s.batcher.failures.Load()
}

// Transcript returns an oldest-first page of output chunks. The cursor is
// opaque; pass the returned NextCursor to continue.
func (s *Store) Transcript(ctx context.Context, sessionID string, limit int, cursor string) ([]Chunk, string, error) {
	s.Flush(sessionID)

	limit = clamp(limit, TranscriptLimitMin, TranscriptLimitMax)
	after := decodeCursor(cursor)

	var items []Chunk
	err := s.ro.SelectContext(ctx, &items,
		`SELECT session_id, seq, ts, chunk FROM transcript_chunks
		 WHERE session_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		sessionID, after, limit)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read transcript: %w", err)
	}

	next := ""
	if len(items) == limit {
		next = strconv.FormatInt(items[len(items)-1].Seq, 10)
	}
	return items, next, nil
}

// Events returns an oldest-first page of typed events.
func (s *Store) Events(ctx context.Context, sessionID string, limit int, cursor string) ([]Event, string, error) {
	limit = clamp(limit, EventLimitMin, EventLimitMax)
	after := decodeCursor(cursor)

	var items []Event
	err := s.ro.SelectContext(ctx, &items,
		`SELECT session_id, seq, ts, kind, data FROM session_events
		 WHERE session_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		sessionID, after, limit)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read events: %w", err)
	}

	next := ""
	if len(items) == limit {
		next = strconv.FormatInt(items[len(items)-1].Seq, 10)
	}
	return items, next, nil
}

// RecentChunks returns the newest n chunks in oldest-first order, for stream
// replay on connect.
func (s *Store) RecentChunks(ctx context.Context, sessionID string, n int) ([]Chunk, error) {
	s.Flush(sessionID)

	var items []Chunk
	err := s.ro.SelectContext(ctx, &items,
		`SELECT session_id, seq, ts, chunk FROM transcript_chunks
		 WHERE session_id = ? ORDER BY seq DESC LIMIT ?`,
		sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to read recent chunks: %w", err)
	}
	reverse(items)
	return items, nil
}

// RecentEvents returns the newest n events in oldest-first order.
func (s *Store) RecentEvents(ctx context.Context, sessionID string, n int) ([]Event, error) {
	var items []Event
	err := s.ro.SelectContext(ctx, &items,
		`SELECT session_id, seq, ts, kind, data FROM session_events
		 WHERE session_id = ? ORDER BY seq DESC LIMIT ?`,
		sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to read recent events: %w", err)
	}
	reverse(items)
	return items, nil
}

func reverse[T any](items []T) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}

// LatestEvent returns the most recent event of the given kind, or nil.
func (s *Store) LatestEvent(ctx context.Context, sessionID, kind string) (*Event, error) {
	var e Event
	err := s.ro.GetContext(ctx, &e,
		`SELECT session_id, seq, ts, kind, data FROM session_events
		 WHERE session_id = ? AND kind = ? ORDER BY seq DESC LIMIT 1`,
		sessionID, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest event: %w", err)
	}
	return &e, nil
}

// LatestEventSeq returns the newest event id for a session, 0 when none. Used
// as the dispatch-evidence watermark.
func (s *Store) LatestEventSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	row := s.ro.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM session_events WHERE session_id = ?`, sessionID)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read latest event seq: %w", err)
	}
	return seq, nil
}

// DeleteSession removes all transcript and event rows for a session.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	s.batcher.drop(sessionID)

	s.mu.Lock()
	delete(s.seqs, sessionID)
	s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM transcript_chunks WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete transcript: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_events WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	return nil
}

// Close flushes all buffers and stops batcher timers.
func (s *Store) Close() {
	s.batcher.close()
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func decodeCursor(cursor string) int64 {
	if cursor == "" {
		return 0
	}
	v, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
