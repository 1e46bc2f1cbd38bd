// Package store implements the relational repository behind threads,
// their per-thread config overrides, and the durable (finalized-only)
// message history shown to users — as distinct from internal/checkpoint,
// which persists the agent's own working state.
//
// Grounded on backend/app/api.py's thread/message/config endpoints and the
// schema implied by migrations/0001_init.up.sql (threads, messages,
// configs tables).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/google/uuid"

	"github.com/corvidai/assistant-backend/internal/apperr"
)

// Thread is one conversation.
type Thread struct {
	ID         string
	UserID     string
	Title      string
	ArchivedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Message is one finalized (never partial) row in a thread's history.
type Message struct {
	ID         int64
	ThreadID   string
	MessageID  string
	Role       string // "user" | "assistant" | "tool"
	Content    []byte // JSON, nullable
	ToolName   string
	ToolInput  []byte // JSON, nullable
	ToolOutput []byte // JSON, nullable
	Meta       []byte // JSON, nullable
	CreatedAt  time.Time
}

// Config holds a thread's overrides of the process-wide LLM defaults.
type Config struct {
	ThreadID      string
	Model         *string
	Temperature   *float64
	SystemPrompt  *string
	ContextWindow *int
}

// ConfigUpdate carries only the fields a caller wants to change; nil fields
// are left untouched, matching backend/app/api.py's update_thread_config
// partial-update semantics.
type ConfigUpdate struct {
	Model         *string
	Temperature   *float64
	SystemPrompt  *string
	ContextWindow *int
}

// Store is the relational repository, backed by a pgx connection pool.
type Store struct {
	db *pgxpool.Pool
}

// New returns a Store backed by db.
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Ping satisfies a health.Pinger-shaped interface for aggregated health
// checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// CreateThread inserts a new thread owned by userID with title defaulting
// to "New chat" when empty.
func (s *Store) CreateThread(ctx context.Context, userID, title string) (*Thread, error) {
	if title == "" {
		title = "New chat"
	}
	id := uuid.NewString()
	row := s.db.QueryRow(ctx, `
		INSERT INTO threads (id, user_id, title)
		VALUES ($1, $2, $3)
		RETURNING id, user_id, title, archived_at, created_at, updated_at`,
		id, userID, title)
	return scanThread(row)
}

// ListThreads returns userID's threads ordered by most-recently-updated,
// optionally including archived ones, capped at limit (clamped to [1,100]).
func (s *Store) ListThreads(ctx context.Context, userID string, includeArchived bool, limit int) ([]Thread, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	query := `
		SELECT id, user_id, title, archived_at, created_at, updated_at
		FROM threads WHERE user_id = $1`
	if !includeArchived {
		query += ` AND archived_at IS NULL`
	}
	query += ` ORDER BY updated_at DESC LIMIT $2`

	rows, err := s.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// GetThread returns a thread by id, or apperr.NotFound if it doesn't exist.
func (s *Store) GetThread(ctx context.Context, id string) (*Thread, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, user_id, title, archived_at, created_at, updated_at
		FROM threads WHERE id = $1`, id)
	t, err := scanThread(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("thread %s not found", id)
	}
	return t, err
}

// SetArchived sets or clears a thread's archived_at timestamp. Both
// directions are idempotent: archiving an already-archived thread (or
// unarchiving one that isn't) succeeds without effect.
func (s *Store) SetArchived(ctx context.Context, id string, archived bool) error {
	var err error
	if archived {
		_, err = s.db.Exec(ctx, `UPDATE threads SET archived_at = now(), updated_at = now() WHERE id = $1 AND archived_at IS NULL`, id)
	} else {
		_, err = s.db.Exec(ctx, `UPDATE threads SET archived_at = NULL, updated_at = now() WHERE id = $1`, id)
	}
	return err
}

// DeleteThread removes a thread and, via ON DELETE CASCADE, its messages,
// config, and artifact rows. Deleting an already-missing thread is a no-op,
// matching backend/app/api.py's idempotent 204.
func (s *Store) DeleteThread(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM threads WHERE id = $1`, id)
	return err
}

// UpdateTitle sets a thread's title directly (the manual PATCH path, as
// opposed to the auto-title flow in internal/orchestrator).
func (s *Store) UpdateTitle(ctx context.Context, id, title string) error {
	tag, err := s.db.Exec(ctx, `UPDATE threads SET title = $2, updated_at = now() WHERE id = $1`, id, title)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("thread %s not found", id)
	}
	return nil
}

// GetConfig returns a thread's config row, or nil if none has been set.
func (s *Store) GetConfig(ctx context.Context, threadID string) (*Config, error) {
	row := s.db.QueryRow(ctx, `
		SELECT thread_id, model, temperature, system_prompt, context_window
		FROM configs WHERE thread_id = $1`, threadID)
	var c Config
	err := row.Scan(&c.ThreadID, &c.Model, &c.Temperature, &c.SystemPrompt, &c.ContextWindow)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertConfig creates or partially updates a thread's config row: only the
// non-nil fields of upd are written, matching backend/app/api.py's
// update_thread_config (it never blows away fields the caller omitted).
func (s *Store) UpsertConfig(ctx context.Context, threadID string, upd ConfigUpdate) (*Config, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO configs (thread_id, model, temperature, system_prompt, context_window)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (thread_id) DO UPDATE SET
			model          = COALESCE($2, configs.model),
			temperature    = COALESCE($3, configs.temperature),
			system_prompt  = COALESCE($4, configs.system_prompt),
			context_window = COALESCE($5, configs.context_window)
		RETURNING thread_id, model, temperature, system_prompt, context_window`,
		threadID, upd.Model, upd.Temperature, upd.SystemPrompt, upd.ContextWindow)

	var c Config
	if err := row.Scan(&c.ThreadID, &c.Model, &c.Temperature, &c.SystemPrompt, &c.ContextWindow); err != nil {
		return nil, err
	}
	return &c, nil
}

// InsertUserMessage records a user turn under its client-supplied
// idempotency key (messageID). A repeat of the same messageID for the same
// thread returns apperr.Conflict instead of inserting a duplicate row.
func (s *Store) InsertUserMessage(ctx context.Context, threadID, messageID string, content []byte) (*Message, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO messages (thread_id, message_id, role, content)
		VALUES ($1, $2, 'user', $3)
		RETURNING id, thread_id, message_id, role, content, COALESCE(tool_name,''), tool_input, tool_output, meta, created_at`,
		threadID, messageID, content)

	m, err := scanMessage(row)
	if isUniqueViolation(err) {
		return nil, apperr.Conflict("duplicate message_id %q", messageID)
	}
	return m, err
}

// InsertToolMessage records one tool call/result pair, keyed by a
// synthetic message_id ("tool:{user_msg_id}:{idx}") so replays of the same
// user turn cannot double-insert it.
func (s *Store) InsertToolMessage(ctx context.Context, threadID, messageID, toolName string, toolInput, toolOutput, meta []byte) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO messages (thread_id, message_id, role, tool_name, tool_input, tool_output, meta)
		VALUES ($1, $2, 'tool', $3, $4, $5, $6)
		ON CONFLICT (thread_id, message_id) DO NOTHING`,
		threadID, messageID, toolName, toolInput, toolOutput, meta)
	return err
}

// InsertAssistantMessage records the turn-final assistant message, keyed by
// a synthetic message_id ("assistant:{user_msg_id}"). It returns the row's
// generated id so callers can report it in the terminal "done" SSE frame.
func (s *Store) InsertAssistantMessage(ctx context.Context, threadID, messageID string, content []byte) (int64, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO messages (thread_id, message_id, role, content)
		VALUES ($1, $2, 'assistant', $3)
		ON CONFLICT (thread_id, message_id) DO UPDATE SET content = messages.content
		RETURNING id`,
		threadID, messageID, content)
	var id int64
	err := row.Scan(&id)
	return id, err
}

// ListMessages returns up to limit (clamped to [1,200]) of a thread's
// messages, most recent first.
func (s *Store) ListMessages(ctx context.Context, threadID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, thread_id, message_id, role, content, COALESCE(tool_name,''), tool_input, tool_output, meta, created_at
		FROM messages WHERE thread_id = $1
		ORDER BY created_at DESC LIMIT $2`, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// CountMessages reports how many rows exist for threadID.
func (s *Store) CountMessages(ctx context.Context, threadID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM messages WHERE thread_id = $1`, threadID).Scan(&n)
	return n, err
}

// FirstMessages returns up to n of a thread's earliest messages, oldest
// first — the window backend/app/api.py's auto-title flow summarizes.
func (s *Store) FirstMessages(ctx context.Context, threadID string, n int) ([]Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, thread_id, message_id, role, content, COALESCE(tool_name,''), tool_input, tool_output, meta, created_at
		FROM messages WHERE thread_id = $1
		ORDER BY created_at ASC LIMIT $2`, threadID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanThread(row scanner) (*Thread, error) {
	var t Thread
	if err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.ArchivedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanMessage(row scanner) (*Message, error) {
	var m Message
	if err := row.Scan(&m.ID, &m.ThreadID, &m.MessageID, &m.Role, &m.Content, &m.ToolName, &m.ToolInput, &m.ToolOutput, &m.Meta, &m.CreatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
