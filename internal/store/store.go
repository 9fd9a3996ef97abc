// Package store persists sessions and messages in PostgreSQL.
//
// The store is the only owner of persisted conversation state; callers get
// copies and mutate exclusively through its operations. AppendMessage is the
// one compound operation: it assigns the next sequence number and returns the
// post-append message count as a single atomic unit.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/raphaelgruber/kbchat/internal/models"
)

// Store manages session and message persistence. It is safe for concurrent
// use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Connect opens a pgx pool with pgvector types registered on every
// connection. The returned pool is shared by Store and the knowledge store.
func Connect(ctx context.Context, connURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// New creates a Store on an existing pool.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

const sessionColumns = `id, user_id, title, summary, summary_updated_at, created_at, updated_at, archived_at`

// CreateSession inserts a new session for userID. An empty title defaults to
// "New Chat".
func (s *Store) CreateSession(ctx context.Context, userID, title string) (*models.Session, error) {
	if title == "" {
		title = models.DefaultSessionTitle
	}

	sess := &models.Session{ID: uuid.New(), UserID: userID, Title: title}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sessions (id, user_id, title) VALUES ($1, $2, $3)
		 RETURNING created_at, updated_at`,
		sess.ID, userID, title,
	).Scan(&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.logger.Debug("created session", "id", sess.ID, "user_id", userID)
	return sess, nil
}

// GetSession retrieves a session by ID. Returns ErrNotFound if it does not
// exist.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+`,
		        (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		 FROM sessions s WHERE id = $1`, id)

	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, notFound(err))
	}
	return sess, nil
}

// ListSessions returns the user's non-archived sessions, most recently
// updated first, annotated with message counts.
func (s *Store) ListSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+`,
		        (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		 FROM sessions s
		 WHERE user_id = $1 AND archived_at IS NULL
		 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	return collectSessions(rows)
}

// SearchSessions matches query case-insensitively against session titles,
// summaries, and message contents. A blank query returns an empty slice,
// never the full list.
func (s *Store) SearchSessions(ctx context.Context, userID, query string) ([]*models.Session, error) {
	if strings.TrimSpace(query) == "" {
		return []*models.Session{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+`,
		        (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		 FROM sessions s
		 WHERE user_id = $1 AND archived_at IS NULL
		   AND (title ILIKE $2 OR summary ILIKE $2
		        OR EXISTS (SELECT 1 FROM messages m
		                   WHERE m.session_id = s.id AND m.content ILIKE $2))
		 ORDER BY updated_at DESC`,
		userID, likePattern(query))
	if err != nil {
		return nil, fmt.Errorf("search sessions: %w", err)
	}
	defer rows.Close()

	return collectSessions(rows)
}

// AppendMessage inserts a message and returns it together with the session's
// total message count including the new row. The sequence number is assigned
// while the session row is locked, so counts and sequence numbers cannot race
// with a concurrent append to the same session.
func (s *Store) AppendMessage(ctx context.Context, sessionID uuid.UUID, role, content string) (*models.Message, int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var locked uuid.UUID
	if err := tx.QueryRow(ctx,
		`SELECT id FROM sessions WHERE id = $1 FOR UPDATE`, sessionID,
	).Scan(&locked); err != nil {
		return nil, 0, fmt.Errorf("lock session %s: %w", sessionID, notFound(err))
	}

	msg := &models.Message{ID: uuid.New(), SessionID: sessionID, Role: role, Content: content}
	err = tx.QueryRow(ctx,
		`INSERT INTO messages (id, session_id, role, content, seq)
		 VALUES ($1, $2, $3, $4,
		         (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = $2))
		 RETURNING seq, created_at`,
		msg.ID, sessionID, role, content,
	).Scan(&msg.Seq, &msg.CreatedAt)
	if err != nil {
		return nil, 0, fmt.Errorf("insert message: %w", err)
	}

	var count int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = $1`, sessionID,
	).Scan(&count); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("commit: %w", err)
	}

	s.logger.Debug("appended message", "session_id", sessionID, "role", role, "seq", msg.Seq, "count", count)
	return msg, count, nil
}

// RecentMessages returns the newest limit messages in chronological order.
func (s *Store) RecentMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]*models.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, content, seq, created_at
		 FROM messages WHERE session_id = $1
		 ORDER BY seq DESC LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	messages, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	// Fetched newest-first; callers get chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Messages returns all messages of a session ordered by sequence number.
func (s *Store) Messages(ctx context.Context, sessionID uuid.UUID) ([]*models.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, content, seq, created_at
		 FROM messages WHERE session_id = $1
		 ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// UpdateTitle renames a session and bumps its update timestamp.
func (s *Store) UpdateTitle(ctx context.Context, sessionID uuid.UUID, title string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET title = $2, updated_at = now() WHERE id = $1`,
		sessionID, title)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update title %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// Touch bumps a session's update timestamp.
func (s *Store) Touch(ctx context.Context, sessionID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET updated_at = now() WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("touch session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// UpdateSummary replaces the session's rolling summary and records when it
// was refreshed.
func (s *Store) UpdateSummary(ctx context.Context, sessionID uuid.UUID, summary string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET summary = $2, summary_updated_at = now() WHERE id = $1`,
		sessionID, summary)
	if err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update summary %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// ArchiveSession soft-deletes a session. Messages are retained.
func (s *Store) ArchiveSession(ctx context.Context, sessionID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET archived_at = now(), updated_at = now() WHERE id = $1`,
		sessionID)
	if err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("archive session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var sess models.Session
	var summary *string
	var summaryAt, archivedAt *time.Time

	err := row.Scan(&sess.ID, &sess.UserID, &sess.Title, &summary, &summaryAt,
		&sess.CreatedAt, &sess.UpdatedAt, &archivedAt, &sess.MessageCount)
	if err != nil {
		return nil, err
	}

	sess.Summary = summary
	sess.SummaryUpdatedAt = summaryAt
	sess.ArchivedAt = archivedAt
	return &sess, nil
}

func collectSessions(rows pgx.Rows) ([]*models.Session, error) {
	sessions := []*models.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read sessions: %w", err)
	}
	return sessions, nil
}

func collectMessages(rows pgx.Rows) ([]*models.Message, error) {
	messages := []*models.Message{}
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &msg.Seq, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	return messages, nil
}

// likePattern wraps query for a substring ILIKE match, escaping the
// pattern metacharacters in the user's input.
func likePattern(query string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(query) + "%"
}
