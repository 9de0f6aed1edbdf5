package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/RichardoC/chatstore/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/multierr"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
    id         UUID PRIMARY KEY,
    title      VARCHAR(255) NOT NULL DEFAULT 'New Chat',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS chat_messages (
    seq        BIGSERIAL PRIMARY KEY,
    id         UUID NOT NULL UNIQUE,
    session_id UUID NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
    role       VARCHAR(20) NOT NULL CHECK (role IN ('user', 'assistant')),
    content    TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_session_id ON chat_messages(session_id);
CREATE INDEX IF NOT EXISTS idx_chat_messages_created_at ON chat_messages(created_at);
CREATE INDEX IF NOT EXISTS idx_chat_sessions_updated_at ON chat_sessions(updated_at);`

const pgForeignKeyViolation = "23503"

// PGStore is the PostgreSQL gateway. Ids are stored as UUID columns and read
// back as text.
type PGStore struct {
	db    *pgxpool.Pool
	clock *clock
}

// NewPostgres connects a pool and creates the schema if it is missing.
func NewPostgres(ctx context.Context, databaseURL string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("db: connect postgres: %w", err)
	}

	s := &PGStore{db: pool, clock: newClock()}
	if err := s.CreateSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// CreateSchema applies the chat tables, indexes and constraints.
func (s *PGStore) CreateSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("db: apply schema: %w", err)
	}
	return nil
}

// DropSchema removes the chat tables.
func (s *PGStore) DropSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		DROP TABLE IF EXISTS chat_messages CASCADE;
		DROP TABLE IF EXISTS chat_sessions CASCADE;
	`)
	return err
}

func (s *PGStore) Close() error {
	s.db.Close()
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `SELECT 1 FROM chat_sessions LIMIT 1; SELECT 1 FROM chat_messages LIMIT 1`)
	return storeErr("ping", err)
}

func (s *PGStore) InsertSession(ctx context.Context, title string) (*models.Session, error) {
	title, err := sessionTitle(title)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	sess := &models.Session{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO chat_sessions (id, title, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		sess.ID, sess.Title, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return nil, storeErr("insert session", err)
	}
	return sess, nil
}

func (s *PGStore) InsertMessage(ctx context.Context, sessionID string, role models.Role, content string) (msg *models.Message, err error) {
	if err := validateMessage(sessionID, role, content); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrReference, sessionID)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, storeErr("insert message", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = multierr.Append(err, rbErr)
			}
		}
	}()

	// Lock the parent row so a concurrent delete cannot slip in between the
	// existence check and the insert.
	var exists int
	err = tx.QueryRow(ctx, `SELECT 1 FROM chat_sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrReference, sessionID)
	}
	if err != nil {
		return nil, storeErr("insert message", err)
	}

	msg = &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: s.clock.Now(),
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO chat_messages (id, session_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING seq`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, msg.CreatedAt,
	).Scan(&msg.Seq)
	if err != nil {
		return nil, mapPGErr("insert message", err)
	}

	if _, err = tx.Exec(ctx,
		`UPDATE chat_sessions SET updated_at = GREATEST(updated_at, $1) WHERE id = $2`,
		msg.CreatedAt, sessionID,
	); err != nil {
		return nil, storeErr("touch session", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, storeErr("insert message", err)
	}
	return msg, nil
}

func (s *PGStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	var sess models.Session
	err := s.db.QueryRow(ctx,
		`SELECT id::text, title, created_at, updated_at FROM chat_sessions WHERE id = $1`,
		id,
	).Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get session", err)
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	return &sess, nil
}

func (s *PGStore) GetMessagesBySession(ctx context.Context, sessionID string) ([]models.Message, error) {
	messages := make([]models.Message, 0)
	if _, err := uuid.Parse(sessionID); err != nil {
		return messages, nil
	}

	rows, err := s.db.Query(ctx,
		`SELECT id::text, session_id::text, seq, role, content, created_at
		 FROM chat_messages WHERE session_id = $1
		 ORDER BY created_at ASC, seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, storeErr("list messages", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg models.Message
		var role string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Seq, &role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, storeErr("scan message", err)
		}
		msg.Role = models.Role(role)
		msg.CreatedAt = msg.CreatedAt.UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list messages", err)
	}
	return messages, nil
}

func (s *PGStore) ListSessions(ctx context.Context, limit int) ([]models.Session, error) {
	query := `SELECT id::text, title, created_at, updated_at FROM chat_sessions
		 ORDER BY updated_at DESC, created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	defer rows.Close()

	sessions := make([]models.Session, 0)
	for rows.Next() {
		var sess models.Session
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, storeErr("scan session", err)
		}
		sess.CreatedAt = sess.CreatedAt.UTC()
		sess.UpdatedAt = sess.UpdatedAt.UTC()
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list sessions", err)
	}
	return sessions, nil
}

func (s *PGStore) UpdateSessionTitle(ctx context.Context, id string, title string) (*models.Session, error) {
	if err := validateTitle(title); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	var sess models.Session
	err := s.db.QueryRow(ctx,
		`UPDATE chat_sessions SET title = $1 WHERE id = $2
		 RETURNING id::text, title, created_at, updated_at`,
		title, id,
	).Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("update session", err)
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	return &sess, nil
}

func (s *PGStore) DeleteSession(ctx context.Context, id string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}

	tag, err := s.db.Exec(ctx, `DELETE FROM chat_sessions WHERE id = $1`, id)
	if err != nil {
		return false, storeErr("delete session", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGStore) DeleteSessionsNotIn(ctx context.Context, keep []string) (int64, error) {
	if len(keep) == 0 {
		return 0, fmt.Errorf("%w: keep set is empty", ErrValidation)
	}

	tag, err := s.db.Exec(ctx,
		`DELETE FROM chat_sessions WHERE NOT (id::text = ANY($1))`,
		keep,
	)
	if err != nil {
		return 0, storeErr("delete sessions", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) Stats(ctx context.Context) (*models.Stats, error) {
	var stats models.Stats
	err := s.db.QueryRow(ctx,
		`SELECT (SELECT COUNT(*) FROM chat_sessions),
		        (SELECT COUNT(*) FROM chat_messages),
		        (SELECT MIN(created_at) FROM chat_sessions),
		        (SELECT MAX(created_at) FROM chat_sessions)`,
	).Scan(&stats.TotalSessions, &stats.TotalMessages, &stats.OldestSession, &stats.NewestSession)
	if err != nil {
		return nil, storeErr("stats", err)
	}
	return &stats, nil
}

func mapPGErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return fmt.Errorf("%w: %s", ErrReference, pgErr.Detail)
	}
	return storeErr(op, err)
}

var _ Gateway = (*PGStore)(nil)
