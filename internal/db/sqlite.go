package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RichardoC/chatstore/internal/models"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT 'New Chat',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    session_id TEXT NOT NULL,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
    content TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id);
CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);`

// Database is the sqlite gateway. Timestamps are written as UTC text, which
// sorts in time order, so ORDER BY and max() work on the raw column values.
type Database struct {
	db    *sql.DB
	clock *clock
}

func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(dbPath))
	if err != nil {
		return nil, err
	}
	// One writer at a time; sqlite would otherwise answer SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("db: apply schema: %w", err)
	}

	return &Database{db: db, clock: newClock()}, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path + "&_foreign_keys=on&_busy_timeout=5000"
	}
	return path + "?_foreign_keys=on&_busy_timeout=5000"
}

func (db *Database) Close() error {
	return db.db.Close()
}

func (db *Database) Ping(ctx context.Context) error {
	for _, table := range []string{"sessions", "messages"} {
		rows, err := db.db.QueryContext(ctx, `SELECT 1 FROM `+table+` LIMIT 1`)
		if err != nil {
			return storeErr("ping", err)
		}
		rows.Close()
	}
	return nil
}

func (db *Database) InsertSession(ctx context.Context, title string) (*models.Session, error) {
	title, err := sessionTitle(title)
	if err != nil {
		return nil, err
	}

	now := db.clock.Now()
	sess := &models.Session{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = db.db.ExecContext(ctx, `
        INSERT INTO sessions (id, title, created_at, updated_at)
        VALUES (?, ?, ?, ?)`,
		sess.ID, sess.Title, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return nil, storeErr("insert session", err)
	}
	return sess, nil
}

func (db *Database) InsertMessage(ctx context.Context, sessionID string, role models.Role, content string) (msg *models.Message, err error) {
	if err := validateMessage(sessionID, role, content); err != nil {
		return nil, err
	}

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("insert message", err)
	}
	defer func() {
		if err != nil {
			err = rollback(tx, err)
		}
	}()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
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
		CreatedAt: db.clock.Now(),
	}
	err = tx.QueryRowContext(ctx, `
        INSERT INTO messages (id, session_id, role, content, created_at)
        VALUES (?, ?, ?, ?, ?)
        RETURNING seq`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, msg.CreatedAt).Scan(&msg.Seq)
	if err != nil {
		return nil, mapSQLiteErr("insert message", err)
	}

	if _, err = tx.ExecContext(ctx, `
        UPDATE sessions SET updated_at = max(updated_at, ?) WHERE id = ?`,
		msg.CreatedAt, sessionID); err != nil {
		return nil, storeErr("touch session", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, storeErr("insert message", err)
	}
	return msg, nil
}

func (db *Database) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	err := db.db.QueryRowContext(ctx, `
        SELECT id, title, created_at, updated_at
        FROM sessions
        WHERE id = ?`, id).Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get session", err)
	}
	return &sess, nil
}

func (db *Database) GetMessagesBySession(ctx context.Context, sessionID string) ([]models.Message, error) {
	rows, err := db.db.QueryContext(ctx, `
        SELECT id, session_id, seq, role, content, created_at
        FROM messages
        WHERE session_id = ?
        ORDER BY created_at ASC, seq ASC`, sessionID)
	if err != nil {
		return nil, storeErr("list messages", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		var role string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Seq, &role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, storeErr("scan message", err)
		}
		msg.Role = models.Role(role)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list messages", err)
	}
	return messages, nil
}

func (db *Database) ListSessions(ctx context.Context, limit int) ([]models.Session, error) {
	query := `
        SELECT id, title, created_at, updated_at
        FROM sessions
        ORDER BY updated_at DESC, created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.db.QueryContext(ctx, query, args...)
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
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list sessions", err)
	}
	return sessions, nil
}

func (db *Database) UpdateSessionTitle(ctx context.Context, id string, title string) (*models.Session, error) {
	if err := validateTitle(title); err != nil {
		return nil, err
	}

	res, err := db.db.ExecContext(ctx, `UPDATE sessions SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return nil, storeErr("update session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, storeErr("update session", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return db.GetSession(ctx, id)
}

func (db *Database) DeleteSession(ctx context.Context, id string) (bool, error) {
	res, err := db.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return false, storeErr("delete session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("delete session", err)
	}
	return n > 0, nil
}

func (db *Database) DeleteSessionsNotIn(ctx context.Context, keep []string) (int64, error) {
	if len(keep) == 0 {
		return 0, fmt.Errorf("%w: keep set is empty", ErrValidation)
	}

	// Bound as a single JSON array: sqlite caps the number of host parameters.
	ids, err := json.Marshal(keep)
	if err != nil {
		return 0, storeErr("delete sessions", err)
	}

	res, err := db.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id NOT IN (SELECT value FROM json_each(?))`, string(ids))
	if err != nil {
		return 0, storeErr("delete sessions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("delete sessions", err)
	}
	return n, nil
}

func (db *Database) Stats(ctx context.Context) (*models.Stats, error) {
	var stats models.Stats
	err := db.db.QueryRowContext(ctx, `
        SELECT (SELECT COUNT(*) FROM sessions), (SELECT COUNT(*) FROM messages)`).
		Scan(&stats.TotalSessions, &stats.TotalMessages)
	if err != nil {
		return nil, storeErr("stats", err)
	}
	if stats.TotalSessions == 0 {
		return &stats, nil
	}

	// Aggregates lose the TIMESTAMP column type, so read the edge rows instead.
	var oldest, newest time.Time
	if err := db.db.QueryRowContext(ctx,
		`SELECT created_at FROM sessions ORDER BY created_at ASC LIMIT 1`).Scan(&oldest); err != nil {
		return nil, storeErr("stats", err)
	}
	if err := db.db.QueryRowContext(ctx,
		`SELECT created_at FROM sessions ORDER BY created_at DESC LIMIT 1`).Scan(&newest); err != nil {
		return nil, storeErr("stats", err)
	}
	stats.OldestSession = &oldest
	stats.NewestSession = &newest
	return &stats, nil
}

func mapSQLiteErr(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey {
		return fmt.Errorf("%w: %v", ErrReference, err)
	}
	return storeErr(op, err)
}

func rollback(tx *sql.Tx, err error) error {
	if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
		return multierr.Append(err, rbErr)
	}
	return err
}

var _ Gateway = (*Database)(nil)
