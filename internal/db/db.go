// Package db is the persistence gateway for sessions and messages. It holds no
// business logic: every method is a single record or filtered-set operation
// against the backing store.
package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/RichardoC/chatstore/internal/models"
)

var (
	ErrValidation = errors.New("db: invalid input")
	ErrReference  = errors.New("db: session does not exist")
	ErrNotFound   = errors.New("db: not found")
)

// StoreError wraps any failure that originated in the backing store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("db: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// Gateway is implemented by every backing store.
type Gateway interface {
	InsertSession(ctx context.Context, title string) (*models.Session, error)
	// InsertMessage appends a message and touches the owning session's
	// updated_at in the same transaction.
	InsertMessage(ctx context.Context, sessionID string, role models.Role, content string) (*models.Message, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	// GetMessagesBySession returns messages ordered by created_at, seq ascending.
	// A session without messages yields an empty, non-nil slice.
	GetMessagesBySession(ctx context.Context, sessionID string) ([]models.Message, error)
	// ListSessions orders by updated_at descending. limit <= 0 returns all.
	ListSessions(ctx context.Context, limit int) ([]models.Session, error)
	UpdateSessionTitle(ctx context.Context, id string, title string) (*models.Session, error)
	DeleteSession(ctx context.Context, id string) (bool, error)
	// DeleteSessionsNotIn removes every session whose id is not in keep and
	// reports how many were removed. An empty keep set is rejected.
	DeleteSessionsNotIn(ctx context.Context, keep []string) (int64, error)
	Stats(ctx context.Context) (*models.Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

func validateMessage(sessionID string, role models.Role, content string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: session id is required", ErrValidation)
	}
	if !role.Valid() {
		return fmt.Errorf("%w: role %q", ErrValidation, role)
	}
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: content is empty", ErrValidation)
	}
	return nil
}

// MaxTitleLength is the longest session title, in characters, either store accepts.
const MaxTitleLength = 255

// sessionTitle substitutes the default for a blank title.
func sessionTitle(title string) (string, error) {
	if strings.TrimSpace(title) == "" {
		return models.DefaultSessionTitle, nil
	}
	if err := validateTitle(title); err != nil {
		return "", err
	}
	return title, nil
}

func validateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("%w: title is empty", ErrValidation)
	}
	if n := utf8.RuneCountInString(title); n > MaxTitleLength {
		return fmt.Errorf("%w: title is %d characters, limit is %d", ErrValidation, n, MaxTitleLength)
	}
	return nil
}

// Open connects to the store named by driver ("sqlite" or "postgres").
func Open(ctx context.Context, driver, dsn string) (Gateway, error) {
	switch driver {
	case "sqlite", "sqlite3", "":
		database, err := New(dsn)
		if err != nil {
			return nil, err
		}
		return database, nil
	case "postgres", "postgresql":
		store, err := NewPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("db: unknown driver %q", driver)
	}
}

// clock hands out strictly increasing UTC timestamps so that rows written by
// one process never share a created_at.
type clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func newClock() *clock {
	return &clock{now: time.Now}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
