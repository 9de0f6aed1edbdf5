package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

const DefaultSessionTitle = "New Chat"

type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"` // insertion order, breaks created_at ties
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type SessionWithMessages struct {
	Session
	Messages []Message `json:"messages"`
}

// SessionSummary is the listing view of a session: its most recent message
// and how many messages it owns.
type SessionSummary struct {
	Session
	LatestMessage *Message `json:"latest_message,omitempty"`
	MessageCount  int      `json:"message_count"`
}

type Stats struct {
	TotalSessions int64      `json:"total_sessions"`
	TotalMessages int64      `json:"total_messages"`
	OldestSession *time.Time `json:"oldest_session"`
	NewestSession *time.Time `json:"newest_session"`
}
