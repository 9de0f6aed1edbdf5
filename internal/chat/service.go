// Package chat implements session lifecycle, message append, summary views and
// retention on top of a db.Gateway.
//
// Every Service method fails soft: errors from the gateway are logged and turned
// into nil, an empty slice or false. Callers cannot tell "not found" apart from
// a store failure.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RichardoC/chatstore/internal/db"
	"github.com/RichardoC/chatstore/internal/llm"
	"github.com/RichardoC/chatstore/internal/models"
	"go.uber.org/zap"
)

const (
	DefaultRecentLimit = 10
	DefaultKeepCount   = 50
	// MaxKeepCount bounds the keep set a single retention pass may hold.
	MaxKeepCount = 1000
)

type Service struct {
	gw        db.Gateway
	logger    *zap.Logger
	responder llm.Responder
	now       func() time.Time
}

type Option func(*Service)

// WithResponder sets who answers in Exchange. The default is llm.Echo.
func WithResponder(r llm.Responder) Option {
	return func(s *Service) {
		if r != nil {
			s.responder = r
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(gw db.Gateway, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		gw:        gw,
		logger:    logger,
		responder: llm.Echo{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) CreateSession(ctx context.Context, title string) *models.Session {
	sess, err := s.gw.InsertSession(ctx, title)
	if err != nil {
		s.logFailure("Failed to create session", err)
		return nil
	}
	return sess
}

// AddMessage appends a message. The gateway bumps the session's updated_at as
// part of the same insert.
func (s *Service) AddMessage(ctx context.Context, sessionID string, role models.Role, content string) *models.Message {
	if blank(sessionID) || blank(string(role)) || blank(content) {
		s.logger.Debug("Rejected message with missing fields",
			zap.String("session_id", sessionID),
			zap.String("role", string(role)))
		return nil
	}
	if !role.Valid() {
		s.logger.Debug("Rejected message with unknown role", zap.String("role", string(role)))
		return nil
	}

	msg, err := s.gw.InsertMessage(ctx, sessionID, role, content)
	if err != nil {
		s.logFailure("Failed to add message", err, zap.String("session_id", sessionID))
		return nil
	}
	return msg
}

func (s *Service) GetSessionMessages(ctx context.Context, sessionID string) []models.Message {
	msgs, err := s.gw.GetMessagesBySession(ctx, sessionID)
	if err != nil {
		s.logger.Error("Failed to get messages", zap.Error(err), zap.String("session_id", sessionID))
		return []models.Message{}
	}
	if msgs == nil {
		return []models.Message{}
	}
	return msgs
}

func (s *Service) GetSessionWithMessages(ctx context.Context, sessionID string) *models.SessionWithMessages {
	sess, err := s.gw.GetSession(ctx, sessionID)
	if err != nil {
		s.logFailure("Failed to get session", err, zap.String("session_id", sessionID))
		return nil
	}
	return &models.SessionWithMessages{
		Session:  *sess,
		Messages: s.GetSessionMessages(ctx, sessionID),
	}
}

// GetRecentSessions lists the limit most recently updated sessions with their
// latest message and message count. limit <= 0 means DefaultRecentLimit.
func (s *Service) GetRecentSessions(ctx context.Context, limit int) []models.SessionSummary {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	sessions, err := s.gw.ListSessions(ctx, limit)
	if err != nil {
		s.logger.Error("Failed to get recent sessions", zap.Error(err), zap.Int("limit", limit))
		return []models.SessionSummary{}
	}

	summaries := make([]models.SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		msgs := s.GetSessionMessages(ctx, sess.ID)
		summaries = append(summaries, models.SessionSummary{
			Session:       sess,
			LatestMessage: latestMessage(msgs),
			MessageCount:  len(msgs),
		})
	}
	return summaries
}

// latestMessage picks the newest message by created_at; equal timestamps go
// to the higher insertion sequence.
func latestMessage(msgs []models.Message) *models.Message {
	if len(msgs) == 0 {
		return nil
	}
	latest := msgs[0]
	for _, msg := range msgs[1:] {
		if msg.CreatedAt.After(latest.CreatedAt) ||
			(msg.CreatedAt.Equal(latest.CreatedAt) && msg.Seq > latest.Seq) {
			latest = msg
		}
	}
	return &latest
}

// ListSessions returns every session, most recently updated first.
func (s *Service) ListSessions(ctx context.Context) []models.Session {
	sessions, err := s.gw.ListSessions(ctx, 0)
	if err != nil {
		s.logger.Error("Failed to list sessions", zap.Error(err))
		return []models.Session{}
	}
	return sessions
}

func (s *Service) UpdateSession(ctx context.Context, sessionID, title string) *models.Session {
	if blank(title) {
		s.logger.Debug("Rejected empty session title", zap.String("session_id", sessionID))
		return nil
	}

	sess, err := s.gw.UpdateSessionTitle(ctx, sessionID, title)
	if err != nil {
		s.logFailure("Failed to update session", err, zap.String("session_id", sessionID))
		return nil
	}
	return sess
}

func (s *Service) DeleteSession(ctx context.Context, sessionID string) bool {
	removed, err := s.gw.DeleteSession(ctx, sessionID)
	if err != nil {
		s.logger.Error("Failed to delete session", zap.Error(err), zap.String("session_id", sessionID))
		return false
	}
	return removed
}

// ClearOldSessions keeps the keepCount most recently updated sessions and
// deletes the rest; their messages go with them by cascade.
//
// The keep set is read once and handed to the delete unchanged. A session
// created between the two round trips is not in the snapshot and is deleted
// too; there is no transaction around both steps.
func (s *Service) ClearOldSessions(ctx context.Context, keepCount int) bool {
	if keepCount <= 0 || keepCount > MaxKeepCount {
		s.logger.Debug("Rejected retention keep count out of range",
			zap.Int("keep", keepCount),
			zap.Int("max", MaxKeepCount))
		return false
	}

	keep, err := s.gw.ListSessions(ctx, keepCount)
	if err != nil {
		s.logger.Error("Failed to fetch sessions to keep", zap.Error(err), zap.Int("keep", keepCount))
		return false
	}
	if len(keep) == 0 {
		// Nothing stored, nothing to prune.
		return true
	}

	ids := make([]string, len(keep))
	for i, sess := range keep {
		ids[i] = sess.ID
	}

	removed, err := s.gw.DeleteSessionsNotIn(ctx, ids)
	if err != nil {
		s.logger.Error("Failed to clear old sessions", zap.Error(err), zap.Int("keep", keepCount))
		return false
	}

	s.logger.Info("Cleared old sessions",
		zap.Int("keep", keepCount),
		zap.Int64("removed", removed))
	return true
}

func (s *Service) GetStats(ctx context.Context) *models.Stats {
	stats, err := s.gw.Stats(ctx)
	if err != nil {
		s.logger.Error("Failed to fetch database stats", zap.Error(err))
		return nil
	}
	return stats
}

// Healthy reports whether both tables are reachable.
func (s *Service) Healthy(ctx context.Context) bool {
	if err := s.gw.Ping(ctx); err != nil {
		s.logger.Warn("Database validation failed", zap.Error(err))
		return false
	}
	return true
}

type ExchangeResult struct {
	SessionID        string          `json:"session_id"`
	UserMessage      *models.Message `json:"user_message"`
	AssistantMessage *models.Message `json:"assistant_message"`
	Reply            string          `json:"reply"`
}

// Exchange stores a user message, asks the responder for a reply and stores
// that as well. A blank sessionID starts a new session.
func (s *Service) Exchange(ctx context.Context, sessionID, text string) *ExchangeResult {
	if blank(text) {
		s.logger.Debug("Rejected empty chat message")
		return nil
	}

	if blank(sessionID) {
		sess := s.CreateSession(ctx, fmt.Sprintf("Chat %s", s.now().Format("2006-01-02 15:04:05")))
		if sess == nil {
			return nil
		}
		sessionID = sess.ID
	}

	userMsg := s.AddMessage(ctx, sessionID, models.RoleUser, text)
	if userMsg == nil {
		return nil
	}

	reply, err := s.responder.Reply(ctx, s.GetSessionMessages(ctx, sessionID))
	if err != nil {
		s.logger.Error("Failed to generate reply", zap.Error(err), zap.String("session_id", sessionID))
		return nil
	}

	assistantMsg := s.AddMessage(ctx, sessionID, models.RoleAssistant, reply)
	if assistantMsg == nil {
		return nil
	}

	return &ExchangeResult{
		SessionID:        sessionID,
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		Reply:            reply,
	}
}

// logFailure logs expected lookup misses at debug and everything else as an error.
func (s *Service) logFailure(msg string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	if errors.Is(err, db.ErrNotFound) || errors.Is(err, db.ErrReference) || errors.Is(err, db.ErrValidation) {
		s.logger.Debug(msg, fields...)
		return
	}
	s.logger.Error(msg, fields...)
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
