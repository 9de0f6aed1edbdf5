package chat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RichardoC/chatstore/internal/db"
	"github.com/RichardoC/chatstore/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// spyGateway forwards to a real sqlite gateway, counting calls and failing
// the operations listed in fail.
type spyGateway struct {
	db.Gateway

	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
}

func newSpyGateway(t *testing.T) *spyGateway {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return &spyGateway{Gateway: database, calls: map[string]int{}, fail: map[string]error{}}
}

func (g *spyGateway) record(op string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[op]++
	return g.fail[op]
}

func (g *spyGateway) count(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *spyGateway) InsertSession(ctx context.Context, title string) (*models.Session, error) {
	if err := g.record("InsertSession"); err != nil {
		return nil, err
	}
	return g.Gateway.InsertSession(ctx, title)
}

func (g *spyGateway) InsertMessage(ctx context.Context, sessionID string, role models.Role, content string) (*models.Message, error) {
	if err := g.record("InsertMessage"); err != nil {
		return nil, err
	}
	return g.Gateway.InsertMessage(ctx, sessionID, role, content)
}

func (g *spyGateway) GetSession(ctx context.Context, id string) (*models.Session, error) {
	if err := g.record("GetSession"); err != nil {
		return nil, err
	}
	return g.Gateway.GetSession(ctx, id)
}

func (g *spyGateway) GetMessagesBySession(ctx context.Context, id string) ([]models.Message, error) {
	if err := g.record("GetMessagesBySession"); err != nil {
		return nil, err
	}
	return g.Gateway.GetMessagesBySession(ctx, id)
}

func (g *spyGateway) ListSessions(ctx context.Context, limit int) ([]models.Session, error) {
	if err := g.record("ListSessions"); err != nil {
		return nil, err
	}
	return g.Gateway.ListSessions(ctx, limit)
}

func (g *spyGateway) UpdateSessionTitle(ctx context.Context, id, title string) (*models.Session, error) {
	if err := g.record("UpdateSessionTitle"); err != nil {
		return nil, err
	}
	return g.Gateway.UpdateSessionTitle(ctx, id, title)
}

func (g *spyGateway) DeleteSession(ctx context.Context, id string) (bool, error) {
	if err := g.record("DeleteSession"); err != nil {
		return false, err
	}
	return g.Gateway.DeleteSession(ctx, id)
}

func (g *spyGateway) DeleteSessionsNotIn(ctx context.Context, keep []string) (int64, error) {
	if err := g.record("DeleteSessionsNotIn"); err != nil {
		return 0, err
	}
	return g.Gateway.DeleteSessionsNotIn(ctx, keep)
}

func (g *spyGateway) Stats(ctx context.Context) (*models.Stats, error) {
	if err := g.record("Stats"); err != nil {
		return nil, err
	}
	return g.Gateway.Stats(ctx)
}

func (g *spyGateway) Ping(ctx context.Context) error {
	if err := g.record("Ping"); err != nil {
		return err
	}
	return g.Gateway.Ping(ctx)
}

var errStoreDown = &db.StoreError{Op: "test", Err: errors.New("connection reset")}

func newTestService(t *testing.T, opts ...Option) (*Service, *spyGateway) {
	t.Helper()
	gw := newSpyGateway(t)
	return NewService(gw, zaptest.NewLogger(t), opts...), gw
}

func TestConversationScenario(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	sess := svc.CreateSession(ctx, "")
	require.NotNil(t, sess)
	assert.Equal(t, "New Chat", sess.Title)

	question := svc.AddMessage(ctx, sess.ID, models.RoleUser, "Is the earth flat?")
	require.NotNil(t, question)
	assert.True(t, question.CreatedAt.After(sess.CreatedAt))

	before := svc.GetSessionWithMessages(ctx, sess.ID)
	require.NotNil(t, before)

	answer := svc.AddMessage(ctx, sess.ID, models.RoleAssistant, "No.")
	require.NotNil(t, answer)

	full := svc.GetSessionWithMessages(ctx, sess.ID)
	require.NotNil(t, full)
	assert.True(t, full.UpdatedAt.After(before.UpdatedAt))
	require.Len(t, full.Messages, 2)
	assert.Equal(t, question.ID, full.Messages[0].ID)
	assert.Equal(t, answer.ID, full.Messages[1].ID)
	assert.Equal(t, models.RoleAssistant, full.Messages[1].Role)
}

func TestAddMessageAppendsLast(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	sess := svc.CreateSession(ctx, "ordering")
	require.NotNil(t, sess)

	for i, content := range []string{"a", "b", "c", "d", "e"} {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		prev := svc.GetSessionWithMessages(ctx, sess.ID)
		require.NotNil(t, prev)

		msg := svc.AddMessage(ctx, sess.ID, role, content)
		require.NotNil(t, msg)

		msgs := svc.GetSessionMessages(ctx, sess.ID)
		require.Len(t, msgs, i+1)
		assert.Equal(t, msg.ID, msgs[len(msgs)-1].ID)

		got := svc.GetSessionWithMessages(ctx, sess.ID)
		require.NotNil(t, got)
		assert.False(t, got.UpdatedAt.Before(prev.UpdatedAt))
	}
}

func TestAddMessageValidatesBeforeGateway(t *testing.T) {
	ctx := context.Background()
	svc, gw := newTestService(t)

	sess := svc.CreateSession(ctx, "")
	require.NotNil(t, sess)

	assert.Nil(t, svc.AddMessage(ctx, "", models.RoleUser, "hi"))
	assert.Nil(t, svc.AddMessage(ctx, sess.ID, "", "hi"))
	assert.Nil(t, svc.AddMessage(ctx, sess.ID, models.RoleUser, ""))
	assert.Nil(t, svc.AddMessage(ctx, sess.ID, models.RoleUser, "  \n"))
	assert.Nil(t, svc.AddMessage(ctx, sess.ID, models.Role("system"), "hi"))
	assert.Zero(t, gw.count("InsertMessage"))

	// Unknown session reaches the gateway and comes back as nil.
	assert.Nil(t, svc.AddMessage(ctx, "does-not-exist", models.RoleUser, "hi"))
	assert.Equal(t, 1, gw.count("InsertMessage"))
}

func TestGetSessionMessagesNeverNil(t *testing.T) {
	ctx := context.Background()
	svc, gw := newTestService(t)

	msgs := svc.GetSessionMessages(ctx, "missing")
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)

	gw.fail["GetMessagesBySession"] = errStoreDown
	msgs = svc.GetSessionMessages(ctx, "missing")
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}

func TestGetSessionWithMessagesMissing(t *testing.T) {
	ctx := context.Background()
	svc, gw := newTestService(t)

	assert.Nil(t, svc.GetSessionWithMessages(ctx, "missing"))
	assert.Zero(t, gw.count("GetMessagesBySession"))

	sess := svc.CreateSession(ctx, "")
	require.NotNil(t, sess)
	got := svc.GetSessionWithMessages(ctx, sess.ID)
	require.NotNil(t, got)
	assert.NotNil(t, got.Messages)
	assert.Empty(t, got.Messages)
}

func TestGetSessionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	sess := svc.CreateSession(ctx, "")
	require.NotNil(t, sess)
	require.NotNil(t, svc.AddMessage(ctx, sess.ID, models.RoleUser, "hi"))

	first := svc.GetSessionWithMessages(ctx, sess.ID)
	second := svc.GetSessionWithMessages(ctx, sess.ID)
	assert.Equal(t, first, second)
}

func TestGetRecentSessions(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	counts := []int{0, 3, 1, 2}
	ids := make([]string, len(counts))
	for i, n := range counts {
		sess := svc.CreateSession(ctx, "")
		require.NotNil(t, sess)
		ids[i] = sess.ID
		for j := 0; j < n; j++ {
			require.NotNil(t, svc.AddMessage(ctx, sess.ID, models.RoleUser, "msg"))
		}
	}
	last := svc.AddMessage(ctx, ids[1], models.RoleAssistant, "latest")
	require.NotNil(t, last)
	counts[1]++

	recent := svc.GetRecentSessions(ctx, 3)
	require.Len(t, recent, 3)
	assert.Equal(t, ids[1], recent[0].ID)
	require.NotNil(t, recent[0].LatestMessage)
	assert.Equal(t, last.ID, recent[0].LatestMessage.ID)

	for _, summary := range recent {
		for i, id := range ids {
			if id == summary.ID {
				assert.Equal(t, counts[i], summary.MessageCount)
			}
		}
	}

	all := svc.GetRecentSessions(ctx, 0)
	assert.Len(t, all, 4)
	for _, summary := range all {
		if summary.ID == ids[0] {
			assert.Nil(t, summary.LatestMessage)
			assert.Zero(t, summary.MessageCount)
		}
	}
}

func TestGetRecentSessionsStoreFailure(t *testing.T) {
	svc, gw := newTestService(t)
	gw.fail["ListSessions"] = errStoreDown

	recent := svc.GetRecentSessions(context.Background(), 5)
	assert.NotNil(t, recent)
	assert.Empty(t, recent)
}

func TestLatestMessageTieBreak(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msgs := []models.Message{
		{ID: "a", Seq: 1, CreatedAt: at.Add(-time.Second)},
		{ID: "c", Seq: 3, CreatedAt: at},
		{ID: "b", Seq: 2, CreatedAt: at},
	}

	latest := latestMessage(msgs)
	require.NotNil(t, latest)
	assert.Equal(t, "c", latest.ID)
	assert.Nil(t, latestMessage(nil))
}

func TestUpdateSession(t *testing.T) {
	ctx := context.Background()
	svc, gw := newTestService(t)

	sess := svc.CreateSession(ctx, "original")
	require.NotNil(t, sess)

	assert.Nil(t, svc.UpdateSession(ctx, sess.ID, ""))
	assert.Zero(t, gw.count("UpdateSessionTitle"))

	got := svc.GetSessionWithMessages(ctx, sess.ID)
	require.NotNil(t, got)
	assert.Equal(t, "original", got.Title)

	updated := svc.UpdateSession(ctx, sess.ID, "renamed")
	require.NotNil(t, updated)
	assert.Equal(t, "renamed", updated.Title)

	assert.Nil(t, svc.UpdateSession(ctx, "missing", "renamed"))
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	svc, gw := newTestService(t)

	assert.False(t, svc.DeleteSession(ctx, "nonexistent"))

	sess := svc.CreateSession(ctx, "")
	require.NotNil(t, sess)
	require.NotNil(t, svc.AddMessage(ctx, sess.ID, models.RoleUser, "bye"))

	assert.True(t, svc.DeleteSession(ctx, sess.ID))
	assert.Nil(t, svc.GetSessionWithMessages(ctx, sess.ID))
	assert.Empty(t, svc.GetSessionMessages(ctx, sess.ID))

	gw.fail["DeleteSession"] = errStoreDown
	assert.False(t, svc.DeleteSession(ctx, sess.ID))
}

func TestClearOldSessionsKeepsMostRecent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	var ids []string
	for i := 0; i < 60; i++ {
		sess := svc.CreateSession(ctx, "")
		require.NotNil(t, sess)
		require.NotNil(t, svc.AddMessage(ctx, sess.ID, models.RoleUser, "hello"))
		ids = append(ids, sess.ID)
	}
	// Touch the oldest session so it becomes one of the most recent.
	require.NotNil(t, svc.AddMessage(ctx, ids[0], models.RoleAssistant, "still here"))

	require.True(t, svc.ClearOldSessions(ctx, 50))

	remaining := svc.ListSessions(ctx)
	require.Len(t, remaining, 50)

	kept := map[string]bool{}
	for _, sess := range remaining {
		kept[sess.ID] = true
	}
	assert.True(t, kept[ids[0]])
	for _, id := range ids[1:11] {
		assert.False(t, kept[id])
		assert.Empty(t, svc.GetSessionMessages(ctx, id))
	}
	for _, id := range ids[11:] {
		assert.True(t, kept[id])
	}

	stats := svc.GetStats(ctx)
	require.NotNil(t, stats)
	assert.EqualValues(t, 50, stats.TotalSessions)
	assert.EqualValues(t, 51, stats.TotalMessages)
}

func TestClearOldSessionsBelowKeepCount(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	for i := 0; i < 3; i++ {
		require.NotNil(t, svc.CreateSession(ctx, ""))
	}
	assert.True(t, svc.ClearOldSessions(ctx, 50))
	assert.Len(t, svc.ListSessions(ctx), 3)
}

func TestClearOldSessionsEdgeCases(t *testing.T) {
	ctx := context.Background()
	svc, gw := newTestService(t)

	// Empty store is a no-op, not a failure.
	assert.True(t, svc.ClearOldSessions(ctx, 50))
	assert.Zero(t, gw.count("DeleteSessionsNotIn"))

	assert.False(t, svc.ClearOldSessions(ctx, 0))
	assert.False(t, svc.ClearOldSessions(ctx, -1))
	listed := gw.count("ListSessions")
	assert.False(t, svc.ClearOldSessions(ctx, MaxKeepCount+1))
	assert.Equal(t, listed, gw.count("ListSessions"))
	assert.True(t, svc.ClearOldSessions(ctx, MaxKeepCount))

	require.NotNil(t, svc.CreateSession(ctx, ""))
	gw.fail["ListSessions"] = errStoreDown
	assert.False(t, svc.ClearOldSessions(ctx, 50))
	assert.Zero(t, gw.count("DeleteSessionsNotIn"))

	delete(gw.fail, "ListSessions")
	gw.fail["DeleteSessionsNotIn"] = errStoreDown
	assert.False(t, svc.ClearOldSessions(ctx, 50))
}

// snapshotGateway creates a session between the keep-set read and the
// delete, the way a concurrent request could.
type snapshotGateway struct {
	*spyGateway
	intruder *models.Session
	keepSeen []string
}

func (g *snapshotGateway) DeleteSessionsNotIn(ctx context.Context, keep []string) (int64, error) {
	g.keepSeen = append([]string(nil), keep...)
	sess, err := g.spyGateway.InsertSession(ctx, "late")
	if err != nil {
		return 0, err
	}
	g.intruder = sess
	return g.spyGateway.DeleteSessionsNotIn(ctx, keep)
}

func TestClearOldSessionsUsesSnapshot(t *testing.T) {
	ctx := context.Background()
	gw := &snapshotGateway{spyGateway: newSpyGateway(t)}
	svc := NewService(gw, zaptest.NewLogger(t))

	var ids []string
	for i := 0; i < 3; i++ {
		sess := svc.CreateSession(ctx, "")
		require.NotNil(t, sess)
		ids = append(ids, sess.ID)
	}

	require.True(t, svc.ClearOldSessions(ctx, 2))
	assert.ElementsMatch(t, ids[1:], gw.keepSeen)

	// The late session was not in the snapshot and is removed with the rest.
	require.NotNil(t, gw.intruder)
	assert.Nil(t, svc.GetSessionWithMessages(ctx, gw.intruder.ID))
	assert.Len(t, svc.ListSessions(ctx), 2)
}

func TestFailuresAreLoggedNotReturned(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.DebugLevel)
	gw := newSpyGateway(t)
	svc := NewService(gw, zap.New(core))

	gw.fail["InsertSession"] = errStoreDown
	assert.Nil(t, svc.CreateSession(ctx, ""))

	errs := logs.FilterLevelExact(zapcore.ErrorLevel).FilterMessage("Failed to create session")
	require.Equal(t, 1, errs.Len())
	assert.Contains(t, errs.All()[0].ContextMap()["error"], "connection reset")

	// A plain miss is logged at debug.
	assert.Nil(t, svc.GetSessionWithMessages(ctx, "missing"))
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.DebugLevel).FilterMessage("Failed to get session").Len())

	// So is a title the store refuses.
	delete(gw.fail, "InsertSession")
	assert.Nil(t, svc.CreateSession(ctx, strings.Repeat("x", db.MaxTitleLength+1)))
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.DebugLevel).FilterMessage("Failed to create session").Len())
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.ErrorLevel).FilterMessage("Failed to create session").Len())
}

func TestStatsAndHealth(t *testing.T) {
	ctx := context.Background()
	svc, gw := newTestService(t)

	assert.True(t, svc.Healthy(ctx))
	stats := svc.GetStats(ctx)
	require.NotNil(t, stats)
	assert.Zero(t, stats.TotalSessions)

	gw.fail["Ping"] = errStoreDown
	gw.fail["Stats"] = errStoreDown
	assert.False(t, svc.Healthy(ctx))
	assert.Nil(t, svc.GetStats(ctx))
}

func TestCreateSessionTitles(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	assert.Equal(t, "New Chat", svc.CreateSession(ctx, "  ").Title)
	assert.Equal(t, "Work", svc.CreateSession(ctx, "Work").Title)

	longest := strings.Repeat("é", db.MaxTitleLength)
	sess := svc.CreateSession(ctx, longest)
	require.NotNil(t, sess)
	assert.Equal(t, longest, sess.Title)

	assert.Nil(t, svc.CreateSession(ctx, longest+"x"))
	assert.Nil(t, svc.UpdateSession(ctx, sess.ID, longest+"x"))
	assert.Equal(t, longest, svc.GetSessionWithMessages(ctx, sess.ID).Title)
}
