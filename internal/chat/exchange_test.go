package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RichardoC/chatstore/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedResponder struct {
	reply   string
	err     error
	history []models.Message
}

func (r *scriptedResponder) Reply(_ context.Context, history []models.Message) (string, error) {
	r.history = history
	return r.reply, r.err
}

func TestExchangeStartsSession(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 3, 9, 14, 30, 0, 0, time.UTC)
	svc, _ := newTestService(t, WithClock(func() time.Time { return at }))

	result := svc.Exchange(ctx, "", "Is the earth flat?")
	require.NotNil(t, result)
	assert.Equal(t, "Echo: Is the earth flat?", result.Reply)

	full := svc.GetSessionWithMessages(ctx, result.SessionID)
	require.NotNil(t, full)
	assert.Equal(t, "Chat 2024-03-09 14:30:00", full.Title)
	require.Len(t, full.Messages, 2)
	assert.Equal(t, result.UserMessage.ID, full.Messages[0].ID)
	assert.Equal(t, result.AssistantMessage.ID, full.Messages[1].ID)
}

func TestExchangeContinuesSession(t *testing.T) {
	ctx := context.Background()
	responder := &scriptedResponder{reply: "No."}
	svc, _ := newTestService(t, WithResponder(responder))

	sess := svc.CreateSession(ctx, "")
	require.NotNil(t, sess)
	require.NotNil(t, svc.AddMessage(ctx, sess.ID, models.RoleUser, "Hello"))
	require.NotNil(t, svc.AddMessage(ctx, sess.ID, models.RoleAssistant, "Hi"))

	result := svc.Exchange(ctx, sess.ID, "Is the earth flat?")
	require.NotNil(t, result)
	assert.Equal(t, sess.ID, result.SessionID)
	assert.Equal(t, models.RoleAssistant, result.AssistantMessage.Role)

	require.Len(t, responder.history, 3)
	assert.Equal(t, "Is the earth flat?", responder.history[2].Content)
	assert.Len(t, svc.GetSessionMessages(ctx, sess.ID), 4)
}

func TestExchangeFailures(t *testing.T) {
	ctx := context.Background()
	responder := &scriptedResponder{err: errors.New("model offline")}
	svc, gw := newTestService(t, WithResponder(responder))

	assert.Nil(t, svc.Exchange(ctx, "", "  "))
	assert.Zero(t, gw.count("InsertSession"))

	assert.Nil(t, svc.Exchange(ctx, "missing", "hello"))

	sess := svc.CreateSession(ctx, "")
	require.NotNil(t, sess)
	assert.Nil(t, svc.Exchange(ctx, sess.ID, "hello"))
	// The user turn is kept even though no reply was produced.
	assert.Len(t, svc.GetSessionMessages(ctx, sess.ID), 1)
}

func TestRunRetention(t *testing.T) {
	svc, gw := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())

	for i := 0; i < 4; i++ {
		require.NotNil(t, svc.CreateSession(context.Background(), ""))
	}

	done := make(chan struct{})
	go func() {
		svc.RunRetention(ctx, 5*time.Millisecond, 1)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(svc.ListSessions(context.Background())) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("retention worker did not stop")
	}
	assert.Positive(t, gw.count("DeleteSessionsNotIn"))
}

func TestRunRetentionDisabled(t *testing.T) {
	svc, gw := newTestService(t)

	// Returns immediately without touching the store.
	svc.RunRetention(context.Background(), 0, 10)
	assert.Zero(t, gw.count("ListSessions"))
}
