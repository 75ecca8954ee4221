package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"portal-messaging/internal/database"
	"portal-messaging/internal/engine/actors"
	"portal-messaging/internal/models"
	"portal-messaging/internal/thread"
	"portal-messaging/internal/utils"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tickingClock advances one millisecond per reading so every mutation gets a
// distinct timestamp.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	system := actor.NewActorSystem()
	eng := NewEngine(system, database.NewMemoryDB(), utils.NewMetricsCollector(nil), Options{
		RequestTimeout: 5 * time.Second,
		Clock:          tickingClock(),
	})
	t.Cleanup(eng.Shutdown)
	return eng
}

func openConversation(t *testing.T, eng *Engine, employer, participant uuid.UUID) *models.Conversation {
	t.Helper()
	conv, err := eng.OpenConversation(context.Background(), &actors.OpenConversationMsg{
		ActorID:       employer,
		ProjectID:     uuid.New(),
		ProjectTitle:  "Data pipeline audit",
		EmployerID:    employer,
		ParticipantID: participant,
	})
	require.NoError(t, err)
	return conv
}

// Sending from the thread view shows a pending row, resolves it to sent and
// moves the conversation's directory entry.
func TestSendHelloScenario(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	alice, bob := uuid.New(), uuid.New()
	conv := openConversation(t, eng, alice, bob)

	before, err := eng.ListConversations(ctx, bob, false)
	require.NoError(t, err)
	require.Len(t, before, 1)
	assert.Nil(t, before[0].LastMessage)

	view := thread.New(conv.ID, alice, eng)
	view.Attach(eng.Events())
	defer view.Close()

	_, err = view.Send("Hello", thread.SendOptions{})
	require.NoError(t, err)
	items := view.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "Hello", items[0].Message.Content)
	assert.Contains(t, []models.DeliveryStatus{models.StatusPending, models.StatusSent}, items[0].Message.Status)

	view.Wait()
	items = view.Items()
	require.Len(t, items, 1)
	assert.Equal(t, models.StatusSent, items[0].Message.Status)
	assert.False(t, items[0].Local)
	assert.NotEqual(t, uuid.Nil, items[0].Message.ID)

	after, err := eng.ListConversations(ctx, bob, false)
	require.NoError(t, err)
	require.Len(t, after, 1)
	require.NotNil(t, after[0].LastMessage)
	assert.Equal(t, "Hello", after[0].LastMessage.Content)
	assert.Equal(t, items[0].Message.ID, after[0].LastMessage.MessageID)
	assert.True(t, after[0].UpdatedAt.After(before[0].UpdatedAt))
	assert.Equal(t, 1, after[0].UnreadCount)
}

// Reacting twice with the same emoji toggles the reaction off again.
func TestReactTwiceTogglesScenario(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	alice, bob := uuid.New(), uuid.New()
	conv := openConversation(t, eng, alice, bob)

	m1, err := eng.SendMessage(ctx, &actors.SendMessageMsg{ConversationID: conv.ID, SenderID: alice, Content: "Kickoff at 10"})
	require.NoError(t, err)

	first, err := eng.AddReaction(ctx, m1.ID, bob, "👍")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"👍": 1}, first.ReactionCounts())

	second, err := eng.AddReaction(ctx, m1.ID, bob, "👍")
	require.NoError(t, err)
	assert.Empty(t, second.ReactionCounts())
	assert.False(t, second.HasReaction(bob, "👍"))
}

func TestMarkReadDecreasesUnreadByCount(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	alice, bob := uuid.New(), uuid.New()
	conv := openConversation(t, eng, alice, bob)

	var sent []*models.Message
	for _, text := range []string{"one", "two", "three"} {
		msg, err := eng.SendMessage(ctx, &actors.SendMessageMsg{ConversationID: conv.ID, SenderID: alice, Content: text})
		require.NoError(t, err)
		sent = append(sent, msg)
	}

	unread := func() int {
		convs, err := eng.ListConversations(ctx, bob, false)
		require.NoError(t, err)
		require.Len(t, convs, 1)
		return convs[0].UnreadCount
	}
	require.Equal(t, 3, unread())

	receipt, err := eng.MarkRead(ctx, conv.ID, bob, []uuid.UUID{sent[0].ID, sent[1].ID})
	require.NoError(t, err)
	assert.Equal(t, 2, receipt.Count)
	assert.Equal(t, 1, unread())

	receipt, err = eng.MarkRead(ctx, conv.ID, bob, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, receipt.Count)
	assert.Equal(t, 0, unread())

	receipt, err = eng.MarkRead(ctx, conv.ID, bob, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, receipt.Count)
	assert.Equal(t, 0, unread())

	refreshed, err := eng.RefreshConversations(ctx, bob, false)
	require.NoError(t, err)
	assert.Equal(t, 0, refreshed[0].UnreadCount)
}

func TestEngineMessageLifecycle(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	alice, bob := uuid.New(), uuid.New()
	conv := openConversation(t, eng, alice, bob)

	msg, err := eng.SendMessage(ctx, &actors.SendMessageMsg{ConversationID: conv.ID, SenderID: alice, Content: "  Invoice #12 attached  "})
	require.NoError(t, err)
	assert.Equal(t, "Invoice #12 attached", msg.Content)

	_, err = eng.EditMessage(ctx, msg.ID, bob, "not yours")
	assert.True(t, utils.IsErrorCode(err, utils.ErrUnauthorized))

	edited, err := eng.EditMessage(ctx, msg.ID, alice, "Invoice #13 attached")
	require.NoError(t, err)
	assert.True(t, edited.Edited)
	assert.False(t, edited.EditedAt.Before(edited.CreatedAt))

	pinned, err := eng.PinMessage(ctx, msg.ID, bob, true)
	require.NoError(t, err)
	assert.True(t, pinned.Pinned)
	pins, err := eng.GetPinned(ctx, conv.ID, bob)
	require.NoError(t, err)
	require.Len(t, pins, 1)

	deleted, err := eng.DeleteMessage(ctx, msg.ID, alice)
	require.NoError(t, err)
	again, err := eng.DeleteMessage(ctx, msg.ID, alice)
	require.NoError(t, err)
	assert.True(t, deleted.DeletedAt.Equal(*again.DeletedAt))

	_, err = eng.EditMessage(ctx, msg.ID, alice, "too late")
	assert.True(t, utils.IsErrorCode(err, utils.ErrMessageNotFound))

	page, err := eng.GetThread(ctx, &actors.GetThreadMsg{ConversationID: conv.ID, ViewerID: bob})
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	pins, err = eng.GetPinned(ctx, conv.ID, bob)
	require.NoError(t, err)
	assert.Empty(t, pins)

	_, err = eng.SendMessage(ctx, &actors.SendMessageMsg{ConversationID: conv.ID, SenderID: alice, Content: "   "})
	assert.True(t, utils.IsErrorCode(err, utils.ErrInvalidInput))

	got, err := eng.GetConversation(ctx, conv.ID, bob)
	require.NoError(t, err)
	assert.Nil(t, got.LastMessage)

	archived, err := eng.ArchiveConversation(ctx, conv.ID, bob, true)
	require.NoError(t, err)
	assert.True(t, archived.Archived)
	list, err := eng.ListConversations(ctx, bob, false)
	require.NoError(t, err)
	assert.Empty(t, list)
}

// Two views of the same conversation converge through the event stream.
func TestThreadViewsConverge(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	alice, bob := uuid.New(), uuid.New()
	conv := openConversation(t, eng, alice, bob)

	aliceView := thread.New(conv.ID, alice, eng)
	bobView := thread.New(conv.ID, bob, eng)
	aliceView.Attach(eng.Events())
	bobView.Attach(eng.Events())
	defer aliceView.Close()
	defer bobView.Close()

	for _, text := range []string{"first", "second", "third"} {
		_, err := aliceView.Send(text, thread.SendOptions{})
		require.NoError(t, err)
	}
	aliceView.Wait()

	require.NoError(t, bobView.Load(ctx, 50))
	_, err := eng.MarkRead(ctx, conv.ID, bob, nil)
	require.NoError(t, err)

	contents := func(items []thread.Item) []string {
		var out []string
		for _, it := range items {
			out = append(out, it.Message.Content)
		}
		return out
	}
	assert.Equal(t, contents(aliceView.Items()), contents(bobView.Items()))
	assert.Len(t, aliceView.Items(), 3)
	for _, it := range aliceView.Items() {
		assert.Equal(t, models.StatusRead, it.Message.Status)
	}
}

func TestRequestTimesOutWithExpiredContext(t *testing.T) {
	eng := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := eng.ListConversations(ctx, uuid.New(), false)
	assert.True(t, utils.IsErrorCode(err, utils.ErrActorTimeout))
}
