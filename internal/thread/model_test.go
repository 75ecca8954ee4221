package thread

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"portal-messaging/internal/engine/actors"
	"portal-messaging/internal/events"
	"portal-messaging/internal/models"
	"portal-messaging/internal/utils"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

// fakeBackend stores sends in memory. While gate is set, sends block until
// it is closed.
type fakeBackend struct {
	mu      sync.Mutex
	gate    chan struct{}
	failErr error
	sends   []*actors.SendMessageMsg
	reads   []*actors.GetThreadMsg
	page    *actors.ThreadPage
	now     time.Time
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{now: t0, page: &actors.ThreadPage{}}
}

func (b *fakeBackend) SendMessage(ctx context.Context, msg *actors.SendMessageMsg) (*models.Message, error) {
	b.mu.Lock()
	b.sends = append(b.sends, msg)
	gate := b.gate
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, utils.NewActorTimeoutError("send")
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failErr != nil {
		return nil, b.failErr
	}
	b.now = b.now.Add(time.Second)
	return &models.Message{
		ID:             msg.ClientMessageID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		CreatedAt:      b.now,
		Status:         models.StatusSent,
	}, nil
}

func (b *fakeBackend) GetThread(ctx context.Context, msg *actors.GetThreadMsg) (*actors.ThreadPage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads = append(b.reads, msg)
	if b.failErr != nil {
		return nil, b.failErr
	}
	return b.page, nil
}

func (b *fakeBackend) sent() []*actors.SendMessageMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*actors.SendMessageMsg(nil), b.sends...)
}

func (b *fakeBackend) setFail(err error) {
	b.mu.Lock()
	b.failErr = err
	b.mu.Unlock()
}

func newModel(b *fakeBackend) (*Model, uuid.UUID, uuid.UUID) {
	convID, viewer := uuid.New(), uuid.New()
	return New(convID, viewer, b, WithClock(func() time.Time { return t0.Add(time.Hour) })), convID, viewer
}

func TestSendIsOptimistic(t *testing.T) {
	b := newFakeBackend()
	b.gate = make(chan struct{})
	m, convID, viewer := newModel(b)

	changes := 0
	var mu sync.Mutex
	m.onChange = func() { mu.Lock(); changes++; mu.Unlock() }

	tempID, err := m.Send("  Hello  ", SendOptions{})
	require.NoError(t, err)

	items := m.Items()
	require.Len(t, items, 1)
	assert.True(t, items[0].Local)
	assert.Equal(t, tempID, items[0].Message.ID)
	assert.Equal(t, "Hello", items[0].Message.Content)
	assert.Equal(t, models.StatusPending, items[0].Message.Status)
	assert.Equal(t, viewer, items[0].Message.SenderID)
	assert.Equal(t, 1, m.Pending())

	close(b.gate)
	m.Wait()

	items = m.Items()
	require.Len(t, items, 1)
	assert.False(t, items[0].Local)
	assert.Equal(t, models.StatusSent, items[0].Message.Status)
	assert.Equal(t, "Hello", items[0].Message.Content)
	assert.Equal(t, convID, items[0].Message.ConversationID)

	sends := b.sent()
	require.Len(t, sends, 1)
	assert.Equal(t, sends[0].ClientMessageID, items[0].Message.ID)
	assert.NotEqual(t, tempID, items[0].Message.ID)
	assert.Equal(t, 0, m.Pending())

	mu.Lock()
	assert.GreaterOrEqual(t, changes, 2)
	mu.Unlock()
}

func TestSendRejectsBlankContent(t *testing.T) {
	b := newFakeBackend()
	m, _, _ := newModel(b)

	for _, content := range []string{"", "   ", "\n\t"} {
		_, err := m.Send(content, SendOptions{})
		assert.True(t, utils.IsErrorCode(err, utils.ErrInvalidInput))
	}
	_, err := m.Send("see file", SendOptions{Attachments: []models.Attachment{{Name: "a", URL: "nope"}}})
	assert.True(t, utils.IsErrorCode(err, utils.ErrInvalidInput))

	m.Wait()
	assert.Empty(t, m.Items())
	assert.Empty(t, b.sent())
}

func TestFailedSendIsKeptForRetry(t *testing.T) {
	b := newFakeBackend()
	b.setFail(utils.NewPersistenceError("save message", errors.New("offline")))
	m, _, _ := newModel(b)

	tempID, err := m.Send("Are you there?", SendOptions{})
	require.NoError(t, err)
	m.Wait()

	items := m.Items()
	require.Len(t, items, 1)
	assert.True(t, items[0].Local)
	assert.Equal(t, models.StatusFailed, items[0].Message.Status)
	assert.True(t, utils.IsRetryable(items[0].Err))
	assert.Error(t, m.Err())

	errs := m.TakeErrors()
	require.Len(t, errs, 1)
	assert.Empty(t, m.TakeErrors())

	b.setFail(nil)
	require.True(t, m.Retry(tempID))
	m.Wait()

	items = m.Items()
	require.Len(t, items, 1)
	assert.False(t, items[0].Local)
	assert.Equal(t, models.StatusSent, items[0].Message.Status)

	// the retry reuses the first attempt's id
	sends := b.sent()
	require.Len(t, sends, 2)
	assert.Equal(t, sends[0].ClientMessageID, sends[1].ClientMessageID)

	assert.False(t, m.Retry(tempID))
	assert.False(t, m.Retry(items[0].Message.ID))
}

func TestDiscardOnlyDropsFailedRows(t *testing.T) {
	b := newFakeBackend()
	b.gate = make(chan struct{})
	m, _, _ := newModel(b)

	pendingID, err := m.Send("still going", SendOptions{})
	require.NoError(t, err)
	assert.False(t, m.Discard(pendingID))

	b.setFail(utils.NewPersistenceError("save message", errors.New("offline")))
	close(b.gate)
	m.Wait()

	require.True(t, m.Discard(pendingID))
	assert.Empty(t, m.Items())
	assert.False(t, m.Discard(pendingID))
	assert.False(t, m.Discard(uuid.New()))
}

func TestItemsOrderingAndGrouping(t *testing.T) {
	b := newFakeBackend()
	m, convID, viewer := newModel(b)
	other := uuid.New()

	msg := func(sender uuid.UUID, at time.Duration, id string) *models.Message {
		return &models.Message{
			ID:             uuid.MustParse(id),
			ConversationID: convID,
			SenderID:       sender,
			Content:        "x",
			CreatedAt:      t0.Add(at),
			Status:         models.StatusSent,
		}
	}
	a1 := msg(viewer, 0, "00000000-0000-0000-0000-00000000000a")
	a2 := msg(viewer, time.Minute, "00000000-0000-0000-0000-00000000000b")
	b1 := msg(other, 2*time.Minute, "00000000-0000-0000-0000-00000000000c")
	b2 := msg(other, 2*time.Minute, "00000000-0000-0000-0000-00000000000d")
	a3 := msg(viewer, 20*time.Minute, "00000000-0000-0000-0000-00000000000e")
	a4 := msg(viewer, 21*time.Minute, "00000000-0000-0000-0000-00000000000f")

	// network order differs from creation order
	b.page = &actors.ThreadPage{Messages: []*models.Message{a4, b2, a1, a3, b1, a2}, HasMore: true}
	require.NoError(t, m.Load(context.Background(), 50))
	assert.True(t, m.HasMore())

	items := m.Items()
	require.Len(t, items, 6)
	var got []uuid.UUID
	for _, it := range items {
		got = append(got, it.Message.ID)
	}
	assert.Equal(t, []uuid.UUID{a1.ID, a2.ID, b1.ID, b2.ID, a3.ID, a4.ID}, got)

	first := []bool{true, false, true, false, true, false}
	last := []bool{false, true, false, true, false, true}
	for i, it := range items {
		assert.Equal(t, first[i], it.FirstInGroup, "first in group at %d", i)
		assert.Equal(t, last[i], it.LastInGroup, "last in group at %d", i)
	}
}

func TestApplyEvents(t *testing.T) {
	b := newFakeBackend()
	m, convID, viewer := newModel(b)
	other := uuid.New()

	stored := &models.Message{
		ID:             uuid.New(),
		ConversationID: convID,
		SenderID:       viewer,
		Content:        "Draft attached",
		CreatedAt:      t0,
		Status:         models.StatusSent,
	}
	b.page = &actors.ThreadPage{Messages: []*models.Message{stored}}
	require.NoError(t, m.Load(context.Background(), 0))

	m.Apply(&events.Event{Kind: events.MessagesRead, ConversationID: convID, ActorID: other, MessageIDs: []uuid.UUID{stored.ID}})
	assert.Equal(t, models.StatusRead, m.Items()[0].Message.Status)

	// receipts never move backwards
	m.Apply(&events.Event{Kind: events.MessagesDelivered, ConversationID: convID, MessageIDs: []uuid.UUID{stored.ID}})
	assert.Equal(t, models.StatusRead, m.Items()[0].Message.Status)
	stale := stored.Clone()
	stale.Content = "Draft attached (v2)"
	stale.Edited = true
	m.Apply(&events.Event{Kind: events.MessageEdited, ConversationID: convID, Message: stale})
	item := m.Items()[0]
	assert.Equal(t, models.StatusRead, item.Message.Status)
	assert.Equal(t, "Draft attached (v2)", item.Message.Content)

	incoming := &models.Message{
		ID:             uuid.New(),
		ConversationID: convID,
		SenderID:       other,
		Content:        "Got it",
		CreatedAt:      t0.Add(time.Minute),
		Status:         models.StatusSent,
	}
	m.Apply(&events.Event{Kind: events.MessageCreated, ConversationID: convID, Message: incoming})
	m.Apply(&events.Event{Kind: events.MessageCreated, ConversationID: uuid.New(), Message: &models.Message{ID: uuid.New(), CreatedAt: t0}})
	assert.Len(t, m.Items(), 2)

	deleted := incoming.Clone()
	at := t0.Add(2 * time.Minute)
	deleted.DeletedAt = &at
	m.Apply(&events.Event{Kind: events.MessageDeleted, ConversationID: convID, Message: deleted})
	items := m.Items()
	require.Len(t, items, 1)
	assert.Equal(t, stored.ID, items[0].Message.ID)
}

func TestEventBeforeReplyReconcilesOnce(t *testing.T) {
	b := newFakeBackend()
	b.gate = make(chan struct{})
	m, convID, viewer := newModel(b)

	_, err := m.Send("racing the stream", SendOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(b.sent()) == 1 }, time.Second, 5*time.Millisecond)
	clientID := b.sent()[0].ClientMessageID

	m.Apply(&events.Event{Kind: events.MessageCreated, ConversationID: convID, Message: &models.Message{
		ID:             clientID,
		ConversationID: convID,
		SenderID:       viewer,
		Content:        "racing the stream",
		CreatedAt:      t0,
		Status:         models.StatusSent,
	}})
	items := m.Items()
	require.Len(t, items, 1)
	assert.False(t, items[0].Local)

	close(b.gate)
	m.Wait()
	items = m.Items()
	require.Len(t, items, 1)
	assert.Equal(t, clientID, items[0].Message.ID)
}

func TestLoadOlderPagesBackwards(t *testing.T) {
	b := newFakeBackend()
	m, convID, _ := newModel(b)

	// nothing loaded yet falls back to the latest page
	require.NoError(t, m.LoadOlder(context.Background(), 10))

	newest := &models.Message{ID: uuid.New(), ConversationID: convID, SenderID: uuid.New(), Content: "new", CreatedAt: t0.Add(time.Hour), Status: models.StatusSent}
	b.page = &actors.ThreadPage{Messages: []*models.Message{newest}, HasMore: true}
	require.NoError(t, m.Load(context.Background(), 10))

	older := &models.Message{ID: uuid.New(), ConversationID: convID, SenderID: uuid.New(), Content: "old", CreatedAt: t0, Status: models.StatusSent}
	b.page = &actors.ThreadPage{Messages: []*models.Message{older}}
	require.NoError(t, m.LoadOlder(context.Background(), 10))

	require.Len(t, b.reads, 3)
	assert.True(t, b.reads[0].Before.IsZero())
	assert.True(t, b.reads[2].Before.Equal(newest.CreatedAt))
	assert.False(t, m.HasMore())
	assert.Len(t, m.Items(), 2)
}

func TestLoadFailureIsSurfaced(t *testing.T) {
	b := newFakeBackend()
	b.setFail(utils.NewConversationNotFoundError("c"))
	m, _, _ := newModel(b)

	err := m.Load(context.Background(), 10)
	assert.True(t, utils.IsNotFound(err))
	assert.Equal(t, err, m.Err())
}
