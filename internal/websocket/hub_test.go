package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"portal-messaging/internal/api"
	"portal-messaging/internal/events"
	"portal-messaging/internal/logging"
	"portal-messaging/internal/models"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(nil, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})
	return hub
}

// fakeClient is a registered client without a connection; frames land in Send.
func fakeClient(t *testing.T, hub *Hub, userID uuid.UUID) *Client {
	t.Helper()
	c := NewClient(hub, userID, nil)
	hub.Register <- c
	require.Eventually(t, func() bool { return hub.Connections(userID) > 0 }, time.Second, 5*time.Millisecond)
	return c
}

func receive(t *testing.T, c *Client) api.Frame {
	t.Helper()
	select {
	case raw := <-c.Send:
		var f api.Frame
		require.NoError(t, json.Unmarshal(raw, &f))
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame")
		return api.Frame{}
	}
}

func assertSilent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.Send:
		t.Fatalf("unexpected frame %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubRoutesEventsToSubscribedMembers(t *testing.T) {
	hub := runHub(t)
	stream := actor.NewActorSystem().EventStream
	hub.Attach(stream)
	defer hub.Detach(stream)

	convID := uuid.New()
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	aliceConn := fakeClient(t, hub, alice)
	bobConn := fakeClient(t, hub, bob)
	carolConn := fakeClient(t, hub, carol)
	aliceConn.setSubscribed(convID, true)
	carolConn.setSubscribed(convID, true)

	stream.Publish(&events.Event{
		Kind:           events.MessageCreated,
		ConversationID: convID,
		ActorID:        bob,
		Message:        &models.Message{ID: uuid.New(), ConversationID: convID, Content: "hi"},
		Members:        []uuid.UUID{alice, bob},
	})

	f := receive(t, aliceConn)
	assert.Equal(t, api.FrameEvent, f.Type)
	assert.Equal(t, convID.String(), f.ConversationID)
	var evt events.Event
	require.NoError(t, json.Unmarshal(f.Payload, &evt))
	assert.Equal(t, events.MessageCreated, evt.Kind)
	assert.Nil(t, evt.Members)

	// bob is a member but not subscribed; carol is subscribed but not a member
	assertSilent(t, bobConn)
	assertSilent(t, carolConn)
}

func TestHubDeliversDirectoryUpdatesToViewer(t *testing.T) {
	hub := runHub(t)
	stream := actor.NewActorSystem().EventStream
	hub.Attach(stream)
	defer hub.Detach(stream)

	viewer, other := uuid.New(), uuid.New()
	first := fakeClient(t, hub, viewer)
	second := fakeClient(t, hub, viewer)
	otherConn := fakeClient(t, hub, other)
	require.Equal(t, 2, hub.Connections(viewer))

	conv := &models.Conversation{ID: uuid.New(), UnreadCount: 3}
	stream.Publish(&events.DirectoryUpdate{ViewerID: viewer, Conversation: conv})

	for _, c := range []*Client{first, second} {
		f := receive(t, c)
		assert.Equal(t, api.FrameDirectory, f.Type)
		var update events.DirectoryUpdate
		require.NoError(t, json.Unmarshal(f.Payload, &update))
		assert.Equal(t, 3, update.Conversation.UnreadCount)
	}
	assertSilent(t, otherConn)
}

func TestHubUnregisterClosesSend(t *testing.T) {
	hub := runHub(t)
	userID := uuid.New()
	c := fakeClient(t, hub, userID)

	hub.Unregister <- c
	require.Eventually(t, func() bool { return hub.Connections(userID) == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-c.Send
	assert.False(t, ok)
}

func TestHandleFrameSubscriptions(t *testing.T) {
	hub := NewHub(func(ctx context.Context, userID, conversationID uuid.UUID) error {
		return nil
	}, logging.Discard())
	c := NewClient(hub, uuid.New(), nil)
	convID := uuid.New()

	raw, _ := json.Marshal(api.Frame{Type: api.FrameSubscribe, ConversationID: convID.String()})
	c.handleFrame(raw)
	assert.True(t, c.subscribed(convID))

	raw, _ = json.Marshal(api.Frame{Type: api.FrameUnsubscribe, ConversationID: convID.String()})
	c.handleFrame(raw)
	assert.False(t, c.subscribed(convID))

	c.handleFrame([]byte("{not json"))
	f := api.Frame{}
	require.NoError(t, json.Unmarshal(<-c.Send, &f))
	assert.Equal(t, api.FrameError, f.Type)

	raw, _ = json.Marshal(api.Frame{Type: api.FrameSubscribe, ConversationID: "nope"})
	c.handleFrame(raw)
	require.NoError(t, json.Unmarshal(<-c.Send, &f))
	assert.Equal(t, api.FrameError, f.Type)
	var apiErr api.ErrorResponse
	require.NoError(t, json.Unmarshal(f.Payload, &apiErr))
	assert.Equal(t, "INVALID_INPUT", apiErr.Code)
}
