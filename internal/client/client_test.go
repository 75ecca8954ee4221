package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"portal-messaging/internal/config"
	"portal-messaging/internal/database"
	"portal-messaging/internal/engine"
	"portal-messaging/internal/engine/actors"
	"portal-messaging/internal/events"
	"portal-messaging/internal/handlers"
	"portal-messaging/internal/middleware"
	"portal-messaging/internal/models"
	"portal-messaging/internal/thread"
	"portal-messaging/internal/utils"
	"portal-messaging/internal/websocket"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{Server: config.DefaultConfig(), AllowedOrigins: []string{"*"}, Debug: true}
	reg := prometheus.NewRegistry()
	metrics := utils.NewMetricsCollector(reg)
	eng := engine.NewEngine(actor.NewActorSystem(), database.NewMemoryDB(), metrics, engine.Options{})
	hub := websocket.NewHub(func(ctx context.Context, userID, conversationID uuid.UUID) error {
		_, err := eng.GetConversation(ctx, conversationID, userID)
		return err
	}, nil)
	hub.Attach(eng.Events())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	auth := middleware.NewAuthenticator("client-test-secret", "portal-messaging", time.Hour)
	server := handlers.NewServer(cfg, eng, metrics, auth, hub, nil)
	server.Gatherer = reg
	srv := httptest.NewServer(server.Router(nil))
	t.Cleanup(func() {
		srv.Close()
		hub.Detach(eng.Events())
		cancel()
		<-hub.Done()
		eng.Shutdown()
	})
	return srv
}

func login(t *testing.T, anon *Client, userID uuid.UUID) *Client {
	t.Helper()
	tok, err := anon.DevToken(context.Background(), userID)
	require.NoError(t, err)
	require.Equal(t, userID.String(), tok.UserID)
	return anon.WithToken(tok.Token)
}

func nextEvent(t *testing.T, s *Stream, kind events.Kind) *events.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case evt, ok := <-s.Events():
			require.True(t, ok, "stream closed")
			if evt.Kind == kind {
				return evt
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
			return nil
		}
	}
}

func TestClientAgainstServer(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t)
	anon := New(srv.URL, "", srv.Client())

	health, err := anon.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)

	_, err = anon.ListConversations(ctx, false, false)
	assert.True(t, utils.IsErrorCode(err, utils.ErrUnauthorized))

	employerID, workerID := uuid.New(), uuid.New()
	employer := login(t, anon, employerID)
	worker := login(t, anon, workerID)

	conv, err := employer.OpenConversation(ctx, &actors.OpenConversationMsg{
		ProjectID:     uuid.New(),
		ProjectTitle:  "Landing page copy",
		EmployerID:    employerID,
		ParticipantID: workerID,
	})
	require.NoError(t, err)
	assert.Equal(t, employerID, conv.EmployerID)

	convs, err := worker.ListConversations(ctx, false, false)
	require.NoError(t, err)
	require.Len(t, convs, 1)

	stream, err := worker.Dial(ctx)
	require.NoError(t, err)
	defer stream.Close()
	require.NoError(t, stream.Subscribe(conv.ID))
	// frames are handled in order; the rejection proves the first subscribe landed
	require.NoError(t, stream.Subscribe(uuid.New()))
	select {
	case err := <-stream.Errors():
		assert.True(t, utils.IsErrorCode(err, utils.ErrConversationNotFound), "got %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("no subscription error")
	}

	// the employer's thread view sends through the HTTP client
	view := thread.New(conv.ID, employerID, employer)
	_, err = view.Send("Draft is ready for review", thread.SendOptions{})
	require.NoError(t, err)
	view.Wait()
	items := view.Items()
	require.Len(t, items, 1)
	assert.Equal(t, models.StatusSent, items[0].Message.Status)
	sentID := items[0].Message.ID

	evt := nextEvent(t, stream, events.MessageCreated)
	assert.Equal(t, sentID, evt.Message.ID)

	select {
	case update := <-stream.Directory():
		assert.Equal(t, workerID, update.ViewerID)
		assert.Equal(t, 1, update.Conversation.UnreadCount)
	case <-time.After(3 * time.Second):
		t.Fatal("no directory update")
	}

	// the worker's view mirrors the stream
	workerView := thread.New(conv.ID, workerID, worker)
	require.NoError(t, workerView.Load(ctx, 20))
	require.Len(t, workerView.Items(), 1)

	reacted, err := worker.AddReaction(ctx, sentID, "👀")
	require.NoError(t, err)
	assert.True(t, reacted.HasReaction(workerID, "👀"))
	workerView.Apply(nextEvent(t, stream, events.ReactionChanged))
	assert.Equal(t, map[string]int{"👀": 1}, workerView.Items()[0].Message.ReactionCounts())

	_, err = worker.EditMessage(ctx, sentID, "not mine")
	assert.True(t, utils.IsErrorCode(err, utils.ErrUnauthorized))

	edited, err := employer.EditMessage(ctx, sentID, "Final draft is ready")
	require.NoError(t, err)
	workerView.Apply(nextEvent(t, stream, events.MessageEdited))
	assert.Equal(t, edited.Content, workerView.Items()[0].Message.Content)

	receipt, err := worker.MarkRead(ctx, conv.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, receipt.Count)

	pinned, err := worker.PinMessage(ctx, sentID, true)
	require.NoError(t, err)
	assert.True(t, pinned.Pinned)
	pins, err := employer.GetPinned(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, pins, 1)

	_, err = employer.DeleteMessage(ctx, sentID)
	require.NoError(t, err)
	workerView.Apply(nextEvent(t, stream, events.MessageDeleted))
	assert.Empty(t, workerView.Items())

	archived, err := worker.ArchiveConversation(ctx, conv.ID, true)
	require.NoError(t, err)
	assert.True(t, archived.Archived)
	convs, err = worker.ListConversations(ctx, true, true)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.True(t, convs[0].Archived)
}

func TestDialRejectsBadToken(t *testing.T) {
	srv := startServer(t)
	_, err := New(srv.URL, "garbage", srv.Client()).Dial(context.Background())
	require.Error(t, err)
	assert.True(t, utils.IsErrorCode(err, utils.ErrInvalidToken), "got %v", err)
}
