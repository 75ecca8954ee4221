package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"portal-messaging/internal/database"
	"portal-messaging/internal/engine/actors"
	"portal-messaging/internal/events"
	"portal-messaging/internal/models"
	"portal-messaging/internal/utils"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/google/uuid"
)

// Options tune the engine; zero values fall back to defaults.
type Options struct {
	RequestTimeout time.Duration
	PersistTimeout time.Duration
	Logger         *slog.Logger
	Clock          func() time.Time
}

// Engine coordinates communication between actors and gives the transport
// layer typed calls instead of raw futures.
type Engine struct {
	system     *actor.ActorSystem
	supervisor *actor.PID
	directory  *actor.PID
	timeout    time.Duration
	dirSub     *eventstream.Subscription
}

func NewEngine(system *actor.ActorSystem, db database.DBAdapter, metrics *utils.MetricsCollector, opts Options) *Engine {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	deps := actors.Deps{
		DB:             db,
		Events:         system.EventStream,
		Metrics:        metrics,
		Logger:         opts.Logger,
		PersistTimeout: opts.PersistTimeout,
		Clock:          opts.Clock,
		Versions:       &actors.Versions{},
	}
	root := system.Root

	// Spawn conversation supervisor
	supervisorProps := actor.PropsFromProducer(func() actor.Actor {
		return actors.NewConversationSupervisor(deps)
	})
	supervisorPID, err := root.SpawnNamed(supervisorProps, "conversations")
	if err != nil {
		supervisorPID = root.Spawn(supervisorProps)
	}

	// Spawn directory actor
	directoryProps := actor.PropsFromProducer(func() actor.Actor {
		return actors.NewDirectoryActor(deps, supervisorPID)
	})
	directoryPID, err := root.SpawnNamed(directoryProps, "directory")
	if err != nil {
		directoryPID = root.Spawn(directoryProps)
	}

	// Store events reach the directory through its mailbox so they are
	// ordered with list requests.
	sub := events.Subscribe(system.EventStream, func(evt *events.Event) {
		root.Send(directoryPID, evt)
	})

	return &Engine{
		system:     system,
		supervisor: supervisorPID,
		directory:  directoryPID,
		timeout:    opts.RequestTimeout,
		dirSub:     sub,
	}
}

// GetSupervisor returns the PID of the conversation supervisor
func (e *Engine) GetSupervisor() *actor.PID {
	return e.supervisor
}

// GetDirectory returns the PID of the directory actor
func (e *Engine) GetDirectory() *actor.PID {
	return e.directory
}

// Events is the stream store events and directory updates are published on.
func (e *Engine) Events() *eventstream.EventStream {
	return e.system.EventStream
}

// Shutdown detaches the directory from the event stream and stops the actors.
func (e *Engine) Shutdown() {
	e.system.EventStream.Unsubscribe(e.dirSub)
	e.system.Root.Stop(e.directory)
	e.system.Root.Stop(e.supervisor)
}

// request sends msg to pid and converts the reply into T or an error. The
// caller's context only shortens the wait; it never cancels the operation.
func request[T any](ctx context.Context, e *Engine, pid *actor.PID, msg interface{}) (T, error) {
	var zero T
	timeout := e.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return zero, utils.NewActorTimeoutError(fmt.Sprintf("%T", msg))
	}

	result, err := e.system.Root.RequestFuture(pid, msg, timeout).Result()
	if err != nil {
		if errors.Is(err, actor.ErrTimeout) {
			return zero, utils.NewActorTimeoutError(fmt.Sprintf("%T", msg))
		}
		return zero, utils.NewAppError(utils.ErrActorNotFound, "actor unavailable", err)
	}

	switch v := result.(type) {
	case *utils.AppError:
		return zero, v
	case T:
		return v, nil
	}
	return zero, utils.NewAppError(utils.ErrMessageRejected, fmt.Sprintf("unexpected reply %T", result), nil)
}

func (e *Engine) OpenConversation(ctx context.Context, msg *actors.OpenConversationMsg) (*models.Conversation, error) {
	return request[*models.Conversation](ctx, e, e.supervisor, msg)
}

func (e *Engine) GetConversation(ctx context.Context, conversationID, viewerID uuid.UUID) (*models.Conversation, error) {
	return request[*models.Conversation](ctx, e, e.supervisor, &actors.GetConversationMsg{
		ConversationID: conversationID,
		ViewerID:       viewerID,
	})
}

func (e *Engine) ArchiveConversation(ctx context.Context, conversationID, actorID uuid.UUID, archived bool) (*models.Conversation, error) {
	return request[*models.Conversation](ctx, e, e.supervisor, &actors.ArchiveConversationMsg{
		ConversationID: conversationID,
		ActorID:        actorID,
		Archived:       archived,
	})
}

// ListConversations is the directory query: the viewer's conversations,
// most recently updated first.
func (e *Engine) ListConversations(ctx context.Context, viewerID uuid.UUID, includeArchived bool) ([]*models.Conversation, error) {
	return request[[]*models.Conversation](ctx, e, e.directory, &actors.ListConversationsMsg{
		ViewerID:        viewerID,
		IncludeArchived: includeArchived,
	})
}

// RefreshConversations drops the viewer's cached directory and loads it again.
func (e *Engine) RefreshConversations(ctx context.Context, viewerID uuid.UUID, includeArchived bool) ([]*models.Conversation, error) {
	return request[[]*models.Conversation](ctx, e, e.directory, &actors.ListConversationsMsg{
		ViewerID:        viewerID,
		IncludeArchived: includeArchived,
		Refresh:         true,
	})
}

func (e *Engine) SendMessage(ctx context.Context, msg *actors.SendMessageMsg) (*models.Message, error) {
	return request[*models.Message](ctx, e, e.supervisor, msg)
}

func (e *Engine) EditMessage(ctx context.Context, messageID, actorID uuid.UUID, content string) (*models.Message, error) {
	return request[*models.Message](ctx, e, e.supervisor, &actors.EditMessageMsg{
		MessageID: messageID,
		ActorID:   actorID,
		Content:   content,
	})
}

func (e *Engine) DeleteMessage(ctx context.Context, messageID, actorID uuid.UUID) (*models.Message, error) {
	return request[*models.Message](ctx, e, e.supervisor, &actors.DeleteMessageMsg{
		MessageID: messageID,
		ActorID:   actorID,
	})
}

func (e *Engine) PinMessage(ctx context.Context, messageID, actorID uuid.UUID, pinned bool) (*models.Message, error) {
	return request[*models.Message](ctx, e, e.supervisor, &actors.PinMessageMsg{
		MessageID: messageID,
		ActorID:   actorID,
		Pinned:    pinned,
	})
}

// AddReaction toggles actorID's emoji on the message.
func (e *Engine) AddReaction(ctx context.Context, messageID, actorID uuid.UUID, emoji string) (*models.Message, error) {
	return request[*models.Message](ctx, e, e.supervisor, &actors.AddReactionMsg{
		MessageID: messageID,
		ActorID:   actorID,
		Emoji:     emoji,
	})
}

func (e *Engine) MarkRead(ctx context.Context, conversationID, readerID uuid.UUID, messageIDs []uuid.UUID) (*actors.ReadReceipt, error) {
	return request[*actors.ReadReceipt](ctx, e, e.supervisor, &actors.MarkReadMsg{
		ConversationID: conversationID,
		ReaderID:       readerID,
		MessageIDs:     messageIDs,
	})
}

func (e *Engine) GetThread(ctx context.Context, msg *actors.GetThreadMsg) (*actors.ThreadPage, error) {
	return request[*actors.ThreadPage](ctx, e, e.supervisor, msg)
}

func (e *Engine) GetPinned(ctx context.Context, conversationID, viewerID uuid.UUID) ([]*models.Message, error) {
	return request[[]*models.Message](ctx, e, e.supervisor, &actors.GetPinnedMsg{
		ConversationID: conversationID,
		ViewerID:       viewerID,
	})
}
