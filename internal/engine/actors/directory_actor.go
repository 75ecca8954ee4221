package actors

import (
	"fmt"
	"log/slog"
	"time"

	"portal-messaging/internal/events"
	"portal-messaging/internal/models"
	"portal-messaging/internal/utils"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
)

// DirectoryActor answers ListConversationsMsg. A viewer's entries are loaded
// on first use from the conversation actors and then replaced by the newer
// states that store events announce. Entries are whole states, never deltas,
// so an event that a load already reflects is simply skipped by version.
type DirectoryActor struct {
	deps          Deps
	conversations *actor.PID
	viewers       map[uuid.UUID]map[uuid.UUID]*models.Conversation
	logger        *slog.Logger
}

// NewDirectoryActor builds the directory. conversations is the supervisor
// that per-viewer views are requested from; without it entries come from
// the store alone.
func NewDirectoryActor(deps Deps, conversations *actor.PID) actor.Actor {
	deps = deps.withDefaults()
	return &DirectoryActor{
		deps:          deps,
		conversations: conversations,
		viewers:       make(map[uuid.UUID]map[uuid.UUID]*models.Conversation),
		logger:        deps.Logger.With("component", "directory"),
	}
}

func (d *DirectoryActor) Receive(context actor.Context) {
	switch msg := context.Message().(type) {
	case *actor.Started:
		d.logger.Info("directory started", "pid", context.Self())

	case *ListConversationsMsg:
		startTime := time.Now()
		convs, err := d.list(context, msg)
		d.deps.Metrics.AddOperationLatency("list_conversations", time.Since(startTime))
		if err != nil {
			context.Respond(toAppError(err))
			return
		}
		context.Respond(convs)

	case *events.Event:
		d.apply(msg)
	}
}

func (d *DirectoryActor) list(context actor.Context, msg *ListConversationsMsg) ([]*models.Conversation, error) {
	if msg.ViewerID == uuid.Nil {
		return nil, utils.NewUnauthorizedError("no authenticated viewer")
	}

	entries, ok := d.viewers[msg.ViewerID]
	if !ok || msg.Refresh {
		loaded, err := d.load(context, msg.ViewerID)
		if err != nil {
			return nil, err
		}
		entries = loaded
		d.viewers[msg.ViewerID] = entries
	}

	out := make([]*models.Conversation, 0, len(entries))
	for _, c := range entries {
		if c.Archived && !msg.IncludeArchived {
			continue
		}
		out = append(out, c.Clone())
	}
	models.SortConversations(out)
	return out, nil
}

// load asks the store which conversations the viewer belongs to and each
// conversation actor for the viewer's current state. The requests go out
// together and are awaited in turn.
func (d *DirectoryActor) load(context actor.Context, viewerID uuid.UUID) (map[uuid.UUID]*models.Conversation, error) {
	ctx, cancel := d.deps.persistCtx()
	defer cancel()
	rows, err := d.deps.DB.ListConversations(ctx, viewerID, true)
	if err != nil {
		return nil, err
	}

	futures := make([]*actor.Future, len(rows))
	if d.conversations != nil {
		for i, row := range rows {
			futures[i] = context.RequestFuture(d.conversations, &GetConversationMsg{
				ConversationID: row.ID,
				ViewerID:       viewerID,
			}, d.deps.PersistTimeout)
		}
	}

	entries := make(map[uuid.UUID]*models.Conversation, len(rows))
	for i, row := range rows {
		entries[row.ID] = row
		if futures[i] == nil {
			continue
		}
		view, err := awaitConversation(futures[i])
		if err != nil {
			// the stored row is correct but unversioned; the next event replaces it
			d.logger.Warn("using stored directory entry", "conversation_id", row.ID, "error", err)
			continue
		}
		entries[row.ID] = view
	}
	return entries, nil
}

func awaitConversation(f *actor.Future) (*models.Conversation, error) {
	res, err := f.Result()
	if err != nil {
		return nil, err
	}
	switch v := res.(type) {
	case *models.Conversation:
		return v, nil
	case *utils.AppError:
		return nil, v
	}
	return nil, fmt.Errorf("unexpected reply %T", res)
}

// apply replaces the cached entries of the members an event concerns when
// the event is newer, and announces every replaced entry.
func (d *DirectoryActor) apply(evt *events.Event) {
	for _, viewerID := range evt.Members {
		entries, ok := d.viewers[viewerID]
		if !ok {
			// loaded on first list
			continue
		}
		if current, ok := entries[evt.ConversationID]; ok && current.Version >= evt.Version {
			continue
		}
		view := evt.ViewFor(viewerID)
		if view == nil {
			continue
		}
		entries[view.ID] = view
		d.deps.publish(&events.DirectoryUpdate{ViewerID: viewerID, Conversation: view.Clone()})
	}
}
