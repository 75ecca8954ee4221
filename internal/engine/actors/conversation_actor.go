package actors

import (
	stdctx "context"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"portal-messaging/internal/database"
	"portal-messaging/internal/events"
	"portal-messaging/internal/models"
	"portal-messaging/internal/utils"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
)

// Deps are the collaborators shared by the store actors.
type Deps struct {
	DB             database.DBAdapter
	Events         events.Publisher
	Metrics        *utils.MetricsCollector
	Logger         *slog.Logger
	PersistTimeout time.Duration
	// Clock defaults to the wall clock in UTC, truncated to milliseconds so
	// every backend round-trips timestamps unchanged.
	Clock func() time.Time
	// Versions is shared by every conversation actor of one engine.
	Versions *Versions
}

// Versions hands out strictly increasing conversation versions.
type Versions struct {
	n atomic.Uint64
}

func (v *Versions) Next() uint64 {
	return v.n.Add(1)
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = utils.NewMetricsCollector(nil)
	}
	if d.PersistTimeout <= 0 {
		d.PersistTimeout = 4 * time.Second
	}
	if d.Clock == nil {
		d.Clock = func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }
	}
	if d.Versions == nil {
		d.Versions = &Versions{}
	}
	return d
}

// persistCtx bounds a persistence call. It is derived from Background so a
// caller giving up on its request never abandons a write half way.
func (d Deps) persistCtx() (stdctx.Context, stdctx.CancelFunc) {
	return stdctx.WithTimeout(stdctx.Background(), d.PersistTimeout)
}

func (d Deps) publish(evt interface{}) {
	if d.Events != nil {
		d.Events.Publish(evt)
	}
}

// ConversationActor owns the ordered message log of one conversation. All
// mutations of the log go through it, one at a time.
type ConversationActor struct {
	deps Deps
	conv *models.Conversation
	log  []*models.Message
	byID map[uuid.UUID]*models.Message
	// reads maps a message to the members who have read it.
	reads   map[uuid.UUID]map[uuid.UUID]bool
	version uint64
	loaded  bool
	logger  *slog.Logger
}

func NewConversationActor(conv *models.Conversation, deps Deps) actor.Actor {
	deps = deps.withDefaults()
	return &ConversationActor{
		deps:   deps,
		conv:   conv,
		byID:   make(map[uuid.UUID]*models.Message),
		reads:  make(map[uuid.UUID]map[uuid.UUID]bool),
		logger: deps.Logger.With("component", "conversation", "conversation_id", conv.ID),
	}
}

func (a *ConversationActor) Receive(context actor.Context) {
	switch msg := context.Message().(type) {
	case *actor.Started:
		context.Send(context.Self(), &loadConversationMsg{})

	case *actor.Restarting:
		a.loaded = false

	case *loadConversationMsg:
		if err := a.ensureLoaded(); err != nil {
			a.logger.Warn("initial load failed, retrying on next request", "error", err)
		}

	case *SendMessageMsg:
		a.handle(context, "send_message", func() (interface{}, error) { return a.handleSend(msg) })
	case *EditMessageMsg:
		a.handle(context, "edit_message", func() (interface{}, error) { return a.handleEdit(msg) })
	case *DeleteMessageMsg:
		a.handle(context, "delete_message", func() (interface{}, error) { return a.handleDelete(msg) })
	case *PinMessageMsg:
		a.handle(context, "pin_message", func() (interface{}, error) { return a.handlePin(msg) })
	case *AddReactionMsg:
		a.handle(context, "add_reaction", func() (interface{}, error) { return a.handleReaction(msg) })
	case *MarkReadMsg:
		a.handle(context, "mark_read", func() (interface{}, error) { return a.handleMarkRead(msg) })
	case *GetThreadMsg:
		a.handle(context, "get_thread", func() (interface{}, error) { return a.handleGetThread(msg) })
	case *GetPinnedMsg:
		a.handle(context, "get_pinned", func() (interface{}, error) { return a.handleGetPinned(msg) })
	case *GetConversationMsg:
		a.handle(context, "get_conversation", func() (interface{}, error) { return a.handleGetConversation(msg) })
	case *ArchiveConversationMsg:
		a.handle(context, "archive_conversation", func() (interface{}, error) { return a.handleArchive(msg) })
	}
}

// handle loads the log if needed, runs fn and responds with its result or
// its *utils.AppError.
func (a *ConversationActor) handle(context actor.Context, op string, fn func() (interface{}, error)) {
	startTime := time.Now()
	defer func() { a.deps.Metrics.AddOperationLatency(op, time.Since(startTime)) }()

	if err := a.ensureLoaded(); err != nil {
		context.Respond(toAppError(err))
		return
	}
	result, err := fn()
	if err != nil {
		a.logger.Debug("operation rejected", "op", op, "error", err)
		context.Respond(toAppError(err))
		return
	}
	context.Respond(result)
}

func (a *ConversationActor) ensureLoaded() error {
	if a.loaded {
		return nil
	}
	ctx, cancel := a.deps.persistCtx()
	defer cancel()

	conv, err := a.deps.DB.GetConversation(ctx, a.conv.ID)
	if err != nil {
		return err
	}
	messages, err := a.deps.DB.GetConversationMessages(ctx, a.conv.ID)
	if err != nil {
		return err
	}
	receipts, err := a.deps.DB.GetReadReceipts(ctx, a.conv.ID)
	if err != nil {
		return err
	}

	models.SortMessages(messages)
	a.conv = conv
	a.log = messages
	a.byID = make(map[uuid.UUID]*models.Message, len(messages))
	for _, m := range messages {
		a.byID[m.ID] = m
	}
	a.reads = make(map[uuid.UUID]map[uuid.UUID]bool, len(receipts))
	for messageID, readers := range receipts {
		for _, reader := range readers {
			a.recordReads(reader, messageID)
		}
	}
	a.version = a.deps.Versions.Next()
	a.loaded = true
	a.logger.Debug("conversation loaded", "messages", len(messages))
	return nil
}

func (a *ConversationActor) requireMember(userID uuid.UUID) error {
	if userID == uuid.Nil {
		return utils.NewUnauthorizedError("no authenticated actor")
	}
	if !a.conv.IsMember(userID) {
		return utils.NewUnauthorizedError("not a member of this conversation")
	}
	return nil
}

// activeMessage returns the stored message when it exists and is not deleted.
func (a *ConversationActor) activeMessage(id uuid.UUID) (*models.Message, error) {
	m, ok := a.byID[id]
	if !ok || m.IsDeleted() {
		return nil, utils.NewMessageNotFoundError(id.String())
	}
	return m, nil
}

// swap replaces a stored message with its persisted successor.
func (a *ConversationActor) swap(next *models.Message) {
	for i, m := range a.log {
		if m.ID == next.ID {
			a.log[i] = next
			break
		}
	}
	a.byID[next.ID] = next
}

func (a *ConversationActor) insert(m *models.Message) {
	i := sort.Search(len(a.log), func(i int) bool { return models.Less(m, a.log[i]) })
	a.log = append(a.log, nil)
	copy(a.log[i+1:], a.log[i:])
	a.log[i] = m
	a.byID[m.ID] = m
}

func (a *ConversationActor) recordReads(readerID uuid.UUID, ids ...uuid.UUID) {
	for _, id := range ids {
		if a.reads[id] == nil {
			a.reads[id] = make(map[uuid.UUID]bool)
		}
		a.reads[id][readerID] = true
	}
}

// unreadFor counts the active messages of others that viewerID has not read.
func (a *ConversationActor) unreadFor(viewerID uuid.UUID) int {
	n := 0
	for _, m := range a.log {
		if m.SenderID != viewerID && !m.IsDeleted() && !a.reads[m.ID][viewerID] {
			n++
		}
	}
	return n
}

// event describes the state after a mutation under a fresh version.
func (a *ConversationActor) event(kind events.Kind, actorID uuid.UUID) *events.Event {
	a.version = a.deps.Versions.Next()
	members := a.conv.MemberIDs()
	unread := make(map[uuid.UUID]int, len(members))
	for _, id := range members {
		unread[id] = a.unreadFor(id)
	}
	return &events.Event{
		Kind:           kind,
		ConversationID: a.conv.ID,
		ActorID:        actorID,
		Members:        members,
		LastMessage:    models.LastActive(a.log),
		Conversation:   a.conv.Clone(),
		Version:        a.version,
		Unread:         unread,
		At:             a.deps.Clock(),
	}
}

func (a *ConversationActor) handleSend(msg *SendMessageMsg) (*models.Message, error) {
	if err := a.requireMember(msg.SenderID); err != nil {
		return nil, err
	}
	if msg.ClientMessageID != uuid.Nil {
		if existing, ok := a.byID[msg.ClientMessageID]; ok {
			if existing.SenderID != msg.SenderID {
				return nil, utils.NewAppError(utils.ErrDuplicate, "message id already in use", nil)
			}
			return existing.Clone(), nil
		}
	}

	content, err := models.NormalizeContent(msg.Content)
	if err != nil {
		return nil, err
	}
	if err := models.ValidateAttachments(msg.Attachments); err != nil {
		return nil, err
	}

	var replyTo *uuid.UUID
	if msg.ReplyToID != nil {
		parent, err := a.activeMessage(*msg.ReplyToID)
		if err != nil {
			return nil, err
		}
		// threads stay one level deep
		root := parent.ID
		if parent.ReplyToID != nil {
			root = *parent.ReplyToID
		}
		replyTo = &root
	}

	id := msg.ClientMessageID
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := a.deps.Clock()
	if n := len(a.log); n > 0 && now.Before(a.log[n-1].CreatedAt) {
		// keep creation order equal to arrival order when the clock steps back
		now = a.log[n-1].CreatedAt
	}
	message := &models.Message{
		ID:             id,
		ConversationID: a.conv.ID,
		SenderID:       msg.SenderID,
		SenderRole:     a.conv.RoleOf(msg.SenderID),
		Content:        content,
		CreatedAt:      now,
		ReplyToID:      replyTo,
		Reactions:      []models.Reaction{},
		Attachments:    append([]models.Attachment{}, msg.Attachments...),
		Status:         models.StatusSent,
	}

	ctx, cancel := a.deps.persistCtx()
	defer cancel()
	if err := a.deps.DB.SaveMessage(ctx, message); err != nil {
		return nil, err
	}
	if err := a.deps.DB.TouchConversation(ctx, a.conv.ID, now); err != nil {
		// the message is stored; the list order catches up on the next touch
		a.logger.Warn("failed to bump conversation", "error", err)
	}

	a.insert(message)
	if now.After(a.conv.UpdatedAt) {
		a.conv.UpdatedAt = now
	}

	evt := a.event(events.MessageCreated, msg.SenderID)
	evt.Message = message.Clone()
	a.deps.publish(evt)

	a.logger.Info("message sent", "message_id", message.ID, "sender_id", message.SenderID)
	return message.Clone(), nil
}

func (a *ConversationActor) handleEdit(msg *EditMessageMsg) (*models.Message, error) {
	if err := a.requireMember(msg.ActorID); err != nil {
		return nil, err
	}
	current, err := a.activeMessage(msg.MessageID)
	if err != nil {
		return nil, err
	}
	if current.SenderID != msg.ActorID {
		return nil, utils.NewUnauthorizedError("only the sender can edit a message")
	}
	content, err := models.NormalizeContent(msg.Content)
	if err != nil {
		return nil, err
	}

	editedAt := a.deps.Clock()
	if editedAt.Before(current.CreatedAt) {
		editedAt = current.CreatedAt
	}
	next := current.Clone()
	next.Content = content
	next.Edited = true
	next.EditedAt = &editedAt

	ctx, cancel := a.deps.persistCtx()
	defer cancel()
	if err := a.deps.DB.UpdateMessageContent(ctx, next.ID, msg.ActorID, content, editedAt); err != nil {
		return nil, err
	}
	a.swap(next)

	evt := a.event(events.MessageEdited, msg.ActorID)
	evt.Message = next.Clone()
	a.deps.publish(evt)
	return next.Clone(), nil
}

func (a *ConversationActor) handleDelete(msg *DeleteMessageMsg) (*models.Message, error) {
	if err := a.requireMember(msg.ActorID); err != nil {
		return nil, err
	}
	current, ok := a.byID[msg.MessageID]
	if !ok {
		return nil, utils.NewMessageNotFoundError(msg.MessageID.String())
	}
	if current.SenderID != msg.ActorID {
		return nil, utils.NewUnauthorizedError("only the sender can delete a message")
	}
	if current.IsDeleted() {
		return current.Clone(), nil
	}

	deletedAt := a.deps.Clock()
	next := current.Clone()
	next.DeletedAt = &deletedAt

	ctx, cancel := a.deps.persistCtx()
	defer cancel()
	if err := a.deps.DB.SoftDeleteMessage(ctx, next.ID, msg.ActorID, deletedAt); err != nil {
		return nil, err
	}
	a.swap(next)

	evt := a.event(events.MessageDeleted, msg.ActorID)
	evt.Message = next.Clone()
	a.deps.publish(evt)
	return next.Clone(), nil
}

func (a *ConversationActor) handlePin(msg *PinMessageMsg) (*models.Message, error) {
	if err := a.requireMember(msg.ActorID); err != nil {
		return nil, err
	}
	current, err := a.activeMessage(msg.MessageID)
	if err != nil {
		return nil, err
	}
	if current.Pinned == msg.Pinned {
		return current.Clone(), nil
	}

	next := current.Clone()
	next.Pinned = msg.Pinned

	ctx, cancel := a.deps.persistCtx()
	defer cancel()
	if err := a.deps.DB.SetMessagePinned(ctx, next.ID, msg.Pinned); err != nil {
		return nil, err
	}
	a.swap(next)

	evt := a.event(events.MessagePinned, msg.ActorID)
	evt.Message = next.Clone()
	a.deps.publish(evt)
	return next.Clone(), nil
}

func (a *ConversationActor) handleReaction(msg *AddReactionMsg) (*models.Message, error) {
	if err := a.requireMember(msg.ActorID); err != nil {
		return nil, err
	}
	current, err := a.activeMessage(msg.MessageID)
	if err != nil {
		return nil, err
	}
	if err := models.ValidateEmoji(msg.Emoji); err != nil {
		return nil, err
	}

	ctx, cancel := a.deps.persistCtx()
	defer cancel()
	added, err := a.deps.DB.ToggleReaction(ctx, current.ID, msg.ActorID, msg.Emoji)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	// the store's answer wins over our copy
	if next.HasReaction(msg.ActorID, msg.Emoji) != added {
		next.ToggleReaction(msg.ActorID, msg.Emoji)
	}
	a.swap(next)

	evt := a.event(events.ReactionChanged, msg.ActorID)
	evt.Message = next.Clone()
	a.deps.publish(evt)
	return next.Clone(), nil
}

func (a *ConversationActor) handleMarkRead(msg *MarkReadMsg) (*ReadReceipt, error) {
	if err := a.requireMember(msg.ReaderID); err != nil {
		return nil, err
	}

	ctx, cancel := a.deps.persistCtx()
	defer cancel()
	newly, err := a.deps.DB.MarkMessagesRead(ctx, a.conv.ID, msg.ReaderID, msg.MessageIDs, a.deps.Clock())
	if err != nil {
		return nil, err
	}

	receipt := &ReadReceipt{
		ConversationID: a.conv.ID,
		ReaderID:       msg.ReaderID,
		MessageIDs:     append([]uuid.UUID{}, newly...),
		Count:          len(newly),
	}
	if len(newly) == 0 {
		return receipt, nil
	}
	a.recordReads(msg.ReaderID, newly...)
	a.advance(newly, models.StatusRead)

	evt := a.event(events.MessagesRead, msg.ReaderID)
	evt.MessageIDs = receipt.MessageIDs
	a.deps.publish(evt)
	return receipt, nil
}

// advance moves the listed messages forward to status; receipts never regress.
func (a *ConversationActor) advance(ids []uuid.UUID, status models.DeliveryStatus) {
	for _, id := range ids {
		current, ok := a.byID[id]
		if !ok || !current.Status.CanTransition(status) {
			continue
		}
		next := current.Clone()
		next.Status = status
		a.swap(next)
	}
}

func (a *ConversationActor) handleGetThread(msg *GetThreadMsg) (*ThreadPage, error) {
	if err := a.requireMember(msg.ViewerID); err != nil {
		return nil, err
	}
	limit := msg.Limit
	if limit <= 0 {
		limit = DefaultThreadLimit
	}
	if limit > MaxThreadLimit {
		limit = MaxThreadLimit
	}

	active := make([]*models.Message, 0, len(a.log))
	for _, m := range a.log {
		if m.IsDeleted() {
			continue
		}
		if !msg.Before.IsZero() && !m.CreatedAt.Before(msg.Before) {
			continue
		}
		active = append(active, m)
	}
	hasMore := len(active) > limit
	if hasMore {
		active = active[len(active)-limit:]
	}

	a.markDelivered(msg.ViewerID, active)

	page := &ThreadPage{
		Conversation: a.conversationView(msg.ViewerID),
		Messages:     make([]*models.Message, 0, len(active)),
		HasMore:      hasMore,
	}
	for _, m := range active {
		page.Messages = append(page.Messages, a.byID[m.ID].Clone())
	}
	return page, nil
}

// markDelivered advances the viewer's incoming sent messages on the page to
// delivered. A failure only costs the receipt, so it is logged, not returned.
func (a *ConversationActor) markDelivered(viewerID uuid.UUID, page []*models.Message) {
	var ids []uuid.UUID
	for _, m := range page {
		if m.SenderID != viewerID && m.Status == models.StatusSent {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return
	}

	ctx, cancel := a.deps.persistCtx()
	defer cancel()
	changed, err := a.deps.DB.MarkMessagesDelivered(ctx, a.conv.ID, viewerID, ids)
	if err != nil {
		a.logger.Warn("failed to record delivery", "viewer_id", viewerID, "error", err)
		return
	}
	if len(changed) == 0 {
		return
	}
	a.advance(changed, models.StatusDelivered)

	evt := a.event(events.MessagesDelivered, viewerID)
	evt.MessageIDs = changed
	a.deps.publish(evt)
}

func (a *ConversationActor) handleGetPinned(msg *GetPinnedMsg) ([]*models.Message, error) {
	if err := a.requireMember(msg.ViewerID); err != nil {
		return nil, err
	}
	pinned := []*models.Message{}
	for _, m := range a.log {
		if m.Pinned && !m.IsDeleted() {
			pinned = append(pinned, m.Clone())
		}
	}
	return pinned, nil
}

func (a *ConversationActor) handleGetConversation(msg *GetConversationMsg) (*models.Conversation, error) {
	if err := a.requireMember(msg.ViewerID); err != nil {
		return nil, err
	}
	return a.conversationView(msg.ViewerID), nil
}

// conversationView is the conversation as viewerID sees it. Unread counts
// follow viewerID's own receipts; the shared message status only tells a
// sender that someone has read.
func (a *ConversationActor) conversationView(viewerID uuid.UUID) *models.Conversation {
	view := a.conv.Clone()
	view.LastMessage = models.LastActive(a.log)
	view.UnreadCount = a.unreadFor(viewerID)
	view.Version = a.version
	return view
}

func (a *ConversationActor) handleArchive(msg *ArchiveConversationMsg) (*models.Conversation, error) {
	if err := a.requireMember(msg.ActorID); err != nil {
		return nil, err
	}
	if a.conv.Archived == msg.Archived {
		return a.conversationView(msg.ActorID), nil
	}

	at := a.deps.Clock()
	ctx, cancel := a.deps.persistCtx()
	defer cancel()
	if err := a.deps.DB.SetConversationArchived(ctx, a.conv.ID, msg.Archived, at); err != nil {
		return nil, err
	}
	a.conv.Archived = msg.Archived
	if at.After(a.conv.UpdatedAt) {
		a.conv.UpdatedAt = at
	}

	a.deps.publish(a.event(events.ConversationArchive, msg.ActorID))
	return a.conversationView(msg.ActorID), nil
}
