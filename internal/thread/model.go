// Package thread composes a conversation's messages into a render list for
// one viewer, including optimistic sends that are still in flight.
package thread

import (
	"context"
	"sort"
	"sync"
	"time"

	"portal-messaging/internal/engine/actors"
	"portal-messaging/internal/events"
	"portal-messaging/internal/models"

	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/google/uuid"
)

// Backend is what the model needs from the message store. Both the engine
// and the HTTP client satisfy it.
type Backend interface {
	SendMessage(ctx context.Context, msg *actors.SendMessageMsg) (*models.Message, error)
	GetThread(ctx context.Context, msg *actors.GetThreadMsg) (*actors.ThreadPage, error)
}

// GroupWindow is the longest gap between two messages of the same sender
// that still renders them as one group.
const GroupWindow = 5 * time.Minute

// DefaultSendTimeout bounds an optimistic send.
const DefaultSendTimeout = 10 * time.Second

// Item is one renderable row.
type Item struct {
	Message *models.Message
	// Local marks an optimistic copy; Message.ID is then the temporary id.
	Local        bool
	Err          error
	FirstInGroup bool
	LastInGroup  bool
}

type entry struct {
	msg   *models.Message
	local bool
	err   error
	req   *actors.SendMessageMsg
}

// Model is safe for concurrent use. Sends complete in the background and
// are never abandoned, even after Close.
type Model struct {
	conversationID uuid.UUID
	viewerID       uuid.UUID
	backend        Backend
	sendTimeout    time.Duration
	clock          func() time.Time

	mu       sync.Mutex
	entries  map[uuid.UUID]*entry
	byClient map[uuid.UUID]uuid.UUID // client message id -> temp id
	errs     []error
	hasMore  bool
	onChange func()
	sub      *eventstream.Subscription
	stream   *eventstream.EventStream

	inflight sync.WaitGroup
}

type Option func(*Model)

// WithClock replaces the clock used for optimistic timestamps.
func WithClock(clock func() time.Time) Option {
	return func(m *Model) { m.clock = clock }
}

// WithSendTimeout bounds each send.
func WithSendTimeout(d time.Duration) Option {
	return func(m *Model) { m.sendTimeout = d }
}

// WithOnChange registers a callback run after every state change.
func WithOnChange(fn func()) Option {
	return func(m *Model) { m.onChange = fn }
}

func New(conversationID, viewerID uuid.UUID, backend Backend, opts ...Option) *Model {
	m := &Model{
		conversationID: conversationID,
		viewerID:       viewerID,
		backend:        backend,
		sendTimeout:    DefaultSendTimeout,
		clock:          func() time.Time { return time.Now().UTC() },
		entries:        make(map[uuid.UUID]*entry),
		byClient:       make(map[uuid.UUID]uuid.UUID),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Model) ConversationID() uuid.UUID {
	return m.conversationID
}

// Load fetches the latest page of the thread and merges it in.
func (m *Model) Load(ctx context.Context, limit int) error {
	page, err := m.backend.GetThread(ctx, &actors.GetThreadMsg{
		ConversationID: m.conversationID,
		ViewerID:       m.viewerID,
		Limit:          limit,
	})
	if err != nil {
		m.report(err)
		return err
	}

	m.mu.Lock()
	for _, msg := range page.Messages {
		m.upsertLocked(msg)
	}
	m.hasMore = page.HasMore
	m.mu.Unlock()
	m.changed()
	return nil
}

// LoadOlder fetches the page before the oldest persisted message.
func (m *Model) LoadOlder(ctx context.Context, limit int) error {
	m.mu.Lock()
	var oldest time.Time
	for _, e := range m.entries {
		if e.local {
			continue
		}
		if oldest.IsZero() || e.msg.CreatedAt.Before(oldest) {
			oldest = e.msg.CreatedAt
		}
	}
	m.mu.Unlock()
	if oldest.IsZero() {
		return m.Load(ctx, limit)
	}

	page, err := m.backend.GetThread(ctx, &actors.GetThreadMsg{
		ConversationID: m.conversationID,
		ViewerID:       m.viewerID,
		Before:         oldest,
		Limit:          limit,
	})
	if err != nil {
		m.report(err)
		return err
	}
	m.mu.Lock()
	for _, msg := range page.Messages {
		m.upsertLocked(msg)
	}
	m.hasMore = page.HasMore
	m.mu.Unlock()
	m.changed()
	return nil
}

// HasMore reports whether older messages exist beyond the loaded ones.
func (m *Model) HasMore() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasMore
}

// SendOptions carry the optional parts of a send.
type SendOptions struct {
	ReplyToID   *uuid.UUID
	Attachments []models.Attachment
	Open        *actors.OpenConversationMsg
}

// Send appends a pending copy immediately and sends in the background. The
// returned temporary id addresses the row until it is reconciled. Invalid
// content is rejected up front and adds nothing.
func (m *Model) Send(content string, opts SendOptions) (uuid.UUID, error) {
	trimmed, err := models.NormalizeContent(content)
	if err != nil {
		return uuid.Nil, err
	}
	if err := models.ValidateAttachments(opts.Attachments); err != nil {
		return uuid.Nil, err
	}

	tempID := uuid.New()
	req := &actors.SendMessageMsg{
		ConversationID:  m.conversationID,
		SenderID:        m.viewerID,
		Content:         trimmed,
		ReplyToID:       opts.ReplyToID,
		Attachments:     opts.Attachments,
		ClientMessageID: uuid.New(),
		Open:            opts.Open,
	}
	pending := &models.Message{
		ID:             tempID,
		ConversationID: m.conversationID,
		SenderID:       m.viewerID,
		Content:        trimmed,
		CreatedAt:      m.clock(),
		ReplyToID:      opts.ReplyToID,
		Reactions:      []models.Reaction{},
		Attachments:    append([]models.Attachment{}, opts.Attachments...),
		Status:         models.StatusPending,
	}

	m.mu.Lock()
	m.entries[tempID] = &entry{msg: pending, local: true, req: req}
	m.byClient[req.ClientMessageID] = tempID
	m.mu.Unlock()
	m.changed()

	m.dispatch(tempID, req)
	return tempID, nil
}

func (m *Model) dispatch(tempID uuid.UUID, req *actors.SendMessageMsg) {
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		// not tied to any view context: a send finishes or fails on its own
		ctx, cancel := context.WithTimeout(context.Background(), m.sendTimeout)
		defer cancel()

		persisted, err := m.backend.SendMessage(ctx, req)
		if err != nil {
			m.fail(tempID, err)
			return
		}
		m.mu.Lock()
		m.reconcileLocked(tempID, persisted)
		m.mu.Unlock()
		m.changed()
	}()
}

// reconcileLocked replaces the optimistic row with the stored message.
func (m *Model) reconcileLocked(tempID uuid.UUID, persisted *models.Message) {
	if e, ok := m.entries[tempID]; ok && e.local {
		delete(m.entries, tempID)
		delete(m.byClient, e.req.ClientMessageID)
	}
	m.upsertLocked(persisted)
}

func (m *Model) fail(tempID uuid.UUID, err error) {
	m.mu.Lock()
	e, ok := m.entries[tempID]
	if ok && e.local && e.msg.Status.CanTransition(models.StatusFailed) {
		e.msg.Status = models.StatusFailed
		e.err = err
	}
	m.errs = append(m.errs, err)
	m.mu.Unlock()
	m.changed()
}

// Retry resends a failed row with its original client id, so a send that
// did reach the store is not duplicated.
func (m *Model) Retry(tempID uuid.UUID) bool {
	m.mu.Lock()
	e, ok := m.entries[tempID]
	if !ok || !e.local || !e.msg.Status.CanTransition(models.StatusPending) {
		m.mu.Unlock()
		return false
	}
	e.msg.Status = models.StatusPending
	e.err = nil
	req := e.req
	m.mu.Unlock()
	m.changed()

	m.dispatch(tempID, req)
	return true
}

// Discard drops a failed row. Pending rows cannot be discarded.
func (m *Model) Discard(tempID uuid.UUID) bool {
	m.mu.Lock()
	e, ok := m.entries[tempID]
	if !ok || !e.local || e.msg.Status != models.StatusFailed {
		m.mu.Unlock()
		return false
	}
	delete(m.entries, tempID)
	delete(m.byClient, e.req.ClientMessageID)
	m.mu.Unlock()
	m.changed()
	return true
}

// Wait blocks until every in-flight send has resolved.
func (m *Model) Wait() {
	m.inflight.Wait()
}

// upsertLocked stores a persisted message. Statuses only move forward, so a
// stale copy never undoes a receipt.
func (m *Model) upsertLocked(msg *models.Message) {
	if tempID, ok := m.byClient[msg.ID]; ok {
		// our own send, seen through the event stream before its reply
		delete(m.entries, tempID)
		delete(m.byClient, msg.ID)
	}
	next := msg.Clone()
	if existing, ok := m.entries[msg.ID]; ok {
		next.Status = existing.msg.Status.Max(next.Status)
	}
	m.entries[msg.ID] = &entry{msg: next}
}

// Apply folds a store event into the model. Events of other conversations
// are ignored.
func (m *Model) Apply(evt *events.Event) {
	if evt.ConversationID != m.conversationID {
		return
	}
	m.mu.Lock()
	switch evt.Kind {
	case events.MessageCreated, events.MessageEdited, events.MessageDeleted,
		events.MessagePinned, events.ReactionChanged:
		if evt.Message != nil {
			m.upsertLocked(evt.Message)
		}
	case events.MessagesDelivered:
		m.advanceLocked(evt.MessageIDs, models.StatusDelivered)
	case events.MessagesRead:
		m.advanceLocked(evt.MessageIDs, models.StatusRead)
	default:
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.changed()
}

func (m *Model) advanceLocked(ids []uuid.UUID, status models.DeliveryStatus) {
	for _, id := range ids {
		if e, ok := m.entries[id]; ok && !e.local && e.msg.Status.CanTransition(status) {
			e.msg.Status = status
		}
	}
}

// Attach subscribes the model to the engine's event stream.
func (m *Model) Attach(stream *eventstream.EventStream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub != nil {
		return
	}
	m.stream = stream
	m.sub = events.Subscribe(stream, m.Apply)
}

// Close stops listening for updates. In-flight sends still complete.
func (m *Model) Close() {
	m.mu.Lock()
	sub, stream := m.sub, m.stream
	m.sub, m.stream = nil, nil
	m.mu.Unlock()
	if sub != nil {
		stream.Unsubscribe(sub)
	}
}

// Items returns the render list: active messages ascending by creation time,
// ties by id, with same-sender grouping flags.
func (m *Model) Items() []Item {
	m.mu.Lock()
	items := make([]Item, 0, len(m.entries))
	for _, e := range m.entries {
		if e.msg.IsDeleted() {
			continue
		}
		items = append(items, Item{Message: e.msg.Clone(), Local: e.local, Err: e.err})
	}
	m.mu.Unlock()

	sort.SliceStable(items, func(i, j int) bool { return models.Less(items[i].Message, items[j].Message) })
	for i := range items {
		items[i].FirstInGroup = i == 0 || !sameGroup(items[i-1].Message, items[i].Message)
		items[i].LastInGroup = i == len(items)-1 || !sameGroup(items[i].Message, items[i+1].Message)
	}
	return items
}

func sameGroup(prev, next *models.Message) bool {
	return prev.SenderID == next.SenderID && next.CreatedAt.Sub(prev.CreatedAt) <= GroupWindow
}

// Pending counts optimistic rows still waiting for the store.
func (m *Model) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.local && e.msg.Status == models.StatusPending {
			n++
		}
	}
	return n
}

// Err returns the most recent surfaced error, or nil.
func (m *Model) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.errs) == 0 {
		return nil
	}
	return m.errs[len(m.errs)-1]
}

// TakeErrors returns the errors raised since the last call, for toast or
// banner presentation, and clears them.
func (m *Model) TakeErrors() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	errs := m.errs
	m.errs = nil
	return errs
}

func (m *Model) report(err error) {
	m.mu.Lock()
	m.errs = append(m.errs, err)
	m.mu.Unlock()
	m.changed()
}

func (m *Model) changed() {
	if m.onChange != nil {
		m.onChange()
	}
}
