package actors

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"portal-messaging/internal/database"
	"portal-messaging/internal/events"
	"portal-messaging/internal/models"
	"portal-messaging/internal/utils"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var errDiskFull = errors.New("disk full")

// flakyDB fails every write while fail is set. afterRead and afterList run
// once the wrapped call has reached the store.
type flakyDB struct {
	*database.MemoryDB
	fail      atomic.Bool
	afterRead func()
	afterList func()
}

func (f *flakyDB) ListConversations(ctx context.Context, viewerID uuid.UUID, includeArchived bool) ([]*models.Conversation, error) {
	convs, err := f.MemoryDB.ListConversations(ctx, viewerID, includeArchived)
	if f.afterList != nil {
		f.afterList()
	}
	return convs, err
}

func (f *flakyDB) SaveMessage(ctx context.Context, msg *models.Message) error {
	if f.fail.Load() {
		return utils.NewPersistenceError("save message", errDiskFull)
	}
	return f.MemoryDB.SaveMessage(ctx, msg)
}

func (f *flakyDB) UpdateMessageContent(ctx context.Context, id, senderID uuid.UUID, content string, editedAt time.Time) error {
	if f.fail.Load() {
		return utils.NewPersistenceError("update message", errDiskFull)
	}
	return f.MemoryDB.UpdateMessageContent(ctx, id, senderID, content, editedAt)
}

func (f *flakyDB) SoftDeleteMessage(ctx context.Context, id, senderID uuid.UUID, at time.Time) error {
	if f.fail.Load() {
		return utils.NewPersistenceError("delete message", errDiskFull)
	}
	return f.MemoryDB.SoftDeleteMessage(ctx, id, senderID, at)
}

func (f *flakyDB) SetMessagePinned(ctx context.Context, id uuid.UUID, pinned bool) error {
	if f.fail.Load() {
		return utils.NewPersistenceError("pin message", errDiskFull)
	}
	return f.MemoryDB.SetMessagePinned(ctx, id, pinned)
}

func (f *flakyDB) ToggleReaction(ctx context.Context, id, actorID uuid.UUID, emoji string) (bool, error) {
	if f.fail.Load() {
		return false, utils.NewPersistenceError("toggle reaction", errDiskFull)
	}
	return f.MemoryDB.ToggleReaction(ctx, id, actorID, emoji)
}

func (f *flakyDB) MarkMessagesRead(ctx context.Context, conversationID, readerID uuid.UUID, ids []uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	if f.fail.Load() {
		return nil, utils.NewPersistenceError("mark messages read", errDiskFull)
	}
	newly, err := f.MemoryDB.MarkMessagesRead(ctx, conversationID, readerID, ids, at)
	if f.afterRead != nil {
		f.afterRead()
	}
	return newly, err
}

// stepClock advances one millisecond per reading.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type harness struct {
	t          *testing.T
	system     *actor.ActorSystem
	db         *flakyDB
	deps       Deps
	supervisor *actor.PID
	directory  *actor.PID
	events     chan *events.Event
	updates    chan *events.DirectoryUpdate

	employer, participant uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	system := actor.NewActorSystem()
	clock := &stepClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	h := &harness{
		t:           t,
		system:      system,
		db:          &flakyDB{MemoryDB: database.NewMemoryDB()},
		events:      make(chan *events.Event, 256),
		updates:     make(chan *events.DirectoryUpdate, 256),
		employer:    uuid.New(),
		participant: uuid.New(),
	}
	h.deps = Deps{
		DB:     h.db,
		Events: system.EventStream,
		Clock:  clock.Now,
	}
	h.supervisor = system.Root.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return NewConversationSupervisor(h.deps)
	}))
	h.directory = system.Root.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return NewDirectoryActor(h.deps, h.supervisor)
	}))

	evSub := events.Subscribe(system.EventStream, func(evt *events.Event) {
		system.Root.Send(h.directory, evt)
		select {
		case h.events <- evt:
		default:
		}
	})
	dirSub := events.SubscribeDirectory(system.EventStream, func(u *events.DirectoryUpdate) {
		select {
		case h.updates <- u:
		default:
		}
	})
	t.Cleanup(func() {
		system.EventStream.Unsubscribe(evSub)
		system.EventStream.Unsubscribe(dirSub)
		system.Root.Stop(h.supervisor)
		system.Root.Stop(h.directory)
	})
	return h
}

// ask sends msg to pid and splits the reply into a T or an *utils.AppError.
func ask[T any](h *harness, pid *actor.PID, msg interface{}) (T, error) {
	h.t.Helper()
	var zero T
	res, err := h.system.Root.RequestFuture(pid, msg, 5*time.Second).Result()
	require.NoError(h.t, err)
	if appErr, ok := res.(*utils.AppError); ok {
		return zero, appErr
	}
	v, ok := res.(T)
	require.True(h.t, ok, "unexpected reply %T", res)
	return v, nil
}

func (h *harness) open() *models.Conversation {
	h.t.Helper()
	conv, err := ask[*models.Conversation](h, h.supervisor, &OpenConversationMsg{
		ActorID:       h.employer,
		ProjectID:     uuid.New(),
		ProjectTitle:  "Mobile app MVP",
		EmployerID:    h.employer,
		ParticipantID: h.participant,
	})
	require.NoError(h.t, err)
	return conv
}

func (h *harness) send(convID, sender uuid.UUID, content string) (*models.Message, error) {
	h.t.Helper()
	return ask[*models.Message](h, h.supervisor, &SendMessageMsg{
		ConversationID: convID,
		SenderID:       sender,
		Content:        content,
	})
}

func (h *harness) mustSend(convID, sender uuid.UUID, content string) *models.Message {
	h.t.Helper()
	msg, err := h.send(convID, sender, content)
	require.NoError(h.t, err)
	return msg
}

func (h *harness) thread(convID, viewer uuid.UUID) *ThreadPage {
	h.t.Helper()
	page, err := ask[*ThreadPage](h, h.supervisor, &GetThreadMsg{ConversationID: convID, ViewerID: viewer})
	require.NoError(h.t, err)
	return page
}

func (h *harness) list(viewer uuid.UUID, includeArchived bool) []*models.Conversation {
	h.t.Helper()
	convs, err := ask[[]*models.Conversation](h, h.directory, &ListConversationsMsg{ViewerID: viewer, IncludeArchived: includeArchived})
	require.NoError(h.t, err)
	return convs
}

// drain collects the events published so far.
func (h *harness) drain() []*events.Event {
	var out []*events.Event
	for {
		select {
		case evt := <-h.events:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func kinds(evts []*events.Event) []events.Kind {
	out := make([]events.Kind, len(evts))
	for i, e := range evts {
		out[i] = e.Kind
	}
	return out
}

func ids(messages []*models.Message) []uuid.UUID {
	out := make([]uuid.UUID, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}
