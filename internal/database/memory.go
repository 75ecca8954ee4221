package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"portal-messaging/internal/models"
	"portal-messaging/internal/utils"

	"github.com/google/uuid"
)

// MemoryDB keeps everything in process. It backs DB_TYPE=memory and tests.
type MemoryDB struct {
	mu            sync.RWMutex
	conversations map[uuid.UUID]*models.Conversation
	messages      map[uuid.UUID]*models.Message
	byConv        map[uuid.UUID][]uuid.UUID
	readBy        map[uuid.UUID]map[uuid.UUID]time.Time
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		conversations: make(map[uuid.UUID]*models.Conversation),
		messages:      make(map[uuid.UUID]*models.Message),
		byConv:        make(map[uuid.UUID][]uuid.UUID),
		readBy:        make(map[uuid.UUID]map[uuid.UUID]time.Time),
	}
}

func (m *MemoryDB) Close(ctx context.Context) error {
	return nil
}

func (m *MemoryDB) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conv.ID]; exists {
		return utils.NewAppError(utils.ErrDuplicate, fmt.Sprintf("conversation already exists: %s", conv.ID), nil)
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}
	stored := conv.Clone()
	stored.LastMessage = nil
	stored.UnreadCount = 0
	m.conversations[conv.ID] = stored
	return nil
}

func (m *MemoryDB) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, utils.NewConversationNotFoundError(id.String())
	}
	return conv.Clone(), nil
}

func (m *MemoryDB) ListConversations(ctx context.Context, viewerID uuid.UUID, includeArchived bool) ([]*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	convs := []*models.Conversation{}
	for _, c := range m.conversations {
		if !c.IsMember(viewerID) || (c.Archived && !includeArchived) {
			continue
		}
		out := c.Clone()
		log := m.logOf(c.ID)
		out.LastMessage = models.LastActive(log)
		for _, msg := range log {
			if msg.SenderID != viewerID && !msg.IsDeleted() && !m.hasRead(msg.ID, viewerID) {
				out.UnreadCount++
			}
		}
		convs = append(convs, out)
	}
	models.SortConversations(convs)
	return convs, nil
}

func (m *MemoryDB) TouchConversation(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return utils.NewConversationNotFoundError(id.String())
	}
	if at.After(conv.UpdatedAt) {
		conv.UpdatedAt = at
	}
	return nil
}

func (m *MemoryDB) SetConversationArchived(ctx context.Context, id uuid.UUID, archived bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return utils.NewConversationNotFoundError(id.String())
	}
	conv.Archived = archived
	conv.UpdatedAt = at
	return nil
}

func (m *MemoryDB) SaveMessage(ctx context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.messages[msg.ID]; exists {
		return utils.NewAppError(utils.ErrDuplicate, fmt.Sprintf("message already exists: %s", msg.ID), nil)
	}
	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return utils.NewPersistenceError("save message", fmt.Errorf("conversation %s does not exist", msg.ConversationID))
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	m.messages[msg.ID] = msg.Clone()
	m.byConv[msg.ConversationID] = append(m.byConv[msg.ConversationID], msg.ID)
	return nil
}

func (m *MemoryDB) GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, utils.NewMessageNotFoundError(id.String())
	}
	return msg.Clone(), nil
}

func (m *MemoryDB) GetConversationMessages(ctx context.Context, conversationID uuid.UUID) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.logOf(conversationID)
	out := make([]*models.Message, len(log))
	for i, msg := range log {
		out[i] = msg.Clone()
	}
	return out, nil
}

// logOf returns the stored messages of a conversation in thread order.
// Callers hold the lock.
func (m *MemoryDB) logOf(conversationID uuid.UUID) []*models.Message {
	ids := m.byConv[conversationID]
	log := make([]*models.Message, 0, len(ids))
	for _, id := range ids {
		log = append(log, m.messages[id])
	}
	models.SortMessages(log)
	return log
}

func (m *MemoryDB) hasRead(messageID, userID uuid.UUID) bool {
	_, ok := m.readBy[messageID][userID]
	return ok
}

func (m *MemoryDB) UpdateMessageContent(ctx context.Context, id, senderID uuid.UUID, content string, editedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok || msg.SenderID != senderID || msg.IsDeleted() {
		return utils.NewMessageNotFoundError(id.String())
	}
	msg.Content = content
	msg.Edited = true
	at := editedAt
	msg.EditedAt = &at
	return nil
}

func (m *MemoryDB) SoftDeleteMessage(ctx context.Context, id, senderID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return utils.NewMessageNotFoundError(id.String())
	}
	if msg.SenderID != senderID {
		return utils.NewUnauthorizedError("only the sender can delete a message")
	}
	if msg.IsDeleted() {
		return nil
	}
	deletedAt := at
	msg.DeletedAt = &deletedAt
	return nil
}

func (m *MemoryDB) SetMessagePinned(ctx context.Context, id uuid.UUID, pinned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return utils.NewMessageNotFoundError(id.String())
	}
	msg.Pinned = pinned
	return nil
}

func (m *MemoryDB) ToggleReaction(ctx context.Context, id, actorID uuid.UUID, emoji string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return false, utils.NewMessageNotFoundError(id.String())
	}
	return msg.ToggleReaction(actorID, emoji), nil
}

func (m *MemoryDB) MarkMessagesRead(ctx context.Context, conversationID, readerID uuid.UUID, ids []uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := idSet(ids)
	var newly []uuid.UUID
	for _, msg := range m.logOf(conversationID) {
		if msg.SenderID == readerID || msg.IsDeleted() || m.hasRead(msg.ID, readerID) {
			continue
		}
		if wanted != nil && !wanted[msg.ID] {
			continue
		}
		if m.readBy[msg.ID] == nil {
			m.readBy[msg.ID] = make(map[uuid.UUID]time.Time)
		}
		m.readBy[msg.ID][readerID] = at
		msg.Status = msg.Status.Max(models.StatusRead)
		newly = append(newly, msg.ID)
	}
	return newly, nil
}

func (m *MemoryDB) GetReadReceipts(ctx context.Context, conversationID uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	receipts := make(map[uuid.UUID][]uuid.UUID)
	for _, id := range m.byConv[conversationID] {
		for reader := range m.readBy[id] {
			receipts[id] = append(receipts[id], reader)
		}
	}
	return receipts, nil
}

func (m *MemoryDB) MarkMessagesDelivered(ctx context.Context, conversationID, recipientID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := idSet(ids)
	var changed []uuid.UUID
	for _, msg := range m.logOf(conversationID) {
		if msg.SenderID == recipientID || msg.IsDeleted() || msg.Status != models.StatusSent {
			continue
		}
		if wanted != nil && !wanted[msg.ID] {
			continue
		}
		msg.Status = models.StatusDelivered
		changed = append(changed, msg.ID)
	}
	return changed, nil
}

func idSet(ids []uuid.UUID) map[uuid.UUID]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
