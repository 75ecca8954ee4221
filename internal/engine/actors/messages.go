package actors

import (
	"time"

	"portal-messaging/internal/models"

	"github.com/google/uuid"
)

// Message types for the conversation supervisor and its conversation actors
type (
	// OpenConversationMsg registers a conversation. A zero ConversationID
	// allocates a new one; opening an existing id returns it unchanged.
	OpenConversationMsg struct {
		ConversationID uuid.UUID               `json:"conversationId"`
		ActorID        uuid.UUID               `json:"-"`
		ProjectID      uuid.UUID               `json:"projectId"`
		ProjectTitle   string                  `json:"projectTitle"`
		EmployerID     uuid.UUID               `json:"employerId"`
		ParticipantID  uuid.UUID               `json:"participantId"`
		Type           models.ConversationType `json:"type"`
		Members        []models.Member         `json:"members,omitempty"`
	}

	SendMessageMsg struct {
		ConversationID uuid.UUID           `json:"conversationId"`
		SenderID       uuid.UUID           `json:"senderId"`
		Content        string              `json:"content"`
		ReplyToID      *uuid.UUID          `json:"replyToId,omitempty"`
		Attachments    []models.Attachment `json:"attachments,omitempty"`
		// ClientMessageID lets a manual retry reuse the id of the first
		// attempt so a send that did land is not stored twice.
		ClientMessageID uuid.UUID `json:"clientMessageId,omitempty"`
		// Open creates the conversation when it does not exist yet.
		Open *OpenConversationMsg `json:"open,omitempty"`
	}

	EditMessageMsg struct {
		MessageID uuid.UUID `json:"messageId"`
		ActorID   uuid.UUID `json:"actorId"`
		Content   string    `json:"content"`
	}

	DeleteMessageMsg struct {
		MessageID uuid.UUID `json:"messageId"`
		ActorID   uuid.UUID `json:"actorId"`
	}

	PinMessageMsg struct {
		MessageID uuid.UUID `json:"messageId"`
		ActorID   uuid.UUID `json:"actorId"`
		Pinned    bool      `json:"pinned"`
	}

	AddReactionMsg struct {
		MessageID uuid.UUID `json:"messageId"`
		ActorID   uuid.UUID `json:"actorId"`
		Emoji     string    `json:"emoji"`
	}

	// MarkReadMsg marks the listed messages, or every unread message of
	// the conversation when MessageIDs is empty.
	MarkReadMsg struct {
		ConversationID uuid.UUID   `json:"conversationId"`
		ReaderID       uuid.UUID   `json:"readerId"`
		MessageIDs     []uuid.UUID `json:"messageIds,omitempty"`
	}

	GetThreadMsg struct {
		ConversationID uuid.UUID `json:"conversationId"`
		ViewerID       uuid.UUID `json:"viewerId"`
		Before         time.Time `json:"before,omitempty"`
		Limit          int       `json:"limit,omitempty"`
	}

	GetPinnedMsg struct {
		ConversationID uuid.UUID `json:"conversationId"`
		ViewerID       uuid.UUID `json:"viewerId"`
	}

	GetConversationMsg struct {
		ConversationID uuid.UUID `json:"conversationId"`
		ViewerID       uuid.UUID `json:"viewerId"`
	}

	ArchiveConversationMsg struct {
		ConversationID uuid.UUID `json:"conversationId"`
		ActorID        uuid.UUID `json:"actorId"`
		Archived       bool      `json:"archived"`
	}

	ListConversationsMsg struct {
		ViewerID        uuid.UUID `json:"viewerId"`
		IncludeArchived bool      `json:"includeArchived"`
		// Refresh drops the cached entries and loads them again.
		Refresh bool `json:"refresh"`
	}

	loadConversationMsg struct{}
)

// ThreadPage is the response to GetThreadMsg.
type ThreadPage struct {
	Conversation *models.Conversation `json:"conversation"`
	Messages     []*models.Message    `json:"messages"`
	HasMore      bool                 `json:"hasMore"`
}

// ReadReceipt is the response to MarkReadMsg.
type ReadReceipt struct {
	ConversationID uuid.UUID   `json:"conversationId"`
	ReaderID       uuid.UUID   `json:"readerId"`
	MessageIDs     []uuid.UUID `json:"messageIds"`
	Count          int         `json:"count"`
}

const (
	DefaultThreadLimit = 50
	MaxThreadLimit     = 200
)

// conversationAddressed is implemented by messages the supervisor routes by
// conversation id.
type conversationAddressed interface {
	conversation() uuid.UUID
}

// messageAddressed is implemented by messages that only name a message; the
// supervisor resolves the owning conversation first.
type messageAddressed interface {
	message() uuid.UUID
}

func (m *SendMessageMsg) conversation() uuid.UUID         { return m.ConversationID }
func (m *MarkReadMsg) conversation() uuid.UUID            { return m.ConversationID }
func (m *GetThreadMsg) conversation() uuid.UUID           { return m.ConversationID }
func (m *GetPinnedMsg) conversation() uuid.UUID           { return m.ConversationID }
func (m *GetConversationMsg) conversation() uuid.UUID     { return m.ConversationID }
func (m *ArchiveConversationMsg) conversation() uuid.UUID { return m.ConversationID }

func (m *EditMessageMsg) message() uuid.UUID   { return m.MessageID }
func (m *DeleteMessageMsg) message() uuid.UUID { return m.MessageID }
func (m *PinMessageMsg) message() uuid.UUID    { return m.MessageID }
func (m *AddReactionMsg) message() uuid.UUID   { return m.MessageID }
