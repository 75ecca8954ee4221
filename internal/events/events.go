// Package events carries the results of store mutations to the views that
// care about them. Producers publish on the actor system's event stream;
// the directory, the websocket hub and thread view models subscribe.
package events

import (
	"time"

	"portal-messaging/internal/models"

	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/google/uuid"
)

type Kind string

const (
	MessageCreated      Kind = "message.created"
	MessageEdited       Kind = "message.edited"
	MessageDeleted      Kind = "message.deleted"
	MessagePinned       Kind = "message.pinned"
	ReactionChanged     Kind = "message.reaction"
	MessagesDelivered   Kind = "messages.delivered"
	MessagesRead        Kind = "messages.read"
	ConversationOpened  Kind = "conversation.opened"
	ConversationArchive Kind = "conversation.archived"
)

// Event describes one applied mutation of a conversation.
type Event struct {
	Kind           Kind            `json:"kind"`
	ConversationID uuid.UUID       `json:"conversationId"`
	ActorID        uuid.UUID       `json:"actorId"`
	Message        *models.Message `json:"message,omitempty"`
	MessageIDs     []uuid.UUID     `json:"messageIds,omitempty"`
	// Members receive the event; not serialized to clients.
	Members []uuid.UUID `json:"-"`
	// LastMessage is the conversation's preview after the mutation.
	LastMessage  *models.MessageSnapshot `json:"lastMessage,omitempty"`
	Conversation *models.Conversation    `json:"conversation,omitempty"`
	// Version is the conversation's version after the mutation.
	Version uint64    `json:"version"`
	At      time.Time `json:"at"`
	// Unread holds each member's unread count after the mutation.
	Unread map[uuid.UUID]int `json:"-"`
}

// DirectoryUpdate is a viewer-scoped change of one directory entry.
type DirectoryUpdate struct {
	ViewerID     uuid.UUID            `json:"viewerId"`
	Conversation *models.Conversation `json:"conversation"`
}

// Publisher is satisfied by *eventstream.EventStream.
type Publisher interface {
	Publish(evt interface{})
}

// Subscribe registers fn for store events only.
func Subscribe(stream *eventstream.EventStream, fn func(*Event)) *eventstream.Subscription {
	return stream.SubscribeWithPredicate(func(evt interface{}) {
		fn(evt.(*Event))
	}, func(evt interface{}) bool {
		_, ok := evt.(*Event)
		return ok
	})
}

// SubscribeDirectory registers fn for directory updates only.
func SubscribeDirectory(stream *eventstream.EventStream, fn func(*DirectoryUpdate)) *eventstream.Subscription {
	return stream.SubscribeWithPredicate(func(evt interface{}) {
		fn(evt.(*DirectoryUpdate))
	}, func(evt interface{}) bool {
		_, ok := evt.(*DirectoryUpdate)
		return ok
	})
}

// ViewFor is the conversation as viewerID sees it right after the event, or
// nil when the event carries no conversation.
func (e *Event) ViewFor(viewerID uuid.UUID) *models.Conversation {
	if e.Conversation == nil {
		return nil
	}
	view := e.Conversation.Clone()
	view.LastMessage = nil
	if e.LastMessage != nil {
		snap := *e.LastMessage
		view.LastMessage = &snap
	}
	view.UnreadCount = e.Unread[viewerID]
	view.Version = e.Version
	return view
}

// Involves reports whether userID is one of the event's recipients.
func (e *Event) Involves(userID uuid.UUID) bool {
	for _, id := range e.Members {
		if id == userID {
			return true
		}
	}
	return false
}
