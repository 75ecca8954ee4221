package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// SenderRole is the side of the conversation a message was written from.
type SenderRole string

const (
	RoleEmployer    SenderRole = "employer"
	RoleParticipant SenderRole = "participant"
)

// Valid reports whether r is one of the closed set of sender roles.
func (r SenderRole) Valid() bool {
	return r == RoleEmployer || r == RoleParticipant
}

type Attachment struct {
	Name     string `json:"name" bson:"name" db:"name"`
	URL      string `json:"url" bson:"url" db:"url"`
	MimeType string `json:"mimeType" bson:"mimeType" db:"mime_type"`
}

// Reaction is one emoji on a message together with the actors holding it.
// Count always equals len(ActorIDs).
type Reaction struct {
	Emoji    string      `json:"emoji"`
	Count    int         `json:"count"`
	ActorIDs []uuid.UUID `json:"actorIds"`
}

type Message struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	ConversationID uuid.UUID      `json:"conversationId" db:"conversation_id"`
	SenderID       uuid.UUID      `json:"senderId" db:"sender_id"`
	SenderRole     SenderRole     `json:"senderRole" db:"sender_role"`
	Content        string         `json:"content" db:"content"`
	CreatedAt      time.Time      `json:"createdAt" db:"created_at"`
	Edited         bool           `json:"edited" db:"edited"`
	EditedAt       *time.Time     `json:"editedAt,omitempty" db:"edited_at"`
	DeletedAt      *time.Time     `json:"deletedAt,omitempty" db:"deleted_at"`
	Pinned         bool           `json:"pinned" db:"pinned"`
	ReplyToID      *uuid.UUID     `json:"replyToId,omitempty" db:"reply_to_id"`
	Reactions      []Reaction     `json:"reactions" db:"-"`
	Attachments    []Attachment   `json:"attachments" db:"-"`
	Status         DeliveryStatus `json:"status" db:"status"`
}

// IsDeleted reports whether the message has been soft-deleted.
func (m *Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

// Clone returns a deep copy so a mutation can be prepared without touching
// the original until it has been persisted.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		c.DeletedAt = &t
	}
	if m.ReplyToID != nil {
		id := *m.ReplyToID
		c.ReplyToID = &id
	}
	c.Attachments = append([]Attachment(nil), m.Attachments...)
	c.Reactions = make([]Reaction, len(m.Reactions))
	for i, r := range m.Reactions {
		c.Reactions[i] = Reaction{
			Emoji:    r.Emoji,
			Count:    r.Count,
			ActorIDs: append([]uuid.UUID(nil), r.ActorIDs...),
		}
	}
	return &c
}

// ReactionCounts flattens the reactions into emoji -> count.
func (m *Message) ReactionCounts() map[string]int {
	counts := make(map[string]int, len(m.Reactions))
	for _, r := range m.Reactions {
		counts[r.Emoji] = r.Count
	}
	return counts
}

// HasReaction reports whether actorID currently holds emoji on the message.
func (m *Message) HasReaction(actorID uuid.UUID, emoji string) bool {
	for _, r := range m.Reactions {
		if r.Emoji != emoji {
			continue
		}
		for _, id := range r.ActorIDs {
			if id == actorID {
				return true
			}
		}
	}
	return false
}

// ToggleReaction adds actorID to emoji when absent and removes it when
// present. It returns true when the reaction was added.
func (m *Message) ToggleReaction(actorID uuid.UUID, emoji string) bool {
	for i, r := range m.Reactions {
		if r.Emoji != emoji {
			continue
		}
		for j, id := range r.ActorIDs {
			if id == actorID {
				r.ActorIDs = append(r.ActorIDs[:j:j], r.ActorIDs[j+1:]...)
				if len(r.ActorIDs) == 0 {
					m.Reactions = append(m.Reactions[:i:i], m.Reactions[i+1:]...)
				} else {
					r.Count = len(r.ActorIDs)
					m.Reactions[i] = r
				}
				return false
			}
		}
		r.ActorIDs = append(r.ActorIDs, actorID)
		r.Count = len(r.ActorIDs)
		m.Reactions[i] = r
		return true
	}
	m.Reactions = append(m.Reactions, Reaction{Emoji: emoji, Count: 1, ActorIDs: []uuid.UUID{actorID}})
	SortReactions(m.Reactions)
	return true
}

// SortReactions orders reactions by emoji so every store renders them alike.
func SortReactions(reactions []Reaction) {
	sort.Slice(reactions, func(i, j int) bool { return reactions[i].Emoji < reactions[j].Emoji })
}

// BuildReactions groups (emoji, actor) pairs into Reaction records.
func BuildReactions(pairs []ReactionPair) []Reaction {
	byEmoji := make(map[string]*Reaction)
	order := make([]string, 0)
	for _, p := range pairs {
		r, ok := byEmoji[p.Emoji]
		if !ok {
			r = &Reaction{Emoji: p.Emoji}
			byEmoji[p.Emoji] = r
			order = append(order, p.Emoji)
		}
		r.ActorIDs = append(r.ActorIDs, p.ActorID)
		r.Count = len(r.ActorIDs)
	}
	out := make([]Reaction, 0, len(order))
	for _, e := range order {
		out = append(out, *byEmoji[e])
	}
	SortReactions(out)
	return out
}

// ReactionPair is the persisted form of a single reaction membership.
type ReactionPair struct {
	MessageID uuid.UUID `db:"message_id" bson:"-"`
	ActorID   uuid.UUID `db:"actor_id" bson:"actorId"`
	Emoji     string    `db:"emoji" bson:"emoji"`
}

// Less orders messages by creation time, breaking ties by id.
func Less(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// SortMessages sorts in place into thread order.
func SortMessages(messages []*Message) {
	sort.SliceStable(messages, func(i, j int) bool { return Less(messages[i], messages[j]) })
}

// MessageSnapshot is the denormalized last-message preview carried by a Conversation.
type MessageSnapshot struct {
	MessageID uuid.UUID      `json:"messageId"`
	SenderID  uuid.UUID      `json:"senderId"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"createdAt"`
	Status    DeliveryStatus `json:"status"`
}

// Snapshot returns the preview of m.
func (m *Message) Snapshot() *MessageSnapshot {
	return &MessageSnapshot{
		MessageID: m.ID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		Status:    m.Status,
	}
}

// LastActive returns the snapshot of the most recent non-deleted message, or nil.
func LastActive(messages []*Message) *MessageSnapshot {
	var last *Message
	for _, m := range messages {
		if m.IsDeleted() {
			continue
		}
		if last == nil || Less(last, m) {
			last = m
		}
	}
	if last == nil {
		return nil
	}
	return last.Snapshot()
}
