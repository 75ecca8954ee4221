package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

type MemberRole string

const (
	MemberOwner  MemberRole = "owner"
	MemberAdmin  MemberRole = "admin"
	MemberMember MemberRole = "member"
)

func (r MemberRole) Valid() bool {
	return r == MemberOwner || r == MemberAdmin || r == MemberMember
}

type Member struct {
	UserID uuid.UUID  `json:"userId" db:"user_id" bson:"userId"`
	Role   MemberRole `json:"role" db:"role" bson:"role"`
}

// Conversation is the channel of one application: an employer and a
// participant, or a group, around a project.
type Conversation struct {
	ID            uuid.UUID        `json:"id" db:"id"`
	ProjectID     uuid.UUID        `json:"projectId" db:"project_id"`
	ProjectTitle  string           `json:"projectTitle" db:"project_title"`
	EmployerID    uuid.UUID        `json:"employerId" db:"employer_id"`
	ParticipantID uuid.UUID        `json:"participantId" db:"participant_id"`
	Type          ConversationType `json:"type" db:"type"`
	Members       []Member         `json:"members,omitempty" db:"-"`
	LastMessage   *MessageSnapshot `json:"lastMessage,omitempty" db:"-"`
	UnreadCount   int              `json:"unreadCount" db:"unread_count"`
	Archived      bool             `json:"archived" db:"archived"`
	CreatedAt     time.Time        `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time        `json:"updatedAt" db:"updated_at"`
	// Version orders the states of one conversation; a higher version is a
	// newer state. Rows read straight from the store carry zero.
	Version uint64 `json:"version,omitempty" db:"-"`
}

// MemberIDs lists every user who can see the conversation: the employer,
// the participant and any group members, without duplicates.
func (c *Conversation) MemberIDs() []uuid.UUID {
	seen := make(map[uuid.UUID]bool)
	ids := make([]uuid.UUID, 0, len(c.Members)+2)
	add := func(id uuid.UUID) {
		if id == uuid.Nil || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}
	add(c.EmployerID)
	add(c.ParticipantID)
	for _, m := range c.Members {
		add(m.UserID)
	}
	return ids
}

func (c *Conversation) IsMember(userID uuid.UUID) bool {
	if userID == uuid.Nil {
		return false
	}
	for _, id := range c.MemberIDs() {
		if id == userID {
			return true
		}
	}
	return false
}

// RoleOf derives the sender role of a member. The conversation's employer
// writes as employer; everyone else writes as participant.
func (c *Conversation) RoleOf(userID uuid.UUID) SenderRole {
	if userID == c.EmployerID {
		return RoleEmployer
	}
	return RoleParticipant
}

// Clone copies the conversation including its member list and snapshot.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Members = append([]Member(nil), c.Members...)
	if c.LastMessage != nil {
		snap := *c.LastMessage
		cp.LastMessage = &snap
	}
	return &cp
}

// SortConversations orders most-recently-updated first, ties by id.
func SortConversations(convs []*Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if !convs[i].UpdatedAt.Equal(convs[j].UpdatedAt) {
			return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
		}
		return convs[i].ID.String() < convs[j].ID.String()
	})
}
