package models

import (
	"strings"
	"testing"
	"time"

	"portal-messaging/internal/utils"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to DeliveryStatus
		ok       bool
	}{
		{StatusPending, StatusSent, true},
		{StatusPending, StatusFailed, true},
		{StatusSent, StatusDelivered, true},
		{StatusDelivered, StatusRead, true},
		{StatusSent, StatusRead, true},
		{StatusSent, StatusFailed, false},
		{StatusDelivered, StatusFailed, false},
		{StatusRead, StatusFailed, false},
		{StatusRead, StatusDelivered, false},
		{StatusDelivered, StatusSent, false},
		{StatusSent, StatusPending, false},
		{StatusFailed, StatusPending, true},
		{StatusFailed, StatusSent, false},
		{StatusSent, StatusSent, false},
		{DeliveryStatus("bogus"), StatusSent, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}
}

func TestStatusMaxNeverRegresses(t *testing.T) {
	assert.Equal(t, StatusRead, StatusRead.Max(StatusDelivered))
	assert.Equal(t, StatusRead, StatusDelivered.Max(StatusRead))
	assert.Equal(t, StatusSent, StatusPending.Max(StatusSent))
	assert.Equal(t, StatusSent, StatusSent.Max(StatusFailed))

	assert.True(t, StatusFailed.Valid())
	assert.False(t, DeliveryStatus("").Valid())
	assert.True(t, StatusDelivered.Persisted())
	assert.False(t, StatusPending.Persisted())
	assert.False(t, StatusFailed.Persisted())
}

func TestToggleReaction(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	msg := &Message{ID: uuid.New()}

	assert.True(t, msg.ToggleReaction(alice, "👍"))
	assert.True(t, msg.ToggleReaction(bob, "👍"))
	assert.True(t, msg.ToggleReaction(alice, "🎉"))
	assert.Equal(t, map[string]int{"👍": 2, "🎉": 1}, msg.ReactionCounts())
	assert.True(t, msg.HasReaction(bob, "👍"))

	// toggling again removes only that actor
	assert.False(t, msg.ToggleReaction(alice, "👍"))
	assert.Equal(t, map[string]int{"👍": 1, "🎉": 1}, msg.ReactionCounts())
	assert.False(t, msg.HasReaction(alice, "👍"))

	// the last actor leaving removes the emoji entirely
	assert.False(t, msg.ToggleReaction(alice, "🎉"))
	_, ok := msg.ReactionCounts()["🎉"]
	assert.False(t, ok)

	for _, r := range msg.Reactions {
		assert.Equal(t, len(r.ActorIDs), r.Count)
	}
}

func TestBuildReactions(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	reactions := BuildReactions([]ReactionPair{
		{ActorID: a, Emoji: "🎉"},
		{ActorID: a, Emoji: "👍"},
		{ActorID: b, Emoji: "🎉"},
	})
	require.Len(t, reactions, 2)
	assert.Equal(t, "👍", reactions[0].Emoji)
	assert.Equal(t, 1, reactions[0].Count)
	assert.Equal(t, "🎉", reactions[1].Emoji)
	assert.Equal(t, 2, reactions[1].Count)
	assert.ElementsMatch(t, []uuid.UUID{a, b}, reactions[1].ActorIDs)

	assert.Empty(t, BuildReactions(nil))
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	reply := uuid.New()
	orig := &Message{
		ID:          uuid.New(),
		Content:     "hello",
		EditedAt:    &now,
		ReplyToID:   &reply,
		Attachments: []Attachment{{Name: "a.pdf", URL: "https://x.example/a.pdf", MimeType: "application/pdf"}},
	}
	orig.ToggleReaction(uuid.New(), "👍")

	c := orig.Clone()
	c.ToggleReaction(uuid.New(), "👍")
	c.Attachments[0].Name = "b.pdf"
	*c.ReplyToID = uuid.New()

	assert.Equal(t, 1, orig.Reactions[0].Count)
	assert.Equal(t, "a.pdf", orig.Attachments[0].Name)
	assert.Equal(t, reply, *orig.ReplyToID)
	assert.Nil(t, (*Message)(nil).Clone())
}

func TestNormalizeContent(t *testing.T) {
	got, err := NormalizeContent("  hi there \n")
	require.NoError(t, err)
	assert.Equal(t, "hi there", got)

	_, err = NormalizeContent(" \t\n")
	assert.True(t, utils.IsErrorCode(err, utils.ErrInvalidInput))

	_, err = NormalizeContent(strings.Repeat("é", MaxContentLength))
	assert.NoError(t, err)
	_, err = NormalizeContent(strings.Repeat("é", MaxContentLength+1))
	assert.True(t, utils.IsErrorCode(err, utils.ErrInvalidInput))
}

func TestValidateEmoji(t *testing.T) {
	assert.NoError(t, ValidateEmoji("👍"))
	assert.NoError(t, ValidateEmoji(":+1:"))
	assert.Error(t, ValidateEmoji(""))
	assert.Error(t, ValidateEmoji("thumbs up"))
	assert.Error(t, ValidateEmoji(strings.Repeat("x", 33)))
	assert.Error(t, ValidateEmoji("\xff"))
}

func TestValidateAttachments(t *testing.T) {
	good := Attachment{Name: "cv.pdf", URL: "https://files.example.com/cv.pdf", MimeType: "application/pdf"}
	assert.NoError(t, ValidateAttachments([]Attachment{good}))

	noName := good
	noName.Name = " "
	assert.Error(t, ValidateAttachments([]Attachment{noName}))

	relative := good
	relative.URL = "/cv.pdf"
	assert.Error(t, ValidateAttachments([]Attachment{relative}))

	ftp := good
	ftp.URL = "ftp://files.example.com/cv.pdf"
	assert.Error(t, ValidateAttachments([]Attachment{ftp}))

	badMime := good
	badMime.MimeType = "not a mime"
	assert.Error(t, ValidateAttachments([]Attachment{badMime}))

	many := make([]Attachment, MaxAttachments+1)
	for i := range many {
		many[i] = good
	}
	assert.Error(t, ValidateAttachments(many))
}

func TestThreadOrdering(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a := &Message{ID: uuid.MustParse("00000000-0000-0000-0000-000000000002"), CreatedAt: base}
	b := &Message{ID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), CreatedAt: base}
	c := &Message{ID: uuid.New(), CreatedAt: base.Add(-time.Minute)}

	msgs := []*Message{a, b, c}
	SortMessages(msgs)
	assert.Equal(t, []*Message{c, b, a}, msgs)
	assert.True(t, Less(b, a))
	assert.False(t, Less(a, a))
}

func TestLastActiveSkipsDeleted(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	deletedAt := base.Add(time.Hour)
	first := &Message{ID: uuid.New(), Content: "first", CreatedAt: base}
	second := &Message{ID: uuid.New(), Content: "second", CreatedAt: base.Add(time.Minute), DeletedAt: &deletedAt}

	snap := LastActive([]*Message{second, first})
	require.NotNil(t, snap)
	assert.Equal(t, first.ID, snap.MessageID)
	assert.Equal(t, "first", snap.Content)

	assert.Nil(t, LastActive([]*Message{second}))
	assert.Nil(t, LastActive(nil))
}

func TestConversationMembers(t *testing.T) {
	employer, participant, extra := uuid.New(), uuid.New(), uuid.New()
	conv := &Conversation{
		ID:            uuid.New(),
		EmployerID:    employer,
		ParticipantID: participant,
		Members: []Member{
			{UserID: employer, Role: MemberOwner},
			{UserID: extra, Role: MemberMember},
		},
	}

	assert.Equal(t, []uuid.UUID{employer, participant, extra}, conv.MemberIDs())
	assert.True(t, conv.IsMember(extra))
	assert.False(t, conv.IsMember(uuid.New()))
	assert.False(t, conv.IsMember(uuid.Nil))
	assert.Equal(t, RoleEmployer, conv.RoleOf(employer))
	assert.Equal(t, RoleParticipant, conv.RoleOf(extra))

	cp := conv.Clone()
	cp.Members[0].Role = MemberAdmin
	assert.Equal(t, MemberOwner, conv.Members[0].Role)
}

func TestSortConversations(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	old := &Conversation{ID: uuid.New(), UpdatedAt: base}
	recent := &Conversation{ID: uuid.New(), UpdatedAt: base.Add(time.Hour)}
	convs := []*Conversation{old, recent}
	SortConversations(convs)
	assert.Equal(t, []*Conversation{recent, old}, convs)
}
