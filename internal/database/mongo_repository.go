package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"portal-messaging/internal/models"
	"portal-messaging/internal/utils"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ConversationDocument represents the MongoDB document structure for conversations
type ConversationDocument struct {
	ID            string           `bson:"_id"`
	ProjectID     string           `bson:"projectId"`
	ProjectTitle  string           `bson:"projectTitle"`
	EmployerID    string           `bson:"employerId"`
	ParticipantID string           `bson:"participantId"`
	Type          string           `bson:"type"`
	Members       []MemberDocument `bson:"members"`
	MemberIDs     []string         `bson:"memberIds"`
	Archived      bool             `bson:"archived"`
	CreatedAt     time.Time        `bson:"createdAt"`
	UpdatedAt     time.Time        `bson:"updatedAt"`
}

type MemberDocument struct {
	UserID string `bson:"userId"`
	Role   string `bson:"role"`
}

// ReactionDocument is one (actor, emoji) membership embedded in a message.
type ReactionDocument struct {
	ActorID string `bson:"actorId"`
	Emoji   string `bson:"emoji"`
}

// MessageDocument represents the MongoDB document structure for messages
type MessageDocument struct {
	ID             string              `bson:"_id"`
	ConversationID string              `bson:"conversationId"`
	SenderID       string              `bson:"senderId"`
	SenderRole     string              `bson:"senderRole"`
	Content        string              `bson:"content"`
	CreatedAt      time.Time           `bson:"createdAt"`
	Edited         bool                `bson:"edited"`
	EditedAt       *time.Time          `bson:"editedAt,omitempty"`
	DeletedAt      *time.Time          `bson:"deletedAt"`
	Pinned         bool                `bson:"pinned"`
	ReplyToID      string              `bson:"replyToId,omitempty"`
	Status         string              `bson:"status"`
	Reactions      []ReactionDocument  `bson:"reactions"`
	Attachments    []models.Attachment `bson:"attachments"`
	ReadBy         []string            `bson:"readBy"`
}

func toConversationDocument(c *models.Conversation) ConversationDocument {
	doc := ConversationDocument{
		ID:            c.ID.String(),
		ProjectID:     c.ProjectID.String(),
		ProjectTitle:  c.ProjectTitle,
		EmployerID:    c.EmployerID.String(),
		ParticipantID: c.ParticipantID.String(),
		Type:          string(c.Type),
		Members:       make([]MemberDocument, 0, len(c.Members)),
		Archived:      c.Archived,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
	for _, m := range c.Members {
		doc.Members = append(doc.Members, MemberDocument{UserID: m.UserID.String(), Role: string(m.Role)})
	}
	for _, id := range c.MemberIDs() {
		doc.MemberIDs = append(doc.MemberIDs, id.String())
	}
	return doc
}

func (d ConversationDocument) toModel() *models.Conversation {
	id, _ := uuid.Parse(d.ID)
	projectID, _ := uuid.Parse(d.ProjectID)
	employerID, _ := uuid.Parse(d.EmployerID)
	participantID, _ := uuid.Parse(d.ParticipantID)

	conv := &models.Conversation{
		ID:            id,
		ProjectID:     projectID,
		ProjectTitle:  d.ProjectTitle,
		EmployerID:    employerID,
		ParticipantID: participantID,
		Type:          models.ConversationType(d.Type),
		Archived:      d.Archived,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
	for _, m := range d.Members {
		userID, _ := uuid.Parse(m.UserID)
		conv.Members = append(conv.Members, models.Member{UserID: userID, Role: models.MemberRole(m.Role)})
	}
	return conv
}

func toMessageDocument(m *models.Message) MessageDocument {
	doc := MessageDocument{
		ID:             m.ID.String(),
		ConversationID: m.ConversationID.String(),
		SenderID:       m.SenderID.String(),
		SenderRole:     string(m.SenderRole),
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		Edited:         m.Edited,
		EditedAt:       m.EditedAt,
		DeletedAt:      m.DeletedAt,
		Pinned:         m.Pinned,
		Status:         string(m.Status),
		Reactions:      []ReactionDocument{},
		Attachments:    append([]models.Attachment{}, m.Attachments...),
		ReadBy:         []string{},
	}
	if m.ReplyToID != nil {
		doc.ReplyToID = m.ReplyToID.String()
	}
	for _, r := range m.Reactions {
		for _, actor := range r.ActorIDs {
			doc.Reactions = append(doc.Reactions, ReactionDocument{ActorID: actor.String(), Emoji: r.Emoji})
		}
	}
	return doc
}

func (d MessageDocument) toModel() *models.Message {
	id, _ := uuid.Parse(d.ID)
	convID, _ := uuid.Parse(d.ConversationID)
	senderID, _ := uuid.Parse(d.SenderID)

	msg := &models.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       senderID,
		SenderRole:     models.SenderRole(d.SenderRole),
		Content:        d.Content,
		CreatedAt:      d.CreatedAt.UTC(),
		Edited:         d.Edited,
		EditedAt:       utcPtr(d.EditedAt),
		DeletedAt:      utcPtr(d.DeletedAt),
		Pinned:         d.Pinned,
		Status:         models.DeliveryStatus(d.Status),
		Attachments:    append([]models.Attachment{}, d.Attachments...),
	}
	if d.ReplyToID != "" {
		if replyTo, err := uuid.Parse(d.ReplyToID); err == nil {
			msg.ReplyToID = &replyTo
		}
	}
	pairs := make([]models.ReactionPair, 0, len(d.Reactions))
	for _, r := range d.Reactions {
		actor, _ := uuid.Parse(r.ActorID)
		pairs = append(pairs, models.ReactionPair{MessageID: id, ActorID: actor, Emoji: r.Emoji})
	}
	msg.Reactions = models.BuildReactions(pairs)
	return msg
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// SaveConversation saves a new conversation to MongoDB
func (m *MongoDB) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}

	_, err := m.Conversations.InsertOne(ctx, toConversationDocument(conv))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return utils.NewAppError(utils.ErrDuplicate, fmt.Sprintf("conversation already exists: %s", conv.ID), err)
		}
		return utils.NewPersistenceError("save conversation", err)
	}
	return nil
}

// GetConversation retrieves a conversation by id
func (m *MongoDB) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	var doc ConversationDocument
	err := m.Conversations.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, utils.NewConversationNotFoundError(id.String())
		}
		return nil, utils.NewPersistenceError("query conversation", err)
	}
	return doc.toModel(), nil
}

// ListConversations retrieves the viewer's conversations with unread counts
// and last-message previews.
func (m *MongoDB) ListConversations(ctx context.Context, viewerID uuid.UUID, includeArchived bool) ([]*models.Conversation, error) {
	viewer := viewerID.String()
	filter := bson.M{"memberIds": viewer}
	if !includeArchived {
		filter["archived"] = false
	}
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}, {Key: "_id", Value: 1}})

	cursor, err := m.Conversations.Find(ctx, filter, opts)
	if err != nil {
		return nil, utils.NewPersistenceError("list conversations", err)
	}
	defer cursor.Close(ctx)

	convs := []*models.Conversation{}
	for cursor.Next(ctx) {
		var doc ConversationDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, utils.NewPersistenceError("decode conversation", err)
		}
		convs = append(convs, doc.toModel())
	}
	if err := cursor.Err(); err != nil {
		return nil, utils.NewPersistenceError("list conversations", err)
	}

	for _, c := range convs {
		unread, err := m.Messages.CountDocuments(ctx, bson.M{
			"conversationId": c.ID.String(),
			"senderId":       bson.M{"$ne": viewer},
			"deletedAt":      nil,
			"readBy":         bson.M{"$ne": viewer},
		})
		if err != nil {
			return nil, utils.NewPersistenceError("count unread messages", err)
		}
		c.UnreadCount = int(unread)

		var last MessageDocument
		err = m.Messages.FindOne(ctx,
			bson.M{"conversationId": c.ID.String(), "deletedAt": nil},
			options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}),
		).Decode(&last)
		switch {
		case err == nil:
			c.LastMessage = last.toModel().Snapshot()
		case errors.Is(err, mongo.ErrNoDocuments):
		default:
			return nil, utils.NewPersistenceError("query last message", err)
		}
	}
	return convs, nil
}

// TouchConversation moves updatedAt forward to at.
func (m *MongoDB) TouchConversation(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := m.Conversations.UpdateOne(ctx, bson.M{"_id": id.String()}, bson.M{"$max": bson.M{"updatedAt": at}})
	if err != nil {
		return utils.NewPersistenceError("touch conversation", err)
	}
	if result.MatchedCount == 0 {
		return utils.NewConversationNotFoundError(id.String())
	}
	return nil
}

// SetConversationArchived archives or restores a conversation.
func (m *MongoDB) SetConversationArchived(ctx context.Context, id uuid.UUID, archived bool, at time.Time) error {
	result, err := m.Conversations.UpdateOne(ctx, bson.M{"_id": id.String()},
		bson.M{"$set": bson.M{"archived": archived, "updatedAt": at}})
	if err != nil {
		return utils.NewPersistenceError("archive conversation", err)
	}
	if result.MatchedCount == 0 {
		return utils.NewConversationNotFoundError(id.String())
	}
	return nil
}

// SaveMessage saves a new message to MongoDB
func (m *MongoDB) SaveMessage(ctx context.Context, msg *models.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	n, err := m.Conversations.CountDocuments(ctx, bson.M{"_id": msg.ConversationID.String()})
	if err != nil {
		return utils.NewPersistenceError("save message", err)
	}
	if n == 0 {
		return utils.NewPersistenceError("save message", fmt.Errorf("conversation %s does not exist", msg.ConversationID))
	}
	_, err = m.Messages.InsertOne(ctx, toMessageDocument(msg))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return utils.NewAppError(utils.ErrDuplicate, fmt.Sprintf("message already exists: %s", msg.ID), err)
		}
		return utils.NewPersistenceError("save message", err)
	}
	return nil
}

// GetMessage retrieves a message by id
func (m *MongoDB) GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	var doc MessageDocument
	err := m.Messages.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, utils.NewMessageNotFoundError(id.String())
		}
		return nil, utils.NewPersistenceError("query message", err)
	}
	return doc.toModel(), nil
}

// GetConversationMessages retrieves the full log of a conversation
func (m *MongoDB) GetConversationMessages(ctx context.Context, conversationID uuid.UUID) ([]*models.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := m.Messages.Find(ctx, bson.M{"conversationId": conversationID.String()}, opts)
	if err != nil {
		return nil, utils.NewPersistenceError("query conversation messages", err)
	}
	defer cursor.Close(ctx)

	messages := []*models.Message{}
	for cursor.Next(ctx) {
		var doc MessageDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, utils.NewPersistenceError("decode message", err)
		}
		messages = append(messages, doc.toModel())
	}
	if err := cursor.Err(); err != nil {
		return nil, utils.NewPersistenceError("query conversation messages", err)
	}
	// mongo keeps milliseconds only; re-sort in case truncation produced ties
	models.SortMessages(messages)
	return messages, nil
}

// UpdateMessageContent rewrites an active message owned by senderID
func (m *MongoDB) UpdateMessageContent(ctx context.Context, id, senderID uuid.UUID, content string, editedAt time.Time) error {
	result, err := m.Messages.UpdateOne(ctx,
		bson.M{"_id": id.String(), "senderId": senderID.String(), "deletedAt": nil},
		bson.M{"$set": bson.M{"content": content, "edited": true, "editedAt": editedAt}},
	)
	if err != nil {
		return utils.NewPersistenceError("update message", err)
	}
	if result.MatchedCount == 0 {
		return utils.NewMessageNotFoundError(id.String())
	}
	return nil
}

// SoftDeleteMessage sets deletedAt once
func (m *MongoDB) SoftDeleteMessage(ctx context.Context, id, senderID uuid.UUID, at time.Time) error {
	result, err := m.Messages.UpdateOne(ctx,
		bson.M{"_id": id.String(), "senderId": senderID.String(), "deletedAt": nil},
		bson.M{"$set": bson.M{"deletedAt": at}},
	)
	if err != nil {
		return utils.NewPersistenceError("delete message", err)
	}
	if result.MatchedCount > 0 {
		return nil
	}
	existing, err := m.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if existing.SenderID != senderID {
		return utils.NewUnauthorizedError("only the sender can delete a message")
	}
	return nil
}

// SetMessagePinned sets the pin flag
func (m *MongoDB) SetMessagePinned(ctx context.Context, id uuid.UUID, pinned bool) error {
	result, err := m.Messages.UpdateOne(ctx, bson.M{"_id": id.String()}, bson.M{"$set": bson.M{"pinned": pinned}})
	if err != nil {
		return utils.NewPersistenceError("pin message", err)
	}
	if result.MatchedCount == 0 {
		return utils.NewMessageNotFoundError(id.String())
	}
	return nil
}

// ToggleReaction pulls the reaction when held, otherwise adds it.
func (m *MongoDB) ToggleReaction(ctx context.Context, id, actorID uuid.UUID, emoji string) (bool, error) {
	reaction := ReactionDocument{ActorID: actorID.String(), Emoji: emoji}

	pulled, err := m.Messages.UpdateOne(ctx,
		bson.M{"_id": id.String(), "reactions": bson.M{"$elemMatch": bson.M{"actorId": reaction.ActorID, "emoji": emoji}}},
		bson.M{"$pull": bson.M{"reactions": bson.M{"actorId": reaction.ActorID, "emoji": emoji}}},
	)
	if err != nil {
		return false, utils.NewPersistenceError("toggle reaction", err)
	}
	if pulled.ModifiedCount > 0 {
		return false, nil
	}

	added, err := m.Messages.UpdateOne(ctx,
		bson.M{"_id": id.String()},
		bson.M{"$addToSet": bson.M{"reactions": reaction}},
	)
	if err != nil {
		return false, utils.NewPersistenceError("toggle reaction", err)
	}
	if added.MatchedCount == 0 {
		return false, utils.NewMessageNotFoundError(id.String())
	}
	return true, nil
}

func (m *MongoDB) matchingIDs(ctx context.Context, filter bson.M) ([]uuid.UUID, error) {
	opts := options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := m.Messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var ids []uuid.UUID
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		if id, err := uuid.Parse(doc.ID); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, cursor.Err()
}

// MarkMessagesRead adds readerID to readBy and advances status to read.
func (m *MongoDB) MarkMessagesRead(ctx context.Context, conversationID, readerID uuid.UUID, ids []uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	reader := readerID.String()
	filter := bson.M{
		"conversationId": conversationID.String(),
		"senderId":       bson.M{"$ne": reader},
		"deletedAt":      nil,
		"readBy":         bson.M{"$ne": reader},
	}
	if len(ids) > 0 {
		filter["_id"] = bson.M{"$in": idStrings(ids)}
	}
	newly, err := m.matchingIDs(ctx, filter)
	if err != nil {
		return nil, utils.NewPersistenceError("query unread messages", err)
	}
	if len(newly) == 0 {
		return nil, nil
	}

	_, err = m.Messages.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": idStrings(newly)}},
		bson.M{
			"$addToSet": bson.M{"readBy": reader},
			"$set":      bson.M{"status": string(models.StatusRead)},
		},
	)
	if err != nil {
		return nil, utils.NewPersistenceError("mark messages read", err)
	}
	return newly, nil
}

// GetReadReceipts collects readBy of the conversation's read messages.
func (m *MongoDB) GetReadReceipts(ctx context.Context, conversationID uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	cursor, err := m.Messages.Find(ctx,
		bson.M{"conversationId": conversationID.String(), "readBy.0": bson.M{"$exists": true}},
		options.Find().SetProjection(bson.M{"_id": 1, "readBy": 1}),
	)
	if err != nil {
		return nil, utils.NewPersistenceError("query read receipts", err)
	}
	defer cursor.Close(ctx)

	receipts := make(map[uuid.UUID][]uuid.UUID)
	for cursor.Next(ctx) {
		var doc struct {
			ID     string   `bson:"_id"`
			ReadBy []string `bson:"readBy"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, utils.NewPersistenceError("decode read receipts", err)
		}
		id, err := uuid.Parse(doc.ID)
		if err != nil {
			continue
		}
		for _, reader := range doc.ReadBy {
			if readerID, err := uuid.Parse(reader); err == nil {
				receipts[id] = append(receipts[id], readerID)
			}
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, utils.NewPersistenceError("query read receipts", err)
	}
	return receipts, nil
}

// MarkMessagesDelivered moves sent messages addressed to recipientID to delivered.
func (m *MongoDB) MarkMessagesDelivered(ctx context.Context, conversationID, recipientID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error) {
	filter := bson.M{
		"conversationId": conversationID.String(),
		"senderId":       bson.M{"$ne": recipientID.String()},
		"deletedAt":      nil,
		"status":         string(models.StatusSent),
	}
	if len(ids) > 0 {
		filter["_id"] = bson.M{"$in": idStrings(ids)}
	}
	changed, err := m.matchingIDs(ctx, filter)
	if err != nil {
		return nil, utils.NewPersistenceError("query undelivered messages", err)
	}
	if len(changed) == 0 {
		return nil, nil
	}
	_, err = m.Messages.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": idStrings(changed)}, "status": string(models.StatusSent)},
		bson.M{"$set": bson.M{"status": string(models.StatusDelivered)}},
	)
	if err != nil {
		return nil, utils.NewPersistenceError("mark messages delivered", err)
	}
	return changed, nil
}
