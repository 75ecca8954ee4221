package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"portal-messaging/internal/models"
	"portal-messaging/internal/utils"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const conversationColumns = `c.id, c.project_id, c.project_title, c.employer_id, c.participant_id, c.type, c.archived, c.created_at, c.updated_at`

// SaveConversation inserts a conversation together with its member list.
func (p *SQLDB) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}

	return p.withTx(ctx, "save conversation", func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO conversations (id, project_id, project_title, employer_id, participant_id, type, archived, created_at, updated_at)
			VALUES (:id, :project_id, :project_title, :employer_id, :participant_id, :type, :archived, :created_at, :updated_at)
		`, conv)
		if err != nil {
			if isUniqueViolation(err) {
				return utils.NewAppError(utils.ErrDuplicate, fmt.Sprintf("conversation already exists: %s", conv.ID), err)
			}
			return utils.NewPersistenceError("save conversation", err)
		}

		for _, m := range conv.Members {
			_, err := tx.ExecContext(ctx, p.rebind(`
				INSERT INTO conversation_members (conversation_id, user_id, role) VALUES (?, ?, ?)
			`), conv.ID, m.UserID, m.Role)
			if err != nil {
				return utils.NewPersistenceError("save conversation member", err)
			}
		}
		return nil
	})
}

// GetConversation fetches a conversation and its members. Unread count and
// last message are viewer-scoped and left empty.
func (p *SQLDB) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	var conv models.Conversation
	err := p.DB.GetContext(ctx, &conv, p.rebind(`SELECT `+conversationColumns+` FROM conversations c WHERE c.id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, utils.NewConversationNotFoundError(id.String())
		}
		return nil, utils.NewPersistenceError("query conversation", err)
	}

	members, err := p.membersOf(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	conv.Members = members[id]
	return &conv, nil
}

// ListConversations fetches every conversation the viewer belongs to.
func (p *SQLDB) ListConversations(ctx context.Context, viewerID uuid.UUID, includeArchived bool) ([]*models.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `,
			(SELECT COUNT(*) FROM messages m
				WHERE m.conversation_id = c.id
				AND m.sender_id <> ?
				AND m.deleted_at IS NULL
				AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?)
			) AS unread_count
		FROM conversations c
		WHERE (c.employer_id = ? OR c.participant_id = ?
			OR EXISTS (SELECT 1 FROM conversation_members cm WHERE cm.conversation_id = c.id AND cm.user_id = ?))`
	if !includeArchived {
		query += ` AND c.archived = FALSE`
	}
	query += ` ORDER BY c.updated_at DESC, c.id ASC`

	convs := []*models.Conversation{}
	err := p.DB.SelectContext(ctx, &convs, p.rebind(query), viewerID, viewerID, viewerID, viewerID, viewerID)
	if err != nil {
		return nil, utils.NewPersistenceError("list conversations", err)
	}
	if len(convs) == 0 {
		return convs, nil
	}

	ids := make([]uuid.UUID, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	members, err := p.membersOf(ctx, ids)
	if err != nil {
		return nil, err
	}
	last, err := p.lastMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, c := range convs {
		c.Members = members[c.ID]
		c.LastMessage = last[c.ID]
	}
	return convs, nil
}

type snapshotRow struct {
	ConversationID uuid.UUID             `db:"conversation_id"`
	MessageID      uuid.UUID             `db:"id"`
	SenderID       uuid.UUID             `db:"sender_id"`
	Content        string                `db:"content"`
	CreatedAt      time.Time             `db:"created_at"`
	Status         models.DeliveryStatus `db:"status"`
}

// lastMessages finds the most recent non-deleted message of each conversation.
func (p *SQLDB) lastMessages(ctx context.Context, conversationIDs []uuid.UUID) (map[uuid.UUID]*models.MessageSnapshot, error) {
	query, args, err := p.in(`
		SELECT m.conversation_id, m.id, m.sender_id, m.content, m.created_at, m.status
		FROM messages m
		WHERE m.conversation_id IN (?)
		AND m.deleted_at IS NULL
		AND NOT EXISTS (
			SELECT 1 FROM messages n
			WHERE n.conversation_id = m.conversation_id
			AND n.deleted_at IS NULL
			AND (n.created_at > m.created_at OR (n.created_at = m.created_at AND n.id > m.id))
		)`, conversationIDs)
	if err != nil {
		return nil, utils.NewPersistenceError("build last message query", err)
	}

	var rows []snapshotRow
	if err := p.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, utils.NewPersistenceError("query last messages", err)
	}
	out := make(map[uuid.UUID]*models.MessageSnapshot, len(rows))
	for _, r := range rows {
		out[r.ConversationID] = &models.MessageSnapshot{
			MessageID: r.MessageID,
			SenderID:  r.SenderID,
			Content:   r.Content,
			CreatedAt: r.CreatedAt,
			Status:    r.Status,
		}
	}
	return out, nil
}

type memberRow struct {
	ConversationID uuid.UUID         `db:"conversation_id"`
	UserID         uuid.UUID         `db:"user_id"`
	Role           models.MemberRole `db:"role"`
}

func (p *SQLDB) membersOf(ctx context.Context, conversationIDs []uuid.UUID) (map[uuid.UUID][]models.Member, error) {
	query, args, err := p.in(`
		SELECT conversation_id, user_id, role FROM conversation_members
		WHERE conversation_id IN (?)
		ORDER BY user_id`, conversationIDs)
	if err != nil {
		return nil, utils.NewPersistenceError("build member query", err)
	}
	var rows []memberRow
	if err := p.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, utils.NewPersistenceError("query conversation members", err)
	}
	out := make(map[uuid.UUID][]models.Member)
	for _, r := range rows {
		out[r.ConversationID] = append(out[r.ConversationID], models.Member{UserID: r.UserID, Role: r.Role})
	}
	return out, nil
}

// TouchConversation bumps updated_at; it never moves backwards.
func (p *SQLDB) TouchConversation(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := p.DB.ExecContext(ctx, p.rebind(`
		UPDATE conversations SET updated_at = ? WHERE id = ? AND updated_at < ?
	`), at, id, at)
	if err != nil {
		return utils.NewPersistenceError("touch conversation", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// either missing or already newer
		return p.conversationExists(ctx, id)
	}
	return nil
}

// SetConversationArchived archives or restores a conversation.
func (p *SQLDB) SetConversationArchived(ctx context.Context, id uuid.UUID, archived bool, at time.Time) error {
	result, err := p.DB.ExecContext(ctx, p.rebind(`
		UPDATE conversations SET archived = ?, updated_at = ? WHERE id = ?
	`), archived, at, id)
	if err != nil {
		return utils.NewPersistenceError("archive conversation", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return utils.NewConversationNotFoundError(id.String())
	}
	return nil
}

func (p *SQLDB) conversationExists(ctx context.Context, id uuid.UUID) error {
	var n int
	if err := p.DB.GetContext(ctx, &n, p.rebind(`SELECT COUNT(*) FROM conversations WHERE id = ?`), id); err != nil {
		return utils.NewPersistenceError("query conversation", err)
	}
	if n == 0 {
		return utils.NewConversationNotFoundError(id.String())
	}
	return nil
}
