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

const messageColumns = `id, conversation_id, sender_id, sender_role, content, created_at, edited, edited_at, deleted_at, pinned, reply_to_id, status`

// SaveMessage inserts a message with its attachments and any initial reactions.
func (p *SQLDB) SaveMessage(ctx context.Context, msg *models.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	return p.withTx(ctx, "save message", func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO messages (`+messageColumns+`)
			VALUES (:id, :conversation_id, :sender_id, :sender_role, :content, :created_at, :edited, :edited_at, :deleted_at, :pinned, :reply_to_id, :status)
		`, msg)
		if err != nil {
			if isUniqueViolation(err) {
				return utils.NewAppError(utils.ErrDuplicate, fmt.Sprintf("message already exists: %s", msg.ID), err)
			}
			return utils.NewPersistenceError("save message", err)
		}

		for i, a := range msg.Attachments {
			_, err := tx.ExecContext(ctx, p.rebind(`
				INSERT INTO message_attachments (message_id, position, name, url, mime_type) VALUES (?, ?, ?, ?, ?)
			`), msg.ID, i, a.Name, a.URL, a.MimeType)
			if err != nil {
				return utils.NewPersistenceError("save message attachment", err)
			}
		}
		for _, r := range msg.Reactions {
			for _, actor := range r.ActorIDs {
				_, err := tx.ExecContext(ctx, p.rebind(`
					INSERT INTO message_reactions (message_id, actor_id, emoji, created_at) VALUES (?, ?, ?, ?)
				`), msg.ID, actor, r.Emoji, msg.CreatedAt)
				if err != nil {
					return utils.NewPersistenceError("save message reaction", err)
				}
			}
		}
		return nil
	})
}

// GetMessage fetches a single message, soft-deleted or not.
func (p *SQLDB) GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	var msg models.Message
	err := p.DB.GetContext(ctx, &msg, p.rebind(`SELECT `+messageColumns+` FROM messages WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, utils.NewMessageNotFoundError(id.String())
		}
		return nil, utils.NewPersistenceError("query message", err)
	}
	if err := p.hydrate(ctx, []*models.Message{&msg}); err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetConversationMessages fetches the full log of a conversation in thread order.
func (p *SQLDB) GetConversationMessages(ctx context.Context, conversationID uuid.UUID) ([]*models.Message, error) {
	messages := []*models.Message{}
	err := p.DB.SelectContext(ctx, &messages, p.rebind(`
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
	`), conversationID)
	if err != nil {
		return nil, utils.NewPersistenceError("query conversation messages", err)
	}
	if err := p.hydrate(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

type attachmentRow struct {
	MessageID uuid.UUID `db:"message_id"`
	models.Attachment
}

// hydrate loads attachments and reactions for the given messages.
func (p *SQLDB) hydrate(ctx context.Context, messages []*models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*models.Message, len(messages))
	ids := make([]uuid.UUID, len(messages))
	for i, m := range messages {
		byID[m.ID] = m
		ids[i] = m.ID
		m.Attachments = []models.Attachment{}
		m.Reactions = []models.Reaction{}
	}

	query, args, err := p.in(`
		SELECT message_id, name, url, mime_type FROM message_attachments
		WHERE message_id IN (?) ORDER BY message_id, position`, ids)
	if err != nil {
		return utils.NewPersistenceError("build attachment query", err)
	}
	var attachments []attachmentRow
	if err := p.DB.SelectContext(ctx, &attachments, query, args...); err != nil {
		return utils.NewPersistenceError("query attachments", err)
	}
	for _, a := range attachments {
		m := byID[a.MessageID]
		m.Attachments = append(m.Attachments, a.Attachment)
	}

	query, args, err = p.in(`
		SELECT message_id, actor_id, emoji FROM message_reactions
		WHERE message_id IN (?) ORDER BY created_at, actor_id`, ids)
	if err != nil {
		return utils.NewPersistenceError("build reaction query", err)
	}
	var pairs []models.ReactionPair
	if err := p.DB.SelectContext(ctx, &pairs, query, args...); err != nil {
		return utils.NewPersistenceError("query reactions", err)
	}
	grouped := make(map[uuid.UUID][]models.ReactionPair)
	for _, pair := range pairs {
		grouped[pair.MessageID] = append(grouped[pair.MessageID], pair)
	}
	for id, ps := range grouped {
		byID[id].Reactions = models.BuildReactions(ps)
	}
	return nil
}

// UpdateMessageContent rewrites the content of an active message. Only the
// sender's own rows match.
func (p *SQLDB) UpdateMessageContent(ctx context.Context, id, senderID uuid.UUID, content string, editedAt time.Time) error {
	result, err := p.DB.ExecContext(ctx, p.rebind(`
		UPDATE messages SET content = ?, edited = TRUE, edited_at = ?
		WHERE id = ? AND sender_id = ? AND deleted_at IS NULL
	`), content, editedAt, id, senderID)
	if err != nil {
		return utils.NewPersistenceError("update message", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return utils.NewMessageNotFoundError(id.String())
	}
	return nil
}

// SoftDeleteMessage stamps deleted_at once. A second call matches no row and
// succeeds without changing the original timestamp.
func (p *SQLDB) SoftDeleteMessage(ctx context.Context, id, senderID uuid.UUID, at time.Time) error {
	result, err := p.DB.ExecContext(ctx, p.rebind(`
		UPDATE messages SET deleted_at = ?
		WHERE id = ? AND sender_id = ? AND deleted_at IS NULL
	`), at, id, senderID)
	if err != nil {
		return utils.NewPersistenceError("delete message", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		var owner uuid.UUID
		err := p.DB.GetContext(ctx, &owner, p.rebind(`SELECT sender_id FROM messages WHERE id = ?`), id)
		if errors.Is(err, sql.ErrNoRows) {
			return utils.NewMessageNotFoundError(id.String())
		}
		if err != nil {
			return utils.NewPersistenceError("query message", err)
		}
		if owner != senderID {
			return utils.NewUnauthorizedError("only the sender can delete a message")
		}
	}
	return nil
}

// SetMessagePinned sets the pin flag of a message.
func (p *SQLDB) SetMessagePinned(ctx context.Context, id uuid.UUID, pinned bool) error {
	result, err := p.DB.ExecContext(ctx, p.rebind(`UPDATE messages SET pinned = ? WHERE id = ?`), pinned, id)
	if err != nil {
		return utils.NewPersistenceError("pin message", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return utils.NewMessageNotFoundError(id.String())
	}
	return nil
}

// ToggleReaction removes the actor's reaction when held and adds it otherwise,
// inside one transaction.
func (p *SQLDB) ToggleReaction(ctx context.Context, id, actorID uuid.UUID, emoji string) (bool, error) {
	var added bool
	err := p.withTx(ctx, "toggle reaction", func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, p.rebind(`
			DELETE FROM message_reactions WHERE message_id = ? AND actor_id = ? AND emoji = ?
		`), id, actorID, emoji)
		if err != nil {
			return utils.NewPersistenceError("toggle reaction", err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			added = false
			return nil
		}

		_, err = tx.ExecContext(ctx, p.rebind(`
			INSERT INTO message_reactions (message_id, actor_id, emoji, created_at) VALUES (?, ?, ?, ?)
		`), id, actorID, emoji, time.Now().UTC())
		if err != nil {
			if isUniqueViolation(err) {
				return utils.NewAppError(utils.ErrDuplicate, "reaction changed concurrently", err)
			}
			return utils.NewPersistenceError("toggle reaction", err)
		}
		added = true
		return nil
	})
	return added, err
}

// MarkMessagesRead records read receipts for readerID and advances the
// affected messages to read.
func (p *SQLDB) MarkMessagesRead(ctx context.Context, conversationID, readerID uuid.UUID, ids []uuid.UUID, at time.Time) ([]uuid.UUID, error) {
	var newly []uuid.UUID
	err := p.withTx(ctx, "mark messages read", func(tx *sqlx.Tx) error {
		base := `
			SELECT m.id FROM messages m
			WHERE m.conversation_id = ?
			AND m.sender_id <> ?
			AND m.deleted_at IS NULL
			AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?)`
		args := []interface{}{conversationID, readerID, readerID}
		if len(ids) > 0 {
			base += ` AND m.id IN (?)`
			args = append(args, ids)
		}
		query, qargs, err := p.in(base+` ORDER BY m.created_at, m.id`, args...)
		if err != nil {
			return utils.NewPersistenceError("build read query", err)
		}
		if err := tx.SelectContext(ctx, &newly, query, qargs...); err != nil {
			return utils.NewPersistenceError("query unread messages", err)
		}
		if len(newly) == 0 {
			return nil
		}

		for _, id := range newly {
			_, err := tx.ExecContext(ctx, p.rebind(`
				INSERT INTO message_reads (message_id, user_id, read_at) VALUES (?, ?, ?)
			`), id, readerID, at)
			if err != nil {
				return utils.NewPersistenceError("save read receipt", err)
			}
		}

		query, qargs, err = p.in(`UPDATE messages SET status = ? WHERE id IN (?) AND status <> ?`,
			models.StatusRead, newly, models.StatusRead)
		if err != nil {
			return utils.NewPersistenceError("build status update", err)
		}
		if _, err := tx.ExecContext(ctx, query, qargs...); err != nil {
			return utils.NewPersistenceError("update message status", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return newly, nil
}

type readRow struct {
	MessageID uuid.UUID `db:"message_id"`
	UserID    uuid.UUID `db:"user_id"`
}

// GetReadReceipts lists who has read which message of the conversation.
func (p *SQLDB) GetReadReceipts(ctx context.Context, conversationID uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	var rows []readRow
	err := p.DB.SelectContext(ctx, &rows, p.rebind(`
		SELECT r.message_id, r.user_id FROM message_reads r
		JOIN messages m ON m.id = r.message_id
		WHERE m.conversation_id = ?
	`), conversationID)
	if err != nil {
		return nil, utils.NewPersistenceError("query read receipts", err)
	}
	receipts := make(map[uuid.UUID][]uuid.UUID)
	for _, r := range rows {
		receipts[r.MessageID] = append(receipts[r.MessageID], r.UserID)
	}
	return receipts, nil
}

// MarkMessagesDelivered moves sent messages addressed to recipientID to delivered.
func (p *SQLDB) MarkMessagesDelivered(ctx context.Context, conversationID, recipientID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error) {
	var changed []uuid.UUID
	err := p.withTx(ctx, "mark messages delivered", func(tx *sqlx.Tx) error {
		base := `
			SELECT id FROM messages
			WHERE conversation_id = ? AND sender_id <> ? AND status = ? AND deleted_at IS NULL`
		args := []interface{}{conversationID, recipientID, models.StatusSent}
		if len(ids) > 0 {
			base += ` AND id IN (?)`
			args = append(args, ids)
		}
		query, qargs, err := p.in(base+` ORDER BY created_at, id`, args...)
		if err != nil {
			return utils.NewPersistenceError("build delivery query", err)
		}
		if err := tx.SelectContext(ctx, &changed, query, qargs...); err != nil {
			return utils.NewPersistenceError("query undelivered messages", err)
		}
		if len(changed) == 0 {
			return nil
		}
		query, qargs, err = p.in(`UPDATE messages SET status = ? WHERE id IN (?) AND status = ?`,
			models.StatusDelivered, changed, models.StatusSent)
		if err != nil {
			return utils.NewPersistenceError("build status update", err)
		}
		if _, err := tx.ExecContext(ctx, query, qargs...); err != nil {
			return utils.NewPersistenceError("update message status", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}
