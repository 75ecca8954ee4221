package database

import (
	"context"
	"fmt"
	"time"

	"portal-messaging/internal/config"
	"portal-messaging/internal/models"

	"github.com/google/uuid"
)

// DBAdapter defines the persistence collaborator of the messaging engine.
// Every backend (PostgreSQL, SQLite, MongoDB, in-memory) implements it.
// Errors are *utils.AppError values.
type DBAdapter interface {
	// Connection
	Close(ctx context.Context) error

	// Conversation methods
	SaveConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
	// ListConversations returns the conversations visible to viewerID with
	// the viewer's unread count and the last non-deleted message filled in,
	// most recently updated first.
	ListConversations(ctx context.Context, viewerID uuid.UUID, includeArchived bool) ([]*models.Conversation, error)
	TouchConversation(ctx context.Context, id uuid.UUID, at time.Time) error
	SetConversationArchived(ctx context.Context, id uuid.UUID, archived bool, at time.Time) error

	// Message methods
	SaveMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error)
	// GetConversationMessages returns the whole log, soft-deleted rows included.
	GetConversationMessages(ctx context.Context, conversationID uuid.UUID) ([]*models.Message, error)
	UpdateMessageContent(ctx context.Context, id, senderID uuid.UUID, content string, editedAt time.Time) error
	// SoftDeleteMessage keeps the first deletion timestamp; deleting again is a no-op.
	SoftDeleteMessage(ctx context.Context, id, senderID uuid.UUID, at time.Time) error
	SetMessagePinned(ctx context.Context, id uuid.UUID, pinned bool) error
	// ToggleReaction flips the (message, actor, emoji) membership atomically
	// and reports whether the reaction is now held.
	ToggleReaction(ctx context.Context, id, actorID uuid.UUID, emoji string) (bool, error)
	// MarkMessagesRead records readerID's receipt for the given messages (all
	// of the conversation when ids is empty) and returns the ids that were
	// newly read. Messages sent by the reader and deleted messages are skipped.
	MarkMessagesRead(ctx context.Context, conversationID, readerID uuid.UUID, ids []uuid.UUID, at time.Time) ([]uuid.UUID, error)
	// GetReadReceipts maps each message of the conversation that has been
	// read to its readers.
	GetReadReceipts(ctx context.Context, conversationID uuid.UUID) (map[uuid.UUID][]uuid.UUID, error)
	// MarkMessagesDelivered advances sent messages not written by recipientID
	// to delivered and returns the ids that changed.
	MarkMessagesDelivered(ctx context.Context, conversationID, recipientID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error)
}

// Open connects to the backend selected by cfg.Type and prepares its schema.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (DBAdapter, error) {
	switch cfg.Type {
	case "postgres":
		db, err := NewPostgresDB(cfg.URI)
		if err != nil {
			return nil, err
		}
		if err := db.InitializeTables(ctx); err != nil {
			db.Close(ctx)
			return nil, err
		}
		return db, nil
	case "sqlite":
		db, err := NewSQLiteDB(cfg.URI)
		if err != nil {
			return nil, err
		}
		if err := db.InitializeTables(ctx); err != nil {
			db.Close(ctx)
			return nil, err
		}
		return db, nil
	case "mongo":
		db, err := NewMongoDB(cfg.URI, cfg.Name)
		if err != nil {
			return nil, err
		}
		if err := db.EnsureIndexes(ctx); err != nil {
			db.Close(ctx)
			return nil, err
		}
		return db, nil
	case "memory":
		return NewMemoryDB(), nil
	}
	return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
}
