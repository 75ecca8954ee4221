// internal/database/postgres.go
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"portal-messaging/internal/utils"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// SQLDB is the relational backend. The same queries run against PostgreSQL
// and SQLite; placeholders are written as '?' and rebound per driver.
type SQLDB struct {
	DB     *sqlx.DB
	driver string
}

// NewPostgresDB creates a new PostgreSQL database connection
func NewPostgresDB(connectionString string) (*SQLDB, error) {
	db, err := sqlx.Connect("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %v", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Ping the database to verify connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %v", err)
	}

	slog.Info("connected to PostgreSQL")

	return &SQLDB{DB: db, driver: "postgres"}, nil
}

// NewSQLiteDB opens a SQLite database. A single connection is kept so that
// ":memory:" databases are shared by every query.
func NewSQLiteDB(dsn string) (*SQLDB, error) {
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %v", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable SQLite foreign keys: %v", err)
	}

	slog.Info("opened SQLite database", "dsn", dsn)

	return &SQLDB{DB: db, driver: "sqlite3"}, nil
}

// Close closes the database connection
func (p *SQLDB) Close(ctx context.Context) error {
	slog.Info("closing SQL connection", "driver", p.driver)
	return p.DB.Close()
}

func (p *SQLDB) Ping(ctx context.Context) error {
	return p.DB.PingContext(ctx)
}

// schema returns the DDL for the driver. %[1]s is the id column type and
// %[2]s the timestamp column type.
func (p *SQLDB) schema() []string {
	idType, timeType := "UUID", "TIMESTAMP WITH TIME ZONE"
	if p.driver == "sqlite3" {
		// go-sqlite3 only decodes time.Time for these exact declared types
		idType, timeType = "TEXT", "TIMESTAMP"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id %[1]s PRIMARY KEY,
			project_id %[1]s NOT NULL,
			project_title TEXT NOT NULL DEFAULT '',
			employer_id %[1]s NOT NULL,
			participant_id %[1]s NOT NULL,
			type VARCHAR(16) NOT NULL,
			archived BOOLEAN NOT NULL DEFAULT FALSE,
			created_at %[2]s NOT NULL,
			updated_at %[2]s NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_members (
			conversation_id %[1]s NOT NULL REFERENCES conversations(id),
			user_id %[1]s NOT NULL,
			role VARCHAR(16) NOT NULL,
			PRIMARY KEY (conversation_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id %[1]s PRIMARY KEY,
			conversation_id %[1]s NOT NULL REFERENCES conversations(id),
			sender_id %[1]s NOT NULL,
			sender_role VARCHAR(16) NOT NULL,
			content TEXT NOT NULL,
			created_at %[2]s NOT NULL,
			edited BOOLEAN NOT NULL DEFAULT FALSE,
			edited_at %[2]s,
			deleted_at %[2]s,
			pinned BOOLEAN NOT NULL DEFAULT FALSE,
			reply_to_id %[1]s REFERENCES messages(id),
			status VARCHAR(16) NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages (conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS message_attachments (
			message_id %[1]s NOT NULL REFERENCES messages(id),
			position INTEGER NOT NULL,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			PRIMARY KEY (message_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS message_reactions (
			message_id %[1]s NOT NULL REFERENCES messages(id),
			actor_id %[1]s NOT NULL,
			emoji VARCHAR(64) NOT NULL,
			created_at %[2]s NOT NULL,
			PRIMARY KEY (message_id, actor_id, emoji)
		)`,
		`CREATE TABLE IF NOT EXISTS message_reads (
			message_id %[1]s NOT NULL REFERENCES messages(id),
			user_id %[1]s NOT NULL,
			read_at %[2]s NOT NULL,
			PRIMARY KEY (message_id, user_id)
		)`,
	}
	for i, stmt := range stmts {
		stmts[i] = fmt.Sprintf(stmt, idType, timeType)
	}
	return stmts
}

// InitializeTables creates all necessary tables if they don't exist
func (p *SQLDB) InitializeTables(ctx context.Context) error {
	for _, stmt := range p.schema() {
		if _, err := p.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %v", err)
		}
	}
	return nil
}

// rebind converts '?' placeholders to the driver's bindvar style.
func (p *SQLDB) rebind(query string) string {
	return p.DB.Rebind(query)
}

// in expands slice arguments for an IN clause and rebinds the result.
func (p *SQLDB) in(query string, args ...interface{}) (string, []interface{}, error) {
	q, a, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, err
	}
	return p.rebind(q), a, nil
}

// isUniqueViolation detects primary key and unique constraint failures of
// either driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name() == "unique_violation"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// withTx runs fn inside a transaction, rolling back on error.
func (p *SQLDB) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	tx, err := p.DB.BeginTxx(ctx, nil)
	if err != nil {
		return utils.NewPersistenceError(op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return utils.NewPersistenceError(op, err)
	}
	return nil
}
