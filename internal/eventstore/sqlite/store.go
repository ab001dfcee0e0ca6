package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/mailsync/internal/model"
)

//go:embed schema.sql
var schemaSQL string

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Store is the local mail store shared by all account synchronizers
type Store struct {
	DB *sqlx.DB
}

// OutboxMessage represents a message in the outbox
type OutboxMessage struct {
	ID       int64  `db:"id"`
	Subject  string `db:"subject"`
	Payload  []byte `db:"payload"`
	MsgID    string `db:"msg_id"`
	Attempts int    `db:"attempts"`
}

// OutboxEntry is a notification waiting to be published
type OutboxEntry struct {
	Subject   string
	EventType string
	Payload   []byte
	MsgID     string
}

// Open opens or creates the mail database. ":memory:" opens a private
// in-memory database.
func Open(dbPath string) (*Store, error) {
	memory := dbPath == ":memory:"

	if !memory {
		// Ensure directory exists
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if memory {
		// every connection would see its own empty database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// AppendOutbox stores notifications for the dispatcher in one transaction
func (s *Store) AppendOutbox(ctx context.Context, entries ...OutboxEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, now, e.Subject, e.EventType, e.Payload, e.MsgID, now)
		if err != nil {
			return fmt.Errorf("failed to insert outbox entry: %w", err)
		}
	}

	return tx.Commit()
}

// DequeueOutbox fetches unpublished messages from outbox
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	var messages []OutboxMessage
	err := s.DB.SelectContext(ctx, &messages, `
		SELECT id, subject, payload, msg_id, attempts
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	return messages, nil
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE outbox SET published_at = ? WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry schedules another publish attempt after delay
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, delay time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET attempts = attempts + 1, next_attempt_at = ? WHERE id = ?
	`, time.Now().Add(delay).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	return nil
}

// execIn runs a statement with one IN (?) list argument
func (s *Store) execIn(ctx context.Context, query string, args ...interface{}) (int64, error) {
	q, params, err := sqlx.In(query, args...)
	if err != nil {
		return 0, err
	}
	res, err := s.DB.ExecContext(ctx, s.DB.Rebind(q), params...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// notFound maps sql.ErrNoRows to model.ErrNotFound
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	return err
}
