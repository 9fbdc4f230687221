package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store is a per-account ingestion state store.
type Store struct {
	DB *sql.DB
}

// OutboxMessage represents a message in the outbox.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// OpenAccountDB opens or creates a per-account database.
func OpenAccountDB(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// UpsertContactTx writes a contact snapshot and its outbox entry in one
// transaction, so a contact is never published without being recorded.
func (s *Store) UpsertContactTx(
	ctx context.Context,
	tx *sql.Tx,
	provider string,
	accountID string,
	providerContactID string,
	displayName string,
	identifiersJSON string,
	natsSubject string,
	eventType string,
	payload []byte,
	msgID string,
) error {
	now := time.Now().Unix()

	_, err := tx.ExecContext(ctx, `
		INSERT INTO contacts (provider, account_id, provider_contact_id, display_name, identifiers_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, account_id, provider_contact_id) DO UPDATE SET
			display_name = excluded.display_name,
			identifiers_json = excluded.identifiers_json,
			updated_at = excluded.updated_at
	`, provider, accountID, providerContactID, displayName, identifiersJSON, now)
	if err != nil {
		return fmt.Errorf("failed to upsert contact: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, natsSubject, eventType, payload, msgID, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	return nil
}

// AppendEventTx writes a standalone outbox entry (subscription
// transitions and other non-contact events).
func (s *Store) AppendEventTx(ctx context.Context, tx *sql.Tx, natsSubject, eventType string, payload []byte, msgID string) error {
	now := time.Now().Unix()
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, natsSubject, eventType, payload, msgID, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished messages from the outbox.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	now := time.Now().Unix()

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// MarkPublished marks an outbox message as published.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

// LoadCursor loads the sync cursor for a provider account.
func (s *Store) LoadCursor(ctx context.Context, provider, accountID string) (string, error) {
	var cursor sql.NullString
	err := s.DB.QueryRowContext(ctx, `
		SELECT cursor FROM provider_sync_state WHERE provider = ? AND account_id = ?
	`, provider, accountID).Scan(&cursor)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to load cursor: %w", err)
	}
	return cursor.String, nil
}

// SaveCursor saves the sync cursor for a provider account.
func (s *Store) SaveCursor(ctx context.Context, provider, accountID, cursor, status string) error {
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO provider_sync_state (provider, account_id, cursor, last_synced_at, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, account_id) DO UPDATE SET
			cursor = excluded.cursor,
			last_synced_at = excluded.last_synced_at,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, provider, accountID, cursor, now, status, now)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// UpdateSyncStatus updates sync status with error info.
func (s *Store) UpdateSyncStatus(ctx context.Context, provider, accountID, status, errorMsg string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE provider_sync_state
		SET status = ?,
		    last_error = ?,
		    retry_count = CASE WHEN ? != '' THEN retry_count + 1 ELSE retry_count END,
		    updated_at = ?
		WHERE provider = ? AND account_id = ?
	`, status, errorMsg, errorMsg, time.Now().Unix(), provider, accountID)
	return err
}
