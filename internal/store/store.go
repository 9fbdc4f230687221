package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mallhar/neomind-apex-ingestion/internal/subscription"
)

// Account is a provider account registered for ingestion.
type Account struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
}

// SubscriptionRow is the persisted copy of a tracked subscription. The
// lifecycle manager is the in-process source of truth; these rows are
// what survives a restart.
type SubscriptionRow struct {
	SubscriptionID string    `json:"subscription_id"`
	AccountID      string    `json:"account_id"`
	Provider       string    `json:"provider"`
	ResourceKind   string    `json:"resource_kind"`
	State          string    `json:"state"`
	ExpiresAt      time.Time `json:"expires_at"`
	Detail         string    `json:"detail"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ServiceStore is the service-level database: registered accounts and
// the subscription transition log.
type ServiceStore struct {
	db *sql.DB
}

// Open opens or creates the service database.
func Open(basePath string) (*ServiceStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(basePath, "service.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			subscription_id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			resource_kind TEXT NOT NULL,
			state TEXT NOT NULL,
			expires_at TIMESTAMP,
			detail TEXT,
			updated_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS subscription_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			subscription_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return &ServiceStore{db: db}, nil
}

// Close closes the database.
func (s *ServiceStore) Close() error {
	return s.db.Close()
}

// UpsertAccount registers a provider account.
func (s *ServiceStore) UpsertAccount(accountID, userID, provider string) error {
	_, err := s.db.Exec(`
		INSERT INTO accounts (id, user_id, provider, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, provider = excluded.provider
	`, accountID, userID, provider, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

// GetAccounts lists accounts registered for a user.
func (s *ServiceStore) GetAccounts(userID string) ([]Account, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, provider, created_at FROM accounts WHERE user_id = ? ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.UserID, &a.Provider, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// RecordTransition appends a lifecycle transition and updates the
// persisted subscription row to its latest state.
func (s *ServiceStore) RecordTransition(t subscription.Transition) error {
	detail, _ := json.Marshal(t.Sub)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO subscription_transitions (subscription_id, account_id, from_state, to_state, at)
		VALUES (?, ?, ?, ?, ?)
	`, t.Sub.ID, t.AccountID, string(t.From), string(t.To), t.At)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to insert transition: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO subscriptions (subscription_id, account_id, provider, resource_kind, state, expires_at, detail, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(subscription_id) DO UPDATE SET
			state = excluded.state,
			expires_at = excluded.expires_at,
			detail = excluded.detail,
			updated_at = excluded.updated_at
	`, t.Sub.ID, t.AccountID, string(t.Sub.Provider), string(t.Sub.ResourceKind), string(t.To), t.Sub.ExpiresAt, string(detail), t.At)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}

	return tx.Commit()
}

// GetSubscriptions lists the persisted subscription rows for an account.
func (s *ServiceStore) GetSubscriptions(accountID string) ([]SubscriptionRow, error) {
	rows, err := s.db.Query(`
		SELECT subscription_id, account_id, provider, resource_kind, state, expires_at, detail, updated_at
		FROM subscriptions WHERE account_id = ? ORDER BY updated_at DESC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []SubscriptionRow
	for rows.Next() {
		var row SubscriptionRow
		if err := rows.Scan(&row.SubscriptionID, &row.AccountID, &row.Provider, &row.ResourceKind,
			&row.State, &row.ExpiresAt, &row.Detail, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, row)
	}
	return subs, rows.Err()
}
