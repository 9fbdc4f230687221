package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mallhar/neomind-apex-ingestion/internal/eventstore/sqlite"
	natsjs "github.com/mallhar/neomind-apex-ingestion/internal/nats"
	"github.com/mallhar/neomind-apex-ingestion/internal/sync"
)

// Runner drives continuous contact sync for one provider account.
type Runner struct {
	DataRoot     string
	Publisher    *natsjs.Publisher
	Integration  sync.Integration
	Orchestrator *sync.Orchestrator
	SyncInterval time.Duration
}

// RunAccount performs the initial sync, then keeps the account current
// with incremental syncs until the context is cancelled.
func (r *Runner) RunAccount(ctx context.Context, accountID string) error {
	dbPath := filepath.Join(r.DataRoot, accountID, "ingest.db")
	store, err := sqlite.OpenAccountDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open account DB: %w", err)
	}
	defer store.Close()

	if err := r.Publisher.EnsureStream(ctx); err != nil {
		return fmt.Errorf("failed to ensure NATS stream: %w", err)
	}

	// Outbox dispatcher runs for the life of the account worker.
	go r.dispatchLoop(ctx, store)

	provider := string(r.Integration.Provider())

	cursor, err := store.LoadCursor(ctx, provider, accountID)
	if err != nil {
		log.Printf("Error loading cursor for account %s: %v", accountID, err)
	}

	if cursor == "" {
		log.Printf("Starting full contact sync for account %s", accountID)
	} else {
		log.Printf("Starting incremental contact sync for account %s from cursor %s", accountID, cursor)
	}
	if err := store.SaveCursor(ctx, provider, accountID, cursor, "SYNCING"); err != nil {
		log.Printf("Error saving cursor: %v", err)
	}

	res, err := r.Orchestrator.SyncContacts(ctx, r.Integration, sync.Cursor{Provider: r.Integration.Provider(), Value: cursor})
	if err != nil {
		_ = store.UpdateSyncStatus(ctx, provider, accountID, "ERROR", err.Error())
		return fmt.Errorf("sync failed: %w", err)
	}

	if err := r.storeContacts(ctx, store, accountID, res.Contacts); err != nil {
		return err
	}
	if err := store.SaveCursor(ctx, provider, accountID, res.NextCursor.Value, "HOOKED"); err != nil {
		log.Printf("Error saving cursor: %v", err)
	}

	log.Printf("Initial sync complete for account %s: %d contacts", accountID, len(res.Contacts))

	ticker := time.NewTicker(r.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("Stopping sync for account %s", accountID)
			return nil
		case <-ticker.C:
			cursor, err := store.LoadCursor(ctx, provider, accountID)
			if err != nil {
				log.Printf("Error loading cursor: %v", err)
				continue
			}
			if cursor == "" {
				continue
			}

			res, err := r.Orchestrator.SyncContacts(ctx, r.Integration, sync.Cursor{Provider: r.Integration.Provider(), Value: cursor})
			if err != nil {
				log.Printf("Incremental sync error for account %s: %v", accountID, err)
				_ = store.UpdateSyncStatus(ctx, provider, accountID, "ERROR", err.Error())
				continue
			}

			if err := r.storeContacts(ctx, store, accountID, res.Contacts); err != nil {
				log.Printf("Error storing contacts for account %s: %v", accountID, err)
				continue
			}
			if res.NextCursor.Value != cursor {
				if err := store.SaveCursor(ctx, provider, accountID, res.NextCursor.Value, "HOOKED"); err != nil {
					log.Printf("Error saving cursor: %v", err)
				}
				log.Printf("Synced %d contacts for account %s, new cursor: %s", len(res.Contacts), accountID, res.NextCursor.Value)
			}
		}
	}
}

// storeContacts upserts each contact and enqueues its outbox event in
// one transaction per contact.
func (r *Runner) storeContacts(ctx context.Context, store *sqlite.Store, accountID string, contacts []sync.Contact) error {
	provider := string(r.Integration.Provider())

	for _, c := range contacts {
		ts := time.Now().Unix()
		identifiersJSON, _ := json.Marshal(c.Identifiers)

		event := map[string]interface{}{
			"event_id":            uuid.NewString(),
			"ts":                  ts,
			"provider":            provider,
			"account_id":          accountID,
			"provider_contact_id": c.ProviderID,
			"display_name":        c.DisplayName,
			"identifiers":         c.Identifiers,
		}
		payload, _ := json.Marshal(event)
		msgID := fmt.Sprintf("contact.updated|%s|%s|%d", provider, c.ProviderID, ts)
		subject := fmt.Sprintf("account.%s.contact.updated", accountID)

		tx, err := store.DB.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		err = store.UpsertContactTx(
			ctx, tx,
			provider,
			accountID,
			c.ProviderID,
			c.DisplayName,
			string(identifiersJSON),
			subject,
			"contact.updated",
			payload,
			msgID,
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to store contact %s: %w", c.ProviderID, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
	}
	return nil
}

// dispatchLoop continuously dispatches messages from the outbox to NATS.
func (r *Runner) dispatchLoop(ctx context.Context, store *sqlite.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := store.DequeueOutbox(ctx, 100)
		if err != nil {
			log.Printf("Error dequeuing outbox: %v", err)
			time.Sleep(time.Second)
			continue
		}

		if len(messages) == 0 {
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, msg := range messages {
			err := r.Publisher.Publish(msg.Subject, msg.Payload, msg.MsgID)
			if err != nil {
				log.Printf("Error publishing message %d: %v", msg.ID, err)
				_ = store.MarkOutboxRetry(ctx, msg.ID, 10*time.Second)
				continue
			}

			if err := store.MarkPublished(ctx, msg.ID); err != nil {
				log.Printf("Error marking message %d as published: %v", msg.ID, err)
			}
		}
	}
}
