package sync

import (
	"context"
	"fmt"
)

// Result of a completed contacts sync. NextCursor is the cross-sync
// resume token to persist for the next incremental run.
type Result struct {
	Contacts   []Contact
	NextCursor Cursor
}

// Orchestrator drives an adapter's page-level contacts primitive to
// completion. It is stateless; one value serves any number of accounts.
type Orchestrator struct{}

// NewOrchestrator creates a sync orchestrator.
func NewOrchestrator() *Orchestrator {
	return &Orchestrator{}
}

// SyncContacts fetches pages sequentially until the adapter reports
// pagination exhausted, threading the intra-sync page token internally
// and exposing only the final cross-sync cursor.
//
// Contacts are returned in provider order. If the provider rejects the
// cursor as stale, the sync restarts once as a full sync with all
// partial results discarded; a second stale-cursor failure surfaces as
// an error. All other failures propagate immediately.
func (o *Orchestrator) SyncContacts(ctx context.Context, integ Integration, cursor Cursor) (*Result, error) {
	if !cursor.IsZero() && cursor.Provider != integ.Provider() {
		return nil, fmt.Errorf("cursor for provider %s handed to %s adapter", cursor.Provider, integ.Provider())
	}

	syncToken := cursor.Value
	recovered := false

	for {
		contacts, nextSync, err := o.runPages(ctx, integ, syncToken)
		if err != nil {
			if IsCursorInvalid(err) && syncToken != "" && !recovered {
				// Stale cursor: restart as a full sync, exactly once.
				syncToken = ""
				recovered = true
				continue
			}
			return nil, err
		}

		return &Result{
			Contacts:   contacts,
			NextCursor: Cursor{Provider: integ.Provider(), Value: nextSync},
		}, nil
	}
}

// runPages performs one complete paginated pass. At most one page
// request is in flight at a time; each page's token depends on the
// prior response.
func (o *Orchestrator) runPages(ctx context.Context, integ Integration, syncToken string) ([]Contact, string, error) {
	var contacts []Contact
	pageToken := ""

	for {
		page, err := integ.FetchContactsPage(ctx, syncToken, pageToken)
		if err != nil {
			// Partial pages are discarded, never partially returned.
			return nil, "", err
		}

		contacts = append(contacts, page.Contacts...)

		if page.NextPage == "" {
			return contacts, page.SyncToken, nil
		}
		pageToken = page.NextPage
	}
}
