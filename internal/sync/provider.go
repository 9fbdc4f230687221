package sync

import "context"

// ContactsPage is one page of a contacts sync.
//
// NextPage is the intra-sync continuation; when non-empty the
// orchestrator must fetch another page before returning. SyncToken is
// the cross-sync resume token the provider hands back on the final
// page; it becomes the caller's next cursor.
type ContactsPage struct {
	Contacts  []Contact
	NextPage  string
	SyncToken string
}

// Integration is the uniform contract a provider adapter implements.
// All operations translate upstream failures through the shared error
// taxonomy before returning.
type Integration interface {
	// Provider identifies which upstream this adapter speaks to.
	Provider() Provider

	// FetchContactsPage fetches a single page of contacts.
	//
	// When pageToken is non-empty it continues an in-progress sync.
	// Otherwise syncToken selects incremental mode, and an empty
	// syncToken starts a full sync that must request a fresh resume
	// token from the provider. Contacts without identifiers are
	// dropped, not errored.
	FetchContactsPage(ctx context.Context, syncToken, pageToken string) (*ContactsPage, error)

	// FetchEmail fetches one email with a transport-decoded body.
	FetchEmail(ctx context.Context, id string) (*Email, error)

	// FetchCalendarEvent fetches one calendar event.
	FetchCalendarEvent(ctx context.Context, id string) (*CalendarEvent, error)

	// CreateSubscriptions registers push notifications for the account.
	// One call may yield multiple registrations (email and calendar).
	CreateSubscriptions(ctx context.Context, accountID, notificationURL string) ([]Subscription, error)

	// RenewSubscription extends a registration before it expires. A
	// provider without true renewal recreates the registration, so the
	// returned subscription's ID may differ from the input's.
	RenewSubscription(ctx context.Context, sub Subscription) (*Subscription, error)
}
