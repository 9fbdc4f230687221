package sync

import "time"

// Provider identifies an upstream productivity provider.
type Provider string

const (
	ProviderGoogleWorkspace Provider = "google_workspace"
	ProviderMicrosoft365    Provider = "microsoft_365"
)

// ResourceKind identifies the kind of data a subscription covers.
type ResourceKind string

const (
	ResourceContacts ResourceKind = "contacts"
	ResourceEmail    ResourceKind = "email"
	ResourceCalendar ResourceKind = "calendar"
)

// Cursor is an opaque continuation token for incremental sync.
// An empty Value means "start a full sync". A cursor produced by one
// provider must never be handed to another provider's adapter.
type Cursor struct {
	Provider Provider `json:"provider"`
	Value    string   `json:"value"`
}

// IsZero reports whether the cursor requests a full sync.
func (c Cursor) IsZero() bool {
	return c.Value == ""
}

// IdentifierKind is the kind of a contact identifier.
type IdentifierKind string

const (
	IdentifierEmail IdentifierKind = "email"
	IdentifierPhone IdentifierKind = "phone"
)

// Identifier is a single linkable handle on a contact.
type Identifier struct {
	Kind  IdentifierKind `json:"kind"`
	Value string         `json:"value"`
}

// Contact is the provider-agnostic contact shape. A contact with no
// identifiers carries no linkable information and is dropped during
// normalization rather than surfaced.
type Contact struct {
	ProviderID  string       `json:"provider_id"`
	DisplayName string       `json:"display_name,omitempty"`
	Identifiers []Identifier `json:"identifiers"`
}

// Email is the provider-agnostic email shape returned by single-message
// fetches. BodyText is already transport-decoded.
type Email struct {
	ProviderID      string    `json:"provider_id"`
	ThreadID        string    `json:"thread_id"`
	Sender          string    `json:"sender"`
	Recipients      []string  `json:"recipients"`
	Subject         string    `json:"subject"`
	SentAt          time.Time `json:"sent_at"`
	BodyText        string    `json:"body_text"`
	BodyContentType string    `json:"body_content_type"`
	HasAttachments  bool      `json:"has_attachments"`
	Labels          []string  `json:"labels"`
}

// CalendarEvent is the provider-agnostic calendar event shape.
// ProviderData holds fields with no cross-provider equivalent.
type CalendarEvent struct {
	ProviderID      string            `json:"provider_id"`
	Title           string            `json:"title"`
	Description     string            `json:"description,omitempty"`
	Location        string            `json:"location,omitempty"`
	Start           time.Time         `json:"start"`
	End             time.Time         `json:"end"`
	Attendees       []string          `json:"attendees"`
	Organizer       string            `json:"organizer"`
	Status          string            `json:"status"`
	IsRecurring     bool              `json:"is_recurring"`
	IsOnlineMeeting bool              `json:"is_online_meeting"`
	ProviderData    map[string]string `json:"provider_data,omitempty"`
}

// Subscription is a registered push-notification registration.
// ProviderRef carries whatever provider-side identifiers the owning
// adapter needs to renew (channel id, resource id, topic); it is opaque
// to everything else.
type Subscription struct {
	ID              string            `json:"id"`
	ResourceKind    ResourceKind      `json:"resource_kind"`
	Provider        Provider          `json:"provider"`
	ExpiresAt       time.Time         `json:"expires_at"`
	ClientState     string            `json:"client_state"`
	NotificationURL string            `json:"notification_url"`
	ProviderRef     map[string]string `json:"provider_ref,omitempty"`
}
