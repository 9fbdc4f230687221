package google

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	people "google.golang.org/api/people/v1"

	"github.com/mallhar/neomind-apex-ingestion/internal/auth"
	"github.com/mallhar/neomind-apex-ingestion/internal/sync"
)

const (
	contactsPageSize = 100
	personFields     = "names,emailAddresses,phoneNumbers,metadata"
)

// Adapter implements sync.Integration for Google Workspace using the
// People, Gmail and Calendar APIs. Push notifications are delivered
// through a Pub/Sub topic, so the caller's notification URL is ignored
// and the topic name stands in for it on returned subscriptions.
type Adapter struct {
	people   *people.Service
	gmail    *gmail.Service
	calendar *calendar.Service
	topic    string
}

// New creates a Google Workspace adapter bound to one account's token.
// Extra client options are appended after the OAuth client, which lets
// tests point the services at a fake upstream.
func New(ctx context.Context, tok *auth.Token, topic string, extra ...option.ClientOption) (*Adapter, error) {
	oauth2Token := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}

	config := &oauth2.Config{
		Scopes: []string{
			gmail.GmailReadonlyScope,
			calendar.CalendarReadonlyScope,
			people.ContactsReadonlyScope,
		},
	}

	httpClient := config.Client(ctx, oauth2Token)
	opts := append([]option.ClientOption{option.WithHTTPClient(httpClient)}, extra...)

	peopleSvc, err := people.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create People service: %w", err)
	}

	gmailSvc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	calendarSvc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}

	return &Adapter{
		people:   peopleSvc,
		gmail:    gmailSvc,
		calendar: calendarSvc,
		topic:    topic,
	}, nil
}

// Provider identifies this adapter's upstream.
func (a *Adapter) Provider() sync.Provider {
	return sync.ProviderGoogleWorkspace
}

// FetchContactsPage fetches one page of People API connections. A 410
// from the provider surfaces as a CursorInvalid error for the
// orchestrator's full-sync recovery.
func (a *Adapter) FetchContactsPage(ctx context.Context, syncToken, pageToken string) (*sync.ContactsPage, error) {
	call := a.people.People.Connections.List("people/me").
		PageSize(contactsPageSize).
		PersonFields(personFields).
		Context(ctx)

	if syncToken != "" {
		call = call.SyncToken(syncToken)
	} else {
		// Full sync: ask the provider for a fresh resume token.
		call = call.RequestSyncToken(true)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, a.wrap("get_contacts", err)
	}

	page := &sync.ContactsPage{
		NextPage:  resp.NextPageToken,
		SyncToken: resp.NextSyncToken,
	}
	for _, conn := range resp.Connections {
		if c, ok := parseContact(conn); ok {
			page.Contacts = append(page.Contacts, c)
		}
	}
	return page, nil
}

// parseContact normalizes a People API person. Contacts without a
// single identifier are dropped.
func parseContact(p *people.Person) (sync.Contact, bool) {
	c := sync.Contact{ProviderID: p.ResourceName}

	if len(p.Names) > 0 {
		c.DisplayName = p.Names[0].DisplayName
	}
	for _, email := range p.EmailAddresses {
		if email.Value != "" {
			c.Identifiers = append(c.Identifiers, sync.Identifier{Kind: sync.IdentifierEmail, Value: email.Value})
		}
	}
	for _, phone := range p.PhoneNumbers {
		if phone.Value != "" {
			c.Identifiers = append(c.Identifiers, sync.Identifier{Kind: sync.IdentifierPhone, Value: phone.Value})
		}
	}

	return c, len(c.Identifiers) > 0
}

// FetchEmail fetches one Gmail message in full format and decodes the
// base64url body before returning it.
func (a *Adapter) FetchEmail(ctx context.Context, id string) (*sync.Email, error) {
	m, err := a.gmail.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, a.wrap("get_email_content", err)
	}

	headers := make(map[string]string)
	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			headers[h.Name] = h.Value
		}
	}

	email := &sync.Email{
		ProviderID:      m.Id,
		ThreadID:        m.ThreadId,
		Sender:          headers["From"],
		Subject:         headers["Subject"],
		SentAt:          time.UnixMilli(m.InternalDate).UTC(),
		Labels:          m.LabelIds,
		BodyContentType: "text/plain",
	}
	for _, field := range []string{"To", "Cc", "Bcc"} {
		email.Recipients = append(email.Recipients, splitAddrs(headers[field])...)
	}
	if m.Payload != nil {
		email.BodyText = extractBody(m.Payload)
		email.HasAttachments = hasAttachmentParts(m.Payload)
	}
	return email, nil
}

// extractBody pulls the text/plain content out of a Gmail payload,
// preferring text parts over the root body.
func extractBody(payload *gmail.MessagePart) string {
	if len(payload.Parts) > 0 {
		var b strings.Builder
		for _, part := range payload.Parts {
			if part.MimeType != "text/plain" || part.Body == nil {
				continue
			}
			b.WriteString(decodeBody(part.Body.Data))
		}
		return b.String()
	}
	if payload.Body != nil {
		return decodeBody(payload.Body.Data)
	}
	return ""
}

// decodeBody decodes Gmail's base64url body encoding, with and without
// padding.
func decodeBody(data string) string {
	if data == "" {
		return ""
	}
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	return ""
}

// hasAttachmentParts reports whether any sub-part carries a non-blank
// filename. Gmail has no trustworthy top-level attachment flag.
func hasAttachmentParts(payload *gmail.MessagePart) bool {
	for _, part := range payload.Parts {
		if strings.TrimSpace(part.Filename) != "" {
			return true
		}
	}
	return false
}

// FetchCalendarEvent fetches one event from the primary calendar.
func (a *Adapter) FetchCalendarEvent(ctx context.Context, id string) (*sync.CalendarEvent, error) {
	ev, err := a.calendar.Events.Get("primary", id).Context(ctx).Do()
	if err != nil {
		return nil, a.wrap("get_calendar_event", err)
	}

	event := &sync.CalendarEvent{
		ProviderID:      ev.Id,
		Title:           ev.Summary,
		Description:     ev.Description,
		Location:        ev.Location,
		Start:           parseEventTime(ev.Start),
		End:             parseEventTime(ev.End),
		Status:          ev.Status,
		IsRecurring:     ev.RecurringEventId != "" || len(ev.Recurrence) > 0,
		IsOnlineMeeting: ev.ConferenceData != nil || ev.HangoutLink != "",
	}
	for _, att := range ev.Attendees {
		if att.Email != "" {
			event.Attendees = append(event.Attendees, att.Email)
		}
	}
	if ev.Organizer != nil {
		event.Organizer = ev.Organizer.Email
	}
	if ev.EventType != "" {
		event.ProviderData = map[string]string{"event_type": ev.EventType}
	}
	return event, nil
}

// parseEventTime handles both timed (dateTime) and all-day (date)
// calendar boundaries.
func parseEventTime(edt *calendar.EventDateTime) time.Time {
	if edt == nil {
		return time.Time{}
	}
	if edt.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, edt.DateTime); err == nil {
			return t
		}
	}
	if edt.Date != "" {
		if t, err := time.Parse("2006-01-02", edt.Date); err == nil {
			return t
		}
	}
	return time.Time{}
}

// CreateSubscriptions registers Gmail and Calendar watches. Google
// delivers pushes through Pub/Sub, so notificationURL is ignored and
// the topic name is recorded in its place.
func (a *Adapter) CreateSubscriptions(ctx context.Context, accountID, notificationURL string) ([]sync.Subscription, error) {
	clientState := uuid.NewString()

	watch, err := a.gmail.Users.Watch("me", &gmail.WatchRequest{
		TopicName:         a.topic,
		LabelIds:          []string{"INBOX"},
		LabelFilterAction: "include",
	}).Context(ctx).Do()
	if err != nil {
		return nil, a.wrap("subscribe_to_realtime_events", err)
	}

	mailSub := sync.Subscription{
		ID:              uuid.NewString(),
		ResourceKind:    sync.ResourceEmail,
		Provider:        sync.ProviderGoogleWorkspace,
		ExpiresAt:       time.UnixMilli(watch.Expiration).UTC(),
		ClientState:     clientState,
		NotificationURL: a.topic,
		ProviderRef: map[string]string{
			"account_id": accountID,
			"history_id": strconv.FormatUint(watch.HistoryId, 10),
			"topic":      a.topic,
		},
	}

	calSub, err := a.watchCalendar(ctx, accountID, clientState)
	if err != nil {
		return nil, err
	}

	return []sync.Subscription{mailSub, *calSub}, nil
}

// watchCalendar opens a web_hook channel on the primary calendar. The
// channel token carries the client state so it is echoed back on every
// notification.
func (a *Adapter) watchCalendar(ctx context.Context, accountID, clientState string) (*sync.Subscription, error) {
	channel := &calendar.Channel{
		Id:      uuid.NewString(),
		Type:    "web_hook",
		Address: fmt.Sprintf("https://pubsub.googleapis.com/v1/%s:publish", a.topic),
		Token:   clientState,
		Params:  map[string]string{"userId": accountID},
	}

	res, err := a.calendar.Events.Watch("primary", channel).Context(ctx).Do()
	if err != nil {
		return nil, a.wrap("subscribe_to_realtime_events", err)
	}

	return &sync.Subscription{
		ID:              res.Id,
		ResourceKind:    sync.ResourceCalendar,
		Provider:        sync.ProviderGoogleWorkspace,
		ExpiresAt:       time.UnixMilli(res.Expiration).UTC(),
		ClientState:     clientState,
		NotificationURL: a.topic,
		ProviderRef: map[string]string{
			"account_id":  accountID,
			"channel_id":  res.Id,
			"resource_id": res.ResourceId,
		},
	}, nil
}

// RenewSubscription recreates a watch before it expires. Google watches
// are non-extendable, so the returned subscription carries a new ID;
// the original account and resource scope are preserved, and the old
// calendar channel is stopped best-effort.
func (a *Adapter) RenewSubscription(ctx context.Context, sub sync.Subscription) (*sync.Subscription, error) {
	accountID := sub.ProviderRef["account_id"]

	switch sub.ResourceKind {
	case sync.ResourceEmail:
		watch, err := a.gmail.Users.Watch("me", &gmail.WatchRequest{
			TopicName:         a.topic,
			LabelIds:          []string{"INBOX"},
			LabelFilterAction: "include",
		}).Context(ctx).Do()
		if err != nil {
			return nil, a.wrap("renew_subscription", err)
		}
		renewed := sub
		renewed.ID = uuid.NewString()
		renewed.ExpiresAt = time.UnixMilli(watch.Expiration).UTC()
		renewed.ProviderRef = map[string]string{
			"account_id": accountID,
			"history_id": strconv.FormatUint(watch.HistoryId, 10),
			"topic":      a.topic,
		}
		return &renewed, nil

	case sync.ResourceCalendar:
		// Stop the superseded channel; an expiring channel that cannot
		// be stopped just runs out on its own.
		stop := &calendar.Channel{
			Id:         sub.ProviderRef["channel_id"],
			ResourceId: sub.ProviderRef["resource_id"],
		}
		if err := a.calendar.Channels.Stop(stop).Context(ctx).Do(); err != nil {
			log.Printf("google: stop channel %s: %v", stop.Id, err)
		}
		renewed, err := a.watchCalendar(ctx, accountID, sub.ClientState)
		if err != nil {
			return nil, err
		}
		return renewed, nil

	default:
		return nil, sync.NewError(sync.ProviderGoogleWorkspace, "renew_subscription", sync.KindPermanent,
			fmt.Errorf("no push registration for resource kind %q", sub.ResourceKind))
	}
}

// wrap translates an upstream failure into the shared taxonomy.
func (a *Adapter) wrap(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		se := sync.NewError(sync.ProviderGoogleWorkspace, op, sync.KindFromStatus(gerr.Code), err)
		if se.Kind == sync.KindRateLimited {
			se.RetryAfter = sync.RetryAfterHint(gerr.Header)
		}
		return se
	}
	return sync.NewError(sync.ProviderGoogleWorkspace, op, sync.KindPermanent, err)
}

// splitAddrs parses comma-separated email addresses.
func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
