package msgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mallhar/neomind-apex-ingestion/internal/auth"
	"github.com/mallhar/neomind-apex-ingestion/internal/sync"
)

const (
	defaultBaseURL = "https://graph.microsoft.com/v1.0"

	// Graph caps message subscriptions at roughly three days.
	subscriptionTTL = 72 * time.Hour

	contactsPageSize = 100
)

// Adapter implements sync.Integration for Microsoft 365 against the
// Graph REST API. Incremental contact sync rides Graph delta links; the
// continuation token embedded in "@odata.deltaLink" becomes the
// cross-sync cursor.
type Adapter struct {
	baseURL string
	token   string
	client  *http.Client
	now     func() time.Time
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL points the adapter at a different Graph endpoint.
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient swaps the transport.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New creates a Microsoft 365 adapter bound to one account's token.
func New(tok *auth.Token, opts ...Option) *Adapter {
	a := &Adapter{
		baseURL: defaultBaseURL,
		token:   tok.AccessToken,
		client:  &http.Client{Timeout: 30 * time.Second},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Provider identifies this adapter's upstream.
func (a *Adapter) Provider() sync.Provider {
	return sync.ProviderMicrosoft365
}

type graphRecipient struct {
	EmailAddress struct {
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type graphContact struct {
	ID             string   `json:"id"`
	DisplayName    string   `json:"displayName"`
	BusinessPhones []string `json:"businessPhones"`
	HomePhones     []string `json:"homePhones"`
	MobilePhone    string   `json:"mobilePhone"`
	EmailAddresses []struct {
		Address string `json:"address"`
	} `json:"emailAddresses"`
}

type contactsResponse struct {
	Value     []graphContact `json:"value"`
	NextLink  string         `json:"@odata.nextLink"`
	DeltaLink string         `json:"@odata.deltaLink"`
}

// FetchContactsPage fetches one page of contacts. Full syncs start a
// fresh delta enumeration so the final page carries a resumable delta
// link; incremental syncs resume from the stored delta token. Graph
// rejects a stale token with 410 Gone, which surfaces as CursorInvalid.
func (a *Adapter) FetchContactsPage(ctx context.Context, syncToken, pageToken string) (*sync.ContactsPage, error) {
	var endpoint string
	switch {
	case pageToken != "":
		// Graph continuation tokens are complete URLs.
		endpoint = pageToken
	case syncToken != "":
		endpoint = fmt.Sprintf("%s/me/contacts/delta?$deltatoken=%s", a.baseURL, url.QueryEscape(syncToken))
	default:
		endpoint = fmt.Sprintf("%s/me/contacts/delta?$top=%d", a.baseURL, contactsPageSize)
	}

	var resp contactsResponse
	if err := a.do(ctx, "get_contacts", http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}

	page := &sync.ContactsPage{
		NextPage:  resp.NextLink,
		SyncToken: deltaToken(resp.DeltaLink),
	}
	for _, gc := range resp.Value {
		if c, ok := parseContact(gc); ok {
			page.Contacts = append(page.Contacts, c)
		}
	}
	return page, nil
}

// deltaToken extracts the $deltatoken parameter from a delta link.
func deltaToken(link string) string {
	if link == "" {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return u.Query().Get("$deltatoken")
}

// parseContact normalizes a Graph contact. Contacts without a single
// identifier are dropped.
func parseContact(gc graphContact) (sync.Contact, bool) {
	c := sync.Contact{
		ProviderID:  gc.ID,
		DisplayName: gc.DisplayName,
	}
	for _, email := range gc.EmailAddresses {
		if email.Address != "" {
			c.Identifiers = append(c.Identifiers, sync.Identifier{Kind: sync.IdentifierEmail, Value: email.Address})
		}
	}
	for _, phones := range [][]string{gc.BusinessPhones, gc.HomePhones} {
		for _, phone := range phones {
			if phone != "" {
				c.Identifiers = append(c.Identifiers, sync.Identifier{Kind: sync.IdentifierPhone, Value: phone})
			}
		}
	}
	if gc.MobilePhone != "" {
		c.Identifiers = append(c.Identifiers, sync.Identifier{Kind: sync.IdentifierPhone, Value: gc.MobilePhone})
	}
	return c, len(c.Identifiers) > 0
}

type graphMessage struct {
	ID               string           `json:"id"`
	ConversationID   string           `json:"conversationId"`
	Subject          string           `json:"subject"`
	From             graphRecipient   `json:"from"`
	ToRecipients     []graphRecipient `json:"toRecipients"`
	CcRecipients     []graphRecipient `json:"ccRecipients"`
	BccRecipients    []graphRecipient `json:"bccRecipients"`
	ReceivedDateTime string           `json:"receivedDateTime"`
	HasAttachments   bool             `json:"hasAttachments"`
	Categories       []string         `json:"categories"`
	Body             struct {
		Content     string `json:"content"`
		ContentType string `json:"contentType"`
	} `json:"body"`
}

// FetchEmail fetches one message. Graph bodies arrive already decoded
// and the hasAttachments flag is authoritative, so both are carried
// through as-is.
func (a *Adapter) FetchEmail(ctx context.Context, id string) (*sync.Email, error) {
	endpoint := fmt.Sprintf("%s/me/messages/%s", a.baseURL, url.PathEscape(id))

	var m graphMessage
	if err := a.do(ctx, "get_email_content", http.MethodGet, endpoint, nil, &m); err != nil {
		return nil, err
	}

	email := &sync.Email{
		ProviderID:      m.ID,
		ThreadID:        m.ConversationID,
		Sender:          m.From.EmailAddress.Address,
		Subject:         m.Subject,
		BodyText:        m.Body.Content,
		BodyContentType: strings.ToLower(m.Body.ContentType),
		HasAttachments:  m.HasAttachments,
		Labels:          m.Categories,
	}
	if t, err := time.Parse(time.RFC3339, m.ReceivedDateTime); err == nil {
		email.SentAt = t
	}
	for _, recips := range [][]graphRecipient{m.ToRecipients, m.CcRecipients, m.BccRecipients} {
		for _, r := range recips {
			if addr := r.EmailAddress.Address; addr != "" {
				email.Recipients = append(email.Recipients, addr)
			}
		}
	}
	return email, nil
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEvent struct {
	ID              string           `json:"id"`
	Subject         string           `json:"subject"`
	Start           graphDateTime    `json:"start"`
	End             graphDateTime    `json:"end"`
	Attendees       []graphRecipient `json:"attendees"`
	Organizer       graphRecipient   `json:"organizer"`
	IsOnlineMeeting bool             `json:"isOnlineMeeting"`
	IsAllDay        bool             `json:"isAllDay"`
	IsCancelled     bool             `json:"isCancelled"`
	Importance      string           `json:"importance"`
	Sensitivity     string           `json:"sensitivity"`
	Recurrence      json.RawMessage  `json:"recurrence"`
	Body            struct {
		Content     string `json:"content"`
		ContentType string `json:"contentType"`
	} `json:"body"`
	Location struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
	ResponseStatus struct {
		Response string `json:"response"`
	} `json:"responseStatus"`
}

// FetchCalendarEvent fetches one calendar event. Graph-only fields ride
// along in ProviderData.
func (a *Adapter) FetchCalendarEvent(ctx context.Context, id string) (*sync.CalendarEvent, error) {
	endpoint := fmt.Sprintf("%s/me/events/%s", a.baseURL, url.PathEscape(id))

	var ev graphEvent
	if err := a.do(ctx, "get_calendar_event", http.MethodGet, endpoint, nil, &ev); err != nil {
		return nil, err
	}

	event := &sync.CalendarEvent{
		ProviderID:      ev.ID,
		Title:           ev.Subject,
		Description:     ev.Body.Content,
		Location:        ev.Location.DisplayName,
		Start:           parseGraphTime(ev.Start),
		End:             parseGraphTime(ev.End),
		Organizer:       ev.Organizer.EmailAddress.Address,
		Status:          ev.ResponseStatus.Response,
		IsRecurring:     len(ev.Recurrence) > 0 && string(ev.Recurrence) != "null",
		IsOnlineMeeting: ev.IsOnlineMeeting,
		ProviderData: map[string]string{
			"importance":   ev.Importance,
			"sensitivity":  ev.Sensitivity,
			"is_all_day":   fmt.Sprintf("%t", ev.IsAllDay),
			"is_cancelled": fmt.Sprintf("%t", ev.IsCancelled),
		},
	}
	for _, att := range ev.Attendees {
		if addr := att.EmailAddress.Address; addr != "" {
			event.Attendees = append(event.Attendees, addr)
		}
	}
	return event, nil
}

// parseGraphTime parses Graph's zone-split timestamps, which carry up
// to seven fractional digits and no offset.
func parseGraphTime(g graphDateTime) time.Time {
	if g.DateTime == "" {
		return time.Time{}
	}
	loc := time.UTC
	if g.TimeZone != "" && g.TimeZone != "UTC" {
		if l, err := time.LoadLocation(g.TimeZone); err == nil {
			loc = l
		}
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05.9999999", g.DateTime, loc)
	if err != nil {
		return time.Time{}
	}
	return t
}

type graphSubscription struct {
	ID                 string `json:"id,omitempty"`
	ChangeType         string `json:"changeType,omitempty"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	Resource           string `json:"resource,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime,omitempty"`
	ClientState        string `json:"clientState,omitempty"`
	TLSVersion         string `json:"latestSupportedTlsVersion,omitempty"`
}

// CreateSubscriptions registers Graph webhook subscriptions for the
// account's messages and calendar events, sharing one generated client
// state across both.
func (a *Adapter) CreateSubscriptions(ctx context.Context, accountID, notificationURL string) ([]sync.Subscription, error) {
	clientState := uuid.NewString()
	expiration := a.now().Add(subscriptionTTL).UTC().Format(time.RFC3339)

	mailSub, err := a.createSubscription(ctx, accountID, graphSubscription{
		ChangeType:         "created,updated",
		NotificationURL:    notificationURL,
		Resource:           "/me/messages",
		ExpirationDateTime: expiration,
		ClientState:        clientState,
		TLSVersion:         "v1_2",
	}, sync.ResourceEmail)
	if err != nil {
		return nil, err
	}

	calSub, err := a.createSubscription(ctx, accountID, graphSubscription{
		ChangeType:         "created,updated,deleted",
		NotificationURL:    notificationURL,
		Resource:           "/me/events",
		ExpirationDateTime: expiration,
		ClientState:        clientState,
		TLSVersion:         "v1_2",
	}, sync.ResourceCalendar)
	if err != nil {
		return nil, err
	}

	return []sync.Subscription{*mailSub, *calSub}, nil
}

func (a *Adapter) createSubscription(ctx context.Context, accountID string, body graphSubscription, kind sync.ResourceKind) (*sync.Subscription, error) {
	endpoint := a.baseURL + "/subscriptions"

	var created graphSubscription
	if err := a.do(ctx, "subscribe_to_realtime_events", http.MethodPost, endpoint, body, &created); err != nil {
		return nil, err
	}

	sub := &sync.Subscription{
		ID:              created.ID,
		ResourceKind:    kind,
		Provider:        sync.ProviderMicrosoft365,
		ClientState:     body.ClientState,
		NotificationURL: body.NotificationURL,
		ProviderRef: map[string]string{
			"account_id": accountID,
			"resource":   created.Resource,
		},
	}
	if t, err := time.Parse(time.RFC3339, created.ExpirationDateTime); err == nil {
		sub.ExpiresAt = t
	}
	return sub, nil
}

// RenewSubscription extends a Graph subscription in place; the ID is
// stable across renewals.
func (a *Adapter) RenewSubscription(ctx context.Context, sub sync.Subscription) (*sync.Subscription, error) {
	endpoint := fmt.Sprintf("%s/subscriptions/%s", a.baseURL, url.PathEscape(sub.ID))
	body := graphSubscription{
		ExpirationDateTime: a.now().Add(subscriptionTTL).UTC().Format(time.RFC3339),
	}

	var updated graphSubscription
	if err := a.do(ctx, "renew_subscription", http.MethodPatch, endpoint, body, &updated); err != nil {
		return nil, err
	}

	renewed := sub
	if t, err := time.Parse(time.RFC3339, updated.ExpirationDateTime); err == nil {
		renewed.ExpiresAt = t
	}
	return &renewed, nil
}

// do performs one Graph request and translates any failure through the
// shared taxonomy.
func (a *Adapter) do(ctx context.Context, op, method, endpoint string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return sync.NewError(sync.ProviderMicrosoft365, op, sync.KindPermanent, err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return sync.NewError(sync.ProviderMicrosoft365, op, sync.KindPermanent, err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return sync.NewError(sync.ProviderMicrosoft365, op, sync.KindTransientUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		se := sync.NewError(sync.ProviderMicrosoft365, op, sync.KindFromStatus(resp.StatusCode),
			fmt.Errorf("graph status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
		if se.Kind == sync.KindRateLimited {
			se.RetryAfter = sync.RetryAfterHint(resp.Header)
		}
		return se
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return sync.NewError(sync.ProviderMicrosoft365, op, sync.KindPermanent,
				fmt.Errorf("malformed graph response: %w", err))
		}
	}
	return nil
}
