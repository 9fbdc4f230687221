package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mallhar/neomind-apex-ingestion/internal/sync"
)

// fakeClock is an injectable time source advanced explicitly by tests.
type fakeClock struct {
	current time.Time
}

func (c *fakeClock) Now() time.Time          { return c.current }
func (c *fakeClock) Advance(d time.Duration) { c.current = c.current.Add(d) }

// renewingIntegration renews subscriptions by script: either extends in
// place under the same id or recreates under a fresh id.
type renewingIntegration struct {
	provider sync.Provider
	extendBy time.Duration
	newID    bool
	err      error
	calls    int
}

func (r *renewingIntegration) Provider() sync.Provider { return r.provider }

func (r *renewingIntegration) RenewSubscription(ctx context.Context, sub sync.Subscription) (*sync.Subscription, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	out := sub
	out.ExpiresAt = sub.ExpiresAt.Add(r.extendBy)
	if r.newID {
		out.ID = uuid.NewString()
	}
	return &out, nil
}

func (r *renewingIntegration) FetchContactsPage(ctx context.Context, syncToken, pageToken string) (*sync.ContactsPage, error) {
	return nil, errors.New("not implemented")
}

func (r *renewingIntegration) FetchEmail(ctx context.Context, id string) (*sync.Email, error) {
	return nil, errors.New("not implemented")
}

func (r *renewingIntegration) FetchCalendarEvent(ctx context.Context, id string) (*sync.CalendarEvent, error) {
	return nil, errors.New("not implemented")
}

func (r *renewingIntegration) CreateSubscriptions(ctx context.Context, accountID, notificationURL string) ([]sync.Subscription, error) {
	return nil, errors.New("not implemented")
}

// blockingRenewIntegration parks inside RenewSubscription until
// released, so tests can interleave other manager calls mid-renewal.
type blockingRenewIntegration struct {
	renewingIntegration
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRenewIntegration) RenewSubscription(ctx context.Context, sub sync.Subscription) (*sync.Subscription, error) {
	close(b.entered)
	<-b.release
	return b.renewingIntegration.RenewSubscription(ctx, sub)
}

func newSub(provider sync.Provider, kind sync.ResourceKind, expiresAt time.Time) sync.Subscription {
	return sync.Subscription{
		ID:           uuid.NewString(),
		Provider:     provider,
		ResourceKind: kind,
		ExpiresAt:    expiresAt,
		ClientState:  uuid.NewString(),
	}
}

func states(ts []Transition) [][2]State {
	out := make([][2]State, 0, len(ts))
	for _, t := range ts {
		out = append(out, [2]State{t.From, t.To})
	}
	return out
}

func activeForScope(m *Manager, provider sync.Provider, kind sync.ResourceKind, accountID string) []Record {
	var out []Record
	for _, rec := range m.Records() {
		if rec.State == StateActive && rec.AccountID == accountID &&
			rec.Sub.Provider == provider && rec.Sub.ResourceKind == kind {
			out = append(out, rec)
		}
	}
	return out
}

func TestTrack_PendingToActive(t *testing.T) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(12*time.Hour, WithClock(clock.Now))

	sub := newSub(sync.ProviderMicrosoft365, sync.ResourceEmail, clock.Now().Add(72*time.Hour))
	ts := m.Track("acct-1", sub)

	assert.Equal(t, [][2]State{{StatePending, StateActive}}, states(ts))

	rec, ok := m.Get(sub.ID)
	require.True(t, ok)
	assert.Equal(t, StateActive, rec.State)
	assert.Equal(t, "acct-1", rec.AccountID)
}

func TestTrack_SupersedesSameScope(t *testing.T) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(12*time.Hour, WithClock(clock.Now))

	first := newSub(sync.ProviderGoogleWorkspace, sync.ResourceEmail, clock.Now().Add(7*24*time.Hour))
	m.Track("acct-1", first)

	second := newSub(sync.ProviderGoogleWorkspace, sync.ResourceEmail, clock.Now().Add(7*24*time.Hour))
	ts := m.Track("acct-1", second)

	assert.Equal(t, [][2]State{
		{StateActive, StateExpired},
		{StatePending, StateActive},
	}, states(ts))
	assert.Equal(t, first.ID, ts[0].Sub.ID)

	_, ok := m.Get(first.ID)
	assert.False(t, ok, "superseded record is dropped")
	assert.Len(t, activeForScope(m, sync.ProviderGoogleWorkspace, sync.ResourceEmail, "acct-1"), 1)
}

func TestTrack_DistinctScopesCoexist(t *testing.T) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(12*time.Hour, WithClock(clock.Now))

	email := newSub(sync.ProviderMicrosoft365, sync.ResourceEmail, clock.Now().Add(72*time.Hour))
	calendar := newSub(sync.ProviderMicrosoft365, sync.ResourceCalendar, clock.Now().Add(72*time.Hour))
	otherAccount := newSub(sync.ProviderMicrosoft365, sync.ResourceEmail, clock.Now().Add(72*time.Hour))

	m.Track("acct-1", email)
	m.Track("acct-1", calendar)
	m.Track("acct-2", otherAccount)

	assert.Len(t, m.Records(), 3)
	assert.Len(t, activeForScope(m, sync.ProviderMicrosoft365, sync.ResourceEmail, "acct-1"), 1)
	assert.Len(t, activeForScope(m, sync.ProviderMicrosoft365, sync.ResourceCalendar, "acct-1"), 1)
	assert.Len(t, activeForScope(m, sync.ProviderMicrosoft365, sync.ResourceEmail, "acct-2"), 1)
}

func TestScan_EntersLeadWindow(t *testing.T) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(12*time.Hour, WithClock(clock.Now))

	sub := newSub(sync.ProviderMicrosoft365, sync.ResourceEmail, clock.Now().Add(24*time.Hour))
	m.Track("acct-1", sub)

	assert.Empty(t, m.Scan(), "outside the lead window nothing moves")
	assert.Empty(t, m.Expiring())

	clock.Advance(13 * time.Hour) // 11h to expiry, inside the 12h lead
	ts := m.Scan()
	assert.Equal(t, [][2]State{{StateActive, StateExpiringSoon}}, states(ts))

	expiring := m.Expiring()
	require.Len(t, expiring, 1)
	assert.Equal(t, sub.ID, expiring[0].Sub.ID)

	assert.Empty(t, m.Scan(), "scan is idempotent inside the window")
}

func TestScan_ExpiresPastDeadline(t *testing.T) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(12*time.Hour, WithClock(clock.Now))

	sub := newSub(sync.ProviderMicrosoft365, sync.ResourceEmail, clock.Now().Add(24*time.Hour))
	m.Track("acct-1", sub)

	clock.Advance(13 * time.Hour)
	m.Scan() // ExpiringSoon

	clock.Advance(12 * time.Hour) // past the deadline
	ts := m.Scan()
	assert.Equal(t, [][2]State{{StateExpiringSoon, StateExpired}}, states(ts))

	rec, ok := m.Get(sub.ID)
	require.True(t, ok)
	assert.Equal(t, StateExpired, rec.State)
}

func TestScan_ActiveStraightToExpired(t *testing.T) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(12*time.Hour, WithClock(clock.Now))

	sub := newSub(sync.ProviderGoogleWorkspace, sync.ResourceCalendar, clock.Now().Add(24*time.Hour))
	m.Track("acct-1", sub)

	// No scan happened during the lead window at all.
	clock.Advance(25 * time.Hour)
	ts := m.Scan()
	assert.Equal(t, [][2]State{{StateActive, StateExpired}}, states(ts))
}

func TestRenew_InPlaceKeepsID(t *testing.T) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(12*time.Hour, WithClock(clock.Now))
	integ := &renewingIntegration{provider: sync.ProviderMicrosoft365, extendBy: 72 * time.Hour}

	sub := newSub(sync.ProviderMicrosoft365, sync.ResourceEmail, clock.Now().Add(24*time.Hour))
	m.Track("acct-1", sub)
	clock.Advance(13 * time.Hour)
	m.Scan()

	ts, err := m.Renew(context.Background(), integ, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, [][2]State{
		{StateExpiringSoon, StateRenewed},
		{StateRenewed, StateActive},
	}, states(ts))

	rec, ok := m.Get(sub.ID)
	require.True(t, ok, "id is stable for an in-place renewal")
	assert.Equal(t, StateActive, rec.State)
	assert.True(t, rec.Sub.ExpiresAt.After(sub.ExpiresAt), "expiry advanced")
}

func TestRenew_RecreateUnderNewID(t *testing.T) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(12*time.Hour, WithClock(clock.Now))
	integ := &renewingIntegration{provider: sync.ProviderGoogleWorkspace, extendBy: 7 * 24 * time.Hour, newID: true}

	sub := newSub(sync.ProviderGoogleWorkspace, sync.ResourceEmail, clock.Now().Add(24*time.Hour))
	m.Track("acct-1", sub)
	clock.Advance(13 * time.Hour)
	m.Scan()

	ts, err := m.Renew(context.Background(), integ, sub.ID)
	require.NoError(t, err)

	_, ok := m.Get(sub.ID)
	assert.False(t, ok, "old id is retired")

	final := ts[len(ts)-1]
	assert.Equal(t, StateActive, final.To)
	assert.NotEqual(t, sub.ID, final.Sub.ID)
	assert.True(t, final.Sub.ExpiresAt.After(sub.ExpiresAt))

	rec, ok := m.Get(final.Sub.ID)
	require.True(t, ok)
	assert.Equal(t, StateActive, rec.State)
	assert.Len(t, activeForScope(m, sync.ProviderGoogleWorkspace, sync.ResourceEmail, "acct-1"), 1)
}

func TestRenew_RejectsActiveRecord(t *testing.T) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(12*time.Hour, WithClock(clock.Now))
	integ := &renewingIntegration{provider: sync.ProviderMicrosoft365, extendBy: 72 * time.Hour}

	sub := newSub(sync.ProviderMicrosoft365, sync.ResourceEmail, clock.Now().Add(72*time.Hour))
	m.Track("acct-1", sub)

	_, err := m.Renew(context.Background(), integ, sub.ID)
	require.Error(t, err)
	assert.Zero(t, integ.calls, "no upstream call outside the renewal window")
}

func TestRenew_RejectsExpiredRecord(t *testing.T) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(12*time.Hour, WithClock(clock.Now))
	integ := &renewingIntegration{provider: sync.ProviderMicrosoft365, extendBy: 72 * time.Hour}

	sub := newSub(sync.ProviderMicrosoft365, sync.ResourceEmail, clock.Now().Add(24*time.Hour))
	m.Track("acct-1", sub)
	clock.Advance(25 * time.Hour)
	m.Scan()

	_, err := m.Renew(context.Background(), integ, sub.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be recreated")
	assert.Zero(t, integ.calls)
}

func TestRenew_UntrackedID(t *testing.T) {
	m := NewManager(12 * time.Hour)
	integ := &renewingIntegration{provider: sync.ProviderMicrosoft365}

	_, err := m.Renew(context.Background(), integ, "no-such-id")
	require.Error(t, err)
}

func TestRenew_FailureBeforeDeadlineStaysExpiringSoon(t *testing.T) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(12*time.Hour, WithClock(clock.Now))
	integ := &renewingIntegration{
		provider: sync.ProviderMicrosoft365,
		err:      sync.NewError(sync.ProviderMicrosoft365, "renew_subscription", sync.KindTransientUpstream, errors.New("503")),
	}

	sub := newSub(sync.ProviderMicrosoft365, sync.ResourceEmail, clock.Now().Add(24*time.Hour))
	m.Track("acct-1", sub)
	clock.Advance(13 * time.Hour)
	m.Scan()

	ts, err := m.Renew(context.Background(), integ, sub.ID)
	require.Error(t, err)
	assert.Empty(t, ts)

	rec, _ := m.Get(sub.ID)
	assert.Equal(t, StateExpiringSoon, rec.State, "still eligible for another attempt")
}

func TestRenew_SupersededMidFlightDoesNotDuplicateActive(t *testing.T) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(12*time.Hour, WithClock(clock.Now))
	integ := &blockingRenewIntegration{
		renewingIntegration: renewingIntegration{
			provider: sync.ProviderGoogleWorkspace,
			extendBy: 7 * 24 * time.Hour,
			newID:    true,
		},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}

	sub := newSub(sync.ProviderGoogleWorkspace, sync.ResourceEmail, clock.Now().Add(24*time.Hour))
	m.Track("acct-1", sub)
	clock.Advance(13 * time.Hour)
	m.Scan()

	type renewResult struct {
		transitions []Transition
		err         error
	}
	done := make(chan renewResult, 1)
	go func() {
		ts, err := m.Renew(context.Background(), integ, sub.ID)
		done <- renewResult{transitions: ts, err: err}
	}()
	<-integ.entered

	// A recreated subscription lands for the same scope while the
	// renewal is still in flight upstream.
	replacement := newSub(sync.ProviderGoogleWorkspace, sync.ResourceEmail, clock.Now().Add(7*24*time.Hour))
	m.Track("acct-1", replacement)

	close(integ.release)
	res := <-done

	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "superseded")
	assert.Empty(t, res.transitions)

	assert.Len(t, activeForScope(m, sync.ProviderGoogleWorkspace, sync.ResourceEmail, "acct-1"), 1,
		"the replacement is the only Active record for the scope")
	rec, ok := m.Get(replacement.ID)
	require.True(t, ok)
	assert.Equal(t, StateActive, rec.State)
	_, ok = m.Get(sub.ID)
	assert.False(t, ok, "the stale record is not re-inserted")
}

func TestRenew_FailurePastDeadlineExpires(t *testing.T) {
	clock := &fakeClock{current: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(12*time.Hour, WithClock(clock.Now))
	integ := &renewingIntegration{
		provider: sync.ProviderMicrosoft365,
		err:      sync.NewError(sync.ProviderMicrosoft365, "renew_subscription", sync.KindTransientUpstream, errors.New("503")),
	}

	sub := newSub(sync.ProviderMicrosoft365, sync.ResourceEmail, clock.Now().Add(24*time.Hour))
	m.Track("acct-1", sub)
	clock.Advance(13 * time.Hour)
	m.Scan()
	clock.Advance(12 * time.Hour) // deadline passes while renewing

	ts, err := m.Renew(context.Background(), integ, sub.ID)
	require.Error(t, err)
	assert.Equal(t, [][2]State{{StateExpiringSoon, StateExpired}}, states(ts))

	rec, _ := m.Get(sub.ID)
	assert.Equal(t, StateExpired, rec.State)
}
