package subscription

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/mallhar/neomind-apex-ingestion/internal/sync"
)

// State is a subscription lifecycle state.
type State string

const (
	// StatePending means creation was requested but not yet confirmed.
	StatePending State = "pending"
	// StateActive means the registration is confirmed and not near expiry.
	StateActive State = "active"
	// StateExpiringSoon means the renewal lead window has been entered.
	StateExpiringSoon State = "expiring_soon"
	// StateRenewed is the momentary state a successful renewal passes
	// through before the renewed record re-enters Active.
	StateRenewed State = "renewed"
	// StateExpired means the deadline passed without a successful
	// renewal. Expired registrations are recreated, never renewed.
	StateExpired State = "expired"
)

// Record is a tracked subscription with its lifecycle state.
type Record struct {
	AccountID string            `json:"account_id"`
	State     State             `json:"state"`
	Sub       sync.Subscription `json:"subscription"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Transition reports one state change so callers can keep persisted
// copies authoritative.
type Transition struct {
	AccountID string            `json:"account_id"`
	From      State             `json:"from"`
	To        State             `json:"to"`
	Sub       sync.Subscription `json:"subscription"`
	At        time.Time         `json:"at"`
}

type record struct {
	Record
	renewMu gosync.Mutex // serializes renewal attempts for this record
}

// Manager owns subscription lifecycle state between creation and
// renewal or expiry. It holds no durable state itself; every transition
// is returned to the caller for persistence.
type Manager struct {
	mu      gosync.Mutex
	records map[string]*record // keyed by subscription id
	byScope map[string]string  // (provider, kind, account) -> subscription id
	lead    time.Duration
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a lifecycle manager with the given renewal lead
// time before expiry.
func NewManager(lead time.Duration, opts ...Option) *Manager {
	m := &Manager{
		records: make(map[string]*record),
		byScope: make(map[string]string),
		lead:    lead,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func scopeKey(provider sync.Provider, kind sync.ResourceKind, accountID string) string {
	return fmt.Sprintf("%s|%s|%s", provider, kind, accountID)
}

// Track confirms a freshly created subscription, moving it Pending to
// Active. If an Active record already exists for the same (provider,
// resource kind, account) scope it is superseded, never duplicated;
// the retirement of the old record is reported alongside.
func (m *Manager) Track(accountID string, sub sync.Subscription) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var transitions []Transition

	scope := scopeKey(sub.Provider, sub.ResourceKind, accountID)
	if oldID, ok := m.byScope[scope]; ok && oldID != sub.ID {
		if old, ok := m.records[oldID]; ok && old.State != StateExpired {
			transitions = append(transitions, m.moveLocked(old, StateExpired, now))
		}
		delete(m.records, oldID)
	}

	rec := &record{Record: Record{
		AccountID: accountID,
		State:     StatePending,
		Sub:       sub,
		UpdatedAt: now,
	}}
	m.records[sub.ID] = rec
	m.byScope[scope] = sub.ID
	transitions = append(transitions, m.moveLocked(rec, StateActive, now))
	return transitions
}

// Scan compares every tracked record against the clock: Active records
// inside the lead window become ExpiringSoon, and anything past its
// deadline becomes Expired. Intended to be driven by a caller-owned
// scheduler.
func (m *Manager) Scan() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var transitions []Transition

	for _, rec := range m.records {
		switch rec.State {
		case StateActive:
			if !now.Before(rec.Sub.ExpiresAt) {
				transitions = append(transitions, m.moveLocked(rec, StateExpired, now))
			} else if !now.Before(rec.Sub.ExpiresAt.Add(-m.lead)) {
				transitions = append(transitions, m.moveLocked(rec, StateExpiringSoon, now))
			}
		case StateExpiringSoon:
			if !now.Before(rec.Sub.ExpiresAt) {
				transitions = append(transitions, m.moveLocked(rec, StateExpired, now))
			}
		}
	}
	return transitions
}

// Renew renews one tracked subscription through its adapter. Only
// ExpiringSoon records are renewable; an Expired record must be
// recreated via the adapter's CreateSubscriptions instead. Concurrent
// renewal attempts for the same record are serialized.
//
// On success the record passes through Renewed and immediately
// re-enters Active, under a new id if the provider issued one. On
// failure after the deadline the record lands in Expired.
func (m *Manager) Renew(ctx context.Context, integ sync.Integration, subID string) ([]Transition, error) {
	m.mu.Lock()
	rec, ok := m.records[subID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("subscription %s is not tracked", subID)
	}

	rec.renewMu.Lock()
	defer rec.renewMu.Unlock()

	m.mu.Lock()
	state := rec.State
	sub := rec.Sub
	m.mu.Unlock()

	switch state {
	case StateExpiringSoon:
	case StateExpired:
		return nil, fmt.Errorf("subscription %s is expired and must be recreated", subID)
	default:
		return nil, fmt.Errorf("subscription %s is %s, not due for renewal", subID, state)
	}

	renewed, err := integ.RenewSubscription(ctx, sub)

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	// Track may have superseded this scope while the upstream call was
	// in flight; the replacement record wins and the stale one must not
	// re-enter Active.
	scope := scopeKey(sub.Provider, sub.ResourceKind, rec.AccountID)
	cur, tracked := m.records[subID]
	superseded := !tracked || cur != rec || m.byScope[scope] != subID

	if err != nil {
		if !superseded && !now.Before(sub.ExpiresAt) {
			t := m.moveLocked(rec, StateExpired, now)
			return []Transition{t}, fmt.Errorf("renew subscription %s: %w", subID, err)
		}
		return nil, fmt.Errorf("renew subscription %s: %w", subID, err)
	}

	if superseded {
		return nil, fmt.Errorf("subscription %s was superseded during renewal", subID)
	}

	transitions := []Transition{m.moveLocked(rec, StateRenewed, now)}

	// Re-enter Active under the renewed record; retire the old id if
	// the provider issued a new one.
	if renewed.ID != sub.ID {
		delete(m.records, sub.ID)
		m.records[renewed.ID] = rec
	}
	rec.Sub = *renewed
	m.byScope[scopeKey(renewed.Provider, renewed.ResourceKind, rec.AccountID)] = renewed.ID
	transitions = append(transitions, m.moveLocked(rec, StateActive, now))
	return transitions, nil
}

// Expiring returns the records currently inside the renewal window.
func (m *Manager) Expiring() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, rec := range m.records {
		if rec.State == StateExpiringSoon {
			out = append(out, rec.Record)
		}
	}
	return out
}

// Records returns a snapshot of every tracked record.
func (m *Manager) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.Record)
	}
	return out
}

// Get returns the tracked record for a subscription id.
func (m *Manager) Get(subID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[subID]
	if !ok {
		return Record{}, false
	}
	return rec.Record, true
}

// moveLocked applies a state change and returns the transition record.
// Callers hold m.mu.
func (m *Manager) moveLocked(rec *record, to State, now time.Time) Transition {
	t := Transition{
		AccountID: rec.AccountID,
		From:      rec.State,
		To:        to,
		Sub:       rec.Sub,
		At:        now,
	}
	rec.State = to
	rec.UpdatedAt = now
	return t
}
