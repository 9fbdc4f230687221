package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	gosync "sync"
	"time"

	"github.com/mallhar/neomind-apex-ingestion/internal/auth"
	natsjs "github.com/mallhar/neomind-apex-ingestion/internal/nats"
	"github.com/mallhar/neomind-apex-ingestion/internal/subscription"
	"github.com/mallhar/neomind-apex-ingestion/internal/sync"
)

// AccountConfig identifies one provider account to ingest.
type AccountConfig struct {
	UserID    string
	AccountID string
	Provider  sync.Provider
	UserJWT   string // JWT used to fetch provider tokens from the auth service
}

// IntegrationFactory builds a provider adapter for an account token.
type IntegrationFactory func(ctx context.Context, token *auth.Token, accountID string, provider sync.Provider) (sync.Integration, error)

// Manager owns the per-account sync workers and the subscription
// renewal worker.
type Manager struct {
	dataRoot     string
	tokens       *auth.TokenClient
	publisher    *natsjs.Publisher
	factory      IntegrationFactory
	lifecycle    *subscription.Manager
	syncInterval time.Duration
	onTransition func(subscription.Transition)

	mu           gosync.RWMutex
	runners      map[string]context.CancelFunc
	integrations map[string]sync.Integration
}

// NewManager creates the ingest manager. onTransition receives every
// subscription lifecycle transition so the service can persist it; it
// may be nil.
func NewManager(
	dataRoot string,
	tokens *auth.TokenClient,
	publisher *natsjs.Publisher,
	factory IntegrationFactory,
	lifecycle *subscription.Manager,
	syncInterval time.Duration,
	onTransition func(subscription.Transition),
) *Manager {
	return &Manager{
		dataRoot:     dataRoot,
		tokens:       tokens,
		publisher:    publisher,
		factory:      factory,
		lifecycle:    lifecycle,
		syncInterval: syncInterval,
		onTransition: onTransition,
		runners:      make(map[string]context.CancelFunc),
		integrations: make(map[string]sync.Integration),
	}
}

func accountKey(accountID string, provider sync.Provider) string {
	return fmt.Sprintf("%s:%s", accountID, provider)
}

func authProvider(provider sync.Provider) (auth.Provider, error) {
	switch provider {
	case sync.ProviderGoogleWorkspace:
		return auth.ProviderGoogle, nil
	case sync.ProviderMicrosoft365:
		return auth.ProviderMicrosoft, nil
	default:
		return "", fmt.Errorf("unsupported provider %q", provider)
	}
}

// StartIngest starts a sync worker for an account.
func (m *Manager) StartIngest(ctx context.Context, config AccountConfig) error {
	key := accountKey(config.AccountID, config.Provider)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runners[key]; exists {
		return fmt.Errorf("ingest already running for %s", key)
	}

	ap, err := authProvider(config.Provider)
	if err != nil {
		return err
	}

	token, err := m.tokens.GetToken(ctx, config.UserJWT, ap)
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}

	integ, err := m.factory(ctx, token, config.AccountID, config.Provider)
	if err != nil {
		return fmt.Errorf("create provider adapter: %w", err)
	}

	runner := &Runner{
		DataRoot:     m.dataRoot,
		Publisher:    m.publisher,
		Integration:  integ,
		Orchestrator: sync.NewOrchestrator(),
		SyncInterval: m.syncInterval,
	}

	runnerCtx, cancel := context.WithCancel(ctx)
	m.runners[key] = cancel
	m.integrations[key] = integ

	go func() {
		log.Printf("ingest start: %s", key)
		if err := runner.RunAccount(runnerCtx, config.AccountID); err != nil {
			log.Printf("ingest error %s: %v", key, err)
		}

		m.mu.Lock()
		delete(m.runners, key)
		delete(m.integrations, key)
		m.mu.Unlock()
		log.Printf("ingest stop: %s", key)
	}()

	return nil
}

// StopIngest stops the sync worker for an account.
func (m *Manager) StopIngest(accountID string, provider sync.Provider) error {
	key := accountKey(accountID, provider)

	m.mu.Lock()
	defer m.mu.Unlock()

	cancel, exists := m.runners[key]
	if !exists {
		return fmt.Errorf("no ingest running for %s", key)
	}

	cancel()
	delete(m.runners, key)
	delete(m.integrations, key)
	return nil
}

// IsRunning reports whether an account worker is active.
func (m *Manager) IsRunning(accountID string, provider sync.Provider) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.runners[accountKey(accountID, provider)]
	return exists
}

// StopAll stops every running worker.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, cancel := range m.runners {
		log.Printf("Stopping ingest for %s", key)
		cancel()
	}
	m.runners = make(map[string]context.CancelFunc)
	m.integrations = make(map[string]sync.Integration)
}

// Running lists the active account workers.
func (m *Manager) Running() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for key := range m.runners {
		keys = append(keys, key)
	}
	return keys
}

// Integration returns the live adapter for an account, when its worker
// is running.
func (m *Manager) Integration(accountID string, provider sync.Provider) (sync.Integration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	integ, ok := m.integrations[accountKey(accountID, provider)]
	return integ, ok
}

// CreateSubscriptions registers push notifications for a running
// account and tracks them in the lifecycle manager.
func (m *Manager) CreateSubscriptions(ctx context.Context, accountID string, provider sync.Provider, notificationURL string) ([]subscription.Transition, error) {
	integ, ok := m.Integration(accountID, provider)
	if !ok {
		return nil, fmt.Errorf("no ingest running for %s", accountKey(accountID, provider))
	}

	subs, err := integ.CreateSubscriptions(ctx, accountID, notificationURL)
	if err != nil {
		return nil, err
	}

	var transitions []subscription.Transition
	for _, sub := range subs {
		transitions = append(transitions, m.lifecycle.Track(accountID, sub)...)
	}
	m.report(ctx, transitions)
	return transitions, nil
}

// RunRenewals periodically scans tracked subscriptions and renews the
// ones inside the renewal window. Blocks until the context is done.
func (m *Manager) RunRenewals(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.report(ctx, m.lifecycle.Scan())

			for _, rec := range m.lifecycle.Expiring() {
				integ, ok := m.Integration(rec.AccountID, rec.Sub.Provider)
				if !ok {
					log.Printf("No running adapter to renew subscription %s (%s)", rec.Sub.ID, rec.AccountID)
					continue
				}

				transitions, err := m.lifecycle.Renew(ctx, integ, rec.Sub.ID)
				if err != nil {
					log.Printf("Renewal failed for subscription %s: %v", rec.Sub.ID, err)
				}
				m.report(ctx, transitions)
			}
		}
	}
}

// report hands transitions to the persistence callback and publishes
// them for downstream consumers.
func (m *Manager) report(ctx context.Context, transitions []subscription.Transition) {
	for _, t := range transitions {
		if m.onTransition != nil {
			m.onTransition(t)
		}

		payload, _ := json.Marshal(t)
		subject := fmt.Sprintf("account.%s.subscription.%s", t.AccountID, t.To)
		msgID := fmt.Sprintf("subscription.%s|%s|%s|%d", t.To, t.Sub.ID, t.From, t.At.Unix())
		if err := m.publisher.Publish(subject, payload, msgID); err != nil {
			log.Printf("Error publishing transition for subscription %s: %v", t.Sub.ID, err)
		}
	}
}
