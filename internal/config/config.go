package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the environment-driven service configuration.
type Config struct {
	ListenAddr    string
	DataRoot      string
	NATSURL       string
	AuthServerURL string
	JWKSURL       string

	// GraphBaseURL overrides the Microsoft Graph endpoint, mainly for
	// local fakes.
	GraphBaseURL string

	// PubSubTopic is the topic Google watch notifications are
	// delivered through.
	PubSubTopic string

	// NotificationURL is the webhook endpoint handed to providers that
	// accept one.
	NotificationURL string

	// RenewalLead is how long before expiry a subscription enters the
	// renewal window.
	RenewalLead time.Duration

	// SyncInterval is the cadence of incremental contact syncs.
	SyncInterval time.Duration
}

// Load reads configuration from the environment with sane defaults.
func Load() *Config {
	return &Config{
		ListenAddr:      getEnv("LISTEN_ADDR", ":8080"),
		DataRoot:        getEnv("DATA_ROOT", "data"),
		NATSURL:         getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		AuthServerURL:   getEnv("AUTH_SERVER_URL", "http://127.0.0.1:3000"),
		JWKSURL:         getEnv("JWKS_URL", "http://127.0.0.1:3000/api/auth/jwks"),
		GraphBaseURL:    getEnv("GRAPH_BASE_URL", ""),
		PubSubTopic:     getEnv("PUBSUB_TOPIC", "projects/neomind/topics/ingest-events"),
		NotificationURL: getEnv("NOTIFICATION_URL", "https://localhost/webhooks/notifications"),
		RenewalLead:     getDuration("RENEWAL_LEAD", 12*time.Hour),
		SyncInterval:    getDuration("SYNC_INTERVAL", 30*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
