// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all portalsfs configuration.
type Config struct {
	// Dataverse organization and site
	OrgURL      string
	WebsiteID   string
	ContentRoot string

	// Entity to open; AllEntities selects every type of the schema. An empty
	// EntityID lists every record of the entity type.
	EntityType string
	EntityID   string

	// Schema
	SchemaVersion string
	SchemaFile    string

	// Auth: a static bearer token, or client credentials
	Token        string
	TenantID     string
	ClientID     string
	ClientSecret string

	// Concurrency policy
	MaxConcurrentRequests int
	MaxQueuedRequests     int
	RetryMaxAttempts      int
	RetryInitialDelay     time.Duration
	RetryMaxDelay         time.Duration
	RequestTimeout        time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Metrics (empty disables the listener)
	MetricsAddr string
}

// AllEntities is the entity selection that populates every schema type.
const AllEntities = "all"

// Defaults for the concurrency policy.
const (
	DefaultMaxConcurrentRequests = 50
	DefaultMaxQueuedRequests     = 1000
	DefaultRetryMaxAttempts      = 3
	DefaultRetryInitialDelay     = 500 * time.Millisecond
	DefaultRetryMaxDelay         = 10 * time.Second
)

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		OrgURL:                strings.TrimSuffix(envOr("PORTALSFS_ORG_URL", ""), "/"),
		WebsiteID:             envOr("PORTALSFS_WEBSITE_ID", ""),
		ContentRoot:           envOr("PORTALSFS_CONTENT_ROOT", "site"),
		EntityType:            envOr("PORTALSFS_ENTITY", AllEntities),
		EntityID:              envOr("PORTALSFS_ENTITY_ID", ""),
		SchemaVersion:         envOr("PORTALSFS_SCHEMA", "portal_schema_v1"),
		SchemaFile:            envOr("PORTALSFS_SCHEMA_FILE", ""),
		Token:                 envOr("PORTALSFS_TOKEN", ""),
		TenantID:              envOr("PORTALSFS_TENANT_ID", ""),
		ClientID:              envOr("PORTALSFS_CLIENT_ID", ""),
		ClientSecret:          envOr("PORTALSFS_CLIENT_SECRET", ""),
		MaxConcurrentRequests: envInt("PORTALSFS_MAX_CONCURRENT", DefaultMaxConcurrentRequests),
		MaxQueuedRequests:     envInt("PORTALSFS_MAX_QUEUE", DefaultMaxQueuedRequests),
		RetryMaxAttempts:      envInt("PORTALSFS_RETRY_ATTEMPTS", DefaultRetryMaxAttempts),
		RetryInitialDelay:     envDuration("PORTALSFS_RETRY_INITIAL_DELAY", DefaultRetryInitialDelay),
		RetryMaxDelay:         envDuration("PORTALSFS_RETRY_MAX_DELAY", DefaultRetryMaxDelay),
		RequestTimeout:        envDuration("PORTALSFS_REQUEST_TIMEOUT", 60*time.Second),
		LogLevel:              envOr("LOG_LEVEL", "info"),
		LogFormat:             envOr("LOG_FORMAT", "console"),
		MetricsAddr:           envOr("METRICS_ADDR", ""),
	}
	return cfg, nil
}

// Validate checks the settings a session cannot start without.
func (c *Config) Validate() error {
	if c.OrgURL == "" {
		return fmt.Errorf("PORTALSFS_ORG_URL is required")
	}
	if c.ContentRoot == "" {
		return fmt.Errorf("PORTALSFS_CONTENT_ROOT must not be empty")
	}
	if c.Token == "" && (c.TenantID == "" || c.ClientID == "" || c.ClientSecret == "") {
		return fmt.Errorf("either PORTALSFS_TOKEN or PORTALSFS_TENANT_ID, PORTALSFS_CLIENT_ID and PORTALSFS_CLIENT_SECRET are required")
	}
	if c.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("PORTALSFS_MAX_CONCURRENT must be positive, got %d", c.MaxConcurrentRequests)
	}
	if c.MaxQueuedRequests < 0 {
		return fmt.Errorf("PORTALSFS_MAX_QUEUE must not be negative, got %d", c.MaxQueuedRequests)
	}
	if c.RetryInitialDelay > c.RetryMaxDelay {
		return fmt.Errorf("retry initial delay %v exceeds max delay %v", c.RetryInitialDelay, c.RetryMaxDelay)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
