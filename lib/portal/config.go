package portal

import (
	"fmt"
	"time"

	"gymops-backend/lib/portal/core"
	"gymops-backend/lib/portal/dispatch"
	"gymops-backend/lib/portal/retry"
)

type RetryConfig struct {
	InitialIntervalMs int     `json:"initial_interval_ms"`
	Multiplier        float64 `json:"multiplier"`
	MaxIntervalMs     int     `json:"max_interval_ms"`
	MaxAttempts       int     `json:"max_attempts"`
	Jitter            bool    `json:"jitter"`
}

type MessagingConfig struct {
	SuccessMarkers []string `json:"success_markers"`
	ErrorMarkers   []string `json:"error_markers"`
	EmailSubject   string   `json:"email_subject"`
}

type CalendarConfig struct {
	// DeleteVariants are tried in order until one is confirmed.
	DeleteVariants []dispatch.DeleteVariant `json:"delete_variants"`
}

// Config is the json5 configuration of a portal client. Zero values fall
// back to defaults.
type Config struct {
	BaseURL       string `json:"base_url" env:"PORTAL_BASE_URL"`
	LoginViewPath string `json:"login_view_path"`
	LoginPath     string `json:"login_path"`
	UserAgent     string `json:"user_agent"`
	// Timezone is the IANA zone the portal renders times in.
	Timezone         string `json:"timezone"`
	CloudflareBypass bool   `json:"cloudflare_bypass"`

	TimeoutSeconds int `json:"timeout_seconds"`
	// RequestsPerSecond paces each session, negative disables pacing.
	RequestsPerSecond    float64 `json:"requests_per_second"`
	Burst                int     `json:"burst"`
	DelegationTTLSeconds int     `json:"delegation_ttl_seconds"`

	Retry     RetryConfig     `json:"retry"`
	Messaging MessagingConfig `json:"messaging"`
	Calendar  CalendarConfig  `json:"calendar"`
}

// Credentials are never read from config files.
type Credentials struct {
	Username string `json:"-" env:"PORTAL_USERNAME"`
	Password string `json:"-" env:"PORTAL_PASSWORD"`
}

func (c Credentials) Validate() error {
	if c.Username == "" || c.Password == "" {
		return fmt.Errorf("portal credentials are missing, set PORTAL_USERNAME and PORTAL_PASSWORD")
	}
	return nil
}

func (c Config) location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	return loc, nil
}

func (c Config) coreConfig() core.Config {
	rps := c.RequestsPerSecond
	if rps == 0 {
		rps = 2
	}
	return core.Config{
		BaseURL:           c.BaseURL,
		LoginViewPath:     c.LoginViewPath,
		LoginPath:         c.LoginPath,
		UserAgent:         c.UserAgent,
		Timeout:           time.Duration(c.TimeoutSeconds) * time.Second,
		RequestsPerSecond: rps,
		Burst:             c.Burst,
		CloudflareBypass:  c.CloudflareBypass,
	}
}

func (c Config) dispatchConfig(loc *time.Location) dispatch.Config {
	return dispatch.Config{
		LoginPath:      c.LoginPath,
		SuccessMarkers: c.Messaging.SuccessMarkers,
		ErrorMarkers:   c.Messaging.ErrorMarkers,
		DeleteVariants: c.Calendar.DeleteVariants,
		EmailSubject:   c.Messaging.EmailSubject,
		Location:       loc,
	}
}

func (c Config) backoff() retry.Backoff {
	return retry.Backoff{
		InitialInterval: time.Duration(c.Retry.InitialIntervalMs) * time.Millisecond,
		Multiplier:      c.Retry.Multiplier,
		MaxInterval:     time.Duration(c.Retry.MaxIntervalMs) * time.Millisecond,
		MaxAttempts:     c.Retry.MaxAttempts,
		Jitter:          c.Retry.Jitter,
	}
}

func (c Config) delegationTTL() time.Duration {
	if c.DelegationTTLSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.DelegationTTLSeconds) * time.Second
}
