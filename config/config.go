// Package config defines the provider/key/TTL/webhook registry read at
// startup (spec component C12), following the teacher's YAML-via-
// ghodss/yaml configuration pattern (cmd/dex/serve.go's Config type).
package config

import (
	"fmt"
	"time"

	"github.com/ghodss/yaml"

	"github.com/dexidp/extauth/oauthclient"
	"github.com/dexidp/extauth/urlpolicy"
	"github.com/dexidp/extauth/webauthn"
	"github.com/dexidp/extauth/webhook"
)

// Config is the top-level configuration document, parsed from YAML.
type Config struct {
	// Issuer identifies this deployment in issued tokens' audience checks
	// and in the local Identity issuer (storage.LocalIssuer is used
	// instead when unset, matching the original default).
	Issuer string `json:"issuer"`

	// SigningKey is the symmetric key used by token.Codec. Must be at
	// least 32 bytes; normally sourced from a secret manager, not this
	// file, in production.
	SigningKey string `json:"signingKey"`

	Providers []ProviderConfig `json:"providers"`

	WebAuthn WebAuthnConfig `json:"webAuthn"`

	AllowedRedirectURLs []AllowedURLConfig `json:"allowedRedirectURLs"`

	Webhooks []WebhookConfig `json:"webhooks"`

	TTLs TTLConfig `json:"ttls"`

	Storage StorageConfig `json:"storage"`

	Email EmailConfig `json:"email"`
}

// EmailConfig selects and configures the mail delivery backend for
// verification codes, password resets and magic links. Leaving SMTP unset
// selects the stdout FakeEmailer; From is the sender address either way.
type EmailConfig struct {
	From string      `json:"from"`
	SMTP *SMTPConfig `json:"smtp,omitempty"`
}

// SMTPConfig mirrors email.SMTPConfig.
type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// ProviderConfig is one upstream OAuth2/OIDC provider entry.
type ProviderConfig struct {
	Name         string            `json:"name"`
	Issuer       string            `json:"issuer"`
	ClientID     string            `json:"clientID"`
	ClientSecret string            `json:"clientSecret"`
	RedirectURI  string            `json:"redirectURI"`
	Scopes       []string          `json:"scopes"`
	AdditionalParams map[string]string `json:"additionalParams"`
}

func (p ProviderConfig) toOAuthClient() oauthclient.ProviderConfig {
	return oauthclient.ProviderConfig{
		Name:             p.Name,
		Issuer:           p.Issuer,
		ClientID:         p.ClientID,
		ClientSecret:     p.ClientSecret,
		RedirectURI:      p.RedirectURI,
		Scopes:           p.Scopes,
		AdditionalParams: p.AdditionalParams,
	}
}

// WebAuthnConfig configures the relying party for passkey registration.
type WebAuthnConfig struct {
	RPID   string `json:"rpID"`
	Origin string `json:"origin"`
	RPName string `json:"rpName"`
}

func (w WebAuthnConfig) toRelyingParty() webauthn.RelyingParty {
	return webauthn.RelyingParty{ID: w.RPID, Origin: w.Origin, Name: w.RPName}
}

// AllowedURLConfig is one urlpolicy.Entry.
type AllowedURLConfig struct {
	Scheme     string `json:"scheme"`
	Host       string `json:"host"`
	PathPrefix string `json:"pathPrefix"`
}

// WebhookConfig is one webhook.Subscription.
type WebhookConfig struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"` // empty means all events
}

func (w WebhookConfig) toSubscription() webhook.Subscription {
	events := make(map[webhook.EventType]bool, len(w.Events))
	for _, e := range w.Events {
		events[webhook.EventType(e)] = true
	}
	return webhook.Subscription{URL: w.URL, Secret: []byte(w.Secret), Events: events}
}

// TTLConfig overrides the default lifetimes of issued tokens and codes.
type TTLConfig struct {
	OneTimeCode  time.Duration `json:"oneTimeCode"`
	MagicLink    time.Duration `json:"magicLink"`
	PasswordReset time.Duration `json:"passwordReset"`
	Session      time.Duration `json:"session"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Type     string          `json:"type"` // "memory" or "sql"
	Postgres *PostgresConfig `json:"postgres,omitempty"`
	SQLite3  *SQLite3Config  `json:"sqlite3,omitempty"`
}

// PostgresConfig mirrors storage/sql.Postgres.
type PostgresConfig struct {
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     uint16 `json:"port"`
}

// SQLite3Config mirrors storage/sql.SQLite3.
type SQLite3Config struct {
	File string `json:"file"`
}

// Load parses and validates a Config document.
func Load(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parsing: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks structural invariants the rest of the system assumes
// hold: a signing key of adequate length, unique provider names, and a
// recognized storage backend.
func (c Config) Validate() error {
	if len(c.SigningKey) < 32 {
		return fmt.Errorf("config: signingKey must be at least 32 bytes, got %d", len(c.SigningKey))
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: provider entry missing name")
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
		if p.ClientID == "" || p.ClientSecret == "" {
			return fmt.Errorf("config: provider %q missing clientID/clientSecret", p.Name)
		}
	}

	switch c.Storage.Type {
	case "memory":
	case "sql":
		if c.Storage.Postgres == nil && c.Storage.SQLite3 == nil {
			return fmt.Errorf("config: storage.type is sql but neither postgres nor sqlite3 is configured")
		}
	case "":
		return fmt.Errorf("config: storage.type is required")
	default:
		return fmt.Errorf("config: unrecognized storage.type %q", c.Storage.Type)
	}

	return nil
}

// Registry is the read-through view over Config that components consume:
// named providers, the webhook dispatcher's subscriptions, and the
// relying-party/URL-policy singletons. Building a Registry is separated
// from Load so tests can construct one without parsing YAML (mirrors the
// teacher's WithStaticClients helper in storage/static_clients.go).
type Registry struct {
	cfg        Config
	providers  map[string]oauthclient.ProviderConfig
}

// NewRegistry builds a Registry from an already-validated Config.
func NewRegistry(cfg Config) *Registry {
	providers := make(map[string]oauthclient.ProviderConfig, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers[p.Name] = p.toOAuthClient()
	}
	return &Registry{cfg: cfg, providers: providers}
}

// Provider looks up a configured provider by name.
func (r *Registry) Provider(name string) (oauthclient.ProviderConfig, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Providers returns every configured provider, for callers that build one
// oauthclient.Client per entry at startup.
func (r *Registry) Providers() []oauthclient.ProviderConfig {
	out := make([]oauthclient.ProviderConfig, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}

// WebAuthnRelyingParty returns the configured relying party.
func (r *Registry) WebAuthnRelyingParty() webauthn.RelyingParty {
	return r.cfg.WebAuthn.toRelyingParty()
}

// URLPolicyEntries returns the configured allow-list as urlpolicy.Entry values.
func (r *Registry) URLPolicyEntries() []urlpolicy.Entry {
	out := make([]urlpolicy.Entry, 0, len(r.cfg.AllowedRedirectURLs))
	for _, e := range r.cfg.AllowedRedirectURLs {
		out = append(out, urlpolicy.Entry{Scheme: e.Scheme, Host: e.Host, PathPrefix: e.PathPrefix})
	}
	return out
}

// WebhookSubscriptions returns the configured webhook subscriptions.
func (r *Registry) WebhookSubscriptions() []webhook.Subscription {
	out := make([]webhook.Subscription, 0, len(r.cfg.Webhooks))
	for _, w := range r.cfg.Webhooks {
		out = append(out, w.toSubscription())
	}
	return out
}

// TTLs returns the configured (or zero-value, meaning "use component
// defaults") TTL overrides.
func (r *Registry) TTLs() TTLConfig {
	return r.cfg.TTLs
}

// Email returns the configured mail delivery settings.
func (r *Registry) Email() EmailConfig {
	return r.cfg.Email
}

// Issuer returns the configured issuer, defaulting to storage.LocalIssuer's
// value's scheme-equivalent when unset.
func (r *Registry) Issuer() string {
	if r.cfg.Issuer != "" {
		return r.cfg.Issuer
	}
	return "https://auth.local"
}
