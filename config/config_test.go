package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const validYAML = `
issuer: https://auth.example.com
signingKey: "0123456789abcdef0123456789abcdef"
storage:
  type: memory
providers:
  - name: google
    issuer: https://accounts.google.com
    clientID: client-id
    clientSecret: client-secret
    redirectURI: https://auth.example.com/callback
allowedRedirectURLs:
  - scheme: https
    host: app.example.com
    pathPrefix: /
webhooks:
  - url: https://hooks.example.com/auth
    secret: shh
    events: ["IdentityCreated"]
webAuthn:
  rpID: example.com
  origin: https://app.example.com
  rpName: Example
`

func TestLoadValid(t *testing.T) {
	cfg, err := Load([]byte(validYAML))
	require.NoError(t, err)

	reg := NewRegistry(cfg)
	p, ok := reg.Provider("google")
	require.True(t, ok)
	require.Equal(t, "https://accounts.google.com", p.Issuer)

	require.Len(t, reg.URLPolicyEntries(), 1)
	require.Len(t, reg.WebhookSubscriptions(), 1)
	require.Equal(t, "example.com", reg.WebAuthnRelyingParty().ID)
	require.Len(t, reg.Providers(), 1)
}

func TestLoadEmailConfig(t *testing.T) {
	cfg, err := Load([]byte(`
signingKey: "0123456789abcdef0123456789abcdef"
storage:
  type: memory
email:
  from: auth@example.com
  smtp:
    host: smtp.example.com
    port: 587
    username: auth
    password: hunter2
`))
	require.NoError(t, err)

	reg := NewRegistry(cfg)
	email := reg.Email()
	require.Equal(t, "auth@example.com", email.From)
	require.NotNil(t, email.SMTP)
	require.Equal(t, "smtp.example.com", email.SMTP.Host)
}

func TestLoadRejectsShortSigningKey(t *testing.T) {
	_, err := Load([]byte(`
signingKey: "too-short"
storage:
  type: memory
`))
	require.Error(t, err)
}

func TestLoadRejectsMissingStorageType(t *testing.T) {
	_, err := Load([]byte(`
signingKey: "0123456789abcdef0123456789abcdef"
`))
	require.Error(t, err)
}

func TestLoadRejectsDuplicateProviderNames(t *testing.T) {
	_, err := Load([]byte(`
signingKey: "0123456789abcdef0123456789abcdef"
storage:
  type: memory
providers:
  - name: google
    clientID: a
    clientSecret: b
  - name: google
    clientID: c
    clientSecret: d
`))
	require.Error(t, err)
}
