package oauthclient

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseGitHubUser(t *testing.T) {
	ident, err := parseGitHubUser([]byte(`{"id": 42, "login": "octocat", "email": "octo@example.com", "name": "The Octocat"}`))
	require.NoError(t, err)
	require.Equal(t, "https://github.com", ident.Issuer)
	require.Equal(t, "42", ident.Subject)
	require.Equal(t, "octo@example.com", ident.Email)
	require.True(t, ident.EmailVerified)
	require.Equal(t, "The Octocat", ident.Name)
}

func TestParseGitHubUserNoEmail(t *testing.T) {
	ident, err := parseGitHubUser([]byte(`{"id": 42, "login": "octocat"}`))
	require.NoError(t, err)
	require.False(t, ident.EmailVerified)
	require.Equal(t, "octocat", ident.Name)
}

func TestParseDiscordUser(t *testing.T) {
	ident, err := parseDiscordUser([]byte(`{"id": "123", "username": "someone", "email": "someone@example.com", "verified": true}`))
	require.NoError(t, err)
	require.Equal(t, "https://discord.com", ident.Issuer)
	require.Equal(t, "123", ident.Subject)
	require.True(t, ident.EmailVerified)
}

func TestNewRejectsUnknownBuiltin(t *testing.T) {
	_, err := New(nil, ProviderConfig{Name: "not-a-real-provider"}, nil)
	require.Error(t, err)
}
