// Package oauthclient implements the authentication subsystem's half of the
// OAuth2 authorization code flow against upstream providers (spec component
// C4): building the /authorize redirect, exchanging the code returned at
// /callback, and validating the resulting ID token (for OIDC providers) or
// fetching a userinfo-equivalent endpoint (for plain OAuth2 providers like
// GitHub and Discord).
//
// One Client is constructed per configured provider and cached for the
// life of the process. For an OIDC provider, New fetches the discovery
// document once, with concurrent fetches for the same issuer collapsed via
// singleflight; the document is not fetched again afterwards and its
// cache-control lifetime is not consulted. JWKS keys are fetched by
// go-oidc's remote key set when an ID token is verified.
package oauthclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// RemoteIdentity is the normalized result of a successful exchange: the
// (issuer, subject) pair the rest of the system treats as the remote
// Identity key, plus whatever profile data the provider handed back.
type RemoteIdentity struct {
	Issuer        string
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
}

// Tokens are the raw upstream credentials, persisted on the bound PKCE
// challenge row and returned to the caller verbatim (spec §4.4: this
// package does not interpret access/refresh tokens beyond the ID token).
type Tokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
}

// ProviderConfig describes one upstream provider as read from the
// configuration registry (spec component C12).
type ProviderConfig struct {
	// Name identifies the provider in URLs and storage; also selects a
	// builtin (github, discord) when Issuer is empty.
	Name string

	// Issuer is the OIDC discovery issuer URL. Empty for non-OIDC builtins.
	Issuer string

	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	// AdditionalParams are appended as extra query parameters on the
	// /authorize redirect (e.g. Apple's "response_mode=form_post").
	AdditionalParams map[string]string
}

// Client drives one configured provider's OAuth2/OIDC flow.
type Client struct {
	cfg    ProviderConfig
	oauth2 *oauth2.Config

	// Set only for OIDC providers (Issuer != "").
	verifier *gooidc.IDTokenVerifier
	provider *gooidc.Provider

	// Set only for static builtins (github, discord).
	builtin *builtinProvider

	logger *slog.Logger
}

// group deduplicates concurrent discovery fetches for the same issuer
// across every Client in the process, per spec §9's single-flight guard.
var group singleflight.Group

// New builds a Client for one provider. For OIDC providers this performs
// (or joins an in-flight) discovery fetch; for builtins it's instant.
func New(ctx context.Context, cfg ProviderConfig, logger *slog.Logger) (*Client, error) {
	c := &Client{cfg: cfg, logger: logger}

	if cfg.Issuer == "" {
		b, ok := builtins[cfg.Name]
		if !ok {
			return nil, fmt.Errorf("oauthclient: %q is not an OIDC issuer and has no builtin endpoint table", cfg.Name)
		}
		c.builtin = &b
		c.oauth2 = &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       defaultScopes(cfg.Scopes, b.defaultScopes),
			Endpoint: oauth2.Endpoint{
				AuthURL:  b.authURL,
				TokenURL: b.tokenURL,
			},
		}
		return c, nil
	}

	v, err, _ := group.Do(cfg.Issuer, func() (interface{}, error) {
		return gooidc.NewProvider(ctx, cfg.Issuer)
	})
	if err != nil {
		return nil, fmt.Errorf("oauthclient: discovery for %q: %w", cfg.Issuer, err)
	}
	provider := v.(*gooidc.Provider)

	c.provider = provider
	c.verifier = provider.Verifier(&gooidc.Config{ClientID: cfg.ClientID})
	c.oauth2 = &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Endpoint:     provider.Endpoint(),
		Scopes:       defaultScopes(cfg.Scopes, []string{gooidc.ScopeOpenID, "profile", "email"}),
	}
	return c, nil
}

func defaultScopes(configured, fallback []string) []string {
	if len(configured) > 0 {
		return configured
	}
	return fallback
}

// AuthCodeURL builds the /authorize redirect target, binding state (an
// opaque token.Codec-issued string, per spec §4.1/§4.4) to the request.
func (c *Client) AuthCodeURL(state string) string {
	opts := make([]oauth2.AuthCodeOption, 0, len(c.cfg.AdditionalParams))
	for k, v := range c.cfg.AdditionalParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return c.oauth2.AuthCodeURL(state, opts...)
}

// Exchange trades the authorization code for tokens, validates the ID
// token for OIDC providers, and returns the normalized identity. For
// builtin providers with no ID token, it fetches the provider's userinfo
// endpoint instead (spec §6 "GitHub/Discord static endpoint" supplement).
func (c *Client) Exchange(ctx context.Context, code string) (RemoteIdentity, Tokens, error) {
	tok, err := c.oauth2.Exchange(ctx, code)
	if err != nil {
		return RemoteIdentity{}, Tokens{}, fmt.Errorf("oauthclient: code exchange: %w", err)
	}

	tokens := Tokens{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}

	if c.builtin != nil {
		ident, err := c.builtin.userinfo(ctx, c.oauth2.Client(ctx, tok))
		return ident, tokens, err
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok {
		return RemoteIdentity{}, Tokens{}, fmt.Errorf("oauthclient: no id_token in token response from %q", c.cfg.Issuer)
	}
	tokens.IDToken = rawIDToken

	idToken, err := c.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return RemoteIdentity{}, Tokens{}, fmt.Errorf("oauthclient: verifying id_token: %w", err)
	}

	var claims struct {
		Email         string      `json:"email"`
		EmailVerified interface{} `json:"email_verified"`
		Name          string      `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return RemoteIdentity{}, Tokens{}, fmt.Errorf("oauthclient: decoding id_token claims: %w", err)
	}

	// Azure AD and some other providers omit email_verified entirely, or
	// send it as a string rather than a bool; tolerate its absence rather
	// than rejecting the login (spec §6 "tolerant discovery parsing").
	emailVerified, _ := claims.EmailVerified.(bool)
	if s, ok := claims.EmailVerified.(string); ok {
		emailVerified = s == "true"
	}
	email := claims.Email
	if email == "" {
		var loose map[string]interface{}
		if idToken.Claims(&loose) == nil {
			if v, ok := loose["upn"].(string); ok {
				email = v
			} else if v, ok := loose["preferred_username"].(string); ok {
				email = v
			}
		}
	}

	return RemoteIdentity{
		Issuer:        idToken.Issuer,
		Subject:       idToken.Subject,
		Email:         email,
		EmailVerified: emailVerified || email != "",
		Name:          claims.Name,
	}, tokens, nil
}

// builtinProvider is a hardcoded OAuth2 endpoint table for providers that
// don't publish OIDC discovery (GitHub, Discord), grounding spec §6's
// "GitHub/Discord static endpoint" supplement.
type builtinProvider struct {
	authURL       string
	tokenURL      string
	userinfoURL   string
	defaultScopes []string
	parse         func(raw []byte) (RemoteIdentity, error)
}

func (b *builtinProvider) userinfo(ctx context.Context, hc *http.Client) (RemoteIdentity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.userinfoURL, nil)
	if err != nil {
		return RemoteIdentity{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return RemoteIdentity{}, fmt.Errorf("oauthclient: userinfo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return RemoteIdentity{}, fmt.Errorf("oauthclient: userinfo request returned %s", resp.Status)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return RemoteIdentity{}, fmt.Errorf("oauthclient: decoding userinfo response: %w", err)
	}
	return b.parse(raw)
}

func parseGitHubUser(raw []byte) (RemoteIdentity, error) {
	var body struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return RemoteIdentity{}, fmt.Errorf("oauthclient: parsing GitHub user: %w", err)
	}
	name := body.Name
	if name == "" {
		name = body.Login
	}
	return RemoteIdentity{
		Issuer:  "https://github.com",
		Subject: fmt.Sprintf("%d", body.ID),
		Email:   body.Email,
		// GitHub's /user endpoint only reports a verified primary email
		// when scope user:email is granted; treat its presence as verified.
		EmailVerified: body.Email != "",
		Name:          name,
	}, nil
}

func parseDiscordUser(raw []byte) (RemoteIdentity, error) {
	var body struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Email    string `json:"email"`
		Verified bool   `json:"verified"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return RemoteIdentity{}, fmt.Errorf("oauthclient: parsing Discord user: %w", err)
	}
	return RemoteIdentity{
		Issuer:        "https://discord.com",
		Subject:       body.ID,
		Email:         body.Email,
		EmailVerified: body.Verified,
		Name:          body.Username,
	}, nil
}

var builtins = map[string]builtinProvider{
	"github": {
		authURL:       "https://github.com/login/oauth/authorize",
		tokenURL:      "https://github.com/login/oauth/access_token",
		userinfoURL:   "https://api.github.com/user",
		defaultScopes: []string{"read:user", "user:email"},
		parse:         parseGitHubUser,
	},
	"discord": {
		authURL:       "https://discord.com/api/oauth2/authorize",
		tokenURL:      "https://discord.com/api/oauth2/token",
		userinfoURL:   "https://discord.com/api/users/@me",
		defaultScopes: []string{"identify", "email"},
		parse:         parseDiscordUser,
	},
}
