// Package server implements the flow controller (spec component C9): the
// HTTP surface that ties together PKCE, the OAuth/OIDC client, local
// password auth, magic links and WebAuthn into the endpoints of spec §6.
//
// Routing follows the teacher's gorilla/mux usage in cmd/dex/serve.go;
// error propagation follows apierror, a generalization of the teacher's
// server/error.go apiError{Type, Description} shape.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/dexidp/extauth/email"
	"github.com/dexidp/extauth/localauth"
	"github.com/dexidp/extauth/magiclink"
	"github.com/dexidp/extauth/oauthclient"
	"github.com/dexidp/extauth/otc"
	"github.com/dexidp/extauth/pkce"
	"github.com/dexidp/extauth/storage"
	"github.com/dexidp/extauth/token"
	"github.com/dexidp/extauth/urlpolicy"
	"github.com/dexidp/extauth/webauthn"
	"github.com/dexidp/extauth/webhook"
)

// Config bundles everything New needs to wire a Server. Providers and
// urlPolicy are supplied pre-built because their construction is
// (respectively) network-dependent and config-driven in ways the server
// package itself shouldn't own.
type Config struct {
	Storage    storage.Storage
	Tokens     *token.Codec
	Providers  map[string]*oauthclient.Client
	URLPolicy  *urlpolicy.Policy
	Webhooks   *webhook.Dispatcher
	WebAuthnRP webauthn.RelyingParty
	Issuer     string
	Logger     *slog.Logger
	Metrics    *Metrics

	// Emailer delivers verification codes, reset tokens and magic links.
	// Defaults to email.FakeEmailer (stdout) if nil, so a deployment
	// without mail configured still runs in development.
	Emailer email.Emailer
	// EmailFrom is the From address on outgoing mail.
	EmailFrom string
}

// Server holds the wired components for every endpoint in spec §6.
type Server struct {
	db        storage.Storage
	tokens    *token.Codec
	providers map[string]*oauthclient.Client
	urlPolicy *urlpolicy.Policy
	webhooks  *webhook.Dispatcher
	issuer    string
	logger    *slog.Logger
	metrics   *Metrics
	emailer   email.Emailer
	emailFrom string

	pkce      *pkce.Store
	otc       *otc.Engine
	local     *localauth.Service
	magiclink *magiclink.Service
	webauthn  *webauthn.Service
}

// New wires a Server from Config.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	otcEngine := otc.New(cfg.Storage)

	emailer := cfg.Emailer
	if emailer == nil {
		emailer = email.FakeEmailer{}
	}

	return &Server{
		db:        cfg.Storage,
		tokens:    cfg.Tokens,
		providers: cfg.Providers,
		urlPolicy: cfg.URLPolicy,
		webhooks:  cfg.Webhooks,
		issuer:    cfg.Issuer,
		logger:    logger,
		metrics:   cfg.Metrics,
		emailer:   emailer,
		emailFrom: cfg.EmailFrom,

		pkce:      pkce.New(cfg.Storage),
		otc:       otcEngine,
		local:     localauth.New(cfg.Storage, otcEngine, cfg.Tokens),
		magiclink: magiclink.New(cfg.Storage, otcEngine, cfg.Tokens),
		webauthn:  webauthn.New(cfg.Storage, cfg.WebAuthnRP),
	}
}

// Handler builds the top-level http.Handler: an access-logged gorilla/mux
// router exposing every spec §6 endpoint.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/authorize", s.handleAuthorize).Methods(http.MethodGet)
	r.HandleFunc("/callback", s.handleCallback).Methods(http.MethodGet)
	r.HandleFunc("/token", s.handleToken).Methods(http.MethodGet)

	r.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/authenticate", s.handleAuthenticate).Methods(http.MethodPost)
	r.HandleFunc("/verify", s.handleVerify).Methods(http.MethodPost)
	r.HandleFunc("/resend-verification-email", s.handleResendVerification).Methods(http.MethodPost)
	r.HandleFunc("/send-reset-email", s.handleSendResetEmail).Methods(http.MethodPost)
	r.HandleFunc("/reset-password", s.handleResetPassword).Methods(http.MethodPost)

	r.HandleFunc("/magic-link/register", s.handleMagicLinkRegister).Methods(http.MethodPost)
	r.HandleFunc("/magic-link/email", s.handleMagicLinkEmail).Methods(http.MethodPost)
	r.HandleFunc("/magic-link/authenticate", s.handleMagicLinkAuthenticate).Methods(http.MethodPost)

	r.HandleFunc("/webauthn/register/options", s.handleWebAuthnRegisterOptions).Methods(http.MethodPost)
	r.HandleFunc("/webauthn/register", s.handleWebAuthnRegister).Methods(http.MethodPost)
	r.HandleFunc("/webauthn/authenticate/options", s.handleWebAuthnAuthenticateOptions).Methods(http.MethodPost)
	r.HandleFunc("/webauthn/authenticate", s.handleWebAuthnAuthenticate).Methods(http.MethodPost)

	return s.metrics.instrument(handlers.CombinedLoggingHandler(slogWriter{s.logger}, r))
}

// recordAttempt forwards an authentication outcome to the configured
// Metrics, a no-op if none was wired.
func (s *Server) recordAttempt(factorKind string, successful bool) {
	if s.metrics == nil {
		return
	}
	s.metrics.recordAttempt(factorKind, successful)
}

// deliver sends subject/text to a single recipient through the configured
// Emailer, logging (never returning) a failure: a dropped verification
// email shouldn't fail the HTTP response that already committed the
// factor/code to storage.
func (s *Server) deliver(ctx context.Context, to, subject, text string) {
	if err := s.emailer.SendMail(s.emailFrom, subject, text, "", to); err != nil {
		s.logger.ErrorContext(ctx, "email delivery failed", "to", to, "error", err)
	}
}

// emit enqueues a lifecycle webhook event if a dispatcher is configured;
// spec §4.10 webhook failures never affect the HTTP response.
func (s *Server) emit(_ context.Context, t webhook.EventType, identityID, factorID string) {
	if s.webhooks == nil {
		return
	}
	s.webhooks.Enqueue(webhook.Event{Type: t, IdentityID: identityID, FactorID: factorID})
}
