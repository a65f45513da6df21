package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/dexidp/extauth/apierror"
	"github.com/dexidp/extauth/localauth"
	"github.com/dexidp/extauth/magiclink"
	"github.com/dexidp/extauth/otc"
	"github.com/dexidp/extauth/pkce"
	"github.com/dexidp/extauth/storage"
	"github.com/dexidp/extauth/token"
	"github.com/dexidp/extauth/urlpolicy"
	"github.com/dexidp/extauth/webauthn"
	"github.com/dexidp/extauth/webhook"
)

// mapDomainError translates a lower-layer sentinel error into the
// apierror.Error the flow controller owns converting to HTTP, per spec §7's
// propagation policy. Anything unrecognized becomes a sanitized 500.
func mapDomainError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pkce.ErrInvalidVerifier):
		return apierror.New(apierror.KindInvalidRequest, "invalid or expired PKCE verifier")
	case errors.Is(err, urlpolicy.ErrNotAllowed):
		return apierror.New(apierror.KindAllowlistViolation, "redirect URL is not allow-listed")
	case errors.Is(err, localauth.ErrEmailTaken):
		return apierror.New(apierror.KindConflict, "email is already registered")
	case errors.Is(err, localauth.ErrInvalidCredentials):
		return apierror.New(apierror.KindAuthenticationFailed, "invalid credentials")
	case errors.Is(err, otc.ErrInvalidCode):
		return apierror.New(apierror.KindInvalidCode, "invalid code")
	case errors.Is(err, otc.ErrAttemptsExceeded):
		return apierror.New(apierror.KindAttemptsExceeded, "too many failed attempts")
	case errors.Is(err, magiclink.ErrInvalid):
		return apierror.New(apierror.KindInvalidData, "invalid or expired magic link")
	case errors.Is(err, webauthn.ErrInvalid):
		return apierror.New(apierror.KindInvalidData, "WebAuthn ceremony failed")
	case errors.Is(err, token.ErrInvalid):
		return apierror.New(apierror.KindInvalidData, "invalid token")
	case errors.Is(err, storage.ErrNotFound):
		return apierror.New(apierror.KindInvalidRequest, "not found")
	default:
		var aerr *apierror.Error
		if errors.As(err, &aerr) {
			return aerr
		}
		return apierror.Internal()
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierror.New(apierror.KindInvalidRequest, "malformed JSON body")
	}
	return nil
}

// --- /authorize, /callback, /token (OAuth/OIDC client + PKCE) ---

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	providerName := q.Get("provider")
	challenge := q.Get("challenge")
	redirectTo := q.Get("redirect_to")

	if challenge == "" || providerName == "" || redirectTo == "" {
		writeError(w, apierror.New(apierror.KindInvalidRequest, "provider, challenge and redirect_to are required"))
		return
	}

	if err := s.urlPolicy.Check(redirectTo); err != nil {
		writeError(w, mapDomainError(err))
		return
	}

	client, ok := s.providers[providerName]
	if !ok {
		writeError(w, apierror.New(apierror.KindInvalidRequest, "unknown provider"))
		return
	}

	rec, err := s.pkce.Record(r.Context(), challenge)
	if err != nil {
		writeError(w, mapDomainError(err))
		return
	}

	state, err := s.tokens.Issue(token.KindOAuthState, stateTTL, providerName, map[string]string{
		"provider":    providerName,
		"challenge":   rec.ID,
		"redirect_to": redirectTo,
	})
	if err != nil {
		writeError(w, apierror.Internal())
		return
	}

	http.Redirect(w, r, client.AuthCodeURL(state), http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if errType := q.Get("error"); errType != "" {
		writeError(w, apierror.New(apierror.KindProviderError, errType))
		return
	}

	rawState := q.Get("state")
	code := q.Get("code")
	if rawState == "" || code == "" {
		writeError(w, apierror.New(apierror.KindInvalidRequest, "state and code are required"))
		return
	}

	claims, err := s.verifyOAuthState(rawState)
	if err != nil {
		writeError(w, mapDomainError(err))
		return
	}

	client, ok := s.providers[claims.Extra["provider"]]
	if !ok {
		writeError(w, apierror.New(apierror.KindInvalidRequest, "unknown provider"))
		return
	}

	ident, tokens, err := client.Exchange(r.Context(), code)
	if err != nil {
		writeError(w, apierror.New(apierror.KindProviderError, err.Error()))
		return
	}

	identity, created, err := s.db.UpsertRemoteIdentity(r.Context(), ident.Issuer, ident.Subject)
	if err != nil {
		writeError(w, apierror.Internal())
		return
	}
	if created {
		s.emit(r.Context(), webhook.EventIdentityCreated, identity.ID, "")
	}
	s.emit(r.Context(), webhook.EventIdentityAuthenticated, identity.ID, "")

	bound, err := s.pkce.Bind(r.Context(), claims.Extra["challenge"], identity.ID, tokens.AccessToken, tokens.RefreshToken, tokens.IDToken)
	if err != nil {
		writeError(w, mapDomainError(err))
		return
	}

	http.Redirect(w, r, appendQueryParam(claims.Extra["redirect_to"], "code", bound.ID), http.StatusFound)
}

// appendQueryParam appends key=value to raw's query string, preserving any
// query parameters already present. Spec §6 requires every success redirect
// (`/callback`, and the local/magic-link flows when invoked as a form
// submission) to carry the PKCE id as `?code=…` so the caller can complete
// the exchange at GET /token.
func appendQueryParam(raw, key, value string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

// verifyOAuthState checks the signature/expiry of a state token without
// pinning an audience up front, since the audience (provider name) is
// itself part of what's being decoded; it still rejects tokens of the
// wrong kind.
func (s *Server) verifyOAuthState(raw string) (token.Claims, error) {
	// token.Codec.Verify requires an expected audience; try each
	// configured provider name as a candidate, since a state token's
	// audience is always a known provider.
	for name := range s.providers {
		if claims, err := s.tokens.Verify(raw, token.KindOAuthState, name); err == nil {
			return claims, nil
		}
	}
	return token.Claims{}, token.ErrInvalid
}

// handleToken implements spec §6's `GET /token?code=<pkce_id>&verifier=<V>`:
// the PKCE code exchange is a read with query parameters, not a POST body,
// so that it matches the RFC 7636 authorization_code-exchange shape the
// rest of §6 assumes (see scenario S4).
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")
	verifier := q.Get("verifier")
	if code == "" || verifier == "" {
		writeError(w, apierror.New(apierror.KindInvalidRequest, "code and verifier are required"))
		return
	}

	claimed, err := s.pkce.Claim(r.Context(), code, verifier)
	if err != nil {
		writeError(w, mapDomainError(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"identity_id":   claimed.IdentityID,
		"auth_token":    claimed.AuthToken,
		"refresh_token": claimed.RefreshToken,
		"id_token":      claimed.IDToken,
	})
}

// --- local email+password ---

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	ChallengeID string `json:"challenge_id"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, apierror.New(apierror.KindInvalidRequest, "email and password are required"))
		return
	}

	factor, code, err := s.local.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, mapDomainError(err))
		return
	}
	s.deliver(r.Context(), req.Email, "Verify your email",
		fmt.Sprintf("Your verification code is %s", code))

	if req.ChallengeID != "" {
		if _, err := s.pkce.Bind(r.Context(), req.ChallengeID, factor.IdentityID, "", "", ""); err != nil {
			writeError(w, mapDomainError(err))
			return
		}
	}

	s.emit(r.Context(), webhook.EventIdentityCreated, factor.IdentityID, factor.ID)
	s.emit(r.Context(), webhook.EventEmailFactorAdded, factor.IdentityID, factor.ID)
	s.emit(r.Context(), webhook.EventOneTimeCodeRequested, factor.IdentityID, factor.ID)

	writeJSON(w, http.StatusCreated, map[string]string{"factor_id": factor.ID, "status": "pending_verification"})
}

type authenticateRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	ChallengeID string `json:"challenge_id"`
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req authenticateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	factor, err := s.local.Authenticate(r.Context(), req.Email, req.Password)
	s.recordAttempt(string(storage.FactorEmailPassword), err == nil)
	if err != nil {
		writeError(w, mapDomainError(err))
		return
	}

	s.emit(r.Context(), webhook.EventIdentityAuthenticated, factor.IdentityID, factor.ID)

	if req.ChallengeID != "" {
		if _, err := s.pkce.Bind(r.Context(), req.ChallengeID, factor.IdentityID, "", "", ""); err != nil {
			writeError(w, mapDomainError(err))
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"identity_id": factor.IdentityID})
}

type verifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	factor, err := s.db.GetFactorByEmail(r.Context(), storage.FactorEmailPassword, req.Email)
	if err != nil {
		writeError(w, mapDomainError(err))
		return
	}

	if err := s.local.VerifyEmail(r.Context(), factor.ID, req.Code); err != nil {
		writeError(w, mapDomainError(err))
		return
	}

	s.emit(r.Context(), webhook.EventOneTimeCodeVerified, factor.IdentityID, factor.ID)
	s.emit(r.Context(), webhook.EventEmailVerified, factor.IdentityID, factor.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

type resendVerificationRequest struct {
	FactorID string `json:"factor_id"`
}

func (s *Server) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	var req resendVerificationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	code, err := s.local.ResendVerificationEmail(r.Context(), req.FactorID)
	if err != nil {
		writeError(w, mapDomainError(err))
		return
	}
	if factor, ferr := s.db.GetFactor(r.Context(), req.FactorID); ferr == nil {
		s.deliver(r.Context(), factor.Email, "Verify your email",
			fmt.Sprintf("Your verification code is %s", code))
		s.emit(r.Context(), webhook.EventOneTimeCodeRequested, factor.IdentityID, factor.ID)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

type sendResetEmailRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleSendResetEmail(w http.ResponseWriter, r *http.Request) {
	var req sendResetEmailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	// Always respond 200 regardless of whether the email is registered,
	// per spec §4.5; a lookup miss is swallowed here rather than mapped.
	if resetToken, err := s.local.SendResetEmail(r.Context(), req.Email, s.issuer); err == nil {
		s.deliver(r.Context(), req.Email, "Reset your password",
			fmt.Sprintf("Your password reset token is %s", resetToken))
		s.emit(r.Context(), webhook.EventPasswordResetRequested, "", "")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

type resetPasswordRequest struct {
	ResetToken  string `json:"reset_token"`
	NewPassword string `json:"new_password"`
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.local.ResetPassword(r.Context(), req.ResetToken, s.issuer, req.NewPassword); err != nil {
		writeError(w, mapDomainError(err))
		return
	}
	s.emit(r.Context(), webhook.EventPasswordChanged, "", "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// --- magic link ---

type magicLinkRegisterRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleMagicLinkRegister(w http.ResponseWriter, r *http.Request) {
	var req magicLinkRegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	factor, err := s.magiclink.Register(r.Context(), req.Email)
	if err != nil {
		writeError(w, mapDomainError(err))
		return
	}
	s.emit(r.Context(), webhook.EventEmailFactorAdded, factor.IdentityID, factor.ID)
	writeJSON(w, http.StatusCreated, map[string]string{"factor_id": factor.ID})
}

type magicLinkEmailRequest struct {
	Email string `json:"email"`
	Mode  string `json:"mode"` // "link" or "code"
}

func (s *Server) handleMagicLinkEmail(w http.ResponseWriter, r *http.Request) {
	var req magicLinkEmailRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	s.emit(r.Context(), webhook.EventMagicLinkRequested, "", "")

	var sendErr error
	if req.Mode == "code" {
		var code string
		code, sendErr = s.magiclink.SendCode(r.Context(), req.Email)
		if sendErr == nil {
			s.deliver(r.Context(), req.Email, "Your sign-in code",
				fmt.Sprintf("Your sign-in code is %s", code))
			s.emit(r.Context(), webhook.EventOneTimeCodeRequested, "", "")
		}
	} else {
		var linkToken string
		linkToken, sendErr = s.magiclink.SendLink(r.Context(), req.Email, s.issuer)
		if sendErr == nil {
			s.deliver(r.Context(), req.Email, "Your sign-in link",
				fmt.Sprintf("Sign in with this token: %s", linkToken))
		}
	}
	if sendErr != nil {
		writeError(w, mapDomainError(sendErr))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

type magicLinkAuthenticateRequest struct {
	Email string `json:"email"`
	Token string `json:"token"`
	Code  string `json:"code"`
}

func (s *Server) handleMagicLinkAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req magicLinkAuthenticateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var (
		factor storage.Factor
		err    error
	)
	byCode := req.Token == ""
	if !byCode {
		factor, err = s.magiclink.AuthenticateByLink(r.Context(), req.Token, s.issuer)
	} else {
		factor, err = s.magiclink.AuthenticateByCode(r.Context(), req.Email, req.Code)
	}
	s.recordAttempt(string(storage.FactorMagicLink), err == nil)
	if err != nil {
		writeError(w, mapDomainError(err))
		return
	}

	if byCode {
		s.emit(r.Context(), webhook.EventOneTimeCodeVerified, factor.IdentityID, factor.ID)
	}
	s.emit(r.Context(), webhook.EventIdentityAuthenticated, factor.IdentityID, factor.ID)
	writeJSON(w, http.StatusOK, map[string]string{"identity_id": factor.IdentityID})
}

// --- WebAuthn ---

type webAuthnRegisterOptionsRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleWebAuthnRegisterOptions(w http.ResponseWriter, r *http.Request) {
	var req webAuthnRegisterOptionsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	opts, err := s.webauthn.RegisterOptions(r.Context(), req.Email)
	if err != nil {
		writeError(w, mapDomainError(err))
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

type webAuthnRegisterRequest struct {
	ChallengeID    string `json:"challenge_id"`
	ClientDataJSON []byte `json:"client_data_json"`
	CredentialID   []byte `json:"credential_id"`
	PublicKey      []byte `json:"public_key"`
}

func (s *Server) handleWebAuthnRegister(w http.ResponseWriter, r *http.Request) {
	var req webAuthnRegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	factor, err := s.webauthn.Register(r.Context(), webauthn.RegistrationResponse{
		ChallengeID:    req.ChallengeID,
		ClientDataJSON: req.ClientDataJSON,
		CredentialID:   req.CredentialID,
		PublicKey:      req.PublicKey,
	})
	if err != nil {
		writeError(w, mapDomainError(err))
		return
	}
	s.emit(r.Context(), webhook.EventIdentityCreated, factor.IdentityID, factor.ID)
	s.emit(r.Context(), webhook.EventEmailFactorAdded, factor.IdentityID, factor.ID)
	writeJSON(w, http.StatusCreated, map[string]string{"factor_id": factor.ID})
}

type webAuthnAuthenticateOptionsRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleWebAuthnAuthenticateOptions(w http.ResponseWriter, r *http.Request) {
	var req webAuthnAuthenticateOptionsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	opts, err := s.webauthn.AuthenticateOptions(r.Context(), req.Email)
	if err != nil {
		writeError(w, mapDomainError(err))
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

type webAuthnAuthenticateRequest struct {
	ChallengeID       string `json:"challenge_id"`
	ClientDataJSON    []byte `json:"client_data_json"`
	AuthenticatorData []byte `json:"authenticator_data"`
	Signature         []byte `json:"signature"`
	CredentialID      []byte `json:"credential_id"`
}

func (s *Server) handleWebAuthnAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req webAuthnAuthenticateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	factor, err := s.webauthn.Authenticate(r.Context(), webauthn.AuthenticationResponse{
		ChallengeID:       req.ChallengeID,
		ClientDataJSON:    req.ClientDataJSON,
		AuthenticatorData: req.AuthenticatorData,
		Signature:         req.Signature,
		CredentialID:      req.CredentialID,
	})
	s.recordAttempt(string(storage.FactorWebAuthn), err == nil)
	if err != nil {
		writeError(w, mapDomainError(err))
		return
	}
	s.emit(r.Context(), webhook.EventIdentityAuthenticated, factor.IdentityID, factor.ID)
	writeJSON(w, http.StatusOK, map[string]string{"identity_id": factor.IdentityID})
}

const stateTTL = 10 * time.Minute
