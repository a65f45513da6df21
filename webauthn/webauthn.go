// Package webauthn implements the passkey factor (spec component C7) per
// W3C WebAuthn Level 2: registration and authentication ceremonies bound to
// a relying party ID, challenge/response verification, and signature
// checks against the credential's stored public key.
//
// No third-party WebAuthn library appears anywhere in the example corpus
// this package was grounded on, so the client-data checks and signature
// verification below are implemented directly against the standard
// library's crypto primitives (see DESIGN.md for why this area, uniquely,
// is not built on an ecosystem dependency). There is no CBOR/COSE parsing:
// stored public keys are DER-encoded SPKI.
package webauthn

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dexidp/extauth/storage"
)

var (
	// ErrInvalid covers every ceremony failure: challenge mismatch, origin
	// mismatch, signature verification failure, or malformed client data.
	ErrInvalid = errors.New("webauthn: invalid")
)

const challengeLen = 32

// RelyingParty configures the WebAuthn relying party this server acts as.
type RelyingParty struct {
	// ID is the RP ID, normally the server's registrable domain suffix.
	ID string
	// Origin is the exact scheme://host[:port] clients must report in
	// clientDataJSON; spec's open question about RP-origin vs. external
	// base URL is resolved in DESIGN.md by requiring an exact match here.
	Origin string
	Name   string
}

// Service implements the four WebAuthn operations of spec §4.7.
type Service struct {
	db storage.Storage
	rp RelyingParty
}

// New builds a Service for the given relying party configuration.
func New(db storage.Storage, rp RelyingParty) *Service {
	return &Service{db: db, rp: rp}
}

// CredentialCreationOptions is the payload returned by register/options,
// serialized directly to JSON for the browser's navigator.credentials.create.
type CredentialCreationOptions struct {
	ChallengeID string `json:"challengeId"`
	Challenge   string `json:"challenge"` // base64url
	RPID        string `json:"rpId"`
	RPName      string `json:"rpName"`
	UserHandle  string `json:"userHandle"` // base64url
	UserName    string `json:"userName"`
}

// RegisterOptions begins a registration ceremony for email, returning a
// fresh challenge to sign with a new credential.
func (s *Service) RegisterOptions(ctx context.Context, email string) (CredentialCreationOptions, error) {
	userHandle, err := existingOrNewUserHandle(ctx, s.db, email)
	if err != nil {
		return CredentialCreationOptions{}, err
	}

	challenge := make([]byte, challengeLen)
	if _, err := rand.Read(challenge); err != nil {
		return CredentialCreationOptions{}, err
	}

	ch, err := s.db.CreateWebAuthnRegistrationChallenge(ctx, storage.WebAuthnRegistrationChallenge{
		Challenge:  challenge,
		Email:      email,
		UserHandle: userHandle,
	})
	if err != nil {
		return CredentialCreationOptions{}, err
	}

	return CredentialCreationOptions{
		ChallengeID: ch.ID,
		Challenge:   base64URLEncode(challenge),
		RPID:        s.rp.ID,
		RPName:      s.rp.Name,
		UserHandle:  base64URLEncode(userHandle),
		UserName:    email,
	}, nil
}

func existingOrNewUserHandle(ctx context.Context, db storage.Storage, email string) ([]byte, error) {
	existing, err := db.GetFactorByEmail(ctx, storage.FactorWebAuthn, email)
	if err == nil {
		return existing.UserHandle, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	handle := make([]byte, 16)
	if _, err := rand.Read(handle); err != nil {
		return nil, err
	}
	return handle, nil
}

// RegistrationResponse is the attestation response from
// navigator.credentials.create, decoded from the client.
type RegistrationResponse struct {
	ChallengeID       string
	ClientDataJSON    []byte
	CredentialID      []byte
	PublicKey         []byte // DER-encoded SPKI, parsed with x509.ParsePKIXPublicKey at authentication
}

// Register completes a registration ceremony: verifies clientDataJSON
// against the claimed challenge and origin, then persists a new
// FactorWebAuthn. Per storage invariant, a second credential registered
// under the same email must carry the same user_handle the store already
// has on file, or the factor store rejects it with ErrAssertionFailed.
func (s *Service) Register(ctx context.Context, r RegistrationResponse) (storage.Factor, error) {
	challenge, err := s.db.ClaimWebAuthnRegistrationChallenge(ctx, r.ChallengeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Factor{}, ErrInvalid
		}
		return storage.Factor{}, err
	}

	if err := s.verifyClientData(r.ClientDataJSON, "webauthn.create", challenge.Challenge); err != nil {
		return storage.Factor{}, err
	}

	identity, err := s.db.CreateIdentity(ctx, storage.Identity{
		Kind:    storage.IdentityLocal,
		Issuer:  storage.LocalIssuer,
		Subject: storage.NewID(),
	})
	if err != nil {
		return storage.Factor{}, err
	}

	now := time.Now().UTC()
	factor, err := s.db.CreateFactor(ctx, storage.Factor{
		Kind:         storage.FactorWebAuthn,
		IdentityID:   identity.ID,
		Email:        challenge.Email,
		VerifiedAt:   &now,
		UserHandle:   challenge.UserHandle,
		CredentialID: r.CredentialID,
		PublicKey:    r.PublicKey,
	})
	if err != nil {
		if errors.Is(err, storage.ErrAssertionFailed) || errors.Is(err, storage.ErrUniqueViolation) {
			return storage.Factor{}, ErrInvalid
		}
		return storage.Factor{}, err
	}
	return factor, nil
}

// CredentialRequestOptions is the payload returned by
// authenticate/options, listing the credential IDs registered for email.
type CredentialRequestOptions struct {
	ChallengeID   string   `json:"challengeId"`
	Challenge     string   `json:"challenge"` // base64url
	RPID          string   `json:"rpId"`
	CredentialIDs []string `json:"credentialIds"` // base64url
}

// AuthenticateOptions begins an authentication ceremony for email.
func (s *Service) AuthenticateOptions(ctx context.Context, email string) (CredentialRequestOptions, error) {
	factors, err := s.db.ListFactorsByEmail(ctx, email)
	if err != nil {
		return CredentialRequestOptions{}, err
	}

	var ids []string
	for _, f := range factors {
		if f.Kind == storage.FactorWebAuthn {
			ids = append(ids, base64URLEncode(f.CredentialID))
		}
	}
	if len(ids) == 0 {
		return CredentialRequestOptions{}, ErrInvalid
	}

	challenge := make([]byte, challengeLen)
	if _, err := rand.Read(challenge); err != nil {
		return CredentialRequestOptions{}, err
	}

	ch, err := s.db.CreateWebAuthnAuthenticationChallenge(ctx, storage.WebAuthnAuthenticationChallenge{
		Challenge: challenge,
		Email:     email,
	})
	if err != nil {
		return CredentialRequestOptions{}, err
	}

	return CredentialRequestOptions{
		ChallengeID:   ch.ID,
		Challenge:     base64URLEncode(challenge),
		RPID:          s.rp.ID,
		CredentialIDs: ids,
	}, nil
}

// AuthenticationResponse is the assertion response from
// navigator.credentials.get, decoded from the client.
type AuthenticationResponse struct {
	ChallengeID       string
	ClientDataJSON    []byte
	AuthenticatorData []byte
	Signature         []byte
	CredentialID      []byte
}

// Authenticate completes an authentication ceremony: verifies
// clientDataJSON and the authenticator's signature over
// (authenticatorData || sha256(clientDataJSON)) against the stored public
// key, and records the attempt whether or not the signature verifies. An
// unknown challenge or credential, or a credential registered under a
// different email, returns ErrInvalid without recording an attempt.
func (s *Service) Authenticate(ctx context.Context, r AuthenticationResponse) (storage.Factor, error) {
	challenge, err := s.db.ClaimWebAuthnAuthenticationChallenge(ctx, r.ChallengeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Factor{}, ErrInvalid
		}
		return storage.Factor{}, err
	}

	factor, err := s.db.GetFactorByCredentialID(ctx, r.CredentialID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Factor{}, ErrInvalid
		}
		return storage.Factor{}, err
	}
	if factor.Email != challenge.Email {
		return storage.Factor{}, ErrInvalid
	}

	ok := s.verifyAssertion(r, challenge.Challenge, factor.PublicKey) == nil

	if _, aerr := s.db.CreateAuthenticationAttempt(ctx, storage.AuthenticationAttempt{
		FactorID: factor.ID, Type: storage.AttemptWebAuthn, Successful: ok,
	}); aerr != nil {
		return storage.Factor{}, aerr
	}
	if !ok {
		return storage.Factor{}, ErrInvalid
	}
	return factor, nil
}

// --- ceremony verification helpers ---

type clientData struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin"`
}

func (s *Service) verifyClientData(raw []byte, wantType string, wantChallenge []byte) error {
	var cd clientData
	if err := json.Unmarshal(raw, &cd); err != nil {
		return ErrInvalid
	}
	if cd.Type != wantType {
		return ErrInvalid
	}
	if cd.Origin != s.rp.Origin {
		return ErrInvalid
	}
	got, err := base64URLDecode(cd.Challenge)
	if err != nil {
		return ErrInvalid
	}
	if subtle.ConstantTimeCompare(got, wantChallenge) != 1 {
		return ErrInvalid
	}
	return nil
}

func (s *Service) verifyAssertion(r AuthenticationResponse, wantChallenge []byte, publicKeyDER []byte) error {
	if err := s.verifyClientData(r.ClientDataJSON, "webauthn.get", wantChallenge); err != nil {
		return err
	}

	rpIDHash := sha256.Sum256([]byte(s.rp.ID))
	if len(r.AuthenticatorData) < 32 || !bytes.Equal(r.AuthenticatorData[:32], rpIDHash[:]) {
		return ErrInvalid
	}
	// The user-present flag (bit 0 of the flags byte at offset 32) must be set.
	if len(r.AuthenticatorData) < 33 || r.AuthenticatorData[32]&0x01 == 0 {
		return ErrInvalid
	}

	clientDataHash := sha256.Sum256(r.ClientDataJSON)
	signedData := append(append([]byte{}, r.AuthenticatorData...), clientDataHash[:]...)

	pub, err := x509.ParsePKIXPublicKey(publicKeyDER)
	if err != nil {
		return fmt.Errorf("webauthn: parsing stored public key: %w", err)
	}

	digest := sha256.Sum256(signedData)
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest[:], r.Signature) {
			return ErrInvalid
		}
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], r.Signature); err != nil {
			return ErrInvalid
		}
	default:
		return fmt.Errorf("webauthn: unsupported public key type %T", pub)
	}
	return nil
}

func base64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func base64URLDecode(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("webauthn: invalid base64url: %w", err)
	}
	return b, nil
}
