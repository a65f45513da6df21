// Package pkce implements the PKCE challenge store used by /authorize,
// /register and /authenticate to bind an authorization/registration flow to
// the client that started it, and consumed at /token (spec component C2,
// RFC 7636).
package pkce

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"

	"github.com/dexidp/extauth/storage"
)

// ErrInvalidVerifier is returned when a supplied verifier fails length
// validation or does not hash to the bound challenge.
var ErrInvalidVerifier = errors.New("pkce: invalid verifier")

const (
	minVerifierLen = 43
	maxVerifierLen = 128
)

// Store wraps storage.Storage with the PKCE-specific record/bind/claim
// operations of spec §4.2.
type Store struct {
	db storage.Storage
}

// New builds a Store over the given persistence layer.
func New(db storage.Storage) *Store {
	return &Store{db: db}
}

// Record registers a new challenge for an /authorize, /register or
// /authenticate call. Idempotent: calling it twice with the same challenge
// returns the original row (storage.Storage.CreatePKCEChallenge semantics).
func (s *Store) Record(ctx context.Context, challenge string) (storage.PKCEChallenge, error) {
	return s.db.CreatePKCEChallenge(ctx, storage.PKCEChallenge{Challenge: challenge})
}

// Bind attaches the resulting identity and upstream tokens to a challenge
// once an /authorize callback or local registration completes.
func (s *Store) Bind(ctx context.Context, id, identityID, authToken, refreshToken, idToken string) (storage.PKCEChallenge, error) {
	return s.db.BindPKCEChallenge(ctx, id, identityID, authToken, refreshToken, idToken)
}

// Claim verifies verifier against the challenge bound to id and, only on
// success, deletes the row and returns its contents. The row is consumed
// exactly once: a second Claim call for the same id returns ErrInvalidVerifier
// via storage.ErrNotFound translation.
func (s *Store) Claim(ctx context.Context, id, verifier string) (storage.PKCEChallenge, error) {
	if len(verifier) < minVerifierLen || len(verifier) > maxVerifierLen {
		return storage.PKCEChallenge{}, ErrInvalidVerifier
	}

	p, err := s.db.GetPKCEChallenge(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.PKCEChallenge{}, ErrInvalidVerifier
		}
		return storage.PKCEChallenge{}, err
	}

	if !p.Bound() {
		return storage.PKCEChallenge{}, ErrInvalidVerifier
	}

	if !challengeMatches(p.Challenge, verifier) {
		return storage.PKCEChallenge{}, ErrInvalidVerifier
	}

	return s.db.ClaimPKCEChallenge(ctx, id)
}

// challengeMatches reports whether verifier hashes (S256) to challenge, per
// RFC 7636 §4.6. Comparison is constant-time over the encoded forms.
func challengeMatches(challenge, verifier string) bool {
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
