// Package localauth implements the local email+password factor (spec
// component C5): registration, authentication, password reset and the
// resend-verification-email flows, all operating on FactorEmailPassword
// rows.
//
// Passwords are hashed with Argon2id (golang.org/x/crypto/argon2), the
// password-hashing competition winner and the algorithm the reference
// implementation's test fixtures exercise; verification compares hashes in
// constant time.
package localauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/dexidp/extauth/otc"
	"github.com/dexidp/extauth/storage"
	"github.com/dexidp/extauth/token"
)

var (
	// ErrEmailTaken is returned by Register when an email+password factor
	// already exists for the given email.
	ErrEmailTaken = errors.New("localauth: email already registered")

	// ErrInvalidCredentials covers unknown email, wrong password, and
	// unverified factors alike; the API must not distinguish these cases.
	ErrInvalidCredentials = errors.New("localauth: invalid credentials")

	// ErrNotVerified is returned internally (never surfaced distinctly to
	// callers pre-auth) when a factor has no VerifiedAt set.
	ErrNotVerified = errors.New("localauth: email not verified")
)

// argon2Params are the tuning parameters for password hashing. Values
// follow the OWASP-recommended floor for Argon2id (64 MiB, 1 iteration, 4
// parallelism) scaled up slightly for the single-iteration minimum.
type argon2Params struct {
	memoryKiB   uint32
	iterations  uint32
	parallelism uint8
	saltLen     uint32
	keyLen      uint32
}

var defaultParams = argon2Params{
	memoryKiB:   64 * 1024,
	iterations:  3,
	parallelism: 4,
	saltLen:     16,
	keyLen:      32,
}

// Service implements the local password factor's lifecycle operations.
type Service struct {
	db     storage.Storage
	otc    *otc.Engine
	tokens *token.Codec
	params argon2Params
}

// New builds a Service over the given persistence layer, OTC engine (used
// for verification-email codes) and token codec (used for password-reset
// tokens).
func New(db storage.Storage, otcEngine *otc.Engine, tokens *token.Codec) *Service {
	return &Service{db: db, otc: otcEngine, tokens: tokens, params: defaultParams}
}

func hashPassword(p argon2Params, password string) ([]byte, error) {
	salt := make([]byte, p.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := argon2.IDKey([]byte(password), salt, p.iterations, p.memoryKiB, p.parallelism, p.keyLen)
	encoded := fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		p.memoryKiB, p.iterations, p.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key))
	return []byte(encoded), nil
}

func verifyPassword(encoded []byte, password string) (bool, error) {
	parts := strings.Split(string(encoded), "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, errors.New("localauth: unrecognized password hash format")
	}
	var memoryKiB, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memoryKiB, &iterations, &parallelism); err != nil {
		return false, fmt.Errorf("localauth: parsing hash params: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, err
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(password), salt, iterations, memoryKiB, parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// Register creates a new local Identity and FactorEmailPassword for email,
// and issues a verification one-time code. The returned code is for
// delivery via email; it is never logged or returned to the HTTP caller.
func (s *Service) Register(ctx context.Context, email, password string) (storage.Factor, string, error) {
	existing, err := s.db.GetFactorByEmail(ctx, storage.FactorEmailPassword, email)
	if err == nil {
		_ = existing
		return storage.Factor{}, "", ErrEmailTaken
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.Factor{}, "", err
	}

	hash, err := hashPassword(s.params, password)
	if err != nil {
		return storage.Factor{}, "", err
	}

	identity, err := s.db.CreateIdentity(ctx, storage.Identity{
		Kind:    storage.IdentityLocal,
		Issuer:  storage.LocalIssuer,
		Subject: storage.NewID(),
	})
	if err != nil {
		return storage.Factor{}, "", err
	}

	factor, err := s.db.CreateFactor(ctx, storage.Factor{
		Kind:         storage.FactorEmailPassword,
		IdentityID:   identity.ID,
		Email:        email,
		PasswordHash: hash,
	})
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return storage.Factor{}, "", ErrEmailTaken
		}
		return storage.Factor{}, "", err
	}

	code, err := s.otc.Issue(ctx, factor.ID, otc.DefaultTTL)
	if err != nil {
		return storage.Factor{}, "", err
	}
	return factor, code, nil
}

// VerifyEmail consumes a verification code and marks the factor verified.
func (s *Service) VerifyEmail(ctx context.Context, factorID, code string) error {
	if err := s.otc.Verify(ctx, factorID, code); err != nil {
		return err
	}
	_, err := s.db.UpdateFactor(ctx, factorID, func(f storage.Factor) (storage.Factor, error) {
		now := time.Now().UTC()
		f.VerifiedAt = &now
		return f, nil
	})
	return err
}

// Authenticate checks email+password and records the attempt. A
// successful result requires both a matching password and a verified
// factor; unverified accounts authenticate identically to wrong passwords
// from the caller's perspective (spec invariant: don't leak verification
// state pre-auth).
func (s *Service) Authenticate(ctx context.Context, email, password string) (storage.Factor, error) {
	factor, err := s.db.GetFactorByEmail(ctx, storage.FactorEmailPassword, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Factor{}, ErrInvalidCredentials
		}
		return storage.Factor{}, err
	}

	failed, err := s.db.CountFailedAttemptsSince(ctx, factor.ID, time.Now().UTC().Add(-15*time.Minute))
	if err != nil {
		return storage.Factor{}, err
	}
	if failed >= 5 {
		return storage.Factor{}, ErrInvalidCredentials
	}

	ok, err := verifyPassword(factor.PasswordHash, password)
	if err != nil {
		return storage.Factor{}, err
	}
	ok = ok && factor.VerifiedAt != nil

	if _, aerr := s.db.CreateAuthenticationAttempt(ctx, storage.AuthenticationAttempt{
		FactorID: factor.ID, Type: storage.AttemptPassword, Successful: ok,
	}); aerr != nil {
		return storage.Factor{}, aerr
	}

	if !ok {
		return storage.Factor{}, ErrInvalidCredentials
	}
	return factor, nil
}

// SendResetEmail issues a password-reset token for the email+password
// factor registered under email, verified or not. It returns
// storage.ErrNotFound when no such factor exists; the HTTP handler ignores
// that error and always responds the same way, so the response never
// reveals whether the email was found (spec §4.5 "send-reset-email").
func (s *Service) SendResetEmail(ctx context.Context, email, audience string) (string, error) {
	factor, err := s.db.GetFactorByEmail(ctx, storage.FactorEmailPassword, email)
	if err != nil {
		return "", err
	}
	return s.tokens.Issue(token.KindReset, time.Hour, audience, map[string]string{
		"factor_id": factor.ID,
		"secret":    passwordHashDigest(factor.PasswordHash),
	})
}

// ResetPassword verifies a reset token and updates the factor's password.
// The token's "secret" claim binds it to the password hash in effect when
// it was issued (spec §4.1 invariant 5): a second reset attempt, or one
// made after the password already changed by another means, fails even
// within the token's TTL because the current hash no longer matches.
func (s *Service) ResetPassword(ctx context.Context, resetToken, audience, newPassword string) error {
	claims, err := s.tokens.Verify(resetToken, token.KindReset, audience)
	if err != nil {
		return err
	}
	factorID := claims.Extra["factor_id"]

	factor, err := s.db.GetFactor(ctx, factorID)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(claims.Extra["secret"]), []byte(passwordHashDigest(factor.PasswordHash))) != 1 {
		return token.ErrInvalid
	}

	hash, err := hashPassword(s.params, newPassword)
	if err != nil {
		return err
	}
	_, err = s.db.UpdateFactor(ctx, factorID, func(f storage.Factor) (storage.Factor, error) {
		f.PasswordHash = hash
		return f, nil
	})
	return err
}

// passwordHashDigest returns base64(SHA-256(password_hash)), the binding
// secret embedded in a reset token so it self-invalidates once the
// password it was minted against changes.
func passwordHashDigest(passwordHash []byte) string {
	sum := sha256.Sum256(passwordHash)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ResendVerificationEmail re-issues a verification code for the factor
// with the given ID. The factor is looked up by ID only; an email address
// or an earlier verification token is not accepted. For a factor that is
// already verified it returns an empty code and no error.
func (s *Service) ResendVerificationEmail(ctx context.Context, factorID string) (string, error) {
	factor, err := s.db.GetFactor(ctx, factorID)
	if err != nil {
		return "", err
	}
	if factor.VerifiedAt != nil {
		return "", nil
	}
	return s.otc.Issue(ctx, factor.ID, otc.DefaultTTL)
}
