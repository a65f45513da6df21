// Package magiclink implements the passwordless email factor (spec
// component C6): a "link" mode, where a clickable signed URL carries a
// token.Codec KindMagicLink token, and a "code" mode, where the same
// FactorMagicLink factor is authenticated with an otc.Engine-issued
// numeric code instead.
package magiclink

import (
	"context"
	"errors"
	"time"

	"github.com/dexidp/extauth/otc"
	"github.com/dexidp/extauth/storage"
	"github.com/dexidp/extauth/token"
)

// DefaultLinkTTL bounds how long a magic link remains clickable.
const DefaultLinkTTL = 10 * time.Minute

// ErrInvalid covers an unknown email, an expired/tampered link token, and
// an invalid code uniformly; callers must not distinguish these.
var ErrInvalid = errors.New("magiclink: invalid")

// Service implements both verification methods of spec §4.6 over one
// FactorMagicLink factor per email.
type Service struct {
	db     storage.Storage
	otc    *otc.Engine
	tokens *token.Codec
}

// New builds a Service over the given persistence layer, OTC engine and
// token codec.
func New(db storage.Storage, otcEngine *otc.Engine, tokens *token.Codec) *Service {
	return &Service{db: db, otc: otcEngine, tokens: tokens}
}

// Register creates the local Identity and FactorMagicLink for email if one
// doesn't already exist, returning the existing factor otherwise; spec §4.6
// registration is idempotent since there's no password to collide on.
func (s *Service) Register(ctx context.Context, email string) (storage.Factor, error) {
	factor, err := s.db.GetFactorByEmail(ctx, storage.FactorMagicLink, email)
	if err == nil {
		return factor, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
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

	return s.db.CreateFactor(ctx, storage.Factor{
		Kind:       storage.FactorMagicLink,
		IdentityID: identity.ID,
		Email:      email,
	})
}

// SendLink issues a signed magic-link token for the factor bound to email.
// It does not send mail itself; the caller delivers the token (spec §6
// "opaque email delivery collaborator"). The server's /magic-link/email
// handler mails the bare token, not a URL containing it.
func (s *Service) SendLink(ctx context.Context, email, audience string) (string, error) {
	factor, err := s.db.GetFactorByEmail(ctx, storage.FactorMagicLink, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrInvalid
		}
		return "", err
	}
	return s.tokens.Issue(token.KindMagicLink, DefaultLinkTTL, audience, map[string]string{"factor_id": factor.ID})
}

// SendCode issues a numeric one-time code for the factor bound to email,
// for the "code" verification_method of spec §4.6.
func (s *Service) SendCode(ctx context.Context, email string) (string, error) {
	factor, err := s.db.GetFactorByEmail(ctx, storage.FactorMagicLink, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrInvalid
		}
		return "", err
	}
	return s.otc.Issue(ctx, factor.ID, otc.DefaultTTL)
}

// AuthenticateByLink verifies a magic-link token and returns the bound
// factor, marking it verified on first use.
func (s *Service) AuthenticateByLink(ctx context.Context, linkToken, audience string) (storage.Factor, error) {
	claims, err := s.tokens.Verify(linkToken, token.KindMagicLink, audience)
	if err != nil {
		return storage.Factor{}, ErrInvalid
	}
	return s.markAuthenticated(ctx, claims.Extra["factor_id"])
}

// AuthenticateByCode verifies a numeric code against the factor bound to
// email.
func (s *Service) AuthenticateByCode(ctx context.Context, email, code string) (storage.Factor, error) {
	factor, err := s.db.GetFactorByEmail(ctx, storage.FactorMagicLink, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Factor{}, ErrInvalid
		}
		return storage.Factor{}, err
	}
	if err := s.otc.Verify(ctx, factor.ID, code); err != nil {
		if errors.Is(err, otc.ErrInvalidCode) || errors.Is(err, otc.ErrAttemptsExceeded) {
			return storage.Factor{}, ErrInvalid
		}
		return storage.Factor{}, err
	}
	return s.markAuthenticated(ctx, factor.ID)
}

func (s *Service) markAuthenticated(ctx context.Context, factorID string) (storage.Factor, error) {
	factor, err := s.db.UpdateFactor(ctx, factorID, func(f storage.Factor) (storage.Factor, error) {
		if f.VerifiedAt == nil {
			now := time.Now().UTC()
			f.VerifiedAt = &now
		}
		return f, nil
	})
	if err != nil {
		return storage.Factor{}, err
	}
	if _, err := s.db.CreateAuthenticationAttempt(ctx, storage.AuthenticationAttempt{
		FactorID: factorID, Type: storage.AttemptOneTimeCode, Successful: true,
	}); err != nil {
		return storage.Factor{}, err
	}
	return factor, nil
}
