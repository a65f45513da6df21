// Package otc implements the one-time-code engine shared by email/password
// verification, magic-link "code" mode and the resend-verification flow
// (spec component C3).
//
// Codes are six decimal digits, generated with a CSPRNG, and only their
// SHA-256 hash is ever persisted; the plaintext is returned once, to be
// emailed, and never stored. Verification is constant-time and fails closed
// after a small number of attempts, per spec invariant 2.
package otc

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"math/big"
	"time"

	"github.com/dexidp/extauth/storage"
)

var (
	// ErrInvalidCode is returned when a code does not match any live,
	// unexpired row for the factor.
	ErrInvalidCode = errors.New("otc: invalid code")

	// ErrAttemptsExceeded is returned once a factor has accrued too many
	// failed verification attempts within the lookback window; spec
	// invariant 2 requires this short-circuit before any code comparison.
	ErrAttemptsExceeded = errors.New("otc: attempts exceeded")
)

const (
	// codeDigits is the length of the generated decimal code.
	codeDigits = 6

	// DefaultTTL is how long a code remains valid after issuance.
	DefaultTTL = 10 * time.Minute

	// maxAttempts bounds failed verification attempts per factor within
	// attemptWindow before ErrAttemptsExceeded short-circuits further checks.
	maxAttempts = 5

	attemptWindow = 15 * time.Minute
)

// Engine issues and verifies one-time codes against storage.Storage.
type Engine struct {
	db storage.Storage
	// now is overridable in tests; defaults to time.Now.
	now func() time.Time
}

// New builds an Engine over the given persistence layer.
func New(db storage.Storage) *Engine {
	return &Engine{db: db, now: time.Now}
}

// Issue generates a new code for factorID, persists its hash with the given
// TTL, and returns the plaintext code for delivery (e.g. by email).
func (e *Engine) Issue(ctx context.Context, factorID string, ttl time.Duration) (string, error) {
	code, err := randomDigits(codeDigits)
	if err != nil {
		return "", err
	}

	_, err = e.db.CreateOneTimeCode(ctx, storage.OneTimeCode{
		FactorID:  factorID,
		CodeHash:  hashCode(code),
		ExpiresAt: e.now().UTC().Add(ttl),
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

// Verify checks code against the live, unexpired codes issued for factorID.
// On success the matched code (and, per spec §4.3, every other outstanding
// code for the factor) is deleted so a code can only ever be consumed once.
// Every attempt that gets past the rate limit, successful or not, is
// recorded in the authentication attempt ledger; an attempt refused with
// ErrAttemptsExceeded is not recorded.
func (e *Engine) Verify(ctx context.Context, factorID, code string) error {
	failed, err := e.db.CountFailedAttemptsSince(ctx, factorID, e.now().UTC().Add(-attemptWindow))
	if err != nil {
		return err
	}
	if failed >= maxAttempts {
		return ErrAttemptsExceeded
	}

	codes, err := e.db.ListOneTimeCodesByFactor(ctx, factorID)
	if err != nil {
		return err
	}

	now := e.now().UTC()
	want := hashCode(code)

	var matched *storage.OneTimeCode
	ids := make([]string, 0, len(codes))
	for i := range codes {
		c := codes[i]
		if c.ExpiresAt.Before(now) {
			ids = append(ids, c.ID)
			continue
		}
		if subtle.ConstantTimeCompare(c.CodeHash[:], want[:]) == 1 {
			matched = &codes[i]
		}
	}

	if matched == nil {
		if _, err := e.db.CreateAuthenticationAttempt(ctx, storage.AuthenticationAttempt{
			FactorID: factorID, Type: storage.AttemptOneTimeCode, Successful: false,
		}); err != nil {
			return err
		}
		if len(ids) > 0 {
			_ = e.db.DeleteOneTimeCodes(ctx, ids)
		}
		return ErrInvalidCode
	}

	ids = append(ids, matched.ID)
	for _, c := range codes {
		if c.ID == matched.ID {
			continue
		}
		ids = append(ids, c.ID)
	}
	if err := e.db.DeleteOneTimeCodes(ctx, ids); err != nil {
		return err
	}

	_, err = e.db.CreateAuthenticationAttempt(ctx, storage.AuthenticationAttempt{
		FactorID: factorID, Type: storage.AttemptOneTimeCode, Successful: true,
	})
	return err
}

func hashCode(code string) [32]byte {
	return sha256.Sum256([]byte(code))
}

func randomDigits(n int) (string, error) {
	max := big.NewInt(10)
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		d, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = byte('0' + d.Int64())
	}
	return string(out), nil
}
