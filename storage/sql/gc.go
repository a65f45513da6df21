package sql

import (
	"context"
	"time"

	"github.com/dexidp/extauth/storage"
)

// webauthnChallengeTTL bounds how long an unclaimed WebAuthn challenge may
// live; mirrors storage/memory's sweep window.
const webauthnChallengeTTL = 5 * time.Minute

// GarbageCollect deletes expired one-time codes and stale WebAuthn
// challenges. PKCE challenges are claimed (and thus removed) as part of the
// token exchange, so they are not time-swept; a crashed authorization flow
// simply leaves an unreferenced row with no TTL in the schema today.
func (c *conn) GarbageCollect(_ context.Context, now time.Time) (storage.GCResult, error) {
	var out storage.GCResult
	err := c.execTx(func(tx *trans) error {
		res, err := tx.Exec(`delete from one_time_code where expires_at < $1;`, now)
		if err != nil {
			return err
		}
		out.OneTimeCodes, _ = res.RowsAffected()

		cutoff := now.Add(-webauthnChallengeTTL)

		res, err = tx.Exec(`delete from webauthn_registration_challenge where created_at < $1;`, cutoff)
		if err != nil {
			return err
		}
		out.WebAuthnRegistrationChallenges, _ = res.RowsAffected()

		res, err = tx.Exec(`delete from webauthn_authentication_challenge where created_at < $1;`, cutoff)
		if err != nil {
			return err
		}
		out.WebAuthnAuthenticationChallenges, _ = res.RowsAffected()

		return nil
	})
	return out, err
}
