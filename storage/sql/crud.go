package sql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dexidp/extauth/storage"
)

var _ storage.Storage = (*conn)(nil)

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

// --- Identity ---

func (c *conn) CreateIdentity(_ context.Context, i storage.Identity) (storage.Identity, error) {
	if i.ID == "" {
		i.ID = storage.NewID()
	}
	now := time.Now().UTC()
	i.CreatedAt, i.ModifiedAt = now, now
	_, err := c.Exec(`
		insert into identity (id, kind, issuer, subject, created_at, modified_at)
		values ($1, $2, $3, $4, $5, $6);
	`, i.ID, string(i.Kind), i.Issuer, i.Subject, i.CreatedAt, i.ModifiedAt)
	if err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.Identity{}, storage.ErrAlreadyExists
		}
		return storage.Identity{}, err
	}
	return i, nil
}

func (c *conn) scanIdentity(row *sql.Row) (storage.Identity, error) {
	var (
		i    storage.Identity
		kind string
	)
	err := row.Scan(&i.ID, &kind, &i.Issuer, &i.Subject, &i.CreatedAt, &i.ModifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Identity{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Identity{}, err
	}
	i.Kind = storage.IdentityKind(kind)
	return i, nil
}

func (c *conn) GetIdentity(_ context.Context, id string) (storage.Identity, error) {
	row := c.QueryRow(`select id, kind, issuer, subject, created_at, modified_at from identity where id = $1;`, id)
	return c.scanIdentity(row)
}

func (c *conn) GetIdentityByRemote(_ context.Context, issuer, subject string) (storage.Identity, error) {
	row := c.QueryRow(`select id, kind, issuer, subject, created_at, modified_at from identity where issuer = $1 and subject = $2;`, issuer, subject)
	return c.scanIdentity(row)
}

func (c *conn) UpsertRemoteIdentity(_ context.Context, issuer, subject string) (out storage.Identity, created bool, err error) {
	err = c.execTx(func(tx *trans) error {
		row := tx.QueryRow(`select id, kind, issuer, subject, created_at, modified_at from identity where issuer = $1 and subject = $2;`, issuer, subject)
		var kind string
		scanErr := row.Scan(&out.ID, &kind, &out.Issuer, &out.Subject, &out.CreatedAt, &out.ModifiedAt)
		if scanErr == nil {
			out.Kind = storage.IdentityKind(kind)
			return nil
		}
		if !errors.Is(scanErr, sql.ErrNoRows) {
			return scanErr
		}

		now := time.Now().UTC()
		out = storage.Identity{
			ID:         storage.NewID(),
			Kind:       storage.IdentityRemote,
			Issuer:     issuer,
			Subject:    subject,
			CreatedAt:  now,
			ModifiedAt: now,
		}
		_, insErr := tx.Exec(`
			insert into identity (id, kind, issuer, subject, created_at, modified_at)
			values ($1, $2, $3, $4, $5, $6);
		`, out.ID, string(out.Kind), out.Issuer, out.Subject, out.CreatedAt, out.ModifiedAt)
		if insErr != nil {
			return insErr
		}
		created = true
		return nil
	})
	return out, created, err
}

func (c *conn) DeleteIdentity(_ context.Context, id string) error {
	return c.execTx(func(tx *trans) error {
		if _, err := tx.Exec(`delete from authentication_attempt where factor_id in (select id from factor where identity_id = $1);`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`delete from one_time_code where factor_id in (select id from factor where identity_id = $1);`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`delete from factor where identity_id = $1;`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`delete from pkce_challenge where identity_id = $1;`, id); err != nil {
			return err
		}
		res, err := tx.Exec(`delete from identity where id = $1;`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

// --- Factor ---

func (c *conn) CreateFactor(_ context.Context, f storage.Factor) (storage.Factor, error) {
	var out storage.Factor
	err := c.execTx(func(tx *trans) error {
		if f.Kind == storage.FactorWebAuthn {
			rows, err := tx.Query(`select user_handle from factor where kind = $1 and email = $2;`, string(storage.FactorWebAuthn), f.Email)
			if err != nil {
				return err
			}
			defer rows.Close()
			for rows.Next() {
				var handle []byte
				if err := rows.Scan(&handle); err != nil {
					return err
				}
				if string(handle) != string(f.UserHandle) {
					return storage.ErrAssertionFailed
				}
			}
			if err := rows.Err(); err != nil {
				return err
			}

			row := tx.QueryRow(`select count(*) from factor where kind = $1 and credential_id = $2;`, string(storage.FactorWebAuthn), f.CredentialID)
			var n int
			if err := row.Scan(&n); err != nil {
				return err
			}
			if n > 0 {
				return storage.ErrUniqueViolation
			}
		}

		if f.ID == "" {
			f.ID = storage.NewID()
		}
		now := time.Now().UTC()
		f.CreatedAt, f.ModifiedAt = now, now
		_, err := tx.Exec(`
			insert into factor (id, kind, identity_id, email, verified_at, password_hash, user_handle, credential_id, public_key, created_at, modified_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
		`, f.ID, string(f.Kind), f.IdentityID, f.Email, nullTime(f.VerifiedAt), f.PasswordHash, f.UserHandle, f.CredentialID, f.PublicKey, f.CreatedAt, f.ModifiedAt)
		if err != nil {
			return err
		}
		out = f
		return nil
	})
	if err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.Factor{}, storage.ErrAlreadyExists
		}
		return storage.Factor{}, err
	}
	return out, nil
}

const factorColumns = `id, kind, identity_id, email, verified_at, password_hash, user_handle, credential_id, public_key, created_at, modified_at`

func scanFactor(row interface{ Scan(...interface{}) error }) (storage.Factor, error) {
	var (
		f          storage.Factor
		kind       string
		verifiedAt sql.NullTime
	)
	err := row.Scan(&f.ID, &kind, &f.IdentityID, &f.Email, &verifiedAt, &f.PasswordHash, &f.UserHandle, &f.CredentialID, &f.PublicKey, &f.CreatedAt, &f.ModifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Factor{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Factor{}, err
	}
	f.Kind = storage.FactorKind(kind)
	f.VerifiedAt = timePtr(verifiedAt)
	return f, nil
}

func (c *conn) GetFactor(_ context.Context, id string) (storage.Factor, error) {
	row := c.QueryRow(`select `+factorColumns+` from factor where id = $1;`, id)
	return scanFactor(row)
}

func (c *conn) GetFactorByEmail(_ context.Context, kind storage.FactorKind, email string) (storage.Factor, error) {
	row := c.QueryRow(`select `+factorColumns+` from factor where kind = $1 and email = $2;`, string(kind), email)
	return scanFactor(row)
}

func (c *conn) GetFactorByCredentialID(_ context.Context, credentialID []byte) (storage.Factor, error) {
	row := c.QueryRow(`select `+factorColumns+` from factor where kind = $1 and credential_id = $2;`, string(storage.FactorWebAuthn), credentialID)
	return scanFactor(row)
}

func (c *conn) queryFactors(query string, args ...interface{}) ([]storage.Factor, error) {
	rows, err := c.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.Factor
	for rows.Next() {
		f, err := scanFactor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (c *conn) ListFactorsByEmail(_ context.Context, email string) ([]storage.Factor, error) {
	return c.queryFactors(`select `+factorColumns+` from factor where email = $1 order by id;`, email)
}

func (c *conn) ListFactorsByIdentity(_ context.Context, identityID string) ([]storage.Factor, error) {
	return c.queryFactors(`select `+factorColumns+` from factor where identity_id = $1 order by id;`, identityID)
}

func (c *conn) UpdateFactor(_ context.Context, id string, updater func(storage.Factor) (storage.Factor, error)) (out storage.Factor, err error) {
	err = c.execTx(func(tx *trans) error {
		row := tx.QueryRow(`select `+factorColumns+` from factor where id = $1;`, id)
		old, serr := scanFactor(row)
		if serr != nil {
			return serr
		}
		updated, uerr := updater(old)
		if uerr != nil {
			return uerr
		}
		updated.ID = id
		updated.ModifiedAt = time.Now().UTC()
		_, eerr := tx.Exec(`
			update factor set kind = $2, identity_id = $3, email = $4, verified_at = $5,
				password_hash = $6, user_handle = $7, credential_id = $8, public_key = $9, modified_at = $10
			where id = $1;
		`, id, string(updated.Kind), updated.IdentityID, updated.Email, nullTime(updated.VerifiedAt),
			updated.PasswordHash, updated.UserHandle, updated.CredentialID, updated.PublicKey, updated.ModifiedAt)
		if eerr != nil {
			return eerr
		}
		out = updated
		return nil
	})
	return out, err
}

func (c *conn) DeleteFactor(_ context.Context, id string) error {
	return c.execTx(func(tx *trans) error {
		if _, err := tx.Exec(`delete from one_time_code where factor_id = $1;`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`delete from authentication_attempt where factor_id = $1;`, id); err != nil {
			return err
		}
		res, err := tx.Exec(`delete from factor where id = $1;`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return storage.ErrNotFound
		}
		return nil
	})
}

// --- One-time codes ---

func (c *conn) CreateOneTimeCode(_ context.Context, o storage.OneTimeCode) (storage.OneTimeCode, error) {
	if o.ID == "" {
		o.ID = storage.NewID()
	}
	o.CreatedAt = time.Now().UTC()
	_, err := c.Exec(`
		insert into one_time_code (id, factor_id, code_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5);
	`, o.ID, o.FactorID, o.CodeHash[:], o.ExpiresAt, o.CreatedAt)
	if err != nil {
		if c.alreadyExistsCheck(err) {
			return storage.OneTimeCode{}, storage.ErrUniqueViolation
		}
		return storage.OneTimeCode{}, err
	}
	return o, nil
}

func (c *conn) ListOneTimeCodesByFactor(_ context.Context, factorID string) ([]storage.OneTimeCode, error) {
	rows, err := c.Query(`select id, factor_id, code_hash, expires_at, created_at from one_time_code where factor_id = $1 order by created_at;`, factorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.OneTimeCode
	for rows.Next() {
		var (
			o    storage.OneTimeCode
			hash []byte
		)
		if err := rows.Scan(&o.ID, &o.FactorID, &hash, &o.ExpiresAt, &o.CreatedAt); err != nil {
			return nil, err
		}
		copy(o.CodeHash[:], hash)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (c *conn) DeleteOneTimeCode(_ context.Context, id string) error {
	res, err := c.Exec(`delete from one_time_code where id = $1;`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (c *conn) DeleteOneTimeCodes(_ context.Context, ids []string) error {
	return c.execTx(func(tx *trans) error {
		for _, id := range ids {
			if _, err := tx.Exec(`delete from one_time_code where id = $1;`, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Authentication attempts ---

func (c *conn) CreateAuthenticationAttempt(_ context.Context, a storage.AuthenticationAttempt) (storage.AuthenticationAttempt, error) {
	if a.ID == "" {
		a.ID = storage.NewID()
	}
	a.CreatedAt = time.Now().UTC()
	_, err := c.Exec(`
		insert into authentication_attempt (id, factor_id, type, successful, created_at)
		values ($1, $2, $3, $4, $5);
	`, a.ID, a.FactorID, string(a.Type), a.Successful, a.CreatedAt)
	if err != nil {
		return storage.AuthenticationAttempt{}, err
	}
	return a, nil
}

func (c *conn) CountFailedAttemptsSince(_ context.Context, factorID string, since time.Time) (int, error) {
	row := c.QueryRow(`select count(*) from authentication_attempt where factor_id = $1 and successful = false and created_at >= $2;`, factorID, since)
	var n int
	err := row.Scan(&n)
	return n, err
}

// --- PKCE ---

func (c *conn) CreatePKCEChallenge(_ context.Context, p storage.PKCEChallenge) (out storage.PKCEChallenge, err error) {
	err = c.execTx(func(tx *trans) error {
		row := tx.QueryRow(`select id, challenge, identity_id, auth_token, refresh_token, id_token, created_at from pkce_challenge where challenge = $1;`, p.Challenge)
		existing, serr := scanPKCE(row)
		if serr == nil {
			out = existing
			return nil
		}
		if !errors.Is(serr, storage.ErrNotFound) {
			return serr
		}

		if p.ID == "" {
			p.ID = storage.NewID()
		}
		p.CreatedAt = time.Now().UTC()
		_, ierr := tx.Exec(`
			insert into pkce_challenge (id, challenge, identity_id, auth_token, refresh_token, id_token, created_at)
			values ($1, $2, $3, $4, $5, $6, $7);
		`, p.ID, p.Challenge, p.IdentityID, p.AuthToken, p.RefreshToken, p.IDToken, p.CreatedAt)
		if ierr != nil {
			return ierr
		}
		out = p
		return nil
	})
	return out, err
}

func scanPKCE(row *sql.Row) (storage.PKCEChallenge, error) {
	var p storage.PKCEChallenge
	err := row.Scan(&p.ID, &p.Challenge, &p.IdentityID, &p.AuthToken, &p.RefreshToken, &p.IDToken, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.PKCEChallenge{}, storage.ErrNotFound
	}
	return p, err
}

func (c *conn) GetPKCEChallenge(_ context.Context, id string) (storage.PKCEChallenge, error) {
	row := c.QueryRow(`select id, challenge, identity_id, auth_token, refresh_token, id_token, created_at from pkce_challenge where id = $1;`, id)
	return scanPKCE(row)
}

func (c *conn) BindPKCEChallenge(_ context.Context, id, identityID, authToken, refreshToken, idToken string) (out storage.PKCEChallenge, err error) {
	err = c.execTx(func(tx *trans) error {
		row := tx.QueryRow(`select id, challenge, identity_id, auth_token, refresh_token, id_token, created_at from pkce_challenge where id = $1;`, id)
		p, serr := scanPKCE(row)
		if serr != nil {
			return serr
		}
		p.IdentityID, p.AuthToken, p.RefreshToken, p.IDToken = identityID, authToken, refreshToken, idToken
		_, uerr := tx.Exec(`update pkce_challenge set identity_id = $2, auth_token = $3, refresh_token = $4, id_token = $5 where id = $1;`,
			id, identityID, authToken, refreshToken, idToken)
		if uerr != nil {
			return uerr
		}
		out = p
		return nil
	})
	return out, err
}

func (c *conn) ClaimPKCEChallenge(_ context.Context, id string) (out storage.PKCEChallenge, err error) {
	err = c.execTx(func(tx *trans) error {
		row := tx.QueryRow(`select id, challenge, identity_id, auth_token, refresh_token, id_token, created_at from pkce_challenge where id = $1;`, id)
		p, serr := scanPKCE(row)
		if serr != nil {
			return serr
		}
		if _, derr := tx.Exec(`delete from pkce_challenge where id = $1;`, id); derr != nil {
			return derr
		}
		out = p
		return nil
	})
	return out, err
}

// --- WebAuthn challenges ---

func (c *conn) CreateWebAuthnRegistrationChallenge(_ context.Context, ch storage.WebAuthnRegistrationChallenge) (storage.WebAuthnRegistrationChallenge, error) {
	if ch.ID == "" {
		ch.ID = storage.NewID()
	}
	ch.CreatedAt = time.Now().UTC()
	_, err := c.Exec(`insert into webauthn_registration_challenge (id, challenge, email, user_handle, created_at) values ($1, $2, $3, $4, $5);`,
		ch.ID, ch.Challenge, ch.Email, ch.UserHandle, ch.CreatedAt)
	return ch, err
}

func (c *conn) ClaimWebAuthnRegistrationChallenge(_ context.Context, id string) (out storage.WebAuthnRegistrationChallenge, err error) {
	err = c.execTx(func(tx *trans) error {
		row := tx.QueryRow(`select id, challenge, email, user_handle, created_at from webauthn_registration_challenge where id = $1;`, id)
		scanErr := row.Scan(&out.ID, &out.Challenge, &out.Email, &out.UserHandle, &out.CreatedAt)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if scanErr != nil {
			return scanErr
		}
		_, derr := tx.Exec(`delete from webauthn_registration_challenge where id = $1;`, id)
		return derr
	})
	return out, err
}

func (c *conn) CreateWebAuthnAuthenticationChallenge(_ context.Context, ch storage.WebAuthnAuthenticationChallenge) (storage.WebAuthnAuthenticationChallenge, error) {
	if ch.ID == "" {
		ch.ID = storage.NewID()
	}
	ch.CreatedAt = time.Now().UTC()
	_, err := c.Exec(`insert into webauthn_authentication_challenge (id, challenge, email, created_at) values ($1, $2, $3, $4);`,
		ch.ID, ch.Challenge, ch.Email, ch.CreatedAt)
	return ch, err
}

func (c *conn) ClaimWebAuthnAuthenticationChallenge(_ context.Context, id string) (out storage.WebAuthnAuthenticationChallenge, err error) {
	err = c.execTx(func(tx *trans) error {
		row := tx.QueryRow(`select id, challenge, email, created_at from webauthn_authentication_challenge where id = $1;`, id)
		scanErr := row.Scan(&out.ID, &out.Challenge, &out.Email, &out.CreatedAt)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if scanErr != nil {
			return scanErr
		}
		_, derr := tx.Exec(`delete from webauthn_authentication_challenge where id = $1;`, id)
		return derr
	})
	return out, err
}
