package sql

import (
	"database/sql"
	"fmt"
)

func (c *conn) migrate() (int, error) {
	_, err := c.Exec(`
		create table if not exists migrations (
			num integer not null,
			at timestamptz not null
		);
	`)
	if err != nil {
		return 0, fmt.Errorf("creating migration table: %w", err)
	}

	i := 0
	for {
		done := false
		err := c.execTx(func(tx *trans) error {
			var num sql.NullInt64
			if err := tx.QueryRow(`select max(num) from migrations;`).Scan(&num); err != nil {
				return fmt.Errorf("select max migration: %w", err)
			}
			n := 0
			if num.Valid {
				n = int(num.Int64)
			}
			if n >= len(migrations) {
				done = true
				return nil
			}

			migrationNum := n + 1
			if _, err := tx.Exec(migrations[n].stmt); err != nil {
				return fmt.Errorf("migration %d failed: %w", migrationNum, err)
			}
			if _, err := tx.Exec(`insert into migrations (num, at) values ($1, now());`, migrationNum); err != nil {
				return fmt.Errorf("update migration table: %w", err)
			}
			return nil
		})
		if err != nil {
			return i, err
		}
		if done {
			break
		}
		i++
	}
	return i, nil
}

type migration struct {
	stmt string
}

// All flavors share one migration strategy; flavor.translate adapts the
// literal SQL below (types, booleans, bind placeholders) per driver.
var migrations = []migration{
	{
		stmt: `
			create table identity (
				id text not null primary key,
				kind text not null,
				issuer text not null,
				subject text not null,
				created_at timestamptz not null,
				modified_at timestamptz not null
			);

			create unique index identity_remote_idx on identity (issuer, subject);

			create table factor (
				id text not null primary key,
				kind text not null,
				identity_id text not null references identity (id),
				email text not null,
				verified_at timestamptz,
				password_hash bytea not null,
				user_handle bytea not null,
				credential_id bytea not null,
				public_key bytea not null,
				created_at timestamptz not null,
				modified_at timestamptz not null
			);

			create index factor_email_idx on factor (email);
			create unique index factor_credential_id_idx on factor (credential_id) where length(credential_id) > 0;

			create table one_time_code (
				id text not null primary key,
				factor_id text not null references factor (id),
				code_hash bytea not null,
				expires_at timestamptz not null,
				created_at timestamptz not null
			);

			create unique index one_time_code_hash_idx on one_time_code (code_hash);
			create index one_time_code_factor_idx on one_time_code (factor_id);

			create table authentication_attempt (
				id text not null primary key,
				factor_id text not null,
				type text not null,
				successful boolean not null,
				created_at timestamptz not null
			);

			create index authentication_attempt_factor_idx on authentication_attempt (factor_id, created_at);

			create table pkce_challenge (
				id text not null primary key,
				challenge text not null,
				identity_id text not null,
				auth_token text not null,
				refresh_token text not null,
				id_token text not null,
				created_at timestamptz not null
			);

			create unique index pkce_challenge_challenge_idx on pkce_challenge (challenge);

			create table webauthn_registration_challenge (
				id text not null primary key,
				challenge bytea not null,
				email text not null,
				user_handle bytea not null,
				created_at timestamptz not null
			);

			create table webauthn_authentication_challenge (
				id text not null primary key,
				challenge bytea not null,
				email text not null,
				created_at timestamptz not null
			);
		`,
	},
}
