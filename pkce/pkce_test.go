package pkce

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dexidp/extauth/storage/memory"
)

func challengeFor(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func TestRecordBindClaim(t *testing.T) {
	ctx := context.Background()
	s := New(memory.New(slog.Default()))

	verifier := "abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwxyz012"
	challenge := challengeFor(verifier)

	rec, err := s.Record(ctx, challenge)
	require.NoError(t, err)
	require.False(t, rec.Bound())

	_, err = s.Bind(ctx, rec.ID, "identity-1", "auth-token", "refresh-token", "id-token")
	require.NoError(t, err)

	claimed, err := s.Claim(ctx, rec.ID, verifier)
	require.NoError(t, err)
	require.Equal(t, "identity-1", claimed.IdentityID)

	_, err = s.Claim(ctx, rec.ID, verifier)
	require.ErrorIs(t, err, ErrInvalidVerifier)
}

func TestClaimRejectsWrongVerifier(t *testing.T) {
	ctx := context.Background()
	s := New(memory.New(slog.Default()))

	challenge := challengeFor("abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwxyz012")
	rec, err := s.Record(ctx, challenge)
	require.NoError(t, err)
	_, err = s.Bind(ctx, rec.ID, "identity-1", "a", "r", "i")
	require.NoError(t, err)

	_, err = s.Claim(ctx, rec.ID, "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz")
	require.ErrorIs(t, err, ErrInvalidVerifier)
}

func TestClaimRejectsUnbound(t *testing.T) {
	ctx := context.Background()
	s := New(memory.New(slog.Default()))

	verifier := "abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwxyz012"
	challenge := challengeFor(verifier)
	rec, err := s.Record(ctx, challenge)
	require.NoError(t, err)

	_, err = s.Claim(ctx, rec.ID, verifier)
	require.ErrorIs(t, err, ErrInvalidVerifier)
}

func TestClaimRejectsShortVerifier(t *testing.T) {
	ctx := context.Background()
	s := New(memory.New(slog.Default()))

	_, err := s.Claim(ctx, "whatever", "short")
	require.ErrorIs(t, err, ErrInvalidVerifier)
}
