package magiclink

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dexidp/extauth/otc"
	"github.com/dexidp/extauth/storage/memory"
	"github.com/dexidp/extauth/token"
)

func newService(t *testing.T) *Service {
	t.Helper()
	db := memory.New(slog.Default())
	codec, err := token.NewCodec([]byte("0123456789abcdef0123456789abcdef"), "https://auth.local")
	require.NoError(t, err)
	return New(db, otc.New(db), codec)
}

func TestLinkFlow(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	factor, err := s.Register(ctx, "link@example.com")
	require.NoError(t, err)

	link, err := s.SendLink(ctx, "link@example.com", factor.ID)
	require.NoError(t, err)

	authed, err := s.AuthenticateByLink(ctx, link, factor.ID)
	require.NoError(t, err)
	require.Equal(t, factor.ID, authed.ID)
	require.NotNil(t, authed.VerifiedAt)
}

func TestCodeFlow(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	_, err := s.Register(ctx, "code@example.com")
	require.NoError(t, err)

	code, err := s.SendCode(ctx, "code@example.com")
	require.NoError(t, err)

	authed, err := s.AuthenticateByCode(ctx, "code@example.com", code)
	require.NoError(t, err)
	require.Equal(t, "code@example.com", authed.Email)
}

func TestAuthenticateUnknownEmail(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	_, err := s.AuthenticateByCode(ctx, "nobody@example.com", "123456")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestRegisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	a, err := s.Register(ctx, "same@example.com")
	require.NoError(t, err)
	b, err := s.Register(ctx, "same@example.com")
	require.NoError(t, err)
	require.Equal(t, a.ID, b.ID)
}
