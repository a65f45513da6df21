package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec([]byte("0123456789abcdef0123456789abcdef"), "https://auth.local")
	require.NoError(t, err)
	return c
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	c := testCodec(t)

	raw, err := c.Issue(KindReset, time.Hour, "factor-1", map[string]string{"factor_id": "factor-1"})
	require.NoError(t, err)

	claims, err := c.Verify(raw, KindReset, "factor-1")
	require.NoError(t, err)
	require.Equal(t, "factor-1", claims.Extra["factor_id"])
}

func TestVerifyRejectsWrongKind(t *testing.T) {
	c := testCodec(t)

	raw, err := c.Issue(KindReset, time.Hour, "factor-1", nil)
	require.NoError(t, err)

	_, err = c.Verify(raw, KindVerification, "factor-1")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestVerifyRejectsExpired(t *testing.T) {
	c := testCodec(t)

	raw, err := c.Issue(KindReset, -time.Minute, "factor-1", nil)
	require.NoError(t, err)

	_, err = c.Verify(raw, KindReset, "factor-1")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	c := testCodec(t)

	raw, err := c.Issue(KindReset, time.Hour, "factor-1", nil)
	require.NoError(t, err)

	_, err = c.Verify(raw, KindReset, "factor-2")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	c := testCodec(t)
	other, err := NewCodec([]byte("ffffffffffffffffffffffffffffffff"), "https://auth.local")
	require.NoError(t, err)

	raw, err := other.Issue(KindReset, time.Hour, "factor-1", nil)
	require.NoError(t, err)

	_, err = c.Verify(raw, KindReset, "factor-1")
	require.ErrorIs(t, err, ErrInvalid)
}
