package otc

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dexidp/extauth/storage/memory"
)

func TestIssueVerify(t *testing.T) {
	ctx := context.Background()
	e := New(memory.New(slog.Default()))

	code, err := e.Issue(ctx, "factor-1", DefaultTTL)
	require.NoError(t, err)
	require.Len(t, code, codeDigits)

	require.NoError(t, e.Verify(ctx, "factor-1", code))

	// The code is single-use: a second verification with the same code fails.
	require.ErrorIs(t, e.Verify(ctx, "factor-1", code), ErrInvalidCode)
}

func TestVerifyWrongCode(t *testing.T) {
	ctx := context.Background()
	e := New(memory.New(slog.Default()))

	_, err := e.Issue(ctx, "factor-1", DefaultTTL)
	require.NoError(t, err)

	require.ErrorIs(t, e.Verify(ctx, "factor-1", "000000"), ErrInvalidCode)
}

func TestVerifyExpiredCode(t *testing.T) {
	ctx := context.Background()
	e := New(memory.New(slog.Default()))

	code, err := e.Issue(ctx, "factor-1", -time.Minute)
	require.NoError(t, err)

	require.ErrorIs(t, e.Verify(ctx, "factor-1", code), ErrInvalidCode)
}

func TestVerifyAttemptsExceeded(t *testing.T) {
	ctx := context.Background()
	e := New(memory.New(slog.Default()))

	_, err := e.Issue(ctx, "factor-1", DefaultTTL)
	require.NoError(t, err)

	for i := 0; i < maxAttempts; i++ {
		require.ErrorIs(t, e.Verify(ctx, "factor-1", "000000"), ErrInvalidCode)
	}

	err = e.Verify(ctx, "factor-1", "000000")
	require.ErrorIs(t, err, ErrAttemptsExceeded)
}

func TestIssueReplacesOutstandingCodesOnVerify(t *testing.T) {
	ctx := context.Background()
	e := New(memory.New(slog.Default()))

	code1, err := e.Issue(ctx, "factor-1", DefaultTTL)
	require.NoError(t, err)
	code2, err := e.Issue(ctx, "factor-1", DefaultTTL)
	require.NoError(t, err)

	require.NoError(t, e.Verify(ctx, "factor-1", code2))

	// Verifying one outstanding code consumes all of a factor's codes.
	require.ErrorIs(t, e.Verify(ctx, "factor-1", code2), ErrInvalidCode)
	require.ErrorIs(t, e.Verify(ctx, "factor-1", code1), ErrInvalidCode)
}
