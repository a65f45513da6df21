package urlpolicy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckMatchesSchemeHostPrefix(t *testing.T) {
	p := New([]Entry{{Scheme: "https", Host: "app.example.com", PathPrefix: "/auth"}})

	require.NoError(t, p.Check("https://app.example.com/auth/callback"))
	require.ErrorIs(t, p.Check("https://app.example.com/other"), ErrNotAllowed)
	require.ErrorIs(t, p.Check("http://app.example.com/auth/callback"), ErrNotAllowed)
	require.ErrorIs(t, p.Check("https://evil.example.com/auth/callback"), ErrNotAllowed)
}

func TestCheckDistinguishesPort(t *testing.T) {
	p := New([]Entry{{Scheme: "https", Host: "app.example.com:8443", PathPrefix: "/"}})

	require.NoError(t, p.Check("https://app.example.com:8443/x"))
	require.ErrorIs(t, p.Check("https://app.example.com/x"), ErrNotAllowed)
}

func TestCheckRejectsMalformedURL(t *testing.T) {
	p := New([]Entry{{Scheme: "https", Host: "app.example.com", PathPrefix: "/"}})
	require.ErrorIs(t, p.Check("not a url"), ErrNotAllowed)
	require.ErrorIs(t, p.Check("/relative/path"), ErrNotAllowed)
}
