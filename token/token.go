// Package token implements the signed token envelopes used throughout the
// authentication subsystem (spec component C1): short-lived OAuth state,
// password reset, email verification and magic-link tokens, and the
// longer-lived PKCE-bound session token.
//
// All kinds share one wire format: a compact JWS signed with HS256, carrying
// a "kind" claim that pins the token to the single use it was issued for.
// Verification is fail-closed: a signature mismatch, an expired token, an
// audience mismatch or a kind mismatch are all indistinguishable "invalid"
// outcomes to the caller.
package token

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"time"

	jose "gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// Kind discriminates the claim shape carried by a token, per spec §4.1.
type Kind string

const (
	KindOAuthState      Kind = "oauth_state"
	KindReset           Kind = "reset"
	KindVerification    Kind = "verification"
	KindMagicLink       Kind = "magic_link"
	KindSession         Kind = "session"
)

// ErrInvalid is returned for any verification failure: bad signature, bad
// kind, expired token, or malformed claims. Callers must not distinguish
// between these cases in user-facing responses.
var ErrInvalid = errors.New("token: invalid")

// Claims is the envelope shared by every token kind. Component-specific
// fields live in Extra and are only meaningful once Kind has been checked.
type Claims struct {
	jwt.Claims

	Kind Kind `json:"kind"`

	// Extra carries kind-specific payload: the PKCE challenge and redirect
	// URI for KindOAuthState, the factor ID for KindReset/KindVerification/
	// KindMagicLink, the identity ID for KindSession.
	Extra map[string]string `json:"extra,omitempty"`
}

// Codec signs and verifies Claims with a single symmetric key. One Codec is
// constructed per deployment; spec §4.1 calls for HS256 over a server-held
// secret rather than an asymmetric keypair, since tokens are never verified
// by a third party.
type Codec struct {
	signer jose.Signer
	key    []byte
	issuer string
}

// NewCodec builds a Codec from a symmetric signing key. key should be at
// least 32 bytes of cryptographically random data.
func NewCodec(key []byte, issuer string) (*Codec, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: key}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return nil, err
	}
	return &Codec{signer: signer, key: key, issuer: issuer}, nil
}

// Issue mints a signed token of the given kind, valid for ttl, carrying
// extra as component-specific payload.
func (c *Codec) Issue(kind Kind, ttl time.Duration, audience string, extra map[string]string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Claims: jwt.Claims{
			Issuer:   c.issuer,
			Audience: jwt.Audience{audience},
			Expiry:   jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt: jwt.NewNumericDate(now),
			ID:       newJTI(),
		},
		Kind:  kind,
		Extra: extra,
	}
	return jwt.Signed(c.signer).Claims(claims).CompactSerialize()
}

// Verify checks signature, expiry, audience and kind, returning the decoded
// claims only if every check passes.
func (c *Codec) Verify(raw string, wantKind Kind, audience string) (Claims, error) {
	tok, err := jwt.ParseSigned(raw)
	if err != nil {
		return Claims{}, ErrInvalid
	}

	var claims Claims
	if err := tok.Claims(c.key, &claims); err != nil {
		return Claims{}, ErrInvalid
	}

	if subtle.ConstantTimeCompare([]byte(claims.Kind), []byte(wantKind)) != 1 {
		return Claims{}, ErrInvalid
	}

	expected := jwt.Expected{
		Issuer:   c.issuer,
		Audience: jwt.Audience{audience},
		Time:     time.Now().UTC(),
	}
	if err := claims.Claims.Validate(expected); err != nil {
		return Claims{}, ErrInvalid
	}

	return claims, nil
}

func newJTI() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz234567"
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	out := make([]byte, len(buf))
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out)
}
