package webauthn

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dexidp/extauth/storage/memory"
)

func testRP() RelyingParty {
	return RelyingParty{ID: "auth.local", Origin: "https://auth.local", Name: "Test RP"}
}

func newClientDataJSON(t *testing.T, typ, challenge, origin string) []byte {
	t.Helper()
	b, err := json.Marshal(clientData{Type: typ, Challenge: challenge, Origin: origin})
	require.NoError(t, err)
	return b
}

func TestRegisterAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	db := memory.New(slog.Default())
	s := New(db, testRP())

	opts, err := s.RegisterOptions(ctx, "passkey@example.com")
	require.NoError(t, err)

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	credentialID := []byte("credential-1")
	cdj := newClientDataJSON(t, "webauthn.create", opts.Challenge, "https://auth.local")

	factor, err := s.Register(ctx, RegistrationResponse{
		ChallengeID:    opts.ChallengeID,
		ClientDataJSON: cdj,
		CredentialID:   credentialID,
		PublicKey:      pubDER,
	})
	require.NoError(t, err)
	require.Equal(t, "passkey@example.com", factor.Email)

	reqOpts, err := s.AuthenticateOptions(ctx, "passkey@example.com")
	require.NoError(t, err)
	require.Len(t, reqOpts.CredentialIDs, 1)

	authData := make([]byte, 37)
	rpIDHash := sha256.Sum256([]byte("auth.local"))
	copy(authData, rpIDHash[:])
	authData[32] = 0x01 // user present

	authCDJ := newClientDataJSON(t, "webauthn.get", reqOpts.Challenge, "https://auth.local")
	clientDataHash := sha256.Sum256(authCDJ)
	signedData := append(append([]byte{}, authData...), clientDataHash[:]...)
	digest := sha256.Sum256(signedData)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	require.NoError(t, err)

	authed, err := s.Authenticate(ctx, AuthenticationResponse{
		ChallengeID:       reqOpts.ChallengeID,
		ClientDataJSON:    authCDJ,
		AuthenticatorData: authData,
		Signature:         sig,
		CredentialID:      credentialID,
	})
	require.NoError(t, err)
	require.Equal(t, factor.ID, authed.ID)
}

func TestAuthenticateRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	db := memory.New(slog.Default())
	s := New(db, testRP())

	opts, err := s.RegisterOptions(ctx, "bad-sig@example.com")
	require.NoError(t, err)

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	credentialID := []byte("credential-2")
	cdj := newClientDataJSON(t, "webauthn.create", opts.Challenge, "https://auth.local")
	_, err = s.Register(ctx, RegistrationResponse{
		ChallengeID: opts.ChallengeID, ClientDataJSON: cdj, CredentialID: credentialID, PublicKey: pubDER,
	})
	require.NoError(t, err)

	reqOpts, err := s.AuthenticateOptions(ctx, "bad-sig@example.com")
	require.NoError(t, err)

	authData := make([]byte, 37)
	rpIDHash := sha256.Sum256([]byte("auth.local"))
	copy(authData, rpIDHash[:])
	authData[32] = 0x01

	authCDJ := newClientDataJSON(t, "webauthn.get", reqOpts.Challenge, "https://auth.local")

	_, err = s.Authenticate(ctx, AuthenticationResponse{
		ChallengeID:       reqOpts.ChallengeID,
		ClientDataJSON:    authCDJ,
		AuthenticatorData: authData,
		Signature:         []byte("not-a-real-signature-but-long-enough"),
		CredentialID:      credentialID,
	})
	require.ErrorIs(t, err, ErrInvalid)
}
