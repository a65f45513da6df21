package server_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dexidp/extauth/localauth"
	"github.com/dexidp/extauth/magiclink"
	"github.com/dexidp/extauth/otc"
	"github.com/dexidp/extauth/pkce"
	"github.com/dexidp/extauth/server"
	"github.com/dexidp/extauth/storage/memory"
	"github.com/dexidp/extauth/token"
	"github.com/dexidp/extauth/urlpolicy"
	"github.com/dexidp/extauth/webauthn"
)

func TestLocalRegisterVerifyAuthenticate(t *testing.T) {
	db := memory.New(nil)
	tokens, err := token.NewCodec(bytes.Repeat([]byte{0x11}, 32), "https://auth.local")
	require.NoError(t, err)
	otcEngine := otc.New(db)
	local := localauth.New(db, otcEngine, tokens)

	srv := server.New(server.Config{
		Storage:    db,
		Tokens:     tokens,
		Providers:  nil,
		URLPolicy:  urlpolicy.New(nil),
		WebAuthnRP: webauthn.RelyingParty{ID: "example.com", Origin: "https://example.com"},
		Issuer:     "https://auth.local",
		Metrics:    nil,
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	factor, code, err := local.Register(context.Background(), "alice@example.com", "hunter2-hunter2")
	require.NoError(t, err)
	require.NotEmpty(t, code)

	resp := postJSON(t, ts.URL+"/verify", map[string]string{"email": "alice@example.com", "code": code})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/authenticate", map[string]string{"email": "alice@example.com", "password": "hunter2-hunter2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, factor.IdentityID, body["identity_id"])

	resp = postJSON(t, ts.URL+"/authenticate", map[string]string{"email": "alice@example.com", "password": "wrong"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMagicLinkRegisterSendAuthenticate(t *testing.T) {
	db := memory.New(nil)
	tokens, err := token.NewCodec(bytes.Repeat([]byte{0x22}, 32), "https://auth.local")
	require.NoError(t, err)
	otcEngine := otc.New(db)
	ml := magiclink.New(db, otcEngine, tokens)

	srv := server.New(server.Config{
		Storage:    db,
		Tokens:     tokens,
		URLPolicy:  urlpolicy.New(nil),
		WebAuthnRP: webauthn.RelyingParty{ID: "example.com", Origin: "https://example.com"},
		Issuer:     "https://auth.local",
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	_, err = ml.Register(context.Background(), "bob@example.com")
	require.NoError(t, err)

	code, err := ml.SendCode(context.Background(), "bob@example.com")
	require.NoError(t, err)

	resp := postJSON(t, ts.URL+"/magic-link/authenticate", map[string]string{"email": "bob@example.com", "code": code})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	wrongCode := "000000"
	if wrongCode == code {
		wrongCode = "111111"
	}
	resp = postJSON(t, ts.URL+"/magic-link/authenticate", map[string]string{"email": "bob@example.com", "code": wrongCode})
	require.NotEqual(t, http.StatusOK, resp.StatusCode)
}

func TestWebAuthnRegisterAuthenticate(t *testing.T) {
	db := memory.New(nil)
	tokens, err := token.NewCodec(bytes.Repeat([]byte{0x33}, 32), "https://auth.local")
	require.NoError(t, err)
	rp := webauthn.RelyingParty{ID: "app.example.com", Origin: "https://app.example.com", Name: "Example"}
	wa := webauthn.New(db, rp)

	srv := server.New(server.Config{
		Storage:    db,
		Tokens:     tokens,
		URLPolicy:  urlpolicy.New(nil),
		WebAuthnRP: rp,
		Issuer:     "https://auth.local",
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	opts, err := wa.RegisterOptions(context.Background(), "carol@example.com")
	require.NoError(t, err)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	credentialID := []byte("cred-1")

	clientData := []byte(`{"type":"webauthn.create","challenge":"` + opts.Challenge + `","origin":"https://app.example.com"}`)

	resp := postJSON(t, ts.URL+"/webauthn/register", map[string]interface{}{
		"challenge_id":     opts.ChallengeID,
		"client_data_json": clientData,
		"credential_id":    credentialID,
		"public_key":       pub,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	authOpts, err := wa.AuthenticateOptions(context.Background(), "carol@example.com")
	require.NoError(t, err)

	authClientData := []byte(`{"type":"webauthn.get","challenge":"` + authOpts.Challenge + `","origin":"https://app.example.com"}`)
	rpIDHash := sha256.Sum256([]byte(rp.ID))
	authenticatorData := append(append([]byte{}, rpIDHash[:]...), 0x01)
	clientDataHash := sha256.Sum256(authClientData)
	signedData := append(append([]byte{}, authenticatorData...), clientDataHash[:]...)
	digest := sha256.Sum256(signedData)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	require.NoError(t, err)

	resp = postJSON(t, ts.URL+"/webauthn/authenticate", map[string]interface{}{
		"challenge_id":       authOpts.ChallengeID,
		"client_data_json":   authClientData,
		"authenticator_data": authenticatorData,
		"signature":          sig,
		"credential_id":      credentialID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPKCERecordBindClaim(t *testing.T) {
	db := memory.New(nil)
	tokens, err := token.NewCodec(bytes.Repeat([]byte{0x44}, 32), "https://auth.local")
	require.NoError(t, err)
	store := pkce.New(db)

	srv := server.New(server.Config{
		Storage:    db,
		Tokens:     tokens,
		URLPolicy:  urlpolicy.New(nil),
		WebAuthnRP: webauthn.RelyingParty{ID: "example.com", Origin: "https://example.com"},
		Issuer:     "https://auth.local",
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	verifier := "abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwxyz"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	ch, err := store.Record(context.Background(), challenge)
	require.NoError(t, err)
	_, err = store.Bind(context.Background(), ch.ID, "identity-1", "access", "refresh", "idtok")
	require.NoError(t, err)

	tokenURL := ts.URL + "/token?code=" + url.QueryEscape(ch.ID) + "&verifier=" + url.QueryEscape(verifier)

	resp, err := http.Get(tokenURL)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "identity-1", body["identity_id"])
	require.Equal(t, "access", body["auth_token"])

	// The row is consumed; a second claim fails.
	resp, err = http.Get(tokenURL)
	require.NoError(t, err)
	require.NotEqual(t, http.StatusOK, resp.StatusCode)
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}
