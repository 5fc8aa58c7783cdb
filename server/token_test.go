package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sigilid/sigil/storage"
)

// tokenForm is a fully valid token request for code; tests knock
// individual fields out of it.
func (idp *testIdP) tokenForm(t *testing.T, code string) url.Values {
	t.Helper()
	return url.Values{
		"grant_type":            {"authorization_code"},
		"code":                  {code},
		"redirect_uri":          {"https://rp.test/cb"},
		"client_assertion_type": {jwtBearerAssertionType},
		"client_assertion":      {idp.signClientAssertion(t, code, time.Now())},
		"code_verifier":         {pkceVerifier},
	}
}

func (idp *testIdP) postToken(form url.Values) *httptest.ResponseRecorder {
	return idp.do(http.MethodPost, "https://idp.test/oidc/token", form, "")
}

func TestTokenMissingParameterTaxonomy(t *testing.T) {
	idp := newTestIdP(t)
	code, _, failed := idp.passwordLogin(t, "alice@x.test", "hunter2")
	require.False(t, failed)

	tests := []struct {
		drop     string
		wantCode string
	}{
		{"grant_type", "invalid_request"},
		{"code", "invalid_request"},
		{"redirect_uri", "invalid_request"},
		{"client_assertion_type", "invalid_request"},
		{"client_assertion", "invalid_client"},
		{"code_verifier", "invalid_request"},
	}
	for _, tt := range tests {
		t.Run("missing "+tt.drop, func(t *testing.T) {
			form := idp.tokenForm(t, code)
			form.Del(tt.drop)
			rec := idp.postToken(form)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.JSONEq(t, `{"error":"`+tt.wantCode+`"}`, rec.Body.String())
		})
	}
}

func TestTokenGrantShapeErrors(t *testing.T) {
	idp := newTestIdP(t)
	code, _, failed := idp.passwordLogin(t, "alice@x.test", "hunter2")
	require.False(t, failed)

	form := idp.tokenForm(t, code)
	form.Set("grant_type", "client_credentials")
	rec := idp.postToken(form)
	require.JSONEq(t, `{"error":"unsupported_grant_type"}`, rec.Body.String())

	form = idp.tokenForm(t, code)
	form.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:saml2-bearer")
	rec = idp.postToken(form)
	require.JSONEq(t, `{"error":"invalid_client"}`, rec.Body.String())
}

func TestTokenBadCodeIsInvalidGrant(t *testing.T) {
	idp := newTestIdP(t)
	code, _, failed := idp.passwordLogin(t, "alice@x.test", "hunter2")
	require.False(t, failed)

	// Not base64url of a UUID at all.
	form := idp.tokenForm(t, code)
	form.Set("code", "!!!not-base64!!!")
	rec := idp.postToken(form)
	require.JSONEq(t, `{"error":"invalid_grant"}`, rec.Body.String())

	// Valid encoding, no such row.
	unknown := storage.NewClientID()
	form = idp.tokenForm(t, code)
	form.Set("code", base64URL(unknown[:]))
	rec = idp.postToken(form)
	require.JSONEq(t, `{"error":"invalid_grant"}`, rec.Body.String())
}

func TestTokenAssertionBoundToGrant(t *testing.T) {
	idp := newTestIdP(t)
	code, _, failed := idp.passwordLogin(t, "alice@x.test", "hunter2")
	require.False(t, failed)

	// jti must be the literal code string.
	form := idp.tokenForm(t, code)
	form.Set("client_assertion", idp.signClientAssertion(t, "some-other-code", time.Now()))
	rec := idp.postToken(form)
	require.JSONEq(t, `{"error":"invalid_grant"}`, rec.Body.String())

	// The redirect_uri presented must match the one the code was issued
	// for.
	form = idp.tokenForm(t, code)
	form.Set("redirect_uri", "https://rp.test/other")
	rec = idp.postToken(form)
	require.JSONEq(t, `{"error":"invalid_grant"}`, rec.Body.String())
}

func TestTokenRejectsForeignClientAssertion(t *testing.T) {
	idp := newTestIdP(t)
	code, _, failed := idp.passwordLogin(t, "alice@x.test", "hunter2")
	require.False(t, failed)

	// A second registered client with its own keys presents alice's
	// code: signature valid, binding wrong.
	other := newTestIdP(t)
	otherClient := other.client
	require.NoError(t, idp.store.CreateClient(context.Background(), storage.OidcClient{
		ID:           otherClient.ID,
		Name:         otherClient.Name,
		RedirectURIs: otherClient.RedirectURIs,
		JWKSURI:      other.jwkServer.URL,
	}))

	form := idp.tokenForm(t, code)
	form.Set("client_assertion", other.signClientAssertion(t, code, time.Now()))
	rec := idp.postToken(form)
	require.JSONEq(t, `{"error":"invalid_grant"}`, rec.Body.String())
}

func TestTokenRejectsBadAssertionSignature(t *testing.T) {
	idp := newTestIdP(t)
	code, _, failed := idp.passwordLogin(t, "alice@x.test", "hunter2")
	require.False(t, failed)

	// Signed by a key the client never published.
	stranger := newTestIdP(t)
	assertion := signRawJWT(t, stranger.rpPriv, map[string]any{
		"sub": idp.client.ID.String(),
		"jti": code,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	form := idp.tokenForm(t, code)
	form.Set("client_assertion", assertion)
	rec := idp.postToken(form)
	require.JSONEq(t, `{"error":"invalid_client"}`, rec.Body.String())
}

func TestTokenRejectsAssertionOutsideTemporalWindow(t *testing.T) {
	idp := newTestIdP(t)
	code, _, failed := idp.passwordLogin(t, "alice@x.test", "hunter2")
	require.False(t, failed)

	// iat more than the skew tolerance into the future.
	form := idp.tokenForm(t, code)
	form.Set("client_assertion", idp.signClientAssertion(t, code, time.Now().Add(time.Minute)))
	rec := idp.postToken(form)
	require.JSONEq(t, `{"error":"invalid_client"}`, rec.Body.String())

	// Expired beyond tolerance.
	form = idp.tokenForm(t, code)
	form.Set("client_assertion", idp.signClientAssertion(t, code, time.Now().Add(-2*time.Minute)))
	rec = idp.postToken(form)
	require.JSONEq(t, `{"error":"invalid_client"}`, rec.Body.String())
}

func TestTokenRejectsExpiredCode(t *testing.T) {
	idp := newTestIdP(t)
	code, _, failed := idp.passwordLogin(t, "alice@x.test", "hunter2")
	require.False(t, failed)

	// Rewind the stored row's deadline instead of waiting a minute.
	jti, err := decodeB64UUID(code)
	require.NoError(t, err)
	tok, err := idp.store.GetOidcToken(context.Background(), jti)
	require.NoError(t, err)
	require.NoError(t, idp.store.DeleteOidcToken(context.Background(), jti))
	tok.ValidBefore = time.Now().Add(-time.Second)
	require.NoError(t, idp.store.CreateOidcToken(context.Background(), tok))

	rec := idp.postToken(idp.tokenForm(t, code))
	require.JSONEq(t, `{"error":"invalid_grant"}`, rec.Body.String())
}
