package server

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuthorizeWithoutCookieBouncesThroughCookieCheck(t *testing.T) {
	idp := newTestIdP(t)

	rec := idp.do(http.MethodGet, idp.authorizeURL(nil), nil, "")
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/oidc/cookie_check", loc.Path)
	returnTo := loc.Query().Get("return_to")
	require.Contains(t, returnTo, "/oidc/authorize")

	// The response that bounced us also planted the cookie.
	var csrf *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == csrfCookieName {
			csrf = c
		}
	}
	require.NotNil(t, csrf)
	require.True(t, csrf.HttpOnly)
	require.True(t, csrf.Secure)
	require.Equal(t, http.SameSiteLaxMode, csrf.SameSite)

	// Arriving at cookie_check with the cookie resumes the flow.
	rec = idp.do(http.MethodGet, "https://idp.test"+loc.String(), nil, csrf.Value)
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	require.Equal(t, returnTo, rec.Header().Get("Location"))
}

func TestCookieCheckWithoutCookieExplains(t *testing.T) {
	idp := newTestIdP(t)

	rec := idp.do(http.MethodGet, "https://idp.test/oidc/cookie_check?return_to=%2Foidc%2Fauthorize", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Cookies are required")
}

func TestCookieCheckRefusesForeignRedirect(t *testing.T) {
	idp := newTestIdP(t)

	rec := idp.do(http.MethodGet, "https://idp.test/oidc/cookie_check?return_to=https%3A%2F%2Fevil.test%2F", nil, "cookievalue")
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	require.Equal(t, "/oidc/authorize", rec.Header().Get("Location"))
}

// The "unforgivable" failures must never redirect: until the client and
// its redirect URI check out, the redirect URI is attacker input.
func TestAuthorizeRejectsUntrustedRequestsWith400(t *testing.T) {
	idp := newTestIdP(t)

	tests := []struct {
		name  string
		extra url.Values
	}{
		{"missing client_id", url.Values{"client_id": {""}}},
		{"missing redirect_uri", url.Values{"redirect_uri": {""}}},
		{"unknown client", url.Values{"client_id": {"a2fb8a80-8bc8-4f3f-a1d4-c1be44c44aaa"}}},
		{"unparsable client id", url.Values{"client_id": {"not-a-client"}}},
		{"unregistered redirect uri", url.Values{"redirect_uri": {"https://rp.test/other"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := idp.do(http.MethodGet, idp.authorizeURL(tt.extra), nil, "cookievalue")
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.JSONEq(t, `{"error":"invalid_request"}`, rec.Body.String())
		})
	}
}

// Once the redirect URI is trusted, validation failures go back to the
// relying party as ?error=... on its own redirect URI.
func TestAuthorizeReportsTrustedFailuresByRedirect(t *testing.T) {
	idp := newTestIdP(t)

	tests := []struct {
		name     string
		extra    url.Values
		wantCode string
	}{
		{"missing code_challenge_method", url.Values{"code_challenge_method": {""}}, "invalid_request"},
		{"plain code_challenge_method", url.Values{"code_challenge_method": {"plain"}}, "invalid_request"},
		{"missing code_challenge", url.Values{"code_challenge": {""}}, "invalid_request"},
		{"missing response_type", url.Values{"response_type": {""}}, "unsupported_response_type"},
		{"token response_type", url.Values{"response_type": {"token"}}, "unsupported_response_type"},
		{"missing scope", url.Values{"scope": {""}}, "invalid_scope"},
		{"scope without openid", url.Values{"scope": {"email profile"}}, "invalid_scope"},
		{"fragment response_mode", url.Values{"response_mode": {"fragment"}}, "invalid_request"},
		{"prompt parameter", url.Values{"prompt": {"login"}}, "invalid_request"},
		{"max_age parameter", url.Values{"max_age": {"600"}}, "invalid_request"},
		{"login_hint parameter", url.Values{"login_hint": {"alice"}}, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := idp.do(http.MethodGet, idp.authorizeURL(tt.extra), nil, "cookievalue")
			require.Equal(t, http.StatusFound, rec.Code)

			loc, err := url.Parse(rec.Header().Get("Location"))
			require.NoError(t, err)
			require.Equal(t, "rp.test", loc.Host)
			require.Equal(t, "/cb", loc.Path)
			require.Equal(t, tt.wantCode, loc.Query().Get("error"))
			require.Equal(t, "S", loc.Query().Get("state"))
		})
	}
}

func TestAuthorizeAcceptsQueryResponseMode(t *testing.T) {
	idp := newTestIdP(t)

	rec := idp.do(http.MethodGet, idp.authorizeURL(url.Values{"response_mode": {"query"}}), nil, "cookievalue")
	require.Equal(t, http.StatusSeeOther, rec.Code)
}

func TestAuthorizeAcceptsPostForm(t *testing.T) {
	idp := newTestIdP(t)

	u, err := url.Parse(idp.authorizeURL(nil))
	require.NoError(t, err)
	form := u.Query()
	rec := idp.do(http.MethodPost, "https://idp.test/oidc/authorize", form, "cookievalue")
	require.Equal(t, http.StatusSeeOther, rec.Code)
}

func TestAuthorizeContextRoundTrips(t *testing.T) {
	idp := newTestIdP(t)

	rec := idp.do(http.MethodGet, idp.authorizeURL(nil), nil, "cookievalue")
	require.Equal(t, http.StatusSeeOther, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)

	ac, err := idp.srv.codec.Decode(idp.srv.now(), loc.Query().Get("ctx"))
	require.NoError(t, err)
	require.Equal(t, idp.client.ID, ac.OidcClient)
	require.Equal(t, "https://rp.test/cb", ac.RedirectURI)
	require.Equal(t, pkceChallenge, ac.CodeChallenge)
	require.Equal(t, "N", ac.GetNonce())
	require.Equal(t, "S", ac.GetState())
	_, hasPrincipal := ac.GetPrincipal()
	require.False(t, hasPrincipal)
}
