package server

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sigilid/sigil/storage"
)

// submitEmail runs just the email step and returns the context it
// redirects onward with.
func (idp *testIdP) submitEmail(t *testing.T, email string) (ctxParam string, elapsed time.Duration) {
	t.Helper()

	rec := idp.do(http.MethodGet, idp.authorizeURL(nil), nil, "cookievalue")
	require.Equal(t, http.StatusSeeOther, rec.Code)
	authURL, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)

	start := time.Now()
	rec = idp.do(http.MethodPost, "https://idp.test/authenticate/submit_email",
		url.Values{"email": {email}, "ctx": {authURL.Query().Get("ctx")}}, "cookievalue")
	elapsed = time.Since(start)

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/authenticate/pw", loc.Path)
	return loc.Query().Get("ctx"), elapsed
}

// Both branches of the email step must look the same from outside: the
// same redirect, and at least one bcrypt-equivalent amount of work. The
// context contents differ, but the context is opaque.
func TestSubmitEmailDoesNotLeakAccountExistence(t *testing.T) {
	idp := newTestIdP(t)

	knownCtx, knownElapsed := idp.submitEmail(t, "alice@x.test")
	unknownCtx, unknownElapsed := idp.submitEmail(t, "nobody@x.test")

	baseline := minimumHashTime(t)
	require.GreaterOrEqual(t, knownElapsed, baseline/2)
	require.GreaterOrEqual(t, unknownElapsed, baseline/2)

	known, err := idp.srv.codec.Decode(idp.srv.now(), knownCtx)
	require.NoError(t, err)
	p, ok := known.GetPrincipal()
	require.True(t, ok)
	require.Equal(t, idp.alicePrincipal, p)
	require.NotEmpty(t, known.GetPwHash())

	unknown, err := idp.srv.codec.Decode(idp.srv.now(), unknownCtx)
	require.NoError(t, err)
	p, ok = unknown.GetPrincipal()
	require.True(t, ok)
	require.Equal(t, storage.UnknownUser, p)
	require.Equal(t, string(idp.srv.dummyPwHash), unknown.GetPwHash())
}

// An unparsable email takes the same shape as an unknown one.
func TestSubmitEmailToleratesGarbage(t *testing.T) {
	idp := newTestIdP(t)

	ctxParam, _ := idp.submitEmail(t, "not an email")
	ac, err := idp.srv.codec.Decode(idp.srv.now(), ctxParam)
	require.NoError(t, err)
	p, ok := ac.GetPrincipal()
	require.True(t, ok)
	require.Equal(t, storage.UnknownUser, p)
}

// The unknown-user sentinel can never complete a login, even with the
// "right" password for the dummy hash (which doesn't exist, but belt
// and suspenders: the check is on the sentinel, not just the hash).
func TestUnknownUserCannotAuthenticate(t *testing.T) {
	idp := newTestIdP(t)

	ctxParam, _ := idp.submitEmail(t, "nobody@x.test")
	rec := idp.do(http.MethodPost, "https://idp.test/authenticate/submit_password",
		url.Values{"password": {"hunter2"}, "ctx": {ctxParam}}, "cookievalue")
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/authenticate/pw", loc.Path)
	require.Equal(t, "wrong_password", loc.Query().Get("err"))
}

func TestSubmitPasswordRejectsTamperedContext(t *testing.T) {
	idp := newTestIdP(t)

	ctxParam, _ := idp.submitEmail(t, "alice@x.test")
	flipped := byte('A')
	if ctxParam[0] == 'A' {
		flipped = 'B'
	}
	tampered := string(flipped) + ctxParam[1:]
	rec := idp.do(http.MethodPost, "https://idp.test/authenticate/submit_password",
		url.Values{"password": {"hunter2"}, "ctx": {tampered}}, "cookievalue")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPasswordEndpointsAbsentWhenDisabled(t *testing.T) {
	idp := newTestIdP(t)
	idp.srv.enablePasswordAuth = false

	rec := idp.do(http.MethodPost, "https://idp.test/authenticate/submit_email",
		url.Values{"email": {"alice@x.test"}, "ctx": {"whatever"}}, "cookievalue")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func minimumHashTime(t *testing.T) time.Duration {
	t.Helper()
	start := time.Now()
	_, err := bcrypt.GenerateFromPassword([]byte("probe"), bcrypt.MinCost)
	require.NoError(t, err)
	return time.Since(start)
}
