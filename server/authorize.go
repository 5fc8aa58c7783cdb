package server

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/sigilid/sigil/authcontext"
	"github.com/sigilid/sigil/storage"
)

// unsupportedParams are OIDC-defined request parameters this provider
// deliberately does not implement. Their presence is rejected rather
// than ignored, so a relying party depending on one finds out at
// integration time instead of in production.
var unsupportedParams = []string{
	"display", "prompt", "max_age", "ui_locales", "token_hint", "login_hint", "acr",
}

// parseClientID accepts a client identifier in either of its two
// external spellings: the canonical UUID form handed out at
// registration, or the base64url form the id takes inside token claims.
func parseClientID(s string) (uuid.UUID, error) {
	if id, err := uuid.Parse(s); err == nil {
		return id, nil
	}
	return decodeB64UUID(s)
}

// handleAuthorize is the OIDC authorization endpoint. GET and POST are
// equivalent; POST exists for relying parties whose authorize request
// outgrows a URL.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, errInvalidRequest)
		return
	}

	// Before anything else the browser must prove it can hold a cookie:
	// the rest of the flow hangs CSRF protection off it. The redirect is
	// a 307 so a POSTed authorize request survives the round trip.
	if _, err := r.Cookie(csrfCookieName); err != nil {
		if _, err := s.issueCSRFCookie(w); err != nil {
			s.writeFlowError(w, r, internalError(err))
			return
		}
		checkURL := s.absPath("/oidc/cookie_check") + "?return_to=" + url.QueryEscape(r.URL.RequestURI())
		http.Redirect(w, r, checkURL, http.StatusTemporaryRedirect)
		return
	}

	clientName, ac, flowErr := s.validateAuthorize(r)
	if flowErr != nil {
		s.writeFlowError(w, r, flowErr)
		return
	}

	encoded, err := s.codec.Encode(s.now(), ac)
	if err != nil {
		s.writeFlowError(w, r, internalError(err))
		return
	}

	target := s.absPath("/authenticate") + "?ctx=" + url.QueryEscape(encoded) + "&target=" + url.QueryEscape(clientName)
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// validateAuthorize applies the two-stage validation policy: failures
// before the redirect URI is proven to belong to a registered client
// must answer the caller directly, because the redirect URI is
// attacker-controlled input until then. Afterwards, errors are reported
// to the relying party by redirect.
func (s *Server) validateAuthorize(r *http.Request) (clientName string, ac authcontext.Context, ferr *flowError) {
	form := r.Form

	rawClientID := form.Get("client_id")
	redirectURI := form.Get("redirect_uri")
	if rawClientID == "" || redirectURI == "" {
		return "", ac, badRequest(errInvalidRequest)
	}
	clientID, err := parseClientID(rawClientID)
	if err != nil {
		return "", ac, badRequest(errInvalidRequest)
	}
	client, err := s.storage.GetClient(r.Context(), clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ac, badRequest(errInvalidRequest)
	} else if err != nil {
		return "", ac, internalError(err)
	}
	if !client.HasRedirectURI(redirectURI) {
		return "", ac, badRequest(errInvalidRequest)
	}

	// The redirect URI is trusted from here on.
	state := form.Get("state")
	fail := func(code string) *flowError {
		return redirectError(redirectURI, state, code)
	}

	if form.Get("code_challenge_method") != "S256" {
		return "", ac, fail(errInvalidRequest)
	}
	codeChallenge := form.Get("code_challenge")
	if codeChallenge == "" {
		return "", ac, fail(errInvalidRequest)
	}
	if form.Get("response_type") != "code" {
		return "", ac, fail(errUnsupportedResponseType)
	}
	if !scopeContainsOpenID(form.Get("scope")) {
		return "", ac, fail(errInvalidScope)
	}
	if mode := form.Get("response_mode"); mode != "" && mode != "query" {
		return "", ac, fail(errInvalidRequest)
	}
	for _, p := range unsupportedParams {
		if form.Has(p) {
			return "", ac, fail(errInvalidRequest)
		}
	}

	ac = authcontext.New(client.ID, redirectURI, codeChallenge)
	if nonce := form.Get("nonce"); nonce != "" {
		ac = ac.WithNonce(nonce)
	}
	if state != "" {
		ac = ac.WithState(state)
	}
	return client.Name, ac, nil
}

func scopeContainsOpenID(scope string) bool {
	for _, tok := range strings.Fields(scope) {
		if tok == "openid" {
			return true
		}
	}
	return false
}

// handleCookieCheck is the far side of the cookie gate: if the csrf
// cookie made it back, the browser keeps cookies and the flow resumes
// where it left off; if not, there is no point continuing and the user
// gets told why.
func (s *Server) handleCookieCheck(w http.ResponseWriter, r *http.Request) {
	if _, err := r.Cookie(csrfCookieName); err != nil {
		s.renderPage(w, http.StatusOK, "cookie_check", pageData{Title: "Cookies are required"})
		return
	}

	returnTo := r.URL.Query().Get("return_to")
	if !isLocalPath(returnTo) {
		returnTo = s.absPath("/oidc/authorize")
	}
	http.Redirect(w, r, returnTo, http.StatusTemporaryRedirect)
}

// isLocalPath reports whether p is a same-origin absolute path, i.e.
// safe to redirect to without creating an open redirector.
func isLocalPath(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") && !strings.HasPrefix(p, "/\\")
}

func decodeB64UUID(s string) (uuid.UUID, error) {
	raw, err := base64URLDecode(s)
	if err != nil {
		return uuid.UUID{}, err
	}
	return uuid.FromBytes(raw)
}
