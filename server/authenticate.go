package server

import (
	"net/http"
	"net/url"

	"github.com/sigilid/sigil/authcontext"
	"github.com/sigilid/sigil/storage"
)

// decodeCtx recovers the AuthContext from the ctx parameter. Any failure
// is answered with one benign page: the ctx string is opaque, and the
// difference between "tampered", "stale", and "garbage" is nobody's
// business but the logs'.
func (s *Server) decodeCtx(w http.ResponseWriter, r *http.Request) (authcontext.Context, bool) {
	ac, err := s.codec.Decode(s.now(), r.FormValue("ctx"))
	if err != nil {
		s.logger.Warn("rejecting invalid authentication context", "err", err)
		s.renderError(w, http.StatusBadRequest,
			"Your sign-in session is no longer valid. Return to the application and start again.")
		return authcontext.Context{}, false
	}
	return ac, true
}

// handleAuthenticate is the landing page of the interactive flow: an
// email form when password authentication is enabled, plus one
// "continue with" link per configured upstream provider. Each link is
// rendered as a live upstream authorize URL, which requires minting an
// OAuthCallbackState row per provider on every render.
func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.decodeCtx(w, r)
	if !ok {
		return
	}

	client, err := s.storage.GetClient(r.Context(), ac.OidcClient)
	if err != nil {
		s.logger.Error("loading client for authenticate page", "err", err)
		s.renderError(w, http.StatusInternalServerError, "Something went wrong on our side. Please try again.")
		return
	}

	csrfToken, ok := s.csrfCookieValue(w, r)
	if !ok {
		return
	}

	var providers []providerLink
	for _, kind := range s.broker.Kinds() {
		loginURL, _, err := s.broker.BeginLogin(
			r.Context(), kind, ac.OidcClient,
			s.absURL("/authenticate/oauth_callback"),
			csrfToken, []byte(r.FormValue("ctx")), s.now(),
		)
		if err != nil {
			s.logger.Error("building upstream login URL", "provider", kind, "err", err)
			continue
		}
		providers = append(providers, providerLink{Name: providerDisplayName(kind), URL: loginURL})
	}

	s.renderPage(w, http.StatusOK, "email_form", pageData{
		Title:          "Sign in",
		Target:         client.Name,
		Ctx:            r.FormValue("ctx"),
		PasswordAuth:   s.enablePasswordAuth,
		SubmitEmailURL: s.absPath("/authenticate/submit_email"),
		Providers:      providers,
	})
}

// handlePasswordForm renders the password prompt, optionally with the
// wrong-password message after a failed attempt.
func (s *Server) handlePasswordForm(w http.ResponseWriter, r *http.Request) {
	_, ok := s.decodeCtx(w, r)
	if !ok {
		return
	}

	s.renderPage(w, http.StatusOK, "password_form", pageData{
		Title:             "Sign in",
		Ctx:               r.FormValue("ctx"),
		Err:               r.URL.Query().Get("err"),
		SubmitPasswordURL: s.absPath("/authenticate/submit_password"),
	})
}

// csrfCookieValue returns the browser's csrf cookie, issuing a fresh one
// onto this response if the browser arrived without it.
func (s *Server) csrfCookieValue(w http.ResponseWriter, r *http.Request) (string, bool) {
	if c, err := r.Cookie(csrfCookieName); err == nil {
		return c.Value, true
	}
	value, err := s.issueCSRFCookie(w)
	if err != nil {
		s.logger.Error("issuing csrf cookie", "err", err)
		s.renderError(w, http.StatusInternalServerError, "Something went wrong on our side. Please try again.")
		return "", false
	}
	return value, true
}

func providerDisplayName(kind storage.OAuthProviderKind) string {
	switch kind {
	case storage.OAuthProviderGitHub:
		return "GitHub"
	case storage.OAuthProviderGitLab:
		return "GitLab"
	case storage.OAuthProviderGoogle:
		return "Google"
	}
	return string(kind)
}

// redirectWithCtx sends the browser to path with a re-encoded context
// and any extra query parameters.
func (s *Server) redirectWithCtx(w http.ResponseWriter, r *http.Request, path string, ac authcontext.Context, extra url.Values) {
	encoded, err := s.codec.Encode(s.now(), ac)
	if err != nil {
		s.logger.Error("encoding authentication context", "err", err)
		s.renderError(w, http.StatusInternalServerError, "Something went wrong on our side. Please try again.")
		return
	}
	q := url.Values{}
	q.Set("ctx", encoded)
	for k, vs := range extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	http.Redirect(w, r, path+"?"+q.Encode(), http.StatusFound)
}
