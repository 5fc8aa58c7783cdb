package server

import (
	"errors"
	"net/http"

	"github.com/sigilid/sigil/oauthbroker"
	"github.com/sigilid/sigil/storage"
)

// handleOAuthCallback is where the browser lands coming back from an
// upstream provider. The state parameter names an OAuthCallbackState
// row; everything else about the in-flight login is recovered from the
// sealed context stored in it.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	now := s.now()

	if upstreamErr := q.Get("error"); upstreamErr != "" {
		// The provider refused (user canceled, consent denied, ...).
		// The state row stays behind for the garbage collector.
		s.logger.Warn("upstream provider returned error", "error", upstreamErr)
		s.renderError(w, http.StatusBadGateway,
			"The sign-in with the external provider did not complete. Return to the application and try again.")
		return
	}

	stateID, err := oauthbroker.DecodeState(q.Get("state"))
	if err != nil {
		s.renderError(w, http.StatusBadRequest, "This sign-in link is not valid.")
		return
	}

	csrfCookie, err := r.Cookie(csrfCookieName)
	if err != nil {
		s.renderError(w, http.StatusBadRequest,
			"Your browser did not send the cookie this sign-in started with. Return to the application and try again.")
		return
	}

	code := q.Get("code")
	if code == "" {
		s.renderError(w, http.StatusBadRequest, "This sign-in link is not valid.")
		return
	}

	result, err := s.broker.HandleCallback(r.Context(), stateID, csrfCookie.Value, code, s.absURL("/authenticate/oauth_callback"), now)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, oauthbroker.ErrStateExpired),
		errors.Is(err, oauthbroker.ErrCSRFMismatch):
		s.logger.Warn("rejecting oauth callback", "err", err)
		s.renderError(w, http.StatusBadRequest,
			"This sign-in attempt has expired or is not valid. Return to the application and start again.")
		return
	default:
		s.logger.Error("upstream exchange failed", "err", err)
		s.renderError(w, http.StatusBadGateway,
			"The sign-in with the external provider did not complete. Return to the application and try again.")
		return
	}

	ac, err := s.codec.Decode(now, string(result.SealedContext))
	if err != nil {
		s.logger.Warn("sealed context from callback state did not decode", "err", err)
		s.renderError(w, http.StatusBadRequest,
			"Your sign-in session is no longer valid. Return to the application and start again.")
		return
	}

	s.finishAuthentication(w, r, ac.WithPrincipal(result.Principal.ID), result.Attributes)
}
