package server

import (
	"errors"
	"net/http"
	"net/mail"
	"net/url"

	"github.com/sigilid/sigil/storage"
)

// handleSubmitEmail resolves the submitted email to a principal. The
// response must be indistinguishable between "no such account" and
// "account exists": both branches stamp a principal and a password hash
// into the context (the all-ones sentinel and the dummy hash for the
// unknown case) and both burn exactly one bcrypt verification, so
// neither the redirect nor its latency leaks whether the email is
// registered.
func (s *Server) handleSubmitEmail(w http.ResponseWriter, r *http.Request) {
	if !s.enablePasswordAuth {
		http.NotFound(w, r)
		return
	}
	ac, ok := s.decodeCtx(w, r)
	if !ok {
		return
	}

	email := r.PostFormValue("email")
	known := false
	var user storage.User
	if _, err := mail.ParseAddress(email); err == nil {
		user, err = s.storage.GetUserByEmail(r.Context(), email)
		switch {
		case err == nil:
			known = true
		case errors.Is(err, storage.ErrNotFound):
		default:
			s.logger.Error("looking up user by email", "err", err)
			s.renderError(w, http.StatusInternalServerError, "Something went wrong on our side. Please try again.")
			return
		}
	}

	if _, err := s.verifyPassword(r.Context(), s.dummyPwHash, ""); err != nil {
		s.renderError(w, http.StatusInternalServerError, "Something went wrong on our side. Please try again.")
		return
	}

	if known {
		ac = ac.WithPrincipal(user.Principal).WithPwHash(string(user.PwHash))
	} else {
		ac = ac.WithPrincipal(storage.UnknownUser).WithPwHash(string(s.dummyPwHash))
	}

	s.redirectWithCtx(w, r, s.absPath("/authenticate/pw"), ac, nil)
}

// handleSubmitPassword verifies the password against the hash carried in
// the context. The verification runs whether or not the email step found
// an account; only afterwards does the sentinel check decide between
// success and the retry redirect.
func (s *Server) handleSubmitPassword(w http.ResponseWriter, r *http.Request) {
	if !s.enablePasswordAuth {
		http.NotFound(w, r)
		return
	}
	ac, ok := s.decodeCtx(w, r)
	if !ok {
		return
	}

	pwhash := ac.GetPwHash()
	if pwhash == "" {
		// The email step was skipped; still do the work before failing.
		pwhash = string(s.dummyPwHash)
	}

	match, err := s.verifyPassword(r.Context(), []byte(pwhash), r.PostFormValue("password"))
	if err != nil {
		s.renderError(w, http.StatusInternalServerError, "Something went wrong on our side. Please try again.")
		return
	}

	principal, hasPrincipal := ac.GetPrincipal()
	if !match || !hasPrincipal || principal == storage.UnknownUser {
		s.redirectWithCtx(w, r, s.absPath("/authenticate/pw"), ac, url.Values{"err": {"wrong_password"}})
		return
	}

	s.finishAuthentication(w, r, ac, nil)
}
