package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
)

// flowError is the error value the authorize pipeline threads out of its
// validation helpers. It has three shapes, matching the three ways a
// broken authorize request can be answered:
//
//   - a 400 JSON body, when the redirect URI itself cannot be trusted;
//   - a 302 onto the relying party's redirect URI with ?error=..., once
//     the redirect URI has been validated;
//   - a 500, for faults that are ours rather than the caller's.
type flowError struct {
	status      int
	code        string
	redirectURI string
	state       string
	err         error
	origin      string
}

func (e *flowError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s (%s)", e.code, e.err)
	}
	return e.code
}

func (e *flowError) Unwrap() error { return e.err }

// badRequest is the "unforgivable" shape: the request is broken in a way
// that means no redirect target can be trusted with the answer.
func badRequest(code string) *flowError {
	return &flowError{status: http.StatusBadRequest, code: code, origin: caller()}
}

// redirectError reports a validation failure to the relying party via
// its (already validated) redirect URI.
func redirectError(redirectURI, state, code string) *flowError {
	return &flowError{status: http.StatusFound, code: code, redirectURI: redirectURI, state: state, origin: caller()}
}

// internalError is for faults in our own machinery; the caller sees an
// opaque 500 and the detail stays in the logs.
func internalError(err error) *flowError {
	return &flowError{status: http.StatusInternalServerError, code: "server_error", err: err, origin: caller()}
}

// caller records where an error was constructed, so log lines point at
// the validation site rather than the handler boundary.
func caller() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// writeFlowError translates a flowError into its HTTP shape at the
// handler boundary.
func (s *Server) writeFlowError(w http.ResponseWriter, r *http.Request, e *flowError) {
	switch e.status {
	case http.StatusBadRequest:
		s.logger.Warn("rejected authorize request", "code", e.code, "origin", e.origin)
		writeJSONError(w, http.StatusBadRequest, e.code)
	case http.StatusFound:
		s.logger.Warn("redirecting authorize error to relying party", "code", e.code, "origin", e.origin)
		u, err := url.Parse(e.redirectURI)
		if err != nil {
			// The redirect URI was validated against the client's
			// registered list before this shape is ever constructed.
			writeJSONError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		q := u.Query()
		q.Set("error", e.code)
		if e.state != "" {
			q.Set("state", e.state)
		}
		u.RawQuery = q.Encode()
		http.Redirect(w, r, u.String(), http.StatusFound)
	default:
		s.logger.Error("internal error serving authorize request", "err", e.err, "origin", e.origin)
		s.renderError(w, http.StatusInternalServerError, "Something went wrong on our side. Please try again.")
	}
}

// OAuth error codes. The first four are the full enumeration the token
// endpoint may emit, each as a 400 with a one-field JSON body; the last
// two are emitted only by the authorize endpoint, in a redirect's query.
const (
	errInvalidRequest       = "invalid_request"
	errInvalidClient        = "invalid_client"
	errInvalidGrant         = "invalid_grant"
	errUnsupportedGrantType = "unsupported_grant_type"

	errUnsupportedResponseType = "unsupported_response_type"
	errInvalidScope            = "invalid_scope"
)

func writeJSONError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
