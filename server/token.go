package server

import (
	"crypto/sha256"
	"errors"
	"net/http"

	"github.com/sigilid/sigil/signing"
	"github.com/sigilid/sigil/storage"
)

const jwtBearerAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

type tokenResponse struct {
	IDToken   string `json:"id_token"`
	TokenType string `json:"token_type"`
	ExpiresIn int    `json:"expires_in"`
}

// handleToken is the OIDC token endpoint: it exchanges a single-use
// authorization code, presented with a PKCE verifier and a signed client
// assertion, for the ID token minted when the user authenticated.
//
// The checks run in a fixed order so the error a relying party sees for
// a given defect never changes between releases; integrators match on
// these codes.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, errInvalidRequest)
		return
	}
	now := s.now()

	grantType := r.PostForm.Get("grant_type")
	code := r.PostForm.Get("code")
	redirectURI := r.PostForm.Get("redirect_uri")
	assertionType := r.PostForm.Get("client_assertion_type")
	assertion := r.PostForm.Get("client_assertion")
	codeVerifier := r.PostForm.Get("code_verifier")

	switch {
	case grantType == "", code == "", redirectURI == "", assertionType == "":
		writeJSONError(w, http.StatusBadRequest, errInvalidRequest)
		return
	case assertion == "":
		writeJSONError(w, http.StatusBadRequest, errInvalidClient)
		return
	case codeVerifier == "":
		writeJSONError(w, http.StatusBadRequest, errInvalidRequest)
		return
	}

	jti, err := decodeB64UUID(code)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, errInvalidGrant)
		return
	}
	token, err := s.storage.GetOidcToken(r.Context(), jti)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSONError(w, http.StatusBadRequest, errInvalidGrant)
		return
	} else if err != nil {
		s.logger.Error("loading authorization code", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error")
		return
	}

	if grantType != "authorization_code" {
		writeJSONError(w, http.StatusBadRequest, errUnsupportedGrantType)
		return
	}
	if assertionType != jwtBearerAssertionType {
		writeJSONError(w, http.StatusBadRequest, errInvalidClient)
		return
	}

	challenge := sha256.Sum256([]byte(codeVerifier))
	if base64URL(challenge[:]) != token.CodeChallenge {
		writeJSONError(w, http.StatusBadRequest, errInvalidGrant)
		return
	}

	client, claims, ok := s.verifyClientAssertion(w, r, assertion)
	if !ok {
		return
	}

	// From here the caller is a known client with a valid signature;
	// what remains is binding the assertion and the request to this
	// specific grant.
	assertionJTI, _ := claims["jti"].(string)
	if assertionJTI != code {
		writeJSONError(w, http.StatusBadRequest, errInvalidGrant)
		return
	}
	if token.IsExpired(now) {
		writeJSONError(w, http.StatusBadRequest, errInvalidGrant)
		return
	}
	if token.RedirectURI != redirectURI {
		writeJSONError(w, http.StatusBadRequest, errInvalidGrant)
		return
	}
	if token.OidcClient != client.ID {
		writeJSONError(w, http.StatusBadRequest, errInvalidGrant)
		return
	}

	// The delete is the single-use gate: of two concurrent exchanges of
	// the same code, exactly one sees it succeed.
	if err := s.storage.DeleteOidcToken(r.Context(), jti); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSONError(w, http.StatusBadRequest, errInvalidGrant)
			return
		}
		s.logger.Error("consuming authorization code", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		IDToken:   token.Token,
		TokenType: "Bearer",
		ExpiresIn: int(CodeValidFor.Seconds()),
	})
}

// verifyClientAssertion authenticates the caller: the assertion's sub
// names a registered client, and the assertion verifies against a key
// that client publishes at its registered JWKS URI. On failure it has
// already written the invalid_client answer.
func (s *Server) verifyClientAssertion(w http.ResponseWriter, r *http.Request, assertion string) (storage.OidcClient, map[string]any, bool) {
	unverified, err := signing.ParseUnverified(assertion)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, errInvalidClient)
		return storage.OidcClient{}, nil, false
	}
	sub, _ := unverified["sub"].(string)
	clientID, err := parseClientID(sub)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, errInvalidClient)
		return storage.OidcClient{}, nil, false
	}

	client, err := s.storage.GetClient(r.Context(), clientID)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSONError(w, http.StatusBadRequest, errInvalidClient)
		return storage.OidcClient{}, nil, false
	} else if err != nil {
		s.logger.Error("loading client for assertion check", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error")
		return storage.OidcClient{}, nil, false
	}

	set, err := signing.FetchRemoteJWKS(r.Context(), s.client, client.JWKSURI)
	if err != nil {
		s.logger.Warn("fetching relying party JWKS", "client", client.ID, "err", err)
		writeJSONError(w, http.StatusBadRequest, errInvalidClient)
		return storage.OidcClient{}, nil, false
	}

	claims, err := signing.ParseAndVerify(assertion, signing.Ed25519PublicKeys(set), s.now())
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, errInvalidClient)
		return storage.OidcClient{}, nil, false
	}
	return client, claims, true
}
