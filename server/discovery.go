package server

import (
	"encoding/json"
	"net/http"
)

type discovery struct {
	Issuer        string   `json:"issuer"`
	Auth          string   `json:"authorization_endpoint"`
	Token         string   `json:"token_endpoint"`
	Keys          string   `json:"jwks_uri"`
	Scopes        []string `json:"scopes_supported"`
	ResponseTypes []string `json:"response_types_supported"`
	ResponseModes []string `json:"response_modes_supported"`
	GrantTypes    []string `json:"grant_types_supported"`
	Subjects      []string `json:"subject_types_supported"`
	IDTokenAlgs   []string `json:"id_token_signing_alg_values_supported"`
	AuthMethods   []string `json:"token_endpoint_auth_methods_supported"`
	AuthAlgs      []string `json:"token_endpoint_auth_signing_alg_values_supported"`
	RequestURI    bool     `json:"request_uri_parameter_supported"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	d := discovery{
		Issuer:        s.issuerURL.String(),
		Auth:          s.absURL("/oidc/authorize"),
		Token:         s.absURL("/oidc/token"),
		Keys:          s.absURL("/oidc/jwks.json"),
		Scopes:        []string{"openid"},
		ResponseTypes: []string{"code"},
		ResponseModes: []string{"query"},
		GrantTypes:    []string{"authorization_code"},
		Subjects:      []string{"public"},
		IDTokenAlgs:   []string{"EdDSA"},
		AuthMethods:   []string{"private_key_jwt"},
		AuthAlgs:      []string{"EdDSA"},
		RequestURI:    false,
	}

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		s.logger.Error("marshaling discovery document", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set, err := s.signingStore.JWKS(r.Context(), s.now())
	if err != nil {
		s.logger.Error("building JWKS", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error")
		return
	}
	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		s.logger.Error("marshaling JWKS", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
