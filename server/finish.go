package server

import (
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/sigilid/sigil/authcontext"
	"github.com/sigilid/sigil/oauthbroker"
	"github.com/sigilid/sigil/signing"
	"github.com/sigilid/sigil/storage"
)

// CodeValidFor is how long an authorization code can sit unredeemed.
// Sixty seconds covers any sane relying party's back-channel hop.
const CodeValidFor = 60 * time.Second

// finishAuthentication is the common tail of every successful login:
// mint the ID token now, park it behind a single-use authorization code,
// and send the browser back to the relying party. The token endpoint
// later releases the stored token without re-signing anything.
func (s *Server) finishAuthentication(w http.ResponseWriter, r *http.Request, ac authcontext.Context, attrs []oauthbroker.Attribute) {
	now := s.now()

	principal, ok := ac.GetPrincipal()
	if !ok || principal == storage.UnknownUser {
		s.renderError(w, http.StatusBadRequest,
			"Your sign-in session is no longer valid. Return to the application and start again.")
		return
	}

	client, err := s.storage.GetClient(r.Context(), ac.OidcClient)
	if err != nil {
		s.logger.Error("loading client to finish authentication", "err", err)
		s.renderError(w, http.StatusInternalServerError, "Something went wrong on our side. Please try again.")
		return
	}

	signer, err := s.signingStore.CurrentSigner(r.Context(), now)
	if err != nil {
		s.logger.Error("acquiring signing key", "err", err)
		s.renderError(w, http.StatusInternalServerError, "Something went wrong on our side. Please try again.")
		return
	}

	jti := uuid.New()
	code := base64URL(jti[:])

	idToken, err := signer.Sign(now, signing.Claims{
		Issuer:   s.issuerURL.String(),
		Subject:  principal.String(),
		Audience: base64URL(client.ID[:]),
		Nonce:    ac.GetNonce(),
		Attrs:    attrsClaim(attrs),
	})
	if err != nil {
		s.logger.Error("signing ID token", "err", err)
		s.renderError(w, http.StatusInternalServerError, "Something went wrong on our side. Please try again.")
		return
	}

	if err := s.storage.CreateOidcToken(r.Context(), storage.OidcToken{
		JTI:           jti,
		OidcClient:    client.ID,
		Token:         idToken,
		RedirectURI:   ac.RedirectURI,
		CodeChallenge: ac.CodeChallenge,
		ValidBefore:   now.Add(CodeValidFor),
	}); err != nil {
		s.logger.Error("persisting authorization code", "err", err)
		s.renderError(w, http.StatusInternalServerError, "Something went wrong on our side. Please try again.")
		return
	}

	u, err := url.Parse(ac.RedirectURI)
	if err != nil {
		// The redirect URI came off the client's registered list; a
		// parse failure here means the registration itself is broken.
		s.logger.Error("parsing registered redirect URI", "err", err)
		s.renderError(w, http.StatusInternalServerError, "Something went wrong on our side. Please try again.")
		return
	}
	q := u.Query()
	q.Set("code", code)
	if state := ac.GetState(); state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// typedAttr is one entry of the token's attrs claim.
type typedAttr struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// attrsClaim renders the broker's attribute list as the nested attrs
// claim: an ordered list of typed (kind, value) pairs, preserving the
// provider's ordering and any repeated kinds (several verified emails,
// say). Password logins carry no attributes and omit the claim.
func attrsClaim(attrs []oauthbroker.Attribute) any {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]typedAttr, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, typedAttr{Kind: string(a.Kind), Value: a.Value})
	}
	return out
}
