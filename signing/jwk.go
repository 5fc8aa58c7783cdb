package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"time"

	josejwk "github.com/go-jose/go-jose/v4"
)

func base64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// JWKS returns the provider's public keys for this usage as a standard
// JSON Web Key Set, suitable for serving at /oidc/jwks.json.
func (st *Store) JWKS(ctx context.Context, now time.Time) (josejwk.JSONWebKeySet, error) {
	pubs, err := st.VerificationKeys(ctx, now)
	if err != nil {
		return josejwk.JSONWebKeySet{}, err
	}
	set := josejwk.JSONWebKeySet{Keys: make([]josejwk.JSONWebKey, 0, len(pubs))}
	for _, pub := range pubs {
		set.Keys = append(set.Keys, toJWK(pub))
	}
	return set, nil
}

func toJWK(pub ed25519.PublicKey) josejwk.JSONWebKey {
	return josejwk.JSONWebKey{
		Key:       pub,
		KeyID:     keyID(pub),
		Algorithm: "EdDSA",
		Use:       "sig",
	}
}
