package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"

	josejwk "github.com/go-jose/go-jose/v4"
)

// FetchRemoteJWKS fetches a relying party's JWK set, used to verify a
// client-assertion JWT at the token endpoint. The supplied client is expected to
// wrap an HTTP cache transport (github.com/gregjones/httpcache) so a
// well-behaved RP's Cache-Control headers are honored across requests
// instead of being fetched fresh every time.
func FetchRemoteJWKS(ctx context.Context, client *http.Client, url string) (josejwk.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return josejwk.JSONWebKeySet{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return josejwk.JSONWebKeySet{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return josejwk.JSONWebKeySet{}, fmt.Errorf("signing: fetching JWKS from %s: status %d", url, resp.StatusCode)
	}

	var set josejwk.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return josejwk.JSONWebKeySet{}, fmt.Errorf("signing: decoding JWKS from %s: %w", url, err)
	}
	return set, nil
}

// Ed25519PublicKeys extracts the Ed25519 keys from set, ignoring any
// others -- this provider only ever deals in Ed25519/EdDSA.
func Ed25519PublicKeys(set josejwk.JSONWebKeySet) []ed25519.PublicKey {
	var out []ed25519.PublicKey
	for _, k := range set.Keys {
		if pub, ok := k.Key.(ed25519.PublicKey); ok {
			out = append(out, pub)
		}
	}
	return out
}
