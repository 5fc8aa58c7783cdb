package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimeFudge absorbs clock skew between this provider and whatever
// verifies the token: the issued-at claim is backdated by this much, and
// the expiry claim is extended by this much.
const TimeFudge = 3 * time.Second

// ValidityPeriod is how long an ID token is valid for, not counting
// TimeFudge.
const ValidityPeriod = 60 * time.Second

type jwtHeader struct {
	Type      string `json:"typ"`
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid"`
}

// Claims is the set of claims this provider puts in an ID token. Attrs
// carries the identity attributes as their own nested claim, an ordered
// list of typed (kind, value) pairs; relying parties look for "attrs",
// never for per-attribute top-level claims.
type Claims struct {
	Issuer    string `json:"iss"`
	Subject   string `json:"sub"`
	Audience  string `json:"aud"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	Nonce     string `json:"nonce,omitempty"`
	Attrs     any    `json:"attrs,omitempty"`
}

// Sign mints a compact JWT for claims using signer, stamping iat/exp per
// TimeFudge/ValidityPeriod relative to now.
func (s Signer) Sign(now time.Time, claims Claims) (string, error) {
	claims.IssuedAt = now.Add(-TimeFudge).Unix()
	claims.ExpiresAt = now.Add(ValidityPeriod).Add(TimeFudge).Unix()

	header := jwtHeader{Type: "JWT", Algorithm: "EdDSA", KeyID: s.KeyID}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) + "." +
		base64.RawURLEncoding.EncodeToString(claimsJSON)
	sig := s.sign([]byte(signingInput))

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

var (
	// ErrMalformedJWT is returned when a token does not have the expected
	// three-part compact serialization.
	ErrMalformedJWT = errors.New("signing: malformed JWT")

	// ErrInvalidSignature is returned when no candidate verification key
	// authenticates the token's signature.
	ErrInvalidSignature = errors.New("signing: invalid JWT signature")

	// ErrExpired is returned when the token's exp/iat window does not
	// contain the verification time.
	ErrExpired = errors.New("signing: JWT is expired or not yet valid")
)

// ParseAndVerify verifies token against keys (any of which may
// authenticate it; this supports the current/next overlapping key pair)
// and checks its iat/exp window against now, returning the decoded
// claims on success.
func ParseAndVerify(token string, keys []ed25519.PublicKey, now time.Time) (map[string]any, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrMalformedJWT
	}

	signingInput := parts[0] + "." + parts[1]
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJWT, err)
	}

	verified := false
	for _, pub := range keys {
		if ed25519.Verify(pub, []byte(signingInput), sig) {
			verified = true
			break
		}
	}
	if !verified {
		return nil, ErrInvalidSignature
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJWT, err)
	}
	var claims map[string]any
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJWT, err)
	}

	iat, _ := claims["iat"].(float64)
	exp, _ := claims["exp"].(float64)
	nowUnix := float64(now.Unix())
	fudge := TimeFudge.Seconds()
	if nowUnix < iat-fudge || nowUnix > exp+fudge {
		return nil, ErrExpired
	}

	return claims, nil
}

// ParseUnverified decodes a token's claims without checking its
// signature or temporal window. The token endpoint uses it to learn
// which client is claiming to speak before it knows which keys to
// verify against; nothing read this way may be trusted until a
// ParseAndVerify on the same token has succeeded.
func ParseUnverified(token string) (map[string]any, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrMalformedJWT
	}
	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJWT, err)
	}
	var claims map[string]any
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJWT, err)
	}
	return claims, nil
}
