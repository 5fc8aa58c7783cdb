// Package authcontext implements the opaque, encrypted state that
// carries an in-progress login across redirects: from the authorize
// endpoint, through a password form or an upstream OAuth round trip, to
// the point where an ID token can be minted. It is never persisted
// server-side -- the encoded string itself is the only copy.
package authcontext

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/sigilid/sigil/keyvault"
)

// RotationPeriod and Backtrack bound how long an AuthContext is usable
// after it was minted: a context stays decryptable for more than
// RotationPeriod*Backtrack and at most RotationPeriod*(Backtrack+1)
// seconds after it was sealed, depending on where in its period it was
// sealed, without needing an explicit expiry field or clock check.
const (
	RotationPeriod = int64(3600)
	Backtrack      = 1
)

// Context is the decoded, in-memory form of the authentication context.
// Every field is optional except OidcClient, RedirectURI, and
// CodeChallenge, which are fixed by the initiating /authorize request
// and never change for the lifetime of the context.
type Context struct {
	OidcClient    uuid.UUID `cbor:"1,keyasint"`
	RedirectURI   string    `cbor:"2,keyasint"`
	CodeChallenge string    `cbor:"3,keyasint"`
	Principal     *uuid.UUID `cbor:"4,keyasint,omitempty"`
	Nonce         *string    `cbor:"5,keyasint,omitempty"`
	State         *string    `cbor:"6,keyasint,omitempty"`
	PwHash        *string    `cbor:"7,keyasint,omitempty"`
}

// New starts a fresh Context for an authorize request.
func New(oidcClient uuid.UUID, redirectURI, codeChallenge string) Context {
	return Context{OidcClient: oidcClient, RedirectURI: redirectURI, CodeChallenge: codeChallenge}
}

func (c Context) WithNonce(nonce string) Context { c.Nonce = &nonce; return c }
func (c Context) WithState(state string) Context { c.State = &state; return c }

// WithPrincipal records the authenticated principal. storage.UnknownUser
// is a legitimate value here: the password path sets it deliberately
// when the submitted email doesn't match any account, so that the
// constant-time bcrypt check downstream has no visible way to tell a
// known account apart from an unknown one.
func (c Context) WithPrincipal(principal uuid.UUID) Context { c.Principal = &principal; return c }

func (c Context) WithPwHash(hash string) Context { c.PwHash = &hash; return c }

func (c Context) GetPrincipal() (uuid.UUID, bool) {
	if c.Principal == nil {
		return uuid.UUID{}, false
	}
	return *c.Principal, true
}

func (c Context) GetNonce() string {
	if c.Nonce == nil {
		return ""
	}
	return *c.Nonce
}

func (c Context) GetState() string {
	if c.State == nil {
		return ""
	}
	return *c.State
}

func (c Context) GetPwHash() string {
	if c.PwHash == nil {
		return ""
	}
	return *c.PwHash
}

// Codec seals and opens Context values.
type Codec struct {
	box *keyvault.RotatingBox
}

// NewCodec builds a Codec using the AuthContext rotating box derived
// from stem.
func NewCodec(stem *keyvault.Stem) *Codec {
	return &Codec{box: stem.DeriveRotating("AuthContext", RotationPeriod, Backtrack)}
}

// Encode serializes and seals ctx, returning a base64url string safe to
// embed in a URL query parameter or a hidden form field.
func (c *Codec) Encode(now time.Time, ctx Context) (string, error) {
	raw, err := cbor.Marshal(ctx)
	if err != nil {
		return "", fmt.Errorf("authcontext: encoding: %w", err)
	}
	sealed, err := c.box.Encrypt(now.Unix(), raw, nil)
	if err != nil {
		return "", fmt.Errorf("authcontext: sealing: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode is the inverse of Encode. It returns keyvault.ErrDecryptionFailed
// (wrapped) for any tampered, stale, or foreign-origin input, with no
// further detail about which check failed -- the authenticate handlers
// that decode it must not give an attacker a way to distinguish "wrong key"
// from "too old" from "not valid CBOR."
func (c *Codec) Decode(now time.Time, s string) (Context, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Context{}, fmt.Errorf("authcontext: decoding: %w", keyvault.ErrDecryptionFailed)
	}
	raw, err := c.box.Decrypt(now.Unix(), sealed, nil)
	if err != nil {
		return Context{}, err
	}
	var ctx Context
	if err := cbor.Unmarshal(raw, &ctx); err != nil {
		return Context{}, fmt.Errorf("authcontext: decoding: %w", keyvault.ErrDecryptionFailed)
	}
	return ctx, nil
}
