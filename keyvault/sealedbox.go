package keyvault

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// SealToEd25519 seals plaintext so that only the holder of the Ed25519
// private key corresponding to pub can open it. The Ed25519 verifying
// key is mapped to its X25519 equivalent (the standard birational map
// between the Edwards and Montgomery forms of curve25519), then used as
// the recipient of a NaCl anonymous box: an ephemeral sender key pair is
// generated for this one call and discarded, and the ciphertext is
// self-contained.
//
// This is the access-token forwarding primitive: it lets the provider
// hand a relying party its own upstream OAuth access token without the
// relying party needing to publish anything beyond an Ed25519 key.
func SealToEd25519(pub ed25519.PublicKey, plaintext []byte) ([]byte, error) {
	x, err := x25519PublicFromEd25519(pub)
	if err != nil {
		return nil, err
	}
	return box.SealAnonymous(nil, plaintext, &x, rand.Reader)
}

// OpenSealedEd25519 opens a value produced by SealToEd25519 using the
// recipient's Ed25519 private key. The provider never calls this in
// production -- relying parties hold the private key -- but it pins the
// exact key-mapping contract an RP has to implement, and the tests lean
// on it.
func OpenSealedEd25519(priv ed25519.PrivateKey, sealed []byte) ([]byte, error) {
	xPriv := x25519PrivateFromEd25519(priv)
	var xPub [32]byte
	curve25519.ScalarBaseMult(&xPub, &xPriv)

	out, ok := box.OpenAnonymous(nil, sealed, &xPub, &xPriv)
	if !ok {
		return nil, errors.New("keyvault: sealed box did not open")
	}
	return out, nil
}

// x25519PublicFromEd25519 converts an Edwards-form verifying key to the
// Montgomery-form public value X25519 operates on.
func x25519PublicFromEd25519(pub ed25519.PublicKey) ([32]byte, error) {
	var x [32]byte
	if len(pub) != ed25519.PublicKeySize {
		return x, fmt.Errorf("keyvault: ed25519 public key is %d bytes", len(pub))
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return x, fmt.Errorf("keyvault: invalid ed25519 public key: %w", err)
	}
	copy(x[:], p.BytesMontgomery())
	return x, nil
}

// x25519PrivateFromEd25519 derives the X25519 scalar matching
// x25519PublicFromEd25519's mapping: the clamped head of the SHA-512
// expansion of the Ed25519 seed, exactly the scalar Ed25519 itself
// signs with.
func x25519PrivateFromEd25519(priv ed25519.PrivateKey) [32]byte {
	h := sha512.Sum512(priv.Seed())
	var scalar [32]byte
	copy(scalar[:], h[:32])
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
	return scalar
}
