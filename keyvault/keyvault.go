// Package keyvault derives and manages the symmetric and asymmetric key
// material the rest of the provider uses to seal opaque state: the
// authentication context, identity attributes, and signing keys at rest.
//
// Every key handed out by a Stem is derived from a small set of root
// secrets supplied at startup (the "passphrases"), never generated or
// persisted independently. This keeps the only long-lived secret an
// operator has to protect to the root passphrase file.
package keyvault

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/trustelem/zxcvbn"
	"golang.org/x/crypto/hkdf"
)

// MinGuessesLog10 is the estimated password strength, expressed as
// log10(guesses), that a root passphrase must exceed. A passphrase at or
// below it is rejected at startup rather than silently accepted.
const MinGuessesLog10 = 18

// ErrWeakPassphrase is returned by NewStem when a supplied root passphrase
// does not meet MinGuessesLog10.
var ErrWeakPassphrase = errors.New("keyvault: root passphrase does not meet minimum entropy requirement")

// ErrDecryptionFailed is returned whenever every candidate root key (and,
// for rotating boxes, every candidate time bucket) fails to authenticate a
// ciphertext. It intentionally carries no detail about which candidate was
// tried, so that callers cannot use it to probe for information about key
// material or bucket boundaries.
var ErrDecryptionFailed = errors.New("keyvault: decryption failed")

// Stem holds the ordered list of root keys derived from the configured
// passphrases. The first root is used for every encryption operation;
// decryption tries each root in order, which is what allows a root
// passphrase to be rotated without invalidating data sealed under the
// previous one: list the new passphrase first and keep the old one around
// until everything encrypted under it has aged out.
type Stem struct {
	roots [][]byte
}

// NewStem derives a Stem from an ordered list of passphrases. The first
// passphrase is the current encryption root; any additional passphrases
// are retained only to allow decrypting older data and must meet the same
// entropy bar.
func NewStem(passphrases []string) (*Stem, error) {
	if len(passphrases) == 0 {
		return nil, errors.New("keyvault: at least one root passphrase is required")
	}
	roots := make([][]byte, 0, len(passphrases))
	for i, p := range passphrases {
		result := zxcvbn.PasswordStrength(p, nil)
		if math.Log10(result.Guesses) <= MinGuessesLog10 {
			return nil, fmt.Errorf("%w (root %d)", ErrWeakPassphrase, i)
		}
		sum := sha256.Sum256([]byte(p))
		root := make([]byte, len(sum))
		copy(root, sum[:])
		roots = append(roots, root)
	}
	return &Stem{roots: roots}, nil
}

// Derive returns a fixed Box scoped to label. Two calls with the same
// label on Stems sharing the same roots always derive the same key
// material.
func (s *Stem) Derive(label string) (*Box, error) {
	keys := make([][32]byte, len(s.roots))
	for i, root := range s.roots {
		k, err := hkdfKey(root, label)
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}
	return &Box{keys: keys}, nil
}

// DeriveRotating returns a RotatingBox scoped to label, whose effective
// key changes every period. backtrack controls how many prior buckets a
// Decrypt call will still accept, which bounds how long a ciphertext
// sealed near a bucket boundary stays decryptable without extending the
// window indefinitely.
func (s *Stem) DeriveRotating(label string, periodSeconds int64, backtrack int) *RotatingBox {
	return &RotatingBox{
		stem:          s,
		label:         label,
		periodSeconds: periodSeconds,
		backtrack:     backtrack,
	}
}

func hkdfKey(root []byte, label string) ([32]byte, error) {
	var out [32]byte
	r := hkdf.New(sha256.New, root, nil, []byte(label))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, fmt.Errorf("keyvault: deriving key for %q: %w", label, err)
	}
	return out, nil
}
