package keyvault

import (
	"crypto/rand"
	"strconv"

	"golang.org/x/crypto/chacha20poly1305"
)

// Box seals and opens data with an AEAD, trying every candidate root key
// on decrypt so that data sealed under a previous root passphrase remains
// readable after rotation.
type Box struct {
	keys [][32]byte
}

// Encrypt seals plaintext under the current (first) root key, associating
// aad as additional authenticated data. The returned ciphertext is
// self-contained: the nonce is prepended to it.
func (b *Box) Encrypt(plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(b.keys[0][:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := aead.Seal(nonce, nonce, plaintext, aad)
	return out, nil
}

// Decrypt tries every candidate root key in order and returns the
// plaintext from the first one that authenticates. It returns
// ErrDecryptionFailed, with no further detail, if none do.
func (b *Box) Decrypt(ciphertext, aad []byte) ([]byte, error) {
	for _, key := range b.keys {
		aead, err := chacha20poly1305.NewX(key[:])
		if err != nil {
			continue
		}
		ns := aead.NonceSize()
		if len(ciphertext) < ns {
			continue
		}
		nonce, ct := ciphertext[:ns], ciphertext[ns:]
		if pt, err := aead.Open(nil, nonce, ct, aad); err == nil {
			return pt, nil
		}
	}
	return nil, ErrDecryptionFailed
}

// RotatingBox is a Box whose effective key changes every time period,
// used for state that should become undecryptable once it is stale
// (the authentication context) without an explicit expiry check.
type RotatingBox struct {
	stem          *Stem
	label         string
	periodSeconds int64
	backtrack     int
}

func (r *RotatingBox) bucket(unixSeconds int64) int64 {
	return unixSeconds / r.periodSeconds
}

func (r *RotatingBox) boxForBucket(bucket int64) (*Box, error) {
	return r.stem.Derive(bucketLabel(r.label, bucket))
}

func bucketLabel(label string, bucket int64) string {
	return label + ":" + strconv.FormatInt(bucket, 10)
}

// Encrypt seals plaintext under the box for the current time bucket.
func (r *RotatingBox) Encrypt(nowUnix int64, plaintext, aad []byte) ([]byte, error) {
	box, err := r.boxForBucket(r.bucket(nowUnix))
	if err != nil {
		return nil, err
	}
	return box.Encrypt(plaintext, aad)
}

// Decrypt tries the current bucket and up to backtrack prior buckets,
// returning ErrDecryptionFailed if none of them authenticate the
// ciphertext under any candidate root key.
func (r *RotatingBox) Decrypt(nowUnix int64, ciphertext, aad []byte) ([]byte, error) {
	current := r.bucket(nowUnix)
	for i := 0; i <= r.backtrack; i++ {
		box, err := r.boxForBucket(current - int64(i))
		if err != nil {
			continue
		}
		if pt, err := box.Decrypt(ciphertext, aad); err == nil {
			return pt, nil
		}
	}
	return nil, ErrDecryptionFailed
}
