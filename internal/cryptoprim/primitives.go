// Package cryptoprim implements the broker's crypto primitives (spec C1):
// passphrase-based key derivation, authenticated symmetric encryption,
// content hashing, and random identifier generation.
package cryptoprim

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

const (
	SaltSize      = 16
	KeySize       = 32
	NonceSize     = 12 // AES-GCM standard nonce
	KDFIterations = 100_000
)

// Key is a derived 256-bit symmetric key. Callers own its lifetime and
// should Zero it (and Munlock it, see mlock_*.go) once done.
type Key [KeySize]byte

// ErrBadPassphraseOrIntegrity is returned for both a wrong passphrase and a
// tampered ciphertext — the spec requires the caller be unable to tell
// these apart (§4.1).
var ErrBadPassphraseOrIntegrity = errors.New("cryptoprim: decryption failed")

// Derive runs PBKDF2-HMAC-SHA-256 with KDFIterations over passphrase and
// salt, producing a 256-bit key. salt must be SaltSize random bytes minted
// once per credential blob.
func Derive(passphrase []byte, salt []byte) Key {
	raw := pbkdf2.Key(passphrase, salt, KDFIterations, KeySize, sha256.New)
	var k Key
	copy(k[:], raw)
	Zero(raw)
	return k
}

// Encrypt seals plaintext under key with AES-256-GCM. The returned nonce is
// NonceSize random bytes; ciphertext has the authentication tag appended,
// which is exactly what cipher.AEAD.Seal already does.
func Encrypt(key Key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, aad)
	return nonce, ciphertext, nil
}

// Decrypt opens ciphertext sealed by Encrypt. Any authentication failure —
// wrong key or tampered bytes — returns ErrBadPassphraseOrIntegrity only.
func Decrypt(key Key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, ErrBadPassphraseOrIntegrity
	}
	pt, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrBadPassphraseOrIntegrity
	}
	return pt, nil
}

func newAEAD(key Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Hash returns the SHA-256 digest of b, used for identity derivation and
// checksums (spec C1).
func Hash(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// Random returns n cryptographically random bytes.
func Random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// NewSalt returns a fresh per-credential-blob salt.
func NewSalt() ([]byte, error) {
	return Random(SaltSize)
}

// NewID mints a fresh random 128-bit identifier (document ids, grant ids,
// correlation ids).
func NewID() uuid.UUID {
	return uuid.New()
}

// Zero overwrites b with zeros in place. Mirrors the teacher's
// internal/crypto/zero.go exactly; every derived key and decrypted
// passphrase buffer is expected to be run through this on its way out of
// scope.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroKey overwrites a Key in place.
func ZeroKey(k *Key) {
	for i := range k {
		k[i] = 0
	}
}
