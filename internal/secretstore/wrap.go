package secretstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// processKey is generated once per process and never persisted; it exists
// purely so the ephemeral passphrase mirror (pdm_session_password, §6) does
// not sit in plaintext in this process's memory map any longer than it has
// to. It is defense in depth over an already-ephemeral value, not an
// at-rest guarantee — see cryptoprim for that.
var processKey = mustRandom(32)

func mustRandom(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// WrapEphemeral derives a one-off AES-GCM key from the process key via
// HKDF-SHA-256 (salted by a fresh random value per call, see hkdfKey) and
// seals plaintext under it.
func WrapEphemeral(plaintext []byte) ([]byte, error) {
	salt := mustRandom(16)
	key, err := hkdfKey(salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := mustRandom(aead.NonceSize())
	sealed := aead.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// UnwrapEphemeral reverses WrapEphemeral.
func UnwrapEphemeral(wrapped []byte) ([]byte, error) {
	const saltSize = 16
	const nonceSize = 12
	if len(wrapped) < saltSize+nonceSize {
		return nil, errors.New("secretstore: wrapped value too short")
	}
	salt := wrapped[:saltSize]
	nonce := wrapped[saltSize : saltSize+nonceSize]
	sealed := wrapped[saltSize+nonceSize:]

	key, err := hkdfKey(salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, sealed, nil)
}

func hkdfKey(salt []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, processKey, salt, []byte("pdb-ephemeral-wrap"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
