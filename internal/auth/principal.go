package auth

import (
	"crypto/subtle"
	"errors"
)

// Principal holds the single local-UI pairing secret this broker process
// trusts. There is no multi-user directory — spec §3's User Identity is one
// per process — so this replaces the teacher's UserStore with the smallest
// thing that satisfies spec §4.8 step 2 ("requests from the host-controlled
// UI surface are accepted; requests from other internal surfaces are
// rejected"): a single shared secret, hashed the same way the teacher
// hashes login passwords.
type Principal struct {
	Name     string
	PairHash string // argon2id-encoded, see password.go
	Roles    []Role
}

var ErrBadPairingSecret = errors.New("auth: bad pairing secret")

// VerifyPairingSecret reports whether secret matches the principal's stored
// hash, never distinguishing a malformed hash from a mismatch to the caller.
func (p *Principal) VerifyPairingSecret(secret string) bool {
	ok, err := VerifyPassword(secret, p.PairHash)
	return err == nil && ok
}

// ConstantTimeEqual compares caller-supplied bytes against a secret outside
// the argon2id path without a timing side channel. Nothing in the broker
// calls it; the adapter subprocess handshake does not compare keys.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
