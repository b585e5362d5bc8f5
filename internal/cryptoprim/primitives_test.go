package cryptoprim

import (
	"bytes"
	"testing"
)

func TestDeriveDecryptRoundTrip(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	key := Derive([]byte("correct horse battery staple"), salt)
	pt := []byte("top secret document")
	aad := []byte("doc:1")

	nonce, ct, err := Encrypt(key, pt, aad)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := Decrypt(key, nonce, ct, aad)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, pt) {
		t.Fatalf("round trip mismatch: got %q want %q", got, pt)
	}
}

func TestDecryptWrongPassphraseFailsIndistinguishably(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	key := Derive([]byte("right"), salt)
	wrongKey := Derive([]byte("wrong"), salt)

	nonce, ct, err := Encrypt(key, []byte("payload"), nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	_, err1 := Decrypt(wrongKey, nonce, ct, nil)
	tampered := append([]byte(nil), ct...)
	tampered[0] ^= 0xFF
	_, err2 := Decrypt(key, nonce, tampered, nil)

	if err1 != ErrBadPassphraseOrIntegrity || err2 != ErrBadPassphraseOrIntegrity {
		t.Fatalf("expected ErrBadPassphraseOrIntegrity for both wrong key and tamper, got %v / %v", err1, err2)
	}
}

func TestEncryptNoncesAreUnique(t *testing.T) {
	key := Derive([]byte("p"), []byte("0123456789012345"))
	n1, _, err := Encrypt(key, []byte("x"), nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	n2, _, err := Encrypt(key, []byte("x"), nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(n1, n2) {
		t.Fatal("expected distinct nonces across calls")
	}
}

func TestHashIsStable(t *testing.T) {
	a := Hash([]byte("abc"))
	b := Hash([]byte("abc"))
	if a != b {
		t.Fatal("expected Hash to be deterministic")
	}
}

func TestNewIDIsUnique(t *testing.T) {
	if NewID() == NewID() {
		t.Fatal("expected distinct ids")
	}
}

func FuzzEncryptDecryptRoundTrip(f *testing.F) {
	f.Add([]byte("hello"), []byte("aad"))
	f.Add([]byte(""), []byte(""))
	f.Fuzz(func(t *testing.T, pt, aad []byte) {
		key := Derive([]byte("pw"), []byte("0123456789abcdef"))
		nonce, ct, err := Encrypt(key, pt, aad)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		got, err := Decrypt(key, nonce, ct, aad)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(got, pt) {
			t.Fatal("round trip mismatch")
		}
	})
}
