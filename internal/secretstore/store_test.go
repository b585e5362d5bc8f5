package secretstore

import (
	"bytes"
	"context"
	"testing"
)

func TestFileStorePersistentRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()

	if err := s.PutPersistent(ctx, "nillion_credentials", []byte("ciphertext")); err != nil {
		t.Fatalf("PutPersistent: %v", err)
	}
	got, ok, err := s.GetPersistent(ctx, "nillion_credentials")
	if err != nil || !ok {
		t.Fatalf("GetPersistent: err=%v ok=%v", err, ok)
	}
	if !bytes.Equal(got, []byte("ciphertext")) {
		t.Fatalf("got %q", got)
	}

	if err := s.RemovePersistent(ctx, "nillion_credentials"); err != nil {
		t.Fatalf("RemovePersistent: %v", err)
	}
	_, ok, err = s.GetPersistent(ctx, "nillion_credentials")
	if err != nil || ok {
		t.Fatalf("expected removed key absent, got ok=%v err=%v", ok, err)
	}
}

func TestFileStoreMissingKeyIsNotFoundNotError(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	_, ok, err := s.GetPersistent(context.Background(), "missing")
	if err != nil {
		t.Fatalf("expected no error for missing key, got %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing key")
	}
}

func TestAllPersistentStripsPrefix(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	_ = s.PutPersistent(ctx, "a", []byte("1"))
	_ = s.PutPersistent(ctx, "b", []byte("2"))

	all, err := s.AllPersistent(ctx)
	if err != nil {
		t.Fatalf("AllPersistent: %v", err)
	}
	if len(all) != 2 || string(all["a"]) != "1" || string(all["b"]) != "2" {
		t.Fatalf("AllPersistent = %v", all)
	}
}

func TestEphemeralPutGetRemove(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	s.PutEphemeral("pdm_session_password", []byte("demo123"))
	v, ok := s.GetEphemeral("pdm_session_password")
	if !ok || string(v) != "demo123" {
		t.Fatalf("GetEphemeral = %q, ok=%v", v, ok)
	}
	s.RemoveEphemeral("pdm_session_password")
	_, ok = s.GetEphemeral("pdm_session_password")
	if ok {
		t.Fatal("expected ephemeral key removed")
	}
}

func TestWrapUnwrapEphemeralRoundTrip(t *testing.T) {
	wrapped, err := WrapEphemeral([]byte("demo123"))
	if err != nil {
		t.Fatalf("WrapEphemeral: %v", err)
	}
	got, err := UnwrapEphemeral(wrapped)
	if err != nil {
		t.Fatalf("UnwrapEphemeral: %v", err)
	}
	if string(got) != "demo123" {
		t.Fatalf("got %q", got)
	}
}

func TestUnwrapRejectsTamperedCiphertext(t *testing.T) {
	wrapped, err := WrapEphemeral([]byte("demo123"))
	if err != nil {
		t.Fatalf("WrapEphemeral: %v", err)
	}
	wrapped[len(wrapped)-1] ^= 0xFF
	if _, err := UnwrapEphemeral(wrapped); err == nil {
		t.Fatal("expected tamper to be detected")
	}
}
