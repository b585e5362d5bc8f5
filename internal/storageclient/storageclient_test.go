package storageclient

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/privatedatabroker/pdb/internal/brokererr"
	"github.com/privatedatabroker/pdb/internal/ledger"
	"github.com/privatedatabroker/pdb/internal/netadapter"
	"github.com/privatedatabroker/pdb/internal/secretstore"
)

type stubAdapter struct {
	callErr error
	result  json.RawMessage
}

func (s *stubAdapter) Call(context.Context, string, netadapter.Method, any) (json.RawMessage, error) {
	if s.callErr != nil {
		return nil, s.callErr
	}
	return s.result, nil
}

func (s *stubAdapter) Close() error { return nil }

// recordingAdapter answers the did probe successfully but fails every other
// call with an UpstreamFailure, and records the body of every call made —
// used to exercise the runtime Online-to-Fallback transition and to check
// which field carries the signing key.
type recordingAdapter struct {
	bodies []map[string]any
}

func (a *recordingAdapter) Call(_ context.Context, endpoint string, _ netadapter.Method, body any) (json.RawMessage, error) {
	if m, ok := body.(map[string]any); ok {
		a.bodies = append(a.bodies, m)
	}
	if endpoint == "/api/user/did" {
		return json.RawMessage(`{"did":"did:nil:abc123"}`), nil
	}
	return nil, brokererr.Upstream("simulated upstream failure")
}

func (a *recordingAdapter) Close() error { return nil }

func newTestStore(t *testing.T) secretstore.Store {
	t.Helper()
	store, err := secretstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return store
}

func TestInitFailsOverToFallbackOnAdapterError(t *testing.T) {
	adapter := &stubAdapter{callErr: errors.New("no route to host")}
	c, err := Init(context.Background(), adapter, newTestStore(t), "K", "P", t.TempDir())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if c.Mode() != Fallback {
		t.Fatalf("Mode() = %v, want Fallback", c.Mode())
	}
}

func TestInitStaysOnlineOnSuccess(t *testing.T) {
	adapter := &stubAdapter{result: json.RawMessage(`{"did":"did:nil:abc123"}`)}
	c, err := Init(context.Background(), adapter, newTestStore(t), "K", "P", t.TempDir())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if c.Mode() != Online {
		t.Fatalf("Mode() = %v, want Online", c.Mode())
	}
	if c.UserDID() != "did:nil:abc123" {
		t.Fatalf("UserDID() = %q", c.UserDID())
	}
}

func newFallback(t *testing.T) Client {
	t.Helper()
	adapter := &stubAdapter{callErr: errors.New("network disabled in test")}
	c, err := Init(context.Background(), adapter, newTestStore(t), "K", "P", t.TempDir())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return c
}

func TestFallbackStoreReadRoundTrip(t *testing.T) {
	c := newFallback(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"title":"T","content":"C"}`)
	id, err := c.Store(ctx, payload, "col1")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	rec, err := c.Read(ctx, id, "col1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(rec.Payload) != string(payload) {
		t.Fatalf("Payload = %s, want %s", rec.Payload, payload)
	}
}

func TestFallbackEmptyCollectionIDIsInvalidArgument(t *testing.T) {
	c := newFallback(t)
	ctx := context.Background()

	_, err := c.Store(ctx, json.RawMessage(`{}`), "")
	if brokererr.Of(err) != brokererr.InvalidArgument {
		t.Fatalf("Store: expected InvalidArgument, got %v", err)
	}
	_, err = c.Read(ctx, "x", "")
	if brokererr.Of(err) != brokererr.InvalidArgument {
		t.Fatalf("Read: expected InvalidArgument, got %v", err)
	}
	_, err = c.Grant(ctx, "x", "", "app", []ledger.Permission{ledger.Read})
	if brokererr.Of(err) != brokererr.InvalidArgument {
		t.Fatalf("Grant: expected InvalidArgument, got %v", err)
	}
}

func TestFallbackDeleteRemovesDocument(t *testing.T) {
	c := newFallback(t)
	ctx := context.Background()

	id, _ := c.Store(ctx, json.RawMessage(`{}`), "col1")
	if err := c.Delete(ctx, id, "col1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := c.Read(ctx, id, "col1"); brokererr.Of(err) != brokererr.NotFound {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}

func TestFallbackGrantRevokeListGrants(t *testing.T) {
	c := newFallback(t)
	ctx := context.Background()

	grantID, err := c.Grant(ctx, "doc1", "col1", "did:nil:app", []ledger.Permission{ledger.Read, ledger.Write})
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	grants, err := c.ListGrants(ctx)
	if err != nil || len(grants) != 1 || grants[0].GrantID != grantID {
		t.Fatalf("ListGrants() = %+v, err=%v", grants, err)
	}

	if err := c.Revoke(ctx, "doc1", "col1", "did:nil:app", &grantID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	grants, _ = c.ListGrants(ctx)
	if len(grants) != 0 {
		t.Fatalf("expected no grants after revoke, got %+v", grants)
	}
}

func TestFallbackStatePersistsAcrossStoreInstances(t *testing.T) {
	dir := t.TempDir()
	store, err := secretstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	adapter := &stubAdapter{callErr: errors.New("offline")}

	c1, err := Init(context.Background(), adapter, store, "K", "P", dir)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	id, err := c1.Store(context.Background(), json.RawMessage(`{"a":1}`), "col1")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	// A fresh probe-capable adapter: the second Init must never reach it,
	// since the persisted identity already commits this store to Fallback.
	neverCalled := &stubAdapter{result: json.RawMessage(`{"did":"did:nil:should-not-be-used"}`)}
	c2, err := Init(context.Background(), neverCalled, store, "K", "P", dir)
	if err != nil {
		t.Fatalf("Init (second process): %v", err)
	}
	if c2.Mode() != Fallback {
		t.Fatalf("Mode() = %v, want Fallback (persisted identity should skip the probe)", c2.Mode())
	}
	if c2.UserDID() != c1.UserDID() {
		t.Fatalf("expected stable synthesized did, got %q vs %q", c2.UserDID(), c1.UserDID())
	}
	rec, err := c2.Read(context.Background(), id, "col1")
	if err != nil {
		t.Fatalf("Read from second instance: %v", err)
	}
	if string(rec.Payload) != `{"a":1}` {
		t.Fatalf("Payload = %s", rec.Payload)
	}
}

func TestOnlineOperationFallsBackOnUpstreamFailureAndRetries(t *testing.T) {
	adapter := &recordingAdapter{}
	store := newTestStore(t)

	c, err := Init(context.Background(), adapter, store, "K", "P", t.TempDir())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if c.Mode() != Online {
		t.Fatalf("Mode() = %v, want Online before the first failing call", c.Mode())
	}

	id, err := c.Store(context.Background(), json.RawMessage(`{"a":1}`), "col1")
	if err != nil {
		t.Fatalf("Store: expected a local fallback retry to succeed, got %v", err)
	}
	if id == "" {
		t.Fatal("expected a fresh documentId from local persistence")
	}
	if c.Mode() != Fallback {
		t.Fatalf("Mode() = %v, want Fallback after an UpstreamFailure commits the client", c.Mode())
	}

	rec, err := c.Read(context.Background(), id, "col1")
	if err != nil {
		t.Fatalf("Read after commit: %v", err)
	}
	if string(rec.Payload) != `{"a":1}` {
		t.Fatalf("Payload = %s", rec.Payload)
	}

	// The commit must have persisted the identity so a later process skips
	// straight to Fallback.
	idBytes, ok, err := store.GetPersistent(context.Background(), keyUserDID)
	if err != nil || !ok || len(idBytes) == 0 {
		t.Fatalf("expected a persisted userDid after runtime fallback, ok=%v err=%v", ok, err)
	}
	modeBytes, ok, err := store.GetPersistent(context.Background(), keyDemoMode)
	if err != nil || !ok || string(modeBytes) != "1" {
		t.Fatalf("expected a persisted fallback flag of \"1\", got %q ok=%v err=%v", modeBytes, ok, err)
	}
}

func TestOnlineClientSendsPrivateKeyNotUserDID(t *testing.T) {
	adapter := &stubAdapter{result: json.RawMessage(`{"did":"did:nil:abc123"}`)}
	c, err := Init(context.Background(), adapter, newTestStore(t), "K", "secretPrivateKey", t.TempDir())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	capture := &recordingAdapter{}
	c.(*resilientClient).online.adapter = capture

	// The call itself falls back to local persistence after the simulated
	// upstream failure; what matters here is the body the online call sent
	// before that happened.
	_, _ = c.Grant(context.Background(), "doc1", "col1", "did:nil:app", []ledger.Permission{ledger.Read})
	if len(capture.bodies) != 1 {
		t.Fatalf("expected exactly one recorded call, got %d", len(capture.bodies))
	}
	if got := capture.bodies[0]["userPrivateKey"]; got != "secretPrivateKey" {
		t.Fatalf("userPrivateKey = %v, want the signing key, not the did", got)
	}
}

func TestFallbackDeleteTombstonesGrants(t *testing.T) {
	c := newFallback(t)
	ctx := context.Background()

	id, err := c.Store(ctx, json.RawMessage(`{}`), "col1")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := c.Grant(ctx, id, "col1", "did:nil:app", []ledger.Permission{ledger.Read}); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	if err := c.Delete(ctx, id, "col1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	grants, err := c.ListGrants(ctx)
	if err != nil {
		t.Fatalf("ListGrants: %v", err)
	}
	if len(grants) != 0 {
		t.Fatalf("expected the grant over the deleted document to be tombstoned, got %+v", grants)
	}
}
