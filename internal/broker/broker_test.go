package broker

import (
	"context"
	"testing"

	"github.com/privatedatabroker/pdb/internal/netadapter"
	"github.com/privatedatabroker/pdb/internal/router"
	"github.com/privatedatabroker/pdb/internal/session"
)

func TestNewDefaultsToFileStoreAndNoAdapter(t *testing.T) {
	dir := t.TempDir()
	b, err := New(context.Background(), Config{StoreDir: dir, FallbackDir: dir + "/fallback"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.Store == nil {
		t.Fatal("expected a non-nil store")
	}
	if _, ok := b.Adapter.(noAdapter); !ok {
		t.Fatalf("expected noAdapter when AdapterPath is unset, got %T", b.Adapter)
	}
	if b.Session == nil || b.Origins == nil || b.Signer == nil || b.Audit == nil || b.Router == nil {
		t.Fatal("expected every component wired")
	}
	if b.Principal.Name != "owner" {
		t.Fatalf("Principal.Name = %q, want owner", b.Principal.Name)
	}
}

func TestNewRejectsMongoConfigMissingDatabaseOrCollection(t *testing.T) {
	_, err := New(context.Background(), Config{MongoURI: "mongodb://localhost/ignored"})
	if err == nil {
		t.Fatal("expected an error when MongoURI is set without MongoDB/MongoColl")
	}
}

func TestConfigSetDefaults(t *testing.T) {
	cfg := Config{}
	cfg.setDefaults()
	if cfg.StoreDir == "" || cfg.FallbackDir == "" || cfg.JWTIssuer == "" {
		t.Fatalf("expected defaults to be filled in, got %+v", cfg)
	}
	if cfg.TokenTTL <= 0 {
		t.Fatalf("expected a positive default TokenTTL, got %v", cfg.TokenTTL)
	}
	if cfg.AdapterRateLimit <= 0 || cfg.AdapterBurst <= 0 {
		t.Fatalf("expected positive adapter rate defaults, got limit=%v burst=%d", cfg.AdapterRateLimit, cfg.AdapterBurst)
	}
}

func TestNoAdapterCallAlwaysFails(t *testing.T) {
	var a netadapter.Adapter = noAdapter{}
	if _, err := a.Call(context.Background(), "/anything", netadapter.Method("GET"), nil); err == nil {
		t.Fatal("expected noAdapter.Call to always error")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("noAdapter.Close() = %v, want nil", err)
	}
}

// A Broker built without an auxiliary adapter still takes the storage
// client's documented Fallback-mode transition on unlock rather than
// panicking on a nil Adapter.
func TestUnlockWithoutAdapterFallsBackInsteadOfPanicking(t *testing.T) {
	dir := t.TempDir()
	b, err := New(context.Background(), Config{StoreDir: dir, FallbackDir: dir + "/fallback"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := b.Session.Configure(ctx, []byte("demo123"), session.CredentialBlob{APIKey: "K", PrivateKey: "P"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if _, err := b.Session.Unlock(ctx, []byte("demo123")); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if !b.Session.IsUnlocked() {
		t.Fatal("expected the session to unlock despite the missing adapter")
	}
}

func TestRouterDispatchesPingThroughWiredBroker(t *testing.T) {
	dir := t.TempDir()
	b, err := New(context.Background(), Config{StoreDir: dir, FallbackDir: dir + "/fallback"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	token, _, err := b.Signer.IssueToken(b.Principal.Name, b.Principal.Roles)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	req := router.Request{
		CorrelationID: "corr-1",
		Action:        router.ActionPing,
		Origin:        "https://app.example",
		SenderURL:     "https://ui.local/index.html",
		Token:         token,
	}
	resp := b.Router.Dispatch(context.Background(), req)
	if resp.Error != "" {
		t.Fatalf("ping through wired broker failed: %s", resp.Error)
	}
}
