// Package broker wires the broker's components into the single context
// constructed once at process start (spec §9 "ambient process-wide
// singletons" redesign note: pass one explicit context around rather than
// reach for package-level state). cmd/brokerd builds one Broker and serves
// its Router over HTTP; cmd/brokerctl builds one to drive Configure/pairing
// without ever starting a listener.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/privatedatabroker/pdb/internal/auditlog"
	"github.com/privatedatabroker/pdb/internal/auth"
	"github.com/privatedatabroker/pdb/internal/netadapter"
	"github.com/privatedatabroker/pdb/internal/originpolicy"
	"github.com/privatedatabroker/pdb/internal/router"
	"github.com/privatedatabroker/pdb/internal/secretstore"
	"github.com/privatedatabroker/pdb/internal/session"
)

// Config is the broker's full startup configuration, grounded directly on
// internal/server.Config/setDefaults.
type Config struct {
	// Secret store backend (spec C2). MongoURI selects the Mongo-backed
	// implementation; otherwise StoreDir selects the file-backed one.
	StoreDir string
	MongoURI string
	MongoDB  string
	MongoColl string

	// FallbackDir is where the storage client persists documents and
	// grants once it has transitioned into Fallback mode (spec §4.4).
	FallbackDir string

	// RemoteBaseURL is the one extra deployment-level env var the spec
	// allows (§4.9: "an auxiliary service may be configured with a single
	// PDM_SERVER_URL endpoint; this is a deployment concern, not part of
	// the broker"). Read once in cmd/brokerd/main.go, passed in here.
	RemoteBaseURL string

	// AdapterPath/AdapterArgs locate the auxiliary subprocess binary (spec
	// C3); in practice this is the broker's own executable re-invoked with
	// "-adapter".
	AdapterPath string
	AdapterArgs []string
	AdapterRateLimit rate.Limit
	AdapterBurst      int

	JWTIssuer string
	TokenTTL  time.Duration

	// PairingSecretHash is the argon2id-encoded secret minted at
	// `brokerctl pair` time, checked against every /api/pair request.
	PairingSecretHash string
}

func (c *Config) setDefaults() {
	if c.StoreDir == "" {
		c.StoreDir = "./pdb-data"
	}
	if c.FallbackDir == "" {
		c.FallbackDir = "./pdb-data/fallback"
	}
	if c.JWTIssuer == "" {
		c.JWTIssuer = "privatedatabroker"
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 15 * time.Minute
	}
	if c.AdapterRateLimit <= 0 {
		c.AdapterRateLimit = rate.Limit(5)
	}
	if c.AdapterBurst <= 0 {
		c.AdapterBurst = 10
	}
}

// Broker is the fully-wired set of components a running daemon or a CLI
// invocation needs. Nothing here is a package-level global; every field is
// constructed fresh by New and threaded explicitly by the caller.
type Broker struct {
	Config    Config
	Store     secretstore.Store
	Adapter   netadapter.Adapter
	Session   *session.Manager
	Origins   *originpolicy.Policy
	Signer    *auth.JWTSigner
	Audit     *auditlog.Log
	Router    *router.Router
	Principal *auth.Principal
}

// New builds every component spec §9's design note calls "the single
// broker context," in the same dependency order internal/server.New builds
// its own Server: store first, then the pieces that read from it, then the
// router that ties them together.
func New(ctx context.Context, cfg Config) (*Broker, error) {
	cfg.setDefaults()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	adapter := buildAdapter(cfg)
	sess := session.New(store, adapter, cfg.FallbackDir)
	origins := originpolicy.New()
	audit := auditlog.New()

	priv, _, err := auth.GenerateEd25519()
	if err != nil {
		return nil, err
	}
	signer := auth.NewJWTSigner(priv, cfg.JWTIssuer, cfg.TokenTTL)

	rt := router.New(sess, origins, signer, audit)

	principal := &auth.Principal{
		Name:     "owner",
		PairHash: cfg.PairingSecretHash,
		Roles:    []auth.Role{auth.RoleOwner},
	}

	if _, err := sess.RestoreFromEphemeral(ctx); err != nil {
		audit.Append("restore_from_ephemeral failed: " + err.Error())
	}

	return &Broker{
		Config:    cfg,
		Store:     store,
		Adapter:   adapter,
		Session:   sess,
		Origins:   origins,
		Signer:    signer,
		Audit:     audit,
		Router:    rt,
		Principal: principal,
	}, nil
}

func buildStore(ctx context.Context, cfg Config) (secretstore.Store, error) {
	if cfg.MongoURI != "" {
		if cfg.MongoDB == "" || cfg.MongoColl == "" {
			return nil, errors.New("broker: MongoDB and MongoColl are required when MongoURI is set")
		}
		return secretstore.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDB, cfg.MongoColl)
	}
	if err := os.MkdirAll(cfg.StoreDir, 0o700); err != nil {
		return nil, err
	}
	return secretstore.NewFileStore(cfg.StoreDir)
}

// buildAdapter returns a subprocess-backed Adapter when an auxiliary binary
// is configured, matching spec §4.3's "background cannot make outbound
// calls directly." Without one configured, every Call fails immediately so
// storageclient.Init takes its documented Fallback transition rather than
// panicking on a nil Adapter.
func buildAdapter(cfg Config) netadapter.Adapter {
	if cfg.AdapterPath == "" {
		return noAdapter{}
	}
	return netadapter.NewSubprocessAdapter(cfg.AdapterPath, cfg.AdapterArgs, cfg.AdapterRateLimit, cfg.AdapterBurst)
}

// noAdapter is what a broker configured without an auxiliary binary uses:
// every call fails, which is exactly the signal storageclient.Init needs to
// take its Fallback transition on first unlock.
type noAdapter struct{}

func (noAdapter) Call(context.Context, string, netadapter.Method, any) (json.RawMessage, error) {
	return nil, errors.New("broker: no auxiliary adapter configured")
}
func (noAdapter) Close() error { return nil }
