package storageclient

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/privatedatabroker/pdb/internal/brokererr"
	"github.com/privatedatabroker/pdb/internal/ledger"
	"github.com/privatedatabroker/pdb/internal/secretstore"
)

// resilientClient fronts an onlineClient that has not yet failed. Every
// method tries the online call first; if it comes back UpstreamFailure, the
// client commits to Fallback (synthesizing and persisting the same identity
// Init would on a failed probe) and retries the same operation once against
// local persistence before surfacing an error, per spec §7 ("retried once
// on the Fallback path before surfacing") and scenario 6 ("the call still
// returns a fresh documentId from local persistence"). Once committed the
// transition is permanent for the life of this Client, mirroring Init's own
// one-shot Online/Fallback decision.
type resilientClient struct {
	mu       sync.Mutex
	mode     Mode
	online   *onlineClient
	fallback *fallbackClient

	store       secretstore.Store
	apiKey      string
	fallbackDir string
}

func (c *resilientClient) UserDID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == Fallback {
		return c.fallback.userDID
	}
	return c.online.userDID
}

func (c *resilientClient) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// fallBack commits the client to Fallback mode if it has not already, and
// returns the fallback client to retry against. Safe to call from multiple
// goroutines hitting UpstreamFailure concurrently — only the first commits.
func (c *resilientClient) fallBack(ctx context.Context) (*fallbackClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == Fallback {
		return c.fallback, nil
	}
	fb, err := commitFallback(ctx, c.store, c.apiKey, c.fallbackDir)
	if err != nil {
		return nil, err
	}
	c.fallback = fb
	c.online = nil
	c.mode = Fallback
	return fb, nil
}

func (c *resilientClient) Store(ctx context.Context, payload json.RawMessage, collectionID string) (string, error) {
	online, fb := c.snapshot()
	if fb != nil {
		return fb.Store(ctx, payload, collectionID)
	}
	id, err := online.Store(ctx, payload, collectionID)
	if !brokererr.Is(err, brokererr.UpstreamFailure) {
		return id, err
	}
	fb, ferr := c.fallBack(ctx)
	if ferr != nil {
		return "", err
	}
	return fb.Store(ctx, payload, collectionID)
}

func (c *resilientClient) List(ctx context.Context) ([]DocumentRecord, error) {
	online, fb := c.snapshot()
	if fb != nil {
		return fb.List(ctx)
	}
	recs, err := online.List(ctx)
	if !brokererr.Is(err, brokererr.UpstreamFailure) {
		return recs, err
	}
	fb, ferr := c.fallBack(ctx)
	if ferr != nil {
		return nil, err
	}
	return fb.List(ctx)
}

func (c *resilientClient) Read(ctx context.Context, documentID, collectionID string) (DocumentRecord, error) {
	online, fb := c.snapshot()
	if fb != nil {
		return fb.Read(ctx, documentID, collectionID)
	}
	rec, err := online.Read(ctx, documentID, collectionID)
	if !brokererr.Is(err, brokererr.UpstreamFailure) {
		return rec, err
	}
	fb, ferr := c.fallBack(ctx)
	if ferr != nil {
		return DocumentRecord{}, err
	}
	return fb.Read(ctx, documentID, collectionID)
}

func (c *resilientClient) Delete(ctx context.Context, documentID, collectionID string) error {
	online, fb := c.snapshot()
	if fb != nil {
		return fb.Delete(ctx, documentID, collectionID)
	}
	err := online.Delete(ctx, documentID, collectionID)
	if !brokererr.Is(err, brokererr.UpstreamFailure) {
		return err
	}
	fb, ferr := c.fallBack(ctx)
	if ferr != nil {
		return err
	}
	return fb.Delete(ctx, documentID, collectionID)
}

func (c *resilientClient) Grant(ctx context.Context, documentID, collectionID, granteeID string, perms []ledger.Permission) (string, error) {
	online, fb := c.snapshot()
	if fb != nil {
		return fb.Grant(ctx, documentID, collectionID, granteeID, perms)
	}
	id, err := online.Grant(ctx, documentID, collectionID, granteeID, perms)
	if !brokererr.Is(err, brokererr.UpstreamFailure) {
		return id, err
	}
	fb, ferr := c.fallBack(ctx)
	if ferr != nil {
		return "", err
	}
	return fb.Grant(ctx, documentID, collectionID, granteeID, perms)
}

func (c *resilientClient) Revoke(ctx context.Context, documentID, collectionID, granteeID string, grantID *string) error {
	online, fb := c.snapshot()
	if fb != nil {
		return fb.Revoke(ctx, documentID, collectionID, granteeID, grantID)
	}
	err := online.Revoke(ctx, documentID, collectionID, granteeID, grantID)
	if !brokererr.Is(err, brokererr.UpstreamFailure) {
		return err
	}
	fb, ferr := c.fallBack(ctx)
	if ferr != nil {
		return err
	}
	return fb.Revoke(ctx, documentID, collectionID, granteeID, grantID)
}

func (c *resilientClient) ListGrants(ctx context.Context) ([]ledger.Grant, error) {
	online, fb := c.snapshot()
	if fb != nil {
		return fb.ListGrants(ctx)
	}
	grants, err := online.ListGrants(ctx)
	if !brokererr.Is(err, brokererr.UpstreamFailure) {
		return grants, err
	}
	fb, ferr := c.fallBack(ctx)
	if ferr != nil {
		return nil, err
	}
	return fb.ListGrants(ctx)
}

// snapshot returns the current online client and, once committed, the
// fallback client — exactly one of the two is non-nil.
func (c *resilientClient) snapshot() (*onlineClient, *fallbackClient) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == Fallback {
		return nil, c.fallback
	}
	return c.online, nil
}
