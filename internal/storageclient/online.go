package storageclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/privatedatabroker/pdb/internal/brokererr"
	"github.com/privatedatabroker/pdb/internal/ledger"
	"github.com/privatedatabroker/pdb/internal/netadapter"
)

// onlineClient issues every operation as a JSON-over-HTTP call against the
// remote service, per the endpoint table in spec §6. It holds no document
// or grant state of its own — the remote service is the source of truth.
// userDID is reported back to callers as the owning identity; privateKey is
// the signing key every request body actually authenticates with.
type onlineClient struct {
	adapter    netadapter.Adapter
	userDID    string
	privateKey string
}

func (c *onlineClient) UserDID() string { return c.userDID }
func (c *onlineClient) Mode() Mode      { return Online }

func (c *onlineClient) Store(ctx context.Context, payload json.RawMessage, collectionID string) (string, error) {
	if collectionID == "" {
		return "", brokererr.Invalid("collectionId is required")
	}
	raw, err := c.adapter.Call(ctx, "/api/data/store", netadapter.POST, map[string]any{
		"userPrivateKey": c.privateKey,
		"collectionId":   collectionID,
		"data":           payload,
	})
	if err != nil {
		return "", err
	}
	var resp struct {
		DataID string `json:"dataId"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", brokererr.Upstream("malformed store response: %v", err)
	}
	return resp.DataID, nil
}

func (c *onlineClient) List(ctx context.Context) ([]DocumentRecord, error) {
	q := url.Values{"userKey": {c.privateKey}}
	raw, err := c.adapter.Call(ctx, "/api/data/list?"+q.Encode(), netadapter.GET, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data []DocumentRecord `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, brokererr.Upstream("malformed list response: %v", err)
	}
	return resp.Data, nil
}

func (c *onlineClient) Read(ctx context.Context, documentID, collectionID string) (DocumentRecord, error) {
	if collectionID == "" {
		return DocumentRecord{}, brokererr.Invalid("collectionId is required")
	}
	q := url.Values{"userKey": {c.privateKey}, "collection": {collectionID}}
	raw, err := c.adapter.Call(ctx, fmt.Sprintf("/api/data/%s?%s", documentID, q.Encode()), netadapter.GET, nil)
	if err != nil {
		return DocumentRecord{}, err
	}
	var rec DocumentRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return DocumentRecord{}, brokererr.Upstream("malformed read response: %v", err)
	}
	return rec, nil
}

func (c *onlineClient) Delete(ctx context.Context, documentID, collectionID string) error {
	if collectionID == "" {
		return brokererr.Invalid("collectionId is required")
	}
	q := url.Values{"userKey": {c.privateKey}, "collection": {collectionID}}
	_, err := c.adapter.Call(ctx, fmt.Sprintf("/api/data/%s?%s", documentID, q.Encode()), netadapter.DELETE, nil)
	return err
}

func (c *onlineClient) Grant(ctx context.Context, documentID, collectionID, granteeID string, perms []ledger.Permission) (string, error) {
	if collectionID == "" {
		return "", brokererr.Invalid("collectionId is required")
	}
	if len(perms) == 0 {
		return "", brokererr.Invalid("permissions must be a non-empty subset of {read,write,execute}")
	}
	raw, err := c.adapter.Call(ctx, "/api/permissions/grant", netadapter.POST, map[string]any{
		"userPrivateKey": c.privateKey,
		"dataId":         documentID,
		"collectionId":   collectionID,
		"appDid":         granteeID,
		"permissions":    perms,
	})
	if err != nil {
		return "", err
	}
	var rec ledger.Grant
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", brokererr.Upstream("malformed grant response: %v", err)
	}
	return rec.GrantID, nil
}

func (c *onlineClient) Revoke(ctx context.Context, documentID, collectionID, granteeID string, grantID *string) error {
	if collectionID == "" {
		return brokererr.Invalid("collectionId is required")
	}
	body := map[string]any{
		"userPrivateKey": c.privateKey,
		"dataId":         documentID,
		"collectionId":   collectionID,
		"appDid":         granteeID,
	}
	if grantID != nil {
		body["grantId"] = *grantID
	}
	_, err := c.adapter.Call(ctx, "/api/permissions/revoke", netadapter.POST, body)
	return err
}

func (c *onlineClient) ListGrants(ctx context.Context) ([]ledger.Grant, error) {
	raw, err := c.adapter.Call(ctx, "/api/permissions/list", netadapter.POST, map[string]any{"userPrivateKey": c.privateKey})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Grants []ledger.Grant `json:"grants"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, brokererr.Upstream("malformed grant list response: %v", err)
	}
	return resp.Grants, nil
}
