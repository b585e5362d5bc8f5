// Package bridge implements the broker's injected bridge (spec C9) as a
// typed Go client: one method per capability the in-page shim would have
// exposed to a web application, each minting its own correlation id and
// posting the request envelope to the action router's HTTP endpoint under
// its own 30-second timeout, independent of the caller's context deadline.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/privatedatabroker/pdb/internal/ledger"
	"github.com/privatedatabroker/pdb/internal/router"
)

// requestTimeout mirrors the spec's in-page shim listener timeout (§4.9):
// "installs a one-shot message listener with a 30 s timeout."
const requestTimeout = 30 * time.Second

// Client is the capability surface a web application would see through
// the in-page shim, collapsed into direct Go method calls since there is
// no second JS execution context to relay through in this rewrite.
type Client interface {
	Ping(ctx context.Context, origin string) (map[string]any, error)
	Connect(ctx context.Context, origin string, requestedActions []string) ([]string, error)
	Disconnect(ctx context.Context, origin string) error
	Unlock(ctx context.Context, origin, password string) (*UnlockResult, error)
	VerifyTOTP(ctx context.Context, origin, challengeID, code string) error
	Lock(ctx context.Context, origin string) error
	IsUnlocked(ctx context.Context, origin string) (bool, error)
	GetIdentity(ctx context.Context, origin string) (string, error)
	Store(ctx context.Context, origin string, data json.RawMessage, collectionID string) (string, error)
	Retrieve(ctx context.Context, origin, documentID, collectionID string) (map[string]any, error)
	Delete(ctx context.Context, origin, documentID, collectionID string) error
	GetUserData(ctx context.Context, origin string) ([]any, error)
	Grant(ctx context.Context, origin, documentID, collectionID, granteeID string, permissions []ledger.Permission) (string, error)
	Revoke(ctx context.Context, origin, documentID, collectionID, granteeID string, grantID *string) error
	List(ctx context.Context, origin string) ([]ledger.Grant, error)
}

// UnlockResult reports whether Unlock completed immediately or parked a
// TOTP challenge that VerifyTOTP must resolve.
type UnlockResult struct {
	Unlocked          bool
	ChallengeRequired bool
	ChallengeID       string
	ExpiresAt         int64
}

// client posts directly to the daemon's action-router endpoint. It carries
// no session state of its own — every method call is a fresh, independent
// round trip, matching the spec's stateless message-passing contract.
type client struct {
	httpClient *http.Client
	endpoint   string // e.g. http://127.0.0.1:8787/api/action
	senderURL  string // this process's declared URL, spec §4.8 step 2
	token      string // bearer JWT minted at pairing time
}

// New returns a Client that talks to the action router exposed at
// endpoint. senderURL and token are attached to every outgoing envelope so
// the router's sender-validation step recognizes this as the
// host-controlled UI surface.
func New(endpoint, senderURL, token string) Client {
	return &client{
		httpClient: &http.Client{Timeout: requestTimeout},
		endpoint:   endpoint,
		senderURL:  senderURL,
		token:      token,
	}
}

func (c *client) do(ctx context.Context, origin string, action router.ActionKind, payload any) (router.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return router.Response{}, fmt.Errorf("bridge: encode payload: %w", err)
		}
		raw = b
	}

	req := router.Request{
		CorrelationID: uuid.New().String(),
		Action:        action,
		Payload:       raw,
		Origin:        origin,
		SenderURL:     c.senderURL,
		Token:         c.token,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return router.Response{}, fmt.Errorf("bridge: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return router.Response{}, fmt.Errorf("bridge: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			// PDM request timeout is the literal message the in-page API's
			// timeout path uses (spec §7), so callers can tell a transport
			// timeout apart from an application-level error string.
			return router.Response{}, errors.New("PDM request timeout")
		}
		return router.Response{}, fmt.Errorf("bridge: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return router.Response{}, fmt.Errorf("bridge: read response: %w", err)
	}

	var resp router.Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return router.Response{}, fmt.Errorf("bridge: decode response: %w", err)
	}
	if resp.CorrelationID != req.CorrelationID {
		return router.Response{}, errors.New("bridge: correlation id mismatch")
	}
	return resp, nil
}

func (c *client) call(ctx context.Context, origin string, action router.ActionKind, payload any) (map[string]any, error) {
	resp, err := c.do(ctx, origin, action, payload)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	data, _ := resp.Data.(map[string]any)
	return data, nil
}

func (c *client) Ping(ctx context.Context, origin string) (map[string]any, error) {
	return c.call(ctx, origin, router.ActionPing, nil)
}

func (c *client) Connect(ctx context.Context, origin string, requestedActions []string) ([]string, error) {
	data, err := c.call(ctx, origin, router.ActionConnect, map[string]any{"requestedActions": requestedActions})
	if err != nil {
		return nil, err
	}
	raw, _ := data["allowedActions"].([]any)
	out := make([]string, len(raw))
	for i, a := range raw {
		out[i], _ = a.(string)
	}
	return out, nil
}

func (c *client) Disconnect(ctx context.Context, origin string) error {
	_, err := c.call(ctx, origin, router.ActionDisconnect, nil)
	return err
}

func (c *client) Unlock(ctx context.Context, origin, password string) (*UnlockResult, error) {
	data, err := c.call(ctx, origin, router.ActionUnlock, map[string]any{"password": password})
	if err != nil {
		return nil, err
	}
	res := &UnlockResult{}
	res.Unlocked, _ = data["unlocked"].(bool)
	res.ChallengeRequired, _ = data["challengeRequired"].(bool)
	res.ChallengeID, _ = data["challengeId"].(string)
	if ms, ok := data["expiresAt"].(float64); ok {
		res.ExpiresAt = int64(ms)
	}
	return res, nil
}

func (c *client) VerifyTOTP(ctx context.Context, origin, challengeID, code string) error {
	_, err := c.call(ctx, origin, router.ActionVerifyTOTP, map[string]any{
		"challengeId": challengeID,
		"code":        code,
	})
	return err
}

func (c *client) Lock(ctx context.Context, origin string) error {
	_, err := c.call(ctx, origin, router.ActionLock, nil)
	return err
}

func (c *client) IsUnlocked(ctx context.Context, origin string) (bool, error) {
	data, err := c.call(ctx, origin, router.ActionIsUnlocked, nil)
	if err != nil {
		return false, err
	}
	unlocked, _ := data["unlocked"].(bool)
	return unlocked, nil
}

func (c *client) GetIdentity(ctx context.Context, origin string) (string, error) {
	data, err := c.call(ctx, origin, router.ActionGetIdentity, nil)
	if err != nil {
		return "", err
	}
	did, _ := data["userDid"].(string)
	return did, nil
}

func (c *client) Store(ctx context.Context, origin string, data json.RawMessage, collectionID string) (string, error) {
	resp, err := c.call(ctx, origin, router.ActionStoreData, map[string]any{
		"data":     data,
		"metadata": map[string]any{"collectionId": collectionID},
	})
	if err != nil {
		return "", err
	}
	id, _ := resp["documentId"].(string)
	return id, nil
}

func (c *client) Retrieve(ctx context.Context, origin, documentID, collectionID string) (map[string]any, error) {
	return c.call(ctx, origin, router.ActionRetrieveData, map[string]any{
		"documentId":   documentID,
		"collectionId": collectionID,
	})
}

func (c *client) Delete(ctx context.Context, origin, documentID, collectionID string) error {
	_, err := c.call(ctx, origin, router.ActionDeleteData, map[string]any{
		"documentId":   documentID,
		"collectionId": collectionID,
	})
	return err
}

func (c *client) GetUserData(ctx context.Context, origin string) ([]any, error) {
	data, err := c.call(ctx, origin, router.ActionGetUserData, nil)
	if err != nil {
		return nil, err
	}
	records, _ := data["data"].([]any)
	return records, nil
}

func (c *client) Grant(ctx context.Context, origin, documentID, collectionID, granteeID string, permissions []ledger.Permission) (string, error) {
	data, err := c.call(ctx, origin, router.ActionGrantPermission, map[string]any{
		"dataId":       documentID,
		"collectionId": collectionID,
		"appDid":       granteeID,
		"permissions":  permissions,
	})
	if err != nil {
		return "", err
	}
	grantID, _ := data["grantId"].(string)
	return grantID, nil
}

func (c *client) Revoke(ctx context.Context, origin, documentID, collectionID, granteeID string, grantID *string) error {
	_, err := c.call(ctx, origin, router.ActionRevokePermission, map[string]any{
		"dataId":       documentID,
		"collectionId": collectionID,
		"appDid":       granteeID,
		"permissionId": grantID,
	})
	return err
}

func (c *client) List(ctx context.Context, origin string) ([]ledger.Grant, error) {
	resp, err := c.do(ctx, origin, router.ActionListPermissions, nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	data, _ := resp.Data.(map[string]any)
	raw, err := json.Marshal(data["grants"])
	if err != nil {
		return nil, fmt.Errorf("bridge: re-encode grants: %w", err)
	}
	var grants []ledger.Grant
	if err := json.Unmarshal(raw, &grants); err != nil {
		return nil, fmt.Errorf("bridge: decode grants: %w", err)
	}
	return grants, nil
}
