package router

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/privatedatabroker/pdb/internal/auditlog"
	"github.com/privatedatabroker/pdb/internal/auth"
	"github.com/privatedatabroker/pdb/internal/brokererr"
	"github.com/privatedatabroker/pdb/internal/netadapter"
	"github.com/privatedatabroker/pdb/internal/originpolicy"
	"github.com/privatedatabroker/pdb/internal/secretstore"
	"github.com/privatedatabroker/pdb/internal/session"
	"github.com/privatedatabroker/pdb/internal/totp"
)

type offlineAdapter struct{}

func (offlineAdapter) Call(context.Context, string, netadapter.Method, any) (json.RawMessage, error) {
	return nil, errors.New("no network in tests")
}
func (offlineAdapter) Close() error { return nil }

func newTestRouter(t *testing.T) (*Router, string) {
	t.Helper()
	store, err := secretstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	sess := session.New(store, offlineAdapter{}, t.TempDir())
	if err := sess.Configure(context.Background(), []byte("demo123"), session.CredentialBlob{APIKey: "K"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signer := auth.NewJWTSigner(priv, "pdb", time.Hour)
	token, _, err := signer.IssueToken("owner", []auth.Role{auth.RoleOwner})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	rt := New(sess, originpolicy.New(), signer, auditlog.New())
	return rt, token
}

func baseRequest(token string, action ActionKind, payload any) Request {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return Request{
		CorrelationID: "corr-1",
		Action:        action,
		Payload:       raw,
		Origin:        "https://app.example",
		SenderURL:     "https://ui.local/index.html",
		Token:         token,
	}
}

func TestDispatchRejectsMissingCorrelationID(t *testing.T) {
	rt, token := newTestRouter(t)
	req := baseRequest(token, ActionPing, nil)
	req.CorrelationID = ""
	resp := rt.Dispatch(context.Background(), req)
	if resp.Error == "" {
		t.Fatal("expected InvalidArgument error for missing correlationId")
	}
}

func TestDispatchRejectsMissingSenderURL(t *testing.T) {
	rt, token := newTestRouter(t)
	req := baseRequest(token, ActionPing, nil)
	req.SenderURL = ""
	resp := rt.Dispatch(context.Background(), req)
	if resp.Error == "" {
		t.Fatal("expected InvalidArgument error for missing sender url")
	}
}

func TestDispatchRejectsMissingToken(t *testing.T) {
	rt, _ := newTestRouter(t)
	req := baseRequest("", ActionPing, nil)
	resp := rt.Dispatch(context.Background(), req)
	if resp.Error == "" {
		t.Fatal("expected a sender-validation error")
	}
}

func TestPingSucceedsWithoutConnectOrUnlock(t *testing.T) {
	rt, token := newTestRouter(t)
	resp := rt.Dispatch(context.Background(), baseRequest(token, ActionPing, nil))
	if resp.Error != "" {
		t.Fatalf("ping failed: %s", resp.Error)
	}
	data, ok := resp.Data.(map[string]any)
	if !ok || data["status"] != "pong" {
		t.Fatalf("unexpected ping response: %+v", resp.Data)
	}
}

func TestStoreDataLockedWithoutUnlock(t *testing.T) {
	rt, token := newTestRouter(t)
	req := baseRequest(token, ActionStoreData, map[string]any{
		"data":     map[string]any{"title": "T"},
		"metadata": map[string]any{"collectionId": "col1"},
	})
	resp := rt.Dispatch(context.Background(), req)
	if !strings.Contains(resp.Error, string(brokererr.Locked)) {
		t.Fatalf("expected Locked error, got %q", resp.Error)
	}
}

func TestUnlockThenStoreThenRetrieve(t *testing.T) {
	rt, token := newTestRouter(t)
	ctx := context.Background()

	unlockResp := rt.Dispatch(ctx, baseRequest(token, ActionUnlock, map[string]any{"password": "demo123"}))
	if unlockResp.Error != "" {
		t.Fatalf("unlock failed: %s", unlockResp.Error)
	}

	storeResp := rt.Dispatch(ctx, baseRequest(token, ActionStoreData, map[string]any{
		"data":     map[string]any{"title": "T", "content": "C"},
		"metadata": map[string]any{"collectionId": "col1"},
	}))
	if storeResp.Error != "" {
		t.Fatalf("store_data failed: %s", storeResp.Error)
	}
	docID, _ := storeResp.Data.(map[string]any)["documentId"].(string)
	if docID == "" {
		t.Fatal("expected a documentId in store_data response")
	}

	retrieveResp := rt.Dispatch(ctx, baseRequest(token, ActionRetrieveData, map[string]any{
		"documentId":   docID,
		"collectionId": "col1",
	}))
	if retrieveResp.Error != "" {
		t.Fatalf("retrieve_data failed: %s", retrieveResp.Error)
	}
}

func TestGrantListRevokeListRoundTrip(t *testing.T) {
	rt, token := newTestRouter(t)
	ctx := context.Background()
	_ = rt.Dispatch(ctx, baseRequest(token, ActionUnlock, map[string]any{"password": "demo123"}))

	grantResp := rt.Dispatch(ctx, baseRequest(token, ActionGrantPermission, map[string]any{
		"dataId":       "doc1",
		"collectionId": "col1",
		"appDid":       "did:nil:app",
		"permissions":  []string{"read", "write"},
	}))
	if grantResp.Error != "" {
		t.Fatalf("grant_permission failed: %s", grantResp.Error)
	}
	grantID, _ := grantResp.Data.(map[string]any)["grantId"].(string)
	if grantID == "" {
		t.Fatal("expected a grantId in grant_permission response")
	}

	listResp := rt.Dispatch(ctx, baseRequest(token, ActionListPermissions, nil))
	if listResp.Error != "" {
		t.Fatalf("list_permissions failed: %s", listResp.Error)
	}

	revokeResp := rt.Dispatch(ctx, baseRequest(token, ActionRevokePermission, map[string]any{
		"dataId":       "doc1",
		"collectionId": "col1",
		"appDid":       "did:nil:app",
		"permissionId": grantID,
	}))
	if revokeResp.Error != "" {
		t.Fatalf("revoke_permission failed: %s", revokeResp.Error)
	}
}

func TestOriginNotConnectedIsNotRestrictedByPolicy(t *testing.T) {
	rt, token := newTestRouter(t)
	ctx := context.Background()
	_ = rt.Dispatch(ctx, baseRequest(token, ActionUnlock, map[string]any{"password": "demo123"}))

	resp := rt.Dispatch(ctx, baseRequest(token, ActionGetUserData, nil))
	if resp.Error != "" {
		t.Fatalf("get_user_data from an origin that never connected failed: %s", resp.Error)
	}
}

func TestConnectThenDisallowedActionIsNotAllowed(t *testing.T) {
	rt, token := newTestRouter(t)
	ctx := context.Background()
	_ = rt.Dispatch(ctx, baseRequest(token, ActionUnlock, map[string]any{"password": "demo123"}))

	connectReq := baseRequest(token, ActionConnect, map[string]any{"requestedActions": []string{"ping"}})
	if resp := rt.Dispatch(ctx, connectReq); resp.Error != "" {
		t.Fatalf("connect failed: %s", resp.Error)
	}

	resp := rt.Dispatch(ctx, baseRequest(token, ActionStoreData, map[string]any{
		"data":     map[string]any{},
		"metadata": map[string]any{"collectionId": "col1"},
	}))
	if !strings.Contains(resp.Error, string(brokererr.NotAllowed)) {
		t.Fatalf("expected NotAllowed, got %q", resp.Error)
	}
}

func TestUnlockWithTOTPEnrolledRequiresVerifyTOTP(t *testing.T) {
	store, err := secretstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	sess := session.New(store, offlineAdapter{}, t.TempDir())
	secret, err := totp.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	if err := sess.Configure(context.Background(), []byte("demo123"), session.CredentialBlob{APIKey: "K", TOTPSecret: secret}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	signer := auth.NewJWTSigner(priv, "pdb", time.Hour)
	token, _, err := signer.IssueToken("owner", []auth.Role{auth.RoleOwner})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	rt := New(sess, originpolicy.New(), signer, auditlog.New())
	ctx := context.Background()

	unlockResp := rt.Dispatch(ctx, baseRequest(token, ActionUnlock, map[string]any{"password": "demo123"}))
	if unlockResp.Error != "" {
		t.Fatalf("unlock failed: %s", unlockResp.Error)
	}
	data, _ := unlockResp.Data.(map[string]any)
	if data["challengeRequired"] != true {
		t.Fatalf("expected challengeRequired=true, got %+v", data)
	}
	challengeID, _ := data["challengeId"].(string)
	if challengeID == "" {
		t.Fatal("expected a non-empty challengeId")
	}

	// The session stays locked until verify_totp succeeds.
	locked := rt.Dispatch(ctx, baseRequest(token, ActionStoreData, map[string]any{
		"data":     map[string]any{},
		"metadata": map[string]any{"collectionId": "col1"},
	}))
	if !strings.Contains(locked.Error, string(brokererr.Locked)) {
		t.Fatalf("expected Locked before verify_totp, got %q", locked.Error)
	}

	code, err := totp.GenerateCode(secret, time.Now().UTC())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	verifyResp := rt.Dispatch(ctx, baseRequest(token, ActionVerifyTOTP, map[string]any{
		"challengeId": challengeID,
		"code":        code,
	}))
	if verifyResp.Error != "" {
		t.Fatalf("verify_totp failed: %s", verifyResp.Error)
	}

	isUnlocked := rt.Dispatch(ctx, baseRequest(token, ActionIsUnlocked, nil))
	if data, _ := isUnlocked.Data.(map[string]any); data["unlocked"] != true {
		t.Fatalf("expected unlocked after verify_totp, got %+v", isUnlocked.Data)
	}
}

func TestSecondPingPastConnectedRateLimitIsRateLimited(t *testing.T) {
	rt, token := newTestRouter(t)
	ctx := context.Background()
	_ = rt.Dispatch(ctx, baseRequest(token, ActionUnlock, map[string]any{"password": "demo123"}))

	connectReq := baseRequest(token, ActionConnect, map[string]any{
		"requestedActions": []string{"ping"},
		"rateLimit":        map[string]any{"maxRequests": 1, "windowMs": 60000},
	})
	_ = rt.Dispatch(ctx, connectReq)

	first := rt.Dispatch(ctx, baseRequest(token, ActionPing, nil))
	if first.Error != "" {
		t.Fatalf("first ping failed: %s", first.Error)
	}
	second := rt.Dispatch(ctx, baseRequest(token, ActionPing, nil))
	if !strings.Contains(second.Error, string(brokererr.RateLimited)) {
		t.Fatalf("expected RateLimited on second ping, got %q", second.Error)
	}
}
