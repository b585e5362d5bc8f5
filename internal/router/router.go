// Package router implements the broker's action router (spec C8): the
// single entry point for every externally initiated action. It validates
// the request's shape and sender, admits it against the caller's origin
// policy, gates on session lock state, dispatches to the storage client or
// permission ledger, and returns a uniform response envelope.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/privatedatabroker/pdb/internal/auditlog"
	"github.com/privatedatabroker/pdb/internal/auth"
	"github.com/privatedatabroker/pdb/internal/brokererr"
	"github.com/privatedatabroker/pdb/internal/ledger"
	"github.com/privatedatabroker/pdb/internal/originpolicy"
	"github.com/privatedatabroker/pdb/internal/session"
	"github.com/privatedatabroker/pdb/internal/storageclient"
)

// Version is reported by the ping action.
const Version = "0.1.0"

// ActionKind is the closed set of actions the router knows how to dispatch.
// A Request carrying any other value fails structural validation.
type ActionKind string

const (
	ActionPing             ActionKind = "ping"
	ActionConnect          ActionKind = "connect"
	ActionDisconnect       ActionKind = "disconnect"
	ActionUnlock           ActionKind = "unlock"
	ActionLock             ActionKind = "lock"
	ActionIsUnlocked       ActionKind = "is_unlocked"
	ActionGetIdentity      ActionKind = "get_identity"
	ActionStoreData        ActionKind = "store_data"
	ActionRetrieveData     ActionKind = "retrieve_data"
	ActionDeleteData       ActionKind = "delete_data"
	ActionGetUserData      ActionKind = "get_user_data"
	ActionGrantPermission  ActionKind = "grant_permission"
	ActionRevokePermission ActionKind = "revoke_permission"
	ActionListPermissions  ActionKind = "list_permissions"
	ActionVerifyTOTP       ActionKind = "verify_totp"
)

// gateExempt are the actions spec §4.8 step 4 exempts from the lock gate.
// verify_totp is exempt for the same reason unlock is: the session is still
// locked while its challenge is outstanding.
var gateExempt = map[ActionKind]bool{
	ActionUnlock:     true,
	ActionLock:       true,
	ActionIsUnlocked: true,
	ActionVerifyTOTP: true,
}

// admissionGated are the actions subject to origin-policy admission
// (spec §4.8 step 3). connect/disconnect/unlock/lock/is_unlocked are
// control-plane actions scoped to the broker itself, not to a connected
// origin's granted capability surface, so they bypass admission —
// otherwise a brand-new origin could never successfully call connect in
// the first place, since admission requires a record connect itself
// creates. Admission restricts connected origins only: an origin with no
// policy record (one that never called connect) is not held to an
// allowlist or a rate limit.
var admissionGated = map[ActionKind]bool{
	ActionPing:             true,
	ActionGetIdentity:      true,
	ActionStoreData:        true,
	ActionRetrieveData:     true,
	ActionDeleteData:       true,
	ActionGetUserData:      true,
	ActionGrantPermission:  true,
	ActionRevokePermission: true,
	ActionListPermissions:  true,
}

// Request is the tagged request variant spec §9 DESIGN FLAG #2 calls for:
// one envelope, a typed action tag, and an opaque payload decoded only by
// the handler registered for that tag.
type Request struct {
	CorrelationID string          `json:"correlationId"`
	Action        ActionKind      `json:"action"`
	Payload       json.RawMessage `json:"payload"`
	Origin        string          `json:"origin"`

	// SenderURL is the declared URL of the calling surface (spec §4.8 step
	// 2, "reject requests that do not declare a URL"). Token is the bearer
	// JWT proving the caller is the host-controlled local UI, minted at
	// daemon pairing time.
	SenderURL string `json:"senderUrl"`
	Token     string `json:"token"`
}

// Response is the spec §4.8 step 7 uniform envelope.
type Response struct {
	CorrelationID string `json:"correlationId"`
	Data          any    `json:"data,omitempty"`
	Error         string `json:"error,omitempty"`
	Ts            int64  `json:"ts"`
}

type handlerFunc func(ctx context.Context, rt *Router, req Request) (any, error)

var dispatchTable = map[ActionKind]handlerFunc{
	ActionPing:             handlePing,
	ActionConnect:          handleConnect,
	ActionDisconnect:       handleDisconnect,
	ActionUnlock:           handleUnlock,
	ActionLock:             handleLock,
	ActionIsUnlocked:       handleIsUnlocked,
	ActionGetIdentity:      handleGetIdentity,
	ActionStoreData:        handleStoreData,
	ActionRetrieveData:     handleRetrieveData,
	ActionDeleteData:       handleDeleteData,
	ActionGetUserData:      handleGetUserData,
	ActionGrantPermission:  handleGrantPermission,
	ActionRevokePermission: handleRevokePermission,
	ActionListPermissions:  handleListPermissions,
	ActionVerifyTOTP:       handleVerifyTOTP,
}

// Router owns no long-lived state of its own (spec §3: "the action router
// holds no long-lived state and reads all of the above") — it is a pure
// pipeline over the components passed to New.
type Router struct {
	Session *session.Manager
	Origins *originpolicy.Policy
	Signer  *auth.JWTSigner
	Audit   *auditlog.Log
}

func New(sess *session.Manager, origins *originpolicy.Policy, signer *auth.JWTSigner, audit *auditlog.Log) *Router {
	return &Router{Session: sess, Origins: origins, Signer: signer, Audit: audit}
}

// Dispatch runs one request through the full seven-step pipeline and
// always returns a Response — it is total by construction, never a bare
// Go error, so the HTTP transport never needs to guess at a status code
// beyond "200 with an error field."
func (rt *Router) Dispatch(ctx context.Context, req Request) Response {
	envelope := func(data any, err error) Response {
		resp := Response{CorrelationID: req.CorrelationID, Ts: time.Now().UnixMilli()}
		if err != nil {
			resp.Error = err.Error()
			if rt.Audit != nil {
				rt.Audit.Append(fmt.Sprintf("%s denied: %s", req.Action, resp.Error))
			}
			return resp
		}
		resp.Data = data
		if rt.Audit != nil {
			rt.Audit.Append(fmt.Sprintf("%s ok", req.Action))
		}
		return resp
	}

	// Step 1: structural validation.
	if req.CorrelationID == "" || req.Action == "" || req.Origin == "" {
		return envelope(nil, brokererr.Invalid("correlationId, action, and origin are required"))
	}
	handler, known := dispatchTable[req.Action]
	if !known {
		return envelope(nil, brokererr.Invalid("unknown action %q", req.Action))
	}

	// Step 2: sender validation.
	if req.SenderURL == "" {
		return envelope(nil, brokererr.Invalid("sender url is required"))
	}
	if err := rt.validateSender(req.Token); err != nil {
		return envelope(nil, err)
	}

	// Step 3: admission. RejectBlocked (no record for this origin) falls
	// through: an unconnected origin is not restricted by origin policy.
	if admissionGated[req.Action] {
		switch rt.Origins.Admit(req.Origin, string(req.Action)) {
		case originpolicy.RejectRateLimited:
			return envelope(nil, brokererr.ErrRateLimited)
		case originpolicy.RejectNotAllowed:
			return envelope(nil, brokererr.ErrNotAllowed)
		}
	}

	// Step 4: lock gate.
	if !gateExempt[req.Action] {
		if !rt.Session.IsUnlocked() {
			return envelope(nil, brokererr.ErrLocked)
		}
		if rt.Session.CheckExpiry(ctx) {
			return envelope(nil, brokererr.ErrSessionExpired)
		}
	}

	// Step 5: activity bump (skipped above for RateLimited by the early
	// return; every other path reaches here and touches the session).
	rt.Session.Touch(ctx)

	// Step 6: dispatch.
	data, err := handler(ctx, rt, req)

	// Step 7: response envelope.
	return envelope(data, err)
}

// validateSender implements spec §4.8 step 2: "requests from the
// host-controlled UI surface are accepted; requests from other internal
// surfaces are rejected." The host UI is the only caller that holds a
// bearer token minted at pairing time — anything else is rejected.
func (rt *Router) validateSender(token string) error {
	if rt.Signer == nil {
		return nil
	}
	if token == "" {
		return brokererr.ErrNotAllowed
	}
	if _, err := rt.Signer.ParseAndValidate(token); err != nil {
		return brokererr.ErrNotAllowed
	}
	return nil
}

// --- handlers -------------------------------------------------------------

func handlePing(_ context.Context, _ *Router, _ Request) (any, error) {
	return map[string]any{
		"status":  "pong",
		"ts":      time.Now().UnixMilli(),
		"version": Version,
	}, nil
}

type rateLimitPayload struct {
	MaxRequests int   `json:"maxRequests"`
	WindowMs    int64 `json:"windowMs"`
}

type connectPayload struct {
	RequestedActions []string          `json:"requestedActions"`
	RateLimit        *rateLimitPayload `json:"rateLimit"`
}

func handleConnect(_ context.Context, rt *Router, req Request) (any, error) {
	var p connectPayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, brokererr.Invalid("malformed connect payload: %v", err)
		}
	}
	var rl *originpolicy.RateLimit
	if p.RateLimit != nil {
		rl = &originpolicy.RateLimit{
			MaxRequests: p.RateLimit.MaxRequests,
			Window:      time.Duration(p.RateLimit.WindowMs) * time.Millisecond,
		}
	}
	rec := rt.Origins.Connect(req.Origin, p.RequestedActions, rl)
	return map[string]any{"allowedActions": setToSlice(rec.AllowedActions)}, nil
}

func handleDisconnect(_ context.Context, rt *Router, req Request) (any, error) {
	rt.Origins.Disconnect(req.Origin)
	return map[string]any{"ok": true}, nil
}

type unlockPayload struct {
	Password string `json:"password"`
}

func handleUnlock(ctx context.Context, rt *Router, req Request) (any, error) {
	var p unlockPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil || p.Password == "" {
		return nil, brokererr.Invalid("password is required")
	}
	challenge, err := rt.Session.Unlock(ctx, []byte(p.Password))
	if err != nil {
		return nil, err
	}
	if challenge != nil {
		return map[string]any{
			"unlocked":          false,
			"challengeRequired": true,
			"challengeId":       challenge.ChallengeID,
			"expiresAt":         challenge.ExpiresAt.UnixMilli(),
		}, nil
	}
	return map[string]any{"unlocked": true}, nil
}

type verifyTOTPPayload struct {
	ChallengeID string `json:"challengeId"`
	Code        string `json:"code"`
}

func handleVerifyTOTP(ctx context.Context, rt *Router, req Request) (any, error) {
	var p verifyTOTPPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil || p.ChallengeID == "" || p.Code == "" {
		return nil, brokererr.Invalid("challengeId and code are required")
	}
	if err := rt.Session.VerifyTOTP(ctx, p.ChallengeID, p.Code); err != nil {
		return nil, err
	}
	return map[string]any{"unlocked": true}, nil
}

func handleLock(ctx context.Context, rt *Router, _ Request) (any, error) {
	rt.Session.Lock(ctx)
	return map[string]any{"unlocked": false}, nil
}

func handleIsUnlocked(_ context.Context, rt *Router, _ Request) (any, error) {
	return map[string]any{"unlocked": rt.Session.IsUnlocked()}, nil
}

func handleGetIdentity(_ context.Context, rt *Router, _ Request) (any, error) {
	client := rt.Session.StorageClient()
	if client == nil {
		return nil, brokererr.ErrLocked
	}
	return map[string]any{"userDid": client.UserDID()}, nil
}

type storeDataPayload struct {
	Data     json.RawMessage `json:"data"`
	Metadata struct {
		CollectionID string `json:"collectionId"`
	} `json:"metadata"`
}

func handleStoreData(ctx context.Context, rt *Router, req Request) (any, error) {
	client := rt.Session.StorageClient()
	if client == nil {
		return nil, brokererr.ErrLocked
	}
	var p storeDataPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, brokererr.Invalid("malformed store_data payload: %v", err)
	}
	id, err := client.Store(ctx, p.Data, p.Metadata.CollectionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"documentId": id}, nil
}

type documentRefPayload struct {
	DocumentID   string `json:"documentId"`
	CollectionID string `json:"collectionId"`
}

func handleRetrieveData(ctx context.Context, rt *Router, req Request) (any, error) {
	client := rt.Session.StorageClient()
	if client == nil {
		return nil, brokererr.ErrLocked
	}
	var p documentRefPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, brokererr.Invalid("malformed retrieve_data payload: %v", err)
	}
	rec, err := client.Read(ctx, p.DocumentID, p.CollectionID)
	if err != nil {
		return nil, err
	}
	return recordToResponse(rec), nil
}

func handleDeleteData(ctx context.Context, rt *Router, req Request) (any, error) {
	client := rt.Session.StorageClient()
	if client == nil {
		return nil, brokererr.ErrLocked
	}
	var p documentRefPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, brokererr.Invalid("malformed delete_data payload: %v", err)
	}
	if err := client.Delete(ctx, p.DocumentID, p.CollectionID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func handleGetUserData(ctx context.Context, rt *Router, _ Request) (any, error) {
	client := rt.Session.StorageClient()
	if client == nil {
		return nil, brokererr.ErrLocked
	}
	recs, err := client.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(recs))
	for i, r := range recs {
		out[i] = recordToResponse(r)
	}
	return map[string]any{"data": out}, nil
}

type grantPayload struct {
	DataID       string   `json:"dataId"`
	CollectionID string   `json:"collectionId"`
	AppDID       string   `json:"appDid"`
	Permissions  []string `json:"permissions"`
}

func handleGrantPermission(ctx context.Context, rt *Router, req Request) (any, error) {
	client := rt.Session.StorageClient()
	if client == nil {
		return nil, brokererr.ErrLocked
	}
	var p grantPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, brokererr.Invalid("malformed grant_permission payload: %v", err)
	}
	perms := make([]ledger.Permission, len(p.Permissions))
	for i, s := range p.Permissions {
		perms[i] = ledger.Permission(s)
	}
	grantID, err := client.Grant(ctx, p.DataID, p.CollectionID, p.AppDID, perms)
	if err != nil {
		return nil, err
	}
	return map[string]any{"grantId": grantID}, nil
}

type revokePayload struct {
	DataID       string  `json:"dataId"`
	CollectionID string  `json:"collectionId"`
	AppDID       string  `json:"appDid"`
	PermissionID *string `json:"permissionId"`
}

func handleRevokePermission(ctx context.Context, rt *Router, req Request) (any, error) {
	client := rt.Session.StorageClient()
	if client == nil {
		return nil, brokererr.ErrLocked
	}
	var p revokePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return nil, brokererr.Invalid("malformed revoke_permission payload: %v", err)
	}
	if err := client.Revoke(ctx, p.DataID, p.CollectionID, p.AppDID, p.PermissionID); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func handleListPermissions(ctx context.Context, rt *Router, _ Request) (any, error) {
	client := rt.Session.StorageClient()
	if client == nil {
		return nil, brokererr.ErrLocked
	}
	grants, err := client.ListGrants(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"grants": grants}, nil
}

// recordToResponse shapes a storageclient.DocumentRecord for the envelope,
// matching the §8 round-trip law ("payload-equal up to server-added
// timestamp and owner fields").
func recordToResponse(rec storageclient.DocumentRecord) map[string]any {
	return map[string]any{
		"documentId":   rec.DocumentID,
		"collectionId": rec.CollectionID,
		"owner":        rec.Owner,
		"data":         rec.Payload,
		"timestamp":    rec.StoredAt.UnixMilli(),
	}
}

func setToSlice(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for a := range m {
		out = append(out, a)
	}
	return out
}
