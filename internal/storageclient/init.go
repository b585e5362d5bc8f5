package storageclient

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/privatedatabroker/pdb/internal/cryptoprim"
	"github.com/privatedatabroker/pdb/internal/netadapter"
	"github.com/privatedatabroker/pdb/internal/secretstore"
)

// DIDMethod is the method segment of every identity this broker mints or
// is handed, per spec §3 ("did:<method>:<hex>").
const DIDMethod = "nil"

const (
	keyUserDID  = "pdm_user_did"
	keyDemoMode = "pdm_demo_mode"
)

// Identity is what Init persists once a Client has committed to Fallback
// mode, so a later process starts Fallback directly with the same userDid
// rather than re-probing the remote service and minting a fresh one
// (spec §4.4 steps 2–3, §6 pdm_user_did/pdm_demo_mode).
type Identity struct {
	UserDID  string `json:"userDid"`
	Fallback bool   `json:"fallback"`
}

// Init probes the remote service for a did derived from privateKey, unless
// store already has a persisted Fallback identity from an earlier
// transition, in which case it goes straight to Fallback with that same
// userDid. On a successful probe it returns a Client that starts Online but
// commits to Fallback at the first operation that fails with an
// UpstreamFailure, per spec §4.4/§7 and scenario 6. On a failed probe it
// commits immediately, synthesizing userDid from a hash of apiKey.
func Init(ctx context.Context, adapter netadapter.Adapter, store secretstore.Store, apiKey, privateKey, fallbackDir string) (Client, error) {
	if id, ok, err := loadIdentity(ctx, store); err != nil {
		return nil, err
	} else if ok && id.Fallback {
		fbStore, err := newFallbackStore(fallbackDir, id.UserDID)
		if err != nil {
			return nil, err
		}
		return &fallbackClient{userDID: id.UserDID, store: fbStore}, nil
	}

	did, err := queryRemoteDID(ctx, adapter, privateKey)
	if err == nil {
		return &resilientClient{
			mode:        Online,
			online:      &onlineClient{adapter: adapter, userDID: did, privateKey: privateKey},
			store:       store,
			apiKey:      apiKey,
			fallbackDir: fallbackDir,
		}, nil
	}

	fb, ferr := commitFallback(ctx, store, apiKey, fallbackDir)
	if ferr != nil {
		return nil, ferr
	}
	return fb, nil
}

func queryRemoteDID(ctx context.Context, adapter netadapter.Adapter, privateKey string) (string, error) {
	raw, err := adapter.Call(ctx, "/api/user/did", netadapter.POST, map[string]string{"userPrivateKey": privateKey})
	if err != nil {
		return "", err
	}
	var resp struct {
		DID string `json:"did"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.DID == "" {
		return "", fmt.Errorf("storageclient: remote returned empty did")
	}
	return resp.DID, nil
}

// synthesizeDID derives a stable placeholder identity from apiKey so
// Fallback mode is deterministic across restarts without needing the
// remote service at all.
func synthesizeDID(apiKey string) string {
	digest := cryptoprim.Hash([]byte(apiKey))
	return fmt.Sprintf("did:%s:%s", DIDMethod, hex.EncodeToString(digest[:]))
}

// commitFallback builds the fallbackClient for apiKey/fallbackDir and
// persists the identity that commitment fixes for every later process, per
// spec §4.4 step 3 and scenario 6 ("the process-level Fallback flag is now
// persisted"). Persistence failure is non-fatal to the current process: it
// still runs in Fallback, a later process just re-probes from scratch.
func commitFallback(ctx context.Context, store secretstore.Store, apiKey, fallbackDir string) (*fallbackClient, error) {
	synthesized := synthesizeDID(apiKey)
	fbStore, err := newFallbackStore(fallbackDir, synthesized)
	if err != nil {
		return nil, err
	}
	_ = persistIdentity(ctx, store, Identity{UserDID: synthesized, Fallback: true})
	return &fallbackClient{userDID: synthesized, store: fbStore}, nil
}

func loadIdentity(ctx context.Context, store secretstore.Store) (Identity, bool, error) {
	didBytes, ok, err := store.GetPersistent(ctx, keyUserDID)
	if err != nil {
		return Identity{}, false, err
	}
	if !ok {
		return Identity{}, false, nil
	}
	modeBytes, _, err := store.GetPersistent(ctx, keyDemoMode)
	if err != nil {
		return Identity{}, false, err
	}
	return Identity{UserDID: string(didBytes), Fallback: len(modeBytes) == 1 && modeBytes[0] == '1'}, true, nil
}

func persistIdentity(ctx context.Context, store secretstore.Store, id Identity) error {
	if err := store.PutPersistent(ctx, keyUserDID, []byte(id.UserDID)); err != nil {
		return err
	}
	flag := []byte("0")
	if id.Fallback {
		flag = []byte("1")
	}
	return store.PutPersistent(ctx, keyDemoMode, flag)
}
