package storageclient

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/privatedatabroker/pdb/internal/brokererr"
	"github.com/privatedatabroker/pdb/internal/ledger"
)

// fallbackData is the on-disk shape persisted at
// fallback/data/<userDid>.json; grants go to
// fallback/permissions/<userDid>.json as a plain array of ledger.Grant —
// split across two files rather than one, mirroring the two independent
// keys spec §6 lists (pdm_demo_data_<userDid>, pdm_permissions_<userDid>).
type fallbackData struct {
	Documents []DocumentRecord `json:"documents"`
}

// fallbackStore owns the two JSON files backing one userDid's Fallback
// state, guarded by a single mutex — write volume here is low enough
// (interactive broker actions, not a bulk import path) that a coarse lock
// is not a bottleneck.
type fallbackStore struct {
	mu       sync.Mutex
	dataPath string
	permPath string
	data     fallbackData
	grants   *ledger.Ledger
}

func newFallbackStore(dir, userDID string) (*fallbackStore, error) {
	dataDir := filepath.Join(dir, "data")
	permDir := filepath.Join(dir, "permissions")
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(permDir, 0700); err != nil {
		return nil, err
	}

	s := &fallbackStore{
		dataPath: filepath.Join(dataDir, userDID+".json"),
		permPath: filepath.Join(permDir, userDID+".json"),
	}

	data, err := readJSONOrDefault[fallbackData](s.dataPath, fallbackData{})
	if err != nil {
		return nil, err
	}
	s.data = data

	if len(s.data.Documents) == 0 {
		if migrated, ok := s.migrateFromLegacyKey(dataDir); ok {
			s.data = migrated
		}
	}

	var grants []ledger.Grant
	grants, err = readJSONOrDefault[[]ledger.Grant](s.permPath, nil)
	if err != nil {
		return nil, err
	}
	s.grants = ledger.FromGrants(grants)

	return s, nil
}

// migrateFromLegacyKey implements the spec §4.4 "read local list; if
// empty, attempt one-time migration from a sibling user-did key" clause:
// an older process may have written documents under a different
// synthesized did (e.g. the apiKey hash changed format across versions).
// This broker recognizes exactly one sibling name, "legacy", the same
// placeholder name an upgrade script would drop a pre-rename export under.
func (s *fallbackStore) migrateFromLegacyKey(dataDir string) (fallbackData, bool) {
	legacyPath := filepath.Join(dataDir, "legacy.json")
	data, err := readJSONOrDefault[fallbackData](legacyPath, fallbackData{})
	if err != nil || len(data.Documents) == 0 {
		return fallbackData{}, false
	}
	_ = os.Rename(legacyPath, legacyPath+".migrated")
	return data, true
}

func readJSONOrDefault[T any](path string, def T) (T, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return def, err
	}
	return v, nil
}

func (s *fallbackStore) saveData() error {
	b, err := json.Marshal(s.data)
	if err != nil {
		return err
	}
	return os.WriteFile(s.dataPath, b, 0600)
}

func (s *fallbackStore) saveGrants() error {
	b, err := json.MarshalIndent(s.grants.List(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.permPath, b, 0600)
}

// fallbackClient is the local-persistence twin of onlineClient. Once
// constructed it never attempts to reach the remote service again for the
// life of the process, per spec §4.4's one-shot Fallback transition.
type fallbackClient struct {
	userDID string
	store   *fallbackStore
}

func (c *fallbackClient) UserDID() string { return c.userDID }
func (c *fallbackClient) Mode() Mode      { return Fallback }

func (c *fallbackClient) Store(_ context.Context, payload json.RawMessage, collectionID string) (string, error) {
	if collectionID == "" {
		return "", brokererr.Invalid("collectionId is required")
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := DocumentRecord{
		DocumentID:   uuid.New().String(),
		CollectionID: collectionID,
		Owner:        c.userDID,
		Payload:      payload,
		StoredAt:     time.Now(),
	}
	s.data.Documents = append(s.data.Documents, rec)
	if err := s.saveData(); err != nil {
		return "", err
	}
	return rec.DocumentID, nil
}

func (c *fallbackClient) List(_ context.Context) ([]DocumentRecord, error) {
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DocumentRecord, len(s.data.Documents))
	copy(out, s.data.Documents)
	return out, nil
}

func (c *fallbackClient) Read(_ context.Context, documentID, collectionID string) (DocumentRecord, error) {
	if collectionID == "" {
		return DocumentRecord{}, brokererr.Invalid("collectionId is required")
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.data.Documents {
		if rec.DocumentID == documentID && rec.CollectionID == collectionID {
			return rec, nil
		}
	}
	return DocumentRecord{}, brokererr.ErrNotFound
}

func (c *fallbackClient) Delete(_ context.Context, documentID, collectionID string) error {
	if collectionID == "" {
		return brokererr.Invalid("collectionId is required")
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.data.Documents[:0:0]
	found := false
	for _, rec := range s.data.Documents {
		if rec.DocumentID == documentID && rec.CollectionID == collectionID {
			found = true
			continue
		}
		kept = append(kept, rec)
	}
	if !found {
		return brokererr.ErrNotFound
	}
	s.data.Documents = kept
	if err := s.saveData(); err != nil {
		return err
	}

	// spec §3: a grant over a deleted document is tombstoned, so a
	// subsequent list_permissions no longer surfaces it.
	s.grants.TombstoneDocument(documentID)
	return s.saveGrants()
}

func (c *fallbackClient) Grant(_ context.Context, documentID, collectionID, granteeID string, perms []ledger.Permission) (string, error) {
	if collectionID == "" {
		return "", brokererr.Invalid("collectionId is required")
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	grantID, err := s.grants.Grant(documentID, collectionID, granteeID, perms)
	if err != nil {
		return "", err
	}
	if err := s.saveGrants(); err != nil {
		return "", err
	}
	return grantID, nil
}

func (c *fallbackClient) Revoke(_ context.Context, documentID, collectionID, granteeID string, grantID *string) error {
	if collectionID == "" {
		return brokererr.Invalid("collectionId is required")
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.grants.Revoke(documentID, collectionID, granteeID, grantID); err != nil {
		return err
	}
	return s.saveGrants()
}

func (c *fallbackClient) ListGrants(_ context.Context) ([]ledger.Grant, error) {
	return c.store.grants.List(), nil
}
