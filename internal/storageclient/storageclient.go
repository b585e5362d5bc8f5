// Package storageclient implements the broker's typed document and grant
// operations against the remote storage service (spec C4), transitioning
// permanently to a local-persistence Fallback mode on any initialization
// failure or on the first request that fails with UpstreamFailure. Other
// request errors (Timeout, AdapterUnavailable, InvalidArgument) are
// returned without a transition.
package storageclient

import (
	"context"
	"encoding/json"
	"time"

	"github.com/privatedatabroker/pdb/internal/ledger"
)

// Mode reports which implementation is actually backing a Client.
// resilientClient keeps one as a flag and branches on it to pick its
// online or fallback client; the switch happens once, under its mutex.
type Mode string

const (
	Online   Mode = "online"
	Fallback Mode = "fallback"
)

// DocumentRecord is the spec §3 Document Record tuple.
type DocumentRecord struct {
	DocumentID   string          `json:"documentId"`
	CollectionID string          `json:"collectionId"`
	Owner        string          `json:"owner"`
	Payload      json.RawMessage `json:"payload"`
	StoredAt     time.Time       `json:"storedAt"`
}

// Client is the uniform contract spec §4.4 describes. Init returns either a
// fallbackClient or a resilientClient, which fronts an onlineClient and
// switches to a fallbackClient on UpstreamFailure. Callers never see which.
type Client interface {
	UserDID() string
	Mode() Mode

	Store(ctx context.Context, payload json.RawMessage, collectionID string) (documentID string, err error)
	List(ctx context.Context) ([]DocumentRecord, error)
	Read(ctx context.Context, documentID, collectionID string) (DocumentRecord, error)
	Delete(ctx context.Context, documentID, collectionID string) error

	Grant(ctx context.Context, documentID, collectionID, granteeID string, perms []ledger.Permission) (grantID string, err error)
	Revoke(ctx context.Context, documentID, collectionID, granteeID string, grantID *string) error
	ListGrants(ctx context.Context) ([]ledger.Grant, error)
}
