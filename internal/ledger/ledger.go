// Package ledger implements the broker's capability-grant bookkeeping
// (spec C6): append-and-tombstone semantics over (document, collection,
// grantee, permission-set) tuples.
package ledger

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/privatedatabroker/pdb/internal/brokererr"
)

// Permission is one of the three capabilities a grant can carry.
type Permission string

const (
	Read    Permission = "read"
	Write   Permission = "write"
	Execute Permission = "execute"
)

// Grant is the spec §3 Capability Grant tuple. JSON tags let the Fallback
// storage client persist a ledger verbatim under fallback/permissions/<did>.
type Grant struct {
	GrantID      string       `json:"grantId"`
	DocumentID   string       `json:"documentId"`
	CollectionID string       `json:"collectionId"`
	GranteeID    string       `json:"granteeId"`
	Permissions  []Permission `json:"permissions"`
	GrantedAt    time.Time    `json:"grantedAt"`
}

// Ledger is an insertion-ordered, mutex-guarded list of grants. It is the
// authoritative store when the storage client is in Fallback mode; in
// Online mode the storage client keeps no Ledger and grants live on the
// remote service.
type Ledger struct {
	mu     sync.Mutex
	grants []Grant
}

func New() *Ledger {
	return &Ledger{}
}

// FromGrants rebuilds a Ledger from a previously persisted, insertion-order
// slice of grants (the Fallback storage client's on-disk representation).
func FromGrants(grants []Grant) *Ledger {
	return &Ledger{grants: append([]Grant(nil), grants...)}
}

// Grant appends a fresh grant and returns its minted id. perms must be a
// non-empty subset of {read, write, execute}; duplicates of an existing
// (docId, collectionId, granteeId) tuple are explicitly permitted (spec
// §3: the tuple is not unique).
func (l *Ledger) Grant(docID, collectionID, granteeID string, perms []Permission) (string, error) {
	if len(perms) == 0 {
		return "", brokererr.Invalid("permissions must be a non-empty subset of {read,write,execute}")
	}
	for _, p := range perms {
		if p != Read && p != Write && p != Execute {
			return "", brokererr.Invalid("unknown permission %q", p)
		}
	}

	g := Grant{
		GrantID:      uuid.New().String(),
		DocumentID:   docID,
		CollectionID: collectionID,
		GranteeID:    granteeID,
		Permissions:  append([]Permission(nil), perms...),
		GrantedAt:    time.Now(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.grants = append(l.grants, g)
	return g.GrantID, nil
}

// Revoke removes by grantID when supplied (removing exactly one matching
// entry), otherwise removes every grant matching the (docID, collectionID,
// granteeID) tuple.
func (l *Ledger) Revoke(docID, collectionID, granteeID string, grantID *string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if grantID != nil {
		for i, g := range l.grants {
			if g.GrantID == *grantID {
				l.grants = append(l.grants[:i], l.grants[i+1:]...)
				return nil
			}
		}
		return brokererr.New(brokererr.NotFound, "no grant with that id")
	}

	kept := l.grants[:0:0]
	removed := 0
	for _, g := range l.grants {
		if g.DocumentID == docID && g.CollectionID == collectionID && g.GranteeID == granteeID {
			removed++
			continue
		}
		kept = append(kept, g)
	}
	l.grants = kept
	if removed == 0 {
		return brokererr.New(brokererr.NotFound, "no grant matched that document/collection/grantee")
	}
	return nil
}

// List returns every grant in insertion order.
func (l *Ledger) List() []Grant {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Grant, len(l.grants))
	copy(out, l.grants)
	return out
}

// TombstoneDocument removes every grant referencing documentID, called
// when the storage client deletes the underlying document (spec §3:
// "a grant over a deleted document is tombstoned").
func (l *Ledger) TombstoneDocument(documentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.grants[:0:0]
	for _, g := range l.grants {
		if g.DocumentID != documentID {
			kept = append(kept, g)
		}
	}
	l.grants = kept
}
