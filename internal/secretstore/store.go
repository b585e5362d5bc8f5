// Package secretstore implements the broker's two-lifetime key/value
// persistence (spec C2): a persistent namespace suitable only for
// ciphertext, and an ephemeral namespace cleared on process exit.
package secretstore

import (
	"context"
	"sync"
)

// Prefix is reserved for every key this package writes into the persistent
// backend, so a shared Mongo database or directory can host other
// unrelated broker state without collision.
const Prefix = "pdb_"

// Store is the contract spec §4.2 describes: typed get/put over two
// lifetimes.
type Store interface {
	PutPersistent(ctx context.Context, key string, data []byte) error
	GetPersistent(ctx context.Context, key string) ([]byte, bool, error)
	RemovePersistent(ctx context.Context, key string) error
	AllPersistent(ctx context.Context) (map[string][]byte, error)

	PutEphemeral(key string, value []byte)
	GetEphemeral(key string) ([]byte, bool)
	RemoveEphemeral(key string)
}

type store struct {
	backend blobBackend

	ephMu sync.RWMutex
	eph   map[string][]byte
}

// NewFileStore builds a Store whose persistent half is a directory of
// base64-named blob files under dir.
func NewFileStore(dir string) (Store, error) {
	b, err := newFileBlobBackend(dir)
	if err != nil {
		return nil, err
	}
	return newStore(b), nil
}

// NewMongoStore builds a Store whose persistent half is a MongoDB
// collection. Connectivity is verified before this returns.
func NewMongoStore(ctx context.Context, uri, dbName, collName string) (Store, error) {
	b, err := newMongoBlobBackend(ctx, uri, dbName, collName)
	if err != nil {
		return nil, err
	}
	return newStore(b), nil
}

func newStore(b blobBackend) *store {
	return &store{backend: b, eph: make(map[string][]byte)}
}

func (s *store) PutPersistent(ctx context.Context, key string, data []byte) error {
	return s.backend.Put(ctx, Prefix+key, data)
}

func (s *store) GetPersistent(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.backend.Get(ctx, Prefix+key)
	if err == ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *store) RemovePersistent(ctx context.Context, key string) error {
	return s.backend.Delete(ctx, Prefix+key)
}

// AllPersistent returns every key this store owns (prefix stripped) for
// migration/diagnostic tooling, per spec §4.2.
func (s *store) AllPersistent(ctx context.Context) (map[string][]byte, error) {
	all, err := s.backend.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(all))
	for k, v := range all {
		if len(k) >= len(Prefix) && k[:len(Prefix)] == Prefix {
			out[k[len(Prefix):]] = v
		}
	}
	return out, nil
}

func (s *store) PutEphemeral(key string, value []byte) {
	s.ephMu.Lock()
	defer s.ephMu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.eph[key] = cp
}

func (s *store) GetEphemeral(key string) ([]byte, bool) {
	s.ephMu.RLock()
	defer s.ephMu.RUnlock()
	v, ok := s.eph[key]
	if !ok {
		return nil, false
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true
}

func (s *store) RemoveEphemeral(key string) {
	s.ephMu.Lock()
	defer s.ephMu.Unlock()
	if v, ok := s.eph[key]; ok {
		for i := range v {
			v[i] = 0
		}
		delete(s.eph, key)
	}
}
