package secretstore

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
)

type fileBlobBackend struct{ dir string }

func newFileBlobBackend(dir string) (*fileBlobBackend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &fileBlobBackend{dir: dir}, nil
}

// keyToFilename base64s the key so arbitrary prefixed broker keys (which may
// contain characters like ':' or '/') never collide with path separators.
func (f *fileBlobBackend) keyToFilename(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key)) + ".blob"
}

func (f *fileBlobBackend) Put(_ context.Context, key string, data []byte) error {
	return os.WriteFile(filepath.Join(f.dir, f.keyToFilename(key)), data, 0600)
}

func (f *fileBlobBackend) Get(_ context.Context, key string) ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(f.dir, f.keyToFilename(key)))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return b, err
}

func (f *fileBlobBackend) Delete(_ context.Context, key string) error {
	err := os.Remove(filepath.Join(f.dir, f.keyToFilename(key)))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *fileBlobBackend) All(_ context.Context) (map[string][]byte, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		const suffix = ".blob"
		if filepath.Ext(name) != suffix {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(name[:len(name)-len(suffix)])
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.dir, name))
		if err != nil {
			continue
		}
		out[string(raw)] = data
	}
	return out, nil
}
