// Package blob defines the media blob store collaborator: uploaded
// attachments live here until the eviction job reclaims them.
package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store is the blob collaborator the delivery and eviction paths talk to.
// Remove must be idempotent: removing an absent blob is not an error, so an
// interrupted eviction pass can safely re-run.
type Store interface {
	Upload(ctx context.Context, path string, data []byte) (url string, err error)
	Remove(ctx context.Context, path string) error
}

// DirStore stores blobs as files under a root directory, the way transferred
// media lands under the app data dir.
type DirStore struct {
	root string
}

// NewDirStore creates root if needed and returns a directory-backed store.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create blob directory %q: %w", root, err)
	}
	return &DirStore{root: root}, nil
}

// resolve maps a blob path to its on-disk location. Relative paths are
// rooted under the store; absolute paths (the locations Upload returns) are
// accepted only when already under the root. Escapes are rejected before
// cleaning so a ".." segment can never slip through.
func (d *DirStore) resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		if !d.under(path) {
			return "", fmt.Errorf("blob path %q escapes the store root", path)
		}
		return filepath.Clean(path), nil
	}

	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("blob path %q escapes the store root", path)
	}
	return filepath.Join(d.root, clean), nil
}

func (d *DirStore) under(path string) bool {
	rel, err := filepath.Rel(d.root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Upload writes data under the root and returns the stored location.
func (d *DirStore) Upload(ctx context.Context, path string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	full, err := d.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return "", fmt.Errorf("create blob subdirectory: %w", err)
	}
	if err := os.WriteFile(full, data, 0o600); err != nil {
		return "", fmt.Errorf("write blob %q: %w", path, err)
	}
	return full, nil
}

// Remove deletes a stored blob. A missing blob is a no-op.
func (d *DirStore) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	full, err := d.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("remove blob %q: %w", path, err)
	}
	return nil
}

// MemoryStore keeps blobs in a map for tests.
type MemoryStore struct {
	mu    sync.Mutex
	blobs map[string][]byte

	// FailPaths lists paths whose Remove fails once, simulating a transient
	// blob-store outage for one item.
	FailPaths map[string]bool
}

// NewMemoryStore returns an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Upload stores data under path and returns path unchanged.
func (m *MemoryStore) Upload(ctx context.Context, path string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.blobs[path] = buf
	return path, nil
}

// Remove deletes a stored blob; removing an absent path is a no-op.
func (m *MemoryStore) Remove(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPaths[path] {
		delete(m.FailPaths, path)
		return fmt.Errorf("remove blob %q: transient failure", path)
	}
	delete(m.blobs, path)
	return nil
}

// Has reports whether a blob is currently stored.
func (m *MemoryStore) Has(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[path]
	return ok
}

// Len returns the number of stored blobs.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}
