package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDirStoreUploadRemove(t *testing.T) {
	ctx := context.Background()
	store, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore failed: %v", err)
	}

	url, err := store.Upload(ctx, "media/photo.jpg", []byte("jpeg-bytes"))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	raw, err := os.ReadFile(url)
	if err != nil {
		t.Fatalf("read uploaded blob: %v", err)
	}
	if string(raw) != "jpeg-bytes" {
		t.Fatalf("unexpected blob content %q", raw)
	}

	if err := store.Remove(ctx, url); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(url); !os.IsNotExist(err) {
		t.Fatalf("blob should be gone, stat returned %v", err)
	}

	// Removing an absent blob is a no-op so eviction passes can re-run.
	if err := store.Remove(ctx, url); err != nil {
		t.Fatalf("second Remove should be a no-op: %v", err)
	}
}

func TestDirStoreRejectsEscapingPaths(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewDirStore(root)
	if err != nil {
		t.Fatalf("NewDirStore failed: %v", err)
	}

	escapes := []string{
		"../escape.jpg",
		"../../escape.jpg",
		"media/../../escape.jpg",
		filepath.Join(root, "..", "escape.jpg"),
		"/etc/escape.jpg",
	}
	for _, path := range escapes {
		if _, err := store.Upload(ctx, path, []byte("x")); err == nil {
			t.Fatalf("Upload(%q) should reject a path escaping the root", path)
		}
		if err := store.Remove(ctx, path); err == nil {
			t.Fatalf("Remove(%q) should reject a path escaping the root", path)
		}
	}

	// A sibling directory sharing the root's name prefix is still outside.
	if err := store.Remove(ctx, root+"-sibling/escape.jpg"); err == nil {
		t.Fatalf("Remove should reject a prefix-sharing sibling path")
	}
}

func TestDirStoreRemoveAcceptsUploadedLocation(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewDirStore(root)
	if err != nil {
		t.Fatalf("NewDirStore failed: %v", err)
	}

	url, err := store.Upload(ctx, "media/photo.jpg", []byte("jpeg"))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if !strings.HasPrefix(url, root) {
		t.Fatalf("expected a location under the root, got %q", url)
	}

	// The absolute location Upload handed back removes the blob, not a
	// nonexistent doubly-rooted path.
	if err := store.Remove(ctx, url); err != nil {
		t.Fatalf("Remove of uploaded location failed: %v", err)
	}
	if _, err := os.Stat(url); !os.IsNotExist(err) {
		t.Fatalf("blob still on disk after Remove, stat returned %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	url, err := store.Upload(ctx, "media/a.jpg", []byte("x"))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if url != "media/a.jpg" || !store.Has(url) {
		t.Fatalf("unexpected upload result %q", url)
	}

	if err := store.Remove(ctx, url); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if store.Has(url) {
		t.Fatalf("blob should be gone")
	}
	if err := store.Remove(ctx, url); err != nil {
		t.Fatalf("second Remove should be a no-op: %v", err)
	}
}
