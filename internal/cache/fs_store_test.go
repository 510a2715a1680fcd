package cache

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/any-hub/any-proxy/internal/pathkey"
)

func TestStorePutAndGet(t *testing.T) {
	store := newTestStore(t)
	key := pathkey.MustNew("central", "/org/acme/lib/1.0/lib-1.0.jar")

	modTime := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	payload := "payload"
	stored, err := store.Put(context.Background(), &Item{
		Key:          key,
		Body:         io.NopCloser(strings.NewReader(payload)),
		ContentType:  "application/java-archive",
		LastModified: modTime,
		RemoteURL:    "https://repo1.maven.org/maven2/org/acme/lib/1.0/lib-1.0.jar",
	})
	if err != nil {
		t.Fatalf("put error: %v", err)
	}
	if stored.Size != int64(len(payload)) || stored.CheckedAt.IsZero() {
		t.Fatalf("unexpected stored descriptor: %+v", stored)
	}

	item, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	defer item.Close()

	body, err := io.ReadAll(item.Body)
	if err != nil {
		t.Fatalf("read cached body error: %v", err)
	}
	if string(body) != payload {
		t.Fatalf("cached payload mismatch: %s", string(body))
	}
	if item.Size != int64(len(payload)) {
		t.Fatalf("size mismatch: %d", item.Size)
	}
	if !item.LastModified.Equal(modTime) {
		t.Fatalf("last modified mismatch: expected %v got %v", modTime, item.LastModified)
	}
	if item.ContentType != "application/java-archive" || item.RemoteURL == "" {
		t.Fatalf("attributes not restored: %+v", item)
	}
}

func TestStoreGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), pathkey.MustNew("central", "/missing"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	ok, err := store.Exists(context.Background(), pathkey.MustNew("central", "/missing"))
	if err != nil || ok {
		t.Fatalf("expected missing entry, got %v %v", ok, err)
	}
}

func TestStoreDelete(t *testing.T) {
	store := newTestStore(t)
	key := pathkey.MustNew("central", "/cache/remove")
	if _, err := store.Put(context.Background(), &Item{Key: key, Body: io.NopCloser(strings.NewReader("data"))}); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if ok, _ := store.Exists(context.Background(), key); !ok {
		t.Fatalf("expected entry to exist after put")
	}
	if err := store.Delete(context.Background(), key); err != nil {
		t.Fatalf("delete error: %v", err)
	}
	if _, err := store.Get(context.Background(), key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := store.Delete(context.Background(), key); err != nil {
		t.Fatalf("deleting a missing entry should succeed: %v", err)
	}
}

func TestStoreIgnoresDirectories(t *testing.T) {
	store := newTestStore(t)
	key := pathkey.MustNew("central", "/org")

	bodyPath, _, err := store.paths(key)
	if err != nil {
		t.Fatalf("path error: %v", err)
	}
	if err := os.MkdirAll(bodyPath, 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}

	if _, err := store.Get(context.Background(), key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for directory, got %v", err)
	}
}

func TestStoreCollectionKeysDoNotCollideWithDirectories(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	dir := pathkey.MustNew("central", "/org/acme/")
	file := pathkey.MustNew("central", "/org/acme/lib.jar")

	if _, err := store.Put(ctx, &Item{Key: dir, Body: io.NopCloser(strings.NewReader("<html/>"))}); err != nil {
		t.Fatalf("put collection: %v", err)
	}
	if _, err := store.Put(ctx, &Item{Key: file, Body: io.NopCloser(strings.NewReader("jar"))}); err != nil {
		t.Fatalf("put file under collection: %v", err)
	}
	item, err := store.Get(ctx, dir)
	if err != nil {
		t.Fatalf("get collection: %v", err)
	}
	item.Close()
}

func TestStoreTouchUpdatesCheckedAt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := pathkey.MustNew("central", "/a.pom")
	old := time.Now().Add(-48 * time.Hour).UTC().Truncate(time.Second)
	if _, err := store.Put(ctx, &Item{Key: key, Body: io.NopCloser(strings.NewReader("pom")), CheckedAt: old}); err != nil {
		t.Fatalf("put error: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	if err := store.Touch(ctx, key, now); err != nil {
		t.Fatalf("touch error: %v", err)
	}
	item, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	defer item.Close()
	if !item.CheckedAt.Equal(now) {
		t.Fatalf("expected checked_at %v, got %v", now, item.CheckedAt)
	}
	if err := store.Touch(ctx, pathkey.MustNew("central", "/nope"), now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("touching a missing entry should report ErrNotFound, got %v", err)
	}
}

func TestStorePutFailureLeavesNoEntry(t *testing.T) {
	store := newTestStore(t)
	key := pathkey.MustNew("central", "/broken.jar")
	_, err := store.Put(context.Background(), &Item{Key: key, Body: io.NopCloser(&failingReader{})})
	if err == nil {
		t.Fatalf("expected put to fail")
	}
	if ok, _ := store.Exists(context.Background(), key); ok {
		t.Fatalf("failed put must not leave a partial entry")
	}
}

type failingReader struct{ sent bool }

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, "partial"), nil
	}
	return 0, io.ErrUnexpectedEOF
}

// newTestStore returns a FileStore backed by a temporary directory.
func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}
