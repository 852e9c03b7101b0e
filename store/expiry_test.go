package store

import (
	"os"
	"testing"
	"time"
)

func TestStreamMetadata_IsExpired_ExpiresAt(t *testing.T) {
	pastTime := time.Now().Add(-1 * time.Hour)
	meta := &StreamMetadata{
		Path:      "/test",
		ExpiresAt: &pastTime,
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}
	if !meta.IsExpired() {
		t.Error("stream with past ExpiresAt should be expired")
	}

	futureTime := time.Now().Add(1 * time.Hour)
	meta.ExpiresAt = &futureTime
	if meta.IsExpired() {
		t.Error("stream with future ExpiresAt should not be expired")
	}
}

func TestStreamMetadata_IsExpired_TTL(t *testing.T) {
	ttl := int64(1)
	meta := &StreamMetadata{
		Path:       "/test",
		TTLSeconds: &ttl,
		CreatedAt:  time.Now().Add(-2 * time.Second),
	}
	if !meta.IsExpired() {
		t.Error("stream with expired TTL should be expired")
	}

	meta.CreatedAt = time.Now()
	if meta.IsExpired() {
		t.Error("stream with non-expired TTL should not be expired")
	}
}

func TestStreamMetadata_IsExpired_NoExpiry(t *testing.T) {
	meta := &StreamMetadata{
		Path:      "/test",
		CreatedAt: time.Now().Add(-24 * time.Hour),
	}
	if meta.IsExpired() {
		t.Error("stream without expiry settings should never expire")
	}
}

func TestMemoryStore_ExpiryOnGet(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()

	ttl := int64(1)
	_, _, err := store.Create("/expiring", CreateOptions{
		ContentType: "text/plain",
		TTLSeconds:  &ttl,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := store.Get("/expiring"); err != nil {
		t.Fatalf("Get failed immediately after create: %v", err)
	}

	time.Sleep(1100 * time.Millisecond)

	if _, err := store.Get("/expiring"); err != ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound after expiry, got %v", err)
	}
}

func TestMemoryStore_ExpiryOnAppend(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()

	ttl := int64(1)
	store.Create("/expiring", CreateOptions{
		ContentType: "text/plain",
		TTLSeconds:  &ttl,
	})

	_, err := store.Append("/expiring", []byte("data"), AppendOptions{})
	if err != nil {
		t.Fatalf("Append failed before expiry: %v", err)
	}

	time.Sleep(1100 * time.Millisecond)

	_, err = store.Append("/expiring", []byte("more data"), AppendOptions{})
	if err != ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound on append after expiry, got %v", err)
	}
}

func TestMemoryStore_ExpiryOnRead(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()

	ttl := int64(1)
	store.Create("/expiring", CreateOptions{
		ContentType: "text/plain",
		TTLSeconds:  &ttl,
	})
	store.Append("/expiring", []byte("data"), AppendOptions{})

	_, _, err := store.Read("/expiring", ZeroOffset)
	if err != nil {
		t.Fatalf("Read failed before expiry: %v", err)
	}

	time.Sleep(1100 * time.Millisecond)

	_, _, err = store.Read("/expiring", ZeroOffset)
	if err != ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound on read after expiry, got %v", err)
	}
}

func TestMemoryStore_ExpiresAtExpiry(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()

	expiresAt := time.Now().Add(1 * time.Second)
	_, _, err := store.Create("/expiring", CreateOptions{
		ContentType: "text/plain",
		ExpiresAt:   &expiresAt,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := store.Get("/expiring"); err != nil {
		t.Error("stream should exist before expiry")
	}

	time.Sleep(1100 * time.Millisecond)

	if _, err := store.Get("/expiring"); err != ErrStreamNotFound {
		t.Error("stream should not exist after expiry")
	}
}

func TestFileStore_ExpiryOnGet(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "filestore-expiry-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	store, err := NewFileStore(FileStoreConfig{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	ttl := int64(1)
	_, _, err = store.Create("/expiring", CreateOptions{
		ContentType: "text/plain",
		TTLSeconds:  &ttl,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := store.Get("/expiring"); err != nil {
		t.Fatalf("Get failed immediately: %v", err)
	}

	time.Sleep(1100 * time.Millisecond)

	if _, err := store.Get("/expiring"); err != ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound after expiry, got %v", err)
	}
}

func TestFileStore_ExpiryOnAppend(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "filestore-expiry-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	store, err := NewFileStore(FileStoreConfig{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	ttl := int64(1)
	store.Create("/expiring", CreateOptions{
		ContentType: "text/plain",
		TTLSeconds:  &ttl,
	})

	_, err = store.Append("/expiring", []byte("data"), AppendOptions{})
	if err != nil {
		t.Fatalf("Append failed before expiry: %v", err)
	}

	time.Sleep(1100 * time.Millisecond)

	_, err = store.Append("/expiring", []byte("more"), AppendOptions{})
	if err != ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound on append after expiry, got %v", err)
	}
}

func TestFileStore_ExpiryOnRead(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "filestore-expiry-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	store, err := NewFileStore(FileStoreConfig{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	ttl := int64(1)
	store.Create("/expiring", CreateOptions{
		ContentType: "text/plain",
		TTLSeconds:  &ttl,
	})
	store.Append("/expiring", []byte("data"), AppendOptions{})

	_, _, err = store.Read("/expiring", ZeroOffset)
	if err != nil {
		t.Fatalf("Read failed before expiry: %v", err)
	}

	time.Sleep(1100 * time.Millisecond)

	_, _, err = store.Read("/expiring", ZeroOffset)
	if err != ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound on read after expiry, got %v", err)
	}
}

// Background reclamation of expired streams (the retention scheduler, not
// lazy per-request expiry) is exercised in the retention package, not here.
func TestFileStore_PermanentStreamSurvivesReopenBesideTTLStream(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "filestore-expiry-reopen-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	fs, err := NewFileStore(FileStoreConfig{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ttl := int64(1)
	fs.Create("/expiring", CreateOptions{ContentType: "text/plain", TTLSeconds: &ttl})
	fs.Append("/expiring", []byte("data"), AppendOptions{})
	fs.Create("/permanent", CreateOptions{ContentType: "text/plain"})
	fs.Append("/permanent", []byte("data"), AppendOptions{})

	if err := fs.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewFileStore(FileStoreConfig{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.Get("/permanent"); err != nil {
		t.Errorf("expected permanent stream to survive reopen, got %v", err)
	}
}
