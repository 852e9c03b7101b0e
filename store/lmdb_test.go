package store

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLMDBMetadataStore_CreateAndGet(t *testing.T) {
	store, err := NewLMDBMetadataStore(filepath.Join(t.TempDir(), "metadata"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	now := time.Now()
	ttl := int64(3600)
	meta := &StreamMetadata{
		Path:          "/test/stream",
		ContentType:   "application/json",
		CurrentOffset: Offset{ReadSeq: 0, ByteOffset: 100},
		LastSeq:       "seq123",
		TTLSeconds:    &ttl,
		CreatedAt:     now,
	}

	if err := store.Put(meta); err != nil {
		t.Fatalf("failed to put metadata: %v", err)
	}

	gotMeta, err := store.Get("/test/stream")
	if err != nil {
		t.Fatalf("failed to get metadata: %v", err)
	}
	if gotMeta.Path != meta.Path {
		t.Errorf("path mismatch: got %q, want %q", gotMeta.Path, meta.Path)
	}
	if !gotMeta.CurrentOffset.Equal(meta.CurrentOffset) {
		t.Errorf("offset mismatch: got %v, want %v", gotMeta.CurrentOffset, meta.CurrentOffset)
	}
	if gotMeta.TTLSeconds == nil || *gotMeta.TTLSeconds != ttl {
		t.Errorf("TTL mismatch: got %v, want %d", gotMeta.TTLSeconds, ttl)
	}
}

func TestLMDBMetadataStore_Has(t *testing.T) {
	store, err := NewLMDBMetadataStore(filepath.Join(t.TempDir(), "metadata"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	if store.Has("/nonexistent") {
		t.Error("Has returned true for nonexistent stream")
	}

	meta := &StreamMetadata{Path: "/test/stream", ContentType: "text/plain", CreatedAt: time.Now()}
	if err := store.Put(meta); err != nil {
		t.Fatalf("failed to put: %v", err)
	}
	if !store.Has("/test/stream") {
		t.Error("Has returned false for existing stream")
	}
}

func TestLMDBMetadataStore_Delete(t *testing.T) {
	store, err := NewLMDBMetadataStore(filepath.Join(t.TempDir(), "metadata"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	meta := &StreamMetadata{Path: "/test/stream", ContentType: "text/plain", CreatedAt: time.Now()}
	if err := store.Put(meta); err != nil {
		t.Fatalf("failed to put: %v", err)
	}
	if err := store.Delete("/test/stream"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if store.Has("/test/stream") {
		t.Error("stream still exists after delete")
	}
	if err := store.Delete("/nonexistent"); err != ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestLMDBMetadataStore_UpdateAppendState(t *testing.T) {
	store, err := NewLMDBMetadataStore(filepath.Join(t.TempDir(), "metadata"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	meta := &StreamMetadata{Path: "/test/stream", ContentType: "text/plain", CreatedAt: time.Now()}
	if err := store.Put(meta); err != nil {
		t.Fatalf("failed to put: %v", err)
	}

	newOffset := Offset{ReadSeq: 0, ByteOffset: 500}
	producerState := &ProducerState{Epoch: 1, LastSeq: 4, LastSuccessfulOffset: newOffset, LastUpdated: time.Now()}
	if err := store.UpdateAppendState("/test/stream", newOffset, "newseq", "producer-a", producerState, true); err != nil {
		t.Fatalf("failed to update append state: %v", err)
	}

	gotMeta, err := store.Get("/test/stream")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if !gotMeta.CurrentOffset.Equal(newOffset) {
		t.Errorf("offset not updated: got %v, want %v", gotMeta.CurrentOffset, newOffset)
	}
	if gotMeta.LastSeq != "newseq" {
		t.Errorf("lastSeq not updated: got %q", gotMeta.LastSeq)
	}
	if !gotMeta.Closed {
		t.Error("expected stream to be marked closed")
	}
	got := gotMeta.Producers["producer-a"]
	if got == nil || got.Epoch != 1 || got.LastSeq != 4 {
		t.Errorf("producer state not persisted correctly: %+v", got)
	}

	if err := store.UpdateAppendState("/nonexistent", newOffset, "", "", nil, false); err != ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestLMDBMetadataStore_UpdateEarliestOffsetAndSetClosed(t *testing.T) {
	store, err := NewLMDBMetadataStore(filepath.Join(t.TempDir(), "metadata"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	meta := &StreamMetadata{Path: "/test/stream", ContentType: "text/plain", CurrentOffset: Offset{ByteOffset: 1000}, CreatedAt: time.Now()}
	if err := store.Put(meta); err != nil {
		t.Fatalf("failed to put: %v", err)
	}

	horizon := Offset{ByteOffset: 400}
	if err := store.UpdateEarliestOffset("/test/stream", horizon); err != nil {
		t.Fatalf("failed to update earliest offset: %v", err)
	}
	if err := store.SetClosed("/test/stream"); err != nil {
		t.Fatalf("failed to set closed: %v", err)
	}

	gotMeta, err := store.Get("/test/stream")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if !gotMeta.EarliestOffset.Equal(horizon) {
		t.Errorf("earliest offset not updated: got %v, want %v", gotMeta.EarliestOffset, horizon)
	}
	if !gotMeta.Closed {
		t.Error("expected stream to be closed")
	}
}

func TestLMDBMetadataStore_List(t *testing.T) {
	store, err := NewLMDBMetadataStore(filepath.Join(t.TempDir(), "metadata"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	for _, path := range []string{"/stream/a", "/stream/b", "/stream/c"} {
		meta := &StreamMetadata{Path: path, ContentType: "text/plain", CreatedAt: time.Now()}
		if err := store.Put(meta); err != nil {
			t.Fatalf("failed to put %s: %v", path, err)
		}
	}

	paths, err := store.List()
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(paths) != 3 {
		t.Errorf("expected 3 paths, got %d", len(paths))
	}
}

func TestLMDBMetadataStore_ForEach(t *testing.T) {
	store, err := NewLMDBMetadataStore(filepath.Join(t.TempDir(), "metadata"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	for i, path := range []string{"/stream/a", "/stream/b"} {
		meta := &StreamMetadata{
			Path:          path,
			ContentType:   "application/json",
			CurrentOffset: Offset{ReadSeq: 0, ByteOffset: uint64(i * 100)},
			CreatedAt:     time.Now(),
		}
		if err := store.Put(meta); err != nil {
			t.Fatalf("failed to put %s: %v", path, err)
		}
	}

	count := 0
	err = store.ForEach(func(meta *StreamMetadata) error {
		count++
		if meta.ContentType != "application/json" {
			t.Errorf("wrong content type: %q", meta.ContentType)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 iterations, got %d", count)
	}
}

func TestLMDBMetadataStore_Persistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "metadata")

	store, err := NewLMDBMetadataStore(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	meta := &StreamMetadata{Path: "/persistent", ContentType: "text/plain", CurrentOffset: Offset{ReadSeq: 1, ByteOffset: 999}, CreatedAt: time.Now()}
	if err := store.Put(meta); err != nil {
		t.Fatalf("failed to put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	reopened, err := NewLMDBMetadataStore(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	gotMeta, err := reopened.Get("/persistent")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if gotMeta.CurrentOffset.ByteOffset != 999 {
		t.Errorf("offset not persisted: %v", gotMeta.CurrentOffset)
	}
}

func TestLMDBMetadataStore_GetNotFound(t *testing.T) {
	store, err := NewLMDBMetadataStore(filepath.Join(t.TempDir(), "metadata"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	_, err = store.Get("/nonexistent")
	if err != ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound, got %v", err)
	}
}
