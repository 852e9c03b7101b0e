package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// BboltMetadataStore persists StreamMetadata (C2) in a single bbolt file,
// keyed by stream path. It is the default metadata backend for FileStore;
// LMDBMetadataStore is the alternative selected by -metadata-backend=lmdb.
type BboltMetadataStore struct {
	db     *bbolt.DB
	mu     sync.RWMutex
	path   string
	closed bool
}

// bboltMetadata is the on-disk JSON form of StreamMetadata. Offsets are
// serialized as their string form rather than the struct fields directly,
// so the wire format doesn't change if Offset ever grows new fields.
type bboltMetadata struct {
	Path           string `json:"path"`
	ContentType    string `json:"content_type"`
	CurrentOffset  string `json:"current_offset"`
	EarliestOffset string `json:"earliest_offset"`
	LastSeq        string `json:"last_seq"`
	RetentionBytes *int64 `json:"retention_bytes,omitempty"`
	TTLSeconds     *int64 `json:"ttl_seconds,omitempty"`
	ExpiresAt      *int64 `json:"expires_at,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	Closed         bool   `json:"closed,omitempty"`

	Producers map[string]*bboltProducerState `json:"producers,omitempty"`
}

type bboltProducerState struct {
	Epoch                int64  `json:"epoch"`
	LastSeq              int64  `json:"last_seq"`
	LastSuccessfulOffset string `json:"last_successful_offset"`
	LastUpdated          int64  `json:"last_updated"`
}

var metadataBucket = []byte("metadata")

// NewBboltMetadataStore opens (creating if needed) a bbolt database under
// dataDir.
func NewBboltMetadataStore(dataDir string) (*BboltMetadataStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "metadata.db")
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metadataBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create metadata bucket: %w", err)
	}

	return &BboltMetadataStore{db: db, path: dataDir}, nil
}

func toBboltMetadata(meta *StreamMetadata) bboltMetadata {
	bm := bboltMetadata{
		Path:           meta.Path,
		ContentType:    meta.ContentType,
		CurrentOffset:  meta.CurrentOffset.String(),
		EarliestOffset: meta.EarliestOffset.String(),
		LastSeq:        meta.LastSeq,
		RetentionBytes: meta.RetentionBytes,
		TTLSeconds:     meta.TTLSeconds,
		CreatedAt:      meta.CreatedAt.Unix(),
		Closed:         meta.Closed,
	}
	if meta.ExpiresAt != nil {
		ts := meta.ExpiresAt.Unix()
		bm.ExpiresAt = &ts
	}
	if len(meta.Producers) > 0 {
		bm.Producers = make(map[string]*bboltProducerState, len(meta.Producers))
		for id, state := range meta.Producers {
			bm.Producers[id] = &bboltProducerState{
				Epoch:                state.Epoch,
				LastSeq:              state.LastSeq,
				LastSuccessfulOffset: state.LastSuccessfulOffset.String(),
				LastUpdated:          state.LastUpdated.Unix(),
			}
		}
	}
	return bm
}

func fromBboltMetadata(bm bboltMetadata) (*StreamMetadata, error) {
	current, err := ParseOffset(bm.CurrentOffset)
	if err != nil {
		return nil, fmt.Errorf("parse current offset: %w", err)
	}
	earliest, err := ParseOffset(bm.EarliestOffset)
	if err != nil {
		return nil, fmt.Errorf("parse earliest offset: %w", err)
	}

	meta := &StreamMetadata{
		Path:           bm.Path,
		ContentType:    bm.ContentType,
		CurrentOffset:  current,
		EarliestOffset: earliest,
		LastSeq:        bm.LastSeq,
		RetentionBytes: bm.RetentionBytes,
		TTLSeconds:     bm.TTLSeconds,
		Closed:         bm.Closed,
		CreatedAt:      timeFromUnix(bm.CreatedAt),
	}
	if bm.ExpiresAt != nil {
		t := timeFromUnix(*bm.ExpiresAt)
		meta.ExpiresAt = &t
	}
	if len(bm.Producers) > 0 {
		meta.Producers = make(map[string]*ProducerState, len(bm.Producers))
		for id, state := range bm.Producers {
			lastOffset, err := ParseOffset(state.LastSuccessfulOffset)
			if err != nil {
				return nil, fmt.Errorf("parse producer offset: %w", err)
			}
			meta.Producers[id] = &ProducerState{
				Epoch:                state.Epoch,
				LastSeq:              state.LastSeq,
				LastSuccessfulOffset: lastOffset,
				LastUpdated:          timeFromUnix(state.LastUpdated),
			}
		}
	}
	return meta, nil
}

// Put stores the full metadata record for a stream, overwriting any
// existing record at the same path.
func (s *BboltMetadataStore) Put(meta *StreamMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}

	data, err := json.Marshal(toBboltMetadata(meta))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).Put([]byte(meta.Path), data)
	})
}

// Get retrieves metadata for a stream, or ErrStreamNotFound.
func (s *BboltMetadataStore) Get(path string) (*StreamMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("metadata store is closed")
	}

	var meta *StreamMetadata
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get([]byte(path))
		if data == nil {
			return ErrStreamNotFound
		}
		var bm bboltMetadata
		if err := json.Unmarshal(data, &bm); err != nil {
			return fmt.Errorf("unmarshal metadata: %w", err)
		}
		parsed, err := fromBboltMetadata(bm)
		if err != nil {
			return err
		}
		meta = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// Has reports whether metadata exists for path.
func (s *BboltMetadataStore) Has(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	exists := false
	s.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(metadataBucket).Get([]byte(path)) != nil
		return nil
	})
	return exists
}

// Delete removes a stream's metadata record.
func (s *BboltMetadataStore) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metadataBucket)
		if b.Get([]byte(path)) == nil {
			return ErrStreamNotFound
		}
		return b.Delete([]byte(path))
	})
}

// UpdateAppendState atomically records the result of one append: the new
// tail offset, the last non-producer Stream-Seq seen, the acting
// producer's fencing state (if any), and an optional transition to closed.
func (s *BboltMetadataStore) UpdateAppendState(path string, offset Offset, lastSeq string, producerID string, producerState *ProducerState, closed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metadataBucket)
		data := b.Get([]byte(path))
		if data == nil {
			return ErrStreamNotFound
		}

		var bm bboltMetadata
		if err := json.Unmarshal(data, &bm); err != nil {
			return err
		}

		bm.CurrentOffset = offset.String()
		if lastSeq != "" {
			bm.LastSeq = lastSeq
		}
		if producerID != "" && producerState != nil {
			if bm.Producers == nil {
				bm.Producers = make(map[string]*bboltProducerState)
			}
			bm.Producers[producerID] = &bboltProducerState{
				Epoch:                producerState.Epoch,
				LastSeq:              producerState.LastSeq,
				LastSuccessfulOffset: producerState.LastSuccessfulOffset.String(),
				LastUpdated:          producerState.LastUpdated.Unix(),
			}
		}
		if closed {
			bm.Closed = true
		}

		newData, err := json.Marshal(bm)
		if err != nil {
			return err
		}
		return b.Put([]byte(path), newData)
	})
}

// UpdateEarliestOffset advances a stream's retention horizon, called by the
// retention scheduler (C4) after pruning segment data.
func (s *BboltMetadataStore) UpdateEarliestOffset(path string, earliest Offset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metadataBucket)
		data := b.Get([]byte(path))
		if data == nil {
			return ErrStreamNotFound
		}
		var bm bboltMetadata
		if err := json.Unmarshal(data, &bm); err != nil {
			return err
		}
		bm.EarliestOffset = earliest.String()
		newData, err := json.Marshal(bm)
		if err != nil {
			return err
		}
		return b.Put([]byte(path), newData)
	})
}

// SetClosed marks a stream closed without otherwise changing its state.
func (s *BboltMetadataStore) SetClosed(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metadataBucket)
		data := b.Get([]byte(path))
		if data == nil {
			return ErrStreamNotFound
		}
		var bm bboltMetadata
		if err := json.Unmarshal(data, &bm); err != nil {
			return err
		}
		bm.Closed = true
		newData, err := json.Marshal(bm)
		if err != nil {
			return err
		}
		return b.Put([]byte(path), newData)
	})
}

// List returns every stream path known to the store.
func (s *BboltMetadataStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("metadata store is closed")
	}

	var paths []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).ForEach(func(k, v []byte) error {
			paths = append(paths, string(k))
			return nil
		})
	})
	return paths, err
}

// ForEach visits every stream's metadata, for retention scanning.
func (s *BboltMetadataStore) ForEach(fn func(meta *StreamMetadata) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}

	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).ForEach(func(k, v []byte) error {
			var bm bboltMetadata
			if err := json.Unmarshal(v, &bm); err != nil {
				return err
			}
			meta, err := fromBboltMetadata(bm)
			if err != nil {
				return err
			}
			return fn(meta)
		})
	})
}

// Close closes the underlying bbolt database.
func (s *BboltMetadataStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Sync forces the database file to disk.
func (s *BboltMetadataStore) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}
	return s.db.Sync()
}

// Path returns the data directory this store was opened with.
func (s *BboltMetadataStore) Path() string {
	return s.path
}

func timeFromUnix(ts int64) time.Time {
	return time.Unix(ts, 0)
}
