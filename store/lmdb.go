package store

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/PowerDNS/lmdb-go/lmdb"
)

// LMDBMetadataStore is the alternative metadata backend (C2), selectable
// via -metadata-backend=lmdb, for deployments that prefer LMDB's
// multi-reader-single-writer model over bbolt's single-file B+tree. It
// exposes the same surface as BboltMetadataStore and shares its
// lmdbMetadata-to-StreamMetadata conversion shape.
type LMDBMetadataStore struct {
	env    *lmdb.Env
	dbi    lmdb.DBI
	mu     sync.RWMutex
	path   string
	closed bool
}

type lmdbMetadata struct {
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

	Producers map[string]*lmdbProducerState `json:"producers,omitempty"`
}

type lmdbProducerState struct {
	Epoch                int64  `json:"epoch"`
	LastSeq              int64  `json:"last_seq"`
	LastSuccessfulOffset string `json:"last_successful_offset"`
	LastUpdated          int64  `json:"last_updated"`
}

// NewLMDBMetadataStore opens (creating if needed) an LMDB environment
// under dataDir with a single named database for stream metadata.
func NewLMDBMetadataStore(dataDir string) (*LMDBMetadataStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("create LMDB environment: %w", err)
	}
	if err := env.SetMapSize(1 << 30); err != nil {
		env.Close()
		return nil, fmt.Errorf("set map size: %w", err)
	}
	if err := env.SetMaxDBs(1); err != nil {
		env.Close()
		return nil, fmt.Errorf("set max dbs: %w", err)
	}
	if err := env.Open(dataDir, 0, 0755); err != nil {
		env.Close()
		return nil, fmt.Errorf("open LMDB environment: %w", err)
	}

	var dbi lmdb.DBI
	err = env.Update(func(txn *lmdb.Txn) error {
		var err error
		dbi, err = txn.OpenDBI("metadata", lmdb.Create)
		return err
	})
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("open metadata database: %w", err)
	}

	return &LMDBMetadataStore{env: env, dbi: dbi, path: dataDir}, nil
}

func toLmdbMetadata(meta *StreamMetadata) lmdbMetadata {
	lm := lmdbMetadata{
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
		lm.ExpiresAt = &ts
	}
	if len(meta.Producers) > 0 {
		lm.Producers = make(map[string]*lmdbProducerState, len(meta.Producers))
		for id, state := range meta.Producers {
			lm.Producers[id] = &lmdbProducerState{
				Epoch:                state.Epoch,
				LastSeq:              state.LastSeq,
				LastSuccessfulOffset: state.LastSuccessfulOffset.String(),
				LastUpdated:          state.LastUpdated.Unix(),
			}
		}
	}
	return lm
}

func fromLmdbMetadata(lm lmdbMetadata) (*StreamMetadata, error) {
	current, err := ParseOffset(lm.CurrentOffset)
	if err != nil {
		return nil, fmt.Errorf("parse current offset: %w", err)
	}
	earliest, err := ParseOffset(lm.EarliestOffset)
	if err != nil {
		return nil, fmt.Errorf("parse earliest offset: %w", err)
	}

	meta := &StreamMetadata{
		Path:           lm.Path,
		ContentType:    lm.ContentType,
		CurrentOffset:  current,
		EarliestOffset: earliest,
		LastSeq:        lm.LastSeq,
		RetentionBytes: lm.RetentionBytes,
		TTLSeconds:     lm.TTLSeconds,
		Closed:         lm.Closed,
		CreatedAt:      timeFromUnix(lm.CreatedAt),
	}
	if lm.ExpiresAt != nil {
		t := timeFromUnix(*lm.ExpiresAt)
		meta.ExpiresAt = &t
	}
	if len(lm.Producers) > 0 {
		meta.Producers = make(map[string]*ProducerState, len(lm.Producers))
		for id, state := range lm.Producers {
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

// Put stores the full metadata record for a stream.
func (s *LMDBMetadataStore) Put(meta *StreamMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}

	data, err := json.Marshal(toLmdbMetadata(meta))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	return s.env.Update(func(txn *lmdb.Txn) error {
		return txn.Put(s.dbi, []byte(meta.Path), data, 0)
	})
}

// Get retrieves metadata for a stream, or ErrStreamNotFound.
func (s *LMDBMetadataStore) Get(path string) (*StreamMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("metadata store is closed")
	}

	var meta *StreamMetadata
	err := s.env.View(func(txn *lmdb.Txn) error {
		data, err := txn.Get(s.dbi, []byte(path))
		if lmdb.IsNotFound(err) {
			return ErrStreamNotFound
		}
		if err != nil {
			return err
		}

		var lm lmdbMetadata
		if err := json.Unmarshal(data, &lm); err != nil {
			return fmt.Errorf("unmarshal metadata: %w", err)
		}
		parsed, err := fromLmdbMetadata(lm)
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
func (s *LMDBMetadataStore) Has(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}

	exists := false
	s.env.View(func(txn *lmdb.Txn) error {
		_, err := txn.Get(s.dbi, []byte(path))
		exists = err == nil
		return nil
	})
	return exists
}

// Delete removes a stream's metadata record.
func (s *LMDBMetadataStore) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	return s.env.Update(func(txn *lmdb.Txn) error {
		err := txn.Del(s.dbi, []byte(path), nil)
		if lmdb.IsNotFound(err) {
			return ErrStreamNotFound
		}
		return err
	})
}

// UpdateAppendState atomically records the result of one append.
func (s *LMDBMetadataStore) UpdateAppendState(path string, offset Offset, lastSeq string, producerID string, producerState *ProducerState, closed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	return s.env.Update(func(txn *lmdb.Txn) error {
		data, err := txn.Get(s.dbi, []byte(path))
		if lmdb.IsNotFound(err) {
			return ErrStreamNotFound
		}
		if err != nil {
			return err
		}

		var lm lmdbMetadata
		if err := json.Unmarshal(data, &lm); err != nil {
			return err
		}

		lm.CurrentOffset = offset.String()
		if lastSeq != "" {
			lm.LastSeq = lastSeq
		}
		if producerID != "" && producerState != nil {
			if lm.Producers == nil {
				lm.Producers = make(map[string]*lmdbProducerState)
			}
			lm.Producers[producerID] = &lmdbProducerState{
				Epoch:                producerState.Epoch,
				LastSeq:              producerState.LastSeq,
				LastSuccessfulOffset: producerState.LastSuccessfulOffset.String(),
				LastUpdated:          producerState.LastUpdated.Unix(),
			}
		}
		if closed {
			lm.Closed = true
		}

		newData, err := json.Marshal(lm)
		if err != nil {
			return err
		}
		return txn.Put(s.dbi, []byte(path), newData, 0)
	})
}

// UpdateEarliestOffset advances a stream's retention horizon.
func (s *LMDBMetadataStore) UpdateEarliestOffset(path string, earliest Offset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	return s.env.Update(func(txn *lmdb.Txn) error {
		data, err := txn.Get(s.dbi, []byte(path))
		if lmdb.IsNotFound(err) {
			return ErrStreamNotFound
		}
		if err != nil {
			return err
		}
		var lm lmdbMetadata
		if err := json.Unmarshal(data, &lm); err != nil {
			return err
		}
		lm.EarliestOffset = earliest.String()
		newData, err := json.Marshal(lm)
		if err != nil {
			return err
		}
		return txn.Put(s.dbi, []byte(path), newData, 0)
	})
}

// SetClosed marks a stream closed.
func (s *LMDBMetadataStore) SetClosed(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	return s.env.Update(func(txn *lmdb.Txn) error {
		data, err := txn.Get(s.dbi, []byte(path))
		if lmdb.IsNotFound(err) {
			return ErrStreamNotFound
		}
		if err != nil {
			return err
		}
		var lm lmdbMetadata
		if err := json.Unmarshal(data, &lm); err != nil {
			return err
		}
		lm.Closed = true
		newData, err := json.Marshal(lm)
		if err != nil {
			return err
		}
		return txn.Put(s.dbi, []byte(path), newData, 0)
	})
}

// List returns every stream path known to the store.
func (s *LMDBMetadataStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("metadata store is closed")
	}

	var paths []string
	err := s.env.View(func(txn *lmdb.Txn) error {
		cursor, err := txn.OpenCursor(s.dbi)
		if err != nil {
			return err
		}
		defer cursor.Close()

		for {
			key, _, err := cursor.Get(nil, nil, lmdb.Next)
			if lmdb.IsNotFound(err) {
				break
			}
			if err != nil {
				return err
			}
			paths = append(paths, string(key))
		}
		return nil
	})
	return paths, err
}

// ForEach visits every stream's metadata, for retention scanning.
func (s *LMDBMetadataStore) ForEach(fn func(meta *StreamMetadata) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}

	return s.env.View(func(txn *lmdb.Txn) error {
		cursor, err := txn.OpenCursor(s.dbi)
		if err != nil {
			return err
		}
		defer cursor.Close()

		for {
			_, data, err := cursor.Get(nil, nil, lmdb.Next)
			if lmdb.IsNotFound(err) {
				break
			}
			if err != nil {
				return err
			}

			var lm lmdbMetadata
			if err := json.Unmarshal(data, &lm); err != nil {
				return err
			}
			meta, err := fromLmdbMetadata(lm)
			if err != nil {
				return err
			}
			if err := fn(meta); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the LMDB environment.
func (s *LMDBMetadataStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.env.Close()
}

// Sync forces the environment to disk.
func (s *LMDBMetadataStore) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}
	return s.env.Sync(true)
}

// Path returns the data directory this store was opened with.
func (s *LMDBMetadataStore) Path() string {
	return s.path
}
