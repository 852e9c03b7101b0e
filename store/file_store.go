package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// metadataBackend is the persistence surface both BboltMetadataStore and
// LMDBMetadataStore implement for FileStore (C2), chosen at startup via
// -metadata-backend.
type metadataBackend interface {
	Put(meta *StreamMetadata) error
	Get(path string) (*StreamMetadata, error)
	Delete(path string) error
	UpdateAppendState(path string, offset Offset, lastSeq string, producerID string, producerState *ProducerState, closed bool) error
	UpdateEarliestOffset(path string, earliest Offset) error
	SetClosed(path string) error
	List() ([]string, error)
	ForEach(fn func(meta *StreamMetadata) error) error
	Close() error
}

// FileStore is the durable, file-backed Store implementation (C1/C2).
// Each stream gets its own directory holding one append-only segment
// file; metadata lives in metaStore. An in-memory cache mirrors metadata
// so reads only take the cache's read lock and never query metaStore,
// with metaStore as the durability boundary.
type FileStore struct {
	dataDir    string
	metaStore  metadataBackend
	writerPool *FilePool
	readerPool *ReaderPool
	waiters    *waiterSet

	metaCache   map[string]*StreamMetadata
	dirCache    map[string]string
	metaCacheMu sync.RWMutex

	producerLocks   map[string]*sync.Mutex
	producerLocksMu sync.Mutex
}

// FileStoreConfig configures a file-backed store.
type FileStoreConfig struct {
	DataDir         string
	MaxFileHandles  int
	MetadataBackend string // "bbolt" (default) or "lmdb"
	MaxWaiters      int    // 0 = unbounded
}

// NewFileStore opens a file store rooted at cfg.DataDir, reconciling any
// metadata left ahead of its segment file by a crash mid-append (§6
// Persisted layout).
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	metaDir := filepath.Join(cfg.DataDir, "metadata")
	var metaStore metadataBackend
	var err error
	switch cfg.MetadataBackend {
	case "lmdb":
		metaStore, err = NewLMDBMetadataStore(metaDir)
	default:
		metaStore, err = NewBboltMetadataStore(metaDir)
	}
	if err != nil {
		return nil, fmt.Errorf("create metadata store: %w", err)
	}

	maxHandles := cfg.MaxFileHandles
	if maxHandles <= 0 {
		maxHandles = 100
	}

	fs := &FileStore{
		dataDir:       cfg.DataDir,
		metaStore:     metaStore,
		writerPool:    NewFilePool(maxHandles),
		readerPool:    NewReaderPool(maxHandles),
		waiters:       newWaiterSet(cfg.MaxWaiters),
		metaCache:     make(map[string]*StreamMetadata),
		dirCache:      make(map[string]string),
		producerLocks: make(map[string]*sync.Mutex),
	}

	if err := fs.loadAndReconcile(); err != nil {
		metaStore.Close()
		return nil, fmt.Errorf("load cache: %w", err)
	}

	return fs, nil
}

func (s *FileStore) loadAndReconcile() error {
	return s.metaStore.ForEach(func(meta *StreamMetadata) error {
		dirName := directoryNameOf(meta.Path)
		segPath := s.segmentPath(dirName)

		if _, err := os.Stat(segPath); os.IsNotExist(err) {
			// Orphaned metadata record with no backing segment: drop it.
			return s.metaStore.Delete(meta.Path)
		}

		trueOffset, err := ScanSegment(segPath)
		if err != nil {
			return fmt.Errorf("scan segment for %s: %w", meta.Path, err)
		}
		if !meta.CurrentOffset.Equal(trueOffset) {
			if err := s.metaStore.UpdateAppendState(meta.Path, trueOffset, "", "", nil, false); err != nil {
				return fmt.Errorf("reconcile offset for %s: %w", meta.Path, err)
			}
			meta.CurrentOffset = trueOffset
		}

		s.metaCache[meta.Path] = meta
		s.dirCache[meta.Path] = dirName
		return nil
	})
}

// directoryNameOf derives a filesystem-safe, deterministic directory name
// from a stream path, so recovery can find a stream's segment without
// needing a separate path-to-directory index on disk.
func directoryNameOf(path string) string {
	return url.PathEscape(path)
}

func (s *FileStore) segmentPath(dirName string) string {
	return filepath.Join(s.dataDir, "streams", dirName, SegmentFileName)
}

func (s *FileStore) getProducerLock(streamPath, producerID string) *sync.Mutex {
	key := streamPath + ":" + producerID
	s.producerLocksMu.Lock()
	defer s.producerLocksMu.Unlock()
	if mu, ok := s.producerLocks[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	s.producerLocks[key] = mu
	return mu
}

func (s *FileStore) Create(path string, opts CreateOptions) (*StreamMetadata, bool, error) {
	s.metaCacheMu.Lock()
	defer s.metaCacheMu.Unlock()

	if existing, ok := s.metaCache[path]; ok {
		if existing.IsExpired() {
			s.removeLocked(path)
		} else if existing.ConfigMatches(opts) {
			metaCopy := *existing
			return &metaCopy, false, nil
		} else {
			return nil, false, ErrConfigMismatch
		}
	}

	dirName := directoryNameOf(path)
	streamDir := filepath.Join(s.dataDir, "streams", dirName)
	if err := os.MkdirAll(streamDir, 0755); err != nil {
		return nil, false, fmt.Errorf("create stream directory: %w", err)
	}

	segPath := s.segmentPath(dirName)
	if err := CreateSegmentFile(segPath); err != nil {
		os.RemoveAll(streamDir)
		return nil, false, err
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	meta := &StreamMetadata{
		Path:           path,
		ContentType:    contentType,
		CurrentOffset:  ZeroOffset,
		EarliestOffset: ZeroOffset,
		TTLSeconds:     opts.TTLSeconds,
		ExpiresAt:      opts.ExpiresAt,
		RetentionBytes: opts.RetentionBytes,
		CreatedAt:      time.Now(),
		Closed:         opts.Closed,
	}

	if len(opts.InitialData) > 0 {
		newOffset, err := s.writeRecords(segPath, meta.ContentType, meta.CurrentOffset, opts.InitialData, true)
		if err != nil {
			os.RemoveAll(streamDir)
			return nil, false, err
		}
		meta.CurrentOffset = newOffset
	}

	if err := s.metaStore.Put(meta); err != nil {
		os.RemoveAll(streamDir)
		return nil, false, fmt.Errorf("store metadata: %w", err)
	}

	s.metaCache[path] = meta
	s.dirCache[path] = dirName

	metaCopy := *meta
	return &metaCopy, true, nil
}

func (s *FileStore) Get(path string) (*StreamMetadata, error) {
	s.metaCacheMu.RLock()
	defer s.metaCacheMu.RUnlock()

	meta, ok := s.metaCache[path]
	if !ok || meta.IsExpired() {
		return nil, ErrStreamNotFound
	}
	metaCopy := *meta
	return &metaCopy, nil
}

func (s *FileStore) Delete(path string) error {
	s.metaCacheMu.Lock()
	_, ok := s.dirCache[path]
	if ok {
		s.removeLocked(path)
	}
	s.metaCacheMu.Unlock()

	if !ok {
		return ErrStreamNotFound
	}
	s.waiters.closeAll(path)
	return nil
}

// removeLocked deletes a stream's metadata, cache entries, and segment
// directory. Caller must hold metaCacheMu.
func (s *FileStore) removeLocked(path string) {
	dirName := s.dirCache[path]
	segPath := s.segmentPath(dirName)

	s.writerPool.Remove(segPath)
	s.readerPool.Remove(segPath)
	s.metaStore.Delete(path)
	delete(s.metaCache, path)
	delete(s.dirCache, path)

	streamDir := filepath.Join(s.dataDir, "streams", dirName)
	deletedDir := filepath.Join(s.dataDir, "streams", ".deleted~"+dirName+"~"+fmt.Sprintf("%d", time.Now().UnixNano()))
	if err := os.Rename(streamDir, deletedDir); err == nil {
		go os.RemoveAll(deletedDir)
	} else {
		go os.RemoveAll(streamDir)
	}
}

func (s *FileStore) Append(path string, data []byte, opts AppendOptions) (AppendResult, error) {
	if opts.HasProducerHeaders() && !opts.HasAllProducerHeaders() {
		return AppendResult{}, ErrPartialProducer
	}
	if opts.HasAllProducerHeaders() && opts.IfMatch != "" {
		return AppendResult{}, ErrBadRequest
	}

	if opts.HasAllProducerHeaders() {
		lock := s.getProducerLock(path, opts.ProducerID)
		lock.Lock()
		defer lock.Unlock()
	}

	s.metaCacheMu.Lock()
	result, notify, err := s.appendLocked(path, data, opts)
	s.metaCacheMu.Unlock()

	if notify {
		if result.StreamClosed {
			s.waiters.closeAll(path)
		} else {
			s.waiters.notify(path)
		}
	}
	return result, err
}

func (s *FileStore) appendLocked(path string, data []byte, opts AppendOptions) (AppendResult, bool, error) {
	meta, ok := s.metaCache[path]
	if !ok || meta.IsExpired() {
		return AppendResult{}, false, ErrStreamNotFound
	}
	if meta.Closed {
		return AppendResult{StreamClosed: true}, false, ErrStreamClosed
	}
	if opts.ContentType != "" && !ContentTypeMatches(meta.ContentType, opts.ContentType) {
		return AppendResult{}, false, ErrContentTypeMismatch
	}
	if opts.IfMatch != "" && opts.IfMatch != "*" && opts.IfMatch != meta.ETag() {
		return AppendResult{}, false, ErrPreconditionFailed
	}

	var newProducerState *ProducerState
	if opts.HasAllProducerHeaders() {
		current := meta.Producers[opts.ProducerID]
		outcome, state, err := validateProducer(current, *opts.ProducerEpoch, *opts.ProducerSeq)
		if err != nil {
			return outcome, false, err
		}
		if outcome.Duplicate {
			return outcome, false, nil
		}
		newProducerState = state
	}

	if opts.Seq != "" && meta.LastSeq != "" && opts.Seq <= meta.LastSeq {
		return AppendResult{}, false, ErrSequenceConflict
	}

	dirName := s.dirCache[path]
	segPath := s.segmentPath(dirName)
	newOffset, err := s.writeRecords(segPath, meta.ContentType, meta.CurrentOffset, data, false)
	if err != nil {
		return AppendResult{}, false, err
	}

	meta.CurrentOffset = newOffset
	if opts.Seq != "" {
		meta.LastSeq = opts.Seq
	}
	if newProducerState != nil {
		if meta.Producers == nil {
			meta.Producers = make(map[string]*ProducerState)
		}
		newProducerState.LastSuccessfulOffset = newOffset
		meta.Producers[opts.ProducerID] = newProducerState
	}
	if opts.Close {
		meta.Closed = true
	}

	if err := s.metaStore.UpdateAppendState(path, newOffset, opts.Seq, opts.ProducerID, newProducerState, opts.Close); err != nil {
		// The segment file remains the durability boundary; a crash before
		// the next successful metadata write is reconciled by ScanSegment
		// on the next startup (§6 Persisted layout).
		_ = err
	}

	return AppendResult{Offset: newOffset, StreamClosed: meta.Closed}, true, nil
}

// writeRecords appends data to a stream's segment file, flattening a
// JSON-mode array into one record per element, and fsyncs before
// returning so a successful Append implies durability.
func (s *FileStore) writeRecords(segPath, contentType string, from Offset, data []byte, allowEmpty bool) (Offset, error) {
	file, err := s.writerPool.GetWriter(segPath)
	if err != nil {
		return Offset{}, fmt.Errorf("get writer: %w", err)
	}

	offset := from
	if IsJSONContentType(contentType) {
		records, err := processJSONAppend(data, allowEmpty)
		if err != nil {
			return Offset{}, err
		}
		for _, rec := range records {
			n, err := WriteMessage(file, rec)
			if err != nil {
				return Offset{}, err
			}
			offset = offset.Add(uint64(n))
		}
	} else {
		if len(data) == 0 && !allowEmpty {
			return Offset{}, ErrEmptyBody
		}
		n, err := WriteMessage(file, data)
		if err != nil {
			return Offset{}, err
		}
		offset = offset.Add(uint64(n))
	}

	if err := s.writerPool.Sync(segPath); err != nil {
		return Offset{}, err
	}
	return offset, nil
}

func (s *FileStore) CloseStream(path string) (*CloseResult, error) {
	s.metaCacheMu.Lock()
	meta, ok := s.metaCache[path]
	if !ok || meta.IsExpired() {
		s.metaCacheMu.Unlock()
		return nil, ErrStreamNotFound
	}
	if meta.Closed {
		result := &CloseResult{FinalOffset: meta.CurrentOffset, AlreadyClosed: true}
		s.metaCacheMu.Unlock()
		return result, nil
	}
	meta.Closed = true
	err := s.metaStore.SetClosed(path)
	result := &CloseResult{FinalOffset: meta.CurrentOffset}
	s.metaCacheMu.Unlock()

	if err != nil {
		return nil, err
	}
	s.waiters.closeAll(path)
	return result, nil
}

func (s *FileStore) Read(path string, from Offset) ([]Message, bool, error) {
	s.metaCacheMu.RLock()
	meta, ok := s.metaCache[path]
	dirName := s.dirCache[path]
	s.metaCacheMu.RUnlock()

	if !ok || meta.IsExpired() {
		return nil, false, ErrStreamNotFound
	}
	if !from.IsZero() && from.LessThan(meta.EarliestOffset) {
		return nil, false, ErrOffsetGone
	}
	if from.Equal(meta.CurrentOffset) {
		return nil, true, nil
	}

	segPath := s.segmentPath(dirName)
	file, err := s.readerPool.GetReader(segPath)
	if err != nil {
		return nil, false, fmt.Errorf("open segment: %w", err)
	}
	reader := NewSegmentReaderFromFile(file)

	messages, _, err := reader.ReadMessages(from)
	if err != nil {
		return nil, false, err
	}

	upToDate := len(messages) == 0 || messages[len(messages)-1].Offset.Equal(meta.CurrentOffset)
	return messages, upToDate, nil
}

func (s *FileStore) WaitForMessages(ctx context.Context, path string, offset Offset, timeout time.Duration) ([]Message, bool, bool, error) {
	messages, _, err := s.Read(path, offset)
	if err != nil {
		return nil, false, false, err
	}
	if len(messages) > 0 {
		return messages, false, false, nil
	}

	s.metaCacheMu.RLock()
	meta, ok := s.metaCache[path]
	closed := ok && meta.Closed
	s.metaCacheMu.RUnlock()
	if !ok {
		return nil, false, false, ErrStreamNotFound
	}
	if closed {
		return nil, false, true, nil
	}

	ch, release, err := s.waiters.register(path)
	if err != nil {
		return nil, false, false, err
	}
	defer release()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case signal, ok := <-ch:
		if !ok || signal == signalClosed {
			return nil, false, true, nil
		}
		messages, _, err := s.Read(path, offset)
		return messages, false, false, err
	case <-timer.C:
		return nil, true, false, nil
	case <-ctx.Done():
		return nil, false, false, ctx.Err()
	}
}

func (s *FileStore) EarliestOffset(path string) (Offset, error) {
	s.metaCacheMu.RLock()
	defer s.metaCacheMu.RUnlock()

	meta, ok := s.metaCache[path]
	if !ok || meta.IsExpired() {
		return Offset{}, ErrStreamNotFound
	}
	return meta.EarliestOffset, nil
}

// PruneRetention drops on-disk records older than RetentionBytes by
// rewriting the segment file to a new one containing only the retained
// tail, then swapping it into place. Segment files are append-only during
// normal operation; this is the one place the store rewrites one.
func (s *FileStore) PruneRetention(path string) error {
	s.metaCacheMu.Lock()
	defer s.metaCacheMu.Unlock()

	meta, ok := s.metaCache[path]
	if !ok {
		return ErrStreamNotFound
	}
	if meta.RetentionBytes == nil || *meta.RetentionBytes <= 0 {
		return nil
	}

	horizon := meta.CurrentOffset.ByteOffset
	retain := uint64(*meta.RetentionBytes)
	if horizon <= retain {
		return nil
	}
	cutoff := horizon - retain

	dirName := s.dirCache[path]
	segPath := s.segmentPath(dirName)

	s.writerPool.Remove(segPath)
	s.readerPool.Remove(segPath)

	reader, err := NewSegmentReader(segPath)
	if err != nil {
		return fmt.Errorf("open segment for pruning: %w", err)
	}
	messages, _, err := reader.ReadMessages(ZeroOffset)
	reader.Close()
	if err != nil {
		return fmt.Errorf("scan segment for pruning: %w", err)
	}

	tmpPath := segPath + ".pruning"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create pruned segment: %w", err)
	}
	for _, msg := range messages {
		if msg.Offset.ByteOffset <= cutoff {
			continue
		}
		if _, err := WriteMessage(tmp, msg.Data); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("write pruned segment: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, segPath); err != nil {
		return fmt.Errorf("swap pruned segment: %w", err)
	}

	earliest := Offset{ReadSeq: meta.CurrentOffset.ReadSeq, ByteOffset: cutoff}
	meta.EarliestOffset = earliest
	return s.metaStore.UpdateEarliestOffset(path, earliest)
}

func (s *FileStore) Paths() []string {
	s.metaCacheMu.RLock()
	defer s.metaCacheMu.RUnlock()

	paths := make([]string, 0, len(s.metaCache))
	for p := range s.metaCache {
		paths = append(paths, p)
	}
	return paths
}

// WaiterCount reports the number of currently registered long-poll/SSE
// waiters, for metrics (C7).
func (s *FileStore) WaiterCount() int {
	return s.waiters.count()
}

func (s *FileStore) Close() error {
	s.waiters.closeAllStreams()

	var lastErr error
	if err := s.writerPool.Close(); err != nil {
		lastErr = err
	}
	if err := s.readerPool.Close(); err != nil {
		lastErr = err
	}
	if err := s.metaStore.Close(); err != nil {
		lastErr = err
	}
	return lastErr
}
