package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store implementation: no persistence, used
// by tests and ephemeral deployments that accept losing data on restart.
// It implements the same producer fencing, retention, and waiter-bound
// semantics as FileStore so both backends are interchangeable behind the
// request handler.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string]*memoryStream

	waiters    *waiterSet
	maxWaiters int

	producerLocks   map[string]*sync.Mutex
	producerLocksMu sync.Mutex
}

type memoryStream struct {
	metadata StreamMetadata
	messages []Message
}

// NewMemoryStore creates an in-memory store. maxWaiters bounds concurrent
// long-poll/SSE waiters across all streams (§4.7); 0 means unbounded.
func NewMemoryStore(maxWaiters int) *MemoryStore {
	return &MemoryStore{
		streams:       make(map[string]*memoryStream),
		waiters:       newWaiterSet(maxWaiters),
		maxWaiters:    maxWaiters,
		producerLocks: make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) getProducerLock(streamPath, producerID string) *sync.Mutex {
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

func (s *MemoryStore) Create(path string, opts CreateOptions) (*StreamMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.streams[path]; ok {
		if existing.metadata.IsExpired() {
			delete(s.streams, path)
		} else if existing.metadata.ConfigMatches(opts) {
			meta := existing.metadata
			return &meta, false, nil
		} else {
			return nil, false, ErrConfigMismatch
		}
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	stream := &memoryStream{
		metadata: StreamMetadata{
			Path:           path,
			ContentType:    contentType,
			CurrentOffset:  ZeroOffset,
			EarliestOffset: ZeroOffset,
			TTLSeconds:     opts.TTLSeconds,
			ExpiresAt:      opts.ExpiresAt,
			RetentionBytes: opts.RetentionBytes,
			CreatedAt:      time.Now(),
			Closed:         opts.Closed,
		},
	}

	if len(opts.InitialData) > 0 {
		newOffset, msgs, err := appendRecords(stream.metadata.ContentType, stream.metadata.CurrentOffset, opts.InitialData, true)
		if err != nil {
			return nil, false, err
		}
		stream.messages = append(stream.messages, msgs...)
		stream.metadata.CurrentOffset = newOffset
	}

	s.streams[path] = stream
	meta := stream.metadata
	return &meta, true, nil
}

func (s *MemoryStore) Get(path string) (*StreamMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[path]
	if !ok || stream.metadata.IsExpired() {
		return nil, ErrStreamNotFound
	}
	meta := stream.metadata
	return &meta, nil
}

func (s *MemoryStore) Delete(path string) error {
	s.mu.Lock()
	_, ok := s.streams[path]
	if ok {
		delete(s.streams, path)
	}
	s.mu.Unlock()

	if !ok {
		return ErrStreamNotFound
	}
	s.waiters.closeAll(path)
	return nil
}

func (s *MemoryStore) Append(path string, data []byte, opts AppendOptions) (AppendResult, error) {
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

	s.mu.Lock()
	result, notify, err := s.appendLocked(path, data, opts)
	s.mu.Unlock()

	if notify {
		if result.StreamClosed {
			s.waiters.closeAll(path)
		} else {
			s.waiters.notify(path)
		}
	}
	return result, err
}

func (s *MemoryStore) appendLocked(path string, data []byte, opts AppendOptions) (AppendResult, bool, error) {
	stream, ok := s.streams[path]
	if !ok || stream.metadata.IsExpired() {
		return AppendResult{}, false, ErrStreamNotFound
	}
	if stream.metadata.Closed {
		return AppendResult{StreamClosed: true}, false, ErrStreamClosed
	}
	if opts.ContentType != "" && !ContentTypeMatches(stream.metadata.ContentType, opts.ContentType) {
		return AppendResult{}, false, ErrContentTypeMismatch
	}
	if opts.IfMatch != "" && opts.IfMatch != "*" {
		if opts.IfMatch != stream.metadata.ETag() {
			return AppendResult{}, false, ErrPreconditionFailed
		}
	}

	var newProducerState *ProducerState
	if opts.HasAllProducerHeaders() {
		current := stream.metadata.Producers[opts.ProducerID]
		outcome, state, err := validateProducer(current, *opts.ProducerEpoch, *opts.ProducerSeq)
		if err != nil {
			return outcome, false, err
		}
		if outcome.Duplicate {
			return outcome, false, nil
		}
		newProducerState = state
	}

	if opts.Seq != "" && stream.metadata.LastSeq != "" && opts.Seq <= stream.metadata.LastSeq {
		return AppendResult{}, false, ErrSequenceConflict
	}

	newOffset, msgs, err := appendRecords(stream.metadata.ContentType, stream.metadata.CurrentOffset, data, false)
	if err != nil {
		return AppendResult{}, false, err
	}

	stream.messages = append(stream.messages, msgs...)
	stream.metadata.CurrentOffset = newOffset
	if opts.Seq != "" {
		stream.metadata.LastSeq = opts.Seq
	}
	if newProducerState != nil {
		if stream.metadata.Producers == nil {
			stream.metadata.Producers = make(map[string]*ProducerState)
		}
		newProducerState.LastSuccessfulOffset = newOffset
		stream.metadata.Producers[opts.ProducerID] = newProducerState
	}
	if opts.Close {
		stream.metadata.Closed = true
	}

	return AppendResult{Offset: newOffset, StreamClosed: stream.metadata.Closed}, true, nil
}

func (s *MemoryStore) CloseStream(path string) (*CloseResult, error) {
	s.mu.Lock()
	stream, ok := s.streams[path]
	if !ok || stream.metadata.IsExpired() {
		s.mu.Unlock()
		return nil, ErrStreamNotFound
	}
	if stream.metadata.Closed {
		result := &CloseResult{FinalOffset: stream.metadata.CurrentOffset, AlreadyClosed: true}
		s.mu.Unlock()
		return result, nil
	}
	stream.metadata.Closed = true
	result := &CloseResult{FinalOffset: stream.metadata.CurrentOffset}
	s.mu.Unlock()

	s.waiters.closeAll(path)
	return result, nil
}

func (s *MemoryStore) Read(path string, from Offset) ([]Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readLocked(path, from)
}

func (s *MemoryStore) readLocked(path string, from Offset) ([]Message, bool, error) {
	stream, ok := s.streams[path]
	if !ok || stream.metadata.IsExpired() {
		return nil, false, ErrStreamNotFound
	}
	if !from.IsZero() && from.LessThan(stream.metadata.EarliestOffset) {
		return nil, false, ErrOffsetGone
	}

	var messages []Message
	for _, msg := range stream.messages {
		if msg.Offset.GreaterThan(from) {
			messages = append(messages, msg)
		}
	}
	upToDate := len(messages) == 0 || messages[len(messages)-1].Offset.Equal(stream.metadata.CurrentOffset)
	return messages, upToDate, nil
}

func (s *MemoryStore) WaitForMessages(ctx context.Context, path string, offset Offset, timeout time.Duration) ([]Message, bool, bool, error) {
	messages, _, err := s.Read(path, offset)
	if err != nil {
		return nil, false, false, err
	}
	if len(messages) > 0 {
		return messages, false, false, nil
	}

	s.mu.RLock()
	stream, ok := s.streams[path]
	closed := ok && stream.metadata.Closed
	s.mu.RUnlock()
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

func (s *MemoryStore) EarliestOffset(path string) (Offset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[path]
	if !ok || stream.metadata.IsExpired() {
		return Offset{}, ErrStreamNotFound
	}
	return stream.metadata.EarliestOffset, nil
}

// PruneRetention drops messages older than the stream's RetentionBytes
// horizon and advances EarliestOffset to match.
func (s *MemoryStore) PruneRetention(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[path]
	if !ok {
		return ErrStreamNotFound
	}
	if stream.metadata.RetentionBytes == nil || *stream.metadata.RetentionBytes <= 0 {
		return nil
	}

	horizon := stream.metadata.CurrentOffset.ByteOffset
	retain := uint64(*stream.metadata.RetentionBytes)
	if horizon <= retain {
		return nil
	}
	cutoff := horizon - retain

	kept := stream.messages[:0:0]
	for _, msg := range stream.messages {
		if msg.Offset.ByteOffset > cutoff {
			kept = append(kept, msg)
		}
	}
	stream.messages = kept
	stream.metadata.EarliestOffset = Offset{ReadSeq: stream.metadata.CurrentOffset.ReadSeq, ByteOffset: cutoff}
	return nil
}

func (s *MemoryStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	paths := make([]string, 0, len(s.streams))
	for p := range s.streams {
		paths = append(paths, p)
	}
	return paths
}

// WaiterCount reports the number of currently registered long-poll/SSE
// waiters, for metrics (C7).
func (s *MemoryStore) WaiterCount() int {
	return s.waiters.count()
}

func (s *MemoryStore) Close() error {
	s.waiters.closeAllStreams()
	return nil
}

// appendRecords flattens a JSON-mode append per §4.3 step 7, or stores
// opaque data as a single record, returning the messages to append and
// the resulting tail offset.
func appendRecords(contentType string, from Offset, data []byte, allowEmpty bool) (Offset, []Message, error) {
	if IsJSONContentType(contentType) {
		records, err := processJSONAppend(data, allowEmpty)
		if err != nil {
			return Offset{}, nil, err
		}
		offset := from
		msgs := make([]Message, 0, len(records))
		for _, rec := range records {
			offset = offset.Add(uint64(len(rec)))
			msgs = append(msgs, Message{Data: rec, Offset: offset})
		}
		return offset, msgs, nil
	}

	if len(data) == 0 && !allowEmpty {
		return Offset{}, nil, ErrEmptyBody
	}
	offset := from.Add(uint64(len(data)))
	return offset, []Message{{Data: data, Offset: offset}}, nil
}

// validateProducer applies the idempotent producer protocol (§4.3): epoch
// fencing followed by strictly sequential Producer-Seq validation.
// A nil current means this is the producer's first observed append.
func validateProducer(current *ProducerState, epoch, seq int64) (AppendResult, *ProducerState, error) {
	if current == nil {
		if seq != 0 {
			return AppendResult{ExpectedSeq: 0, ReceivedSeq: seq}, nil, ErrProducerSeqGap
		}
		return AppendResult{}, &ProducerState{Epoch: epoch, LastSeq: 0, LastUpdated: time.Now()}, nil
	}

	if epoch < current.Epoch {
		return AppendResult{CurrentEpoch: current.Epoch}, nil, ErrStaleEpoch
	}

	if epoch > current.Epoch {
		if seq != 0 {
			return AppendResult{ExpectedSeq: 0, ReceivedSeq: seq}, nil, ErrProducerSeqGap
		}
		return AppendResult{}, &ProducerState{Epoch: epoch, LastSeq: 0, LastUpdated: time.Now()}, nil
	}

	switch {
	case seq == current.LastSeq:
		return AppendResult{Offset: current.LastSuccessfulOffset, Duplicate: true}, nil, nil
	case seq < current.LastSeq:
		return AppendResult{ExpectedSeq: current.LastSeq + 1, ReceivedSeq: seq}, nil, ErrProducerSeqBack
	case seq == current.LastSeq+1:
		return AppendResult{}, &ProducerState{Epoch: epoch, LastSeq: seq, LastUpdated: time.Now()}, nil
	default:
		return AppendResult{ExpectedSeq: current.LastSeq + 1, ReceivedSeq: seq}, nil, ErrProducerSeqGap
	}
}
