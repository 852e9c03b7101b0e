// Package store implements the durable stream log (C1), the per-stream
// metadata store (C2), and the offset/cursor codec (C5) described by the
// durable streams protocol. Two backends satisfy the same Store interface:
// an in-memory store for tests and ephemeral deployments, and a
// file-backed store whose segment files are the durability boundary.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors. Handlers translate these to HTTP status codes with
// errors.Is; never match on error strings.
var (
	ErrStreamNotFound      = errors.New("stream not found")
	ErrStreamExists        = errors.New("stream already exists")
	ErrConfigMismatch      = errors.New("stream configuration mismatch")
	ErrStreamClosed        = errors.New("stream is closed")
	ErrSequenceConflict    = errors.New("sequence number conflict")
	ErrContentTypeMismatch = errors.New("content type mismatch")
	ErrEmptyBody           = errors.New("empty body not allowed")
	ErrInvalidOffset       = errors.New("invalid offset")
	ErrEmptyJSONArray      = errors.New("empty JSON array not allowed")
	ErrInvalidJSON         = errors.New("invalid JSON")
	ErrOffsetGone          = errors.New("offset before retention horizon")
	ErrPreconditionFailed  = errors.New("if-match precondition failed")
	ErrBadRequest          = errors.New("malformed request")
	ErrBusy                = errors.New("server at capacity")

	// Producer protocol errors (§4.3).
	ErrStaleEpoch      = errors.New("producer epoch is stale")
	ErrProducerSeqGap  = errors.New("producer sequence gap")
	ErrProducerSeqBack = errors.New("producer sequence regression")
	ErrPartialProducer = errors.New("producer headers must all be present or all absent")
)

// ProducerState tracks per-(stream, producer) fencing state (§3, §4.3).
type ProducerState struct {
	Epoch                int64
	LastSeq              int64
	LastSuccessfulOffset Offset
	LastUpdated          time.Time
}

// AppendResult reports what happened to an Append call, beyond the
// new offset, so the handler can pick the right status code.
type AppendResult struct {
	Offset       Offset
	Duplicate    bool  // producer retry of the last accepted seq (§4.3): emit 204
	ExpectedSeq  int64 // set on ErrProducerSeqGap / ErrProducerSeqBack
	ReceivedSeq  int64
	CurrentEpoch int64 // set on ErrStaleEpoch
	StreamClosed bool
}

// CloseResult reports the outcome of CloseStream.
type CloseResult struct {
	FinalOffset   Offset
	AlreadyClosed bool
}

// CreateOptions configures stream creation (PUT, §4.3).
type CreateOptions struct {
	ContentType string
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	InitialData []byte
	Closed      bool
	// RetentionBytes, if set, bounds how much of the log is retained;
	// reads below the resulting horizon return ErrOffsetGone (§4.1, §4.4).
	RetentionBytes *int64
}

// AppendOptions configures a single POST (§4.3, §6).
type AppendOptions struct {
	ContentType string
	Seq         string // Stream-Seq (non-producer coordination)
	IfMatch     string // "" means not provided, "*" means "any existing state"
	Close       bool   // close the stream atomically with this append

	ProducerID    string
	ProducerEpoch *int64
	ProducerSeq   *int64
}

// HasProducerHeaders reports whether any producer header was set.
func (o AppendOptions) HasProducerHeaders() bool {
	return o.ProducerID != "" || o.ProducerEpoch != nil || o.ProducerSeq != nil
}

// HasAllProducerHeaders reports whether every producer header was set.
func (o AppendOptions) HasAllProducerHeaders() bool {
	return o.ProducerID != "" && o.ProducerEpoch != nil && o.ProducerSeq != nil
}

// Message is one durable record (§3 Record).
type Message struct {
	Data   []byte
	Offset Offset
}

// StreamMetadata is the full per-stream attribute set (§3 Stream).
type StreamMetadata struct {
	Path           string
	ContentType    string
	CurrentOffset  Offset
	EarliestOffset Offset
	LastSeq        string
	RetentionBytes *int64
	TTLSeconds     *int64
	ExpiresAt      *time.Time
	CreatedAt      time.Time
	Closed         bool
	Producers      map[string]*ProducerState
}

// ETag returns the quoted current offset, the server's strong ETag (§4.2).
func (m *StreamMetadata) ETag() string {
	return `"` + m.CurrentOffset.String() + `"`
}

// IsExpired reports whether the stream is past its TTL/ExpiresAt (§3 invariant 7).
func (m *StreamMetadata) IsExpired() bool {
	return isExpired(m.TTLSeconds, m.ExpiresAt, m.CreatedAt, time.Now())
}

func isExpired(ttlSeconds *int64, expiresAt *time.Time, createdAt time.Time, now time.Time) bool {
	if expiresAt != nil && now.After(*expiresAt) {
		return true
	}
	if ttlSeconds != nil && now.After(createdAt.Add(time.Duration(*ttlSeconds)*time.Second)) {
		return true
	}
	return false
}

// ConfigMatches reports whether opts describes the same stream config as m,
// used to make PUT idempotent (§4.3 Create).
func (m *StreamMetadata) ConfigMatches(opts CreateOptions) bool {
	if !ContentTypeMatches(m.ContentType, opts.ContentType) {
		return false
	}
	if (m.TTLSeconds == nil) != (opts.TTLSeconds == nil) {
		return false
	}
	if m.TTLSeconds != nil && opts.TTLSeconds != nil && *m.TTLSeconds != *opts.TTLSeconds {
		return false
	}
	if (m.ExpiresAt == nil) != (opts.ExpiresAt == nil) {
		return false
	}
	if m.ExpiresAt != nil && opts.ExpiresAt != nil && !m.ExpiresAt.Equal(*opts.ExpiresAt) {
		return false
	}
	return true
}

// Store is the interface C1/C2/C3 present to the request router (C6).
// Implementations must serialize mutating calls per stream (§5) and let
// reads proceed against a snapshot without blocking on that lock.
type Store interface {
	// Create makes a new stream, or — if one already exists with a matching
	// config — returns it unchanged with wasCreated=false (§4.3 Create).
	// Returns ErrConfigMismatch if an existing stream's config differs.
	Create(path string, opts CreateOptions) (meta *StreamMetadata, wasCreated bool, err error)

	// Get returns a stream's metadata snapshot, or ErrStreamNotFound.
	Get(path string) (*StreamMetadata, error)

	// Delete removes a stream and wakes its waiters with a terminal
	// signal. Returns ErrStreamNotFound if the stream does not exist.
	Delete(path string) error

	// Append implements the full append algorithm of §4.3, including
	// producer fencing and If-Match. opts.IfMatch and producer headers
	// are mutually exclusive — callers must reject that combination
	// before calling Append (ErrBadRequest is for handler-level checks).
	Append(path string, data []byte, opts AppendOptions) (AppendResult, error)

	// CloseStream closes a stream without appending data; idempotent.
	CloseStream(path string) (*CloseResult, error)

	// Read returns records at offsets strictly greater than from, along
	// with whether the result reaches the stream's current tail.
	// Returns ErrOffsetGone if from is below the retention horizon.
	Read(path string, from Offset) (messages []Message, upToDate bool, err error)

	// WaitForMessages blocks until new data arrives past offset, the
	// stream closes or is deleted, ctx is done, or timeout elapses.
	// Returns ErrBusy if the waiter bound (§4.7) is exceeded.
	WaitForMessages(ctx context.Context, path string, offset Offset, timeout time.Duration) (messages []Message, timedOut bool, streamClosed bool, err error)

	// EarliestOffset returns the oldest valid offset for a stream, for
	// detecting retention gaps (§4.1).
	EarliestOffset(path string) (Offset, error)

	// PruneRetention applies a stream's configured RetentionBytes horizon,
	// discarding older records and advancing EarliestOffset. A no-op if
	// RetentionBytes is unset or the stream is under the horizon. Called
	// periodically by the retention scheduler (C4), never by request handling.
	PruneRetention(path string) error

	// Paths returns every known stream path, for the retention scheduler
	// (C4) to scan. Order is unspecified.
	Paths() []string

	// WaiterCount reports the number of currently registered long-poll/SSE
	// waiters, for metrics (C7).
	WaiterCount() int

	// Close releases resources (file handles, background goroutines).
	Close() error
}

// ContentTypeMatches compares two Content-Type header values, ignoring
// case and parameters (e.g. "; charset=utf-8").
func ContentTypeMatches(a, b string) bool {
	if a == "" {
		a = "application/octet-stream"
	}
	if b == "" {
		b = "application/octet-stream"
	}
	return equalFold(extractMediaType(a), extractMediaType(b))
}

// ExtractMediaType strips parameters from a Content-Type value.
func ExtractMediaType(ct string) string {
	return extractMediaType(ct)
}

func extractMediaType(ct string) string {
	for i := 0; i < len(ct); i++ {
		if ct[i] == ';' {
			return ct[:i]
		}
	}
	return ct
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// IsJSONContentType reports whether ct is (modulo parameters) application/json.
func IsJSONContentType(ct string) bool {
	return equalFold(extractMediaType(ct), "application/json")
}

// FormatResponse concatenates messages into a GET response body: raw byte
// concatenation for opaque streams, a JSON array for JSON-mode streams (§4.6).
func FormatResponse(messages []Message, contentType string) []byte {
	if IsJSONContentType(contentType) {
		return FormatJSONResponse(messages)
	}
	total := 0
	for _, m := range messages {
		total += len(m.Data)
	}
	out := make([]byte, 0, total)
	for _, m := range messages {
		out = append(out, m.Data...)
	}
	return out
}

// FormatJSONResponse frames messages as a JSON array (§8 invariant 7).
func FormatJSONResponse(messages []Message) []byte {
	if len(messages) == 0 {
		return []byte("[]")
	}
	total := 2
	for i, m := range messages {
		if i > 0 {
			total++
		}
		total += len(m.Data)
	}
	out := make([]byte, 0, total)
	out = append(out, '[')
	for i, m := range messages {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, m.Data...)
	}
	out = append(out, ']')
	return out
}
