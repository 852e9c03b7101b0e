package durablestreams

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/durable-streams/server/hooks"
	"github.com/durable-streams/server/store"
	"go.uber.org/zap"
)

// Protocol header names (§6).
const (
	HeaderStreamNextOffset     = "Stream-Next-Offset"
	HeaderStreamCursor         = "Stream-Cursor"
	HeaderStreamUpToDate       = "Stream-Up-To-Date"
	HeaderStreamSeq            = "Stream-Seq"
	HeaderStreamTTL            = "Stream-TTL"
	HeaderStreamExpiresAt      = "Stream-Expires-At"
	HeaderStreamClosed         = "Stream-Closed"
	HeaderStreamClose          = "Stream-Close"
	HeaderStreamRetentionBytes = "Stream-Retention-Bytes"
	HeaderSSEDataEncoding      = "Stream-SSE-Data-Encoding"

	HeaderProducerID           = "Producer-Id"
	HeaderProducerEpoch        = "Producer-Epoch"
	HeaderProducerSeq          = "Producer-Seq"
	HeaderProducerCurrentEpoch = "Producer-Current-Epoch"
	HeaderProducerExpectedSeq  = "Producer-Expected-Seq"
	HeaderProducerReceivedSeq  = "Producer-Received-Seq"
)

// ServeHTTP implements caddyhttp.MiddlewareHandler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{
		"Content-Type", HeaderStreamSeq, HeaderStreamTTL, HeaderStreamExpiresAt,
		HeaderStreamClose, HeaderStreamRetentionBytes,
		HeaderProducerID, HeaderProducerEpoch, HeaderProducerSeq,
		"If-Match", "If-None-Match",
	}, ", "))
	w.Header().Set("Access-Control-Expose-Headers", strings.Join([]string{
		HeaderStreamNextOffset, HeaderStreamCursor, HeaderStreamUpToDate, HeaderStreamClosed,
		HeaderProducerCurrentEpoch, HeaderProducerExpectedSeq, HeaderProducerReceivedSeq,
		"ETag", "Location", "Retry-After",
	}, ", "))

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	streamPath := r.URL.Path

	h.logger.Debug("handling request",
		zap.String("method", r.Method),
		zap.String("path", streamPath),
		zap.String("query", r.URL.RawQuery))

	var err error
	switch r.Method {
	case http.MethodPut:
		err = h.handleCreate(w, r, streamPath)
	case http.MethodHead:
		err = h.handleHead(w, r, streamPath)
	case http.MethodGet:
		err = h.handleRead(w, r, streamPath)
	case http.MethodPost:
		err = h.handleAppend(w, r, streamPath)
	case http.MethodDelete:
		err = h.handleDelete(w, r, streamPath)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil
	}

	if err != nil {
		h.writeError(w, err)
	}
	return nil
}

// handleCreate handles PUT requests to create a stream (§4.3 Create).
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, path string) error {
	contentType := r.Header.Get("Content-Type")
	ttlStr := r.Header.Get(HeaderStreamTTL)
	expiresAtStr := r.Header.Get(HeaderStreamExpiresAt)

	if ttlStr != "" && expiresAtStr != "" {
		return newHTTPError(http.StatusBadRequest, "cannot specify both Stream-TTL and Stream-Expires-At")
	}

	var ttlSeconds *int64
	if ttlStr != "" {
		ttl, err := parseTTL(ttlStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, err.Error())
		}
		ttlSeconds = &ttl
	}

	var expiresAt *time.Time
	if expiresAtStr != "" {
		t, err := time.Parse(time.RFC3339, expiresAtStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "invalid Stream-Expires-At format")
		}
		expiresAt = &t
	}

	var retentionBytes *int64
	if rbStr := r.Header.Get(HeaderStreamRetentionBytes); rbStr != "" {
		rb, err := strconv.ParseInt(rbStr, 10, 64)
		if err != nil || rb < 0 {
			return newHTTPError(http.StatusBadRequest, "invalid Stream-Retention-Bytes")
		}
		retentionBytes = &rb
	}

	var initialData []byte
	if r.ContentLength > 0 {
		var err error
		initialData, err = io.ReadAll(r.Body)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "failed to read body")
		}
	}

	opts := store.CreateOptions{
		ContentType:    contentType,
		TTLSeconds:     ttlSeconds,
		ExpiresAt:      expiresAt,
		InitialData:    initialData,
		RetentionBytes: retentionBytes,
		Closed:         r.Header.Get(HeaderStreamClose) == "true",
	}

	meta, wasCreated, err := h.store.Create(path, opts)
	if err != nil {
		if errors.Is(err, store.ErrConfigMismatch) {
			return newHTTPError(http.StatusConflict, "stream exists with different configuration")
		}
		return err
	}

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, meta.CurrentOffset.String())
	if meta.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}

	if wasCreated {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		fullURL := fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path)
		w.Header().Set("Location", fullURL)
		w.WriteHeader(http.StatusCreated)
		h.publishHook(hooks.EventCreated, path, meta.CurrentOffset.String())
	} else {
		w.WriteHeader(http.StatusOK)
	}

	return nil
}

// publishHook fans a lifecycle event out to the hook bus (C8), a no-op if
// no bus is configured (hookBus is nil).
func (h *Handler) publishHook(eventType hooks.EventType, path, offset string) {
	if h.hookBus == nil {
		return
	}
	h.hookBus.Publish(hooks.Event{Type: eventType, Path: path, Offset: offset, Timestamp: time.Now()})
}

// handleHead handles HEAD requests for stream metadata.
func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request, path string) error {
	meta, err := h.store.Get(path)
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	if ifNoneMatch := r.Header.Get("If-None-Match"); ifNoneMatch != "" && ifNoneMatch == meta.ETag() {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, meta.CurrentOffset.String())
	w.Header().Set("ETag", meta.ETag())
	w.Header().Set("Cache-Control", "no-store")

	if meta.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if meta.TTLSeconds != nil {
		w.Header().Set(HeaderStreamTTL, strconv.FormatInt(*meta.TTLSeconds, 10))
	}
	if meta.ExpiresAt != nil {
		w.Header().Set(HeaderStreamExpiresAt, meta.ExpiresAt.Format(time.RFC3339))
	}

	w.WriteHeader(http.StatusOK)
	return nil
}

// handleRead handles GET requests to read from a stream: catch-up,
// long-poll, or SSE depending on the `live` query parameter (§4.6).
func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request, path string) error {
	meta, err := h.store.Get(path)
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	query := r.URL.Query()
	offsetValues, offsetProvided := query["offset"]
	offsetStr := ""
	if offsetProvided {
		if len(offsetValues) > 1 {
			return newHTTPError(http.StatusBadRequest, "multiple offset parameters not allowed")
		}
		offsetStr = offsetValues[0]
		if offsetStr == "" {
			return newHTTPError(http.StatusBadRequest, "offset parameter cannot be empty")
		}
	} else if lastEventID := r.Header.Get("Last-Event-ID"); lastEventID != "" {
		// Servers MAY accept Last-Event-ID as equivalent to offset (§6 SSE framing).
		offsetStr = lastEventID
		offsetProvided = true
	}

	offset, err := store.ParseOffset(offsetStr)
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "invalid offset")
	}

	liveMode := query.Get("live")
	cursor := query.Get("cursor")

	if liveMode == "long-poll" && !offsetProvided {
		return newHTTPError(http.StatusBadRequest, "offset required for long-poll mode")
	}
	if liveMode == "sse" && !offsetProvided {
		return newHTTPError(http.StatusBadRequest, "offset required for SSE mode")
	}

	if liveMode == "sse" {
		return h.handleSSE(w, r, path, offset, cursor)
	}

	messages, _, err := h.store.Read(path, offset)
	if err != nil {
		if errors.Is(err, store.ErrOffsetGone) {
			return newHTTPError(http.StatusGone, "offset is before the retention horizon")
		}
		return err
	}

	nextOffset := offset
	if len(messages) > 0 {
		nextOffset = messages[len(messages)-1].Offset
	} else {
		nextOffset = meta.CurrentOffset
	}

	streamClosed := meta.Closed

	if liveMode == "long-poll" && len(messages) == 0 && !meta.Closed {
		timeout := time.Duration(h.LongPollTimeout)
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		var timedOut, waitClosed bool
		messages, timedOut, waitClosed, err = h.store.WaitForMessages(ctx, path, offset, timeout)
		if err != nil {
			if errors.Is(err, store.ErrBusy) {
				w.Header().Set("Retry-After", "1")
				return newHTTPError(http.StatusServiceUnavailable, "server at capacity")
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				// A long-poll that times out with no new data returns 200
				// with an empty body and the offset unchanged (§8 boundary
				// behavior); 204 is reserved for idempotent duplicate
				// appends.
				w.Header().Set("Content-Type", meta.ContentType)
				w.Header().Set(HeaderStreamNextOffset, offset.String())
				w.Header().Set(HeaderStreamUpToDate, "true")
				w.WriteHeader(http.StatusOK)
				return nil
			}
			return err
		}

		streamClosed = waitClosed

		if timedOut {
			w.Header().Set("Content-Type", meta.ContentType)
			w.Header().Set(HeaderStreamNextOffset, offset.String())
			w.Header().Set(HeaderStreamUpToDate, "true")
			w.WriteHeader(http.StatusOK)
			return nil
		}

		if len(messages) > 0 {
			nextOffset = messages[len(messages)-1].Offset
		}
	}

	currentMeta, err := h.store.Get(path)
	if err != nil {
		return err
	}
	upToDate := nextOffset.Equal(currentMeta.CurrentOffset)

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, nextOffset.String())
	if upToDate {
		w.Header().Set(HeaderStreamUpToDate, "true")
	}
	if streamClosed || currentMeta.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}

	if liveMode == "long-poll" {
		w.Header().Set(HeaderStreamCursor, h.cursorGen.Next(cursor))
	}

	etag := fmt.Sprintf(`"%s"`, nextOffset.String())
	w.Header().Set("ETag", etag)

	if !upToDate && len(messages) > 0 {
		w.Header().Set("Cache-Control", "public, max-age=60, stale-while-revalidate=300")
	}

	if ifNoneMatch := r.Header.Get("If-None-Match"); ifNoneMatch != "" && ifNoneMatch == etag {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	body := store.FormatResponse(messages, meta.ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
	return nil
}

// handleSSE handles Server-Sent Events streaming (§4.6, §4.7, §6 SSE framing).
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request, path string, offset store.Offset, cursor string) error {
	meta, err := h.store.Get(path)
	if err != nil {
		return err
	}

	ct := strings.ToLower(store.ExtractMediaType(meta.ContentType))
	binary := !strings.HasPrefix(ct, "text/") && ct != "application/json"

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	if binary {
		w.Header().Set(HeaderSSEDataEncoding, "base64")
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return newHTTPError(http.StatusInternalServerError, "streaming not supported")
	}

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	reconnectTimer := time.NewTimer(time.Duration(h.SSEReconnectInterval))
	defer reconnectTimer.Stop()

	currentOffset := offset
	sentInitialControl := false

	writeControl := func(nextOffset store.Offset, upToDate, closed bool) {
		control := map[string]interface{}{
			"streamNextOffset": nextOffset.String(),
			"streamCursor":     h.cursorGen.Next(cursor),
			"upToDate":         upToDate,
			"closed":           closed,
		}
		controlJSON, _ := json.Marshal(control)
		fmt.Fprintf(w, "event: control\ndata: %s\n\n", controlJSON)
		flusher.Flush()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reconnectTimer.C:
			// Close the connection so CDNs/clients can collapse reconnects
			// onto the current cursor bucket (§4.6).
			return nil
		default:
			messages, upToDate, err := h.store.Read(path, currentOffset)
			if err != nil {
				if errors.Is(err, store.ErrOffsetGone) {
					return newHTTPError(http.StatusGone, "offset is before the retention horizon")
				}
				return err
			}

			if len(messages) > 0 {
				body := store.FormatResponse(messages, meta.ContentType)
				if binary {
					encoded := base64.StdEncoding.EncodeToString(body)
					fmt.Fprintf(w, "event: data\ndata: %s\n\n", encoded)
				} else {
					fmt.Fprintf(w, "event: data\n")
					for _, line := range strings.Split(string(body), "\n") {
						fmt.Fprintf(w, "data: %s\n", line)
					}
					fmt.Fprintf(w, "\n")
				}

				currentOffset = messages[len(messages)-1].Offset
				flusher.Flush()
				writeControl(currentOffset, upToDate, false)
				sentInitialControl = true
			} else if !sentInitialControl {
				currentMeta, err := h.store.Get(path)
				if err != nil {
					return err
				}
				writeControl(currentMeta.CurrentOffset, true, false)
				sentInitialControl = true
			}

			currentMeta, err := h.store.Get(path)
			if err == nil && currentMeta.Closed && currentOffset.Equal(currentMeta.CurrentOffset) {
				// Final control event reflecting closure (Scenario E step 5)
				// before the connection closes, covering the case where no
				// data event fired this iteration (e.g. closed via a bare
				// header with no trailing append).
				if sentInitialControl {
					writeControl(currentOffset, true, true)
				}
				return nil
			}

			timeout := 100 * time.Millisecond
			waitCtx, cancel := context.WithTimeout(ctx, timeout)
			h.store.WaitForMessages(waitCtx, path, currentOffset, timeout)
			cancel()
		}
	}
}

// handleAppend handles POST requests: append, idempotent producer writes,
// If-Match concurrency, and stream close (§4.3 Append algorithm).
func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request, path string) error {
	meta, err := h.store.Get(path)
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	closeRequested := r.Header.Get(HeaderStreamClose) == "true"

	ifMatch := r.Header.Get("If-Match")
	producerID := r.Header.Get(HeaderProducerID)
	var producerEpoch, producerSeq *int64
	if v := r.Header.Get(HeaderProducerEpoch); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "invalid Producer-Epoch")
		}
		producerEpoch = &n
	}
	if v := r.Header.Get(HeaderProducerSeq); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "invalid Producer-Seq")
		}
		producerSeq = &n
	}

	hasProducerHeaders := producerID != "" || producerEpoch != nil || producerSeq != nil
	if ifMatch != "" && hasProducerHeaders {
		return newHTTPError(http.StatusBadRequest, "If-Match and producer headers are mutually exclusive")
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "failed to read body")
	}

	if len(body) == 0 && !closeRequested {
		return newHTTPError(http.StatusBadRequest, "empty body not allowed")
	}

	var contentType string
	if len(body) > 0 {
		contentType = r.Header.Get("Content-Type")
		if contentType == "" {
			return newHTTPError(http.StatusBadRequest, "Content-Type header is required")
		}
		if !store.ContentTypeMatches(meta.ContentType, contentType) {
			return newHTTPError(http.StatusConflict, "content type mismatch")
		}
	}

	if len(body) == 0 && closeRequested {
		result, err := h.store.CloseStream(path)
		if err != nil {
			if errors.Is(err, store.ErrStreamNotFound) {
				return newHTTPError(http.StatusNotFound, "stream not found")
			}
			return err
		}
		w.Header().Set(HeaderStreamNextOffset, result.FinalOffset.String())
		w.Header().Set(HeaderStreamClosed, "true")
		w.WriteHeader(http.StatusOK)
		if !result.AlreadyClosed {
			h.publishHook(hooks.EventClosed, path, result.FinalOffset.String())
		}
		return nil
	}

	opts := store.AppendOptions{
		Seq:           r.Header.Get(HeaderStreamSeq),
		ContentType:   contentType,
		IfMatch:       ifMatch,
		Close:         closeRequested,
		ProducerID:    producerID,
		ProducerEpoch: producerEpoch,
		ProducerSeq:   producerSeq,
	}

	result, err := h.store.Append(path, body, opts)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrStreamClosed):
			w.Header().Set(HeaderStreamClosed, "true")
			return newHTTPError(http.StatusConflict, "stream is closed")
		case errors.Is(err, store.ErrContentTypeMismatch):
			return newHTTPError(http.StatusConflict, "content type mismatch")
		case errors.Is(err, store.ErrInvalidJSON):
			return newHTTPError(http.StatusBadRequest, "invalid JSON")
		case errors.Is(err, store.ErrEmptyJSONArray):
			return newHTTPError(http.StatusBadRequest, "empty JSON array not allowed")
		case errors.Is(err, store.ErrSequenceConflict):
			return newHTTPError(http.StatusConflict, "sequence number conflict")
		case errors.Is(err, store.ErrBadRequest):
			return newHTTPError(http.StatusBadRequest, "malformed request")
		case errors.Is(err, store.ErrPreconditionFailed):
			if current, gerr := h.store.Get(path); gerr == nil {
				w.Header().Set("ETag", current.ETag())
			}
			return newHTTPError(http.StatusPreconditionFailed, "if-match precondition failed")
		case errors.Is(err, store.ErrStaleEpoch):
			w.Header().Set(HeaderProducerCurrentEpoch, strconv.FormatInt(result.CurrentEpoch, 10))
			return newHTTPError(http.StatusForbidden, "producer epoch is stale")
		case errors.Is(err, store.ErrProducerSeqGap), errors.Is(err, store.ErrProducerSeqBack):
			w.Header().Set(HeaderProducerExpectedSeq, strconv.FormatInt(result.ExpectedSeq, 10))
			w.Header().Set(HeaderProducerReceivedSeq, strconv.FormatInt(result.ReceivedSeq, 10))
			return newHTTPError(http.StatusConflict, "producer sequence conflict")
		default:
			return err
		}
	}

	w.Header().Set(HeaderStreamNextOffset, result.Offset.String())
	if result.StreamClosed {
		w.Header().Set(HeaderStreamClosed, "true")
	}

	if result.Duplicate {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	w.WriteHeader(http.StatusOK)
	if result.StreamClosed {
		h.publishHook(hooks.EventClosed, path, result.Offset.String())
	} else {
		h.publishHook(hooks.EventAppended, path, result.Offset.String())
	}
	return nil
}

// handleDelete handles DELETE requests to delete a stream.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, path string) error {
	err := h.store.Delete(path)
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	w.WriteHeader(http.StatusNoContent)
	h.publishHook(hooks.EventDeleted, path, "")
	return nil
}

// HTTP error handling
type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string {
	return e.message
}

func newHTTPError(status int, message string) *httpError {
	return &httpError{status: status, message: message}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		http.Error(w, httpErr.message, httpErr.status)
		return
	}

	h.logger.Error("internal error", zap.Error(err))
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

// parseTTL parses and validates a TTL string according to the protocol.
var ttlRegex = regexp.MustCompile(`^[1-9][0-9]*$|^0$`)

func parseTTL(s string) (int64, error) {
	if !ttlRegex.MatchString(s) {
		return 0, fmt.Errorf("invalid TTL format: must be a non-negative integer without leading zeros")
	}

	ttl, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid TTL: %w", err)
	}

	if ttl < 0 {
		return 0, fmt.Errorf("TTL must be non-negative")
	}

	return ttl, nil
}
