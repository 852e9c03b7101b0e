package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"os"
)

// Segment file format (§4.1): each record is a 4-byte big-endian length
// prefix followed by that many bytes of payload, with no separators.
// JSON-mode streams store one record per flattened array element;
// opaque streams store the POSTed bytes as a single record.
const (
	SegmentFileName  = "data.seg"
	lengthPrefixSize = 4

	// MaxMessageSize bounds a single record so a corrupted length
	// prefix can't make a reader try to allocate unbounded memory.
	MaxMessageSize = 64 * 1024 * 1024
)

var (
	ErrMessageTooLarge  = errors.New("message exceeds maximum size")
	ErrCorruptedSegment = errors.New("corrupted segment file")
)

// WriteMessage appends one length-prefixed record to w and returns the
// total bytes written, including the prefix.
func WriteMessage(w io.Writer, data []byte) (int, error) {
	if len(data) > MaxMessageSize {
		return 0, ErrMessageTooLarge
	}
	var lenBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	n, err := w.Write(lenBuf[:])
	if err != nil {
		return n, err
	}
	n2, err := w.Write(data)
	return n + n2, err
}

// ReadMessage reads one length-prefixed record from r.
func ReadMessage(r io.Reader) ([]byte, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxMessageSize {
		return nil, ErrCorruptedSegment
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// SegmentReader streams records out of a segment file starting at an
// arbitrary byte offset, used by FileStore.Read for range reads.
type SegmentReader struct {
	file   *os.File
	reader *bufio.Reader
}

// NewSegmentReader opens path for reading.
func NewSegmentReader(path string) (*SegmentReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return NewSegmentReaderFromFile(file), nil
}

// NewSegmentReaderFromFile wraps an already-open file, e.g. one borrowed
// from a ReaderPool. The caller, not SegmentReader.Close, owns the fd.
func NewSegmentReaderFromFile(file *os.File) *SegmentReader {
	return &SegmentReader{file: file, reader: bufio.NewReaderSize(file, 64*1024)}
}

func (r *SegmentReader) seekToByteOffset(byteOffset uint64) error {
	if _, err := r.file.Seek(int64(byteOffset), io.SeekStart); err != nil {
		return err
	}
	r.reader.Reset(r.file)
	return nil
}

// ReadMessages reads every record from startOffset to EOF.
func (r *SegmentReader) ReadMessages(startOffset Offset) ([]Message, Offset, error) {
	if err := r.seekToByteOffset(startOffset.ByteOffset); err != nil {
		return nil, startOffset, err
	}

	var messages []Message
	current := startOffset
	for {
		data, err := ReadMessage(r.reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			return messages, current, err
		}
		current = Offset{ReadSeq: current.ReadSeq, ByteOffset: current.ByteOffset + uint64(lengthPrefixSize+len(data))}
		messages = append(messages, Message{Data: data, Offset: current})
	}
	return messages, current, nil
}

// Close closes the underlying file.
func (r *SegmentReader) Close() error {
	return r.file.Close()
}

// ScanSegment walks a segment file end to end and returns the offset of
// its last intact record boundary, discarding any trailing partial
// write. Used during crash recovery (§6 Persisted layout) to reconcile
// a metadata next_offset that is ahead of what the log actually holds.
func ScanSegment(path string) (Offset, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ZeroOffset, nil
		}
		return Offset{}, err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	var offset uint64
	for {
		var lenBuf [lengthPrefixSize]byte
		if _, err := io.ReadFull(reader, lenBuf[:]); err != nil {
			break // EOF or truncated prefix: stop at the last full record
		}
		length := binary.BigEndian.Uint32(lenBuf[:])
		if length > MaxMessageSize {
			break // corrupted length prefix: stop here
		}
		skipped, err := reader.Discard(int(length))
		if err != nil || uint32(skipped) != length {
			break // truncated record body
		}
		offset += uint64(lengthPrefixSize) + uint64(length)
	}
	return Offset{ByteOffset: offset}, nil
}

// CreateSegmentFile creates an empty segment file at path.
func CreateSegmentFile(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	return file.Close()
}
