package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/stagelinq-protocol/stagelinq-go/pkg/log"
)

// Framing constants.
const (
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4

	// DefaultMaxFrameSize is the default maximum frame payload size (1 MB).
	// File-transfer chunks are the largest frames seen on the wire.
	DefaultMaxFrameSize = 1 << 20

	// MaxLogFrameDataSize is the maximum frame data size to include in log
	// events (4 KB). Larger frames are truncated in the event record.
	MaxLogFrameDataSize = 4096
)

// Framing errors.
var (
	// ErrFrameTooLarge indicates the frame exceeds the maximum size.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrFrameEmpty indicates a zero-length frame.
	ErrFrameEmpty = errors.New("frame is empty")

	// ErrFrameTruncated indicates the stream ended mid-frame.
	ErrFrameTruncated = errors.New("frame truncated")
)

// FrameWriter writes length-prefixed frames to an underlying writer.
type FrameWriter struct {
	w            io.Writer
	maxFrameSize uint32
	mu           sync.Mutex

	// Protocol event capture (optional)
	logger     log.Logger
	remoteAddr string
}

// NewFrameWriter creates a new frame writer.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{
		w:            w,
		maxFrameSize: DefaultMaxFrameSize,
	}
}

// SetLogger configures protocol event capture for this writer.
// Pass nil to disable capture.
func (fw *FrameWriter) SetLogger(logger log.Logger, remoteAddr string) {
	fw.logger = logger
	fw.remoteAddr = remoteAddr
}

// WriteFrame writes one length-prefixed frame. The length prefix and
// payload are written under a single lock so concurrent senders cannot
// interleave frames.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	if len(payload) == 0 {
		return ErrFrameEmpty
	}
	if uint32(len(payload)) > fw.maxFrameSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), fw.maxFrameSize)
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	var lengthBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(payload)))

	if _, err := fw.w.Write(lengthBuf[:]); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := fw.w.Write(payload); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}

	if fw.logger != nil {
		fw.logger.Log(frameEvent(payload, log.DirectionOut, fw.remoteAddr))
	}

	return nil
}

// FrameReader reads length-prefixed frames from an underlying reader.
type FrameReader struct {
	r            io.Reader
	maxFrameSize uint32
	lengthBuf    [LengthPrefixSize]byte

	// Protocol event capture (optional)
	logger     log.Logger
	remoteAddr string
}

// NewFrameReader creates a new frame reader.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{
		r:            r,
		maxFrameSize: DefaultMaxFrameSize,
	}
}

// SetLogger configures protocol event capture for this reader.
// Pass nil to disable capture.
func (fr *FrameReader) SetLogger(logger log.Logger, remoteAddr string) {
	fr.logger = logger
	fr.remoteAddr = remoteAddr
}

// ReadFrame reads one length-prefixed frame and returns its payload
// (without the length prefix).
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.lengthBuf[:]); err != nil {
		if err == io.EOF {
			return nil, err
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("failed to read length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(fr.lengthBuf[:])
	if length == 0 {
		return nil, ErrFrameEmpty
	}
	if length > fr.maxFrameSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, fr.maxFrameSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}

	if fr.logger != nil {
		fr.logger.Log(frameEvent(payload, log.DirectionIn, fr.remoteAddr))
	}

	return payload, nil
}

// frameEvent builds a transport-layer log event for one frame.
func frameEvent(payload []byte, direction log.Direction, remoteAddr string) log.Event {
	data := payload
	truncated := false
	if len(payload) > MaxLogFrameDataSize {
		data = payload[:MaxLogFrameDataSize]
		truncated = true
	}

	return log.Event{
		Timestamp:  time.Now(),
		RemoteAddr: remoteAddr,
		Direction:  direction,
		Layer:      log.LayerTransport,
		Category:   log.CategoryMessage,
		Frame: &log.FrameEvent{
			Size:      LengthPrefixSize + len(payload),
			Data:      data,
			Truncated: truncated,
		},
	}
}

// Framer combines frame reading and writing over one connection.
type Framer struct {
	*FrameReader
	*FrameWriter
}

// NewFramer creates a new framer for bidirectional communication.
func NewFramer(rw io.ReadWriter) *Framer {
	return &Framer{
		FrameReader: NewFrameReader(rw),
		FrameWriter: NewFrameWriter(rw),
	}
}

// SetLogger configures protocol event capture for both directions.
// Pass nil to disable capture.
func (f *Framer) SetLogger(logger log.Logger, remoteAddr string) {
	f.FrameReader.SetLogger(logger, remoteAddr)
	f.FrameWriter.SetLogger(logger, remoteAddr)
}

// FrameSize returns the total frame size including the length prefix.
func FrameSize(payloadSize int) int {
	return LengthPrefixSize + payloadSize
}
