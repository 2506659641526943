package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf16"
)

// Cursor errors.
var (
	// ErrShortBuffer indicates a read past the end of the buffer.
	ErrShortBuffer = errors.New("read past end of buffer")

	// ErrInvalidStringLength indicates a network string with an odd or
	// oversized byte length.
	ErrInvalidStringLength = errors.New("invalid network string length")
)

// ReadCursor is a sequential reader over an immutable byte buffer.
// Every read advances the offset by the width of the field read.
type ReadCursor struct {
	buf []byte
	off int
}

// NewReadCursor creates a read cursor over buf. The cursor does not
// copy buf; callers must not mutate it while the cursor is in use.
func NewReadCursor(buf []byte) *ReadCursor {
	return &ReadCursor{buf: buf}
}

// SizeLeft returns the number of unread bytes.
func (c *ReadCursor) SizeLeft() int {
	return len(c.buf) - c.off
}

// IsEOF reports whether the cursor has consumed the entire buffer.
func (c *ReadCursor) IsEOF() bool {
	return c.off == len(c.buf)
}

// Offset returns the current read offset.
func (c *ReadCursor) Offset() int {
	return c.off
}

// need checks that n bytes remain before a fixed-width read.
func (c *ReadCursor) need(n int) error {
	if c.SizeLeft() < n {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d",
			ErrShortBuffer, n, c.off, c.SizeLeft())
	}
	return nil
}

// ReadUint8 reads one byte.
func (c *ReadCursor) ReadUint8() (uint8, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.buf[c.off]
	c.off++
	return v, nil
}

// ReadUint16 reads a big-endian 16-bit unsigned integer.
func (c *ReadCursor) ReadUint16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(c.buf[c.off:])
	c.off += 2
	return v, nil
}

// ReadUint32 reads a big-endian 32-bit unsigned integer.
func (c *ReadCursor) ReadUint32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(c.buf[c.off:])
	c.off += 4
	return v, nil
}

// ReadUint64 reads a big-endian 64-bit unsigned integer.
func (c *ReadCursor) ReadUint64() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(c.buf[c.off:])
	c.off += 8
	return v, nil
}

// ReadFloat64 reads a big-endian IEEE-754 double.
func (c *ReadCursor) ReadFloat64() (float64, error) {
	bits, err := c.ReadUint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(bits), nil
}

// ReadBytes reads n raw bytes. The returned slice aliases the
// underlying buffer.
func (c *ReadCursor) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrShortBuffer, n)
	}
	if err := c.need(n); err != nil {
		return nil, err
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

// ReadRemaining reads all unread bytes.
func (c *ReadCursor) ReadRemaining() []byte {
	b := c.buf[c.off:]
	c.off = len(c.buf)
	return b
}

// ReadNetworkString reads a length-prefixed UTF-16BE string: a uint32
// byte length followed by that many bytes of UTF-16BE code units.
func (c *ReadCursor) ReadNetworkString() (string, error) {
	n, err := c.ReadUint32()
	if err != nil {
		return "", err
	}
	if n%2 != 0 {
		return "", fmt.Errorf("%w: %d bytes", ErrInvalidStringLength, n)
	}
	raw, err := c.ReadBytes(int(n))
	if err != nil {
		return "", err
	}
	units := make([]uint16, n/2)
	for i := range units {
		units[i] = binary.BigEndian.Uint16(raw[i*2:])
	}
	return string(utf16.Decode(units)), nil
}

// WriteCursor accumulates bytes for an outbound message.
// The zero value is ready to use.
type WriteCursor struct {
	buf []byte
}

// NewWriteCursor creates an empty write cursor.
func NewWriteCursor() *WriteCursor {
	return &WriteCursor{}
}

// Len returns the number of bytes written so far.
func (c *WriteCursor) Len() int {
	return len(c.buf)
}

// Bytes returns the accumulated bytes. The slice aliases the cursor's
// internal buffer and is invalidated by further writes.
func (c *WriteCursor) Bytes() []byte {
	return c.buf
}

// WriteUint8 appends one byte.
func (c *WriteCursor) WriteUint8(v uint8) {
	c.buf = append(c.buf, v)
}

// WriteUint16 appends a big-endian 16-bit unsigned integer.
func (c *WriteCursor) WriteUint16(v uint16) {
	c.buf = binary.BigEndian.AppendUint16(c.buf, v)
}

// WriteUint32 appends a big-endian 32-bit unsigned integer.
func (c *WriteCursor) WriteUint32(v uint32) {
	c.buf = binary.BigEndian.AppendUint32(c.buf, v)
}

// WriteUint64 appends a big-endian 64-bit unsigned integer.
func (c *WriteCursor) WriteUint64(v uint64) {
	c.buf = binary.BigEndian.AppendUint64(c.buf, v)
}

// WriteFloat64 appends a big-endian IEEE-754 double.
func (c *WriteCursor) WriteFloat64(v float64) {
	c.WriteUint64(math.Float64bits(v))
}

// WriteBytes appends raw bytes.
func (c *WriteCursor) WriteBytes(b []byte) {
	c.buf = append(c.buf, b...)
}

// WriteNetworkString appends a length-prefixed UTF-16BE string.
func (c *WriteCursor) WriteNetworkString(s string) {
	units := utf16.Encode([]rune(s))
	c.WriteUint32(uint32(len(units) * 2))
	for _, u := range units {
		c.WriteUint16(u)
	}
}
