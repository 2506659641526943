// Package wire provides the binary cursor primitives used to build and
// parse StageLinq protocol messages.
//
// The protocol is consistently big-endian: multi-byte integers are
// network byte order and floating point values are IEEE-754 doubles in
// big-endian byte order. Strings carried on the wire (state names, file
// paths) are length-prefixed UTF-16BE.
//
// A ReadCursor wraps an immutable byte buffer and an advancing offset.
// Reading past the end of the buffer is a decode fault and fails fast
// with ErrShortBuffer rather than returning zeros. A WriteCursor
// accumulates bytes for outbound messages.
package wire
