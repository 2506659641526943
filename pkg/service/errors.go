package service

import (
	"errors"
	"fmt"
)

// Service errors.
var (
	// ErrSessionClosed indicates the session socket has been closed.
	ErrSessionClosed = errors.New("session closed")

	// ErrPartialConsumption indicates a parser returned without
	// consuming the whole frame, which is a structural decode error.
	ErrPartialConsumption = errors.New("frame not fully consumed")

	// ErrFrameTooShort indicates a frame too short to carry a message id.
	ErrFrameTooShort = errors.New("frame too short for message id")

	// ErrNotAnnouncement indicates a frame whose message id is not the
	// service announcement id.
	ErrNotAnnouncement = errors.New("not a service announcement frame")
)

// DecodeError is a structured decode fault identifying the offending
// service and message id. It is fatal to the service session.
type DecodeError struct {
	// Service is the name of the service that failed to decode.
	Service string

	// MessageID is the message-type tag of the offending frame,
	// when it could be read.
	MessageID uint32

	// Err is the underlying cause.
	Err error
}

// Error returns the decode fault description.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: decode fault on message 0x%08x: %v", e.Service, e.MessageID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DecodeError) Unwrap() error {
	return e.Err
}
