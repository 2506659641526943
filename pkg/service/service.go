package service

import (
	"github.com/stagelinq-protocol/stagelinq-go/pkg/wire"
)

// MsgIDServiceAnnounce is the message id of out-of-band service
// announcement frames: devices announce their token, the service name
// and the service port on a freshly connected socket.
const MsgIDServiceAnnounce uint32 = 0x00000000

// Message is the typed envelope produced by every concrete service
// parser: the numeric message-type tag and the decoded payload.
type Message[T any] struct {
	// ID is the message-type tag read from the frame.
	ID uint32

	// Payload is the decoded message body.
	Payload T
}

// Handler is implemented once per concrete service. The framework calls
// ParseData once per arriving frame and HandleMessage once per
// successfully parsed frame, in arrival order, never concurrently.
type Handler[T any] interface {
	// ServiceName returns the service name (BeatInfo, StateMap, ...).
	ServiceName() string

	// ParseData decodes one frame. The cursor covers the whole frame
	// payload including the leading message id, and must be fully
	// consumed; leftover bytes are treated as a decode fault.
	ParseData(cursor *wire.ReadCursor) (Message[T], error)

	// HandleMessage is invoked once per parsed frame, in socket-arrival
	// order, on the read-loop goroutine.
	HandleMessage(msg Message[T])
}

// ServiceDataHandler is optionally implemented by handlers that want to
// process out-of-band service announcement frames. Handlers that do not
// implement it get the framework default: log and discard.
type ServiceDataHandler interface {
	// HandleServiceData receives an administrative frame: the announced
	// device identity, the announced service name and the remainder of
	// the frame.
	HandleServiceData(messageID uint32, deviceID string, serviceName string, cursor *wire.ReadCursor)
}

// Announcement is a decoded service announcement frame.
type Announcement struct {
	// Token is the announcing device's 16-byte token.
	Token [16]byte

	// Service is the announced service name.
	Service string

	// Port is the announced service port.
	Port uint16
}

// parseAnnouncement decodes the body of a service announcement frame
// (after the message id has been consumed).
func parseAnnouncement(cursor *wire.ReadCursor) (Announcement, error) {
	var ann Announcement

	raw, err := cursor.ReadBytes(16)
	if err != nil {
		return ann, err
	}
	copy(ann.Token[:], raw)

	if ann.Service, err = cursor.ReadNetworkString(); err != nil {
		return ann, err
	}
	if ann.Port, err = cursor.ReadUint16(); err != nil {
		return ann, err
	}
	return ann, nil
}

// ParseAnnouncement decodes a full service announcement frame including
// the leading message id.
func ParseAnnouncement(cursor *wire.ReadCursor) (Announcement, error) {
	id, err := cursor.ReadUint32()
	if err != nil {
		return Announcement{}, err
	}
	if id != MsgIDServiceAnnounce {
		return Announcement{}, ErrNotAnnouncement
	}
	return parseAnnouncement(cursor)
}

// BuildAnnouncement encodes a service announcement frame, including the
// message id. Used when connecting to a remote service to identify this
// process.
func BuildAnnouncement(token [16]byte, serviceName string, port uint16) *wire.WriteCursor {
	c := wire.NewWriteCursor()
	c.WriteUint32(MsgIDServiceAnnounce)
	c.WriteBytes(token[:])
	c.WriteNetworkString(serviceName)
	c.WriteUint16(port)
	return c
}
