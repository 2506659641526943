// Package statemap implements the StateMap service: JSON-valued state
// change notifications keyed by engine state paths such as
// /Engine/Deck1/Play.
//
// StateMap frames open with the 'smaa' magic followed by a sub-message
// id: 0x00000000 for a state emission, 0x000007d2 for the subscription
// handshake. State names travel as UTF-16BE network strings, values as
// UTF-16BE JSON documents.
package statemap

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/stagelinq-protocol/stagelinq-go/pkg/log"
	"github.com/stagelinq-protocol/stagelinq-go/pkg/service"
	"github.com/stagelinq-protocol/stagelinq-go/pkg/wire"
)

// ServiceName is the service name announced on the wire.
const ServiceName = "StateMap"

// Wire constants.
const (
	// MagicSmaa opens every StateMap frame ('smaa' big-endian).
	MagicSmaa uint32 = 0x736D6161

	// MsgIDEmit tags a state emission.
	MsgIDEmit uint32 = 0x00000000

	// MsgIDSubscribe tags a subscription request.
	MsgIDSubscribe uint32 = 0x000007D2
)

// StateMap errors.
var (
	// ErrBadMagic indicates a frame without the 'smaa' magic.
	ErrBadMagic = errors.New("missing smaa magic")

	// ErrUnknownSubMessage indicates an unrecognized sub-message id.
	ErrUnknownSubMessage = errors.New("unknown statemap sub-message")

	// ErrNotStarted indicates an operation before Start.
	ErrNotStarted = errors.New("statemap not started")

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("statemap already started")
)

// StateValue is one decoded state emission.
type StateValue struct {
	// Name is the engine state path.
	Name string

	// JSON is the raw JSON document carried for the state.
	JSON json.RawMessage
}

// StateMap is the concrete StateMap service handler.
type StateMap struct {
	logger   log.Logger
	deviceID string

	mu        sync.Mutex
	session   *service.Session[StateValue]
	observers []func(msg service.Message[StateValue])
}

// New creates a StateMap service.
func New() *StateMap {
	return &StateMap{}
}

// SetLogger configures protocol event capture.
func (s *StateMap) SetLogger(logger log.Logger, deviceID string) {
	s.logger = logger
	s.deviceID = deviceID
}

// ServiceName implements service.Handler.
func (s *StateMap) ServiceName() string { return ServiceName }

// OnMessage registers a pass-through observer for every decoded state
// emission. Observers are invoked in registration order on the read
// loop, so they see emissions in socket-arrival order.
func (s *StateMap) OnMessage(fn func(msg service.Message[StateValue])) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Start binds the service to conn and begins reading emissions.
func (s *StateMap) Start(conn io.ReadWriteCloser) error {
	s.mu.Lock()
	if s.session != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}

	var sessOpts []service.SessionOption[StateValue]
	if s.logger != nil {
		remoteAddr := ""
		if nc, ok := conn.(net.Conn); ok {
			remoteAddr = nc.RemoteAddr().String()
		}
		sessOpts = append(sessOpts, service.WithLogger[StateValue](s.logger, remoteAddr))
	}
	sess := service.NewSession[StateValue](s, conn, sessOpts...)
	s.session = sess
	s.mu.Unlock()

	return sess.Start()
}

// Session returns the underlying session, or nil before Start.
func (s *StateMap) Session() *service.Session[StateValue] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Stop closes the service session.
func (s *StateMap) Stop() error {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Close()
}

// Subscribe requests emissions for one engine state path. interval is
// the device-side coalescing interval in milliseconds; 0 means emit on
// every change.
func (s *StateMap) Subscribe(name string, interval uint32) error {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return ErrNotStarted
	}
	return sess.Send(BuildSubscribeRequest(name, interval))
}

// BuildSubscribeRequest encodes a subscription request frame.
func BuildSubscribeRequest(name string, interval uint32) *wire.WriteCursor {
	c := wire.NewWriteCursor()
	c.WriteUint32(MagicSmaa)
	c.WriteUint32(MsgIDSubscribe)
	c.WriteNetworkString(name)
	c.WriteUint32(interval)
	return c
}

// BuildEmitFrame encodes a state emission frame. Devices send these;
// the client builds them only in tests and tooling.
func BuildEmitFrame(name string, doc []byte) *wire.WriteCursor {
	c := wire.NewWriteCursor()
	c.WriteUint32(MagicSmaa)
	c.WriteUint32(MsgIDEmit)
	c.WriteNetworkString(name)
	c.WriteNetworkString(string(doc))
	return c
}

// ParseData implements service.Handler. A frame is magic, sub-message
// id, then the sub-message body; the cursor must be exhausted.
func (s *StateMap) ParseData(cursor *wire.ReadCursor) (service.Message[StateValue], error) {
	var msg service.Message[StateValue]

	magic, err := cursor.ReadUint32()
	if err != nil {
		return msg, err
	}
	if magic != MagicSmaa {
		return msg, fmt.Errorf("%w: 0x%08x", ErrBadMagic, magic)
	}

	id, err := cursor.ReadUint32()
	if err != nil {
		return msg, err
	}
	msg.ID = id

	switch id {
	case MsgIDEmit:
		name, err := cursor.ReadNetworkString()
		if err != nil {
			return msg, err
		}
		doc, err := cursor.ReadNetworkString()
		if err != nil {
			return msg, err
		}
		msg.Payload = StateValue{Name: name, JSON: json.RawMessage(doc)}
		return msg, nil

	case MsgIDSubscribe:
		// Subscription echo: name plus interval, no payload to surface.
		if _, err := cursor.ReadNetworkString(); err != nil {
			return msg, err
		}
		if _, err := cursor.ReadUint32(); err != nil {
			return msg, err
		}
		return msg, nil

	default:
		return msg, fmt.Errorf("%w: 0x%08x", ErrUnknownSubMessage, id)
	}
}

// HandleMessage implements service.Handler: state emissions fan out to
// every registered observer; subscription echoes are dropped.
func (s *StateMap) HandleMessage(msg service.Message[StateValue]) {
	if msg.ID != MsgIDEmit {
		return
	}

	s.mu.Lock()
	observers := append(([]func(service.Message[StateValue]))(nil), s.observers...)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(msg)
	}
}
