package log

import (
	"time"
)

// Event represents a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// DeviceID is the dashed-hex identity of the remote device, when known.
	DeviceID string `cbor:"2,keyasint,omitempty"`

	// Service is the name of the service the event belongs to
	// (BeatInfo, StateMap, FileTransfer), when applicable.
	Service string `cbor:"3,keyasint,omitempty"`

	// RemoteAddr is the peer address (IP:port).
	RemoteAddr string `cbor:"4,keyasint,omitempty"`

	// Direction indicates message flow.
	Direction Direction `cbor:"5,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"6,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"7,keyasint"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"` // Transport layer
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"` // Service layer (decoded)
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"` // Connection/discovery state
	Policy      *PolicyEvent      `cbor:"13,keyasint,omitempty"` // Ignore-table decisions
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"` // Errors at any layer
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
	// DirectionLocal indicates a locally generated event (state, policy).
	DirectionLocal Direction = 2
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	case DirectionLocal:
		return "LOCAL"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which protocol layer captured the event.
type Layer uint8

const (
	// LayerTransport is the framing layer (raw bytes).
	LayerTransport Layer = 0
	// LayerService is the service layer (decoded messages).
	LayerService Layer = 1
	// LayerOrchestrator is the connection orchestration layer.
	LayerOrchestrator Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerService:
		return "SERVICE"
	case LayerOrchestrator:
		return "ORCHESTRATOR"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates a protocol message or frame.
	CategoryMessage Category = 0
	// CategoryState indicates a state change.
	CategoryState Category = 1
	// CategoryPolicy indicates an ignore-table decision.
	CategoryPolicy Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryState:
		return "STATE"
	case CategoryPolicy:
		return "POLICY"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures raw frame data at the transport layer.
type FrameEvent struct {
	// Size is the frame size in bytes (including length prefix).
	Size int `cbor:"1,keyasint"`

	// Data is the raw frame bytes (may be truncated for large frames).
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// MessageEvent captures a decoded service message.
type MessageEvent struct {
	// MessageID is the numeric message-type tag from the frame.
	MessageID uint32 `cbor:"1,keyasint"`

	// PayloadSize is the decoded payload size in bytes.
	PayloadSize int `cbor:"2,keyasint,omitempty"`

	// Dropped indicates the message was suppressed by change-detection
	// filtering and never reached the application callback.
	Dropped bool `cbor:"3,keyasint,omitempty"`
}

// StateChangeEvent captures connection and discovery lifecycle events.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityConnection indicates a socket connection state change.
	StateEntityConnection StateEntity = 0
	// StateEntityDiscovery indicates a discovery-status state change
	// (CONNECTING / CONNECTED / FAILED).
	StateEntityDiscovery StateEntity = 1
	// StateEntitySession indicates a service session state change.
	StateEntitySession StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntityDiscovery:
		return "DISCOVERY"
	case StateEntitySession:
		return "SESSION"
	default:
		return "UNKNOWN"
	}
}

// PolicyEvent captures an ignore-table decision for a discovery announcement.
type PolicyEvent struct {
	// Rule names the matched ignore rule.
	Rule string `cbor:"1,keyasint"`

	// SoftwareName is the announced software name.
	SoftwareName string `cbor:"2,keyasint,omitempty"`

	// Source is the announced source identity.
	Source string `cbor:"3,keyasint,omitempty"`
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Context describes what operation was being performed.
	Context string `cbor:"3,keyasint,omitempty"`
}
