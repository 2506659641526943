// Package service provides the generic StageLinq service framework.
//
// A service is a protocol sub-channel implementing one message family
// (beat sync, state change notification, file transfer) over a device
// connection. The framework owns framing and the sequential read loop;
// concrete services own only decode and dispatch logic by implementing
// the Handler interface:
//
//	type Handler[T any] interface {
//	    ServiceName() string
//	    ParseData(cursor *wire.ReadCursor) (Message[T], error)
//	    HandleMessage(msg Message[T])
//	}
//
// Frames are processed strictly sequentially: the read loop never
// decodes a second frame before HandleMessage for the prior frame has
// returned. A malformed frame (decode error, or a parser that leaves
// bytes unconsumed) is fatal to the session: the socket is closed and
// the fault surfaces through Err/Done so the connection orchestrator,
// not the service, decides whether to reconnect.
//
// Frames with message id 0 carry out-of-band service announcements
// (device token, service name, port) and are routed to
// HandleServiceData when the handler implements ServiceDataHandler;
// otherwise they are logged and discarded.
package service
