// Package transport provides the StageLinq transport layer.
//
// Every service session runs over one persistent TCP connection per
// remote device. Frames are delimited by a 4-byte big-endian length
// prefix followed by the frame payload:
//
//	┌────────────────────────────────┐
//	│    Service Messages (binary)   │
//	├────────────────────────────────┤
//	│   Length-Prefix Framing (4B)   │
//	├────────────────────────────────┤
//	│             TCP                │
//	└────────────────────────────────┘
//
// The framing layer guarantees that the bytes of one frame are written
// atomically with respect to concurrent senders, and that a reader
// observes whole frames in arrival order.
package transport
