// Package log provides structured protocol logging for StageLinq.
//
// This package defines the Logger interface and Event types for capturing
// protocol-level events at multiple layers (transport framing, service
// decode/dispatch, connection orchestration). It is separate from
// operational logging (slog) - protocol capture provides a complete
// machine-readable event trace for debugging reverse-engineered hardware
// behavior.
//
// # Basic Usage
//
// Components accept a Logger; pass nil or NoopLogger to disable capture:
//
//	// For development: log to console via slog
//	opts.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// For analysis: write to binary file
//	opts.ProtocolLogger, _ = log.NewFileLogger("session.slog")
//
//	// Both: use MultiLogger
//	opts.ProtocolLogger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # File Format
//
// Log files are a stream of CBOR-encoded Event records with integer keys.
// Reader replays them, optionally filtered by device, service, layer or
// time range.
package log
