package service

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagelinq-protocol/stagelinq-go/pkg/log"
	"github.com/stagelinq-protocol/stagelinq-go/pkg/transport"
	"github.com/stagelinq-protocol/stagelinq-go/pkg/wire"
)

// Session binds a Handler to exactly one socket. It owns message
// framing and the sequential read loop; at most one frame is in flight
// per socket at a time.
type Session[T any] struct {
	handler Handler[T]
	conn    io.ReadWriteCloser
	framer  *transport.Framer

	logger     log.Logger
	remoteAddr string

	mu       sync.Mutex
	started  bool
	closed   bool
	faultErr error

	done chan struct{}
	wg   sync.WaitGroup
}

// SessionOption configures a Session.
type SessionOption[T any] func(*Session[T])

// WithLogger enables protocol event capture for the session and its framing.
func WithLogger[T any](logger log.Logger, remoteAddr string) SessionOption[T] {
	return func(s *Session[T]) {
		s.logger = logger
		s.remoteAddr = remoteAddr
		s.framer.SetLogger(logger, remoteAddr)
	}
}

// NewSession creates a session over conn. The session does not read
// until Start is called.
func NewSession[T any](handler Handler[T], conn io.ReadWriteCloser, opts ...SessionOption[T]) *Session[T] {
	s := &Session[T]{
		handler: handler,
		conn:    conn,
		framer:  transport.NewFramer(conn),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the read loop. It is an error to call Start twice.
func (s *Session[T]) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.started {
		return fmt.Errorf("%s: session already started", s.handler.ServiceName())
	}
	s.started = true

	s.wg.Add(1)
	go s.readLoop()
	return nil
}

// Send writes the accumulated bytes of cursor as one frame on the
// session socket. The frame is written atomically with respect to
// concurrent senders.
func (s *Session[T]) Send(cursor *wire.WriteCursor) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	return s.framer.WriteFrame(cursor.Bytes())
}

// Close closes the session socket and waits for the read loop to exit.
// It is safe to call Close multiple times.
func (s *Session[T]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.conn.Close()
	s.wg.Wait()
	return err
}

// Done is closed when the read loop has terminated, either through
// Close or a session fault.
func (s *Session[T]) Done() <-chan struct{} {
	return s.done
}

// Err returns the fault that terminated the read loop, or nil for a
// clean shutdown.
func (s *Session[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faultErr
}

// readLoop reads and dispatches frames until the socket closes or a
// decode fault occurs. Frames are handled strictly sequentially.
func (s *Session[T]) readLoop() {
	defer s.wg.Done()
	defer close(s.done)

	for {
		payload, err := s.framer.ReadFrame()
		if err != nil {
			if err == io.EOF || s.isClosed() {
				return
			}
			s.fault(fmt.Errorf("%s: read error: %w", s.handler.ServiceName(), err))
			return
		}

		if len(payload) < 4 {
			s.fault(&DecodeError{Service: s.handler.ServiceName(), Err: ErrFrameTooShort})
			return
		}
		messageID := binary.BigEndian.Uint32(payload[:4])

		cursor := wire.NewReadCursor(payload)
		if messageID == MsgIDServiceAnnounce {
			cursor.ReadUint32() // consume the id
			s.dispatchServiceData(messageID, cursor)
			continue
		}

		// ParseData reads the message id itself; hand it the whole frame.
		msg, err := s.handler.ParseData(cursor)
		if err != nil {
			s.fault(&DecodeError{Service: s.handler.ServiceName(), MessageID: messageID, Err: err})
			return
		}
		if !cursor.IsEOF() {
			s.fault(&DecodeError{Service: s.handler.ServiceName(), MessageID: messageID, Err: ErrPartialConsumption})
			return
		}
		s.handler.HandleMessage(msg)
	}
}

// dispatchServiceData routes an out-of-band announcement frame. The
// default behavior when the handler does not implement
// ServiceDataHandler is to log and discard.
func (s *Session[T]) dispatchServiceData(messageID uint32, cursor *wire.ReadCursor) {
	ann, err := parseAnnouncement(cursor)
	if err != nil {
		// Announcements from unknown firmware revisions vary; discard
		// rather than faulting the session.
		s.logError(fmt.Errorf("malformed service announcement: %w", err), "service data")
		return
	}

	deviceID := uuid.UUID(ann.Token).String()

	if h, ok := s.handler.(ServiceDataHandler); ok {
		h.HandleServiceData(messageID, deviceID, ann.Service, cursor)
		return
	}

	if s.logger != nil {
		s.logger.Log(log.Event{
			Timestamp:  time.Now(),
			DeviceID:   deviceID,
			Service:    s.handler.ServiceName(),
			RemoteAddr: s.remoteAddr,
			Direction:  log.DirectionIn,
			Layer:      log.LayerService,
			Category:   log.CategoryMessage,
			Message:    &log.MessageEvent{MessageID: messageID, Dropped: true},
		})
	}
}

// fault records a session fault, logs it and closes the socket.
func (s *Session[T]) fault(err error) {
	s.mu.Lock()
	if s.faultErr == nil {
		s.faultErr = err
	}
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()

	s.logError(err, "read loop")

	if !alreadyClosed {
		s.conn.Close()
	}
}

func (s *Session[T]) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session[T]) logError(err error, context string) {
	if s.logger == nil {
		return
	}
	s.logger.Log(log.Event{
		Timestamp:  time.Now(),
		Service:    s.handler.ServiceName(),
		RemoteAddr: s.remoteAddr,
		Direction:  log.DirectionIn,
		Layer:      log.LayerService,
		Category:   log.CategoryError,
		Error: &log.ErrorEventData{
			Layer:   log.LayerService,
			Message: err.Error(),
			Context: context,
		},
	})
}

// IsDecodeFault reports whether err is a structured decode fault.
func IsDecodeFault(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
