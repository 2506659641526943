// Package filetransfer implements the FileTransfer service: requesting
// files and database-source listings from a remote device.
//
// FileTransfer frames open with the 'fltx' magic followed by a
// sub-message id. The client serializes requests: one transfer is in
// flight per session at a time, matching the device's sequential
// request/response behavior.
package filetransfer

import (
	"bytes"
	"context"
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
const ServiceName = "FileTransfer"

// Wire constants.
const (
	// MagicFltx opens every FileTransfer frame ('fltx' big-endian).
	MagicFltx uint32 = 0x666C7478

	// MsgIDSources is a database-source listing response.
	MsgIDSources uint32 = 0x00000001

	// MsgIDStat is a file-stat response opening a transfer.
	MsgIDStat uint32 = 0x00000002

	// MsgIDChunk is one chunk of file content.
	MsgIDChunk uint32 = 0x00000003

	// MsgIDComplete terminates a transfer.
	MsgIDComplete uint32 = 0x00000004

	// MsgIDRequestSources asks for the database-source listing.
	MsgIDRequestSources uint32 = 0x000007D2

	// MsgIDRequestFile asks for a file's content.
	MsgIDRequestFile uint32 = 0x000007D3
)

// FileTransfer errors.
var (
	// ErrBadMagic indicates a frame without the 'fltx' magic.
	ErrBadMagic = errors.New("missing fltx magic")

	// ErrUnknownSubMessage indicates an unrecognized sub-message id.
	ErrUnknownSubMessage = errors.New("unknown filetransfer sub-message")

	// ErrBadSourceCount indicates a claimed source count larger than the
	// frame can carry. The count is untrusted wire input and is checked
	// against the remaining bytes before any allocation.
	ErrBadSourceCount = errors.New("source count exceeds frame size")

	// ErrNotStarted indicates an operation before Start.
	ErrNotStarted = errors.New("filetransfer not started")

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("filetransfer already started")

	// ErrSizeMismatch indicates a completed transfer whose assembled
	// size differs from the announced size.
	ErrSizeMismatch = errors.New("transfer size mismatch")

	// ErrSessionGone indicates the session faulted mid-transfer.
	ErrSessionGone = errors.New("session terminated during transfer")
)

// Response is one decoded FileTransfer response frame. Exactly one
// field is populated, matching the sub-message id.
type Response struct {
	// Sources lists database sources (MsgIDSources).
	Sources []string

	// Size is the announced file size (MsgIDStat).
	Size uint64

	// Chunk is one chunk of content (MsgIDChunk).
	Chunk []byte
}

// FileTransfer is the concrete FileTransfer service handler.
type FileTransfer struct {
	logger   log.Logger
	deviceID string

	mu      sync.Mutex
	session *service.Session[Response]

	// requestMu serializes outstanding requests.
	requestMu sync.Mutex

	// pending is the in-flight transfer, nil when idle.
	pending *transfer
}

// transfer accumulates response frames for one request.
type transfer struct {
	sources  []string
	size     uint64
	haveSize bool
	buf      bytes.Buffer
	done     chan error
}

// New creates a FileTransfer service.
func New() *FileTransfer {
	return &FileTransfer{}
}

// SetLogger configures protocol event capture.
func (f *FileTransfer) SetLogger(logger log.Logger, deviceID string) {
	f.logger = logger
	f.deviceID = deviceID
}

// ServiceName implements service.Handler.
func (f *FileTransfer) ServiceName() string { return ServiceName }

// Start binds the service to conn.
func (f *FileTransfer) Start(conn io.ReadWriteCloser) error {
	f.mu.Lock()
	if f.session != nil {
		f.mu.Unlock()
		return ErrAlreadyStarted
	}

	var sessOpts []service.SessionOption[Response]
	if f.logger != nil {
		remoteAddr := ""
		if nc, ok := conn.(net.Conn); ok {
			remoteAddr = nc.RemoteAddr().String()
		}
		sessOpts = append(sessOpts, service.WithLogger[Response](f.logger, remoteAddr))
	}
	sess := service.NewSession[Response](f, conn, sessOpts...)
	f.session = sess
	f.mu.Unlock()

	if err := sess.Start(); err != nil {
		return err
	}

	// Fail the in-flight transfer when the session dies under it.
	go func() {
		<-sess.Done()
		f.failPending(ErrSessionGone)
	}()
	return nil
}

// Session returns the underlying session, or nil before Start.
func (f *FileTransfer) Session() *service.Session[Response] {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

// Stop closes the service session.
func (f *FileTransfer) Stop() error {
	f.mu.Lock()
	sess := f.session
	f.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Close()
}

// RequestSources asks the device for its database-source listing
// (attached drives, SD cards, internal storage).
func (f *FileTransfer) RequestSources(ctx context.Context) ([]string, error) {
	f.requestMu.Lock()
	defer f.requestMu.Unlock()

	sess := f.Session()
	if sess == nil {
		return nil, ErrNotStarted
	}

	tr := &transfer{done: make(chan error, 1)}
	f.setPending(tr)
	defer f.setPending(nil)

	req := wire.NewWriteCursor()
	req.WriteUint32(MagicFltx)
	req.WriteUint32(MsgIDRequestSources)
	if err := sess.Send(req); err != nil {
		return nil, err
	}

	select {
	case err := <-tr.done:
		if err != nil {
			return nil, err
		}
		return tr.sources, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DownloadFile requests path from the device and assembles the chunked
// response into memory.
func (f *FileTransfer) DownloadFile(ctx context.Context, path string) ([]byte, error) {
	f.requestMu.Lock()
	defer f.requestMu.Unlock()

	sess := f.Session()
	if sess == nil {
		return nil, ErrNotStarted
	}

	tr := &transfer{done: make(chan error, 1)}
	f.setPending(tr)
	defer f.setPending(nil)

	req := wire.NewWriteCursor()
	req.WriteUint32(MagicFltx)
	req.WriteUint32(MsgIDRequestFile)
	req.WriteNetworkString(path)
	if err := sess.Send(req); err != nil {
		return nil, err
	}

	select {
	case err := <-tr.done:
		if err != nil {
			return nil, err
		}
		data := tr.buf.Bytes()
		if tr.haveSize && uint64(len(data)) != tr.size {
			return nil, fmt.Errorf("%w: announced %d, received %d", ErrSizeMismatch, tr.size, len(data))
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *FileTransfer) setPending(tr *transfer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = tr
}

func (f *FileTransfer) getPending() *transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

func (f *FileTransfer) failPending(err error) {
	if tr := f.getPending(); tr != nil {
		select {
		case tr.done <- err:
		default:
		}
	}
}

// ParseData implements service.Handler. A frame is magic, sub-message
// id, then the sub-message body; the cursor must be exhausted.
func (f *FileTransfer) ParseData(cursor *wire.ReadCursor) (service.Message[Response], error) {
	var msg service.Message[Response]

	magic, err := cursor.ReadUint32()
	if err != nil {
		return msg, err
	}
	if magic != MagicFltx {
		return msg, fmt.Errorf("%w: 0x%08x", ErrBadMagic, magic)
	}

	id, err := cursor.ReadUint32()
	if err != nil {
		return msg, err
	}
	msg.ID = id

	switch id {
	case MsgIDSources:
		count, err := cursor.ReadUint32()
		if err != nil {
			return msg, err
		}
		// Each entry carries at least its uint32 length prefix.
		if uint64(count)*4 > uint64(cursor.SizeLeft()) {
			return msg, fmt.Errorf("%w: %d sources, %d bytes left",
				ErrBadSourceCount, count, cursor.SizeLeft())
		}
		sources := make([]string, 0, count)
		for i := uint32(0); i < count; i++ {
			s, err := cursor.ReadNetworkString()
			if err != nil {
				return msg, err
			}
			sources = append(sources, s)
		}
		msg.Payload = Response{Sources: sources}
		return msg, nil

	case MsgIDStat:
		size, err := cursor.ReadUint64()
		if err != nil {
			return msg, err
		}
		msg.Payload = Response{Size: size}
		return msg, nil

	case MsgIDChunk:
		chunk := cursor.ReadRemaining()
		msg.Payload = Response{Chunk: append([]byte(nil), chunk...)}
		return msg, nil

	case MsgIDComplete:
		return msg, nil

	default:
		return msg, fmt.Errorf("%w: 0x%08x", ErrUnknownSubMessage, id)
	}
}

// HandleMessage implements service.Handler: response frames feed the
// in-flight transfer; frames with no transfer pending are discarded.
func (f *FileTransfer) HandleMessage(msg service.Message[Response]) {
	tr := f.getPending()
	if tr == nil {
		return
	}

	switch msg.ID {
	case MsgIDSources:
		tr.sources = msg.Payload.Sources
		tr.done <- nil
	case MsgIDStat:
		tr.size = msg.Payload.Size
		tr.haveSize = true
	case MsgIDChunk:
		tr.buf.Write(msg.Payload.Chunk)
	case MsgIDComplete:
		tr.done <- nil
	}
}
