// Package beatinfo implements the BeatInfo service: real-time beat
// position, tempo and sample offset for every player on a device.
//
// The service is subscription based. After connecting, Start sends the
// fixed 8-byte subscribe trigger and the device streams beat messages
// continuously. To throttle callback frequency the handler applies
// change-detection filtering: a message is forwarded only when at least
// one player's beat counter crosses a bucket boundary of the configured
// size (EveryNBeats).
package beatinfo

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/stagelinq-protocol/stagelinq-go/pkg/log"
	"github.com/stagelinq-protocol/stagelinq-go/pkg/service"
	"github.com/stagelinq-protocol/stagelinq-go/pkg/wire"
)

// ServiceName is the service name announced on the wire.
const ServiceName = "BeatInfo"

// minFrameSize is the exclusive lower bound for beat messages: frames
// of 72 bytes or fewer are rejected before decoding.
const minFrameSize = 72

// playerBytes is the per-player wire footprint: four float64 fields.
const playerBytes = 32

// BeatInfo errors.
var (
	// ErrInvalidEveryNBeats indicates a non-positive beat bucket size.
	// The bucket test degenerates for N <= 0, so the option is rejected
	// at configuration time.
	ErrInvalidEveryNBeats = errors.New("EveryNBeats must be positive")

	// ErrMessageTooShort indicates a beat message below the minimum size.
	ErrMessageTooShort = errors.New("beat message too short")

	// ErrBadPlayerCount indicates a claimed player count larger than the
	// frame can carry. The count is untrusted wire input and is checked
	// against the remaining bytes before any allocation.
	ErrBadPlayerCount = errors.New("player count exceeds frame size")

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("beat info already started")
)

// PlayerBeatData is the per-player slice of a beat message.
type PlayerBeatData struct {
	// Beat is the current beat position within the track.
	Beat float64

	// TotalBeats is the total number of beats in the track.
	TotalBeats float64

	// BPM is the current tempo.
	BPM float64

	// Samples is the playback position in samples. On the wire it
	// arrives in a trailing second pass after all other player fields.
	Samples float64
}

// BeatData is one decoded beat message.
type BeatData struct {
	// Clock is the device's 64-bit monotonic-ish clock.
	Clock uint64

	// Players holds one entry per player, in wire order.
	Players []PlayerBeatData
}

// Callback receives forwarded beat messages.
type Callback func(msg service.Message[BeatData])

// Options configures the BeatInfo service.
type Options struct {
	// EveryNBeats is the beat bucket size used for change-detection
	// filtering. Must be positive.
	EveryNBeats int
}

// BeatInfo is the concrete BeatInfo service handler.
type BeatInfo struct {
	everyNBeats int
	logger      log.Logger
	deviceID    string

	mu       sync.Mutex
	callback Callback
	current  *BeatData
	session  *service.Session[BeatData]
}

// New creates a BeatInfo service. EveryNBeats must be positive.
func New(opts Options) (*BeatInfo, error) {
	if opts.EveryNBeats <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidEveryNBeats, opts.EveryNBeats)
	}
	return &BeatInfo{everyNBeats: opts.EveryNBeats}, nil
}

// SetLogger configures protocol event capture.
func (b *BeatInfo) SetLogger(logger log.Logger, deviceID string) {
	b.logger = logger
	b.deviceID = deviceID
}

// ServiceName implements service.Handler.
func (b *BeatInfo) ServiceName() string { return ServiceName }

// Start registers the callback, binds the service to conn and sends the
// beat-info subscribe request: a fixed 8-byte frame 00 00 00 04 00 00
// 00 00 (4-byte length prefix plus an empty uint32 payload).
func (b *BeatInfo) Start(callback Callback, conn io.ReadWriteCloser) error {
	b.mu.Lock()
	if b.session != nil {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.callback = callback

	var sessOpts []service.SessionOption[BeatData]
	if b.logger != nil {
		remoteAddr := ""
		if nc, ok := conn.(net.Conn); ok {
			remoteAddr = nc.RemoteAddr().String()
		}
		sessOpts = append(sessOpts, service.WithLogger[BeatData](b.logger, remoteAddr))
	}
	sess := service.NewSession[BeatData](b, conn, sessOpts...)
	b.session = sess
	b.mu.Unlock()

	if err := sess.Start(); err != nil {
		return err
	}

	sub := wire.NewWriteCursor()
	sub.WriteUint32(0)
	return sess.Send(sub)
}

// Session returns the underlying session, or nil before Start.
func (b *BeatInfo) Session() *service.Session[BeatData] {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session
}

// Stop closes the service session.
func (b *BeatInfo) Stop() error {
	b.mu.Lock()
	sess := b.session
	b.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Close()
}

// ParseData implements service.Handler. The wire layout is two-pass:
// all (beat, totalBeats, BPM) triples first, then one samples double
// per player. The cursor must be exhausted when decoding completes.
func (b *BeatInfo) ParseData(cursor *wire.ReadCursor) (service.Message[BeatData], error) {
	var msg service.Message[BeatData]

	if cursor.SizeLeft() <= minFrameSize {
		return msg, fmt.Errorf("%w: %d bytes", ErrMessageTooShort, cursor.SizeLeft())
	}

	id, err := cursor.ReadUint32()
	if err != nil {
		return msg, err
	}
	msg.ID = id

	clock, err := cursor.ReadUint64()
	if err != nil {
		return msg, err
	}
	playerCount, err := cursor.ReadUint32()
	if err != nil {
		return msg, err
	}
	if uint64(playerCount)*playerBytes > uint64(cursor.SizeLeft()) {
		return msg, fmt.Errorf("%w: %d players, %d bytes left",
			ErrBadPlayerCount, playerCount, cursor.SizeLeft())
	}

	data := BeatData{
		Clock:   clock,
		Players: make([]PlayerBeatData, playerCount),
	}

	for i := range data.Players {
		if data.Players[i].Beat, err = cursor.ReadFloat64(); err != nil {
			return msg, err
		}
		if data.Players[i].TotalBeats, err = cursor.ReadFloat64(); err != nil {
			return msg, err
		}
		if data.Players[i].BPM, err = cursor.ReadFloat64(); err != nil {
			return msg, err
		}
	}
	for i := range data.Players {
		if data.Players[i].Samples, err = cursor.ReadFloat64(); err != nil {
			return msg, err
		}
	}

	msg.Payload = data
	return msg, nil
}

// HandleMessage implements service.Handler with change-detection
// filtering: the first message is always forwarded and cached; later
// messages are forwarded only when at least one player's beat bucket
// floor(beat/N) changed, in either direction, and then replace the cache.
func (b *BeatInfo) HandleMessage(msg service.Message[BeatData]) {
	b.mu.Lock()
	forward := b.current == nil || b.hasBucketChange(*b.current, msg.Payload)
	if forward {
		snapshot := msg.Payload
		b.current = &snapshot
	}
	callback := b.callback
	b.mu.Unlock()

	if forward {
		if callback != nil {
			callback(msg)
		}
		return
	}
	b.logDropped(msg)
}

// hasBucketChange reports whether any player crossed an EveryNBeats
// boundary between the cached and the new message. A player count
// change counts as a crossing.
func (b *BeatInfo) hasBucketChange(current, next BeatData) bool {
	if len(current.Players) != len(next.Players) {
		return true
	}
	n := float64(b.everyNBeats)
	for i := range next.Players {
		if math.Floor(current.Players[i].Beat/n) != math.Floor(next.Players[i].Beat/n) {
			return true
		}
	}
	return false
}

// HandleServiceData implements service.ServiceDataHandler: the
// administrative path produces no payload; log and discard.
func (b *BeatInfo) HandleServiceData(messageID uint32, deviceID, serviceName string, _ *wire.ReadCursor) {
	if b.logger == nil {
		return
	}
	b.logger.Log(log.Event{
		Timestamp: time.Now(),
		DeviceID:  deviceID,
		Service:   serviceName,
		Direction: log.DirectionIn,
		Layer:     log.LayerService,
		Category:  log.CategoryMessage,
		Message:   &log.MessageEvent{MessageID: messageID, Dropped: true},
	})
}

func (b *BeatInfo) logDropped(msg service.Message[BeatData]) {
	if b.logger == nil {
		return
	}
	b.logger.Log(log.Event{
		Timestamp: time.Now(),
		DeviceID:  b.deviceID,
		Service:   ServiceName,
		Direction: log.DirectionIn,
		Layer:     log.LayerService,
		Category:  log.CategoryMessage,
		Message: &log.MessageEvent{
			MessageID: msg.ID,
			Dropped:   true,
		},
	})
}
