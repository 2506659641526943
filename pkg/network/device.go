// Package network owns dialing for one remote device endpoint.
//
// A Device connects to the endpoint's main port, announces itself and
// collects the service announcements the device replies with. Each
// concrete service then gets its own TCP connection to the announced
// service port via ConnectToService.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/stagelinq-protocol/stagelinq-go/pkg/devices"
	"github.com/stagelinq-protocol/stagelinq-go/pkg/log"
	"github.com/stagelinq-protocol/stagelinq-go/pkg/service"
	"github.com/stagelinq-protocol/stagelinq-go/pkg/transport"
	"github.com/stagelinq-protocol/stagelinq-go/pkg/wire"
)

// Network device errors.
var (
	// ErrNotConnected indicates an operation before Connect.
	ErrNotConnected = errors.New("device not connected")

	// ErrAlreadyConnected indicates Connect was called twice.
	ErrAlreadyConnected = errors.New("device already connected")

	// ErrDisconnected indicates the device has been disconnected.
	ErrDisconnected = errors.New("device disconnected")

	// ErrServiceUnknown indicates the device never announced the
	// requested service before the context expired.
	ErrServiceUnknown = errors.New("service not announced by device")
)

// Dialer establishes outgoing connections. The default is a
// net.Dialer with a connect timeout.
type Dialer func(ctx context.Context, address string) (net.Conn, error)

func defaultDialer(ctx context.Context, address string) (net.Conn, error) {
	d := net.Dialer{Timeout: 5 * time.Second}
	return d.DialContext(ctx, "tcp", address)
}

// Device owns all connections to one remote endpoint: the main
// announcement socket plus one connection per service.
type Device struct {
	info     devices.ConnectionInfo
	token    [16]byte
	ownName  string
	dial     Dialer
	logger   log.Logger

	mu        sync.Mutex
	main      net.Conn
	connected bool
	closed    bool
	ports     map[string]uint16
	waiters   map[string][]chan uint16
	conns     []net.Conn
	onService []func(name string, port uint16)
}

// Option configures a Device.
type Option func(*Device)

// WithDialer overrides the dialer.
func WithDialer(dial Dialer) Option {
	return func(d *Device) { d.dial = dial }
}

// WithLogger enables protocol event capture.
func WithLogger(logger log.Logger) Option {
	return func(d *Device) { d.logger = logger }
}

// WithSoftwareName sets the software name announced to the device.
func WithSoftwareName(name string) Option {
	return func(d *Device) { d.ownName = name }
}

// NewDevice creates a device handle for the endpoint described by info.
// token identifies this process in outgoing announcements.
func NewDevice(info devices.ConnectionInfo, token [16]byte, opts ...Option) *Device {
	d := &Device{
		info:    info,
		token:   token,
		ownName: "stagelinq-go",
		dial:    defaultDialer,
		ports:   make(map[string]uint16),
		waiters: make(map[string][]chan uint16),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Info returns the endpoint's connection info.
func (d *Device) Info() devices.ConnectionInfo {
	return d.info
}

// OnService registers a subscriber for service announcements. Must be
// called before Connect to observe every announcement.
func (d *Device) OnService(fn func(name string, port uint16)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onService = append(d.onService, fn)
}

// Connect dials the endpoint's main port, announces this process and
// starts collecting service announcements.
func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDisconnected
	}
	if d.connected {
		d.mu.Unlock()
		return ErrAlreadyConnected
	}
	d.connected = true
	d.mu.Unlock()

	addr := net.JoinHostPort(d.info.Address, strconv.Itoa(int(d.info.Port)))
	conn, err := d.dial(ctx, addr)
	if err != nil {
		d.mu.Lock()
		d.connected = false
		d.mu.Unlock()
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	writer := transport.NewFrameWriter(conn)
	if err := writer.WriteFrame(service.BuildAnnouncement(d.token, d.ownName, 0).Bytes()); err != nil {
		conn.Close()
		d.mu.Lock()
		d.connected = false
		d.mu.Unlock()
		return fmt.Errorf("announce to %s: %w", addr, err)
	}

	d.mu.Lock()
	d.main = conn
	d.mu.Unlock()

	d.logState("", "CONNECTED", "main socket established")
	go d.readAnnouncements(conn)
	return nil
}

// readAnnouncements consumes announcement frames from the main socket
// until it closes. Malformed frames are skipped.
func (d *Device) readAnnouncements(conn net.Conn) {
	reader := transport.NewFrameReader(conn)
	for {
		payload, err := reader.ReadFrame()
		if err != nil {
			return
		}
		ann, err := service.ParseAnnouncement(wire.NewReadCursor(payload))
		if err != nil {
			continue
		}
		d.recordService(ann.Service, ann.Port)
	}
}

// recordService stores an announced service port and wakes waiters.
func (d *Device) recordService(name string, port uint16) {
	d.mu.Lock()
	_, known := d.ports[name]
	d.ports[name] = port
	for _, ch := range d.waiters[name] {
		ch <- port
	}
	delete(d.waiters, name)
	subs := append(([]func(string, uint16))(nil), d.onService...)
	d.mu.Unlock()

	if !known {
		d.logState(name, "ANNOUNCED", "")
		for _, fn := range subs {
			fn(name, port)
		}
	}
}

// servicePort returns the announced port for name, blocking until the
// device announces it or ctx is done.
func (d *Device) servicePort(ctx context.Context, name string) (uint16, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, ErrDisconnected
	}
	if port, ok := d.ports[name]; ok {
		d.mu.Unlock()
		return port, nil
	}
	ch := make(chan uint16, 1)
	d.waiters[name] = append(d.waiters[name], ch)
	d.mu.Unlock()

	select {
	case port, ok := <-ch:
		if !ok {
			return 0, ErrDisconnected
		}
		return port, nil
	case <-ctx.Done():
		d.dropWaiter(name, ch)
		select {
		case port, ok := <-ch:
			if ok {
				return port, nil
			}
			return 0, ErrDisconnected
		default:
			return 0, fmt.Errorf("%w: %s: %v", ErrServiceUnknown, name, ctx.Err())
		}
	}
}

func (d *Device) dropWaiter(name string, ch chan uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	waiters := d.waiters[name]
	for i, w := range waiters {
		if w == ch {
			d.waiters[name] = append(waiters[:i], waiters[i+1:]...)
			return
		}
	}
}

// ConnectToService dials a dedicated connection to the named service's
// announced port and announces this process on it. The returned
// connection is handed to the concrete service; the device keeps track
// of it so Disconnect can close it.
func (d *Device) ConnectToService(ctx context.Context, name string) (net.Conn, error) {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return nil, ErrNotConnected
	}
	d.mu.Unlock()

	port, err := d.servicePort(ctx, name)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(d.info.Address, strconv.Itoa(int(port)))
	conn, err := d.dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s service at %s: %w", name, addr, err)
	}

	writer := transport.NewFrameWriter(conn)
	if err := writer.WriteFrame(service.BuildAnnouncement(d.token, name, port).Bytes()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("announce %s service: %w", name, err)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		conn.Close()
		return nil, ErrDisconnected
	}
	d.conns = append(d.conns, conn)
	d.mu.Unlock()

	d.logState(name, "SERVICE CONNECTED", addr)
	return conn, nil
}

// Services returns the service names the device has announced so far.
func (d *Device) Services() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.ports))
	for name := range d.ports {
		names = append(names, name)
	}
	return names
}

// Disconnect closes the main socket and every service connection.
// Safe to call more than once.
func (d *Device) Disconnect() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	main := d.main
	conns := d.conns
	d.conns = nil
	waiters := d.waiters
	d.waiters = make(map[string][]chan uint16)
	d.mu.Unlock()

	var firstErr error
	if main != nil {
		if err := main.Close(); err != nil {
			firstErr = err
		}
	}
	for _, conn := range conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, chans := range waiters {
		for _, ch := range chans {
			close(ch)
		}
	}

	d.logState("", "DISCONNECTED", "")
	return firstErr
}

func (d *Device) logState(svc, newState, reason string) {
	if d.logger == nil {
		return
	}
	d.logger.Log(log.Event{
		Timestamp:  time.Now(),
		DeviceID:   devices.DeviceIDFromToken(d.info.Token).String(),
		Service:    svc,
		RemoteAddr: net.JoinHostPort(d.info.Address, strconv.Itoa(int(d.info.Port))),
		Direction:  log.DirectionLocal,
		Layer:      log.LayerTransport,
		Category:   log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			NewState: newState,
			Reason:   reason,
		},
	})
}
