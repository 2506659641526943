// Package stagelinq orchestrates connections to discovered devices:
// it filters discovery announcements through an ignore table, runs a
// bounded retry loop per device, brings up the per-device services and
// forwards their events to registered subscribers.
package stagelinq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagelinq-protocol/stagelinq-go/pkg/beatinfo"
	"github.com/stagelinq-protocol/stagelinq-go/pkg/devices"
	"github.com/stagelinq-protocol/stagelinq-go/pkg/filetransfer"
	"github.com/stagelinq-protocol/stagelinq-go/pkg/log"
	"github.com/stagelinq-protocol/stagelinq-go/pkg/network"
	"github.com/stagelinq-protocol/stagelinq-go/pkg/service"
	"github.com/stagelinq-protocol/stagelinq-go/pkg/statemap"
)

// Orchestrator errors.
var (
	// ErrDeviceNotTracked indicates an operation on an address no
	// connected player is tracked under.
	ErrDeviceNotTracked = errors.New("no connected device at address")

	// ErrConnectFailed wraps the last attempt error after the retry
	// loop is exhausted.
	ErrConnectFailed = errors.New("all connection attempts failed")
)

// ConnectionStatus is the per-identity connection state.
type ConnectionStatus uint8

const (
	// StatusConnecting means a connection flow is in progress.
	StatusConnecting ConnectionStatus = iota
	// StatusConnected means the device's services are up.
	StatusConnected
	// StatusFailed means the retry loop was exhausted.
	StatusFailed
)

// String returns the status name.
func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// identity keys the status table. Two announcements describe the same
// device iff address, port, source and software name all match.
type identity struct {
	address  string
	port     uint16
	source   string
	software string
}

func identityOf(info devices.ConnectionInfo) identity {
	return identity{
		address:  info.Address,
		port:     info.Port,
		source:   info.Source,
		software: info.Software.Name,
	}
}

func (id identity) String() string {
	return fmt.Sprintf("%s (%s/%s)",
		net.JoinHostPort(id.address, strconv.Itoa(int(id.port))), id.source, id.software)
}

// player bundles the live connections of one device, tracked by address.
type player struct {
	dev     *network.Device
	ft      *filetransfer.FileTransfer
	sm      *statemap.StateMap
	ps      *statemap.PlayerState
	beat    *beatinfo.BeatInfo
	sources []string
}

// closerFunc adapts a close function to devices.ServiceHandle.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// StageLinqDevices drives connections to every discovered device.
type StageLinqDevices struct {
	opts     Options
	token    [16]byte
	logger   log.Logger
	registry *devices.Registry
	dial     network.Dialer

	// connectFn runs one connection attempt; replaced in tests.
	connectFn func(ctx context.Context, info devices.ConnectionInfo) error

	mu      sync.Mutex
	status  map[identity]ConnectionStatus
	players map[string]*player

	onNewService   []func(address, name string)
	onConnected    []func(info devices.ConnectionInfo)
	onReady        []func(info devices.ConnectionInfo)
	onMessage      []func(address string, msg service.Message[statemap.StateValue])
	onTrackLoaded  []func(address string, track statemap.TrackInfo)
	onStateChanged []func(address string, change statemap.PlayStateChange)
	onNowPlaying   []func(address string, track statemap.TrackInfo)
}

// DevicesOption configures a StageLinqDevices.
type DevicesOption func(*StageLinqDevices)

// WithLogger enables protocol event capture across the orchestrator
// and everything it brings up.
func WithLogger(logger log.Logger) DevicesOption {
	return func(c *StageLinqDevices) { c.logger = logger }
}

// WithDialer overrides the dialer used for device connections.
func WithDialer(dial network.Dialer) DevicesOption {
	return func(c *StageLinqDevices) { c.dial = dial }
}

// New creates an orchestrator. A fresh random token identifies this
// process in outgoing announcements.
func New(opts Options, devOpts ...DevicesOption) (*StageLinqDevices, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	c := &StageLinqDevices{
		opts:     opts,
		token:    [16]byte(uuid.New()),
		registry: devices.NewRegistry(),
		status:   make(map[identity]ConnectionStatus),
		players:  make(map[string]*player),
	}
	c.connectFn = c.connectToPlayer
	for _, opt := range devOpts {
		opt(c)
	}
	if c.logger != nil {
		c.registry.SetLogger(c.logger)
	}
	return c, nil
}

// Registry returns the device registry the orchestrator populates.
func (c *StageLinqDevices) Registry() *devices.Registry {
	return c.registry
}

// OnNewDevice registers a subscriber for devices entering the registry.
func (c *StageLinqDevices) OnNewDevice(fn func(*devices.Device)) {
	c.registry.OnNewDevice(fn)
}

// OnNewService registers a subscriber for service announcements.
func (c *StageLinqDevices) OnNewService(fn func(address, name string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNewService = append(c.onNewService, fn)
}

// OnConnected registers a subscriber for devices whose services are up.
func (c *StageLinqDevices) OnConnected(fn func(info devices.ConnectionInfo)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = append(c.onConnected, fn)
}

// OnReady registers a subscriber for fully set up devices.
func (c *StageLinqDevices) OnReady(fn func(info devices.ConnectionInfo)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReady = append(c.onReady, fn)
}

// OnMessage registers a pass-through subscriber for raw state
// emissions from every connected device.
func (c *StageLinqDevices) OnMessage(fn func(address string, msg service.Message[statemap.StateValue])) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = append(c.onMessage, fn)
}

// OnTrackLoaded registers a subscriber for track-loaded events.
func (c *StageLinqDevices) OnTrackLoaded(fn func(address string, track statemap.TrackInfo)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrackLoaded = append(c.onTrackLoaded, fn)
}

// OnStateChanged registers a subscriber for play-state changes.
func (c *StageLinqDevices) OnStateChanged(fn func(address string, change statemap.PlayStateChange)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChanged = append(c.onStateChanged, fn)
}

// OnNowPlaying registers a subscriber for now-playing events.
func (c *StageLinqDevices) OnNowPlaying(fn func(address string, track statemap.TrackInfo)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNowPlaying = append(c.onNowPlaying, fn)
}

// Status returns the connection status recorded for the announcement's
// identity.
func (c *StageLinqDevices) Status(info devices.ConnectionInfo) (ConnectionStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.status[identityOf(info)]
	return status, ok
}

// HandleDevice processes one discovery announcement. Announcements for
// identities already being handled, already connected or already failed
// are no-ops, as are announcements matching the ignore table. Otherwise
// the identity is marked connecting and the bounded retry loop runs to
// completion. Each announcement is independent work; callers typically
// invoke HandleDevice from their discovery listener goroutine per
// announcement.
func (c *StageLinqDevices) HandleDevice(ctx context.Context, info devices.ConnectionInfo) error {
	if reason := c.ignoreReason(info); reason != "" {
		c.logPolicy(info, reason)
		return nil
	}

	id := identityOf(info)
	c.mu.Lock()
	if _, seen := c.status[id]; seen {
		c.mu.Unlock()
		return nil
	}
	c.status[id] = StatusConnecting
	c.mu.Unlock()
	c.logStatus(info, "", StatusConnecting.String(), "")

	var lastErr error
	for attempt := 1; attempt < c.opts.MaxRetries; attempt++ {
		err := c.connectFn(ctx, info)
		if err == nil {
			c.setStatus(info, StatusConnecting, StatusConnected, "")
			c.emitReady(info)
			return nil
		}
		lastErr = err
		c.logWarning(info, err, fmt.Sprintf("connection attempt %d", attempt))

		if attempt+1 < c.opts.MaxRetries {
			select {
			case <-time.After(c.opts.RetryInterval):
			case <-ctx.Done():
				c.clearStatus(info)
				return ctx.Err()
			}
		}
	}

	c.setStatus(info, StatusConnecting, StatusFailed, lastErr.Error())
	return fmt.Errorf("%w: %s: %v", ErrConnectFailed, id, lastErr)
}

func (c *StageLinqDevices) setStatus(info devices.ConnectionInfo, from, to ConnectionStatus, reason string) {
	c.mu.Lock()
	c.status[identityOf(info)] = to
	c.mu.Unlock()
	c.logStatus(info, from.String(), to.String(), reason)
}

// clearStatus removes the identity so a later announcement can retry.
// Used on context cancellation, which is not a device failure.
func (c *StageLinqDevices) clearStatus(info devices.ConnectionInfo) {
	c.mu.Lock()
	delete(c.status, identityOf(info))
	c.mu.Unlock()
}

// connectToPlayer runs one full connection attempt: network device,
// file transfer, optional database-source prefetch, state map and the
// player-state aggregator.
func (c *StageLinqDevices) connectToPlayer(ctx context.Context, info devices.ConnectionInfo) error {
	netOpts := []network.Option{network.WithSoftwareName(c.opts.ActingAs.Name)}
	if c.logger != nil {
		netOpts = append(netOpts, network.WithLogger(c.logger))
	}
	if c.dial != nil {
		netOpts = append(netOpts, network.WithDialer(c.dial))
	}

	dev := network.NewDevice(info, c.token, netOpts...)
	dev.OnService(func(name string, port uint16) {
		c.emitNewService(info.Address, name)
	})

	if err := dev.Connect(ctx); err != nil {
		return err
	}

	fail := func(err error) error {
		c.untrack(info.Address)
		dev.Disconnect()
		return err
	}

	deviceID := devices.DeviceIDFromToken(info.Token).String()

	ftConn, err := dev.ConnectToService(ctx, filetransfer.ServiceName)
	if err != nil {
		return fail(err)
	}
	ft := filetransfer.New()
	if c.logger != nil {
		ft.SetLogger(c.logger, deviceID)
	}
	if err := ft.Start(ftConn); err != nil {
		return fail(err)
	}

	p := &player{dev: dev, ft: ft}
	c.mu.Lock()
	c.players[info.Address] = p
	c.mu.Unlock()

	if c.opts.DownloadDBSources {
		sources, err := ft.RequestSources(ctx)
		if err != nil {
			return fail(fmt.Errorf("database sources: %w", err))
		}
		p.sources = sources
	}

	smConn, err := dev.ConnectToService(ctx, statemap.ServiceName)
	if err != nil {
		return fail(err)
	}
	sm := statemap.New()
	if c.logger != nil {
		sm.SetLogger(c.logger, deviceID)
	}
	sm.OnMessage(func(msg service.Message[statemap.StateValue]) {
		c.emitMessage(info.Address, msg)
	})
	if err := sm.Start(smConn); err != nil {
		return fail(err)
	}
	p.sm = sm

	ps, err := statemap.NewPlayerState(sm)
	if err != nil {
		return fail(err)
	}
	ps.OnTrackLoaded(func(track statemap.TrackInfo) {
		c.emitTrackLoaded(info.Address, track)
	})
	ps.OnStateChanged(func(change statemap.PlayStateChange) {
		c.emitStateChanged(info.Address, change)
	})
	ps.OnNowPlaying(func(track statemap.TrackInfo) {
		c.emitNowPlaying(info.Address, track)
	})
	p.ps = ps

	device := c.registry.AddDevice(info)
	if err := c.registry.AddService(ctx, device.ID(), filetransfer.ServiceName, closerFunc(ft.Stop)); err != nil {
		return fail(err)
	}
	if err := c.registry.AddService(ctx, device.ID(), statemap.ServiceName, closerFunc(sm.Stop)); err != nil {
		return fail(err)
	}

	c.emitConnected(info)
	return nil
}

func (c *StageLinqDevices) untrack(address string) {
	c.mu.Lock()
	delete(c.players, address)
	c.mu.Unlock()
}

func (c *StageLinqDevices) lookupPlayer(address string) (*player, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.players[address]
	return p, ok
}

// DownloadFile fetches a remote file from the connected device at
// address. Addresses without a tracked connection are a hard error.
func (c *StageLinqDevices) DownloadFile(ctx context.Context, address, path string) ([]byte, error) {
	p, ok := c.lookupPlayer(address)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotTracked, address)
	}
	return p.ft.DownloadFile(ctx, path)
}

// SubscribeBeatInfo connects the BeatInfo service on the device at
// address and forwards every everyNBeats-th beat to cb. The service
// stays connected until DisconnectAll. Resubscribing stops the
// previous subscription first.
func (c *StageLinqDevices) SubscribeBeatInfo(ctx context.Context, address string, everyNBeats int, cb beatinfo.Callback) error {
	p, ok := c.lookupPlayer(address)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotTracked, address)
	}

	c.mu.Lock()
	prev := p.beat
	p.beat = nil
	c.mu.Unlock()
	if prev != nil {
		if err := prev.Stop(); err != nil {
			return err
		}
	}

	b, err := beatinfo.New(beatinfo.Options{EveryNBeats: everyNBeats})
	if err != nil {
		return err
	}
	if c.logger != nil {
		b.SetLogger(c.logger, devices.DeviceIDFromToken(p.dev.Info().Token).String())
	}

	conn, err := p.dev.ConnectToService(ctx, beatinfo.ServiceName)
	if err != nil {
		return err
	}
	if err := b.Start(cb, conn); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	p.beat = b
	c.mu.Unlock()
	return nil
}

// DBSources returns the database sources prefetched from the device at
// address, when DownloadDBSources is enabled.
func (c *StageLinqDevices) DBSources(address string) ([]string, bool) {
	p, ok := c.lookupPlayer(address)
	if !ok {
		return nil, false
	}
	return p.sources, true
}

// DisconnectAll tears down every tracked connection, best effort: the
// first error is returned but teardown continues.
func (c *StageLinqDevices) DisconnectAll() error {
	c.mu.Lock()
	players := make([]*player, 0, len(c.players))
	for _, p := range c.players {
		players = append(players, p)
	}
	c.players = make(map[string]*player)
	c.status = make(map[identity]ConnectionStatus)
	c.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, p := range players {
		if p.beat != nil {
			record(p.beat.Stop())
		}
		if p.sm != nil {
			record(p.sm.Stop())
		}
		record(p.ft.Stop())
		record(p.dev.Disconnect())
	}
	return firstErr
}

func (c *StageLinqDevices) emitNewService(address, name string) {
	c.mu.Lock()
	subs := append(([]func(string, string))(nil), c.onNewService...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(address, name)
	}
}

func (c *StageLinqDevices) emitConnected(info devices.ConnectionInfo) {
	c.mu.Lock()
	subs := append(([]func(devices.ConnectionInfo))(nil), c.onConnected...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(info)
	}
}

func (c *StageLinqDevices) emitReady(info devices.ConnectionInfo) {
	c.mu.Lock()
	subs := append(([]func(devices.ConnectionInfo))(nil), c.onReady...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(info)
	}
}

func (c *StageLinqDevices) emitMessage(address string, msg service.Message[statemap.StateValue]) {
	c.mu.Lock()
	subs := append(([]func(string, service.Message[statemap.StateValue]))(nil), c.onMessage...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(address, msg)
	}
}

func (c *StageLinqDevices) emitTrackLoaded(address string, track statemap.TrackInfo) {
	c.mu.Lock()
	subs := append(([]func(string, statemap.TrackInfo))(nil), c.onTrackLoaded...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(address, track)
	}
}

func (c *StageLinqDevices) emitStateChanged(address string, change statemap.PlayStateChange) {
	c.mu.Lock()
	subs := append(([]func(string, statemap.PlayStateChange))(nil), c.onStateChanged...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(address, change)
	}
}

func (c *StageLinqDevices) emitNowPlaying(address string, track statemap.TrackInfo) {
	c.mu.Lock()
	subs := append(([]func(string, statemap.TrackInfo))(nil), c.onNowPlaying...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(address, track)
	}
}

func (c *StageLinqDevices) logPolicy(info devices.ConnectionInfo, rule string) {
	if c.logger == nil {
		return
	}
	c.logger.Log(log.Event{
		Timestamp:  time.Now(),
		DeviceID:   devices.DeviceIDFromToken(info.Token).String(),
		RemoteAddr: net.JoinHostPort(info.Address, strconv.Itoa(int(info.Port))),
		Direction:  log.DirectionLocal,
		Layer:      log.LayerOrchestrator,
		Category:   log.CategoryPolicy,
		Policy: &log.PolicyEvent{
			Rule:         rule,
			SoftwareName: info.Software.Name,
			Source:       info.Source,
		},
	})
}

func (c *StageLinqDevices) logStatus(info devices.ConnectionInfo, oldState, newState, reason string) {
	if c.logger == nil {
		return
	}
	c.logger.Log(log.Event{
		Timestamp:  time.Now(),
		DeviceID:   devices.DeviceIDFromToken(info.Token).String(),
		RemoteAddr: net.JoinHostPort(info.Address, strconv.Itoa(int(info.Port))),
		Direction:  log.DirectionLocal,
		Layer:      log.LayerOrchestrator,
		Category:   log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityDiscovery,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}

func (c *StageLinqDevices) logWarning(info devices.ConnectionInfo, err error, context string) {
	if c.logger == nil {
		return
	}
	c.logger.Log(log.Event{
		Timestamp:  time.Now(),
		DeviceID:   devices.DeviceIDFromToken(info.Token).String(),
		RemoteAddr: net.JoinHostPort(info.Address, strconv.Itoa(int(info.Port))),
		Direction:  log.DirectionLocal,
		Layer:      log.LayerOrchestrator,
		Category:   log.CategoryError,
		Error: &log.ErrorEventData{
			Layer:   log.LayerOrchestrator,
			Message: err.Error(),
			Context: context,
		},
	})
}
