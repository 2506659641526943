package devices

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stagelinq-protocol/stagelinq-go/pkg/log"
)

// Registry errors.
var (
	// ErrServiceNotFound indicates a DeleteService for a name that is
	// not attached to the device.
	ErrServiceNotFound = errors.New("service not attached to device")
)

// Registry is the process-wide collection of known devices, keyed by
// the canonical DeviceID string. It is the only place device existence
// is asserted, and is safe for use from concurrent connection flows.
type Registry struct {
	mu      sync.Mutex
	devices map[string]*Device

	// waiters holds wake channels for GetDevice calls blocked on an
	// identity that has not been added yet.
	waiters map[string][]chan *Device

	onNewDevice []func(*Device)

	logger log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		devices: make(map[string]*Device),
		waiters: make(map[string][]chan *Device),
	}
}

// SetLogger configures protocol event capture.
func (r *Registry) SetLogger(logger log.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// OnNewDevice registers a subscriber for new-device notifications.
// Subscribers are invoked in registration order, once per AddDevice of
// a previously unknown identity.
func (r *Registry) OnNewDevice(fn func(*Device)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onNewDevice = append(r.onNewDevice, fn)
}

// AddDevice constructs a Device from info (deriving the identity from
// the token), inserts it and wakes any blocked GetDevice calls.
// Re-adding a known identity replaces its ConnectionInfo but keeps the
// device and its attached services; only genuinely new identities emit
// the new-device notification.
func (r *Registry) AddDevice(info ConnectionInfo) *Device {
	id := DeviceIDFromToken(info.Token)
	key := id.String()

	r.mu.Lock()
	if existing, ok := r.devices[key]; ok {
		r.mu.Unlock()
		existing.setInfo(info)
		return existing
	}

	device := newDevice(info)
	r.devices[key] = device

	waiters := r.waiters[key]
	delete(r.waiters, key)

	subscribers := append(([]func(*Device))(nil), r.onNewDevice...)
	logger := r.logger
	r.mu.Unlock()

	for _, ch := range waiters {
		ch <- device
	}

	if logger != nil {
		logger.Log(log.Event{
			Timestamp: time.Now(),
			DeviceID:  key,
			Direction: log.DirectionLocal,
			Layer:     log.LayerOrchestrator,
			Category:  log.CategoryState,
			StateChange: &log.StateChangeEvent{
				Entity:   log.StateEntityDiscovery,
				NewState: "REGISTERED",
				Reason:   info.Software.Name,
			},
		})
	}

	for _, fn := range subscribers {
		fn(device)
	}

	return device
}

// GetDevice returns the device with the given identity, blocking until
// it exists. The wait is woken by AddDevice inserting the identity; no
// polling is involved. Cancelling ctx aborts the wait.
func (r *Registry) GetDevice(ctx context.Context, id DeviceID) (*Device, error) {
	key := id.String()

	r.mu.Lock()
	if device, ok := r.devices[key]; ok {
		r.mu.Unlock()
		return device, nil
	}

	// Buffered so AddDevice never blocks handing the device over.
	ch := make(chan *Device, 1)
	r.waiters[key] = append(r.waiters[key], ch)
	r.mu.Unlock()

	select {
	case device := <-ch:
		return device, nil
	case <-ctx.Done():
		r.dropWaiter(key, ch)
		return nil, ctx.Err()
	}
}

// dropWaiter removes a cancelled wait channel so AddDevice does not
// hand a device to a departed caller.
func (r *Registry) dropWaiter(key string, ch chan *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiters := r.waiters[key]
	for i, w := range waiters {
		if w == ch {
			r.waiters[key] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(r.waiters[key]) == 0 {
		delete(r.waiters, key)
	}
}

// HasDevice reports whether the identity exists, without blocking.
func (r *Registry) HasDevice(id DeviceID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.devices[id.String()]
	return ok
}

// Lookup returns the device with the given identity, without blocking.
func (r *Registry) Lookup(id DeviceID) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[id.String()]
	return device, ok
}

// UpdateDeviceInfo waits for the device with the given identity and
// replaces its ConnectionInfo.
func (r *Registry) UpdateDeviceInfo(ctx context.Context, id DeviceID, info ConnectionInfo) error {
	device, err := r.GetDevice(ctx, id)
	if err != nil {
		return err
	}
	device.setInfo(info)
	return nil
}

// AddService waits for the device with the given identity and attaches
// svc under name.
func (r *Registry) AddService(ctx context.Context, id DeviceID, name string, svc ServiceHandle) error {
	device, err := r.GetDevice(ctx, id)
	if err != nil {
		return err
	}
	device.addService(name, svc)
	return nil
}

// DeleteService detaches the named service from the device. It is a
// non-blocking lookup; deleting from an unknown device or a name that
// is not attached returns ErrServiceNotFound.
func (r *Registry) DeleteService(id DeviceID, name string) error {
	device, ok := r.Lookup(id)
	if !ok {
		return ErrServiceNotFound
	}
	if _, attached := device.Service(name); !attached {
		return ErrServiceNotFound
	}
	device.deleteService(name)
	return nil
}

// Devices returns a snapshot of all known devices.
func (r *Registry) Devices() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*Device, 0, len(r.devices))
	for _, device := range r.devices {
		all = append(all, device)
	}
	return all
}

// Count returns the number of known devices.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}
