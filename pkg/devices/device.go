package devices

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// DeviceID is the canonical identity of a remote device, derived from
// its 16-byte token. Immutable once constructed.
type DeviceID struct {
	token uuid.UUID
}

// DeviceIDFromToken derives a DeviceID from a raw 16-byte token.
func DeviceIDFromToken(token [16]byte) DeviceID {
	return DeviceID{token: uuid.UUID(token)}
}

// ParseDeviceID parses the dashed-hex string form of a DeviceID.
// All identity input forms are normalized through this constructor or
// DeviceIDFromToken at the boundary; the registry itself only ever
// sees DeviceID values.
func ParseDeviceID(s string) (DeviceID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return DeviceID{}, fmt.Errorf("invalid device id %q: %w", s, err)
	}
	return DeviceID{token: u}, nil
}

// String returns the canonical dashed-hex form, the registry key.
func (id DeviceID) String() string {
	return id.token.String()
}

// Token returns the raw 16-byte token.
func (id DeviceID) Token() [16]byte {
	return id.token
}

// SoftwareInfo identifies the software stack a device announces.
type SoftwareInfo struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// ConnectionInfo describes one discovered remote endpoint instance.
// Address and port are stable only until the device's next reboot;
// the token is stable across reboots.
type ConnectionInfo struct {
	Address  string       `yaml:"address"`
	Port     uint16       `yaml:"port"`
	Token    [16]byte     `yaml:"-"`
	Source   string       `yaml:"source"`
	Software SoftwareInfo `yaml:"software"`
}

// ServiceHandle is the minimal surface the registry keeps per attached
// service: enough to shut it down when the device goes away.
type ServiceHandle interface {
	Close() error
}

// Device is the registry's record for one distinct remote identity:
// its identity, the most recent ConnectionInfo (replaced on
// rediscovery) and the live services attached to it.
type Device struct {
	id DeviceID

	mu       sync.RWMutex
	info     ConnectionInfo
	services map[string]ServiceHandle
}

// newDevice constructs a Device from ConnectionInfo, deriving the
// identity from the announcement token.
func newDevice(info ConnectionInfo) *Device {
	return &Device{
		id:       DeviceIDFromToken(info.Token),
		info:     info,
		services: make(map[string]ServiceHandle),
	}
}

// ID returns the device identity.
func (d *Device) ID() DeviceID {
	return d.id
}

// Info returns the most recent ConnectionInfo.
func (d *Device) Info() ConnectionInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.info
}

// setInfo replaces the ConnectionInfo after a rediscovery.
func (d *Device) setInfo(info ConnectionInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info = info
}

// Service returns the attached service with the given name.
func (d *Device) Service(name string) (ServiceHandle, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	svc, ok := d.services[name]
	return svc, ok
}

// ServiceNames returns the names of all attached services.
func (d *Device) ServiceNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.services))
	for name := range d.services {
		names = append(names, name)
	}
	return names
}

// addService attaches a live service under name, replacing any
// previous service with that name.
func (d *Device) addService(name string, svc ServiceHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.services[name] = svc
}

// deleteService detaches the named service. It does not close it.
func (d *Device) deleteService(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.services, name)
}

// CloseServices closes and detaches every attached service,
// best effort.
func (d *Device) CloseServices() {
	d.mu.Lock()
	services := d.services
	d.services = make(map[string]ServiceHandle)
	d.mu.Unlock()

	for _, svc := range services {
		_ = svc.Close()
	}
}
