package devices

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInfo(firstTokenByte byte, name string) ConnectionInfo {
	var token [16]byte
	token[0] = firstTokenByte
	token[15] = 0x10
	return ConnectionInfo{
		Address:  "10.0.0.7",
		Port:     51337,
		Token:    token,
		Source:   "testing",
		Software: SoftwareInfo{Name: name, Version: "1.0.0"},
	}
}

func TestDeviceIDDerivation(t *testing.T) {
	t.Run("CanonicalForm", func(t *testing.T) {
		var token [16]byte
		copy(token[:], []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16})
		id := DeviceIDFromToken(token)
		assert.Equal(t, "01020304-0506-0708-090a-0b0c0d0e0f10", id.String())
		assert.Equal(t, token, id.Token())
	})

	t.Run("Idempotent", func(t *testing.T) {
		var token [16]byte
		token[3] = 0xAB
		a := DeviceIDFromToken(token)
		b := DeviceIDFromToken(token)
		assert.Equal(t, a, b)
		assert.Equal(t, a.String(), b.String())
	})

	t.Run("ParseRoundTrip", func(t *testing.T) {
		var token [16]byte
		token[0] = 0xFE
		id := DeviceIDFromToken(token)

		parsed, err := ParseDeviceID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	})

	t.Run("ParseRejectsGarbage", func(t *testing.T) {
		_, err := ParseDeviceID("not-a-device-id")
		assert.Error(t, err)
	})
}

func TestRegistryAddAndLookup(t *testing.T) {
	r := NewRegistry()
	info := testInfo(1, "Prime 4")

	var notified []*Device
	r.OnNewDevice(func(d *Device) { notified = append(notified, d) })

	device := r.AddDevice(info)
	require.NotNil(t, device)
	assert.Equal(t, info, device.Info())
	assert.True(t, r.HasDevice(device.ID()))
	assert.Equal(t, 1, r.Count())
	require.Len(t, notified, 1)
	assert.Same(t, device, notified[0])

	got, ok := r.Lookup(device.ID())
	require.True(t, ok)
	assert.Same(t, device, got)

	// Re-adding the same identity replaces the info but keeps the
	// device and emits no second notification.
	updated := testInfo(1, "Prime 4")
	updated.Address = "10.0.0.99"
	again := r.AddDevice(updated)
	assert.Same(t, device, again)
	assert.Equal(t, "10.0.0.99", device.Info().Address)
	assert.Len(t, notified, 1)
}

func TestRegistryGetDeviceWaits(t *testing.T) {
	r := NewRegistry()
	info := testInfo(2, "SC6000")
	id := DeviceIDFromToken(info.Token)

	got := make(chan *Device, 1)
	go func() {
		device, err := r.GetDevice(context.Background(), id)
		if err == nil {
			got <- device
		}
	}()

	// Give the waiter a chance to block before inserting.
	time.Sleep(20 * time.Millisecond)
	added := r.AddDevice(info)

	select {
	case device := <-got:
		assert.Same(t, added, device)
	case <-time.After(2 * time.Second):
		t.Fatal("GetDevice did not observe the insertion")
	}
}

func TestRegistryGetDeviceImmediate(t *testing.T) {
	r := NewRegistry()
	added := r.AddDevice(testInfo(3, "SC6000M"))

	device, err := r.GetDevice(context.Background(), added.ID())
	require.NoError(t, err)
	assert.Same(t, added, device)
}

func TestRegistryGetDeviceCancellation(t *testing.T) {
	r := NewRegistry()
	var token [16]byte
	token[0] = 99
	id := DeviceIDFromToken(token)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.GetDevice(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The cancelled waiter must not linger and swallow the device.
	added := r.AddDevice(ConnectionInfo{Token: token})
	device, err := r.GetDevice(context.Background(), id)
	require.NoError(t, err)
	assert.Same(t, added, device)
}

func TestRegistryConcurrentWaiters(t *testing.T) {
	r := NewRegistry()
	info := testInfo(4, "X1850")
	id := DeviceIDFromToken(info.Token)

	const waiters = 8
	var wg sync.WaitGroup
	results := make(chan *Device, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			device, err := r.GetDevice(context.Background(), id)
			if err == nil {
				results <- device
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	added := r.AddDevice(info)
	wg.Wait()
	close(results)

	var count int
	for device := range results {
		assert.Same(t, added, device)
		count++
	}
	assert.Equal(t, waiters, count)
}

func TestRegistryUpdateDeviceInfo(t *testing.T) {
	r := NewRegistry()
	info := testInfo(5, "Prime Go")
	device := r.AddDevice(info)

	info.Port = 40000
	require.NoError(t, r.UpdateDeviceInfo(context.Background(), device.ID(), info))
	assert.Equal(t, uint16(40000), device.Info().Port)
}

type fakeService struct {
	closed bool
}

func (f *fakeService) Close() error {
	f.closed = true
	return nil
}

func TestRegistryServices(t *testing.T) {
	r := NewRegistry()
	device := r.AddDevice(testInfo(6, "SC5000"))
	ctx := context.Background()

	svc := &fakeService{}
	require.NoError(t, r.AddService(ctx, device.ID(), "BeatInfo", svc))

	got, ok := device.Service("BeatInfo")
	require.True(t, ok)
	assert.Same(t, ServiceHandle(svc), got)
	assert.Equal(t, []string{"BeatInfo"}, device.ServiceNames())

	require.NoError(t, r.DeleteService(device.ID(), "BeatInfo"))
	_, ok = device.Service("BeatInfo")
	assert.False(t, ok)

	assert.ErrorIs(t, r.DeleteService(device.ID(), "BeatInfo"), ErrServiceNotFound)

	var other [16]byte
	other[7] = 0x77
	assert.ErrorIs(t, r.DeleteService(DeviceIDFromToken(other), "BeatInfo"), ErrServiceNotFound)
}

func TestDeviceCloseServices(t *testing.T) {
	r := NewRegistry()
	device := r.AddDevice(testInfo(7, "SC5000M"))
	ctx := context.Background()

	a, b := &fakeService{}, &fakeService{}
	require.NoError(t, r.AddService(ctx, device.ID(), "BeatInfo", a))
	require.NoError(t, r.AddService(ctx, device.ID(), "StateMap", b))

	device.CloseServices()
	assert.True(t, a.closed)
	assert.True(t, b.closed)
	assert.Empty(t, device.ServiceNames())
}
