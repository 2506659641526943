package stagelinq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagelinq-protocol/stagelinq-go/pkg/devices"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.RetryInterval = time.Millisecond
	return opts
}

func playerInfo() devices.ConnectionInfo {
	return devices.ConnectionInfo{
		Address:  "10.0.0.7",
		Port:     41349,
		Token:    [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Source:   "EP1",
		Software: devices.SoftwareInfo{Name: "JP13", Version: "3.1.0"},
	}
}

func newOrchestrator(t *testing.T, opts Options) *StageLinqDevices {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func TestNewValidatesOptions(t *testing.T) {
	opts := testOptions()
	opts.MaxRetries = 1
	_, err := New(opts)
	assert.True(t, errors.Is(err, ErrInvalidMaxRetries))
}

func TestHandleDeviceRetriesThenFails(t *testing.T) {
	c := newOrchestrator(t, testOptions())

	var attempts int32
	c.connectFn = func(ctx context.Context, info devices.ConnectionInfo) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("connection refused")
	}

	err := c.HandleDevice(context.Background(), playerInfo())
	assert.True(t, errors.Is(err, ErrConnectFailed))

	// maxRetries of 3 means two connection attempts.
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))

	status, ok := c.Status(playerInfo())
	require.True(t, ok)
	assert.Equal(t, StatusFailed, status)

	// The failed identity is not retried on rediscovery.
	require.NoError(t, c.HandleDevice(context.Background(), playerInfo()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestHandleDeviceSucceedsAfterRetry(t *testing.T) {
	c := newOrchestrator(t, testOptions())

	var ready []devices.ConnectionInfo
	c.OnReady(func(info devices.ConnectionInfo) { ready = append(ready, info) })

	var attempts int32
	c.connectFn = func(ctx context.Context, info devices.ConnectionInfo) error {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return errors.New("connection refused")
		}
		return nil
	}

	require.NoError(t, c.HandleDevice(context.Background(), playerInfo()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))

	status, ok := c.Status(playerInfo())
	require.True(t, ok)
	assert.Equal(t, StatusConnected, status)

	require.Len(t, ready, 1)
	assert.Equal(t, "10.0.0.7", ready[0].Address)

	// Rediscovery of a connected identity is a no-op.
	require.NoError(t, c.HandleDevice(context.Background(), playerInfo()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestHandleDeviceIgnoreTable(t *testing.T) {
	c := newOrchestrator(t, testOptions())

	var attempts int32
	c.connectFn = func(ctx context.Context, info devices.ConnectionInfo) error {
		atomic.AddInt32(&attempts, 1)
		return nil
	}

	ignored := []devices.ConnectionInfo{
		{Address: "10.0.0.8", Source: "stagelinq-go", Software: devices.SoftwareInfo{Name: "JP13"}},
		{Address: "10.0.0.9", Source: "EP2", Software: devices.SoftwareInfo{Name: "OfflineAnalyzer"}},
		{Address: "10.0.0.10", Source: "EP2", Software: devices.SoftwareInfo{Name: "JM08"}},
		{Address: "10.0.0.11", Source: "EP2", Software: devices.SoftwareInfo{Name: "SSS0"}},
		{Address: "10.0.0.12", Source: "EP2", Software: devices.SoftwareInfo{Name: "SoundSwitchXYZ"}},
		{Address: "10.0.0.13", Source: "EP2", Software: devices.SoftwareInfo{Name: "ResolumeArena"}},
		{Address: "10.0.0.14", Source: "EP2", Software: devices.SoftwareInfo{Name: "soundswitch embedded"}},
	}

	for _, info := range ignored {
		require.NoError(t, c.HandleDevice(context.Background(), info))
		_, tracked := c.Status(info)
		assert.False(t, tracked, "ignored %q should leave no status entry", info.Software.Name)
	}
	assert.Zero(t, atomic.LoadInt32(&attempts))

	// A real player still connects.
	require.NoError(t, c.HandleDevice(context.Background(), playerInfo()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestHandleDeviceConcurrentDedup(t *testing.T) {
	c := newOrchestrator(t, testOptions())

	var attempts int32
	release := make(chan struct{})
	c.connectFn = func(ctx context.Context, info devices.ConnectionInfo) error {
		atomic.AddInt32(&attempts, 1)
		<-release
		return nil
	}

	const handlers = 8
	var wg sync.WaitGroup
	for i := 0; i < handlers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.HandleDevice(context.Background(), playerInfo())
		}()
	}

	// All but one handler return immediately as no-ops.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestHandleDeviceDistinctIdentities(t *testing.T) {
	c := newOrchestrator(t, testOptions())

	var attempts int32
	c.connectFn = func(ctx context.Context, info devices.ConnectionInfo) error {
		atomic.AddInt32(&attempts, 1)
		return nil
	}

	base := playerInfo()
	require.NoError(t, c.HandleDevice(context.Background(), base))

	// Same address, different port: a different identity.
	other := base
	other.Port = 50000
	require.NoError(t, c.HandleDevice(context.Background(), other))

	// Different software name on the same endpoint: also distinct.
	third := base
	third.Software.Name = "SC6000"
	require.NoError(t, c.HandleDevice(context.Background(), third))

	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestHandleDeviceCancellationClearsStatus(t *testing.T) {
	c := newOrchestrator(t, testOptions())
	c.opts.RetryInterval = time.Hour

	var attempts int32
	c.connectFn = func(ctx context.Context, info devices.ConnectionInfo) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("connection refused")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.HandleDevice(ctx, playerInfo()) }()

	// Let the first attempt fail, then cancel during the retry pause.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&attempts) == 1
	}, 2*time.Second, time.Millisecond)
	cancel()

	err := <-done
	assert.True(t, errors.Is(err, context.Canceled))

	// No stuck CONNECTING entry: rediscovery starts fresh.
	_, tracked := c.Status(playerInfo())
	assert.False(t, tracked)

	c.opts.RetryInterval = time.Millisecond
	c.connectFn = func(ctx context.Context, info devices.ConnectionInfo) error { return nil }
	require.NoError(t, c.HandleDevice(context.Background(), playerInfo()))

	status, ok := c.Status(playerInfo())
	require.True(t, ok)
	assert.Equal(t, StatusConnected, status)
}

func TestDownloadFileUntrackedAddress(t *testing.T) {
	c := newOrchestrator(t, testOptions())

	_, err := c.DownloadFile(context.Background(), "10.0.0.99", "/x")
	assert.True(t, errors.Is(err, ErrDeviceNotTracked))
}

func TestDisconnectAllResetsState(t *testing.T) {
	c := newOrchestrator(t, testOptions())
	c.connectFn = func(ctx context.Context, info devices.ConnectionInfo) error { return nil }

	require.NoError(t, c.HandleDevice(context.Background(), playerInfo()))
	require.NoError(t, c.DisconnectAll())

	// Identities can be handled again after a teardown.
	_, tracked := c.Status(playerInfo())
	assert.False(t, tracked)
	require.NoError(t, c.HandleDevice(context.Background(), playerInfo()))
}
