package log

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEvent(deviceID, service string, layer Layer) Event {
	return Event{
		Timestamp: time.Now().UTC(),
		DeviceID:  deviceID,
		Service:   service,
		Direction: DirectionIn,
		Layer:     layer,
		Category:  CategoryMessage,
		Message:   &MessageEvent{MessageID: 2, PayloadSize: 64},
	}
}

func TestFileLoggerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.slog")

	logger, err := NewFileLogger(path)
	require.NoError(t, err)

	logger.Log(makeEvent("dev-a", "BeatInfo", LayerService))
	logger.Log(makeEvent("dev-b", "StateMap", LayerService))
	logger.Log(makeEvent("dev-a", "BeatInfo", LayerTransport))
	require.NoError(t, logger.Close())

	// Close is idempotent and silences later writes.
	require.NoError(t, logger.Close())
	logger.Log(makeEvent("dev-c", "BeatInfo", LayerService))

	reader, err := NewReader(path)
	require.NoError(t, err)
	defer reader.Close()

	var count int
	for {
		_, err := reader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 3, count)
}

func TestFilteredReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.slog")

	logger, err := NewFileLogger(path)
	require.NoError(t, err)
	logger.Log(makeEvent("dev-a", "BeatInfo", LayerService))
	logger.Log(makeEvent("dev-b", "StateMap", LayerService))
	logger.Log(makeEvent("dev-a", "StateMap", LayerService))
	require.NoError(t, logger.Close())

	reader, err := NewFilteredReader(path, Filter{DeviceID: "dev-a", Service: "StateMap"})
	require.NoError(t, err)
	defer reader.Close()

	event, err := reader.Next()
	require.NoError(t, err)
	assert.Equal(t, "dev-a", event.DeviceID)
	assert.Equal(t, "StateMap", event.Service)

	_, err = reader.Next()
	assert.Equal(t, io.EOF, err)
}

func TestMultiLogger(t *testing.T) {
	var a, b capturingLogger
	m := NewMultiLogger(&a, &b)

	m.Log(makeEvent("dev-a", "BeatInfo", LayerService))
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestSlogAdapter(t *testing.T) {
	// Smoke test: the adapter must not panic on any event shape.
	adapter := NewSlogAdapter(slog.New(slog.NewTextHandler(io.Discard, nil)))
	adapter.Log(makeEvent("dev-a", "BeatInfo", LayerService))
	adapter.Log(Event{Category: CategoryError, Error: &ErrorEventData{Layer: LayerService, Message: "decode fault"}})
	adapter.Log(Event{Category: CategoryPolicy, Policy: &PolicyEvent{Rule: "self-discovery"}})
	adapter.Log(Event{Category: CategoryState, StateChange: &StateChangeEvent{Entity: StateEntityConnection, NewState: "CONNECTED"}})
}

type capturingLogger struct {
	events []Event
}

func (c *capturingLogger) Log(event Event) {
	c.events = append(c.events, event)
}
