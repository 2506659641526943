package log

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEvent(t *testing.T) {
	t.Run("FrameEvent", func(t *testing.T) {
		event := Event{
			Timestamp:  time.Now().UTC(),
			DeviceID:   "01020304-0506-0708-090a-0b0c0d0e0f10",
			Service:    "BeatInfo",
			RemoteAddr: "10.0.0.23:50010",
			Direction:  DirectionIn,
			Layer:      LayerTransport,
			Category:   CategoryMessage,
			Frame: &FrameEvent{
				Size: 77,
				Data: []byte{0, 0, 0, 4, 0, 0, 0, 0},
			},
		}

		data, err := EncodeEvent(event)
		require.NoError(t, err)

		decoded, err := DecodeEvent(data)
		require.NoError(t, err)

		assert.Equal(t, event.DeviceID, decoded.DeviceID)
		assert.Equal(t, event.Service, decoded.Service)
		assert.Equal(t, event.Direction, decoded.Direction)
		require.NotNil(t, decoded.Frame)
		assert.Equal(t, event.Frame.Size, decoded.Frame.Size)
		assert.Equal(t, event.Frame.Data, decoded.Frame.Data)
		assert.True(t, event.Timestamp.Equal(decoded.Timestamp))
	})

	t.Run("StateChangeEvent", func(t *testing.T) {
		event := Event{
			Timestamp: time.Now().UTC(),
			Direction: DirectionLocal,
			Layer:     LayerOrchestrator,
			Category:  CategoryState,
			StateChange: &StateChangeEvent{
				Entity:   StateEntityDiscovery,
				OldState: "CONNECTING",
				NewState: "FAILED",
				Reason:   "retries exhausted",
			},
		}

		data, err := EncodeEvent(event)
		require.NoError(t, err)

		decoded, err := DecodeEvent(data)
		require.NoError(t, err)
		require.NotNil(t, decoded.StateChange)
		assert.Equal(t, StateEntityDiscovery, decoded.StateChange.Entity)
		assert.Equal(t, "FAILED", decoded.StateChange.NewState)
	})

	t.Run("PolicyEvent", func(t *testing.T) {
		event := Event{
			Timestamp: time.Now().UTC(),
			Direction: DirectionLocal,
			Layer:     LayerOrchestrator,
			Category:  CategoryPolicy,
			Policy: &PolicyEvent{
				Rule:         "software-prefix",
				SoftwareName: "SoundSwitchEmbedded",
			},
		}

		data, err := EncodeEvent(event)
		require.NoError(t, err)

		decoded, err := DecodeEvent(data)
		require.NoError(t, err)
		require.NotNil(t, decoded.Policy)
		assert.Equal(t, "software-prefix", decoded.Policy.Rule)
	})
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "IN", DirectionIn.String())
	assert.Equal(t, "OUT", DirectionOut.String())
	assert.Equal(t, "LOCAL", DirectionLocal.String())
	assert.Equal(t, "TRANSPORT", LayerTransport.String())
	assert.Equal(t, "SERVICE", LayerService.String())
	assert.Equal(t, "ORCHESTRATOR", LayerOrchestrator.String())
	assert.Equal(t, "POLICY", CategoryPolicy.String())
	assert.Equal(t, "DISCOVERY", StateEntityDiscovery.String())
}
