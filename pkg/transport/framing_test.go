package transport

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagelinq-protocol/stagelinq-go/pkg/log"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewFrameWriter(&buf)
	r := NewFrameReader(&buf)

	payloads := [][]byte{
		{0, 0, 0, 0},
		{1},
		bytes.Repeat([]byte{0xAB}, 4096),
	}

	for _, p := range payloads {
		require.NoError(t, w.WriteFrame(p))
	}
	for _, p := range payloads {
		got, err := r.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	_, err := r.ReadFrame()
	assert.Equal(t, io.EOF, err)
}

func TestBeatInfoSubscribeFrameLayout(t *testing.T) {
	// The beat-info subscribe request must serialize to exactly
	// 00 00 00 04 00 00 00 00 on the wire.
	var buf bytes.Buffer
	w := NewFrameWriter(&buf)
	require.NoError(t, w.WriteFrame([]byte{0, 0, 0, 0}))
	assert.Equal(t, []byte{0, 0, 0, 4, 0, 0, 0, 0}, buf.Bytes())
}

func TestFrameErrors(t *testing.T) {
	t.Run("EmptyPayload", func(t *testing.T) {
		var buf bytes.Buffer
		w := NewFrameWriter(&buf)
		assert.Equal(t, ErrFrameEmpty, w.WriteFrame(nil))
	})

	t.Run("TooLargeWrite", func(t *testing.T) {
		var buf bytes.Buffer
		w := NewFrameWriter(&buf)
		err := w.WriteFrame(make([]byte, DefaultMaxFrameSize+1))
		assert.True(t, errors.Is(err, ErrFrameTooLarge))
	})

	t.Run("TooLargeRead", func(t *testing.T) {
		r := NewFrameReader(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF}))
		_, err := r.ReadFrame()
		assert.True(t, errors.Is(err, ErrFrameTooLarge))
	})

	t.Run("TruncatedPayload", func(t *testing.T) {
		r := NewFrameReader(bytes.NewReader([]byte{0, 0, 0, 8, 1, 2}))
		_, err := r.ReadFrame()
		assert.Equal(t, ErrFrameTruncated, err)
	})

	t.Run("TruncatedPrefix", func(t *testing.T) {
		r := NewFrameReader(bytes.NewReader([]byte{0, 0}))
		_, err := r.ReadFrame()
		assert.Equal(t, ErrFrameTruncated, err)
	})

	t.Run("ZeroLengthFrame", func(t *testing.T) {
		r := NewFrameReader(bytes.NewReader([]byte{0, 0, 0, 0}))
		_, err := r.ReadFrame()
		assert.Equal(t, ErrFrameEmpty, err)
	})
}

func TestFramerLogging(t *testing.T) {
	var buf bytes.Buffer
	var captured capturingLogger

	f := NewFramer(&buf)
	f.SetLogger(&captured, "10.0.0.5:50010")

	require.NoError(t, f.WriteFrame([]byte{1, 2, 3}))
	_, err := f.ReadFrame()
	require.NoError(t, err)

	require.Len(t, captured.events, 2)
	assert.Equal(t, log.DirectionOut, captured.events[0].Direction)
	assert.Equal(t, log.DirectionIn, captured.events[1].Direction)
	assert.Equal(t, "10.0.0.5:50010", captured.events[0].RemoteAddr)
	assert.Equal(t, FrameSize(3), captured.events[0].Frame.Size)
}

func TestFrameLogTruncation(t *testing.T) {
	var buf bytes.Buffer
	var captured capturingLogger

	w := NewFrameWriter(&buf)
	w.SetLogger(&captured, "")

	require.NoError(t, w.WriteFrame(make([]byte, MaxLogFrameDataSize*2)))
	require.Len(t, captured.events, 1)
	assert.True(t, captured.events[0].Frame.Truncated)
	assert.Len(t, captured.events[0].Frame.Data, MaxLogFrameDataSize)
}

type capturingLogger struct {
	events []log.Event
}

func (c *capturingLogger) Log(event log.Event) {
	c.events = append(c.events, event)
}
