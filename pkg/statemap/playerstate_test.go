package statemap

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagelinq-protocol/stagelinq-go/pkg/service"
)

// feed pushes a fabricated emission straight through the aggregator.
func feed(p *PlayerState, name, doc string) {
	p.handle(service.Message[StateValue]{
		ID:      MsgIDEmit,
		Payload: StateValue{Name: name, JSON: []byte(doc)},
	})
}

func newAggregator(t *testing.T) *PlayerState {
	t.Helper()
	// Bypass the subscribing constructor; tests feed emissions directly.
	return &PlayerState{}
}

func TestPlayerStateTrackLoaded(t *testing.T) {
	p := newAggregator(t)

	var loaded []TrackInfo
	p.OnTrackLoaded(func(ti TrackInfo) { loaded = append(loaded, ti) })

	feed(p, "/Engine/Deck1/Track/SongName", `{"string":"One More Time"}`)
	feed(p, "/Engine/Deck1/Track/ArtistName", `{"string":"Daft Punk"}`)
	feed(p, "/Engine/Deck1/Track/SongLoaded", `{"state":true}`)

	require.Len(t, loaded, 1)
	assert.Equal(t, TrackInfo{Deck: 1, Title: "One More Time", Artist: "Daft Punk"}, loaded[0])

	// Repeated loaded=true is not a new load.
	feed(p, "/Engine/Deck1/Track/SongLoaded", `{"state":true}`)
	assert.Len(t, loaded, 1)

	// Unload then reload fires again.
	feed(p, "/Engine/Deck1/Track/SongLoaded", `{"state":false}`)
	feed(p, "/Engine/Deck1/Track/SongLoaded", `{"state":true}`)
	assert.Len(t, loaded, 2)
}

func TestPlayerStatePlaybackEvents(t *testing.T) {
	p := newAggregator(t)

	var changes []PlayStateChange
	var playing []TrackInfo
	p.OnStateChanged(func(c PlayStateChange) { changes = append(changes, c) })
	p.OnNowPlaying(func(ti TrackInfo) { playing = append(playing, ti) })

	feed(p, "/Engine/Deck2/Track/SongName", `{"string":"Strobe"}`)
	feed(p, "/Engine/Deck2/Track/SongLoaded", `{"state":true}`)
	feed(p, "/Engine/Deck2/PlayState", `{"state":true}`)

	require.Len(t, changes, 1)
	assert.Equal(t, PlayStateChange{Deck: 2, Playing: true}, changes[0])
	require.Len(t, playing, 1)
	assert.Equal(t, "Strobe", playing[0].Title)

	// Unchanged play state emits nothing.
	feed(p, "/Engine/Deck2/PlayState", `{"state":true}`)
	assert.Len(t, changes, 1)

	// Stopping emits a state change but no now-playing.
	feed(p, "/Engine/Deck2/PlayState", `{"state":false}`)
	require.Len(t, changes, 2)
	assert.False(t, changes[1].Playing)
	assert.Len(t, playing, 1)
}

func TestPlayerStateNoNowPlayingWithoutTrack(t *testing.T) {
	p := newAggregator(t)

	var playing []TrackInfo
	p.OnNowPlaying(func(ti TrackInfo) { playing = append(playing, ti) })

	// Deck plays with nothing loaded (cue drum pad etc.) - no event.
	feed(p, "/Engine/Deck3/PlayState", `{"state":true}`)
	assert.Empty(t, playing)
}

func TestPlayerStateIgnoresForeignPaths(t *testing.T) {
	p := newAggregator(t)

	var any int
	p.OnStateChanged(func(PlayStateChange) { any++ })
	p.OnTrackLoaded(func(TrackInfo) { any++ })

	feed(p, "/Mixer/CH1faderPosition", `{"value":0.5}`)
	feed(p, "/Engine/Deck9/PlayState", `{"state":true}`)
	feed(p, "/Engine/DeckX/PlayState", `{"state":true}`)
	feed(p, "/Engine/Deck1/PlayState", `not json`)
	assert.Zero(t, any)
}

func TestMatchDeckPath(t *testing.T) {
	var deck int
	var field string

	for n := 1; n <= DeckCount; n++ {
		require.True(t, matchDeckPath(fmt.Sprintf("/Engine/Deck%d/PlayState", n), &deck, &field))
		assert.Equal(t, n, deck)
		assert.Equal(t, "PlayState", field)
	}

	assert.False(t, matchDeckPath("/Engine/Deck0/PlayState", &deck, &field))
	assert.False(t, matchDeckPath("/Engine/Deck5/PlayState", &deck, &field))
	assert.False(t, matchDeckPath("/Engine/Deck1", &deck, &field))
	assert.False(t, matchDeckPath("", &deck, &field))
}
