package statemap

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/stagelinq-protocol/stagelinq-go/pkg/service"
)

// Engine state path templates watched by the player-state aggregator.
const (
	pathSongLoaded = "/Engine/Deck%d/Track/SongLoaded"
	pathSongName   = "/Engine/Deck%d/Track/SongName"
	pathArtistName = "/Engine/Deck%d/Track/ArtistName"
	pathPlayState  = "/Engine/Deck%d/PlayState"
)

// DeckCount is the number of decks watched per device. Standalone
// players expose at most four.
const DeckCount = 4

// TrackInfo describes the track loaded on one deck.
type TrackInfo struct {
	Deck   int
	Title  string
	Artist string
}

// PlayStateChange describes a deck starting or stopping playback.
type PlayStateChange struct {
	Deck    int
	Playing bool
}

// PlayerState aggregates raw StateMap emissions for one device into
// deck-level track and playback events.
type PlayerState struct {
	mu    sync.Mutex
	decks [DeckCount + 1]deckState // 1-based

	onTrackLoaded  []func(TrackInfo)
	onStateChanged []func(PlayStateChange)
	onNowPlaying   []func(TrackInfo)
}

type deckState struct {
	loaded  bool
	playing bool
	title   string
	artist  string
}

// NewPlayerState creates an aggregator bound to sm: it registers
// itself as an observer and subscribes to the deck state paths it
// watches. sm must be started before calling Subscribe-backed paths.
func NewPlayerState(sm *StateMap) (*PlayerState, error) {
	p := &PlayerState{}
	sm.OnMessage(p.handle)

	for deck := 1; deck <= DeckCount; deck++ {
		for _, tmpl := range []string{pathSongLoaded, pathSongName, pathArtistName, pathPlayState} {
			if err := sm.Subscribe(fmt.Sprintf(tmpl, deck), 0); err != nil {
				return nil, fmt.Errorf("subscribe deck %d: %w", deck, err)
			}
		}
	}
	return p, nil
}

// OnTrackLoaded registers a subscriber for track-loaded events.
func (p *PlayerState) OnTrackLoaded(fn func(TrackInfo)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrackLoaded = append(p.onTrackLoaded, fn)
}

// OnStateChanged registers a subscriber for play-state changes.
func (p *PlayerState) OnStateChanged(fn func(PlayStateChange)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onStateChanged = append(p.onStateChanged, fn)
}

// OnNowPlaying registers a subscriber for now-playing events: a loaded
// deck entering playback.
func (p *PlayerState) OnNowPlaying(fn func(TrackInfo)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onNowPlaying = append(p.onNowPlaying, fn)
}

// stateDoc covers the JSON shapes the engine emits: booleans arrive as
// {"state":bool}, strings as {"string":"..."}.
type stateDoc struct {
	State  *bool   `json:"state"`
	String *string `json:"string"`
}

// handle consumes one raw state emission.
func (p *PlayerState) handle(msg service.Message[StateValue]) {
	var deck int
	var field string
	if !matchDeckPath(msg.Payload.Name, &deck, &field) {
		return
	}

	var doc stateDoc
	if err := json.Unmarshal(msg.Payload.JSON, &doc); err != nil {
		return
	}

	p.mu.Lock()
	d := &p.decks[deck]

	var trackLoaded, nowPlaying *TrackInfo
	var stateChanged *PlayStateChange

	switch field {
	case "Track/SongLoaded":
		if doc.State == nil {
			break
		}
		wasLoaded := d.loaded
		d.loaded = *doc.State
		if d.loaded && !wasLoaded {
			trackLoaded = &TrackInfo{Deck: deck, Title: d.title, Artist: d.artist}
		}
	case "Track/SongName":
		if doc.String != nil {
			d.title = *doc.String
		}
	case "Track/ArtistName":
		if doc.String != nil {
			d.artist = *doc.String
		}
	case "PlayState":
		if doc.State == nil {
			break
		}
		wasPlaying := d.playing
		d.playing = *doc.State
		if d.playing != wasPlaying {
			stateChanged = &PlayStateChange{Deck: deck, Playing: d.playing}
			if d.playing && d.loaded {
				nowPlaying = &TrackInfo{Deck: deck, Title: d.title, Artist: d.artist}
			}
		}
	}

	loadedSubs := append(([]func(TrackInfo))(nil), p.onTrackLoaded...)
	stateSubs := append(([]func(PlayStateChange))(nil), p.onStateChanged...)
	playingSubs := append(([]func(TrackInfo))(nil), p.onNowPlaying...)
	p.mu.Unlock()

	if trackLoaded != nil {
		for _, fn := range loadedSubs {
			fn(*trackLoaded)
		}
	}
	if stateChanged != nil {
		for _, fn := range stateSubs {
			fn(*stateChanged)
		}
	}
	if nowPlaying != nil {
		for _, fn := range playingSubs {
			fn(*nowPlaying)
		}
	}
}

// matchDeckPath parses /Engine/Deck<N>/<field> paths for decks 1..DeckCount.
func matchDeckPath(path string, deck *int, field *string) bool {
	const prefix = "/Engine/Deck"
	if len(path) < len(prefix)+2 || path[:len(prefix)] != prefix {
		return false
	}
	n := int(path[len(prefix)] - '0')
	if n < 1 || n > DeckCount || path[len(prefix)+1] != '/' {
		return false
	}
	*deck = n
	*field = path[len(prefix)+2:]
	return true
}
