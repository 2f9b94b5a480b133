// Package lava implements the client side of the audio node's control
// protocol: a websocket event stream plus a small REST surface for player
// updates and track loading.
package lava

import "math"

// StreamLength is the sentinel length the node reports for unbounded live
// streams.
const StreamLength int64 = math.MaxInt64

// TrackInfo describes a single resolvable piece of media.
type TrackInfo struct {
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
	Author     string `json:"author"`
	URI        string `json:"uri"`
	ArtworkURL string `json:"artworkUrl"`
	Length     int64  `json:"length"`
	Position   int64  `json:"position"`
	IsSeekable bool   `json:"isSeekable"`
	IsStream   bool   `json:"isStream"`
	SourceName string `json:"sourceName"`
}

// Track is a playable track. Encoded is the node's opaque representation;
// Info.Identifier is the stable id separate fetches of the same media share.
type Track struct {
	Encoded string    `json:"encoded"`
	Info    TrackInfo `json:"info"`
}

// Playlist is an ordered collection of tracks returned by a playlist load.
type Playlist struct {
	Name   string  `json:"name"`
	Tracks []Track `json:"tracks"`
}

// EndReason reports why a track stopped playing.
type EndReason string

const (
	EndFinished   EndReason = "finished"
	EndLoadFailed EndReason = "loadFailed"
	EndStopped    EndReason = "stopped"
	EndReplaced   EndReason = "replaced"
	EndCleanup    EndReason = "cleanup"
)

// MayStartNext reports whether the player should advance to the next track
// after this end reason.
func (r EndReason) MayStartNext() bool {
	return r == EndFinished || r == EndLoadFailed
}

// LoadType classifies a loadtracks response.
type LoadType string

const (
	LoadTypeTrack    LoadType = "track"
	LoadTypePlaylist LoadType = "playlist"
	LoadTypeSearch   LoadType = "search"
	LoadTypeEmpty    LoadType = "empty"
	LoadTypeError    LoadType = "error"
)

// LoadResult is the outcome of resolving a query against the node.
type LoadResult struct {
	LoadType LoadType
	Tracks   []Track
	Playlist *Playlist
	Error    *LoadError
}

// LoadError is the node-side failure attached to a LoadTypeError result.
type LoadError struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Cause    string `json:"cause"`
}

// IsEmpty reports whether the load produced nothing playable.
func (r *LoadResult) IsEmpty() bool {
	if r == nil {
		return true
	}
	switch r.LoadType {
	case LoadTypeEmpty, LoadTypeError:
		return true
	case LoadTypePlaylist:
		return r.Playlist == nil || len(r.Playlist.Tracks) == 0
	default:
		return len(r.Tracks) == 0
	}
}

// PlayerState is the periodic position report for a guild's player.
type PlayerState struct {
	Time      int64 `json:"time"`
	Position  int64 `json:"position"`
	Connected bool  `json:"connected"`
	Ping      int   `json:"ping"`
}

// VoiceServer carries the platform voice credentials the node needs to take
// over a guild's voice transport.
type VoiceServer struct {
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sessionId"`
}

// TrackUpdate sets or clears the playing track. A nil Encoded stops playback.
type TrackUpdate struct {
	Encoded *string `json:"encoded"`
}

// PlayerUpdate is a partial update of a guild player. Nil fields are left
// untouched by the node.
type PlayerUpdate struct {
	Track    *TrackUpdate `json:"track,omitempty"`
	Position *int64       `json:"position,omitempty"`
	EndTime  *int64       `json:"endTime,omitempty"`
	Volume   *int         `json:"volume,omitempty"`
	Paused   *bool        `json:"paused,omitempty"`
	Voice    *VoiceServer `json:"voice,omitempty"`
}

// EventSink receives node events. Implementations must not block; the sink is
// invoked from the websocket read loop.
type EventSink interface {
	OnNodeReady(sessionID string, resumed bool)
	OnTrackStart(guildID string, track Track)
	OnTrackEnd(guildID string, track Track, reason EndReason)
	OnWebSocketClosed(guildID string, code int, reason string, byRemote bool)
	OnPlayerUpdate(guildID string, state PlayerState)
}
