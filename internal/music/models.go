// Package music is the playback-session control plane: per-guild connection
// lifecycle, queue/repeat handling, session analytics, auto-leave timers,
// crash recovery and the live now-playing controller.
package music

import (
	"sync"
	"time"

	"github.com/cadenza-bot/cadenza/internal/lava"
	"github.com/cadenza-bot/cadenza/internal/music/queue"
)

// Status is the coarse outcome of a public operation.
type Status string

const (
	// StatusSuccess means the operation did what was asked.
	StatusSuccess Status = "SUCCESS"
	// StatusFailure means there was nothing to act on (user error, not a bug).
	StatusFailure Status = "FAILURE"
	// StatusError means an unexpected transport or node fault.
	StatusError Status = "ERROR"
)

// Result is the uniform return shape of every public operation.
type Result struct {
	Status  Status
	Message string
	Data    any
}

func success(message string, data any) Result {
	return Result{Status: StatusSuccess, Message: message, Data: data}
}

func failure(message string) Result {
	return Result{Status: StatusFailure, Message: message}
}

func errored(message string) Result {
	return Result{Status: StatusError, Message: message}
}

// IsSuccess reports whether the operation succeeded.
func (r Result) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// VoiceCheckResult describes the outcome of a join attempt.
type VoiceCheckResult string

const (
	VoiceAlreadyConnected   VoiceCheckResult = "already_connected"
	VoiceMovedChannels      VoiceCheckResult = "moved_channels"
	VoiceSuccess            VoiceCheckResult = "success"
	VoiceConnectionFailed   VoiceCheckResult = "connection_failed"
	VoiceInvalidChannelType VoiceCheckResult = "invalid_channel_type"
	VoiceUserNotInVoice     VoiceCheckResult = "user_not_in_voice"
	VoiceChannelEmpty       VoiceCheckResult = "channel_empty"
)

// Status maps the join outcome onto the uniform result status.
func (v VoiceCheckResult) Status() Status {
	switch v {
	case VoiceAlreadyConnected, VoiceMovedChannels, VoiceSuccess:
		return StatusSuccess
	case VoiceConnectionFailed:
		return StatusError
	default:
		return StatusFailure
	}
}

// TrackRequester records who asked for a track and from which text channel.
type TrackRequester struct {
	UserID    string
	ChannelID string
}

// PlayedTrack is one history entry of a listening session.
type PlayedTrack struct {
	Title       string
	URI         string
	Skipped     bool
	RequesterID string
	ChannelID   string
	Timestamp   time.Time
}

// Session is a guild's listening session: what was played, who listened, and
// which text channels the listeners used. Created lazily on first track
// start, popped when playback fully ends or the bot leaves. Sessions are
// read from healing and controller goroutines while command handlers write,
// so the guarded state carries its own lock.
type Session struct {
	GuildID   string
	StartTime time.Time

	mu           sync.Mutex
	tracks       []PlayedTrack
	channelUsage map[string]int
	participants map[string]struct{}
}

// NewSession creates an empty session for a guild.
func NewSession(guildID string) *Session {
	return &Session{
		GuildID:      guildID,
		StartTime:    time.Now(),
		channelUsage: make(map[string]int),
		participants: make(map[string]struct{}),
	}
}

// RecordInteraction counts a user interaction in a text channel.
func (s *Session) RecordInteraction(channelID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if channelID != "" {
		s.channelUsage[channelID]++
	}
	if userID != "" {
		s.participants[userID] = struct{}{}
	}
}

// AddTrack appends a history entry.
func (s *Session) AddTrack(entry PlayedTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, entry)
	if entry.RequesterID != "" {
		s.participants[entry.RequesterID] = struct{}{}
	}
}

// History returns a copy of the session's track history.
func (s *Session) History() []PlayedTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PlayedTrack, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// TrackCount returns how many tracks the session has recorded.
func (s *Session) TrackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracks)
}

// ParticipantCount returns how many distinct users took part.
func (s *Session) ParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants)
}

// MostUsedChannel returns the text channel with the most interactions this
// session, or empty when nothing was recorded.
func (s *Session) MostUsedChannel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best string
	var bestCount int
	for id, count := range s.channelUsage {
		if count > bestCount {
			best, bestCount = id, count
		}
	}
	return best
}

// Snapshot is a point-in-time capture of everything needed to rebuild a
// guild's connection. It exists only for the duration of one healing episode.
type Snapshot struct {
	GuildID        string
	VoiceChannelID string
	TextChannelID  string

	Current  *lava.Track
	Position int64
	Paused   bool
	Volume   int

	Queue      []lava.Track
	RepeatMode queue.RepeatMode
	Requesters map[string]TrackRequester
	Session    *Session
}

// QueueView is a read-only copy of a guild's queue state.
type QueueView struct {
	Current    *lava.Track
	Tracks     []lava.Track
	RepeatMode queue.RepeatMode
}

// PlayData is the payload of a successful Play call. Playing reports whether
// something was already playing before this call (i.e. the new track was
// only enqueued).
type PlayData struct {
	Track    *lava.Track
	Playlist *lava.Playlist
	Playing  bool
}

// SkipData reports the track that was skipped and the one taking its place.
type SkipData struct {
	Before *lava.Track
	After  *lava.Track
}

// RotateData reports the track moved to the back and the next one up.
type RotateData struct {
	Skipped *lava.Track
	Next    *lava.Track
}

// RepeatData reports a repeat-mode change.
type RepeatData struct {
	Mode     queue.RepeatMode
	Previous queue.RepeatMode
}
