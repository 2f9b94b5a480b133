package music

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cadenza-bot/cadenza/internal/lava"
)

// skipThreshold is how far into a track a stop/replace still counts as a
// skip for history purposes. Beyond it the listener plausibly heard the
// track, so it is recorded as played.
const skipThreshold = 20 * time.Second

// StateManager tracks the cross-cutting per-guild state that outlives any
// single player: listening sessions, track start times, and empty-channel
// auto-leave timers.
type StateManager struct {
	log zerolog.Logger

	mu          sync.Mutex
	sessions    map[string]*Session
	trackStarts map[string]time.Time
	timers      map[string]timerEntry
}

type timerEntry struct {
	deadline time.Time
	reason   string
}

// ExpiredTimer names a guild whose auto-leave deadline passed, and why the
// timer was armed.
type ExpiredTimer struct {
	GuildID string
	Reason  string
}

// NewStateManager returns an empty state manager.
func NewStateManager(log zerolog.Logger) *StateManager {
	return &StateManager{
		log:         log.With().Str("component", "state").Logger(),
		sessions:    make(map[string]*Session),
		trackStarts: make(map[string]time.Time),
		timers:      make(map[string]timerEntry),
	}
}

// GetOrCreateSession returns the guild's session, creating it when absent.
func (sm *StateManager) GetOrCreateSession(guildID string) *Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[guildID]
	if !ok {
		s = NewSession(guildID)
		sm.sessions[guildID] = s
		sm.log.Debug().Str("guild", guildID).Msg("session started")
	}
	return s
}

// Session returns the guild's session without creating one.
func (sm *StateManager) Session(guildID string) *Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.sessions[guildID]
}

// RestoreSession reinstates a session for a guild, unless one already
// exists. Used by the healer to carry history across a reconnect.
func (sm *StateManager) RestoreSession(s *Session) {
	if s == nil {
		return
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.sessions[s.GuildID]; !ok {
		sm.sessions[s.GuildID] = s
	}
}

// EndSession pops and returns the guild's session, or nil when none exists.
// The current track's start time is cleared alongside.
func (sm *StateManager) EndSession(guildID string) *Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s := sm.sessions[guildID]
	delete(sm.sessions, guildID)
	delete(sm.trackStarts, guildID)
	if s != nil {
		sm.log.Debug().Str("guild", guildID).Int("tracks", s.TrackCount()).Msg("session ended")
	}
	return s
}

// RecordTrackStart notes when the current track began, for skip detection.
func (sm *StateManager) RecordTrackStart(guildID string) {
	sm.mu.Lock()
	sm.trackStarts[guildID] = time.Now()
	sm.mu.Unlock()
}

// RecordInteraction counts a user interaction against the guild's session,
// creating it if needed.
func (sm *StateManager) RecordInteraction(guildID, channelID, userID string) {
	sm.GetOrCreateSession(guildID).RecordInteraction(channelID, userID)
}

// RecordHistory appends a finished track to the session history. A track is
// marked skipped when it ended by a stop or replace within skipThreshold of
// starting; anything the listener sat through counts as played.
func (sm *StateManager) RecordHistory(guildID string, track lava.Track, reason lava.EndReason, requester TrackRequester) {
	s := sm.GetOrCreateSession(guildID)

	sm.mu.Lock()
	skipped := false
	if reason == lava.EndStopped || reason == lava.EndReplaced {
		started, ok := sm.trackStarts[guildID]
		if !ok || time.Since(started) < skipThreshold {
			skipped = true
		}
	}
	delete(sm.trackStarts, guildID)
	sm.mu.Unlock()

	s.AddTrack(PlayedTrack{
		Title:       track.Info.Title,
		URI:         track.Info.URI,
		Skipped:     skipped,
		RequesterID: requester.UserID,
		ChannelID:   requester.ChannelID,
		Timestamp:   time.Now(),
	})
}

// StartTimer arms the auto-leave timer for a guild. An already running
// timer keeps its original deadline and reason.
func (sm *StateManager) StartTimer(guildID, reason string, timeout time.Duration) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.timers[guildID]; ok {
		return
	}
	sm.timers[guildID] = timerEntry{deadline: time.Now().Add(timeout), reason: reason}
	sm.log.Debug().Str("guild", guildID).Str("reason", reason).Dur("timeout", timeout).Msg("auto-leave timer armed")
}

// CancelTimer disarms the guild's auto-leave timer, if any.
func (sm *StateManager) CancelTimer(guildID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.timers[guildID]; ok {
		delete(sm.timers, guildID)
		sm.log.Debug().Str("guild", guildID).Msg("auto-leave timer cancelled")
	}
}

// IsTimerActive reports whether an auto-leave timer is armed for the guild.
func (sm *StateManager) IsTimerActive(guildID string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	_, ok := sm.timers[guildID]
	return ok
}

// ExpiredTimers returns the guilds whose auto-leave deadline has passed.
// The timers stay armed; the caller disarms them as part of leaving.
func (sm *StateManager) ExpiredTimers() []ExpiredTimer {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	now := time.Now()
	var expired []ExpiredTimer
	for guildID, entry := range sm.timers {
		if now.After(entry.deadline) {
			expired = append(expired, ExpiredTimer{GuildID: guildID, Reason: entry.reason})
		}
	}
	return expired
}

// ClearTimers disarms every timer. Used on shutdown.
func (sm *StateManager) ClearTimers() {
	sm.mu.Lock()
	sm.timers = make(map[string]timerEntry)
	sm.mu.Unlock()
}
