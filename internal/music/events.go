package music

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cadenza-bot/cadenza/internal/lava"
)

// Voice close codes the node relays from the platform.
const (
	// closeSessionInvalid means the voice session is no longer valid and the
	// connection must be rebuilt from scratch.
	closeSessionInvalid = 4006
	// closeDisconnected means the platform disconnected the bot (kicked,
	// channel deleted, region move).
	closeDisconnected = 4014
)

// VoiceStateEvent is a platform voice-state change relevant to the music
// core, already reduced by the transport layer.
type VoiceStateEvent struct {
	GuildID         string
	UserID          string
	BeforeChannelID string
	AfterChannelID  string
	SelfUser        bool
}

// EventHandlers reconciles node and platform events into player state:
// advancing the queue on track end, triggering healing on dead sessions,
// cleaning up on forced disconnects, and arming auto-leave timers when the
// voice channel goes effectively empty.
type EventHandlers struct {
	connections *ConnectionManager
	state       *StateManager
	controllers *ControllerManager
	healer      *Healer
	transport   Transport
	log         zerolog.Logger

	autoLeaveTimeout time.Duration

	// onSessionEnd, when set, receives the popped session after cleanup so
	// a summary can be delivered.
	onSessionEnd func(*Session)
}

// NewEventHandlers wires the event handlers.
func NewEventHandlers(connections *ConnectionManager, state *StateManager, controllers *ControllerManager, healer *Healer, transport Transport, autoLeaveTimeout time.Duration, onSessionEnd func(*Session), log zerolog.Logger) *EventHandlers {
	return &EventHandlers{
		connections:      connections,
		state:            state,
		controllers:      controllers,
		healer:           healer,
		transport:        transport,
		autoLeaveTimeout: autoLeaveTimeout,
		onSessionEnd:     onSessionEnd,
		log:              log.With().Str("component", "events").Logger(),
	}
}

// OnNodeReady implements lava.EventSink.
func (h *EventHandlers) OnNodeReady(sessionID string, resumed bool) {
	h.log.Info().Str("session", sessionID).Bool("resumed", resumed).Msg("node ready")
}

// OnPlayerUpdate feeds position reports into the guild's player.
func (h *EventHandlers) OnPlayerUpdate(guildID string, state lava.PlayerState) {
	if player := h.connections.Player(guildID); player != nil {
		player.syncPosition(state)
	}
}

// OnTrackStart marks the track as playing and spawns its controller. Events
// arriving while the guild is mid-heal refer to the connection being torn
// down and are dropped.
func (h *EventHandlers) OnTrackStart(guildID string, track lava.Track) {
	if h.healer.IsHealing(guildID) {
		return
	}
	player := h.connections.Player(guildID)
	if player == nil {
		return
	}
	player.setNowPlaying(track)
	h.state.RecordTrackStart(guildID)
	session := h.state.GetOrCreateSession(guildID)

	// Spawn waits for player sync and talks to the messenger; keep it off
	// the node's read loop.
	go h.controllers.Spawn(guildID, track, player, session)
}

// OnTrackEnd records history and advances the queue when the end reason
// allows a successor.
func (h *EventHandlers) OnTrackEnd(guildID string, track lava.Track, reason lava.EndReason) {
	if h.healer.IsHealing(guildID) {
		return
	}
	player := h.connections.Player(guildID)
	if player == nil {
		return
	}

	requester, _ := player.Requester(track)
	h.state.RecordHistory(guildID, track, reason, requester)
	player.clearNowPlaying(track.Info.Identifier)

	if !reason.MayStartNext() {
		// A replace is followed by a start event for the new track; a stop
		// with nothing queued leaves a stale message behind.
		if reason == lava.EndStopped && player.QueueLen() == 0 {
			h.controllers.Destroy(guildID)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	next, err := player.Advance(ctx, false, &track)
	if err != nil {
		h.log.Error().Err(err).Str("guild", guildID).Msg("advance after track end failed")
		return
	}
	if next == nil {
		h.controllers.Destroy(guildID)
	}
}

// OnWebSocketClosed reacts to the platform closing the voice websocket.
// Code 4006 starts a healing episode; 4014 from the remote side means we
// were disconnected for real and the guild state is cleaned up.
func (h *EventHandlers) OnWebSocketClosed(guildID string, code int, reason string, byRemote bool) {
	log := h.log.With().Str("guild", guildID).Int("code", code).Str("reason", reason).Logger()

	switch {
	case code == closeSessionInvalid:
		log.Warn().Msg("voice session invalid, healing")
		go h.healer.Heal(context.Background(), guildID)
	case code == closeDisconnected && byRemote:
		if h.healer.IsHealing(guildID) {
			log.Debug().Msg("disconnect during healing, ignoring")
			return
		}
		log.Info().Msg("disconnected by platform, cleaning up")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.cleanup(ctx, guildID)
	default:
		log.Debug().Bool("by_remote", byRemote).Msg("voice websocket closed")
	}
}

// HandleVoiceState processes a reduced voice-state change. For the bot's
// own state it detects forced disconnects and moves; for everyone else it
// recomputes channel occupancy for the auto-leave timer.
func (h *EventHandlers) HandleVoiceState(ev VoiceStateEvent) {
	player := h.connections.Player(ev.GuildID)
	if player == nil {
		return
	}

	if ev.SelfUser {
		if ev.AfterChannelID == "" {
			if h.healer.IsHealing(ev.GuildID) {
				return
			}
			h.log.Info().Str("guild", ev.GuildID).Msg("bot left voice, cleaning up")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			h.cleanup(ctx, ev.GuildID)
			return
		}
		if ev.AfterChannelID != player.ChannelID() {
			player.setChannelID(ev.AfterChannelID)
		}
		h.recheckOccupancy(ev.GuildID, player)
		return
	}

	// Only churn touching our channel matters.
	channelID := player.ChannelID()
	if ev.BeforeChannelID != channelID && ev.AfterChannelID != channelID {
		return
	}
	h.recheckOccupancy(ev.GuildID, player)
}

// recheckOccupancy arms the auto-leave timer when the channel is
// effectively empty (no non-bot members, or every non-bot member deafened)
// and cancels it otherwise.
func (h *EventHandlers) recheckOccupancy(guildID string, player *Player) {
	members, err := h.transport.VoiceMembers(guildID, player.ChannelID())
	if err != nil {
		h.log.Warn().Err(err).Str("guild", guildID).Msg("voice member lookup failed")
		return
	}

	if empty, reason := effectivelyEmpty(members); empty {
		h.state.StartTimer(guildID, reason, h.autoLeaveTimeout)
	} else {
		h.state.CancelTimer(guildID)
	}
}

func effectivelyEmpty(members []VoiceMember) (bool, string) {
	listeners := 0
	for _, m := range members {
		if m.Bot {
			continue
		}
		if !m.Deafened {
			return false, ""
		}
		listeners++
	}
	if listeners > 0 {
		return true, "all listeners deafened"
	}
	return true, "no listeners"
}

// cleanup tears down all guild state after the connection is already gone.
func (h *EventHandlers) cleanup(ctx context.Context, guildID string) {
	h.controllers.Destroy(guildID)
	h.state.CancelTimer(guildID)

	if player := h.connections.Player(guildID); player != nil {
		player.ClearQueue()
	}
	if err := h.connections.Disconnect(ctx, guildID); err != nil {
		h.log.Debug().Err(err).Str("guild", guildID).Msg("disconnect during cleanup")
	}

	if session := h.state.EndSession(guildID); session != nil && h.onSessionEnd != nil {
		h.onSessionEnd(session)
	}
}
