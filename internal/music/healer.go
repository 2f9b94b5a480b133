package music

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Healer rebuilds a guild's connection after the voice session dies under
// us (typically a node websocket close with code 4006). One healing episode
// runs per guild at a time; a second trigger while one is in flight is a
// no-op. A failed episode discards the snapshot and does not retry.
type Healer struct {
	connections *ConnectionManager
	state       *StateManager
	controllers *ControllerManager
	volumes     VolumeStore
	cooldown    time.Duration
	log         zerolog.Logger

	mu      sync.Mutex
	healing map[string]bool
}

// NewHealer wires a healer over the managers it coordinates.
func NewHealer(connections *ConnectionManager, state *StateManager, controllers *ControllerManager, volumes VolumeStore, cooldown time.Duration, log zerolog.Logger) *Healer {
	return &Healer{
		connections: connections,
		state:       state,
		controllers: controllers,
		volumes:     volumes,
		cooldown:    cooldown,
		log:         log.With().Str("component", "healer").Logger(),
		healing:     make(map[string]bool),
	}
}

// IsHealing reports whether a healing episode is in flight for the guild.
// Event handlers use it to suppress cleanup during the intentional
// mid-episode disconnect.
func (h *Healer) IsHealing(guildID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healing[guildID]
}

// Heal runs one healing episode: snapshot, hard disconnect, cooldown,
// reconnect, restore. Re-entry for a guild already healing is a no-op.
func (h *Healer) Heal(ctx context.Context, guildID string) {
	h.mu.Lock()
	if h.healing[guildID] {
		h.mu.Unlock()
		return
	}
	h.healing[guildID] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.healing, guildID)
		h.mu.Unlock()
	}()

	log := h.log.With().Str("guild", guildID).Logger()

	snap := h.capture(guildID)
	if snap == nil {
		log.Debug().Msg("nothing to heal")
		return
	}
	log.Info().Str("channel", snap.VoiceChannelID).Msg("healing voice session")

	h.controllers.Destroy(guildID)
	h.state.CancelTimer(guildID)
	h.connections.HardDisconnect(ctx, guildID)

	// Let the platform finish tearing the old session down before we ask
	// for a new one; reconnecting too fast resurrects the dead session.
	select {
	case <-ctx.Done():
		return
	case <-time.After(h.cooldown):
	}

	player, err := h.connections.ConnectDirect(ctx, guildID, snap.VoiceChannelID)
	if err != nil {
		log.Error().Err(err).Msg("heal reconnect failed, dropping snapshot")
		return
	}

	player.restore(snap)
	h.state.RestoreSession(snap.Session)

	if snap.Current != nil {
		if err := player.Play(ctx, *snap.Current, snap.Position, snap.Paused); err != nil {
			log.Error().Err(err).Msg("heal playback restore failed")
			return
		}
		h.controllers.Spawn(guildID, *snap.Current, player, h.state.Session(guildID))
	}
	log.Info().Msg("heal complete")
}

// capture snapshots everything needed to rebuild the connection, or nil
// when the guild has no live connection to rebuild.
func (h *Healer) capture(guildID string) *Snapshot {
	player := h.connections.Player(guildID)
	if player == nil {
		return nil
	}
	voiceChannelID := player.ChannelID()
	if voiceChannelID == "" {
		return nil
	}

	queueTracks, mode, requesters, current, paused := player.snapshotState()

	snap := &Snapshot{
		GuildID:        guildID,
		VoiceChannelID: voiceChannelID,
		Current:        current,
		Position:       player.Position(),
		Paused:         paused,
		Volume:         h.volumes.Volume(guildID),
		Queue:          queueTracks,
		RepeatMode:     mode,
		Requesters:     requesters,
		Session:        h.state.Session(guildID),
	}
	if snap.Session != nil {
		snap.TextChannelID = snap.Session.MostUsedChannel()
	}
	return snap
}
