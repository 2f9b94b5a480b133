package music

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// ConnectionManager owns the per-guild players: one live connection handle
// per guild, created on join and dropped on disconnect.
type ConnectionManager struct {
	node      NodeClient
	transport Transport
	volumes   VolumeStore
	log       zerolog.Logger

	mu      sync.Mutex
	players map[string]*Player
}

// NewConnectionManager wires a connection manager over the node and the
// platform transport.
func NewConnectionManager(node NodeClient, transport Transport, volumes VolumeStore, log zerolog.Logger) *ConnectionManager {
	return &ConnectionManager{
		node:      node,
		transport: transport,
		volumes:   volumes,
		log:       log.With().Str("component", "connections").Logger(),
		players:   make(map[string]*Player),
	}
}

// Player returns the guild's player, or nil when not connected.
func (cm *ConnectionManager) Player(guildID string) *Player {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.players[guildID]
}

// Connected reports whether the guild has a live player.
func (cm *ConnectionManager) Connected(guildID string) bool {
	return cm.Player(guildID) != nil
}

// GuildIDs returns the guilds with a live player.
func (cm *ConnectionManager) GuildIDs() []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	ids := make([]string, 0, len(cm.players))
	for id := range cm.players {
		ids = append(ids, id)
	}
	return ids
}

// Join connects the bot to a voice channel. Already connected to the same
// channel is a success no-op; connected elsewhere moves the bot and keeps
// the existing player. The previous channel id is returned on a move.
func (cm *ConnectionManager) Join(ctx context.Context, guildID, channelID string) (VoiceCheckResult, string) {
	cm.mu.Lock()
	existing := cm.players[guildID]
	cm.mu.Unlock()

	if existing != nil {
		prev := existing.ChannelID()
		if prev == channelID {
			return VoiceAlreadyConnected, ""
		}
		if err := cm.transport.JoinVoice(guildID, channelID); err != nil {
			cm.log.Error().Err(err).Str("guild", guildID).Msg("voice move failed")
			return VoiceConnectionFailed, ""
		}
		existing.setChannelID(channelID)
		return VoiceMovedChannels, prev
	}

	if err := cm.connect(ctx, guildID, channelID); err != nil {
		cm.log.Error().Err(err).Str("guild", guildID).Msg("voice connect failed")
		return VoiceConnectionFailed, ""
	}
	return VoiceSuccess, ""
}

// ConnectDirect connects to a channel without the join bookkeeping. Used by
// the healer after a hard disconnect.
func (cm *ConnectionManager) ConnectDirect(ctx context.Context, guildID, channelID string) (*Player, error) {
	if err := cm.connect(ctx, guildID, channelID); err != nil {
		return nil, err
	}
	return cm.Player(guildID), nil
}

func (cm *ConnectionManager) connect(ctx context.Context, guildID, channelID string) error {
	// The node socket comes up lazily with the first connection.
	if !cm.node.Connected() {
		if err := cm.node.Connect(ctx); err != nil {
			return err
		}
	}
	if err := cm.transport.JoinVoice(guildID, channelID); err != nil {
		return err
	}

	player := newPlayer(guildID, channelID, cm.node, cm.volumes.Volume(guildID), cm.log)
	player.onZombie = cm.drop

	cm.mu.Lock()
	cm.players[guildID] = player
	cm.mu.Unlock()
	return nil
}

// Disconnect leaves the voice channel, destroys the node-side player and
// drops the handle. Idempotent: disconnecting a guild without a player is
// a no-op.
func (cm *ConnectionManager) Disconnect(ctx context.Context, guildID string) error {
	cm.mu.Lock()
	player := cm.players[guildID]
	delete(cm.players, guildID)
	cm.mu.Unlock()

	if player == nil {
		return nil
	}

	if err := cm.node.DestroyPlayer(ctx, guildID); err != nil {
		cm.log.Warn().Err(err).Str("guild", guildID).Msg("destroy player failed")
	}
	return cm.transport.LeaveVoice(guildID)
}

// HardDisconnect tears the connection down without any cleanup hooks firing.
// The healer uses it mid-episode so the teardown is not mistaken for a real
// departure.
func (cm *ConnectionManager) HardDisconnect(ctx context.Context, guildID string) {
	cm.mu.Lock()
	delete(cm.players, guildID)
	cm.mu.Unlock()

	if err := cm.node.DestroyPlayer(ctx, guildID); err != nil {
		cm.log.Debug().Err(err).Str("guild", guildID).Msg("destroy during hard disconnect")
	}
	if err := cm.transport.LeaveVoice(guildID); err != nil {
		cm.log.Debug().Err(err).Str("guild", guildID).Msg("leave during hard disconnect")
	}
}

// drop removes a zombie handle whose node-side player is gone.
func (cm *ConnectionManager) drop(guildID string) {
	cm.mu.Lock()
	delete(cm.players, guildID)
	cm.mu.Unlock()
}
