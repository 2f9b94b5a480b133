package music

import (
	"context"
	"errors"

	"github.com/bwmarrin/discordgo"

	"github.com/cadenza-bot/cadenza/internal/lava"
)

// ErrMessageGone is returned by Messenger implementations when the target
// message or channel no longer exists (or access was revoked). Controllers
// treat it as a signal to tear down rather than an error to surface.
var ErrMessageGone = errors.New("music: message is gone")

// NodeClient is the slice of the audio node's control plane the music core
// consumes. *lava.Node implements it.
type NodeClient interface {
	Connected() bool
	Connect(ctx context.Context) error
	LoadTracks(ctx context.Context, identifier string) (*lava.LoadResult, error)
	UpdatePlayer(ctx context.Context, guildID string, upd lava.PlayerUpdate) error
	DestroyPlayer(ctx context.Context, guildID string) error
}

// VoiceMember is one occupant of a voice channel as seen by the transport.
type VoiceMember struct {
	UserID   string
	Bot      bool
	Deafened bool // self- or server-deafened
}

// Transport is the chat platform's voice surface: issuing voice-state
// changes and inspecting channel occupancy.
type Transport interface {
	JoinVoice(guildID, channelID string) error
	LeaveVoice(guildID string) error
	VoiceMembers(guildID, channelID string) ([]VoiceMember, error)
}

// Messenger sends and maintains the now-playing message. Implementations
// map "not found"/"forbidden" failures to ErrMessageGone.
type Messenger interface {
	SendEmbed(channelID string, embed *discordgo.MessageEmbed, components []discordgo.MessageComponent) (messageID string, err error)
	EditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, components []discordgo.MessageComponent) error
	DeleteMessage(channelID, messageID string) error
}

// VolumeStore persists the per-guild playback volume.
type VolumeStore interface {
	Volume(guildID string) int
	SaveVolume(guildID string, volume int) error
}
