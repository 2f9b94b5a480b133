package discord

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/cadenza-bot/cadenza/internal/lava"
	"github.com/cadenza-bot/cadenza/internal/music"
)

// onVoiceStateUpdate feeds voice-state churn into the music core and keeps
// our own voice session id per guild for the node handoff.
func (b *Bot) onVoiceStateUpdate(s *discordgo.Session, ev *discordgo.VoiceStateUpdate) {
	selfID := ""
	if s.State.User != nil {
		selfID = s.State.User.ID
	}

	if ev.UserID == selfID {
		b.mu.Lock()
		if ev.ChannelID == "" {
			delete(b.sessionIDs, ev.GuildID)
		} else {
			b.sessionIDs[ev.GuildID] = ev.SessionID
		}
		b.mu.Unlock()
	}

	before := ""
	if ev.BeforeUpdate != nil {
		before = ev.BeforeUpdate.ChannelID
	}

	b.music.Events().HandleVoiceState(music.VoiceStateEvent{
		GuildID:         ev.GuildID,
		UserID:          ev.UserID,
		BeforeChannelID: before,
		AfterChannelID:  ev.ChannelID,
		SelfUser:        ev.UserID == selfID,
	})
}

// onVoiceServerUpdate marries the voice server credentials with our session
// id and hands both to the audio node.
func (b *Bot) onVoiceServerUpdate(s *discordgo.Session, ev *discordgo.VoiceServerUpdate) {
	b.mu.Lock()
	sessionID := b.sessionIDs[ev.GuildID]
	b.mu.Unlock()

	if sessionID == "" {
		b.log.Warn().Str("guild", ev.GuildID).Msg("voice server update before session id, dropping")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := b.node.SendVoiceUpdate(ctx, ev.GuildID, lava.VoiceServer{
		Token:     ev.Token,
		Endpoint:  ev.Endpoint,
		SessionID: sessionID,
	})
	if err != nil {
		b.log.Error().Err(err).Str("guild", ev.GuildID).Msg("voice credential handoff failed")
	}
}

// userVoiceChannel returns the voice channel the user currently occupies.
func (b *Bot) userVoiceChannel(guildID, userID string) string {
	vs, err := b.dg.State.VoiceState(guildID, userID)
	if err != nil || vs == nil {
		return ""
	}
	return vs.ChannelID
}
