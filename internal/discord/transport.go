package discord

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"github.com/cadenza-bot/cadenza/internal/music"
)

// transport implements music.Transport on top of the gateway session. Voice
// joins are manual: the audio node owns the voice websocket, we only flip
// our voice state.
type transport struct {
	dg *discordgo.Session
}

func (t *transport) JoinVoice(guildID, channelID string) error {
	return t.dg.ChannelVoiceJoinManual(guildID, channelID, false, true)
}

func (t *transport) LeaveVoice(guildID string) error {
	return t.dg.ChannelVoiceJoinManual(guildID, "", false, true)
}

func (t *transport) VoiceMembers(guildID, channelID string) ([]music.VoiceMember, error) {
	guild, err := t.dg.State.Guild(guildID)
	if err != nil {
		return nil, fmt.Errorf("discord: guild %s not in state: %w", guildID, err)
	}

	var members []music.VoiceMember
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != channelID {
			continue
		}
		m := music.VoiceMember{
			UserID:   vs.UserID,
			Deafened: vs.Deaf || vs.SelfDeaf,
		}
		if member, err := t.dg.State.Member(guildID, vs.UserID); err == nil && member.User != nil {
			m.Bot = member.User.Bot
		}
		members = append(members, m)
	}
	return members, nil
}

// messenger implements music.Messenger. Missing messages and revoked access
// both collapse to music.ErrMessageGone so callers can stop maintaining the
// message.
type messenger struct {
	dg *discordgo.Session
}

func (m *messenger) SendEmbed(channelID string, embed *discordgo.MessageEmbed, components []discordgo.MessageComponent) (string, error) {
	msg, err := m.dg.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Embeds:     []*discordgo.MessageEmbed{embed},
		Components: components,
	})
	if err != nil {
		return "", mapRESTError(err)
	}
	return msg.ID, nil
}

func (m *messenger) EditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, components []discordgo.MessageComponent) error {
	embeds := []*discordgo.MessageEmbed{embed}
	_, err := m.dg.ChannelMessageEditComplex(&discordgo.MessageEdit{
		Channel:    channelID,
		ID:         messageID,
		Embeds:     &embeds,
		Components: &components,
	})
	return mapRESTError(err)
}

func (m *messenger) DeleteMessage(channelID, messageID string) error {
	return mapRESTError(m.dg.ChannelMessageDelete(channelID, messageID))
}

func mapRESTError(err error) error {
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusNotFound, http.StatusForbidden:
			return music.ErrMessageGone
		}
	}
	return err
}
