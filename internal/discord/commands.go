package discord

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/cadenza-bot/cadenza/internal/lava"
	"github.com/cadenza-bot/cadenza/internal/music"
	"github.com/cadenza-bot/cadenza/internal/music/queue"
)

const (
	embedColorNeutral = 0x5865F2
	embedColorError   = 0xED4245
	embedColorWarn    = 0xFEE75C

	commandTimeout = 30 * time.Second
)

var slashCommands = []*discordgo.ApplicationCommand{
	{
		Name:        "play",
		Description: "Play a track or playlist, or queue it if something is already playing",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "query",
				Description: "URL or search terms",
				Required:    true,
			},
		},
	},
	{Name: "skip", Description: "Skip the current track"},
	{Name: "stop", Description: "Stop playback and clear the queue"},
	{Name: "pause", Description: "Pause the current track"},
	{Name: "resume", Description: "Resume a paused track"},
	{Name: "queue", Description: "Show the queue"},
	{Name: "shuffle", Description: "Shuffle the queue"},
	{Name: "rotate", Description: "Move the current track to the back of the queue"},
	{
		Name:        "volume",
		Description: "Show or set the playback volume",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        "level",
				Description: "Volume from 0 to 200",
			},
		},
	},
	{
		Name:        "repeat",
		Description: "Set the repeat mode, or toggle queue repeat",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "mode",
				Description: "Repeat mode",
				Choices: []*discordgo.ApplicationCommandOptionChoice{
					{Name: "off", Value: string(queue.RepeatOff)},
					{Name: "track", Value: string(queue.RepeatTrack)},
					{Name: "queue", Value: string(queue.RepeatQueue)},
				},
			},
		},
	},
	{Name: "leave", Description: "Leave the voice channel"},
}

func (b *Bot) registerCommands(appID string) error {
	_, err := b.dg.ApplicationCommandBulkOverwrite(appID, "", slashCommands)
	if err != nil {
		return fmt.Errorf("discord: bulk overwrite commands: %w", err)
	}
	b.log.Info().Int("count", len(slashCommands)).Msg("slash commands registered")
	return nil
}

func (b *Bot) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type == discordgo.InteractionMessageComponent {
		b.onComponentInteraction(i)
		return
	}
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	if i.GuildID == "" {
		b.respond(i, music.Result{Status: music.StatusFailure, Message: "Commands only work in a server."})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	data := i.ApplicationCommandData()
	userID := i.Member.User.ID

	var res music.Result
	switch data.Name {
	case "play":
		res = b.music.Play(ctx, music.PlayRequest{
			GuildID:        i.GuildID,
			UserID:         userID,
			TextChannelID:  i.ChannelID,
			VoiceChannelID: b.userVoiceChannel(i.GuildID, userID),
			Query:          optionString(data, "query"),
		})
	case "skip":
		res = b.music.Skip(ctx, i.GuildID)
	case "stop":
		res = b.music.Stop(ctx, i.GuildID)
	case "pause":
		res = b.music.Pause(ctx, i.GuildID)
	case "resume":
		res = b.music.Resume(ctx, i.GuildID)
	case "queue":
		res = b.music.GetQueue(i.GuildID)
	case "shuffle":
		res = b.music.Shuffle(i.GuildID)
	case "rotate":
		res = b.music.Rotate(ctx, i.GuildID)
	case "volume":
		if level, ok := optionInt(data, "level"); ok {
			res = b.music.SetVolume(ctx, i.GuildID, level)
		} else {
			res = b.music.GetVolume(i.GuildID)
			if vol, ok := res.Data.(int); ok {
				res.Message = fmt.Sprintf("Volume is %d%%.", vol)
			}
		}
	case "repeat":
		res = b.music.SetRepeat(i.GuildID, queue.RepeatMode(optionString(data, "mode")))
	case "leave":
		res = b.music.Leave(ctx, i.GuildID)
	default:
		return
	}

	b.respond(i, res)
}

// onComponentInteraction routes now-playing button presses to the guild's
// controller. The interaction is acknowledged without a visible reply; the
// controller redraws the message itself.
func (b *Bot) onComponentInteraction(i *discordgo.InteractionCreate) {
	customID := i.MessageComponentData().CustomID
	if !strings.HasPrefix(customID, "ctl:") || i.GuildID == "" || i.Member == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	res := b.music.ControllerAction(ctx, i.GuildID, i.Member.User.ID, customID)
	if res.Status == music.StatusError {
		b.log.Warn().Str("guild", i.GuildID).Str("action", customID).Msg(res.Message)
	}

	err := b.dg.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	})
	if err != nil {
		b.log.Debug().Err(err).Msg("component ack failed")
	}
}

func (b *Bot) respond(i *discordgo.InteractionCreate, res music.Result) {
	embed := &discordgo.MessageEmbed{Description: res.Message}
	switch res.Status {
	case music.StatusSuccess:
		embed.Color = embedColorNeutral
	case music.StatusFailure:
		embed.Color = embedColorWarn
	case music.StatusError:
		embed.Color = embedColorError
	}

	if view, ok := res.Data.(music.QueueView); ok {
		embed = queueEmbed(view)
	}

	err := b.dg.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{embed},
		},
	})
	if err != nil {
		b.log.Warn().Err(err).Str("guild", i.GuildID).Msg("interaction respond failed")
	}
}

func queueEmbed(view music.QueueView) *discordgo.MessageEmbed {
	var sb strings.Builder
	if view.Current != nil {
		fmt.Fprintf(&sb, "**Now playing:** %s\n\n", trackLine(*view.Current))
	}
	for n, track := range view.Tracks {
		if n >= 15 {
			fmt.Fprintf(&sb, "…and %d more\n", len(view.Tracks)-n)
			break
		}
		fmt.Fprintf(&sb, "`%2d.` %s\n", n+1, trackLine(track))
	}

	embed := &discordgo.MessageEmbed{
		Title:       "Queue",
		Description: sb.String(),
		Color:       embedColorNeutral,
	}
	if view.RepeatMode != queue.RepeatOff {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: "Repeat: " + string(view.RepeatMode)}
	}
	return embed
}

func trackLine(track lava.Track) string {
	if track.Info.URI != "" {
		return fmt.Sprintf("[%s](%s)", track.Info.Title, track.Info.URI)
	}
	return track.Info.Title
}

func optionString(data discordgo.ApplicationCommandInteractionData, name string) string {
	for _, opt := range data.Options {
		if opt.Name == name && opt.Type == discordgo.ApplicationCommandOptionString {
			return opt.StringValue()
		}
	}
	return ""
}

func optionInt(data discordgo.ApplicationCommandInteractionData, name string) (int, bool) {
	for _, opt := range data.Options {
		if opt.Name == name && opt.Type == discordgo.ApplicationCommandOptionInteger {
			return int(opt.IntValue()), true
		}
	}
	return 0, false
}
