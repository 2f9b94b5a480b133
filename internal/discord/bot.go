// Package discord binds the music control plane to the Discord gateway:
// session lifecycle, slash commands, and the voice plumbing the audio node
// needs.
package discord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/cadenza-bot/cadenza/internal/config"
	"github.com/cadenza-bot/cadenza/internal/lava"
	"github.com/cadenza-bot/cadenza/internal/music"
	"github.com/cadenza-bot/cadenza/internal/version"
)

// Bot is the Discord-facing half of the application.
type Bot struct {
	dg    *discordgo.Session
	cfg   *config.Config
	node  *lava.Node
	music *music.Service
	log   zerolog.Logger

	// sessionIDs holds our own voice session id per guild, learned from
	// voice-state updates and married to the server update for the node.
	mu         sync.Mutex
	sessionIDs map[string]string
}

// NewBot wires the bot, the audio node and the music service together.
func NewBot(cfg *config.Config, volumes music.VolumeStore, log zerolog.Logger) (*Bot, error) {
	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}

	b := &Bot{
		dg:         dg,
		cfg:        cfg,
		log:        log.With().Str("component", "discord").Logger(),
		sessionIDs: make(map[string]string),
	}

	b.node = lava.NewNode(lava.NodeConfig{
		Host:     cfg.LavalinkHost,
		Port:     cfg.LavalinkPort,
		Password: cfg.LavalinkPassword,
		Label:    cfg.LavalinkLabel,
		Secure:   cfg.LavalinkSecure,
	}, "", nil, log)

	b.music = music.NewService(music.ServiceOptions{
		Node:             b.node,
		Transport:        &transport{dg: dg},
		Messenger:        &messenger{dg: dg},
		Volumes:          volumes,
		AutoLeaveTimeout: cfg.AutoLeaveTimeout,
		HealCooldown:     cfg.HealCooldown,
		OnSessionEnd:     b.sendSessionSummary,
		Log:              log,
	})
	b.node.SetSink(b.music.Events())

	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages

	dg.AddHandler(b.onReady)
	dg.AddHandler(b.onInteractionCreate)
	dg.AddHandler(b.onVoiceStateUpdate)
	dg.AddHandler(b.onVoiceServerUpdate)

	return b, nil
}

// Run opens the gateway session and blocks until the context is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.dg.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	defer b.dg.Close()

	go b.autoLeaveLoop(ctx)

	<-ctx.Done()
	b.log.Info().Msg("shutdown signal received, cleaning up")

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b.music.Cleanup(cleanupCtx)
	b.node.Close()
	return nil
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	b.node.SetUserID(r.User.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	b.music.Initialize(ctx)

	if err := b.registerCommands(r.User.ID); err != nil {
		b.log.Error().Err(err).Msg("slash command registration failed")
	}

	b.log.Info().Str("user", r.User.Username).Str("version", version.Version).Msg("bot is running")
}

func (b *Bot) autoLeaveLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.AutoLeaveCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			b.music.CheckAutoLeave(checkCtx)
			cancel()
		}
	}
}

// sendSessionSummary posts a recap of a finished listening session to its
// busiest text channel.
func (b *Bot) sendSessionSummary(session *music.Session) {
	channelID := session.MostUsedChannel()
	history := session.History()
	if channelID == "" || len(history) == 0 {
		return
	}

	played, skipped := 0, 0
	for _, t := range history {
		if t.Skipped {
			skipped++
		} else {
			played++
		}
	}

	embed := &discordgo.MessageEmbed{
		Title: "Session over",
		Description: fmt.Sprintf("Played %d tracks (%d skipped) over %s with %d listeners.",
			played, skipped, time.Since(session.StartTime).Round(time.Minute), session.ParticipantCount()),
		Color: embedColorNeutral,
	}
	if _, err := b.dg.ChannelMessageSendEmbed(channelID, embed); err != nil {
		b.log.Debug().Err(err).Str("channel", channelID).Msg("session summary send failed")
	}
}
