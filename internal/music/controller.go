package music

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cadenza-bot/cadenza/internal/lava"
)

const (
	// controllerInterval is the steady-state redraw cadence.
	controllerInterval = 20 * time.Second
	// controllerMinTrackLength is the cutoff for a live message; tracks at
	// or under it get none.
	controllerMinTrackLength = 45 * time.Second
	// controllerMaxFailures before the controller tears itself down.
	controllerMaxFailures = 3
	// controllerMaxIdlePolls is how many consecutive nothing-playing polls
	// are tolerated before giving up. Covers the race where playback stops
	// between spawn and the first tick.
	controllerMaxIdlePolls = 3
	// controllerMaxPause is the longest a paused controller stays alive.
	controllerMaxPause = 900 * time.Second
	// controllerMinRedraw throttles control-triggered redraws.
	controllerMinRedraw = time.Second
	// controllerSyncWait bounds how long Spawn waits for the player to
	// report the expected track before drawing.
	controllerSyncWait = 2 * time.Second

	progressBarWidth = 10
)

// Controller maintains one guild's live now-playing message, redrawing it on
// an interval and tearing itself down when the message or the track is gone.
type Controller struct {
	guildID     string
	channelID   string
	requesterID string
	track       lava.Track

	player    *Player
	messenger Messenger
	log       zerolog.Logger

	cancel  context.CancelFunc
	limiter *rate.Limiter

	mu        sync.Mutex
	messageID string
	failures  int
	idlePolls int
	paused    bool
	pausedAt  time.Time
	frozenPos int64
	destroyed bool
}

// ControllerManager holds at most one controller per guild and serializes
// spawn/destroy per guild.
type ControllerManager struct {
	messenger Messenger
	log       zerolog.Logger

	mu          sync.Mutex
	locks       map[string]*sync.Mutex
	controllers map[string]*Controller
}

// NewControllerManager wires a controller manager over the messenger.
func NewControllerManager(messenger Messenger, log zerolog.Logger) *ControllerManager {
	return &ControllerManager{
		messenger:   messenger,
		log:         log.With().Str("component", "controller").Logger(),
		locks:       make(map[string]*sync.Mutex),
		controllers: make(map[string]*Controller),
	}
}

func (m *ControllerManager) guildLock(guildID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[guildID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[guildID] = l
	}
	return l
}

// Controller returns the guild's live controller, or nil.
func (m *ControllerManager) Controller(guildID string) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.controllers[guildID]
}

// Spawn creates a controller for the track now playing in the guild. The
// message lands in the requester's text channel, falling back to the
// session's most used channel. Spawning is skipped for live streams, tracks
// of 45 seconds or less, and when no channel can be resolved. Any prior
// controller for the guild is replaced.
func (m *ControllerManager) Spawn(guildID string, track lava.Track, player *Player, session *Session) {
	lock := m.guildLock(guildID)
	lock.Lock()
	defer lock.Unlock()

	if track.Info.Length == lava.StreamLength {
		return
	}
	if track.Info.Length <= controllerMinTrackLength.Milliseconds() {
		return
	}

	var channelID, requesterID string
	if r, ok := player.Requester(track); ok {
		channelID = r.ChannelID
		requesterID = r.UserID
	}
	if channelID == "" && session != nil {
		channelID = session.MostUsedChannel()
	}
	if channelID == "" {
		m.log.Debug().Str("guild", guildID).Msg("no channel for controller, skipping")
		return
	}

	// Wait briefly for the player to agree it is playing this track, so the
	// first draw is not of stale state.
	if !m.waitForSync(player, track.Info.Identifier) {
		m.log.Debug().Str("guild", guildID).Str("track", track.Info.Identifier).Msg("player never synced, skipping controller")
		return
	}

	m.destroyLocked(guildID)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		guildID:     guildID,
		channelID:   channelID,
		requesterID: requesterID,
		track:       track,
		player:      player,
		messenger:   m.messenger,
		log:         m.log.With().Str("guild", guildID).Logger(),
		cancel:      cancel,
		limiter:     rate.NewLimiter(rate.Every(controllerMinRedraw), 1),
	}

	messageID, err := m.messenger.SendEmbed(channelID, c.render(), controlComponents())
	if err != nil {
		cancel()
		m.log.Warn().Err(err).Str("guild", guildID).Msg("controller message send failed")
		return
	}
	c.messageID = messageID

	m.mu.Lock()
	m.controllers[guildID] = c
	m.mu.Unlock()

	go c.run(ctx, func() { m.remove(guildID, c) })
}

func (m *ControllerManager) waitForSync(player *Player, identifier string) bool {
	deadline := time.Now().Add(controllerSyncWait)
	for time.Now().Before(deadline) {
		if cur := player.Current(); cur != nil && cur.Info.Identifier == identifier {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

// Destroy tears down the guild's controller and deletes its message.
func (m *ControllerManager) Destroy(guildID string) {
	lock := m.guildLock(guildID)
	lock.Lock()
	defer lock.Unlock()
	m.destroyLocked(guildID)
}

func (m *ControllerManager) destroyLocked(guildID string) {
	m.mu.Lock()
	c := m.controllers[guildID]
	delete(m.controllers, guildID)
	m.mu.Unlock()

	if c != nil {
		c.destroy()
	}
}

// remove drops the controller from the map if it is still the registered
// one; a replacement spawned meanwhile stays.
func (m *ControllerManager) remove(guildID string, c *Controller) {
	m.mu.Lock()
	if m.controllers[guildID] == c {
		delete(m.controllers, guildID)
	}
	m.mu.Unlock()
}

// DestroyAll tears down every controller. Used on shutdown.
func (m *ControllerManager) DestroyAll() {
	m.mu.Lock()
	controllers := make([]*Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		controllers = append(controllers, c)
	}
	m.controllers = make(map[string]*Controller)
	m.mu.Unlock()

	for _, c := range controllers {
		c.destroy()
	}
}

func (c *Controller) run(ctx context.Context, onExit func()) {
	defer onExit()
	ticker := time.NewTicker(controllerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.tick() {
				c.destroy()
				return
			}
		}
	}
}

// tick performs one scheduled redraw. Returns false when the controller
// should tear itself down.
func (c *Controller) tick() bool {
	cur := c.player.Current()
	if cur == nil {
		c.mu.Lock()
		c.idlePolls++
		idle := c.idlePolls
		c.mu.Unlock()
		if idle >= controllerMaxIdlePolls {
			c.log.Debug().Msg("nothing playing for several polls, destroying controller")
			return false
		}
		return true
	}
	if cur.Info.Identifier != c.track.Info.Identifier {
		// Another track took over without us being told; the message is stale.
		c.log.Debug().Msg("controller out of sync with player, destroying")
		return false
	}
	c.mu.Lock()
	c.idlePolls = 0
	c.mu.Unlock()

	paused := c.player.Paused()
	c.mu.Lock()
	if paused && !c.paused {
		c.pausedAt = time.Now()
		c.frozenPos = c.player.Position()
	}
	wasPaused := c.paused
	c.paused = paused
	pausedFor := time.Duration(0)
	if paused {
		pausedFor = time.Since(c.pausedAt)
	}
	c.mu.Unlock()

	if paused && pausedFor > controllerMaxPause {
		c.log.Debug().Msg("paused too long, destroying controller")
		return false
	}

	// While paused only the pause edge itself needs a redraw, and edges in
	// either direction must not be swallowed by the throttle.
	if paused && wasPaused {
		return true
	}
	return c.redraw(paused != wasPaused)
}

// redraw edits the message with current state. force skips the throttle
// check but still consumes a token.
func (c *Controller) redraw(force bool) bool {
	allowed := c.limiter.Allow()
	if !force && !allowed {
		return true
	}

	c.mu.Lock()
	messageID := c.messageID
	c.mu.Unlock()
	if messageID == "" {
		return false
	}

	err := c.messenger.EditEmbed(c.channelID, messageID, c.render(), controlComponents())
	if err == nil {
		c.mu.Lock()
		c.failures = 0
		c.mu.Unlock()
		return true
	}
	if errors.Is(err, ErrMessageGone) {
		c.log.Debug().Msg("controller message gone")
		return false
	}

	c.mu.Lock()
	c.failures++
	failures := c.failures
	c.mu.Unlock()
	c.log.Warn().Err(err).Int("failures", failures).Msg("controller edit failed")
	return failures < controllerMaxFailures
}

// ForceRedraw triggers an immediate redraw, used after control actions.
func (c *Controller) ForceRedraw() {
	if !c.redraw(true) {
		c.destroy()
	}
}

// Restart seeks the track back to the start. Only the requester may drive
// the controls.
func (c *Controller) Restart(ctx context.Context, userID string) error {
	if !c.allowed(userID) {
		return nil
	}
	if err := c.player.Seek(ctx, 0); err != nil {
		return err
	}
	c.ForceRedraw()
	return nil
}

// SeekRelative moves playback by a signed offset.
func (c *Controller) SeekRelative(ctx context.Context, userID string, delta time.Duration) error {
	if !c.allowed(userID) {
		return nil
	}
	target := c.player.Position() + delta.Milliseconds()
	if err := c.player.Seek(ctx, target); err != nil {
		return err
	}
	c.ForceRedraw()
	return nil
}

// TogglePause flips the pause state.
func (c *Controller) TogglePause(ctx context.Context, userID string) error {
	if !c.allowed(userID) {
		return nil
	}
	paused := !c.player.Paused()
	if err := c.player.Pause(ctx, paused); err != nil {
		return err
	}
	c.mu.Lock()
	c.paused = paused
	if paused {
		c.pausedAt = time.Now()
		c.frozenPos = c.player.Position()
	}
	c.mu.Unlock()
	c.ForceRedraw()
	return nil
}

// Skip advances past the current track.
func (c *Controller) Skip(ctx context.Context, userID string) error {
	if !c.allowed(userID) {
		return nil
	}
	_, err := c.player.Skip(ctx)
	return err
}

func (c *Controller) allowed(userID string) bool {
	return c.requesterID != "" && userID == c.requesterID
}

// destroy cancels the loop and best-effort deletes the message. Safe to
// call more than once.
func (c *Controller) destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	messageID := c.messageID
	c.mu.Unlock()

	c.cancel()
	if messageID != "" {
		if err := c.messenger.DeleteMessage(c.channelID, messageID); err != nil && !errors.Is(err, ErrMessageGone) {
			c.log.Debug().Err(err).Msg("controller message delete failed")
		}
	}
}

// Controller action ids carried in the message components.
const (
	ActionRestart = "ctl:restart"
	ActionBack    = "ctl:back"
	ActionPause   = "ctl:pause"
	ActionForward = "ctl:forward"
	ActionSkip    = "ctl:skip"
)

// seekStep is how far the seek buttons jump.
const seekStep = 10 * time.Second

// Apply runs a control action on behalf of a user. Actions from anyone but
// the requester are silently ignored.
func (c *Controller) Apply(ctx context.Context, userID, action string) error {
	switch action {
	case ActionRestart:
		return c.Restart(ctx, userID)
	case ActionBack:
		return c.SeekRelative(ctx, userID, -seekStep)
	case ActionForward:
		return c.SeekRelative(ctx, userID, seekStep)
	case ActionPause:
		return c.TogglePause(ctx, userID)
	case ActionSkip:
		return c.Skip(ctx, userID)
	}
	return nil
}

func controlComponents() []discordgo.MessageComponent {
	button := func(id, label string) discordgo.Button {
		return discordgo.Button{CustomID: id, Label: label, Style: discordgo.SecondaryButton}
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			button(ActionRestart, "⏮"),
			button(ActionBack, "⏪"),
			button(ActionPause, "⏯"),
			button(ActionForward, "⏩"),
			button(ActionSkip, "⏭"),
		}},
	}
}

func (c *Controller) render() *discordgo.MessageEmbed {
	position := c.player.Position()
	c.mu.Lock()
	if c.paused {
		position = c.frozenPos
	}
	paused := c.paused
	c.mu.Unlock()

	length := c.track.Info.Length
	title := c.track.Info.Title
	if c.track.Info.URI != "" {
		title = fmt.Sprintf("[%s](%s)", c.track.Info.Title, c.track.Info.URI)
	}

	status := "Playing"
	if paused {
		status = "Paused"
	}

	return &discordgo.MessageEmbed{
		Title:       status,
		Description: title,
		Color:       0x5865F2,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:  progressBar(position, length),
				Value: fmt.Sprintf("`%s` / `-%s`", formatDuration(position), formatRemaining(position, length)),
			},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: c.track.Info.Author},
	}
}

// progressBar renders a fixed-width bar with a cursor at the playback
// ratio, clamped to [0, 1].
func progressBar(position, length int64) string {
	ratio := 0.0
	if length > 0 && length != lava.StreamLength {
		ratio = float64(position) / float64(length)
	}
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}

	cursor := int(ratio * float64(progressBarWidth-1))
	var b strings.Builder
	for i := 0; i < progressBarWidth; i++ {
		if i == cursor {
			b.WriteString("🔘")
		} else {
			b.WriteString("▬")
		}
	}
	return b.String()
}

func formatDuration(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	d := time.Duration(ms) * time.Millisecond
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func formatRemaining(position, length int64) string {
	if length == lava.StreamLength {
		return "∞"
	}
	remaining := length - position
	if remaining < 0 {
		remaining = 0
	}
	return formatDuration(remaining)
}
