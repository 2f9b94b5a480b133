package music

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cadenza-bot/cadenza/internal/lava"
	"github.com/cadenza-bot/cadenza/internal/music/queue"
)

const (
	minVolume = 0
	maxVolume = 200
)

// ServiceOptions carries everything the service needs wired in.
type ServiceOptions struct {
	Node      NodeClient
	Transport Transport
	Messenger Messenger
	Volumes   VolumeStore

	AutoLeaveTimeout time.Duration
	HealCooldown     time.Duration

	// OnSessionEnd receives the session after it is popped, so the caller
	// can deliver a summary. Optional.
	OnSessionEnd func(*Session)

	Log zerolog.Logger
}

// Service is the music control plane's public face. Every operation returns
// a Result; transport or node faults map to StatusError, user-level "nothing
// to do" conditions to StatusFailure.
type Service struct {
	node        NodeClient
	transport   Transport
	volumes     VolumeStore
	connections *ConnectionManager
	state       *StateManager
	controllers *ControllerManager
	healer      *Healer
	events      *EventHandlers
	log         zerolog.Logger

	onSessionEnd func(*Session)
}

// NewService builds the full music stack.
func NewService(opts ServiceOptions) *Service {
	s := &Service{
		node:         opts.Node,
		transport:    opts.Transport,
		volumes:      opts.Volumes,
		log:          opts.Log.With().Str("component", "music").Logger(),
		onSessionEnd: opts.OnSessionEnd,
	}
	s.connections = NewConnectionManager(opts.Node, opts.Transport, opts.Volumes, opts.Log)
	s.state = NewStateManager(opts.Log)
	s.controllers = NewControllerManager(opts.Messenger, opts.Log)
	s.healer = NewHealer(s.connections, s.state, s.controllers, opts.Volumes, opts.HealCooldown, opts.Log)
	s.events = NewEventHandlers(s.connections, s.state, s.controllers, s.healer, opts.Transport, opts.AutoLeaveTimeout, opts.OnSessionEnd, opts.Log)
	return s
}

// Events exposes the event handlers for the transport layer to feed.
func (s *Service) Events() *EventHandlers { return s.events }

// Initialize brings up the node connection ahead of the first play, so the
// first command does not pay the handshake. Failure is non-fatal; the
// connection manager retries lazily.
func (s *Service) Initialize(ctx context.Context) {
	if err := s.node.Connect(ctx); err != nil {
		s.log.Warn().Err(err).Msg("node pre-connect failed, will retry on first use")
	}
}

// PlayRequest is the input to Play.
type PlayRequest struct {
	GuildID        string
	UserID         string
	TextChannelID  string
	VoiceChannelID string
	Query          string
}

// Play joins the requester's voice channel if needed, resolves the query
// and enqueues the result, starting playback when nothing is playing.
func (s *Service) Play(ctx context.Context, req PlayRequest) Result {
	if req.VoiceChannelID == "" {
		return failure("You need to be in a voice channel.")
	}

	check, _ := s.connections.Join(ctx, req.GuildID, req.VoiceChannelID)
	if check.Status() == StatusError {
		return errored("Could not connect to the voice channel.")
	}
	if check.Status() == StatusFailure {
		return failure("Could not join that voice channel.")
	}

	player := s.connections.Player(req.GuildID)
	if player == nil {
		return errored("Connection went away before playback could start.")
	}

	s.state.RecordInteraction(req.GuildID, req.TextChannelID, req.UserID)

	loaded, err := s.node.LoadTracks(ctx, req.Query)
	if err != nil {
		return errored("Track lookup failed.")
	}
	if loaded.LoadType == lava.LoadTypeError {
		msg := "The track could not be loaded."
		if loaded.Error != nil && loaded.Error.Message != "" {
			msg = loaded.Error.Message
		}
		return failure(msg)
	}
	if loaded.IsEmpty() {
		return failure("Nothing found for that query.")
	}

	wasPlaying := player.Current() != nil
	data := PlayData{Playing: wasPlaying}

	if loaded.LoadType == lava.LoadTypePlaylist && loaded.Playlist != nil {
		for _, track := range loaded.Playlist.Tracks {
			player.SetRequester(track, req.UserID, req.TextChannelID)
		}
		player.enqueue(false, loaded.Playlist.Tracks...)
		data.Playlist = loaded.Playlist
	} else {
		track := loaded.Tracks[0]
		player.SetRequester(track, req.UserID, req.TextChannelID)
		player.enqueue(false, track)
		data.Track = &track
	}

	if !wasPlaying {
		started, err := player.Advance(ctx, false, nil)
		if err != nil {
			return errored("Playback could not be started.")
		}
		if data.Track == nil && started != nil {
			data.Track = started
		}
	}

	if data.Playlist != nil {
		return success(fmt.Sprintf("Queued playlist %q (%d tracks).", data.Playlist.Name, len(data.Playlist.Tracks)), data)
	}
	if wasPlaying {
		return success(fmt.Sprintf("Queued %q.", data.Track.Info.Title), data)
	}
	return success(fmt.Sprintf("Playing %q.", data.Track.Info.Title), data)
}

// Skip advances past the current track, ignoring track repeat.
func (s *Service) Skip(ctx context.Context, guildID string) Result {
	player := s.connections.Player(guildID)
	if player == nil {
		return failure("Not connected to a voice channel.")
	}
	before := player.Current()
	if before == nil {
		return failure("Nothing is playing.")
	}
	after := player.PeekNext()

	if _, err := player.Skip(ctx); err != nil {
		return errored("Skip failed.")
	}
	return success(fmt.Sprintf("Skipped %q.", before.Info.Title), SkipData{Before: before, After: after})
}

// Stop halts playback and clears the queue. The connection stays up.
func (s *Service) Stop(ctx context.Context, guildID string) Result {
	player := s.connections.Player(guildID)
	if player == nil {
		return failure("Not connected to a voice channel.")
	}

	player.ClearQueue()
	if err := player.Stop(ctx); err != nil {
		return errored("Stop failed.")
	}
	s.controllers.Destroy(guildID)
	return success("Playback stopped.", nil)
}

// Pause pauses the current track.
func (s *Service) Pause(ctx context.Context, guildID string) Result {
	return s.setPaused(ctx, guildID, true)
}

// Resume resumes a paused track.
func (s *Service) Resume(ctx context.Context, guildID string) Result {
	return s.setPaused(ctx, guildID, false)
}

func (s *Service) setPaused(ctx context.Context, guildID string, paused bool) Result {
	player := s.connections.Player(guildID)
	if player == nil {
		return failure("Not connected to a voice channel.")
	}
	if player.Current() == nil {
		return failure("Nothing is playing.")
	}
	if player.Paused() == paused {
		if paused {
			return failure("Already paused.")
		}
		return failure("Not paused.")
	}

	if err := player.Pause(ctx, paused); err != nil {
		return errored("Pause state change failed.")
	}
	if c := s.controllers.Controller(guildID); c != nil {
		c.ForceRedraw()
	}
	if paused {
		return success("Paused.", nil)
	}
	return success("Resumed.", nil)
}

// Shuffle randomizes the queue.
func (s *Service) Shuffle(guildID string) Result {
	player := s.connections.Player(guildID)
	if player == nil {
		return failure("Not connected to a voice channel.")
	}
	if player.QueueLen() < 2 {
		return failure("Not enough queued tracks to shuffle.")
	}
	player.Shuffle()
	return success("Queue shuffled.", nil)
}

// Rotate moves the current track to the back of the queue and plays the
// next one.
func (s *Service) Rotate(ctx context.Context, guildID string) Result {
	player := s.connections.Player(guildID)
	if player == nil {
		return failure("Not connected to a voice channel.")
	}
	current := player.Current()
	if current == nil {
		return failure("Nothing is playing.")
	}
	if player.QueueLen() == 0 {
		return failure("The queue is empty, nothing to rotate to.")
	}

	player.enqueue(false, *current)
	next, err := player.Advance(ctx, true, current)
	if err != nil {
		return errored("Rotate failed.")
	}
	return success(fmt.Sprintf("Rotated %q to the back.", current.Info.Title), RotateData{Skipped: current, Next: next})
}

// SetVolume persists the guild volume and applies it to the live player.
// Persisting succeeds even without a connection.
func (s *Service) SetVolume(ctx context.Context, guildID string, volume int) Result {
	if volume < minVolume || volume > maxVolume {
		return failure(fmt.Sprintf("Volume must be between %d and %d.", minVolume, maxVolume))
	}
	if err := s.volumes.SaveVolume(guildID, volume); err != nil {
		return errored("Volume could not be saved.")
	}
	if player := s.connections.Player(guildID); player != nil {
		if err := player.SetVolume(ctx, volume); err != nil {
			return errored("Volume saved but could not be applied.")
		}
	}
	return success(fmt.Sprintf("Volume set to %d%%.", volume), volume)
}

// GetVolume returns the stored guild volume.
func (s *Service) GetVolume(guildID string) Result {
	return success("", s.volumes.Volume(guildID))
}

// SetRepeat sets the repeat mode. An empty mode toggles between off and
// queue repeat.
func (s *Service) SetRepeat(guildID string, mode queue.RepeatMode) Result {
	player := s.connections.Player(guildID)
	if player == nil {
		return failure("Not connected to a voice channel.")
	}

	var previous, applied queue.RepeatMode
	if mode == "" {
		previous = player.RepeatMode()
		applied = player.ToggleRepeat()
	} else {
		if !mode.Valid() {
			return failure(fmt.Sprintf("Unknown repeat mode %q.", mode))
		}
		previous = player.SetRepeatMode(mode)
		applied = mode
	}
	return success(fmt.Sprintf("Repeat mode is now %s.", applied), RepeatData{Mode: applied, Previous: previous})
}

// GetQueue returns a snapshot of the guild's queue.
func (s *Service) GetQueue(guildID string) Result {
	player := s.connections.Player(guildID)
	if player == nil {
		return failure("Not connected to a voice channel.")
	}
	view := player.QueueView()
	if view.Current == nil && len(view.Tracks) == 0 {
		return failure("The queue is empty.")
	}
	return success("", view)
}

// QueueDuration returns the remaining play time in milliseconds.
func (s *Service) QueueDuration(guildID string) Result {
	player := s.connections.Player(guildID)
	if player == nil {
		return failure("Not connected to a voice channel.")
	}
	return success("", player.QueueDuration())
}

// Join connects the bot to a voice channel without playing anything.
func (s *Service) Join(ctx context.Context, guildID, channelID string) Result {
	if channelID == "" {
		return failure("You need to be in a voice channel.")
	}
	check, prev := s.connections.Join(ctx, guildID, channelID)
	switch check {
	case VoiceAlreadyConnected:
		return success("Already in that channel.", check)
	case VoiceMovedChannels:
		return success(fmt.Sprintf("Moved from <#%s>.", prev), check)
	case VoiceSuccess:
		return success("Joined.", check)
	case VoiceConnectionFailed:
		return errored("Could not connect to the voice channel.")
	default:
		return failure("Could not join that voice channel.")
	}
}

// Leave disconnects from the guild and tears down all its state. The popped
// session is handed to the session-end hook.
func (s *Service) Leave(ctx context.Context, guildID string) Result {
	// Disarm first. The connection may already be gone (zombie player drop)
	// while an expired timer keeps asking us to leave.
	s.state.CancelTimer(guildID)
	if !s.connections.Connected(guildID) {
		return failure("Not connected to a voice channel.")
	}

	s.controllers.Destroy(guildID)
	if player := s.connections.Player(guildID); player != nil {
		player.ClearQueue()
	}
	if err := s.connections.Disconnect(ctx, guildID); err != nil {
		s.log.Warn().Err(err).Str("guild", guildID).Msg("disconnect failed")
	}
	if session := s.state.EndSession(guildID); session != nil && s.onSessionEnd != nil {
		s.onSessionEnd(session)
	}
	return success("Left the voice channel.", nil)
}

// CheckAutoLeave leaves every guild whose auto-leave timer expired. Called
// periodically by the transport layer.
func (s *Service) CheckAutoLeave(ctx context.Context) {
	for _, expired := range s.state.ExpiredTimers() {
		s.log.Info().Str("guild", expired.GuildID).Str("reason", expired.Reason).Msg("auto-leave timer expired, leaving")
		s.Leave(ctx, expired.GuildID)
	}
}

// EndSession pops and returns the guild's session without disconnecting.
func (s *Service) EndSession(guildID string) *Session {
	return s.state.EndSession(guildID)
}

// ControllerAction forwards a now-playing control interaction to the
// guild's live controller. Unknown guilds and stale messages are a quiet
// failure; the message will clean itself up on its next poll.
func (s *Service) ControllerAction(ctx context.Context, guildID, userID, action string) Result {
	c := s.controllers.Controller(guildID)
	if c == nil {
		return failure("That message is no longer live.")
	}
	if err := c.Apply(ctx, userID, action); err != nil {
		return errored("Control action failed.")
	}
	return success("", nil)
}

// Heal runs a healing episode for the guild.
func (s *Service) Heal(ctx context.Context, guildID string) {
	s.healer.Heal(ctx, guildID)
}

// Cleanup tears everything down on shutdown.
func (s *Service) Cleanup(ctx context.Context) {
	s.controllers.DestroyAll()
	s.state.ClearTimers()
	for _, guildID := range s.connections.GuildIDs() {
		if err := s.connections.Disconnect(ctx, guildID); err != nil {
			s.log.Debug().Err(err).Str("guild", guildID).Msg("disconnect during shutdown")
		}
		s.state.EndSession(guildID)
	}
}
