package music

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cadenza-bot/cadenza/internal/lava"
	"github.com/cadenza-bot/cadenza/internal/music/queue"
)

// Player is the per-guild connection object: the queue, repeat mode,
// requester map and playback state riding on top of one node-side player.
type Player struct {
	guildID string
	node    NodeClient
	log     zerolog.Logger

	// onZombie is invoked when the node reports the player gone (HTTP 404);
	// the connection manager uses it to drop the handle.
	onZombie func(guildID string)

	mu         sync.Mutex
	channelID  string
	queue      *queue.Queue
	repeat     queue.RepeatMode
	requesters map[string]TrackRequester
	current    *lava.Track
	position   int64
	positionAt time.Time
	paused     bool
	volume     int
}

func newPlayer(guildID, channelID string, node NodeClient, volume int, log zerolog.Logger) *Player {
	return &Player{
		guildID:    guildID,
		channelID:  channelID,
		node:       node,
		log:        log.With().Str("component", "player").Str("guild", guildID).Logger(),
		queue:      queue.New(),
		repeat:     queue.RepeatOff,
		requesters: make(map[string]TrackRequester),
		volume:     volume,
	}
}

// GuildID returns the owning guild.
func (p *Player) GuildID() string { return p.guildID }

// ChannelID returns the current voice channel.
func (p *Player) ChannelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channelID
}

func (p *Player) setChannelID(channelID string) {
	p.mu.Lock()
	p.channelID = channelID
	p.mu.Unlock()
}

// Current returns the playing track, or nil when idle.
func (p *Player) Current() *lava.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	track := *p.current
	return &track
}

// Paused reports whether playback is paused.
func (p *Player) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Volume returns the last applied volume.
func (p *Player) Volume() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// Position returns the playback position in milliseconds, extrapolated from
// the node's last report. While paused the last known value is returned
// unchanged, since the node reports a frozen position anyway.
func (p *Player) Position() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return 0
	}
	pos := p.position
	if !p.paused && !p.positionAt.IsZero() {
		pos += time.Since(p.positionAt).Milliseconds()
	}
	if length := p.current.Info.Length; length != lava.StreamLength && pos > length {
		pos = length
	}
	if pos < 0 {
		pos = 0
	}
	return pos
}

// syncPosition records a position report from the node.
func (p *Player) syncPosition(state lava.PlayerState) {
	p.mu.Lock()
	p.position = state.Position
	p.positionAt = time.Now()
	p.mu.Unlock()
}

// setNowPlaying marks a track as started (driven by the node's track-start
// event, which is authoritative).
func (p *Player) setNowPlaying(track lava.Track) {
	p.mu.Lock()
	p.current = &track
	p.position = 0
	p.positionAt = time.Now()
	p.mu.Unlock()
}

// clearNowPlaying drops the current track if it matches the given id.
func (p *Player) clearNowPlaying(identifier string) {
	p.mu.Lock()
	if p.current != nil && p.current.Info.Identifier == identifier {
		p.current = nil
		p.position = 0
	}
	p.mu.Unlock()
}

// SetRequester associates a requester with a track by its stable identifier.
// Re-enqueueing overwrites the previous entry.
func (p *Player) SetRequester(track lava.Track, userID, channelID string) {
	p.mu.Lock()
	p.requesters[track.Info.Identifier] = TrackRequester{UserID: userID, ChannelID: channelID}
	p.mu.Unlock()
}

// Requester returns the requester recorded for a track, if any.
func (p *Player) Requester(track lava.Track) (TrackRequester, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.requesters[track.Info.Identifier]
	return r, ok
}

// Queue grants access to the queue. Callers must not retain it across
// goroutines; public accessors below return copies.
func (p *Player) enqueue(atFront bool, tracks ...lava.Track) {
	p.mu.Lock()
	p.queue.Add(atFront, tracks...)
	p.mu.Unlock()
}

// QueueView returns a copy of the queue plus current track and repeat mode.
func (p *Player) QueueView() QueueView {
	p.mu.Lock()
	defer p.mu.Unlock()
	view := QueueView{Tracks: p.queue.Tracks(), RepeatMode: p.repeat}
	if p.current != nil {
		track := *p.current
		view.Current = &track
	}
	return view
}

// QueueLen returns the number of queued tracks.
func (p *Player) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// PeekNext returns the head of the queue without consuming it.
func (p *Player) PeekNext() *lava.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.PeekNext()
}

// QueueDuration returns the summed remaining milliseconds: queued tracks
// plus what is left of the current one.
func (p *Player) QueueDuration() int64 {
	p.mu.Lock()
	total := p.queue.Duration()
	current := p.current
	position := p.position
	p.mu.Unlock()

	if current != nil && current.Info.Length != lava.StreamLength {
		if remaining := current.Info.Length - position; remaining > 0 {
			total += remaining
		}
	}
	return total
}

// Shuffle randomizes the queue order.
func (p *Player) Shuffle() {
	p.mu.Lock()
	p.queue.Shuffle()
	p.mu.Unlock()
}

// RepeatMode returns the active repeat mode.
func (p *Player) RepeatMode() queue.RepeatMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.repeat
}

// SetRepeatMode sets the repeat mode and returns the previous one.
func (p *Player) SetRepeatMode(mode queue.RepeatMode) queue.RepeatMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	previous := p.repeat
	p.repeat = mode
	return previous
}

// ToggleRepeat flips between off and queue repeat.
func (p *Player) ToggleRepeat() queue.RepeatMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.repeat == queue.RepeatOff {
		p.repeat = queue.RepeatQueue
	} else {
		p.repeat = queue.RepeatOff
	}
	return p.repeat
}

// ClearQueue drops all queued tracks and the requester map.
func (p *Player) ClearQueue() {
	p.mu.Lock()
	p.queue.Clear()
	p.requesters = make(map[string]TrackRequester)
	p.mu.Unlock()
}

// Play instructs the node to play a track from the given position.
func (p *Player) Play(ctx context.Context, track lava.Track, startMs int64, paused bool) error {
	p.mu.Lock()
	volume := p.volume
	p.mu.Unlock()

	upd := lava.PlayerUpdate{
		Track:    &lava.TrackUpdate{Encoded: &track.Encoded},
		Position: &startMs,
		Volume:   &volume,
		Paused:   &paused,
	}
	if err := p.update(ctx, upd); err != nil {
		return err
	}

	p.mu.Lock()
	p.current = &track
	p.position = startMs
	p.positionAt = time.Now()
	p.paused = paused
	p.mu.Unlock()
	return nil
}

// Stop halts playback, leaving the queue untouched.
func (p *Player) Stop(ctx context.Context) error {
	if err := p.update(ctx, lava.PlayerUpdate{Track: &lava.TrackUpdate{Encoded: nil}}); err != nil {
		return err
	}
	p.mu.Lock()
	p.current = nil
	p.position = 0
	p.paused = false
	p.mu.Unlock()
	return nil
}

// Pause sets the pause flag on the node.
func (p *Player) Pause(ctx context.Context, paused bool) error {
	if err := p.update(ctx, lava.PlayerUpdate{Paused: &paused}); err != nil {
		return err
	}
	p.mu.Lock()
	if paused {
		// Freeze the extrapolated position at the pause point.
		if !p.positionAt.IsZero() {
			p.position += time.Since(p.positionAt).Milliseconds()
		}
	}
	p.positionAt = time.Now()
	p.paused = paused
	p.mu.Unlock()
	return nil
}

// Seek moves the playback position.
func (p *Player) Seek(ctx context.Context, positionMs int64) error {
	if positionMs < 0 {
		positionMs = 0
	}
	if err := p.update(ctx, lava.PlayerUpdate{Position: &positionMs}); err != nil {
		return err
	}
	p.mu.Lock()
	p.position = positionMs
	p.positionAt = time.Now()
	p.mu.Unlock()
	return nil
}

// SetVolume applies a volume on the node and remembers it.
func (p *Player) SetVolume(ctx context.Context, volume int) error {
	if err := p.update(ctx, lava.PlayerUpdate{Volume: &volume}); err != nil {
		return err
	}
	p.mu.Lock()
	p.volume = volume
	p.mu.Unlock()
	return nil
}

// Advance moves playback to the next state after a track completed. The
// repeat policy is applied here, not in the queue: TRACK replays the same
// track from zero, QUEUE re-appends the completed track before popping, OFF
// pops directly. forceSkip ignores TRACK repeat (used by skip). Returns the
// track now playing, or nil when playback stopped.
func (p *Player) Advance(ctx context.Context, forceSkip bool, previous *lava.Track) (*lava.Track, error) {
	p.mu.Lock()
	prev := previous
	if prev == nil && p.current != nil {
		track := *p.current
		prev = &track
	}
	mode := p.repeat

	if !forceSkip && mode == queue.RepeatTrack && prev != nil {
		p.mu.Unlock()
		if err := p.Play(ctx, *prev, 0, false); err != nil {
			return nil, err
		}
		return prev, nil
	}

	if !forceSkip && mode == queue.RepeatQueue && prev != nil {
		p.queue.Add(false, *prev)
	}

	next := p.queue.PopNext()
	p.mu.Unlock()

	if next == nil {
		if err := p.Stop(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if err := p.Play(ctx, *next, 0, false); err != nil {
		return nil, err
	}
	return next, nil
}

// Skip force-advances past the current track, ignoring TRACK repeat.
// Returns the skipped track.
func (p *Player) Skip(ctx context.Context) (*lava.Track, error) {
	skipped := p.Current()
	if _, err := p.Advance(ctx, true, skipped); err != nil {
		return skipped, err
	}
	return skipped, nil
}

// restore replays a snapshot's internal state onto a fresh player. Playback
// itself is restored separately via Play.
func (p *Player) restore(snap *Snapshot) {
	p.mu.Lock()
	p.queue.Replace(snap.Queue)
	p.repeat = snap.RepeatMode
	p.requesters = make(map[string]TrackRequester, len(snap.Requesters))
	for id, r := range snap.Requesters {
		p.requesters[id] = r
	}
	p.volume = snap.Volume
	p.mu.Unlock()
}

// snapshotState copies the mutable state guarded by the player lock.
func (p *Player) snapshotState() (q []lava.Track, mode queue.RepeatMode, reqs map[string]TrackRequester, current *lava.Track, paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q = p.queue.Tracks()
	mode = p.repeat
	reqs = make(map[string]TrackRequester, len(p.requesters))
	for id, r := range p.requesters {
		reqs[id] = r
	}
	if p.current != nil {
		track := *p.current
		current = &track
	}
	paused = p.paused
	return
}

// update sends a partial player update, translating a node-side 404 into a
// forced detach of this zombie handle.
func (p *Player) update(ctx context.Context, upd lava.PlayerUpdate) error {
	err := p.node.UpdatePlayer(ctx, p.guildID, upd)
	if errors.Is(err, lava.ErrPlayerNotFound) {
		p.log.Warn().Msg("node lost the player, dropping connection handle")
		if p.onZombie != nil {
			p.onZombie(p.guildID)
		}
	}
	return err
}
