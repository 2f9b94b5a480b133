package music

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/cadenza-bot/cadenza/internal/lava"
)

func testTrack(id string, lengthMs int64) lava.Track {
	return lava.Track{
		Encoded: "enc:" + id,
		Info: lava.TrackInfo{
			Identifier: id,
			Title:      "title " + id,
			URI:        "https://example.test/" + id,
			Length:     lengthMs,
		},
	}
}

type playerCall struct {
	guildID string
	upd     lava.PlayerUpdate
}

type fakeNode struct {
	mu        sync.Mutex
	connected bool
	loadRes   *lava.LoadResult
	loadErr   error
	updateErr error
	updates   []playerCall
	destroyed []string
}

func (f *fakeNode) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeNode) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeNode) LoadTracks(ctx context.Context, identifier string) (*lava.LoadResult, error) {
	return f.loadRes, f.loadErr
}

func (f *fakeNode) UpdatePlayer(ctx context.Context, guildID string, upd lava.PlayerUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, playerCall{guildID: guildID, upd: upd})
	return nil
}

func (f *fakeNode) DestroyPlayer(ctx context.Context, guildID string) error {
	f.mu.Lock()
	f.destroyed = append(f.destroyed, guildID)
	f.mu.Unlock()
	return nil
}

func (f *fakeNode) lastUpdate() *playerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updates) == 0 {
		return nil
	}
	call := f.updates[len(f.updates)-1]
	return &call
}

type fakeTransport struct {
	mu      sync.Mutex
	joinErr error
	joins   []string
	leaves  []string
	members map[string][]VoiceMember
}

func (f *fakeTransport) JoinVoice(guildID, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joins = append(f.joins, guildID+"/"+channelID)
	return nil
}

func (f *fakeTransport) LeaveVoice(guildID string) error {
	f.mu.Lock()
	f.leaves = append(f.leaves, guildID)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) VoiceMembers(guildID, channelID string) ([]VoiceMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[channelID], nil
}

type fakeMessenger struct {
	mu      sync.Mutex
	nextID  int
	sends   []string
	edits   []string
	deletes []string
	editErr error
}

func (f *fakeMessenger) SendEmbed(channelID string, embed *discordgo.MessageEmbed, components []discordgo.MessageComponent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("msg-%d", f.nextID)
	f.sends = append(f.sends, channelID)
	return id, nil
}

func (f *fakeMessenger) EditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, components []discordgo.MessageComponent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.edits = append(f.edits, messageID)
	return nil
}

func (f *fakeMessenger) DeleteMessage(channelID, messageID string) error {
	f.mu.Lock()
	f.deletes = append(f.deletes, messageID)
	f.mu.Unlock()
	return nil
}

type fakeVolumes struct {
	mu    sync.Mutex
	def   int
	saved map[string]int
}

func newFakeVolumes(def int) *fakeVolumes {
	return &fakeVolumes{def: def, saved: make(map[string]int)}
}

func (f *fakeVolumes) Volume(guildID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.saved[guildID]; ok {
		return v
	}
	return f.def
}

func (f *fakeVolumes) SaveVolume(guildID string, volume int) error {
	f.mu.Lock()
	f.saved[guildID] = volume
	f.mu.Unlock()
	return nil
}

func nopLogger() zerolog.Logger { return zerolog.Nop() }
