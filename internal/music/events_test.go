package music

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-bot/cadenza/internal/lava"
)

func startPlayback(t *testing.T, f *serviceFixture, ids ...string) *Player {
	t.Helper()
	for _, id := range ids {
		f.node.loadRes = singleTrackLoad(testTrack(id, 180_000))
		require.True(t, f.svc.Play(context.Background(), playReq(id)).IsSuccess())
	}
	return f.svc.connections.Player("g1")
}

func TestTrackEndAdvancesQueue(t *testing.T) {
	f := newServiceFixture(t)
	player := startPlayback(t, f, "a", "b")

	f.svc.Events().OnTrackEnd("g1", testTrack("a", 180_000), lava.EndFinished)

	cur := player.Current()
	require.NotNil(t, cur)
	assert.Equal(t, "b", cur.Info.Identifier)
	assert.Equal(t, 0, player.QueueLen())
}

func TestTrackEndRecordsHistory(t *testing.T) {
	f := newServiceFixture(t)
	startPlayback(t, f, "a")

	f.svc.Events().OnTrackStart("g1", testTrack("a", 180_000))
	f.svc.Events().OnTrackEnd("g1", testTrack("a", 180_000), lava.EndStopped)

	session := f.svc.state.Session("g1")
	require.NotNil(t, session)
	history := session.History()
	require.Len(t, history, 1)
	assert.True(t, history[0].Skipped, "stopped moments after starting")
	assert.Equal(t, "u1", history[0].RequesterID)
}

func TestTrackEndReplacedDoesNotAdvance(t *testing.T) {
	f := newServiceFixture(t)
	player := startPlayback(t, f, "a", "b")
	updatesBefore := len(f.node.updates)

	f.svc.Events().OnTrackEnd("g1", testTrack("a", 180_000), lava.EndReplaced)

	assert.Equal(t, updatesBefore, len(f.node.updates), "a replace issues no further player calls")
	assert.Equal(t, 1, player.QueueLen())
}

func TestTrackEndForUnknownGuildIsNoop(t *testing.T) {
	f := newServiceFixture(t)
	f.svc.Events().OnTrackEnd("nope", testTrack("a", 180_000), lava.EndFinished)
}

func TestPlayerUpdateFeedsPosition(t *testing.T) {
	f := newServiceFixture(t)
	player := startPlayback(t, f, "a")

	f.svc.Events().OnPlayerUpdate("g1", lava.PlayerState{Position: 33_000, Connected: true})
	assert.GreaterOrEqual(t, player.Position(), int64(33_000))
}

func TestWebSocketClosed4006TriggersHealing(t *testing.T) {
	f := newServiceFixture(t)
	startPlayback(t, f, "a")

	f.svc.Events().OnWebSocketClosed("g1", 4006, "session invalid", true)

	// Healing runs on its own goroutine; wait for the reconnect.
	require.Eventually(t, func() bool {
		f.transport.mu.Lock()
		defer f.transport.mu.Unlock()
		return len(f.transport.joins) >= 2
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return !f.svc.healer.IsHealing("g1")
	}, time.Second, 5*time.Millisecond)
	assert.NotNil(t, f.svc.connections.Player("g1"))
}

func TestWebSocketClosed4014CleansUp(t *testing.T) {
	f := newServiceFixture(t)
	startPlayback(t, f, "a")
	f.svc.state.StartTimer("g1", "no listeners", time.Hour)

	f.svc.Events().OnWebSocketClosed("g1", 4014, "disconnected", true)

	assert.Nil(t, f.svc.connections.Player("g1"))
	assert.False(t, f.svc.state.IsTimerActive("g1"))
	assert.Nil(t, f.svc.state.Session("g1"))
	require.Len(t, f.sessions, 1, "the popped session reached the summary hook")
}

func TestWebSocketClosed4014DuringHealingIsIgnored(t *testing.T) {
	f := newServiceFixture(t)
	startPlayback(t, f, "a")

	f.svc.healer.mu.Lock()
	f.svc.healer.healing["g1"] = true
	f.svc.healer.mu.Unlock()

	f.svc.Events().OnWebSocketClosed("g1", 4014, "disconnected", true)
	assert.NotNil(t, f.svc.connections.Player("g1"), "cleanup suppressed mid-episode")
}

func TestBotKickedCleansUp(t *testing.T) {
	f := newServiceFixture(t)
	startPlayback(t, f, "a")

	f.svc.Events().HandleVoiceState(VoiceStateEvent{
		GuildID:         "g1",
		UserID:          "bot",
		BeforeChannelID: "vc1",
		AfterChannelID:  "",
		SelfUser:        true,
	})

	assert.Nil(t, f.svc.connections.Player("g1"))
}

func TestBotMovedUpdatesChannelAndOccupancy(t *testing.T) {
	f := newServiceFixture(t)
	player := startPlayback(t, f, "a")
	f.transport.members["vc2"] = []VoiceMember{{UserID: "u1"}}

	f.svc.Events().HandleVoiceState(VoiceStateEvent{
		GuildID:        "g1",
		UserID:         "bot",
		AfterChannelID: "vc2",
		SelfUser:       true,
	})

	assert.Equal(t, "vc2", player.ChannelID())
	assert.False(t, f.svc.state.IsTimerActive("g1"), "occupied channel keeps no timer")
}

func TestEmptyChannelArmsTimer(t *testing.T) {
	f := newServiceFixture(t)
	startPlayback(t, f, "a")
	f.transport.members["vc1"] = []VoiceMember{{UserID: "bot2", Bot: true}}

	f.svc.Events().HandleVoiceState(VoiceStateEvent{
		GuildID:         "g1",
		UserID:          "u1",
		BeforeChannelID: "vc1",
	})

	assert.True(t, f.svc.state.IsTimerActive("g1"), "only bots left behind")
}

func TestAllDeafenedCountsAsEmpty(t *testing.T) {
	f := newServiceFixture(t)
	startPlayback(t, f, "a")
	f.transport.members["vc1"] = []VoiceMember{
		{UserID: "u1", Deafened: true},
		{UserID: "u2", Deafened: true},
	}

	f.svc.Events().HandleVoiceState(VoiceStateEvent{
		GuildID:        "g1",
		UserID:         "u1",
		AfterChannelID: "vc1",
	})

	assert.True(t, f.svc.state.IsTimerActive("g1"))
}

func TestListenerReturnCancelsTimer(t *testing.T) {
	f := newServiceFixture(t)
	startPlayback(t, f, "a")
	f.svc.state.StartTimer("g1", "no listeners", time.Hour)
	f.transport.members["vc1"] = []VoiceMember{{UserID: "u1"}}

	f.svc.Events().HandleVoiceState(VoiceStateEvent{
		GuildID:        "g1",
		UserID:         "u1",
		AfterChannelID: "vc1",
	})

	assert.False(t, f.svc.state.IsTimerActive("g1"))
}

func TestUnrelatedChannelChurnIgnored(t *testing.T) {
	f := newServiceFixture(t)
	startPlayback(t, f, "a")
	f.transport.members["vc1"] = nil // would arm the timer if consulted

	f.svc.Events().HandleVoiceState(VoiceStateEvent{
		GuildID:         "g1",
		UserID:          "u1",
		BeforeChannelID: "other1",
		AfterChannelID:  "other2",
	})

	assert.False(t, f.svc.state.IsTimerActive("g1"))
}

func TestEffectivelyEmpty(t *testing.T) {
	empty, reason := effectivelyEmpty(nil)
	assert.True(t, empty)
	assert.Equal(t, "no listeners", reason)

	empty, reason = effectivelyEmpty([]VoiceMember{{UserID: "b", Bot: true}})
	assert.True(t, empty)
	assert.Equal(t, "no listeners", reason)

	empty, reason = effectivelyEmpty([]VoiceMember{{UserID: "u", Deafened: true}})
	assert.True(t, empty)
	assert.Equal(t, "all listeners deafened", reason)

	empty, _ = effectivelyEmpty([]VoiceMember{{UserID: "u"}})
	assert.False(t, empty)

	empty, _ = effectivelyEmpty([]VoiceMember{
		{UserID: "u1", Deafened: true},
		{UserID: "u2"},
	})
	assert.False(t, empty)
}
