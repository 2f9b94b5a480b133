package music

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-bot/cadenza/internal/lava"
)

func TestSessionLifecycle(t *testing.T) {
	sm := NewStateManager(nopLogger())

	s := sm.GetOrCreateSession("g1")
	require.NotNil(t, s)
	assert.Same(t, s, sm.GetOrCreateSession("g1"), "second call returns the same session")

	popped := sm.EndSession("g1")
	assert.Same(t, s, popped)
	assert.Nil(t, sm.Session("g1"), "session is gone after ending")
	assert.Nil(t, sm.EndSession("g1"), "ending twice returns nil")
}

func TestRestoreSessionKeepsExisting(t *testing.T) {
	sm := NewStateManager(nopLogger())

	existing := sm.GetOrCreateSession("g1")
	restored := NewSession("g1")
	sm.RestoreSession(restored)

	assert.Same(t, existing, sm.Session("g1"), "restore must not clobber a live session")

	sm.EndSession("g1")
	sm.RestoreSession(restored)
	assert.Same(t, restored, sm.Session("g1"))
}

func TestRecordHistorySkipDetection(t *testing.T) {
	track := testTrack("t1", 180_000)
	requester := TrackRequester{UserID: "u1", ChannelID: "c1"}

	tests := []struct {
		name        string
		reason      lava.EndReason
		startedAgo  time.Duration
		wantSkipped bool
	}{
		{"stopped right after start", lava.EndStopped, time.Second, true},
		{"replaced right after start", lava.EndReplaced, time.Second, true},
		{"stopped late is not a skip", lava.EndStopped, 25 * time.Second, false},
		{"finished is never a skip", lava.EndFinished, time.Second, false},
		{"finished late", lava.EndFinished, 25 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateManager(nopLogger())
			sm.mu.Lock()
			sm.trackStarts["g1"] = time.Now().Add(-tt.startedAgo)
			sm.mu.Unlock()

			sm.RecordHistory("g1", track, tt.reason, requester)

			s := sm.Session("g1")
			require.NotNil(t, s)
			history := s.History()
			require.Len(t, history, 1)
			assert.Equal(t, tt.wantSkipped, history[0].Skipped)
			assert.Equal(t, "u1", history[0].RequesterID)
		})
	}
}

func TestRecordHistoryWithoutStartTime(t *testing.T) {
	sm := NewStateManager(nopLogger())
	sm.RecordHistory("g1", testTrack("t1", 180_000), lava.EndStopped, TrackRequester{})

	s := sm.Session("g1")
	require.NotNil(t, s)
	history := s.History()
	require.Len(t, history, 1)
	assert.True(t, history[0].Skipped, "unknown start time counts as a skip for stops")
}

func TestTimerKeepsOriginalDeadline(t *testing.T) {
	sm := NewStateManager(nopLogger())

	sm.StartTimer("g1", "no listeners", time.Millisecond)
	sm.StartTimer("g1", "all listeners deafened", time.Hour)
	assert.True(t, sm.IsTimerActive("g1"))

	time.Sleep(5 * time.Millisecond)
	expired := sm.ExpiredTimers()
	require.Len(t, expired, 1, "re-arming must not extend the first deadline")
	assert.Equal(t, "g1", expired[0].GuildID)
	assert.Equal(t, "no listeners", expired[0].Reason, "the original reason sticks")
}

func TestTimerCancel(t *testing.T) {
	sm := NewStateManager(nopLogger())

	sm.StartTimer("g1", "no listeners", time.Millisecond)
	sm.CancelTimer("g1")
	assert.False(t, sm.IsTimerActive("g1"))

	time.Sleep(5 * time.Millisecond)
	assert.Empty(t, sm.ExpiredTimers())

	// Cancelling an absent timer is a no-op.
	sm.CancelTimer("g2")
}

func TestExpiredTimersLeavesTimersArmed(t *testing.T) {
	sm := NewStateManager(nopLogger())
	sm.StartTimer("g1", "no listeners", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	require.Len(t, sm.ExpiredTimers(), 1)
	assert.True(t, sm.IsTimerActive("g1"), "reporting expiry does not disarm")

	sm.ClearTimers()
	assert.False(t, sm.IsTimerActive("g1"))
}

func TestSessionMostUsedChannel(t *testing.T) {
	s := NewSession("g1")
	assert.Empty(t, s.MostUsedChannel())

	s.RecordInteraction("c1", "u1")
	s.RecordInteraction("c2", "u2")
	s.RecordInteraction("c2", "u1")
	assert.Equal(t, "c2", s.MostUsedChannel())
	assert.Equal(t, 2, s.ParticipantCount())
}

func TestSessionConcurrentReadersAndWriters(t *testing.T) {
	// A /play handled while a healing episode snapshots the session hits the
	// channel-usage map from two goroutines at once.
	s := NewSession("g1")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				s.RecordInteraction("c1", "u1")
				s.AddTrack(PlayedTrack{Title: "t"})
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = s.MostUsedChannel()
				_ = s.History()
				_ = s.ParticipantCount()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, "c1", s.MostUsedChannel())
	assert.Equal(t, 800, s.TrackCount())
}
