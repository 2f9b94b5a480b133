// Package queue holds the play queue and repeat-mode state for one guild.
// It is a pure data structure; advancing logic lives with the player.
package queue

import (
	"math/rand"
	"slices"

	"github.com/cadenza-bot/cadenza/internal/lava"
)

// RepeatMode controls what happens when the current track completes.
type RepeatMode string

const (
	RepeatOff   RepeatMode = "off"
	RepeatTrack RepeatMode = "track"
	RepeatQueue RepeatMode = "queue"
)

// Valid reports whether m is one of the known modes.
func (m RepeatMode) Valid() bool {
	switch m {
	case RepeatOff, RepeatTrack, RepeatQueue:
		return true
	}
	return false
}

// Queue is an ordered list of tracks, FIFO by default. Not safe for
// concurrent use; callers hold the owning player's lock.
type Queue struct {
	tracks []lava.Track
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Add appends tracks to the tail, or inserts them at the front preserving
// the given order when atFront is set.
func (q *Queue) Add(atFront bool, tracks ...lava.Track) {
	if len(tracks) == 0 {
		return
	}
	if atFront {
		q.tracks = append(slices.Clone(tracks), q.tracks...)
		return
	}
	q.tracks = append(q.tracks, tracks...)
}

// PopNext removes and returns the head of the queue, or nil when empty.
func (q *Queue) PopNext() *lava.Track {
	if len(q.tracks) == 0 {
		return nil
	}
	track := q.tracks[0]
	q.tracks = q.tracks[1:]
	return &track
}

// PeekNext returns the head of the queue without removing it.
func (q *Queue) PeekNext() *lava.Track {
	if len(q.tracks) == 0 {
		return nil
	}
	track := q.tracks[0]
	return &track
}

// Shuffle randomizes the queue order in place. No-op below two elements.
func (q *Queue) Shuffle() {
	if len(q.tracks) < 2 {
		return
	}
	rand.Shuffle(len(q.tracks), func(i, j int) {
		q.tracks[i], q.tracks[j] = q.tracks[j], q.tracks[i]
	})
}

// Clear drops all queued tracks.
func (q *Queue) Clear() {
	q.tracks = nil
}

// Len returns the number of queued tracks.
func (q *Queue) Len() int {
	return len(q.tracks)
}

// Empty reports whether the queue has no tracks.
func (q *Queue) Empty() bool {
	return len(q.tracks) == 0
}

// Tracks returns a copy of the queue contents in order.
func (q *Queue) Tracks() []lava.Track {
	return slices.Clone(q.tracks)
}

// Replace swaps the backing list with the given tracks.
func (q *Queue) Replace(tracks []lava.Track) {
	q.tracks = slices.Clone(tracks)
}

// Duration returns the summed length of all queued tracks in milliseconds.
func (q *Queue) Duration() int64 {
	var total int64
	for _, t := range q.tracks {
		total += t.Info.Length
	}
	return total
}
