// Package storage holds the bot's persisted per-guild settings on top of
// the key-value store.
package storage

import (
	"github.com/rs/zerolog"

	"github.com/cadenza-bot/cadenza/pkg/kvstore"
)

const (
	volumeKeyPrefix = "volume:"
	volumeMin       = 0
	volumeMax       = 200
)

// Volumes persists per-guild playback volume.
type Volumes struct {
	store *kvstore.Store
	def   int
	log   zerolog.Logger
}

// NewVolumes wraps the store with a default for guilds that never set one.
func NewVolumes(store *kvstore.Store, defaultVolume int, log zerolog.Logger) *Volumes {
	return &Volumes{
		store: store,
		def:   clampVolume(defaultVolume),
		log:   log.With().Str("component", "volumes").Logger(),
	}
}

// Volume returns the guild's stored volume, or the default.
func (v *Volumes) Volume(guildID string) int {
	var vol int
	ok, err := v.store.Get(volumeKeyPrefix+guildID, &vol)
	if err != nil {
		v.log.Warn().Err(err).Str("guild", guildID).Msg("volume read failed")
		return v.def
	}
	if !ok {
		return v.def
	}
	return clampVolume(vol)
}

// SaveVolume stores the guild's volume, clamped to the valid range.
func (v *Volumes) SaveVolume(guildID string, volume int) error {
	return v.store.Set(volumeKeyPrefix+guildID, clampVolume(volume))
}

func clampVolume(volume int) int {
	if volume < volumeMin {
		return volumeMin
	}
	if volume > volumeMax {
		return volumeMax
	}
	return volume
}
