package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all runtime settings, populated from the environment.
// A .env file in the working directory is loaded first if present.
type Config struct {
	DiscordToken string `env:"DISCORD_TOKEN,required"`

	LavalinkHost     string `env:"LAVALINK_HOST" envDefault:"localhost"`
	LavalinkPort     int    `env:"LAVALINK_PORT" envDefault:"2333"`
	LavalinkPassword string `env:"LAVALINK_PASSWORD" envDefault:"youshallnotpass"`
	LavalinkLabel    string `env:"LAVALINK_LABEL" envDefault:"MAIN"`
	LavalinkSecure   bool   `env:"LAVALINK_SECURE" envDefault:"false"`

	StoragePath string `env:"STORAGE_PATH" envDefault:"data/cadenza.json"`

	DefaultVolume int `env:"MUSIC_DEFAULT_VOLUME" envDefault:"10"`

	AutoLeaveTimeout       time.Duration `env:"MUSIC_AUTO_LEAVE_TIMEOUT" envDefault:"15m"`
	AutoLeaveCheckInterval time.Duration `env:"MUSIC_AUTO_LEAVE_CHECK_INTERVAL" envDefault:"1m"`

	// Cooldown between the forced disconnect and the reconnect during a
	// healing episode. Reconnecting too fast hits the same invalid session.
	HealCooldown time.Duration `env:"MUSIC_HEAL_COOLDOWN" envDefault:"2s"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile  string `env:"LOG_FILE"`
}

// New loads the configuration from .env and the process environment.
func New() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
