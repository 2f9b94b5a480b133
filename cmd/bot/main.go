package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cadenza-bot/cadenza/internal/config"
	"github.com/cadenza-bot/cadenza/internal/discord"
	"github.com/cadenza-bot/cadenza/internal/logging"
	"github.com/cadenza-bot/cadenza/internal/storage"
	"github.com/cadenza-bot/cadenza/internal/version"
	"github.com/cadenza-bot/cadenza/pkg/kvstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.New()
	if err != nil {
		return err
	}

	log := logging.New(cfg.LogLevel, cfg.LogFile)
	log.Info().Str("version", version.Version).Msgf("starting %s", version.AppName)

	store, err := kvstore.Open(kvstore.Options{
		Path:             cfg.StoragePath,
		AutoSaveInterval: 30 * time.Second,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	volumes := storage.NewVolumes(store, cfg.DefaultVolume, log)

	bot, err := discord.NewBot(cfg, volumes, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- bot.Run(ctx)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutting down")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	log.Info().Msg("exited cleanly")
	return nil
}
