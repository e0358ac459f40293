package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/scholarly/hypersync/internal/hypapi"
	"github.com/scholarly/hypersync/internal/memo"
	"github.com/scholarly/hypersync/internal/pool"
	"github.com/scholarly/hypersync/internal/statusapi"
	"github.com/scholarly/hypersync/internal/stream"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "hypersync").Logger()

	// Pretty logging for local dev
	if env("ENV", "dev") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	// The core never reads the environment; all credentials and
	// bindings are resolved here and passed down.
	token := env("HYP_API_TOKEN", "")
	username := env("HYP_USERNAME", "")
	group := env("HYP_GROUP", "__world__")
	domain := env("HYP_DOMAIN", hypapi.DefaultDomain)

	if token == "" {
		log.Fatal().Msg("HYP_API_TOKEN is required")
	}

	cacheDir := env("HYP_CACHE_DIR", "")
	if cacheDir == "" {
		ucd, err := os.UserCacheDir()
		if err != nil {
			log.Fatal().Err(err).Msg("cannot resolve user cache dir, set HYP_CACHE_DIR")
		}
		cacheDir = filepath.Join(ucd, "hypersync")
	}

	client := hypapi.NewClient(hypapi.Config{
		Token:    token,
		Username: username,
		Group:    group,
		Domain:   domain,
	})

	memoizer := memo.New(client, memo.CachePath(cacheDir, group))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Backfill: load the replica and catch up over REST before
	// opening the stream.
	annos, err := memoizer.GetAnnos(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("backfill failed")
	}
	log.Info().Int("annotations", len(annos)).Str("group", group).Msg("replica loaded")

	p := pool.New(annos)

	filter := stream.NewPrefilter()
	filter.Groups = []string{group}

	sub := stream.NewSubscriber(stream.Config{
		Token:    token,
		Endpoint: stream.Endpoint(domain),
		Filter:   filter,
		Handlers: []stream.Handler{
			stream.NewSyncHandler(p, memoizer),
			stream.LogHandler{},
		},
	})

	// Status surface
	statusAddr := env("STATUS_ADDR", ":8082")
	status := &statusapi.Server{Pool: p, Group: group, Started: time.Now()}
	httpServer := &http.Server{
		Addr:         statusAddr,
		Handler:      status.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info().Str("addr", statusAddr).Msg("starting status server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("status server failed")
		}
	}()

	// Stream events in the background
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- sub.Run(ctx)
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutting down gracefully...")
		cancel()
		if err := <-streamErr; err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("subscriber exited with error")
		}
	case err := <-streamErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal().Err(err).Msg("subscriber failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("status server shutdown failed")
	}

	log.Info().Msg("bye")
}
