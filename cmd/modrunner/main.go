package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/modrunner/cmd/modrunner/commands"
	"github.com/openfroyo/modrunner/pkg/telemetry"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	bootstrapLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	finished := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Restore default handling so a second signal exits immediately.
			stop()
			log.Info().Msg("Shutting down modules, interrupt again to force exit")
		case <-finished:
		}
	}()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	close(finished)
	if err != nil {
		log.Error().Err(err).Msg("Modrunner failed")
		os.Exit(1)
	}
}

// bootstrapLogger sets the logger used until the host configuration has
// been read. LOG_LEVEL overrides the info default.
func bootstrapLogger() {
	level, err := telemetry.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)
}
