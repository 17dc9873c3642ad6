package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/dnldd/saxotrader/service"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// handleTermination processes context cancellation signals or interrupt signals from the OS.
func handleTermination(ctx context.Context, cancel context.CancelFunc) {
	// Listen for interrupt signals.
	signals := []os.Signal{os.Interrupt}
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, signals...)

	// Wait for the context to be cancelled or an interrupt signal.
	for {
		select {
		case <-ctx.Done():
			return

		case <-interrupt:
			cancel()
		}
	}
}

// run loads the configuration and runs the trader until interrupted.
func run() error {
	var cfg Config
	err := loadConfig(&cfg, "")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	zerolog.SetGlobalLevel(cfg.logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go handleTermination(ctx, cancel)

	trader, err := service.NewTrader(ctx, &service.TraderConfig{
		ClientID:        cfg.ClientID,
		ClientSecret:    cfg.ClientSecret,
		RedirectURI:     cfg.RedirectURI,
		Environment:     cfg.environment,
		AuthBaseURL:     cfg.AuthBaseURL,
		APIBaseURL:      cfg.APIBaseURL,
		TokenFile:       cfg.TokenFile,
		Instruments:     cfg.Instruments,
		TimetableDir:    cfg.TimetableDir,
		DryRun:          cfg.DryRun,
		DefaultAmount:   int64(cfg.DefaultAmount),
		Leverage:        int64(cfg.Leverage),
		MaxPositions:    cfg.MaxPositions,
		CallbackTimeout: time.Duration(cfg.CallbackTimeout) * time.Second,
		Interactive:     cfg.Interactive,
		DBEndpoint:      cfg.DBEndpoint,
		DBUser:          cfg.DBUser,
		DBPass:          cfg.DBPass,
		MetricsAddr:     cfg.MetricsAddr,
	})
	if err != nil {
		return fmt.Errorf("creating trader service: %w", err)
	}

	return trader.Run(ctx)
}

func main() {
	err := run()
	if err != nil {
		log.Error().Err(err).Msg("trader exited")
		os.Exit(1)
	}
}
