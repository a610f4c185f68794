package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	supertrack "github.com/Supertrack-AI/supertrack/sdk/golang"
)

// buildLogger creates the CLI logger. Warnings only by default, everything
// with --verbose.
func buildLogger() zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(output).With().Timestamp().Str("app", "supertrack").Logger().Level(level)
}

// getClient creates a Supertrack client from the stored configuration.
func getClient() *supertrack.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'supertrack init <token>' first.")
		os.Exit(1)
	}

	opts := []supertrack.ClientOption{supertrack.WithLogger(buildLogger())}
	if cfg.Default.APIURL != "" {
		opts = append(opts, supertrack.WithBaseURL(cfg.Default.APIURL))
	}

	return supertrack.NewClient(cfg.Default.Token, opts...)
}

// notificationCapacity resolves the cache size: flag, then config, then the
// SDK default.
func notificationCapacity(flagValue int, cfg *Config) int {
	if flagValue > 0 {
		return flagValue
	}
	if cfg.Notifications.Capacity > 0 {
		return cfg.Notifications.Capacity
	}
	return supertrack.DefaultNotificationCapacity
}
