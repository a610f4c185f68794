package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and platform status",
	Long:  "Display the current configuration and fetch live platform health and unread counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  API URL:   %s\n", valueOrDefault(cfg.Default.APIURL, "(default)"))
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:     %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Println("  Token:     (not set)")
		}
		fmt.Printf("  Capacity:  %d\n", notificationCapacity(0, cfg))

		if cfg.Default.Token == "" {
			return nil
		}

		// Live status via health + notification feed.
		fmt.Println()
		fmt.Println("Live status:")

		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		health, err := client.Health(ctx)
		if err != nil {
			fmt.Printf("  Error fetching platform health: %v\n", err)
			return nil
		}
		fmt.Printf("  Status:    %s\n", health.Status)
		if health.Version != "" {
			fmt.Printf("  Version:   %s\n", health.Version)
		}

		result, err := client.Notifications().List(ctx)
		if err != nil {
			fmt.Printf("  Error fetching notifications: %v\n", err)
			return nil
		}
		fmt.Printf("  Unread:    %d\n", result.UnreadCount)
		fmt.Printf("  Feed size: %d\n", len(result.Notifications))
		return nil
	},
}

// maskKey shows the first 12 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
