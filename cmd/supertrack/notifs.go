package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	supertrack "github.com/Supertrack-AI/supertrack/sdk/golang"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// notifications list
	notifsListJSON   bool
	notifsListUnread bool
)

// ============================================================================
// Root notifications command
// ============================================================================

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notifs"},
	Short:   "Notification feed commands",
	Long:    "Read and update the Supertrack notification feed over the REST API.",
}

// ============================================================================
// notifications list
// ============================================================================

var notifsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		result, err := client.Notifications().List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		items := result.Notifications
		if notifsListUnread {
			unread := make([]supertrack.Notification, 0, len(items))
			for _, n := range items {
				if !n.Read {
					unread = append(unread, n)
				}
			}
			items = unread
		}

		if notifsListJSON {
			data, err := json.MarshalIndent(items, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode output: %w", err)
			}
			fmt.Println(string(data))
			return nil
		}

		if len(items) == 0 {
			fmt.Println("No notifications.")
			return nil
		}

		for _, n := range items {
			marker := " "
			if !n.Read {
				marker = "*"
			}
			fmt.Printf("%s %-24s %-8s %s\n", marker, n.ID, n.Type, n.Title)
			if n.Message != "" {
				fmt.Printf("    %s\n", n.Message)
			}
		}
		fmt.Printf("\n%d total, %d unread\n", len(result.Notifications), result.UnreadCount)
		return nil
	},
}

// ============================================================================
// notifications mark-read
// ============================================================================

var notifsMarkReadCmd = &cobra.Command{
	Use:   "mark-read <id>",
	Short: "Mark one notification as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Notifications().MarkRead(ctx, id); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("Marked %s as read.\n", id)
		return nil
	},
}

// ============================================================================
// notifications mark-all-read
// ============================================================================

var notifsMarkAllReadCmd = &cobra.Command{
	Use:   "mark-all-read",
	Short: "Mark every notification as read",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Notifications().MarkAllRead(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Println("Marked all notifications as read.")
		return nil
	},
}

// ============================================================================
// Command wiring
// ============================================================================

func init() {
	// notifications list
	notifsListCmd.Flags().BoolVar(&notifsListJSON, "json", false, "Output raw JSON")
	notifsListCmd.Flags().BoolVar(&notifsListUnread, "unread", false, "Show only unread notifications")

	// Wire up notifications sub-commands.
	notificationsCmd.AddCommand(notifsListCmd)
	notificationsCmd.AddCommand(notifsMarkReadCmd)
	notificationsCmd.AddCommand(notifsMarkAllReadCmd)

	// Register notifications under root.
	rootCmd.AddCommand(notificationsCmd)
}
