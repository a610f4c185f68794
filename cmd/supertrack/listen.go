package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	supertrack "github.com/Supertrack-AI/supertrack/sdk/golang"
)

var (
	listenCapacity int
	listenJSON     bool
)

func init() {
	listenCmd.Flags().IntVar(&listenCapacity, "capacity", 0, "Notification cache size (default from config)")
	listenCmd.Flags().BoolVar(&listenJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Follow the notification feed over the realtime socket",
	Long:  "Connect to the realtime socket and print notifications as they arrive.\nThe connection recovers automatically after transient drops. Press Ctrl-C to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		client := getClient()
		logger := buildLogger()

		sock := client.ConnectSocket(supertrack.SocketConfig{Logger: &logger})
		svc, err := supertrack.NewNotificationService(sock, &supertrack.NotificationOptions{
			Capacity: notificationCapacity(listenCapacity, cfg),
			API:      client,
			Logger:   &logger,
		})
		if err != nil {
			return fmt.Errorf("failed to build notification service: %w", err)
		}

		svc.SetHandlers(supertrack.NotificationHandlers{
			OnNotification: func(n supertrack.Notification) {
				if listenJSON {
					data, err := json.Marshal(n)
					if err != nil {
						fmt.Fprintf(os.Stderr, "Failed to encode notification: %v\n", err)
						return
					}
					fmt.Println(string(data))
					return
				}
				fmt.Printf("[%s] %s: %s\n", n.Type, n.Title, n.Message)
			},
			OnStatusChange: func(connected bool) {
				if connected {
					fmt.Fprintln(os.Stderr, "Connected.")
				} else {
					fmt.Fprintln(os.Stderr, "Disconnected.")
				}
			},
			OnError: func(err error) {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			},
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := svc.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		fmt.Fprintln(os.Stderr, "Listening for notifications. Press Ctrl-C to stop.")

		<-ctx.Done()

		fmt.Fprintln(os.Stderr, "Shutting down.")
		return svc.Disconnect()
	},
}
