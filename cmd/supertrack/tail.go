package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	supertrack "github.com/Supertrack-AI/supertrack/sdk/golang"
)

var tailJSON bool

func init() {
	tailCmd.Flags().BoolVar(&tailJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(tailCmd)
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow the server event stream",
	Long:  "Open the one-way event stream and print events as they arrive.\nThe stream does not reconnect on its own; the command exits when it ends. Press Ctrl-C to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		logger := buildLogger()

		stream := client.ConnectStream(supertrack.StreamConfig{Logger: &logger})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		ended := make(chan struct{}, 1)
		stream.OnMessage(func(data any) {
			if tailJSON {
				encoded, err := json.Marshal(data)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Failed to encode event: %v\n", err)
					return
				}
				fmt.Println(string(encoded))
				return
			}
			fmt.Printf("%v\n", data)
		})
		stream.OnError(func(err error) {
			// Ctrl-C cancels the stream context; that is not a failure.
			if !errors.Is(err, context.Canceled) {
				fmt.Fprintf(os.Stderr, "Stream error: %v\n", err)
			}
			select {
			case ended <- struct{}{}:
			default:
			}
		})

		if err := stream.Connect(ctx); err != nil {
			return fmt.Errorf("failed to open stream: %w", err)
		}
		fmt.Fprintln(os.Stderr, "Tailing events. Press Ctrl-C to stop.")

		select {
		case <-ctx.Done():
		case <-ended:
		}
		return stream.Close()
	},
}
