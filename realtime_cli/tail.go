package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/macwilko/wikid-realtime/client"
	"github.com/macwilko/wikid-realtime/events"
	"github.com/spf13/cobra"
)

func tailCmd() *cobra.Command {
	var (
		url     string
		token   string
		posts   []string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print every event delivered to a user",
		Long: `Connect as the user the token belongs to and print each event as one
JSON line. Falls back to polling when the websocket can't be reached.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("REALTIME_TOKEN")
			}

			c, err := client.New(client.Options{
				URL:    url,
				Token:  token,
				Logger: cliLogger(verbose),
			})

			if err != nil {
				return err
			}

			out := json.NewEncoder(os.Stdout)

			for _, kind := range events.AllKinds {
				c.Subscribe(kind, func(env events.Envelope) {
					out.Encode(env)
				})
			}

			c.OnStateChange(func(ch client.Change) {
				fmt.Fprintf(os.Stderr, "state=%s fallback=%v attempt=%d\n", ch.State, ch.FallbackActive, ch.Attempt)
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := c.Connect(ctx); err != nil {
				return err
			}

			defer c.Disconnect()

			for _, p := range posts {
				c.JoinPost(ctx, p)
			}

			<-ctx.Done()

			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "ws://localhost:3006/ws", "Websocket endpoint")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token (default $REALTIME_TOKEN)")
	cmd.Flags().StringSliceVar(&posts, "post", nil, "Join typing rooms of these posts")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log connection details")

	return cmd
}
