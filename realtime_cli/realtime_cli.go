package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	chatserver "github.com/macwilko/wikid-realtime/chat_server"
	"github.com/macwilko/wikid-realtime/events"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "realtime",
		Short: "Operate a wikid realtime server",
		Long: `realtime talks to a running realtime server.

Tail events as an authenticated user, push events to rooms or users
through the internal API or the task queue, and mint development tokens.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		tailCmd(),
		broadcastCmd(),
		enqueueCmd(),
		tokenCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

func cliLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn

	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// targetFlags selects who receives a pushed event.
type targetFlags struct {
	room   string
	user   string
	all    bool
	except string
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.room, "room", "", "Deliver to a room, e.g. post:123")
	cmd.Flags().StringVar(&f.user, "user", "", "Deliver to every connection of a user")
	cmd.Flags().BoolVar(&f.all, "all", false, "Deliver to every connection")
	cmd.Flags().StringVar(&f.except, "except", "", "Skip this user's connections")
}

func (f *targetFlags) target() (chatserver.Target, error) {
	set := 0

	for _, ok := range []bool{f.room != "", f.user != "", f.all} {
		if ok {
			set++
		}
	}

	if set != 1 {
		return chatserver.Target{}, fmt.Errorf("exactly one of --room, --user or --all is required")
	}

	t := chatserver.Target{ExceptUserID: f.except}

	switch {
	case f.room != "":
		t.Scope, t.Room = chatserver.ScopeRoom, f.room
	case f.user != "":
		t.Scope, t.UserID = chatserver.ScopeUser, f.user
	default:
		t.Scope = chatserver.ScopeAll
	}

	return t, nil
}

// buildEnvelope decodes data as the payload of kind.
func buildEnvelope(kind, data string) (events.Envelope, error) {
	k := events.Kind(kind)

	if !k.Valid() {
		return events.Envelope{}, fmt.Errorf("unknown event type %q", kind)
	}

	if data == "" {
		data = "{}"
	}

	if !json.Valid([]byte(data)) {
		return events.Envelope{}, fmt.Errorf("--data is not valid JSON")
	}

	p, err := events.Decode(k, json.RawMessage(data))

	if err != nil {
		return events.Envelope{}, err
	}

	return events.New(p), nil
}
