package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/macwilko/wikid-realtime/events"
)

// Transport carries envelopes between the client and the server. The
// manager swaps implementations; subscribers never see which one is active.
type Transport interface {
	// Connect establishes the session. An *events.AuthenticationError means
	// the credential was refused and retrying is pointless.
	Connect(ctx context.Context) error
	Disconnect() error
	Send(ctx context.Context, env events.Envelope) error

	// OnEvent sets the handler for every inbound envelope. It is called
	// before Connect.
	OnEvent(handler func(events.Envelope))
}

// Dropper is implemented by transports that can lose their session on their
// own. The callback receives events.ErrServerClosed for a close initiated by
// the server, or an *events.TransportError. It is not called after
// Disconnect.
type Dropper interface {
	OnDrop(handler func(error))
}

// fallbackBase turns ws://host/ws into http://host.
func fallbackBase(raw string) (string, error) {
	u, err := url.Parse(raw)

	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}

	u.Path = strings.TrimSuffix(u.Path, "/ws")
	u.RawQuery = ""

	return strings.TrimSuffix(u.String(), "/"), nil
}
