package chatserver

import (
	"context"
	"log/slog"

	"github.com/macwilko/wikid-realtime/events"
)

// Presence turns registry transitions into USER_ONLINE / USER_OFFLINE
// broadcasts. The registry guarantees one transition per boundary crossing.
type Presence struct {
	router *Router
	typing *TypingCoordinator
	logger *slog.Logger
}

func NewPresence(registry *Registry, router *Router, typing *TypingCoordinator, logger *slog.Logger) *Presence {
	p := &Presence{
		router: router,
		typing: typing,
		logger: logger.With(slog.String("component", "presence")),
	}

	registry.OnTransition(p.handle)

	return p
}

func (p *Presence) handle(t Transition) {
	ctx := context.Background()

	if t.Online {
		p.logger.Info("😍 User online", slog.String("userID", t.UserID))

		p.router.ToAll(ctx, events.NewAt(events.UserOnlinePayload{UserID: t.UserID}, t.At))

		return
	}

	p.logger.Info("👋 User offline", slog.String("userID", t.UserID))

	// Nobody is left to send a stop for this user.
	if p.typing != nil {
		p.typing.ClearUser(ctx, t.UserID)
	}

	p.router.ToAll(ctx, events.NewAt(events.UserOfflinePayload{UserID: t.UserID, LastSeen: t.At}, t.At))
}
