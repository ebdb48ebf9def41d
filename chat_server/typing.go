package chatserver

import (
	"context"
	"log/slog"
	"time"

	"github.com/macwilko/wikid-realtime/events"
	"github.com/macwilko/wikid-realtime/typing"
)

// DefaultSweepInterval bounds how late an expired typing entry is noticed.
const DefaultSweepInterval = 100 * time.Millisecond

// TypingCoordinator relays typing indicators to post rooms and synthesizes
// USER_STOPPED_TYPING when an indicator is not renewed in time.
type TypingCoordinator struct {
	table  *typing.Table
	router *Router
	logger *slog.Logger
}

func NewTypingCoordinator(table *typing.Table, router *Router, logger *slog.Logger) *TypingCoordinator {
	return &TypingCoordinator{
		table:  table,
		router: router,
		logger: logger.With(slog.String("component", "typing")),
	}
}

// Start records or renews from's indicator on postID and relays it to the
// post room, skipping the sender's own devices.
func (c *TypingCoordinator) Start(ctx context.Context, from *Connection, postID string) {
	s, _ := c.table.Touch(from.UserID, postID, from.UserName)

	c.router.ToRoomExcept(ctx, events.PostRoom(postID), from.UserID, events.New(events.UserTypingPayload{
		UserID:   s.UserID,
		PostID:   s.PostID,
		UserName: s.UserName,
	}))
}

// Stop clears the indicator. Nothing is relayed if the sweep already
// collected it, since the expiry produced its own stop.
func (c *TypingCoordinator) Stop(ctx context.Context, from *Connection, postID string) {
	if _, ok := c.table.Remove(from.UserID, postID); !ok {
		return
	}

	c.relayStop(ctx, from.UserID, postID)
}

// ClearUser drops every indicator held by userID.
func (c *TypingCoordinator) ClearUser(ctx context.Context, userID string) {
	for _, s := range c.table.RemoveUser(userID) {
		c.relayStop(ctx, s.UserID, s.PostID)
	}
}

// Active lists the live indicators on postID.
func (c *TypingCoordinator) Active(postID string) []events.UserTypingPayload {
	var out []events.UserTypingPayload

	for _, s := range c.table.Active(postID) {
		out = append(out, events.UserTypingPayload{UserID: s.UserID, PostID: s.PostID, UserName: s.UserName})
	}

	return out
}

// Sweep expires stale indicators once.
func (c *TypingCoordinator) Sweep(ctx context.Context) {
	for _, s := range c.table.Expire() {
		c.expired(ctx, s)
	}
}

// Run sweeps every interval until ctx is done.
func (c *TypingCoordinator) Run(ctx context.Context, interval time.Duration) {
	c.table.Run(ctx, interval, func(s typing.State) {
		c.expired(ctx, s)
	})
}

func (c *TypingCoordinator) expired(ctx context.Context, s typing.State) {
	c.logger.Debug("Typing expired", slog.String("userID", s.UserID), slog.String("postID", s.PostID))

	c.relayStop(ctx, s.UserID, s.PostID)
}

func (c *TypingCoordinator) relayStop(ctx context.Context, userID, postID string) {
	c.router.ToRoomExcept(ctx, events.PostRoom(postID), userID, events.New(events.UserStoppedTypingPayload{
		UserID: userID,
		PostID: postID,
	}))
}
