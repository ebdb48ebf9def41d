package internal_handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/imroc/req/v3"
	chatserver "github.com/macwilko/wikid-realtime/chat_server"
	"github.com/macwilko/wikid-realtime/events"
)

// Client is how other services reach the internal broadcast endpoint.
type Client struct {
	http *req.Client
}

// NewClient targets a realtime server, e.g. http://localhost:3006.
func NewClient(baseURL string) *Client {
	return &Client{
		http: req.C().
			SetBaseURL(baseURL).
			SetTimeout(10*time.Second).
			SetCommonHeader("Accept", "application/json"),
	}
}

func (c *Client) ToRoom(ctx context.Context, room string, env events.Envelope) (int, error) {
	return c.Broadcast(ctx, chatserver.Target{Scope: chatserver.ScopeRoom, Room: room}, env)
}

func (c *Client) ToUser(ctx context.Context, userID string, env events.Envelope) (int, error) {
	return c.Broadcast(ctx, chatserver.Target{Scope: chatserver.ScopeUser, UserID: userID}, env)
}

func (c *Client) ToAll(ctx context.Context, env events.Envelope) (int, error) {
	return c.Broadcast(ctx, chatserver.Target{Scope: chatserver.ScopeAll}, env)
}

func (c *Client) Broadcast(ctx context.Context, target chatserver.Target, env events.Envelope) (int, error) {
	raw, err := env.MarshalJSON()

	if err != nil {
		return 0, err
	}

	var out BroadcastOutput

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(BroadcastInput{Target: target, Event: raw}).
		SetSuccessResult(&out).
		Post("/v1/internal/broadcast")

	if err != nil {
		return 0, fmt.Errorf("broadcast: %w", err)
	}

	if !resp.IsSuccessState() {
		return 0, fmt.Errorf("broadcast: unexpected status %d: %s", resp.StatusCode, resp.String())
	}

	return out.Delivered, nil
}
