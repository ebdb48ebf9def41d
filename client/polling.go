package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/imroc/req/v3"
	"github.com/macwilko/wikid-realtime/events"
)

type pollResponse struct {
	Events []json.RawMessage `json:"events"`
}

type emitRequest struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// PollingTransport is the fallback: it polls GET /realtime/poll on a fixed
// interval and sends through POST /realtime/emit.
type PollingTransport struct {
	http     *req.Client
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	handler func(events.Envelope)
	cancel  context.CancelFunc
}

func NewPollingTransport(baseURL, token string, interval time.Duration, logger *slog.Logger) *PollingTransport {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	return &PollingTransport{
		http: req.C().
			SetBaseURL(baseURL).
			SetTimeout(10*time.Second).
			SetCommonBearerAuthToken(token).
			SetCommonHeader("Accept", "application/json"),
		interval: interval,
		logger:   logger.With(slog.String("component", "polling")),
	}
}

func (t *PollingTransport) OnEvent(handler func(events.Envelope)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Connect polls once, so a refused credential surfaces immediately, then
// keeps polling until Disconnect. Other poll failures are logged and the
// loop carries on.
func (t *PollingTransport) Connect(ctx context.Context) error {
	t.Disconnect()

	if err := t.poll(ctx); err != nil {
		if events.IsAuthentication(err) {
			return err
		}

		t.logger.Warn("💀 Poll failed", slog.String("error", err.Error()))
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	go t.loop(loopCtx)

	return nil
}

func (t *PollingTransport) loop(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.poll(ctx); err != nil && ctx.Err() == nil {
				t.logger.Warn("💀 Poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (t *PollingTransport) poll(ctx context.Context) error {
	var out pollResponse

	resp, err := t.http.R().
		SetContext(ctx).
		SetSuccessResult(&out).
		Get("/realtime/poll")

	if err != nil {
		return &events.TransportError{Op: "poll", Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return &events.AuthenticationError{Reason: "poll refused"}
	}

	if !resp.IsSuccessState() {
		return &events.TransportError{Op: "poll", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	// A poll that finishes after Disconnect is discarded.
	if ctx.Err() != nil {
		return nil
	}

	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()

	for _, raw := range out.Events {
		env, err := events.Parse(raw)

		if err != nil {
			t.logger.Warn("💀 Dropping malformed event", slog.String("error", err.Error()))
			continue
		}

		if handler != nil {
			handler(env)
		}
	}

	return nil
}

func (t *PollingTransport) Send(ctx context.Context, env events.Envelope) error {
	if env.Payload == nil {
		return &events.ProtocolError{Kind: env.Type, Reason: "missing payload"}
	}

	data, err := json.Marshal(env.Payload)

	if err != nil {
		return &events.ProtocolError{Kind: env.Type, Reason: "unencodable payload", Err: err}
	}

	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(emitRequest{Event: env.Type.String(), Data: data}).
		Post("/realtime/emit")

	if err != nil {
		return &events.TransportError{Op: "emit", Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return &events.AuthenticationError{Reason: "emit refused"}
	}

	if !resp.IsSuccessState() {
		return &events.TransportError{Op: "emit", Err: errors.New(resp.String())}
	}

	return nil
}

func (t *PollingTransport) Disconnect() error {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	return nil
}
