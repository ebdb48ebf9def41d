package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	chatserver "github.com/macwilko/wikid-realtime/chat_server"
	"github.com/macwilko/wikid-realtime/events"
)

const (
	TypeBroadcastEvent = "realtime:broadcast"
)

type BroadcastEventPayload struct {
	Target chatserver.Target `json:"target"`
	Event  events.Envelope   `json:"event"`
}

// Publisher is the cross-process side of the router; the scheduler holds no
// connections of its own.
type Publisher interface {
	Publish(ctx context.Context, d chatserver.Delivery) error
}

func NewBroadcastEventTask(target chatserver.Target, env events.Envelope) (*asynq.Task, error) {
	payload, err := json.Marshal(BroadcastEventPayload{Target: target, Event: env})

	slog.Info("Scheduling event for broadcast", slog.String("type", env.Type.String()))

	if err != nil {
		slog.Error("Unable to schedule broadcast",
			slog.String("error", err.Error()))

		return nil, err
	}

	return asynq.NewTask(TypeBroadcastEvent, payload), nil
}

// HandleBroadcastEventTask publishes the event so every realtime process
// delivers it to its own connections.
func HandleBroadcastEventTask(ctx context.Context, t *asynq.Task, origin string, publisher Publisher) error {
	var p BroadcastEventPayload

	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		slog.Error("Could not broadcast event",
			slog.String("error", err.Error()))

		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	if err := validator.New().Struct(p.Target); err != nil {
		slog.Error("Could not broadcast event, bad target",
			slog.String("error", err.Error()))

		return fmt.Errorf("invalid target: %v: %w", err, asynq.SkipRetry)
	}

	err := publisher.Publish(ctx, chatserver.Delivery{Origin: origin, Target: p.Target, Envelope: p.Event})

	if err != nil {
		slog.Error("💀 Couldn't publish queued broadcast",
			slog.String("error", err.Error()))

		return err
	}

	slog.Info("✅ Broadcasted queued event", slog.String("type", p.Event.Type.String()))

	return nil
}
