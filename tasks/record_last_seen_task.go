package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TypeRecordLastSeen = "presence:last-seen"
)

type RecordLastSeenPayload struct {
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

type LastSeenWriter interface {
	RecordLastSeen(ctx context.Context, userID string, at time.Time) error
}

func NewRecordLastSeenTask(userID string, at time.Time) (*asynq.Task, error) {
	payload, err := json.Marshal(RecordLastSeenPayload{UserID: userID, At: at.UTC()})

	if err != nil {
		slog.Error("Unable to schedule last seen",
			slog.String("error", err.Error()))

		return nil, err
	}

	return asynq.NewTask(TypeRecordLastSeen, payload), nil
}

func HandleRecordLastSeenTask(ctx context.Context, t *asynq.Task, writer LastSeenWriter) error {
	var p RecordLastSeenPayload

	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		slog.Error("Could not record last seen",
			slog.String("error", err.Error()))

		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	if p.UserID == "" {
		return fmt.Errorf("missing user id: %w", asynq.SkipRetry)
	}

	return writer.RecordLastSeen(ctx, p.UserID, p.At)
}
