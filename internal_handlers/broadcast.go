package internal_handlers

import (
	"encoding/json"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	chatserver "github.com/macwilko/wikid-realtime/chat_server"
	"github.com/macwilko/wikid-realtime/events"
	"github.com/macwilko/wikid-realtime/handlers"
)

// BroadcastInput is what the CRUD API posts when content changes.
type BroadcastInput struct {
	Target chatserver.Target `json:"target"`
	Event  json.RawMessage   `json:"event" validate:"required"`
}

type BroadcastOutput struct {
	OK        bool `json:"ok"`
	Delivered int  `json:"delivered"`
}

// Broadcast hands a content event to the router. Delivered counts local
// connections only; other processes relay through the adapter.
func Broadcast(c *fiber.Ctx, server *chatserver.Server) error {
	slog.Info("Broadcasting event ✅")

	input := new(BroadcastInput)

	if err := c.BodyParser(input); err != nil {
		slog.Warn("Invalid input 💀", slog.String("error", err.Error()))

		return c.Status(fiber.StatusBadRequest).JSON(&fiber.Map{
			"errors": []fiber.Map{{
				"message": "Invalid input.",
				"code":    events.CodeProtocol,
			}},
		})
	}

	if errs := handlers.ValidateInput(input); len(errs) > 0 {
		slog.Error("💀 Unable to broadcast event, input error 💀")

		return c.Status(fiber.StatusBadRequest).JSON(&fiber.Map{
			"errors": errs,
		})
	}

	env, err := events.Parse(input.Event)

	if err != nil {
		slog.Error("💀 Unable to broadcast event",
			slog.String("error", err.Error()))

		return c.Status(fiber.StatusBadRequest).JSON(&fiber.Map{
			"errors": []fiber.Map{{
				"message": err.Error(),
				"code":    events.CodeProtocol,
			}},
		})
	}

	n := server.Router.Deliver(c.UserContext(), input.Target, env)

	return c.Status(fiber.StatusOK).JSON(BroadcastOutput{OK: true, Delivered: n})
}
