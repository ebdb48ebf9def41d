package handlers

import (
	"encoding/json"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	chatserver "github.com/macwilko/wikid-realtime/chat_server"
	"github.com/macwilko/wikid-realtime/events"
)

type EmitInput struct {
	Event string          `json:"event" validate:"required,max=64"`
	Data  json.RawMessage `json:"data"`
}

type PollOutput struct {
	Events []events.Envelope `json:"events"`
}

// Poll returns and clears the events queued for the viewer.
func Poll(c *fiber.Ctx, server *chatserver.Server) error {
	ident, ok := Viewer(c)

	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(errorBody(events.CodeAuthentication, "Not allowed."))
	}

	queued, err := server.Fallback.Poll(c.UserContext(), ident)

	if err != nil {
		slog.Error("💀 Couldn't poll fallback queue",
			slog.String("userID", ident.UserID),
			slog.String("error", err.Error()))

		return c.Status(fiber.StatusInternalServerError).JSON(errorBody(events.CodeInternal, "System error"))
	}

	if queued == nil {
		queued = []events.Envelope{}
	}

	return c.Status(fiber.StatusOK).JSON(PollOutput{Events: queued})
}

// Emit accepts one event from a polling client and handles it exactly like
// an event read from a socket.
func Emit(c *fiber.Ctx, server *chatserver.Server) error {
	ident, ok := Viewer(c)

	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(errorBody(events.CodeAuthentication, "Not allowed."))
	}

	input := new(EmitInput)

	if err := c.BodyParser(input); err != nil {
		slog.Warn("Invalid input 💀", slog.String("error", err.Error()))

		return c.Status(fiber.StatusBadRequest).JSON(errorBody(events.CodeProtocol, "Invalid input."))
	}

	if errs := ValidateInput(input); len(errs) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(&fiber.Map{
			"errors": errs,
		})
	}

	kind := events.Kind(input.Event)
	data := input.Data

	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	payload, err := events.Decode(kind, data)

	if err == nil {
		err = server.Fallback.Emit(c.UserContext(), ident, events.New(payload))
	}

	if err != nil {
		slog.Warn("💀 Rejected fallback event",
			slog.String("userID", ident.UserID),
			slog.String("type", input.Event),
			slog.String("error", err.Error()))

		if events.IsProtocol(err) {
			return c.Status(fiber.StatusBadRequest).JSON(errorBody(events.CodeProtocol, err.Error()))
		}

		return c.Status(fiber.StatusInternalServerError).JSON(errorBody(events.CodeInternal, "System error"))
	}

	return c.Status(fiber.StatusOK).JSON(&fiber.Map{
		"success": true,
	})
}
