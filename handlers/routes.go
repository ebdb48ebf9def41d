package handlers

import (
	"context"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	chatserver "github.com/macwilko/wikid-realtime/chat_server"
)

// Mount registers the handshake-guarded websocket endpoint at /ws and the
// fallback pair under /realtime.
func Mount(ctx context.Context, app fiber.Router, server *chatserver.Server, auth *Authenticator, socket *Socket) {
	app.Use("/ws", AuthorizationWS(ctx, auth))

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}

		return c.SendStatus(fiber.StatusUpgradeRequired)
	})

	app.Get("/ws", websocket.New(socket.Serve, websocket.Config{
		RecoverHandler: func(conn *websocket.Conn) {
			if err := recover(); err != nil {
				ident, ok := conn.Locals(viewerKey).(chatserver.Identity)

				if ok {
					socket.logger.Error("💀 Handling an unrecoverable error on the connection 💀",
						"affected user", ident.UserID)
				} else {
					socket.logger.Error("💀 Unauthorized user had an unrecoverable error 💀")
				}

				conn.WriteJSON(fiber.Map{"error": "an error occurred"})
			}
		},
	}))

	realtime := app.Group("/realtime", AuthorizationREST(ctx, auth)...)

	realtime.Get("/poll", func(c *fiber.Ctx) error {
		return Poll(c, server)
	})

	realtime.Post("/emit", func(c *fiber.Ctx) error {
		return Emit(c, server)
	})
}
