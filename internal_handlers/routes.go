package internal_handlers

import (
	"github.com/gofiber/fiber/v2"
	chatserver "github.com/macwilko/wikid-realtime/chat_server"
)

// Mount registers the internal API on router, normally mounted at
// /v1/internal on a private listener.
func Mount(router fiber.Router, server *chatserver.Server) {
	router.Post("/broadcast", func(c *fiber.Ctx) error {
		return Broadcast(c, server)
	})
}
