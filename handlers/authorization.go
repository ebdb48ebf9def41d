package handlers

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	jwtware "github.com/gofiber/contrib/jwt"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	chatserver "github.com/macwilko/wikid-realtime/chat_server"
	"github.com/macwilko/wikid-realtime/events"
)

const viewerKey = "viewer"

// Viewer returns the identity attached by one of the authorization
// middlewares.
func Viewer(c *fiber.Ctx) (chatserver.Identity, bool) {
	ident, ok := c.Locals(viewerKey).(chatserver.Identity)
	return ident, ok
}

// AuthorizationWS runs before the websocket upgrade. The token comes from the
// "token" query parameter or a bearer header; a rejected handshake never
// reaches the registry.
func AuthorizationWS(ctx context.Context, auth *Authenticator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := c.Query("token")

		if raw == "" {
			raw = strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
		}

		ident, err := auth.Verify(ctx, raw)

		if err != nil {
			return unauthorized(c, auth.logger, err)
		}

		c.Locals(viewerKey, ident)

		return c.Next()
	}
}

// AuthorizationREST guards the fallback endpoints with jwtware and resolves
// the identity of the validated token.
func AuthorizationREST(ctx context.Context, auth *Authenticator) []fiber.Handler {
	return []fiber.Handler{
		jwtware.New(jwtware.Config{
			SigningKey: jwtware.SigningKey{Key: auth.Secret()},
			ErrorHandler: func(c *fiber.Ctx, err error) error {
				return unauthorized(c, auth.logger, &events.AuthenticationError{Reason: "invalid token", Err: err})
			},
		}),
		func(c *fiber.Ctx) error {
			token, ok := c.Locals("user").(*jwt.Token)

			if !ok {
				return unauthorized(c, auth.logger, &events.AuthenticationError{Reason: "missing token"})
			}

			ident, err := auth.Identify(ctx, token)

			if err != nil {
				return unauthorized(c, auth.logger, err)
			}

			c.Locals(viewerKey, ident)

			return c.Next()
		},
	}
}

func unauthorized(c *fiber.Ctx, logger *slog.Logger, err error) error {
	logger.Warn("💀 Unauthorized",
		slog.String("path", c.Path()),
		slog.String("error", err.Error()))

	message := "Unable to authorize"

	var authErr *events.AuthenticationError
	if errors.As(err, &authErr) {
		message = authErr.Reason
	}

	return c.Status(fiber.StatusUnauthorized).JSON(errorBody(events.CodeAuthentication, message))
}
