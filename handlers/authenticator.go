package handlers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/golang-jwt/jwt/v5"
	chatserver "github.com/macwilko/wikid-realtime/chat_server"
	"github.com/macwilko/wikid-realtime/db/realtime_db/model"
	"github.com/macwilko/wikid-realtime/events"
)

// Directory confirms that a token's subject still exists and supplies its
// display name. realtime_db.Directory implements it.
type Directory interface {
	LookupUser(ctx context.Context, id string) (model.Users, error)
}

// Authenticator turns a bearer token into an Identity. Tokens are HMAC
// signed JWTs carrying the user id in the "id" claim.
type Authenticator struct {
	secret    []byte
	directory Directory
	logger    *slog.Logger
}

// NewAuthenticator builds an authenticator. directory may be nil, in which
// case the claims alone are trusted.
func NewAuthenticator(secret string, directory Directory, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		secret:    []byte(secret),
		directory: directory,
		logger:    logger.With(slog.String("component", "auth")),
	}
}

func (a *Authenticator) Secret() []byte {
	return a.secret
}

// Verify parses and validates raw. Every failure is an
// *events.AuthenticationError.
func (a *Authenticator) Verify(ctx context.Context, raw string) (chatserver.Identity, error) {
	if raw == "" {
		return chatserver.Identity{}, &events.AuthenticationError{Reason: "missing token"}
	}

	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}

		return a.secret, nil
	})

	if err != nil {
		return chatserver.Identity{}, &events.AuthenticationError{Reason: "invalid token", Err: err}
	}

	return a.Identify(ctx, token)
}

// Identify resolves the identity of an already validated token.
func (a *Authenticator) Identify(ctx context.Context, token *jwt.Token) (chatserver.Identity, error) {
	claims, ok := token.Claims.(jwt.MapClaims)

	if !ok {
		return chatserver.Identity{}, &events.AuthenticationError{Reason: "unexpected claims"}
	}

	id, _ := claims["id"].(string)

	if id == "" {
		id, _ = claims["sub"].(string)
	}

	if id == "" {
		return chatserver.Identity{}, &events.AuthenticationError{Reason: "token has no subject"}
	}

	name, _ := claims["name"].(string)

	ident := chatserver.Identity{UserID: Truncate(id, 255), Name: Truncate(name, 255)}

	if a.directory == nil {
		return ident, nil
	}

	user, err := a.directory.LookupUser(ctx, ident.UserID)

	if err != nil {
		a.logger.Error("💀 User doesn't exist 💀",
			slog.String("userID", ident.UserID),
			slog.String("error", err.Error()))

		return chatserver.Identity{}, &events.AuthenticationError{Reason: "unknown user", Err: err}
	}

	if n := user.DisplayName(); n != "" {
		ident.Name = n
	}

	return ident, nil
}
