package model

import (
	"database/sql"
	"time"

	"github.com/gofiber/fiber/v2"
)

type Users struct {
	ID           string         `db:"id"`
	CreatedAt    time.Time      `db:"created_at"`
	Name         sql.NullString `db:"name"`
	Handle       sql.NullString `db:"handle"`
	LastActiveAt sql.NullTime   `db:"last_active_at"`
}

// DisplayName is what typing indicators show for the user.
func (u Users) DisplayName() string {
	if u.Name.Valid && u.Name.String != "" {
		return u.Name.String
	}

	return u.Handle.String
}

func (u Users) ToFiberMap() fiber.Map {
	return fiber.Map{
		"id":         u.ID,
		"created_at": u.CreatedAt.Format(time.RFC3339),
		"name":       u.Name.String,
		"handle":     u.Handle.String,
	}
}

func UserRedisKey(id string) string {
	return "user-" + id
}
