// Package realtime_db resolves identities and social-graph rooms for the
// realtime server. MySQL is the source of truth, redis caches user rows.
package realtime_db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	chatserver "github.com/macwilko/wikid-realtime/chat_server"
	"github.com/macwilko/wikid-realtime/db/realtime_db/model"
	"github.com/macwilko/wikid-realtime/events"
	"github.com/redis/go-redis/v9"
)

const userCacheTTL = 1 * time.Hour

var ErrUserNotFound = errors.New("user not found")

type Directory struct {
	db     *sqlx.DB
	rdb    *redis.Client
	logger *slog.Logger
}

// New returns a directory over db. rdb may be nil, in which case every lookup
// goes to the database.
func New(db *sqlx.DB, rdb *redis.Client, logger *slog.Logger) *Directory {
	return &Directory{
		db:     db,
		rdb:    rdb,
		logger: logger.With(slog.String("component", "directory")),
	}
}

// LookupUser reads the user through the redis cache.
func (d *Directory) LookupUser(ctx context.Context, id string) (model.Users, error) {
	user := model.Users{}

	if d.rdb != nil {
		val, err := d.rdb.Get(ctx, model.UserRedisKey(id)).Result()

		if err == nil {
			if err := json.Unmarshal([]byte(val), &user); err == nil && user.ID != "" {
				return user, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			d.logger.Warn("Couldn't fetch user from Redis, going to database",
				slog.String("userID", id),
				slog.String("error", err.Error()))
		}
	}

	err := d.db.GetContext(ctx, &user, "SELECT id, created_at, name, handle, last_active_at FROM users WHERE id = ?", id)

	if errors.Is(err, sql.ErrNoRows) {
		return model.Users{}, ErrUserNotFound
	}

	if err != nil {
		return model.Users{}, fmt.Errorf("select user: %w", err)
	}

	if d.rdb != nil {
		d.cache(user)
	}

	return user, nil
}

func (d *Directory) cache(user model.Users) {
	p, err := json.Marshal(user)

	if err != nil {
		d.logger.Error("💀 Couldn't encode user for the cache",
			slog.String("error", err.Error()))

		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := d.rdb.Set(ctx, model.UserRedisKey(user.ID), p, userCacheTTL).Err(); err != nil {
			d.logger.Error("Unable to cache user in redis",
				slog.String("error", err.Error()))
		}
	}()
}

// Followees lists the users id follows.
func (d *Directory) Followees(ctx context.Context, id string) ([]string, error) {
	followees := []string{}

	q := `SELECT followee_id
	      FROM follows
	      WHERE follower_id = ?`

	if err := d.db.SelectContext(ctx, &followees, q, id); err != nil {
		return nil, fmt.Errorf("select followees: %w", err)
	}

	return followees, nil
}

// RecordLastSeen stores when the user was last connected.
func (d *Directory) RecordLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := d.db.ExecContext(ctx, "UPDATE users SET last_active_at = ? WHERE id = ?", at, id)

	if err != nil {
		return fmt.Errorf("update last_active_at: %w", err)
	}

	if d.rdb != nil {
		d.rdb.Del(ctx, model.UserRedisKey(id))
	}

	return nil
}

// Rooms is a chatserver.RoomResolver: the default rooms plus one
// following:<id> room per followee. A failing follow lookup degrades to the
// default rooms.
func (d *Directory) Rooms(ctx context.Context, ident chatserver.Identity) ([]string, error) {
	followees, err := d.Followees(ctx, ident.UserID)

	if err != nil {
		d.logger.Warn("💀 Couldn't load followees, joining default rooms only",
			slog.String("userID", ident.UserID),
			slog.String("error", err.Error()))
	}

	return roomsFor(ident, followees), nil
}

func roomsFor(ident chatserver.Identity, followees []string) []string {
	rooms, _ := chatserver.DefaultRooms(context.Background(), ident)

	for _, f := range followees {
		if f == "" || f == ident.UserID {
			continue
		}

		rooms = append(rooms, events.FollowingRoom(f))
	}

	return rooms
}
