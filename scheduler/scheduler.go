package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jmoiron/sqlx"
	chatserver "github.com/macwilko/wikid-realtime/chat_server"
	"github.com/macwilko/wikid-realtime/config"
	"github.com/macwilko/wikid-realtime/db/realtime_db"
	"github.com/macwilko/wikid-realtime/tasks"
	"github.com/redis/go-redis/v9"
)

func main() {
	lg := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(lg)

	slog.Info("🚀 Starting scheduler ✅")

	if len(os.Getenv("PORT")) > 0 {
		time.Sleep(4 * time.Second)
	}

	cfg, err := config.Load()

	if err != nil {
		slog.Error("Unable to read configuration",
			slog.String("error", err.Error()))

		panic(err)
	}

	writeRedisOpts, err := redis.ParseURL(cfg.WriteRedisURL)

	if err != nil {
		slog.Error("Unable to read redis database",
			slog.String("error", err.Error()))

		panic(err)
	}

	rdb := redis.NewClient(writeRedisOpts)
	defer rdb.Close()

	ctx := context.Background()

	publisher, err := chatserver.NewRedisAdapter(ctx, rdb, cfg.BroadcastChannel, lg)

	if err != nil {
		slog.Error("Unable to reach the broadcast channel",
			slog.String("error", err.Error()))

		panic(err)
	}

	origin := "scheduler-" + uuid.NewString()

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Network:  writeRedisOpts.Network,
			Addr:     writeRedisOpts.Addr,
			Username: writeRedisOpts.Username,
			Password: writeRedisOpts.Password,
			DB:       writeRedisOpts.DB,
		},
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
		},
	)

	mux := asynq.NewServeMux()

	mux.HandleFunc(tasks.TypeBroadcastEvent, func(ctx context.Context, t *asynq.Task) error {
		return tasks.HandleBroadcastEventTask(ctx, t, origin, publisher)
	})

	if cfg.DatabaseURL != "" {
		db, err := sqlx.Connect("mysql", cfg.DatabaseURL)

		if err != nil {
			slog.Error("Unable to connect to db",
				slog.String("error", err.Error()))

			panic(err)
		}

		defer db.Close()

		directory := realtime_db.New(db, rdb, lg)

		mux.HandleFunc(tasks.TypeRecordLastSeen, func(ctx context.Context, t *asynq.Task) error {
			return tasks.HandleRecordLastSeenTask(ctx, t, directory)
		})
	} else {
		slog.Warn("🚧 No DATABASE_URL, last seen tasks will not be handled")
	}

	if err := srv.Run(mux); err != nil {
		slog.Error("Scheduler crashed",
			slog.String("error", err.Error()))
	}
}
