package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/idempotency"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/hibiken/asynq"
	"github.com/jmoiron/sqlx"
	chatserver "github.com/macwilko/wikid-realtime/chat_server"
	"github.com/macwilko/wikid-realtime/config"
	"github.com/macwilko/wikid-realtime/db/realtime_db"
	"github.com/macwilko/wikid-realtime/handlers"
	"github.com/macwilko/wikid-realtime/internal_handlers"
	"github.com/macwilko/wikid-realtime/tasks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	lg := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(lg)

	slog.Info("🚀 Booting ws api ✅")

	if len(os.Getenv("PORT")) > 0 {
		time.Sleep(4 * time.Second)
	}

	cfg, err := config.Load()

	if err != nil {
		slog.Error("Unable to read configuration",
			slog.String("error", err.Error()))

		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := chatserver.Options{
		NodeID:      cfg.NodeID,
		Logger:      lg,
		TypingTTL:   cfg.TypingTTL,
		FallbackTTL: cfg.FallbackTTL,
		Registerer:  prometheus.DefaultRegisterer,
	}

	var (
		rdb   *redis.Client
		queue *asynq.Client
	)

	if cfg.WriteRedisURL != "" {
		writeRedisOpts, err := redis.ParseURL(cfg.WriteRedisURL)

		if err != nil {
			slog.Error("Unable to read redis database",
				slog.String("error", err.Error()))

			panic(err)
		}

		rdb = redis.NewClient(&redis.Options{
			Addr:     writeRedisOpts.Addr,
			Username: writeRedisOpts.Username,
			Password: writeRedisOpts.Password,
			DB:       writeRedisOpts.DB,
			OnConnect: func(ctx context.Context, cn *redis.Conn) error {
				slog.Info("🦄 Redis Connected")
				return nil
			},
		})

		defer rdb.Close()

		adapter, err := chatserver.NewRedisAdapter(ctx, rdb, cfg.BroadcastChannel, lg)

		if err != nil {
			slog.Error("💀 Broadcast adapter unavailable, running single-process",
				slog.String("error", err.Error()))
		} else {
			opts.Adapter = adapter
			opts.Queue = chatserver.NewRedisQueue(rdb, cfg.FallbackQueue, cfg.FallbackTTL, lg)
		}

		queue = asynq.NewClient(asynq.RedisClientOpt{
			Network:  writeRedisOpts.Network,
			Addr:     writeRedisOpts.Addr,
			Username: writeRedisOpts.Username,
			Password: writeRedisOpts.Password,
			DB:       writeRedisOpts.DB,
		})

		defer queue.Close()
	}

	if opts.Queue == nil {
		opts.Queue = chatserver.NewMemoryQueue(cfg.FallbackQueue)
	}

	var directory handlers.Directory

	if cfg.DatabaseURL != "" {
		db, err := sqlx.Connect("mysql", cfg.DatabaseURL)

		if err != nil {
			slog.Error("Unable to connect to db",
				slog.String("error", err.Error()))

			panic(err)
		}

		slog.Info("🦄 PlanetScale Connected")

		defer db.Close()

		dir := realtime_db.New(db, rdb, lg)
		directory = dir
		opts.Rooms = dir.Rooms
	} else {
		slog.Warn("🚧 No DATABASE_URL, trusting token claims and default rooms")
	}

	server := chatserver.NewServer(opts)

	if queue != nil {
		server.Registry.OnTransition(func(t chatserver.Transition) {
			if t.Online {
				return
			}

			go enqueueLastSeen(queue, t)
		})
	}

	auth := handlers.NewAuthenticator(cfg.JWTSecret, directory, lg)
	socket := handlers.NewSocket(server, cfg.SendBuffer, lg)

	app := fiber.New(fiber.Config{
		Network:   "tcp",
		BodyLimit: 4 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(idempotency.New())
	app.Use(requestid.New())
	app.Use(logger.New(logger.Config{
		DisableColors: false,
		Format:        "${pid} ${locals:requestid} ${status} - ${method} ${path}\u200b",
	}))
	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))
	app.Use(cors.New())

	app.Use("/realtime", limiter.New(limiter.Config{
		Max:        120,
		Expiration: time.Minute,
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(fmt.Sprintf("So realtime! %s", server.NodeID))
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("I'm healthy!")
	})

	app.Get("/metrics", monitor.New(monitor.Config{Title: "Metrics"}))
	app.Get("/metrics/prometheus", adaptor.HTTPHandler(promhttp.Handler()))

	handlers.Mount(ctx, app, server, auth, socket)

	internal := fiber.New()

	internal.Use(func(c *fiber.Ctx) error {
		c.Accepts("application/json")
		return c.Next()
	})

	internal_handlers.Mount(internal, server)

	v1 := fiber.New()
	v1.Mount("/internal", internal)

	if cfg.InternalPort != "" {
		private := fiber.New(fiber.Config{Network: "tcp"})
		private.Mount("/v1", v1)

		go func() {
			if err := private.Listen(":" + cfg.InternalPort); err != nil {
				slog.Error("💀 Internal listener stopped", slog.String("error", err.Error()))
			}
		}()

		defer private.Shutdown()
	} else {
		app.Mount("/v1", v1)
	}

	go server.Run(ctx)

	go func() {
		<-ctx.Done()

		slog.Info("🛑 Shutting down ws api")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		app.ShutdownWithContext(shutdownCtx)
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		slog.Error("💀 Listener stopped", slog.String("error", err.Error()))
	}
}

func enqueueLastSeen(queue *asynq.Client, t chatserver.Transition) {
	task, err := tasks.NewRecordLastSeenTask(t.UserID, t.At)

	if err != nil {
		return
	}

	if _, err := queue.Enqueue(task, asynq.Queue("low")); err != nil {
		slog.Error("💀 Couldn't enqueue last seen",
			slog.String("userID", t.UserID),
			slog.String("error", err.Error()))
	}
}
