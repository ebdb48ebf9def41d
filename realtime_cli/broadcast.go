package main

import (
	"github.com/hibiken/asynq"
	"github.com/macwilko/wikid-realtime/internal_handlers"
	"github.com/macwilko/wikid-realtime/tasks"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func broadcastCmd() *cobra.Command {
	var (
		server string
		kind   string
		data   string
		target targetFlags
	)

	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Deliver an event through the internal API",
		Example: `  realtime broadcast --room post:42 --type POST_LIKED \
    --data '{"postId":"42","userId":"7","likeCount":3}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := target.target()

			if err != nil {
				return err
			}

			env, err := buildEnvelope(kind, data)

			if err != nil {
				return err
			}

			delivered, err := internal_handlers.NewClient(server).Broadcast(cmd.Context(), t, env)

			if err != nil {
				return err
			}

			success("%s delivered to %d local connection(s)", env.Type, delivered)

			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "http://localhost:3006", "Realtime server serving /v1/internal")
	cmd.Flags().StringVar(&kind, "type", "", "Event type, e.g. POST_CREATED")
	cmd.Flags().StringVar(&data, "data", "{}", "Event payload as JSON")
	target.register(cmd)
	cmd.MarkFlagRequired("type")

	return cmd
}

func enqueueCmd() *cobra.Command {
	var (
		redisURL string
		kind     string
		data     string
		queue    string
		target   targetFlags
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue an event for the scheduler to broadcast",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := target.target()

			if err != nil {
				return err
			}

			env, err := buildEnvelope(kind, data)

			if err != nil {
				return err
			}

			opts, err := redis.ParseURL(redisURL)

			if err != nil {
				return err
			}

			q := asynq.NewClient(asynq.RedisClientOpt{
				Network:  opts.Network,
				Addr:     opts.Addr,
				Username: opts.Username,
				Password: opts.Password,
				DB:       opts.DB,
			})

			defer q.Close()

			task, err := tasks.NewBroadcastEventTask(t, env)

			if err != nil {
				return err
			}

			info, err := q.EnqueueContext(cmd.Context(), task, asynq.Queue(queue))

			if err != nil {
				return err
			}

			success("Queued %s as task %s on %s", env.Type, info.ID, info.Queue)

			return nil
		},
	}

	cmd.Flags().StringVar(&redisURL, "redis", "redis://localhost:6379/0", "Task queue redis URL")
	cmd.Flags().StringVar(&kind, "type", "", "Event type, e.g. NOTIFICATION_NEW")
	cmd.Flags().StringVar(&data, "data", "{}", "Event payload as JSON")
	cmd.Flags().StringVar(&queue, "queue", "default", "Queue name")
	target.register(cmd)
	cmd.MarkFlagRequired("type")

	return cmd
}
