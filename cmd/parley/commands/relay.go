package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dyluth/parley/internal/credentials"
	"github.com/dyluth/parley/internal/printer"
	"github.com/dyluth/parley/pkg/stream"
)

var relayCmd = &cobra.Command{
	Use:   "relay <topic-id>...",
	Short: "Bridge topics' push channels into Redis",
	Long: `Hold one WebSocket connection per topic and republish every push event to
Redis Pub/Sub on {prefix}:topic:{id}:events.

Other parley processes started with stream.mode=redis (or PARLEY_STREAM_MODE=redis)
then follow those topics through Redis instead of opening their own connection.

With metrics.listen set, relayed events and reconnects are exposed on /metrics.

Examples:
  parley relay 1 12 40
  PARLEY_METRICS_LISTEN=:9464 parley relay 1`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRelay,
}

func init() {
	rootCmd.AddCommand(relayCmd)
}

func runRelay(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	topics := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := parseID("topic", arg)
		if err != nil {
			return err
		}
		topics = append(topics, id)
	}

	relayID := uuid.NewString()
	log := rt.log.Named("relay").With(zap.String("relay_id", relayID))

	relay, err := stream.NewRedisRelay(credentials.RedisOptions(rt.cfg.Redis), rt.cfg.Redis.Prefix, log)
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}
	defer relay.Close()
	relay.OnPublish = rt.metrics.Relayed

	if err := relay.Ping(ctx); err != nil {
		return printer.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s", rt.cfg.Redis.Addr),
			map[string]string{"Error": err.Error()},
			[]string{"Check redis.addr in the config or PARLEY_REDIS_ADDR"},
		)
	}

	ws, err := rt.webSocket()
	if err != nil {
		return fmt.Errorf("failed to create push subscriber: %w", err)
	}
	upstream := &stream.Reconnecting{
		Inner:       ws,
		Backoff:     rt.cfg.Stream.Backoff(),
		MaxAttempts: rt.cfg.Stream.Reconnect.MaxAttempts,
		Logger:      log,
		OnReconnect: rt.metrics.Reconnected,
	}

	rt.serveMetrics(ctx)

	g, gctx := errgroup.WithContext(ctx)
	for _, topicID := range topics {
		topicID := topicID
		sub, err := upstream.Subscribe(gctx, topicID)
		if err != nil {
			return printer.APIError(fmt.Sprintf("connect to topic %d", topicID), err)
		}
		defer sub.Close()

		g.Go(func() error {
			if err := relay.Forward(gctx, topicID, sub); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("topic %d: %w", topicID, err)
			}
			return nil
		})
	}

	printer.Success("Relaying %d topic(s) to Redis at %s\n", len(topics), rt.cfg.Redis.Addr)
	log.Info("relay started", zap.Int64s("topics", topics), zap.String("prefix", rt.cfg.Redis.Prefix))

	if err := g.Wait(); err != nil {
		return printer.ErrorWithContext(
			"relay stopped",
			err.Error(),
			map[string]string{"Topics": strings.Trim(fmt.Sprint(topics), "[]")},
			[]string{"Log in again if your session expired:\n  parley login --email <email>"},
		)
	}
	return nil
}
