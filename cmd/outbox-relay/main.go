package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/attaboy/wagerline/internal/domain"
	"github.com/attaboy/wagerline/internal/guard"
	"github.com/attaboy/wagerline/internal/infra"
	"github.com/attaboy/wagerline/internal/projection"
	"github.com/attaboy/wagerline/internal/repository"
	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	tail := flag.Bool("tail", false, "consume the event topics and log each message instead of relaying")
	group := flag.String("group", "wagerline-tail", "consumer group for -tail")
	project := flag.Bool("project", false, "with -tail, fold ledger events into the Redis balance projection")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	run := relay
	if *tail {
		run = func(ctx context.Context, cfg *infra.Config, logger *slog.Logger) error {
			return tailEvents(ctx, cfg, *group, *project, logger)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := infra.LoadConfig()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("outbox relay failed", "error", err)
		os.Exit(1)
	}
}

// relay drains event_outbox into Kafka, one topic per event type.
func relay(ctx context.Context, cfg *infra.Config, logger *slog.Logger) error {
	pool, err := infra.NewPostgresPool(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()
	logger.Info("outbox-relay connected to postgres")

	producer := infra.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEnabled, logger)
	defer producer.Close()

	poller := infra.NewOutboxPoller(
		repository.NewPoolOutboxFeed(pool, repository.NewOutboxRepository()),
		producer, cfg.OutboxPollInterval, cfg.OutboxBatchSize, logger,
	).WithBreaker(guard.NewCircuitBreaker(5, 30*time.Second))
	return poller.Run(ctx)
}

// tailEvents follows every event topic and logs what arrives. With project set,
// ledger transactions also update the wallet balance read model.
func tailEvents(ctx context.Context, cfg *infra.Config, group string, project bool, logger *slog.Logger) error {
	types := domain.AllEventTypes()
	topics := make([]string, 0, len(types))
	for _, t := range types {
		topics = append(topics, string(t))
	}

	consumer := infra.NewKafkaConsumer(cfg.KafkaBrokers, topics, group, cfg.KafkaEnabled, logger)
	defer consumer.Close()
	if !consumer.Enabled() {
		return fmt.Errorf("kafka is disabled; set KAFKA_ENABLED=true and KAFKA_BROKERS")
	}

	var projector *projection.Projector
	if project {
		rdb, err := infra.NewRedisClient(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		projector = projection.NewProjector(projection.NewRedisStore(rdb, cfg.RedisPrefix))
	}

	err := consumer.Consume(ctx, func(ctx context.Context, msg kafka.Message) error {
		logger.Info("event",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"key", string(msg.Key),
			"value", string(msg.Value),
		)
		if projector == nil {
			return nil
		}
		env, err := infra.DecodeOutboxMessage(msg.Value)
		if err != nil {
			logger.Error("skip undecodable message", "topic", msg.Topic, "offset", msg.Offset, "error", err)
			return nil
		}
		if _, err := projector.Apply(ctx, env.EventType, env.Payload); err != nil {
			return fmt.Errorf("project %s: %w", env.EventID, err)
		}
		return nil
	})
	logger.Info("outbox tail stopped")
	return err
}
