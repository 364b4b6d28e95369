package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// ParseBrokers splits a comma separated broker list, dropping blanks.
func ParseBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// KafkaProducer publishes relayed events. Messages are hashed on their key,
// so every event of one aggregate lands on the same partition in order.
type KafkaProducer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafkaProducer returns a producer, or a no-op one when Kafka is disabled
// or no brokers are configured.
func NewKafkaProducer(brokers string, enabled bool, logger *slog.Logger) *KafkaProducer {
	addrs := ParseBrokers(brokers)
	if !enabled || len(addrs) == 0 {
		logger.Info("kafka producer disabled")
		return &KafkaProducer{logger: logger}
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		AllowAutoTopicCreation: true,
	}
	logger.Info("kafka producer initialized", "brokers", addrs)
	return &KafkaProducer{writer: w, logger: logger}
}

// Enabled reports whether Publish reaches a broker.
func (p *KafkaProducer) Enabled() bool { return p.writer != nil }

// Publish writes one message and waits for all in-sync replicas.
func (p *KafkaProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	if p.writer == nil {
		return nil
	}
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
		Time:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("kafka write %s: %w", topic, err)
	}
	return nil
}

// Close flushes and shuts down the writer.
func (p *KafkaProducer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// MessageHandler processes one consumed message. Returning an error stops
// consumption without committing that message.
type MessageHandler func(ctx context.Context, msg kafka.Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads a set of topics as one consumer group member.
type KafkaConsumer struct {
	reader messageReader
	logger *slog.Logger
}

// NewKafkaConsumer creates a group reader over topics. It is disabled when
// Kafka is off, no brokers are set, or there is nothing to read.
func NewKafkaConsumer(brokers string, topics []string, groupID string, enabled bool, logger *slog.Logger) *KafkaConsumer {
	addrs := ParseBrokers(brokers)
	if !enabled || len(addrs) == 0 || len(topics) == 0 {
		return &KafkaConsumer{logger: logger}
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     addrs,
		GroupID:     groupID,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	logger.Info("kafka consumer initialized", "brokers", addrs, "topics", len(topics), "group_id", groupID)
	return &KafkaConsumer{reader: r, logger: logger}
}

// Enabled reports whether the consumer is connected to a broker.
func (c *KafkaConsumer) Enabled() bool { return c.reader != nil }

// Consume feeds messages to handle until ctx ends or handle fails. Each
// message is committed only after handle returns nil, so a restart resumes
// at the first unprocessed message.
func (c *KafkaConsumer) Consume(ctx context.Context, handle MessageHandler) error {
	if c.reader == nil {
		<-ctx.Done()
		return nil
	}
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		if err := handle(ctx, msg); err != nil {
			return fmt.Errorf("handle %s@%d/%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit %s@%d/%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
		}
	}
}

// Close leaves the group and shuts down the reader.
func (c *KafkaConsumer) Close() error {
	if c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
