package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kangjinkui/katokbot/pkg/config"
)

type Message struct {
	Topic string
	Key   []byte
	Value []byte
}

// MessageHandler is invoked for each message. Returning an error leaves the
// offset uncommitted.
type MessageHandler func(ctx context.Context, msg Message) error

// reader is the subset of *kafka.Reader the consumer drives.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerStats is a point-in-time view of consumer progress.
type ConsumerStats struct {
	Processed   int64
	Failed      int64
	FetchErrors int64
	LastMessage time.Time
}

// Consumer reads one or more topics as a consumer group.
type Consumer struct {
	reader  reader
	logger  *slog.Logger
	handler MessageHandler

	maxBackoff  time.Duration
	processed   atomic.Int64
	failed      atomic.Int64
	fetchErrors atomic.Int64
	lastMessage atomic.Int64
}

func NewConsumer(cfg config.KafkaConfig, topics []string, handler MessageHandler) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupTopics: topics,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1,
		MaxBytes:    1 << 20,
		MaxWait:     time.Second,
		StartOffset: kafka.LastOffset,
	})
	return newConsumer(r, handler, slog.Default().With("component", "kafka-consumer", "topics", topics))
}

func newConsumer(r reader, handler MessageHandler, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader:     r,
		logger:     logger,
		handler:    handler,
		maxBackoff: 5 * time.Second,
	}
}

// Start consumes until ctx is cancelled. Fetch errors back off exponentially
// up to five seconds so a lost broker does not spin the loop.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started")
	backoff := time.Duration(0)
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping", "reason", ctx.Err())
				return nil
			}
			c.fetchErrors.Add(1)
			backoff = min(max(2*backoff, 100*time.Millisecond), c.maxBackoff)
			c.logger.Error("failed to fetch message", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0
		c.process(ctx, msg)
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	c.lastMessage.Store(time.Now().UnixNano())
	if err := c.handler(ctx, Message{Topic: msg.Topic, Key: msg.Key, Value: msg.Value}); err != nil {
		c.failed.Add(1)
		c.logger.Error("failed to process message",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return
	}
	c.processed.Add(1)
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.logger.Error("failed to commit message",
			"topic", msg.Topic,
			"offset", msg.Offset,
			"error", err,
		)
	}
}

func (c *Consumer) Stats() ConsumerStats {
	s := ConsumerStats{
		Processed:   c.processed.Load(),
		Failed:      c.failed.Load(),
		FetchErrors: c.fetchErrors.Load(),
	}
	if ns := c.lastMessage.Load(); ns != 0 {
		s.LastMessage = time.Unix(0, ns)
	}
	return s
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DecodeJSON unmarshals a message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}
