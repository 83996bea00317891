package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	kgo "github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kgo.Message, error)
	CommitMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// Producer publishes events to a Kafka topic keyed by event id.
type Producer struct {
	writer  messageWriter
	timeout time.Duration
}

func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		writer: &kgo.Writer{
			Addr:         kgo.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kgo.LeastBytes{},
			RequiredAcks: kgo.RequireOne,
		},
		timeout: 3 * time.Second,
	}
}

func (p *Producer) Close() error { return p.writer.Close() }

func (p *Producer) Publish(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	// bounded so the API does not hang when the broker is down
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(e.ID),
		Value: b,
		Time:  e.OccurredAt,
	})
}

// Consumer feeds events from a Kafka consumer group into a Handler.
// Offsets are committed after handling, so delivery is at least once.
type Consumer struct {
	reader  messageReader
	handler *Handler
	logger  *slog.Logger
}

func NewConsumer(brokers []string, topic, groupID string, handler *Handler, logger *slog.Logger) *Consumer {
	r := kgo.NewReader(kgo.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
	})
	return newConsumer(r, handler, logger)
}

func newConsumer(r messageReader, handler *Handler, logger *slog.Logger) *Consumer {
	return &Consumer{reader: r, handler: handler, logger: logger.With("component", "consumer")}
}

func (c *Consumer) Close() error { return c.reader.Close() }

// Run consumes until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			c.logger.Error("fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		var e Event
		if err := json.Unmarshal(m.Value, &e); err != nil {
			c.logger.Warn("malformed event skipped", "offset", m.Offset, "error", err)
		} else if err := e.Validate(); err != nil {
			c.logger.Warn("invalid event skipped", "offset", m.Offset, "error", err)
		} else {
			c.handler.Handle(ctx, e)
		}

		if err := c.commit(ctx, m); err != nil {
			c.logger.Warn("commit failed", "offset", m.Offset, "error", err)
		}
	}
}

func (c *Consumer) commit(ctx context.Context, m kgo.Message) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	return c.reader.CommitMessages(cctx, m)
}
